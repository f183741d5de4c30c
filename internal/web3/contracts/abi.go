package contracts

// AP2ABI is the canonical interface of the deployed escrow contract. It must
// stay in sync with the Solidity artifact shipped alongside the deployment
// tooling; the binding parses it once at construction time.
const AP2ABI = `[
  {"type":"constructor","inputs":[],"stateMutability":"nonpayable"},
  {"type":"event","name":"AgentRegistered","anonymous":false,"inputs":[
    {"name":"agent","type":"address","indexed":true}]},
  {"type":"event","name":"AgentUnregistered","anonymous":false,"inputs":[
    {"name":"agent","type":"address","indexed":true}]},
  {"type":"event","name":"PurchaseInitiated","anonymous":false,"inputs":[
    {"name":"purchaseId","type":"uint256","indexed":true},
    {"name":"buyer","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"courseId","type":"uint256","indexed":false}]},
  {"type":"event","name":"PurchaseExecuted","anonymous":false,"inputs":[
    {"name":"purchaseId","type":"uint256","indexed":true},
    {"name":"agent","type":"address","indexed":true},
    {"name":"recipient","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"function","name":"initiatePurchase","stateMutability":"nonpayable","inputs":[
    {"name":"purchaseId","type":"uint256"},
    {"name":"token","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"recipient","type":"address"},
    {"name":"courseId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"executePurchase","stateMutability":"nonpayable","inputs":[
    {"name":"purchaseId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"emergencyWithdraw","stateMutability":"nonpayable","inputs":[
    {"name":"purchaseId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"registerAgent","stateMutability":"nonpayable","inputs":[
    {"name":"agent","type":"address"}],"outputs":[]},
  {"type":"function","name":"unregisterAgent","stateMutability":"nonpayable","inputs":[
    {"name":"agent","type":"address"}],"outputs":[]},
  {"type":"function","name":"transferOwnership","stateMutability":"nonpayable","inputs":[
    {"name":"newOwner","type":"address"}],"outputs":[]},
  {"type":"function","name":"purchases","stateMutability":"view","inputs":[
    {"name":"","type":"uint256"}],"outputs":[
    {"name":"buyer","type":"address"},
    {"name":"token","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"recipient","type":"address"},
    {"name":"courseId","type":"uint256"},
    {"name":"executed","type":"bool"},
    {"name":"createdAt","type":"uint256"}]},
  {"type":"function","name":"agents","stateMutability":"view","inputs":[
    {"name":"","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"owner","stateMutability":"view","inputs":[],
    "outputs":[{"name":"","type":"address"}]}
]`

// ERC20ABI is the standard fungible token interface used by the payment
// token. Only the members the settlement flow touches are declared.
const ERC20ABI = `[
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"value","type":"uint256","indexed":false}]},
  {"type":"event","name":"Approval","anonymous":false,"inputs":[
    {"name":"owner","type":"address","indexed":true},
    {"name":"spender","type":"address","indexed":true},
    {"name":"value","type":"uint256","indexed":false}]},
  {"type":"function","name":"name","stateMutability":"view","inputs":[],
    "outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"symbol","stateMutability":"view","inputs":[],
    "outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],
    "outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
    {"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"},
    {"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
    {"name":"spender","type":"address"},
    {"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[
    {"name":"to","type":"address"},
    {"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[
    {"name":"from","type":"address"},
    {"name":"to","type":"address"},
    {"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`
