package contracts

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"AP2-Chain/internal/escrow"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// AP2Contract is a typed binding over the deployed escrow contract. It only
// shapes calldata and decodes results; transaction submission, receipt
// waiting and revert translation live in ChainLedger.
type AP2Contract struct {
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
}

// NewAP2Contract binds the escrow contract at the given address.
func NewAP2Contract(address common.Address, backend bind.ContractBackend) (*AP2Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(AP2ABI))
	if err != nil {
		return nil, fmt.Errorf("解析托管合约 ABI 失败: %w", err)
	}
	return &AP2Contract{
		address:  address,
		abi:      parsed,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
	}, nil
}

// Address returns the bound contract address.
func (c *AP2Contract) Address() common.Address { return c.address }

// ABI exposes the parsed contract interface.
func (c *AP2Contract) ABI() abi.ABI { return c.abi }

// Owner reads the current contract owner.
func (c *AP2Contract) Owner(ctx context.Context) (common.Address, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "owner"); err != nil {
		return common.Address{}, fmt.Errorf("查询合约所有者失败: %w", err)
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

// IsAgent reads whether the address currently holds the executor role.
func (c *AP2Contract) IsAgent(ctx context.Context, agent common.Address) (bool, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "agents", agent); err != nil {
		return false, fmt.Errorf("查询代理授权失败: %w", err)
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// Purchase reads the stored purchase record for the id. A zero buyer address
// in the result means the slot was never written.
func (c *AP2Contract) Purchase(ctx context.Context, id *big.Int) (*escrow.Purchase, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "purchases", id); err != nil {
		return nil, fmt.Errorf("查询购买记录失败: %w", err)
	}
	purchase := &escrow.Purchase{
		ID:        new(big.Int).Set(id),
		Buyer:     *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Token:     *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		Amount:    abi.ConvertType(out[2], new(big.Int)).(*big.Int),
		Recipient: *abi.ConvertType(out[3], new(common.Address)).(*common.Address),
		CourseID:  abi.ConvertType(out[4], new(big.Int)).(*big.Int),
		Executed:  *abi.ConvertType(out[5], new(bool)).(*bool),
	}
	purchase.CreatedAt = abi.ConvertType(out[6], new(big.Int)).(*big.Int).Int64()
	return purchase, nil
}

// InitiatePurchase builds and submits the buyer's deposit transaction.
func (c *AP2Contract) InitiatePurchase(opts *bind.TransactOpts, id *big.Int, token common.Address, amount *big.Int, recipient common.Address, courseID *big.Int) (*coretypes.Transaction, error) {
	return c.contract.Transact(opts, "initiatePurchase", id, token, amount, recipient, courseID)
}

// ExecutePurchase builds and submits the agent's release transaction.
func (c *AP2Contract) ExecutePurchase(opts *bind.TransactOpts, id *big.Int) (*coretypes.Transaction, error) {
	return c.contract.Transact(opts, "executePurchase", id)
}

// EmergencyWithdraw builds and submits the owner's reclaim transaction.
func (c *AP2Contract) EmergencyWithdraw(opts *bind.TransactOpts, id *big.Int) (*coretypes.Transaction, error) {
	return c.contract.Transact(opts, "emergencyWithdraw", id)
}

// RegisterAgent builds and submits the owner's authorization transaction.
func (c *AP2Contract) RegisterAgent(opts *bind.TransactOpts, agent common.Address) (*coretypes.Transaction, error) {
	return c.contract.Transact(opts, "registerAgent", agent)
}

// UnregisterAgent builds and submits the owner's revocation transaction.
func (c *AP2Contract) UnregisterAgent(opts *bind.TransactOpts, agent common.Address) (*coretypes.Transaction, error) {
	return c.contract.Transact(opts, "unregisterAgent", agent)
}

// TransferOwnership builds and submits the owner handover transaction.
func (c *AP2Contract) TransferOwnership(opts *bind.TransactOpts, newOwner common.Address) (*coretypes.Transaction, error) {
	return c.contract.Transact(opts, "transferOwnership", newOwner)
}

// EventTopics returns the topic hashes of all contract events, used to narrow
// log filters to the escrow contract's emissions.
func (c *AP2Contract) EventTopics() []common.Hash {
	topics := make([]common.Hash, 0, len(c.abi.Events))
	for _, name := range []string{"PurchaseInitiated", "PurchaseExecuted", "AgentRegistered", "AgentUnregistered"} {
		if event, ok := c.abi.Events[name]; ok {
			topics = append(topics, event.ID)
		}
	}
	return topics
}

// purchaseInitiatedLog mirrors the PurchaseInitiated event layout. Field
// names follow the ABI argument names so topic and data unpacking line up.
type purchaseInitiatedLog struct {
	PurchaseId *big.Int
	Buyer      common.Address
	Amount     *big.Int
	CourseId   *big.Int
}

type purchaseExecutedLog struct {
	PurchaseId *big.Int
	Agent      common.Address
	Recipient  common.Address
	Amount     *big.Int
}

type agentRegisteredLog struct {
	Agent common.Address
}

type agentUnregisteredLog struct {
	Agent common.Address
}

// ParseEvent decodes a raw chain log into the neutral event model shared with
// the in-process ledger. Logs from other contracts or with unknown topics
// return ok=false without an error.
func (c *AP2Contract) ParseEvent(log coretypes.Log) (escrow.Event, bool, error) {
	if log.Address != c.address || len(log.Topics) == 0 {
		return escrow.Event{}, false, nil
	}
	event, err := c.abi.EventByID(log.Topics[0])
	if err != nil {
		return escrow.Event{}, false, nil
	}

	out := escrow.Event{TxHash: log.TxHash, LogIndex: log.Index, BlockNo: log.BlockNumber}
	switch event.Name {
	case "PurchaseInitiated":
		var decoded purchaseInitiatedLog
		if err := c.contract.UnpackLog(&decoded, event.Name, log); err != nil {
			return escrow.Event{}, false, fmt.Errorf("解析购买创建事件失败: %w", err)
		}
		out.Kind = escrow.EventPurchaseInitiated
		out.PurchaseID = decoded.PurchaseId
		out.Buyer = decoded.Buyer
		out.Amount = decoded.Amount
		out.CourseID = decoded.CourseId
	case "PurchaseExecuted":
		var decoded purchaseExecutedLog
		if err := c.contract.UnpackLog(&decoded, event.Name, log); err != nil {
			return escrow.Event{}, false, fmt.Errorf("解析购买执行事件失败: %w", err)
		}
		out.Kind = escrow.EventPurchaseExecuted
		out.PurchaseID = decoded.PurchaseId
		out.Agent = decoded.Agent
		out.Recipient = decoded.Recipient
		out.Amount = decoded.Amount
	case "AgentRegistered":
		var decoded agentRegisteredLog
		if err := c.contract.UnpackLog(&decoded, event.Name, log); err != nil {
			return escrow.Event{}, false, fmt.Errorf("解析代理注册事件失败: %w", err)
		}
		out.Kind = escrow.EventAgentRegistered
		out.Agent = decoded.Agent
	case "AgentUnregistered":
		var decoded agentUnregisteredLog
		if err := c.contract.UnpackLog(&decoded, event.Name, log); err != nil {
			return escrow.Event{}, false, fmt.Errorf("解析代理注销事件失败: %w", err)
		}
		out.Kind = escrow.EventAgentUnregistered
		out.Agent = decoded.Agent
	default:
		return escrow.Event{}, false, nil
	}
	return out, true, nil
}
