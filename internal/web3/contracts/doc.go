// Package contracts binds the deployed escrow and payment token contracts
// and adapts them to the protocol and ledger interfaces the settlement
// layers are written against. The bindings shape calldata and decode logs;
// ChainLedger and ERC20Ledger add signer resolution, receipt waiting and
// the translation of revert reasons back into coded errors, so callers see
// the same failures whether they run against contract storage or the
// in-process ledger.
package contracts
