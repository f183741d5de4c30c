package contracts

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	xerrors "AP2-Chain/internal/errors"
	"AP2-Chain/internal/token"
	"AP2-Chain/internal/web3"
	"AP2-Chain/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// ERC20Contract is a typed binding over the payment token contract.
type ERC20Contract struct {
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
}

// NewERC20Contract binds the token contract at the given address.
func NewERC20Contract(address common.Address, backend bind.ContractBackend) (*ERC20Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("解析代币合约 ABI 失败: %w", err)
	}
	return &ERC20Contract{
		address:  address,
		abi:      parsed,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
	}, nil
}

// Address returns the bound token address.
func (c *ERC20Contract) Address() common.Address { return c.address }

// ABI exposes the parsed token interface.
func (c *ERC20Contract) ABI() abi.ABI { return c.abi }

// Symbol reads the token's display symbol.
func (c *ERC20Contract) Symbol(ctx context.Context) (string, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "symbol"); err != nil {
		return "", fmt.Errorf("查询代币符号失败: %w", err)
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

// Decimals reads the token's decimal precision.
func (c *ERC20Contract) Decimals(ctx context.Context) (uint8, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, fmt.Errorf("查询代币精度失败: %w", err)
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

// TotalSupply reads the circulating supply.
func (c *ERC20Contract) TotalSupply(ctx context.Context) (*big.Int, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "totalSupply"); err != nil {
		return nil, fmt.Errorf("查询代币总量失败: %w", err)
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// BalanceOf reads an account balance.
func (c *ERC20Contract) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", account); err != nil {
		return nil, fmt.Errorf("查询代币余额失败: %w", err)
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// Allowance reads the amount the spender may pull from the owner.
func (c *ERC20Contract) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "allowance", owner, spender); err != nil {
		return nil, fmt.Errorf("查询授权额度失败: %w", err)
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// Approve submits an approval transaction.
func (c *ERC20Contract) Approve(opts *bind.TransactOpts, spender common.Address, amount *big.Int) (*coretypes.Transaction, error) {
	return c.contract.Transact(opts, "approve", spender, amount)
}

// Transfer submits a direct transfer transaction.
func (c *ERC20Contract) Transfer(opts *bind.TransactOpts, to common.Address, amount *big.Int) (*coretypes.Transaction, error) {
	return c.contract.Transact(opts, "transfer", to, amount)
}

// TransferFrom submits a delegated transfer transaction.
func (c *ERC20Contract) TransferFrom(opts *bind.TransactOpts, from, to common.Address, amount *big.Int) (*coretypes.Transaction, error) {
	return c.contract.Transact(opts, "transferFrom", from, to, amount)
}

// erc20Reasons maps the token contract's require messages onto the coded
// errors raised by the in-memory vault, covering both current and legacy
// OpenZeppelin phrasings.
var erc20Reasons = map[string]error{
	"ERC20: insufficient allowance":            token.ErrInsufficientAllowance,
	"ERC20: transfer amount exceeds allowance": token.ErrInsufficientAllowance,
	"ERC20: transfer amount exceeds balance":   token.ErrInsufficientBalance,
}

// ERC20Ledger adapts the bound token contract to the ledger interface used
// by the settlement layers. Every transacting address needs a registered
// signer; read calls have no such requirement.
type ERC20Ledger struct {
	client        web3.Client
	contract      *ERC20Contract
	signers       *web3.Signers
	gasLimit      uint64
	confirmations uint64
	log           *slog.Logger
}

// ERC20LedgerOption customizes an ERC20Ledger.
type ERC20LedgerOption func(*ERC20Ledger)

// WithERC20GasLimit sets an explicit gas limit for token transactions.
// The default of zero lets the node estimate, which rejects reverting
// transactions before they are submitted.
func WithERC20GasLimit(limit uint64) ERC20LedgerOption {
	return func(l *ERC20Ledger) { l.gasLimit = limit }
}

// WithERC20Confirmations overrides the receipt confirmation depth.
func WithERC20Confirmations(depth uint64) ERC20LedgerOption {
	return func(l *ERC20Ledger) { l.confirmations = depth }
}

// NewERC20Ledger binds the token contract at the given address and wraps it
// in the ledger interface.
func NewERC20Ledger(client web3.Client, address common.Address, signers *web3.Signers, opts ...ERC20LedgerOption) (*ERC20Ledger, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供链客户端")
	}
	if signers == nil {
		signers = web3.NewSigners(nil)
	}
	contract, err := NewERC20Contract(address, client.ContractBackend())
	if err != nil {
		return nil, err
	}
	ledger := &ERC20Ledger{
		client:   client,
		contract: contract,
		signers:  signers,
		log:      logger.Named("erc20"),
	}
	for _, opt := range opts {
		opt(ledger)
	}
	return ledger, nil
}

var _ token.Ledger = (*ERC20Ledger)(nil)

// Contract exposes the underlying typed binding for metadata reads.
func (l *ERC20Ledger) Contract() *ERC20Contract {
	return l.contract
}

// BalanceOf implements token.Ledger.
func (l *ERC20Ledger) BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	balance, err := l.contract.BalanceOf(ctx, holder)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取代币余额失败")
	}
	return balance, nil
}

// Allowance implements token.Ledger.
func (l *ERC20Ledger) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	allowance, err := l.contract.Allowance(ctx, owner, spender)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取授权额度失败")
	}
	return allowance, nil
}

// Approve implements token.Ledger by signing as the owner.
func (l *ERC20Ledger) Approve(ctx context.Context, owner, spender common.Address, amount *big.Int) error {
	return l.transact(ctx, owner, "approve", func(opts *bind.TransactOpts) (*coretypes.Transaction, error) {
		return l.contract.Approve(opts, spender, amount)
	})
}

// Transfer implements token.Ledger by signing as the sender.
func (l *ERC20Ledger) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	return l.transact(ctx, from, "transfer", func(opts *bind.TransactOpts) (*coretypes.Transaction, error) {
		return l.contract.Transfer(opts, to, amount)
	})
}

// TransferFrom implements token.Ledger by signing as the spender.
func (l *ERC20Ledger) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error {
	return l.transact(ctx, spender, "transferFrom", func(opts *bind.TransactOpts) (*coretypes.Transaction, error) {
		return l.contract.TransferFrom(opts, from, to, amount)
	})
}

func (l *ERC20Ledger) transact(ctx context.Context, caller common.Address, action string, send func(*bind.TransactOpts) (*coretypes.Transaction, error)) error {
	opts, ok := l.signers.For(caller)
	if !ok {
		return xerrors.New(xerrors.CodeUnauthorized,
			fmt.Sprintf("未持有地址 %s 的签名密钥", caller.Hex()))
	}
	copied := *opts
	copied.Context = ctx
	copied.GasLimit = l.gasLimit

	tx, err := send(&copied)
	if err != nil {
		return l.translate(err)
	}

	receipt, err := l.client.WaitForReceipt(ctx, tx.Hash(), l.confirmations)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, "等待交易回执失败",
			xerrors.WithMetadata("tx", tx.Hash().Hex()),
			xerrors.WithMetadata("action", action))
	}
	if receipt.Status == coretypes.ReceiptStatusFailed {
		return l.revertCause(ctx, caller, tx, receipt)
	}

	l.log.Debug("代币交易已确认",
		slog.String("action", action),
		slog.String("caller", caller.Hex()),
		slog.String("tx", tx.Hash().Hex()),
	)
	return nil
}

func (l *ERC20Ledger) translate(err error) error {
	if err == nil {
		return nil
	}
	if reason, ok := ReasonFromError(err); ok {
		return l.translateReason(reason)
	}
	return xerrors.Wrap(xerrors.CodeChainFailure, err, "代币调用失败")
}

func (l *ERC20Ledger) translateReason(reason string) error {
	if mapped, ok := erc20Reasons[reason]; ok {
		return mapped
	}
	return xerrors.New(xerrors.CodeChainFailure, fmt.Sprintf("代币合约回滚: %s", reason))
}

func (l *ERC20Ledger) revertCause(ctx context.Context, from common.Address, tx *coretypes.Transaction, receipt *coretypes.Receipt) error {
	msg := gethcore.CallMsg{
		From:     from,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}
	ret, err := l.client.ContractBackend().CallContract(ctx, msg, receipt.BlockNumber)
	if err != nil {
		return l.translate(err)
	}
	if reason, ok := DecodeRevertData(ret); ok {
		return l.translateReason(reason)
	}
	return xerrors.New(xerrors.CodeChainFailure, "代币交易执行失败且无法取得回滚原因",
		xerrors.WithMetadata("tx", tx.Hash().Hex()))
}
