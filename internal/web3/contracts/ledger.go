package contracts

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"AP2-Chain/internal/escrow"
	xerrors "AP2-Chain/internal/errors"
	"AP2-Chain/internal/web3"
	"AP2-Chain/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

const (
	// DefaultGasLimit is applied to state-changing escrow transactions.
	// Setting an explicit limit skips gas estimation, so a transaction that
	// would revert still gets mined and leaves a status-0 receipt on chain.
	DefaultGasLimit uint64 = 500_000

	// DefaultWatchInterval is the log polling cadence used when the node
	// offers no websocket subscriptions.
	DefaultWatchInterval = 6 * time.Second

	// watchBuffer bounds the decoded event channel handed to Watch callers.
	watchBuffer = 64
)

// ChainLedger drives the deployed escrow contract through the neutral
// protocol interface, so orchestration code cannot tell it apart from the
// in-process ledger. Every caller address must have a registered signer;
// buyers signing in their own wallets submit transactions out of band and
// only surface here through events and record reads.
type ChainLedger struct {
	client        web3.Client
	contract      *AP2Contract
	signers       *web3.Signers
	gasLimit      uint64
	confirmations uint64
	watchInterval time.Duration
	log           *slog.Logger
}

// LedgerOption customizes a ChainLedger.
type LedgerOption func(*ChainLedger)

// WithGasLimit overrides the gas limit applied to escrow transactions.
// Zero restores estimation, which makes reverts fail before submission.
func WithGasLimit(limit uint64) LedgerOption {
	return func(cl *ChainLedger) { cl.gasLimit = limit }
}

// WithConfirmations overrides the receipt confirmation depth.
func WithConfirmations(depth uint64) LedgerOption {
	return func(cl *ChainLedger) { cl.confirmations = depth }
}

// WithWatchInterval overrides the polling cadence of the Watch fallback.
func WithWatchInterval(interval time.Duration) LedgerOption {
	return func(cl *ChainLedger) {
		if interval > 0 {
			cl.watchInterval = interval
		}
	}
}

// NewChainLedger binds the escrow contract at the given address and wraps it
// in the protocol interface.
func NewChainLedger(client web3.Client, address common.Address, signers *web3.Signers, opts ...LedgerOption) (*ChainLedger, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供链客户端")
	}
	if signers == nil {
		signers = web3.NewSigners(nil)
	}
	contract, err := NewAP2Contract(address, client.ContractBackend())
	if err != nil {
		return nil, err
	}

	cl := &ChainLedger{
		client:        client,
		contract:      contract,
		signers:       signers,
		gasLimit:      DefaultGasLimit,
		watchInterval: DefaultWatchInterval,
		log:           logger.Named("chainledger"),
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl, nil
}

var _ escrow.Protocol = (*ChainLedger)(nil)

// Address returns the bound contract address.
func (cl *ChainLedger) Address() common.Address {
	return cl.contract.Address()
}

// Contract exposes the underlying typed binding for read-side tooling.
func (cl *ChainLedger) Contract() *AP2Contract {
	return cl.contract
}

// InitiatePurchase submits the buyer's deposit transaction and waits for it
// to confirm. The buyer must have approved the contract on the token first.
func (cl *ChainLedger) InitiatePurchase(ctx context.Context, buyer common.Address, id *big.Int, token common.Address, amount *big.Int, recipient common.Address, courseID *big.Int) error {
	return cl.transact(ctx, buyer, "initiatePurchase", func(opts *bind.TransactOpts) (*coretypes.Transaction, error) {
		return cl.contract.InitiatePurchase(opts, id, token, amount, recipient, courseID)
	})
}

// ExecutePurchase submits the agent's release transaction and waits for it
// to confirm.
func (cl *ChainLedger) ExecutePurchase(ctx context.Context, caller common.Address, id *big.Int) error {
	return cl.transact(ctx, caller, "executePurchase", func(opts *bind.TransactOpts) (*coretypes.Transaction, error) {
		return cl.contract.ExecutePurchase(opts, id)
	})
}

// EmergencyWithdraw submits the owner's reclaim transaction and waits for it
// to confirm.
func (cl *ChainLedger) EmergencyWithdraw(ctx context.Context, caller common.Address, id *big.Int) error {
	return cl.transact(ctx, caller, "emergencyWithdraw", func(opts *bind.TransactOpts) (*coretypes.Transaction, error) {
		return cl.contract.EmergencyWithdraw(opts, id)
	})
}

// RegisterAgent submits the owner's authorization transaction.
func (cl *ChainLedger) RegisterAgent(ctx context.Context, caller, agent common.Address) error {
	return cl.transact(ctx, caller, "registerAgent", func(opts *bind.TransactOpts) (*coretypes.Transaction, error) {
		return cl.contract.RegisterAgent(opts, agent)
	})
}

// UnregisterAgent submits the owner's revocation transaction.
func (cl *ChainLedger) UnregisterAgent(ctx context.Context, caller, agent common.Address) error {
	return cl.transact(ctx, caller, "unregisterAgent", func(opts *bind.TransactOpts) (*coretypes.Transaction, error) {
		return cl.contract.UnregisterAgent(opts, agent)
	})
}

// GetPurchase reads the purchase record from contract storage.
func (cl *ChainLedger) GetPurchase(ctx context.Context, id *big.Int) (*escrow.Purchase, error) {
	purchase, err := cl.contract.Purchase(ctx, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取购买记录失败")
	}
	if !purchase.Exists() {
		return nil, escrow.ErrPurchaseNotFound
	}
	return purchase, nil
}

// IsAgent reads the authorization flag from contract storage.
func (cl *ChainLedger) IsAgent(ctx context.Context, agent common.Address) (bool, error) {
	authorized, err := cl.contract.IsAgent(ctx, agent)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取代理授权失败")
	}
	return authorized, nil
}

// Owner reads the contract owner.
func (cl *ChainLedger) Owner(ctx context.Context) (common.Address, error) {
	owner, err := cl.contract.Owner(ctx)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取合约所有者失败")
	}
	return owner, nil
}

// Watch streams decoded contract events. It prefers a live log subscription
// and falls back to interval polling when the node cannot push logs. Unlike
// the in-process ledger, only events emitted after the call are delivered;
// use ReplayEvents with a block cursor to recover history.
func (cl *ChainLedger) Watch(ctx context.Context) (<-chan escrow.Event, func(), error) {
	query := gethcore.FilterQuery{Addresses: []common.Address{cl.contract.Address()}}
	events := make(chan escrow.Event, watchBuffer)

	watchCtx, cancelCtx := context.WithCancel(ctx)

	sub, err := cl.client.SubscribeEvents(watchCtx, query)
	if err == nil {
		go cl.pump(watchCtx, sub, events)
		var once sync.Once
		cancel := func() {
			once.Do(func() {
				sub.Close()
				cancelCtx()
			})
		}
		return events, cancel, nil
	}

	cl.log.Warn("事件订阅不可用，退化为轮询", slog.String("error", err.Error()))

	// The cursor is fixed before Watch returns so callers know exactly which
	// blocks the stream covers.
	var cursor uint64
	if head, headErr := cl.client.BlockNumber(ctx); headErr == nil {
		cursor = head + 1
	}
	go cl.poll(watchCtx, events, cursor)
	var once sync.Once
	cancel := func() {
		once.Do(cancelCtx)
	}
	return events, cancel, nil
}

// ReplayEvents decodes the contract's logs in the closed block range
// [from, to]. Agents use it to catch up from a persisted cursor before
// switching to live delivery.
func (cl *ChainLedger) ReplayEvents(ctx context.Context, from, to uint64) ([]escrow.Event, error) {
	if to < from {
		return nil, nil
	}
	query := gethcore.FilterQuery{
		Addresses: []common.Address{cl.contract.Address()},
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
	}
	logs, err := cl.client.FilterEvents(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "回放合约日志失败")
	}

	events := make([]escrow.Event, 0, len(logs))
	for _, rawLog := range logs {
		event, ok, parseErr := cl.contract.ParseEvent(rawLog)
		if parseErr != nil {
			cl.log.Warn("合约日志解码失败", slog.String("tx", rawLog.TxHash.Hex()), slog.String("error", parseErr.Error()))
			continue
		}
		if !ok {
			continue
		}
		event.EmittedAt = time.Now().Unix()
		events = append(events, event)
	}
	return events, nil
}

// EventsSince replays every event from the cursor block up to the current
// head. Agents call it at startup to recover what they missed while down.
func (cl *ChainLedger) EventsSince(ctx context.Context, from uint64) ([]escrow.Event, error) {
	head, err := cl.client.BlockNumber(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询区块高度失败")
	}
	return cl.ReplayEvents(ctx, from, head)
}

func (cl *ChainLedger) pump(ctx context.Context, sub *web3.EventSubscription, out chan<- escrow.Event) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				cl.log.Warn("事件订阅中断", slog.String("error", err.Error()))
			}
			return
		case rawLog, ok := <-sub.Logs():
			if !ok {
				return
			}
			event, decoded, err := cl.contract.ParseEvent(rawLog)
			if err != nil {
				cl.log.Warn("合约日志解码失败", slog.String("tx", rawLog.TxHash.Hex()), slog.String("error", err.Error()))
				continue
			}
			if !decoded {
				continue
			}
			event.EmittedAt = time.Now().Unix()
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (cl *ChainLedger) poll(ctx context.Context, out chan<- escrow.Event, cursor uint64) {
	defer close(out)

	ticker := time.NewTicker(cl.watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		head, err := cl.client.BlockNumber(ctx)
		if err != nil {
			cl.log.Warn("查询区块高度失败", slog.String("error", err.Error()))
			continue
		}
		if head < cursor {
			continue
		}

		events, err := cl.ReplayEvents(ctx, cursor, head)
		if err != nil {
			cl.log.Warn("轮询合约日志失败", slog.String("error", err.Error()))
			continue
		}
		for _, event := range events {
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
		cursor = head + 1
	}
}

// transact resolves the caller's signer, submits the transaction, waits for
// the configured confirmation depth, and translates failed receipts back
// into the coded errors of the in-process ledger.
func (cl *ChainLedger) transact(ctx context.Context, caller common.Address, action string, send func(*bind.TransactOpts) (*coretypes.Transaction, error)) error {
	opts, err := cl.signerFor(caller)
	if err != nil {
		return err
	}
	opts.Context = ctx
	opts.GasLimit = cl.gasLimit

	tx, err := send(opts)
	if err != nil {
		return TranslateError(err)
	}

	receipt, err := cl.client.WaitForReceipt(ctx, tx.Hash(), cl.confirmations)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, "等待交易回执失败",
			xerrors.WithMetadata("tx", tx.Hash().Hex()),
			xerrors.WithMetadata("action", action))
	}
	if receipt.Status == coretypes.ReceiptStatusFailed {
		return cl.revertCause(ctx, caller, tx, receipt)
	}

	logger.Audit().Info("链上交易已确认",
		slog.String("action", action),
		slog.String("caller", caller.Hex()),
		slog.String("tx", tx.Hash().Hex()),
		slog.Uint64("block", receipt.BlockNumber.Uint64()),
	)
	return nil
}

func (cl *ChainLedger) signerFor(caller common.Address) (*bind.TransactOpts, error) {
	opts, ok := cl.signers.For(caller)
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnauthorized,
			fmt.Sprintf("未持有地址 %s 的签名密钥", caller.Hex()))
	}
	copied := *opts
	return &copied, nil
}

// revertCause replays a failed transaction as a call at its mined block to
// recover the require message the receipt does not carry.
func (cl *ChainLedger) revertCause(ctx context.Context, from common.Address, tx *coretypes.Transaction, receipt *coretypes.Receipt) error {
	msg := gethcore.CallMsg{
		From:     from,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}
	ret, err := cl.client.ContractBackend().CallContract(ctx, msg, receipt.BlockNumber)
	if err != nil {
		return TranslateError(err)
	}
	if reason, ok := DecodeRevertData(ret); ok {
		return TranslateRevert(reason)
	}
	return xerrors.New(xerrors.CodeChainFailure, "交易执行失败且无法取得回滚原因",
		xerrors.WithMetadata("tx", tx.Hash().Hex()))
}
