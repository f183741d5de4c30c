package escrow

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AP2-Chain/internal/errors"
	"AP2-Chain/internal/token"
	"AP2-Chain/pkg/logger"
)

// Ledger 是托管协议的进程内实现：与链上合约相同的状态机、前置条件与
// 失败原因，但以互斥锁代替链的全序执行环境。资金托管在代币账本中
// 一个专属的托管地址名下。
type Ledger struct {
	address  common.Address
	owner    common.Address
	tokens   token.Ledger
	registry AgentRegistry
	bus      *EventBus
	now      func() time.Time

	mu        sync.Mutex
	purchases map[string]*Purchase
}

var _ Protocol = (*Ledger)(nil)

// Option 定义可选的账本配置。
type Option func(*Ledger)

// WithClock 替换账本的时间源，测试用它推进紧急提取窗口。
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithEventBus 指定事件总线。未指定时账本自带一个新总线。
func WithEventBus(bus *EventBus) Option {
	return func(l *Ledger) {
		if bus != nil {
			l.bus = bus
		}
	}
}

// WithAddress 指定托管地址。默认由所有者地址确定性派生。
func WithAddress(address common.Address) Option {
	return func(l *Ledger) {
		if address != (common.Address{}) {
			l.address = address
		}
	}
}

// NewLedger 创建托管账本。owner 拥有名单管理与紧急提取的独占权限，
// tokens 负责资金划转，registry 是被注入的代理授权能力。
func NewLedger(owner common.Address, tokens token.Ledger, registry AgentRegistry, opts ...Option) *Ledger {
	ledger := &Ledger{
		address:   deriveLedgerAddress(owner),
		owner:     owner,
		tokens:    tokens,
		registry:  registry,
		bus:       NewEventBus(),
		now:       time.Now,
		purchases: make(map[string]*Purchase),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ledger)
		}
	}
	return ledger
}

// Address 返回账本的托管地址。买家在发起购买前需要向该地址授权代币额度。
func (l *Ledger) Address() common.Address {
	return l.address
}

// Events 返回账本的事件总线。
func (l *Ledger) Events() *EventBus {
	return l.bus
}

// InitiatePurchase 实现 Protocol。划转失败时不留任何部分状态。
func (l *Ledger) InitiatePurchase(ctx context.Context, buyer common.Address, id *big.Int, tokenAddr common.Address, amount *big.Int, recipient common.Address, courseID *big.Int) error {
	if id == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "purchase id is required")
	}
	// 零地址是"记录不存在"的哨兵值，买家绝不允许使用它。
	if buyer == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "buyer address cannot be the zero address")
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := id.String()
	if existing, ok := l.purchases[key]; ok && existing.Exists() {
		return ErrDuplicatePurchase
	}

	// 先从买家处拉取资金；失败则整个调用原样退出。
	if err := l.tokens.TransferFrom(ctx, l.address, buyer, l.address, amount); err != nil {
		return xerrors.Wrap(CodeTransferFailed, err, "token transfer failed")
	}

	now := l.now()
	purchase := &Purchase{
		ID:        new(big.Int).Set(id),
		Buyer:     buyer,
		Token:     tokenAddr,
		Amount:    new(big.Int).Set(amount),
		Recipient: recipient,
		CourseID:  cloneBig(courseID),
		Executed:  false,
		CreatedAt: now.Unix(),
	}
	l.purchases[key] = purchase

	l.bus.Publish(Event{
		Kind:       EventPurchaseInitiated,
		PurchaseID: new(big.Int).Set(id),
		Buyer:      buyer,
		Amount:     new(big.Int).Set(amount),
		CourseID:   cloneBig(courseID),
		EmittedAt:  now.Unix(),
	})
	logger.Audit().Info("托管购买已创建",
		slog.String("purchase_id", key),
		slog.String("buyer", buyer.Hex()),
		slog.String("amount", amount.String()),
		slog.String("course_id", purchase.CourseID.String()),
	)
	return nil
}

// ExecutePurchase 实现 Protocol。先置位 executed 再划转资金；
// 划转失败时整体回退，包括已置位的标志。
func (l *Ledger) ExecutePurchase(ctx context.Context, caller common.Address, id *big.Int) error {
	if id == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "purchase id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	authorized, err := l.registry.Authorized(ctx, caller)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询代理授权名单失败")
	}
	if !authorized {
		return ErrNotAgent
	}

	purchase, ok := l.purchases[id.String()]
	if !ok || !purchase.Exists() {
		return ErrPurchaseNotFound
	}
	if purchase.Executed {
		return ErrAlreadyExecuted
	}
	if purchase.Amount == nil || purchase.Amount.Sign() <= 0 {
		return ErrZeroAmount
	}

	// 效果先行：先标记完成，再做外部划转。
	purchase.Executed = true
	if err := l.tokens.Transfer(ctx, l.address, purchase.Recipient, purchase.Amount); err != nil {
		purchase.Executed = false
		return xerrors.Wrap(CodeTransferFailed, err, "token transfer failed")
	}

	now := l.now()
	l.bus.Publish(Event{
		Kind:       EventPurchaseExecuted,
		PurchaseID: new(big.Int).Set(id),
		Agent:      caller,
		Recipient:  purchase.Recipient,
		Amount:     new(big.Int).Set(purchase.Amount),
		EmittedAt:  now.Unix(),
	})
	logger.Audit().Info("托管购买已执行",
		slog.String("purchase_id", id.String()),
		slog.String("agent", caller.Hex()),
		slog.String("recipient", purchase.Recipient.Hex()),
		slog.String("amount", purchase.Amount.String()),
	)
	return nil
}

// EmergencyWithdraw 实现 Protocol。超时后由所有者回收资金，金额清零。
func (l *Ledger) EmergencyWithdraw(ctx context.Context, caller common.Address, id *big.Int) error {
	if id == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "purchase id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.owner {
		return ErrNotOwner
	}

	purchase, ok := l.purchases[id.String()]
	if !ok || !purchase.Exists() {
		return ErrPurchaseNotFound
	}
	if purchase.Executed {
		return ErrAlreadyExecuted
	}
	if l.now().Sub(time.Unix(purchase.CreatedAt, 0)) < EmergencyTimeout {
		return ErrTimeoutNotReached
	}

	amount := purchase.Amount
	purchase.Executed = true
	purchase.Amount = big.NewInt(0)
	if err := l.tokens.Transfer(ctx, l.address, l.owner, amount); err != nil {
		purchase.Executed = false
		purchase.Amount = amount
		return xerrors.Wrap(CodeTransferFailed, err, "token transfer failed")
	}

	// 合约不为紧急提取定义事件，链下只留审计记录。
	logger.Audit().Info("托管资金已紧急回收",
		slog.String("purchase_id", id.String()),
		slog.String("owner", l.owner.Hex()),
		slog.String("amount", amount.String()),
	)
	return nil
}

// RegisterAgent 实现 Protocol。重复注册是幂等操作，但每次都发布事件。
func (l *Ledger) RegisterAgent(ctx context.Context, caller, agent common.Address) error {
	if agent == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent address cannot be the zero address")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.owner {
		return ErrNotOwner
	}
	if err := l.registry.Grant(ctx, agent); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入代理授权名单失败")
	}
	l.bus.Publish(Event{
		Kind:      EventAgentRegistered,
		Agent:     agent,
		EmittedAt: l.now().Unix(),
	})
	logger.Audit().Info("代理已注册", slog.String("agent", agent.Hex()))
	return nil
}

// UnregisterAgent 实现 Protocol。
func (l *Ledger) UnregisterAgent(ctx context.Context, caller, agent common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.owner {
		return ErrNotOwner
	}
	if err := l.registry.Revoke(ctx, agent); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入代理授权名单失败")
	}
	l.bus.Publish(Event{
		Kind:      EventAgentUnregistered,
		Agent:     agent,
		EmittedAt: l.now().Unix(),
	})
	logger.Audit().Info("代理已注销", slog.String("agent", agent.Hex()))
	return nil
}

// TransferOwnership 把账本所有权移交给新地址。购买逻辑不依赖它，
// 但作为标准所有权模式的能力保留。
func (l *Ledger) TransferOwnership(_ context.Context, caller, newOwner common.Address) error {
	if newOwner == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "new owner cannot be the zero address")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.owner {
		return ErrNotOwner
	}
	l.owner = newOwner
	logger.Audit().Info("账本所有权已移交", slog.String("new_owner", newOwner.Hex()))
	return nil
}

// GetPurchase 实现 Protocol。返回记录的拷贝。
func (l *Ledger) GetPurchase(_ context.Context, id *big.Int) (*Purchase, error) {
	if id == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "purchase id is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	purchase, ok := l.purchases[id.String()]
	if !ok || !purchase.Exists() {
		return nil, ErrPurchaseNotFound
	}
	return purchase.Clone(), nil
}

// IsAgent 实现 Protocol。
func (l *Ledger) IsAgent(ctx context.Context, agent common.Address) (bool, error) {
	return l.registry.Authorized(ctx, agent)
}

// Owner 实现 Protocol。
func (l *Ledger) Owner(_ context.Context) (common.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner, nil
}

// Watch 实现 Protocol。上下文取消时订阅自动释放。
func (l *Ledger) Watch(ctx context.Context) (<-chan Event, func(), error) {
	events, cancel := l.bus.Subscribe()
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return events, cancel, nil
}

func cloneBig(value *big.Int) *big.Int {
	if value == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(value)
}

// deriveLedgerAddress 由所有者地址派生托管地址，保证本地部署可重现。
func deriveLedgerAddress(owner common.Address) common.Address {
	digest := crypto.Keccak256(owner.Bytes(), []byte("ap2-escrow-ledger"))
	return common.BytesToAddress(digest[12:])
}
