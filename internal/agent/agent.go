package agent

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AP2-Chain/internal/errors"
	"AP2-Chain/internal/escrow"
	"AP2-Chain/internal/observability/alerting"
	"AP2-Chain/internal/observability/metrics"
	"AP2-Chain/internal/settlement"
	"AP2-Chain/pkg/logger"
)

// SettlementNotifier 把链上观察到的进展回报给结算层。
type SettlementNotifier interface {
	RecordInitiation(ctx context.Context, purchaseID, txHash string) error
	ConfirmExecution(ctx context.Context, purchaseID, txHash, executedBy string) (*settlement.Settlement, error)
}

// HistorySource 按区块游标拉取历史事件，用于重启后的断点补放。
// 链上账本实现它；内存账本的 Watch 自带全量回放，无需配置。
type HistorySource interface {
	EventsSince(ctx context.Context, from uint64) ([]escrow.Event, error)
}

// EventSink 接收代理观察到的每一条账本事件，作为账务侧的事件留痕。
// 写入失败只记日志，不影响执行主流程。
type EventSink interface {
	AppendEvent(ctx context.Context, evt escrow.Event) error
}

// Executor 是授权执行代理：跟随账本事件流，核对每一笔已发起的托管
// 购买并提交执行交易，再把执行结果回报给结算层。除执行之外的任何
// 资金操作都不属于它。
type Executor struct {
	protocol escrow.Protocol
	address  common.Address

	notifier SettlementNotifier
	cursor   CursorStore
	sink     EventSink
	alerter  alerting.Dispatcher
	logger   *slog.Logger
	poll     time.Duration

	mu          sync.Mutex
	pending     map[string]*pendingPurchase
	unconfirmed map[string]*confirmRetry
	highwater   uint64
	executed    uint64
}

// pendingPurchase 记录一笔等待执行的购买，以及是否已为它发过授权告警。
type pendingPurchase struct {
	id      *big.Int
	alerted bool
}

// confirmRetry 记录一次失败的执行回报，等待下个周期重试。
type confirmRetry struct {
	purchaseHex string
	txHash      string
	executedBy  string
}

// defaultPollInterval 是待执行购买与未完成回报的重试间隔。
const defaultPollInterval = 6 * time.Second

// Option 定义可选的 Executor 配置。
type Option func(*Executor)

// WithSettlementNotifier 配置结算层回报通道。不配置时代理只执行，
// 不回报。
func WithSettlementNotifier(notifier SettlementNotifier) Option {
	return func(e *Executor) {
		e.notifier = notifier
	}
}

// WithCursorStore 配置区块游标的持久化存储。
func WithCursorStore(store CursorStore) Option {
	return func(e *Executor) {
		e.cursor = store
	}
}

// WithEventSink 配置事件留痕的落库通道。
func WithEventSink(sink EventSink) Option {
	return func(e *Executor) {
		e.sink = sink
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(e *Executor) {
		e.alerter = dispatcher
	}
}

// WithPollInterval 设置重试轮询间隔。
func WithPollInterval(interval time.Duration) Option {
	return func(e *Executor) {
		if interval > 0 {
			e.poll = interval
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = log
	}
}

// New 创建执行代理。address 是代理自身的链上身份，必须先由所有者
// 注册进授权名单，执行交易才会被账本接受。
func New(protocol escrow.Protocol, address common.Address, opts ...Option) *Executor {
	ex := &Executor{
		protocol:    protocol,
		address:     address,
		poll:        defaultPollInterval,
		pending:     make(map[string]*pendingPurchase),
		unconfirmed: make(map[string]*confirmRetry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ex)
		}
	}
	if ex.poll <= 0 {
		ex.poll = defaultPollInterval
	}
	return ex
}

// Address 返回代理的链上身份地址。
func (e *Executor) Address() common.Address {
	return e.address
}

// Run 启动执行循环：先订阅事件流，再从持久化游标补放错过的历史，
// 然后进入事件驱动加定时重试的主循环，直到 ctx 结束才返回。
func (e *Executor) Run(ctx context.Context) error {
	if e.protocol == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置托管协议")
	}
	if e.address == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "代理地址不能是零地址")
	}

	events, cancel, err := e.protocol.Watch(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, "订阅账本事件失败")
	}
	defer func() { cancel() }()

	// 先订阅后补放。两段重叠的事件靠幂等处理消化，宁可重复不可遗漏。
	e.backfill(ctx)

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				// 订阅被总线断开或链上连接中断，重新建立并补放缺口。
				cancel()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				events, cancel, err = e.protocol.Watch(ctx)
				if err != nil {
					return xerrors.Wrap(xerrors.CodeChainFailure, err, "重新订阅账本事件失败")
				}
				e.backfill(ctx)
				continue
			}
			e.dispatch(ctx, evt)
		case <-ticker.C:
			e.retry(ctx)
		}
	}
}

// Status 描述执行代理的运行时状态，用于健康检查与运维观测。
type Status struct {
	Agent       string `json:"agent"`
	Pending     int    `json:"pending"`
	Unconfirmed int    `json:"unconfirmed"`
	Executed    uint64 `json:"executed"`
	CursorBlock uint64 `json:"cursor_block"`
}

// Status 返回当前运行状态的快照。
func (e *Executor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Agent:       e.address.Hex(),
		Pending:     len(e.pending),
		Unconfirmed: len(e.unconfirmed),
		Executed:    e.executed,
		CursorBlock: e.highwater,
	}
}

// backfill 从持久化游标补放历史事件。
func (e *Executor) backfill(ctx context.Context) {
	source, ok := e.protocol.(HistorySource)
	if !ok {
		return
	}
	var from uint64
	if e.cursor != nil {
		saved, err := e.cursor.Load(ctx)
		if err != nil {
			logger.L().Warn("读取区块游标失败", slog.Any("error", err))
		} else {
			from = saved
		}
	}
	e.mu.Lock()
	if from > e.highwater {
		e.highwater = from
	}
	e.mu.Unlock()

	events, err := source.EventsSince(ctx, from)
	if err != nil {
		logger.L().Warn("补放历史事件失败", slog.Any("error", err), slog.Uint64("from_block", from))
		return
	}
	for _, evt := range events {
		e.dispatch(ctx, evt)
	}
}

func (e *Executor) dispatch(ctx context.Context, evt escrow.Event) {
	e.advanceCursor(ctx, evt.BlockNo)
	if e.sink != nil {
		if err := e.sink.AppendEvent(ctx, evt); err != nil {
			logger.L().Warn("事件留痕写入失败", slog.Any("error", err), slog.String("kind", string(evt.Kind)))
		}
	}
	switch evt.Kind {
	case escrow.EventPurchaseInitiated:
		e.onInitiated(ctx, evt)
	case escrow.EventPurchaseExecuted:
		e.onExecuted(ctx, evt)
	case escrow.EventAgentRegistered:
		if evt.Agent == e.address {
			logger.Audit().Info("执行代理已获得授权", slog.String("agent", e.address.Hex()))
			e.resetAlerts()
		}
	case escrow.EventAgentUnregistered:
		if evt.Agent == e.address {
			logger.Audit().Warn("执行代理的授权已被移除", slog.String("agent", e.address.Hex()))
		}
	}
}

// onInitiated 把新发起的购买记入待执行清单并立即尝试执行。
func (e *Executor) onInitiated(ctx context.Context, evt escrow.Event) {
	if evt.PurchaseID == nil {
		return
	}
	purchaseHex := common.BigToHash(evt.PurchaseID).Hex()

	if e.notifier != nil {
		if err := e.notifier.RecordInitiation(ctx, purchaseHex, eventTxHash(evt)); err != nil {
			logger.L().Warn("回报购买发起失败", slog.Any("error", err), slog.String("purchase_id", purchaseHex))
		}
	}

	e.mu.Lock()
	if _, ok := e.pending[purchaseHex]; !ok {
		e.pending[purchaseHex] = &pendingPurchase{id: new(big.Int).Set(evt.PurchaseID)}
	}
	metrics.SetAgentBacklog(len(e.pending))
	e.mu.Unlock()

	e.attempt(ctx, purchaseHex)
}

// onExecuted 把已执行的购买从待执行清单移除并回报结算层。别的代理
// 执行的购买同样回报，结算层只关心链上事实。
func (e *Executor) onExecuted(ctx context.Context, evt escrow.Event) {
	if evt.PurchaseID == nil {
		return
	}
	purchaseHex := common.BigToHash(evt.PurchaseID).Hex()

	e.mu.Lock()
	delete(e.pending, purchaseHex)
	metrics.SetAgentBacklog(len(e.pending))
	e.mu.Unlock()

	e.confirm(ctx, purchaseHex, eventTxHash(evt), evt.Agent.Hex())
}

// attempt 尝试执行一笔待执行购买。执行前先核对账本，已经终结的记录
// 直接放下。
func (e *Executor) attempt(ctx context.Context, purchaseHex string) {
	e.mu.Lock()
	entry, ok := e.pending[purchaseHex]
	e.mu.Unlock()
	if !ok {
		return
	}

	record, err := e.protocol.GetPurchase(ctx, entry.id)
	if err != nil {
		if stdErrors.Is(err, escrow.ErrPurchaseNotFound) {
			e.drop(purchaseHex)
			return
		}
		logger.L().Warn("查询购买记录失败", slog.Any("error", err), slog.String("purchase_id", purchaseHex))
		return
	}
	if record.Executed {
		e.logDebug("购买已在链上终结", slog.String("purchase_id", purchaseHex))
		e.drop(purchaseHex)
		return
	}

	err = e.protocol.ExecutePurchase(ctx, e.address, entry.id)
	switch {
	case err == nil:
		e.drop(purchaseHex)
		e.mu.Lock()
		e.executed++
		e.mu.Unlock()
		metrics.ObserveAgentExecution("executed")
		logger.Audit().Info("托管购买已执行",
			slog.String("purchase_id", purchaseHex),
			slog.String("agent", e.address.Hex()),
			slog.String("buyer", record.Buyer.Hex()),
			slog.String("amount", record.Amount.String()),
		)
	case stdErrors.Is(err, escrow.ErrAlreadyExecuted):
		// 其他代理抢先执行，属于正常竞态。
		e.logDebug("购买已被其他代理执行", slog.String("purchase_id", purchaseHex))
		e.drop(purchaseHex)
		metrics.ObserveAgentExecution("already_executed")
	case stdErrors.Is(err, escrow.ErrNotAgent):
		// 购买保持待执行，授权修复后由重试继续推进。
		e.alertUnauthorized(ctx, purchaseHex, err)
		metrics.ObserveAgentExecution("unauthorized")
	default:
		logger.L().Warn("执行托管购买失败", slog.Any("error", err), slog.String("purchase_id", purchaseHex))
		metrics.ObserveAgentExecution("failed")
	}
}

// confirm 把执行结果回报给结算层。回报失败的购买进入重试清单，
// 找不到对应结算单说明购买来自其他系统，直接放下。
func (e *Executor) confirm(ctx context.Context, purchaseHex, txHash, executedBy string) {
	if e.notifier == nil {
		return
	}
	if _, err := e.notifier.ConfirmExecution(ctx, purchaseHex, txHash, executedBy); err != nil {
		if stdErrors.Is(err, settlement.ErrSettlementNotFound) {
			e.dropRetry(purchaseHex)
			return
		}
		logger.L().Error("回报购买执行失败", slog.Any("error", err), slog.String("purchase_id", purchaseHex))
		e.mu.Lock()
		e.unconfirmed[purchaseHex] = &confirmRetry{purchaseHex: purchaseHex, txHash: txHash, executedBy: executedBy}
		e.mu.Unlock()
		return
	}
	e.dropRetry(purchaseHex)
}

// retry 重试待执行购买与未完成的执行回报。
func (e *Executor) retry(ctx context.Context) {
	e.mu.Lock()
	hexes := make([]string, 0, len(e.pending))
	for purchaseHex := range e.pending {
		hexes = append(hexes, purchaseHex)
	}
	retries := make([]confirmRetry, 0, len(e.unconfirmed))
	for _, pendingConfirm := range e.unconfirmed {
		retries = append(retries, *pendingConfirm)
	}
	e.mu.Unlock()

	for _, purchaseHex := range hexes {
		e.attempt(ctx, purchaseHex)
	}
	for _, pendingConfirm := range retries {
		e.confirm(ctx, pendingConfirm.purchaseHex, pendingConfirm.txHash, pendingConfirm.executedBy)
	}
}

// alertUnauthorized 为未授权的执行发一次告警。同一笔购买在授权状态
// 变化前只告警一次，重试不会刷屏。
func (e *Executor) alertUnauthorized(ctx context.Context, purchaseHex string, cause error) {
	e.mu.Lock()
	entry, ok := e.pending[purchaseHex]
	if !ok || entry.alerted {
		e.mu.Unlock()
		return
	}
	entry.alerted = true
	e.mu.Unlock()

	logger.L().Error("执行代理未被授权",
		slog.String("agent", e.address.Hex()),
		slog.String("purchase_id", purchaseHex),
	)
	if e.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(escrow.CodeNotAgent)
	event := alerting.Event{
		Code:     escrow.CodeNotAgent,
		Message:  cause.Error(),
		Severity: attrs.Severity,
		Metadata: map[string]string{
			"agent":       e.address.Hex(),
			"purchase_id": purchaseHex,
		},
		OccurredAt: time.Now(),
	}
	if err := e.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("purchase_id", purchaseHex))
	}
}

// resetAlerts 在授权名单变化后允许重新告警。
func (e *Executor) resetAlerts() {
	e.mu.Lock()
	for _, entry := range e.pending {
		entry.alerted = false
	}
	e.mu.Unlock()
}

func (e *Executor) drop(purchaseHex string) {
	e.mu.Lock()
	delete(e.pending, purchaseHex)
	metrics.SetAgentBacklog(len(e.pending))
	e.mu.Unlock()
}

func (e *Executor) dropRetry(purchaseHex string) {
	e.mu.Lock()
	delete(e.unconfirmed, purchaseHex)
	e.mu.Unlock()
}

// advanceCursor 持久化单调递增的区块游标。内存账本的事件不携带区块
// 高度，游标保持为零。
func (e *Executor) advanceCursor(ctx context.Context, block uint64) {
	if block == 0 {
		return
	}
	e.mu.Lock()
	if block <= e.highwater {
		e.mu.Unlock()
		return
	}
	e.highwater = block
	e.mu.Unlock()

	if e.cursor == nil {
		return
	}
	if err := e.cursor.Save(ctx, block); err != nil {
		logger.L().Warn("保存区块游标失败", slog.Any("error", err), slog.Uint64("block", block))
	}
}

func (e *Executor) logDebug(msg string, attrs ...slog.Attr) {
	if e.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		e.logger.Debug(msg, args...)
	}
}

func eventTxHash(evt escrow.Event) string {
	if evt.TxHash == (common.Hash{}) {
		return ""
	}
	return evt.TxHash.Hex()
}
