package settlement

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "AP2-Chain/internal/errors"
	"AP2-Chain/internal/escrow"
	"AP2-Chain/internal/observability/alerting"
	"AP2-Chain/internal/observability/metrics"
	"AP2-Chain/internal/token"
	"AP2-Chain/pkg/logger"
)

// Processor 从队列消费结算单，按协议顺序推进：核对授权、补足授权并等
// 确认、发起托管购买并等确认，然后停在待执行状态交给授权代理。执行
// 本身永远不由编排器完成。
type Processor struct {
	protocol    escrow.Protocol
	tokens      token.Ledger
	escrowAddr  common.Address
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	approvals   ApprovalRecorder
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置终态失败前的补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithApprovalRecorder 配置审批请求的账务记录。
func WithApprovalRecorder(recorder ApprovalRecorder) ProcessorOption {
	return func(p *Processor) {
		p.approvals = recorder
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。escrowAddr 是托管协议的资金地址，
// 买家的代币授权以它为受托人。
func NewProcessor(protocol escrow.Protocol, tokens token.Ledger, escrowAddr common.Address, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		protocol:    protocol,
		tokens:      tokens,
		escrowAddr:  escrowAddr,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动结算处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置结算消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, settlementID string) error {
	if p.store == nil || p.protocol == nil || p.tokens == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "结算处理器未初始化")
	}
	settlement, err := p.store.Claim(ctx, settlementID)
	if err != nil {
		if stdErrors.Is(err, ErrSettlementNotFound) || stdErrors.Is(err, ErrSettlementCompleted) ||
			stdErrors.Is(err, ErrSettlementParked) || stdErrors.Is(err, ErrSettlementExhausted) {
			p.logDebug("跳过结算单", slog.String("settlement_id", settlementID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取结算单失败", slog.Any("error", err), slog.String("settlement_id", settlementID))
		p.emitAlert(ctx, &Settlement{ID: settlementID}, CodeSettlementProcessing, err, "claim")
		return err
	}

	args, err := settlement.PurchaseArgs()
	if err != nil {
		return p.failSettlement(ctx, settlement, "validate", err)
	}

	// 之前的尝试可能已经把购买写上账本。先对账，绝不对同一个购买 ID
	// 重复发起。
	if settlement.PurchaseID != "" {
		done, resolveErr := p.resolvePrior(ctx, settlement)
		if resolveErr != nil {
			return p.failSettlement(ctx, settlement, "resolve", resolveErr)
		}
		if done {
			return nil
		}
	}

	if err := p.ensureAllowance(ctx, settlement, args); err != nil {
		return p.failSettlement(ctx, settlement, stageOf(err, "approve"), err)
	}

	// 每次尝试都派生全新的购买 ID。部分失败过的 ID 视为已污染，
	// 永远不再提交。
	nonce := uuid.NewString()
	purchaseID := escrow.DerivePurchaseID(args.CourseID, args.Buyer, nonce)
	purchaseHex := common.BigToHash(purchaseID).Hex()

	advanced, err := p.store.Advance(ctx, settlement.ID, StatusInitiating, StageUpdate{
		PurchaseID: purchaseHex,
		Nonce:      nonce,
	})
	if err != nil {
		return p.failSettlement(ctx, settlement, "initiate", err)
	}
	settlement = advanced
	metrics.ObserveSettlementStatus(string(StatusInitiating))

	if err := p.protocol.InitiatePurchase(ctx, args.Buyer, purchaseID, args.Token, args.Amount, args.Recipient, args.CourseID); err != nil {
		return p.failSettlement(ctx, settlement, "initiate", err)
	}
	logger.Audit().Info("托管购买已发起",
		slog.String("settlement_id", settlement.ID),
		slog.String("purchase_id", purchaseHex),
		slog.String("buyer", settlement.Buyer),
		slog.String("amount", settlement.Amount),
	)

	return p.park(ctx, settlement)
}

// resolvePrior 核对上一次尝试派生的购买 ID 是否已经落上账本。
// 已落地的购买直接沿用，返回 done=true；账本无记录时返回 done=false，
// 由调用方换新 ID 重新发起。
func (p *Processor) resolvePrior(ctx context.Context, settlement *Settlement) (bool, error) {
	purchaseID := common.HexToHash(settlement.PurchaseID).Big()
	record, err := p.protocol.GetPurchase(ctx, purchaseID)
	if err != nil {
		if stdErrors.Is(err, escrow.ErrPurchaseNotFound) {
			return false, nil
		}
		return false, err
	}
	if record.Executed {
		advanced, advErr := p.store.Advance(ctx, settlement.ID, StatusExecuted, StageUpdate{})
		if advErr != nil {
			if advanced == nil || (advanced.Status != StatusExecuted && advanced.Status != StatusConfirmed) {
				return false, advErr
			}
		} else {
			metrics.ObserveSettlementStatus(string(StatusExecuted))
		}
		logger.Audit().Info("结算的购买已在链上执行",
			slog.String("settlement_id", settlement.ID),
			slog.String("purchase_id", settlement.PurchaseID),
		)
		return true, nil
	}
	logger.Audit().Info("结算沿用已落地的购买",
		slog.String("settlement_id", settlement.ID),
		slog.String("purchase_id", settlement.PurchaseID),
	)
	return true, p.park(ctx, settlement)
}

// ensureAllowance 核对买家对托管地址的授权额度，不足时先验余额再补授权。
// 授权在底层账本确认后才返回，后续的发起步骤不会跑在授权前面。
func (p *Processor) ensureAllowance(ctx context.Context, settlement *Settlement, args *PurchaseArgs) error {
	allowance, err := p.tokens.Allowance(ctx, args.Buyer, p.escrowAddr)
	if err != nil {
		return err
	}
	if allowance.Cmp(args.Amount) >= 0 {
		return nil
	}

	balance, err := p.tokens.BalanceOf(ctx, args.Buyer)
	if err != nil {
		return err
	}
	if balance.Cmp(args.Amount) < 0 {
		return xerrors.New(token.CodeInsufficientBalance,
			fmt.Sprintf("买家余额 %s 不足以支付 %s", balance.String(), args.Amount.String()))
	}

	var approvalID string
	if p.approvals != nil {
		approvalID, err = p.approvals.OpenApproval(ctx, settlement, args.Token.Hex(), p.escrowAddr.Hex(), args.Amount.String())
		if err != nil {
			return err
		}
	}

	if err := p.tokens.Approve(ctx, args.Buyer, p.escrowAddr, args.Amount); err != nil {
		return err
	}

	// 授权确认必须落在审批请求的有效期内，超时的请求作废，本次尝试
	// 按可重试失败处理。
	if approvalID != "" {
		if err := p.approvals.SettleApproval(ctx, approvalID, ""); err != nil {
			return err
		}
	}
	logger.Audit().Info("代币授权已补足",
		slog.String("settlement_id", settlement.ID),
		slog.String("buyer", settlement.Buyer),
		slog.String("spender", p.escrowAddr.Hex()),
		slog.String("amount", settlement.Amount),
	)
	return nil
}

// park 把结算单停在待执行状态。购买此时已经锁进托管，即便落库失败
// 也不能改写成失败，重投后由对账路径自愈。
func (p *Processor) park(ctx context.Context, settlement *Settlement) error {
	advanced, err := p.store.Advance(ctx, settlement.ID, StatusAwaitingExecution, StageUpdate{})
	if err != nil {
		if advanced != nil {
			switch advanced.Status {
			case StatusAwaitingExecution, StatusExecuted, StatusConfirmed:
				// 并发的执行确认已把结算推得更远。
				return nil
			}
		}
		logger.L().Error("结算单停放失败", slog.Any("error", err), slog.String("settlement_id", settlement.ID))
		return err
	}
	metrics.ObserveSettlementStatus(string(StatusAwaitingExecution))
	p.logDebug("结算等待代理执行",
		slog.String("settlement_id", advanced.ID),
		slog.String("purchase_id", advanced.PurchaseID),
	)
	return nil
}

func (p *Processor) failSettlement(ctx context.Context, settlement *Settlement, stage string, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeSettlementProcessing
	}
	retryable := xerrors.RetryableError(cause)
	terminal := settlement.Attempts >= settlement.MaxRetries || !retryable

	if terminal && p.recovery != nil {
		if recErr := p.recovery.Recover(ctx, settlement, cause); recErr != nil {
			wrapped := xerrors.Wrap(CodeSettlementCompensate, recErr, "结算补偿失败")
			logger.L().Error("执行结算补偿失败",
				slog.Any("error", wrapped),
				slog.String("settlement_id", settlement.ID))
			p.emitAlert(ctx, settlement, CodeSettlementCompensate, wrapped, "compensate")
		}
	}

	if storeErr := p.store.MarkFailed(ctx, settlement.ID, code, cause.Error(), terminal); storeErr != nil {
		if stdErrors.Is(storeErr, ErrSettlementCompleted) {
			// 链上已经执行，本地的失败判断作废。
			return nil
		}
		logger.L().Error("标记结算失败状态出错", slog.Any("error", storeErr), slog.String("settlement_id", settlement.ID))
		return storeErr
	}
	metrics.ObserveSettlementStatus(string(StatusFailed))
	metrics.ObserveSettlementFailure(string(code))
	logger.Audit().Warn("结算执行失败",
		slog.String("settlement_id", settlement.ID),
		slog.String("stage", stage),
		slog.Bool("terminal", terminal),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", settlement.Attempts),
		slog.Int("max_retries", settlement.MaxRetries),
	)

	attrs := xerrors.AttributesOf(code)
	if attrs.Alert || (terminal && retryable) {
		p.emitAlert(ctx, settlement, code, cause, stage)
	}

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, settlement.ID); pubErr != nil {
			return xerrors.Wrap(CodeSettlementPublish, pubErr, fmt.Sprintf("结算单 %s 重投失败", settlement.ID))
		}
		p.logDebug("结算单已重新排队", slog.String("settlement_id", settlement.ID), slog.Int("attempts", settlement.Attempts))
	}
	return nil
}

// stageOf 区分授权阶段里余额核验与授权提交的失败归属。
func stageOf(err error, fallback string) string {
	if stdErrors.Is(err, token.ErrInsufficientBalance) || stdErrors.Is(err, token.ErrInsufficientAllowance) {
		return "funds"
	}
	return fallback
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, settlement *Settlement, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || settlement == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	if settlement.PurchaseID != "" {
		metadata["purchase_id"] = settlement.PurchaseID
	}
	if settlement.Buyer != "" {
		metadata["buyer"] = settlement.Buyer
	}
	event := alerting.Event{
		Code:         code,
		Message:      message,
		Severity:     attrs.Severity,
		SettlementID: settlement.ID,
		Attempts:     settlement.Attempts,
		MaxRetries:   settlement.MaxRetries,
		Metadata:     metadata,
		OccurredAt:   time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("settlement_id", settlement.ID),
			slog.String("stage", stage),
		)
	}
}
