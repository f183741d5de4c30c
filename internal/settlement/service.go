package settlement

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AP2-Chain/internal/errors"
	"AP2-Chain/internal/observability/metrics"
	"AP2-Chain/pkg/logger"
)

// SubmitRequest 描述一次结算请求。ID 可由调用方提供以实现幂等提交，
// 留空时服务端生成。
type SubmitRequest struct {
	ID        string `json:"id,omitempty"`
	Buyer     string `json:"buyer"`
	CourseID  string `json:"course_id"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
}

// ConfirmFunc 在链上执行被确认后做账务联动，例如写支付记录、开通选课。
type ConfirmFunc func(ctx context.Context, settlement *Settlement) error

// Service 负责结算单的创建、查询与执行确认。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	confirm    ConfirmFunc
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithConfirmHook 配置链上执行确认后的账务联动。
func WithConfirmHook(confirm ConfirmFunc) ServiceOption {
	return func(s *Service) {
		s.confirm = confirm
	}
}

// NewService 构造结算服务。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	service := &Service{store: store, producer: producer, maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

// Submit 创建一个新的结算单并推送到队列。请求字段在落库前被规范化：
// 地址转为 EIP-55 形式，金额与课程 ID 转为规范十进制。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Settlement, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "结算服务未初始化")
	}

	settlementID := strings.TrimSpace(req.ID)
	if settlementID != "" {
		settlement, err := s.store.Get(ctx, settlementID)
		if err == nil {
			return settlement, nil
		}
		if !stdErrors.Is(err, ErrSettlementNotFound) {
			return nil, err
		}
	} else {
		settlementID = uuid.NewString()
	}

	settlement := &Settlement{
		ID:         settlementID,
		Buyer:      req.Buyer,
		CourseID:   req.CourseID,
		Token:      req.Token,
		Amount:     req.Amount,
		Recipient:  req.Recipient,
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	args, err := settlement.PurchaseArgs()
	if err != nil {
		return nil, err
	}
	settlement.Buyer = args.Buyer.Hex()
	settlement.Token = args.Token.Hex()
	settlement.Recipient = args.Recipient.Hex()
	settlement.Amount = args.Amount.String()
	settlement.CourseID = args.CourseID.String()

	if err := s.store.Create(ctx, settlement); err != nil {
		if stdErrors.Is(err, ErrSettlementConflict) {
			existing, getErr := s.store.Get(ctx, settlementID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrSettlementNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, settlementID); err != nil {
		logger.L().Error("结算单入队失败", slog.Any("error", err), slog.String("settlement_id", settlementID))
		wrapped := xerrors.Wrap(CodeSettlementPublish, err, "发布结算单到队列失败")
		_ = s.store.MarkFailed(ctx, settlementID, CodeSettlementPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	metrics.ObserveSettlementStatus(string(StatusPending))
	logger.Audit().Info("结算单已入队",
		slog.String("settlement_id", settlementID),
		slog.String("buyer", settlement.Buyer),
		slog.String("course_id", settlement.CourseID),
		slog.String("amount", settlement.Amount),
		slog.Int("max_retries", settlement.MaxRetries),
	)
	return settlement, nil
}

// Get 返回指定结算单。
func (s *Service) Get(ctx context.Context, id string) (*Settlement, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "结算存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// GetByPurchaseID 按链上购买 ID 返回结算单。
func (s *Service) GetByPurchaseID(ctx context.Context, purchaseID string) (*Settlement, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "结算存储未初始化")
	}
	return s.store.GetByPurchaseID(ctx, purchaseID)
}

// List 返回符合过滤条件的结算单列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Settlement, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "结算存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的结算统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (SettlementStats, error) {
	if s.store == nil {
		return SettlementStats{}, xerrors.New(xerrors.CodeInitializationFailure, "结算存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// RecordInitiation 补记链上观察到的发起交易。购买 ID 不属于本服务的
// 结算单时静默忽略，事件流里会混有其他来源的购买。
func (s *Service) RecordInitiation(ctx context.Context, purchaseID, txHash string) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "结算存储未初始化")
	}
	settlement, err := s.store.GetByPurchaseID(ctx, purchaseID)
	if err != nil {
		if stdErrors.Is(err, ErrSettlementNotFound) {
			return nil
		}
		return err
	}
	return s.store.RecordInitiation(ctx, settlement.ID, txHash)
}

// ConfirmExecution 在链上执行被观察到后推进结算单：先落 executed，
// 账务联动成功后再落 confirmed。联动失败时结算停在 executed，
// 等待下一次通知重试。重复确认是幂等操作。
func (s *Service) ConfirmExecution(ctx context.Context, purchaseID, txHash, executedBy string) (*Settlement, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "结算存储未初始化")
	}
	settlement, err := s.store.GetByPurchaseID(ctx, purchaseID)
	if err != nil {
		return nil, err
	}

	switch settlement.Status {
	case StatusConfirmed:
		return settlement, nil
	case StatusExecuted:
		// 上次账务联动未完成，直接重试确认。
	case StatusApproving, StatusInitiating, StatusAwaitingExecution, StatusFailed:
		advanced, advErr := s.store.Advance(ctx, settlement.ID, StatusExecuted, StageUpdate{
			ExecuteTx:  txHash,
			ExecutedBy: executedBy,
		})
		if advErr != nil {
			return advanced, advErr
		}
		settlement = advanced
		metrics.ObserveSettlementStatus(string(StatusExecuted))
		logger.Audit().Info("结算已在链上执行",
			slog.String("settlement_id", settlement.ID),
			slog.String("purchase_id", settlement.PurchaseID),
			slog.String("execute_tx", settlement.ExecuteTx),
			slog.String("executed_by", settlement.ExecutedBy),
		)
	default:
		return settlement, ErrInvalidTransition
	}

	if s.confirm != nil {
		if confirmErr := s.confirm(ctx, settlement); confirmErr != nil {
			wrapped := xerrors.Wrap(CodeSettlementConfirm, confirmErr, "结算账务确认失败")
			logger.L().Error("结算账务确认失败",
				slog.Any("error", wrapped),
				slog.String("settlement_id", settlement.ID),
				slog.String("purchase_id", settlement.PurchaseID),
			)
			return settlement, wrapped
		}
	}

	confirmed, err := s.store.Advance(ctx, settlement.ID, StatusConfirmed, StageUpdate{})
	if err != nil {
		return settlement, err
	}
	metrics.ObserveSettlementStatus(string(StatusConfirmed))
	logger.Audit().Info("结算已确认",
		slog.String("settlement_id", confirmed.ID),
		slog.String("purchase_id", confirmed.PurchaseID),
		slog.String("buyer", confirmed.Buyer),
		slog.String("course_id", confirmed.CourseID),
	)
	return confirmed, nil
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 在指定超时时间内轮询结算单，直到其进入终态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Settlement, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		settlement, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if IsTerminal(settlement.Status) {
			return settlement, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
