package mysql

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AP2-Chain/internal/errors"
	"AP2-Chain/internal/escrow"
	"AP2-Chain/internal/settlement"
	"AP2-Chain/pkg/logger"
)

// Recorder 把结算流水线的关键节点落到账务存储：审批开立与确认、
// 支付台账、选课开通、链上事件日志。它同时满足结算服务的确认钩子、
// 处理器的补偿策略与审批记录接口，以及执行代理的事件落库接口。
type Recorder struct {
	books *Bookkeeping
}

// NewRecorder 创建账务联动器。
func NewRecorder(books *Bookkeeping) *Recorder {
	return &Recorder{books: books}
}

// ConfirmSettlement 在链上执行确认后记账：支付记录置为已确认，选课开通。
// 可直接作为 settlement.WithConfirmHook 的参数使用。
func (r *Recorder) ConfirmSettlement(ctx context.Context, s *settlement.Settlement) error {
	if s == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "结算单不能为空")
	}

	now := time.Now().Unix()
	record := &PaymentRecord{
		SettlementID: s.ID,
		Buyer:        s.Buyer,
		CourseID:     s.CourseID,
		Amount:       s.Amount,
		Recipient:    s.Recipient,
		InitiateTx:   s.InitiateTx,
		ExecuteTx:    s.ExecuteTx,
		Status:       PaymentStatusConfirmed,
		CreatedAt:    s.CreatedAt,
		ConfirmedAt:  now,
	}
	if err := r.books.Payments.RecordPayment(ctx, record); err != nil {
		return err
	}

	enrollment := &Enrollment{
		Buyer:        s.Buyer,
		CourseID:     s.CourseID,
		SettlementID: s.ID,
		Status:       EnrollmentStatusEnrolled,
		EnrolledAt:   now,
	}
	if err := r.books.Enrollments.RecordEnrollment(ctx, enrollment); err != nil && !stdErrors.Is(err, ErrAlreadyEnrolled) {
		return err
	}

	logger.Audit().Info("支付已入账并开通选课",
		slog.String("settlement_id", s.ID),
		slog.String("buyer", s.Buyer),
		slog.String("course_id", s.CourseID))
	return nil
}

// Recover 在结算进入终态失败前补偿账务：落一笔失败的支付记录，
// 释放该结算占用的课程预留。实现 settlement.RecoveryHandler。
func (r *Recorder) Recover(ctx context.Context, s *settlement.Settlement, cause error) error {
	if s == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "结算单不能为空")
	}

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	record := &PaymentRecord{
		SettlementID: s.ID,
		Buyer:        s.Buyer,
		CourseID:     s.CourseID,
		Amount:       s.Amount,
		Recipient:    s.Recipient,
		InitiateTx:   s.InitiateTx,
		Status:       PaymentStatusFailed,
		FailReason:   reason,
		CreatedAt:    s.CreatedAt,
	}
	if err := r.books.Payments.RecordPayment(ctx, record); err != nil {
		return err
	}

	logger.Audit().Warn("支付已标记失败",
		slog.String("settlement_id", s.ID),
		slog.String("buyer", s.Buyer),
		slog.String("reason", reason))
	return nil
}

// OpenApproval 在编排器检测到授权额度不足时开立审批请求。
// 实现 settlement.ApprovalRecorder。
func (r *Recorder) OpenApproval(ctx context.Context, s *settlement.Settlement, token, spender, amount string) (string, error) {
	if s == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "结算单不能为空")
	}

	req := &ApprovalRequest{
		SettlementID: s.ID,
		Buyer:        s.Buyer,
		CourseID:     s.CourseID,
		Token:        token,
		Spender:      spender,
		Amount:       amount,
	}
	if err := r.books.Approvals.CreateApproval(ctx, req); err != nil {
		return "", err
	}
	return req.ID, nil
}

// SettleApproval 在授权交易确认后关闭审批请求，有效期校验由存储层执行。
func (r *Recorder) SettleApproval(ctx context.Context, approvalID, txHash string) error {
	return r.books.Approvals.SettleApproval(ctx, approvalID, txHash)
}

// AppendEvent 把执行代理观察到的合约事件写入事件日志。
// 缺少交易坐标的事件（本地账本模式）没有可去重的键，直接跳过。
func (r *Recorder) AppendEvent(ctx context.Context, evt escrow.Event) error {
	if evt.TxHash == (common.Hash{}) {
		return nil
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化事件失败")
	}

	record := &ChainEvent{
		Kind:        string(evt.Kind),
		TxHash:      evt.TxHash.Hex(),
		LogIndex:    evt.LogIndex,
		BlockNumber: evt.BlockNo,
		Payload:     string(payload),
		CreatedAt:   time.Now().Unix(),
	}
	if evt.PurchaseID != nil {
		record.PurchaseID = common.BigToHash(evt.PurchaseID).Hex()
	}
	return r.books.Events.AppendEvent(ctx, record)
}

var _ settlement.RecoveryHandler = (*Recorder)(nil)
var _ settlement.ApprovalRecorder = (*Recorder)(nil)
