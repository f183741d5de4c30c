package mysql

import (
	"context"
	"database/sql"
	"time"

	xerrors "AP2-Chain/internal/errors"
)

// 支付台账状态。
const (
	PaymentStatusPending   = "pending"
	PaymentStatusConfirmed = "confirmed"
	PaymentStatusFailed    = "failed"
)

// 审批请求状态。
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusExpired  = "expired"
)

// 合约注册表中的合约类型。
const (
	ContractTypeEscrow = "ap2"
	ContractTypeToken  = "erc20"
)

// EnrollmentStatusEnrolled 表示选课已开通。
const EnrollmentStatusEnrolled = "enrolled"

// ApprovalTTL 是审批请求的有效期。超过该时限后确认视为失效，
// 需要重新发起授权。
const ApprovalTTL = 15 * time.Minute

// PaymentRecord 是一笔链上支付的账务记录，与结算单一一对应。
type PaymentRecord struct {
	SettlementID string `json:"settlement_id"`
	Buyer        string `json:"buyer"`
	CourseID     string `json:"course_id"`
	Amount       string `json:"amount"`
	Recipient    string `json:"recipient"`
	InitiateTx   string `json:"initiate_tx,omitempty"`
	ExecuteTx    string `json:"execute_tx,omitempty"`
	BlockNumber  uint64 `json:"block_number,omitempty"`
	Status       string `json:"status"`
	FailReason   string `json:"fail_reason,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	ConfirmedAt  int64  `json:"confirmed_at,omitempty"`
}

// PaymentStats 汇总支付台账的整体情况。
type PaymentStats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Confirmed int64 `json:"confirmed"`
	Failed    int64 `json:"failed"`
}

// PaymentLedger 维护链上支付的账务记录。
type PaymentLedger interface {
	// RecordPayment 写入或更新支付记录。已确认的记录不会被降级改写。
	RecordPayment(ctx context.Context, record *PaymentRecord) error
	GetPayment(ctx context.Context, settlementID string) (*PaymentRecord, error)
	// ListPayments 按创建时间倒序返回支付记录，buyer 为空时返回全部。
	ListPayments(ctx context.Context, buyer string, limit int) ([]*PaymentRecord, error)
	PaymentStats(ctx context.Context) (PaymentStats, error)
}

// ApprovalRequest 记录一次代扣授权的申请。确认必须发生在有效期内。
type ApprovalRequest struct {
	ID           string `json:"id"`
	SettlementID string `json:"settlement_id,omitempty"`
	Buyer        string `json:"buyer"`
	CourseID     string `json:"course_id"`
	Token        string `json:"token"`
	Spender      string `json:"spender"`
	Amount       string `json:"amount"`
	Status       string `json:"status"`
	TxHash       string `json:"tx_hash,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	ExpiresAt    int64  `json:"expires_at"`
	ApprovedAt   int64  `json:"approved_at,omitempty"`
}

// ApprovalStore 维护审批请求的生命周期。
type ApprovalStore interface {
	// CreateApproval 开立审批请求。ID 为空时自动生成，
	// ExpiresAt 为零时按 ApprovalTTL 计算。
	CreateApproval(ctx context.Context, req *ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*ApprovalRequest, error)
	// SettleApproval 确认审批完成。请求已过期时标记为 expired 并返回
	// ErrApprovalExpired。
	SettleApproval(ctx context.Context, id string, txHash string) error
	// LiveApproval 返回买家在指定课程上最近一条未过期的待确认请求。
	LiveApproval(ctx context.Context, buyer, courseID string) (*ApprovalRequest, error)
	// ExpireApprovals 将截至 now 已过期的待确认请求标记为 expired，返回数量。
	ExpireApprovals(ctx context.Context, now time.Time) (int64, error)
}

// ContractConfig 登记一份已部署合约的接入信息。
type ContractConfig struct {
	ContractType string `json:"contract_type"`
	Address      string `json:"address"`
	ABI          string `json:"abi,omitempty"`
	DeployTx     string `json:"deploy_tx,omitempty"`
	BlockNumber  uint64 `json:"block_number,omitempty"`
	Network      string `json:"network"`
	Active       bool   `json:"active"`
	DeployedAt   int64  `json:"deployed_at"`
}

// ContractRegistry 记录各类型合约的部署地址，同一类型同时只有一份生效。
type ContractRegistry interface {
	// PutContract 登记合约并使其生效，同类型此前生效的记录自动停用。
	PutContract(ctx context.Context, cfg *ContractConfig) error
	ActiveContract(ctx context.Context, contractType string) (*ContractConfig, error)
	ListContracts(ctx context.Context) ([]*ContractConfig, error)
}

// ChainEvent 是一条已解码的合约事件，带区块与交易坐标。
type ChainEvent struct {
	Kind        string `json:"kind"`
	TxHash      string `json:"tx_hash"`
	LogIndex    uint   `json:"log_index"`
	BlockNumber uint64 `json:"block_number"`
	PurchaseID  string `json:"purchase_id,omitempty"`
	Payload     string `json:"payload"`
	CreatedAt   int64  `json:"created_at"`
}

// EventLog 是合约事件的追加日志。同一 (tx_hash, log_index) 重复写入是无害的。
type EventLog interface {
	AppendEvent(ctx context.Context, evt *ChainEvent) error
	// ListEvents 按区块倒序返回最近的事件。
	ListEvents(ctx context.Context, limit int) ([]*ChainEvent, error)
}

// Enrollment 表示买家对某门课程的选课开通记录。
type Enrollment struct {
	Buyer        string `json:"buyer"`
	CourseID     string `json:"course_id"`
	SettlementID string `json:"settlement_id,omitempty"`
	Status       string `json:"status"`
	EnrolledAt   int64  `json:"enrolled_at"`
}

// EnrollmentStore 维护选课开通记录，同一买家同一课程只开通一次。
type EnrollmentStore interface {
	// RecordEnrollment 开通选课。重复开通返回 ErrAlreadyEnrolled。
	RecordEnrollment(ctx context.Context, enrollment *Enrollment) error
	GetEnrollment(ctx context.Context, buyer, courseID string) (*Enrollment, error)
	ListEnrollments(ctx context.Context, buyer string) ([]*Enrollment, error)
}

// 账务层错误码。
const (
	CodePaymentNotFound    xerrors.Code = "PAYMENT_NOT_FOUND"
	CodeApprovalNotFound   xerrors.Code = "APPROVAL_NOT_FOUND"
	CodeApprovalExpired    xerrors.Code = "APPROVAL_EXPIRED"
	CodeContractNotFound   xerrors.Code = "CONTRACT_NOT_FOUND"
	CodeEnrollmentExists   xerrors.Code = "ENROLLMENT_EXISTS"
	CodeEnrollmentNotFound xerrors.Code = "ENROLLMENT_NOT_FOUND"
)

var (
	// ErrPaymentNotFound 表示支付记录不存在。
	ErrPaymentNotFound = xerrors.New(CodePaymentNotFound, "payment record not found")
	// ErrApprovalNotFound 表示审批请求不存在。
	ErrApprovalNotFound = xerrors.New(CodeApprovalNotFound, "approval request not found")
	// ErrApprovalExpired 表示审批请求已超过有效期。
	ErrApprovalExpired = xerrors.New(CodeApprovalExpired, "approval request expired",
		xerrors.WithSeverity(xerrors.SeverityWarning), xerrors.WithRetryable(true))
	// ErrContractNotFound 表示指定类型没有生效的合约登记。
	ErrContractNotFound = xerrors.New(CodeContractNotFound, "no active contract registered")
	// ErrAlreadyEnrolled 表示买家已开通该课程。
	ErrAlreadyEnrolled = xerrors.New(CodeEnrollmentExists, "course already enrolled",
		xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrEnrollmentNotFound 表示选课记录不存在。
	ErrEnrollmentNotFound = xerrors.New(CodeEnrollmentNotFound, "enrollment not found")
)

func init() {
	xerrors.Register(CodePaymentNotFound, xerrors.Attributes{
		Message:   "payment record not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeApprovalNotFound, xerrors.Attributes{
		Message:   "approval request not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeApprovalExpired, xerrors.Attributes{
		Message:   "approval request expired",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeContractNotFound, xerrors.Attributes{
		Message:   "no active contract registered",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeEnrollmentExists, xerrors.Attributes{
		Message:   "course already enrolled",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeEnrollmentNotFound, xerrors.Attributes{
		Message:   "enrollment not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Bookkeeping 聚合结算涉及的全部账务存储。
type Bookkeeping struct {
	Payments    PaymentLedger
	Approvals   ApprovalStore
	Contracts   ContractRegistry
	Events      EventLog
	Enrollments EnrollmentStore

	db *sql.DB
}

// NewSQLBookkeeping 基于同一个 MySQL 连接池构建全部账务存储，
// 并在启动时执行 schema 迁移。
func NewSQLBookkeeping(ctx context.Context, cfg Config) (*Bookkeeping, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Bookkeeping{
		Payments:    &SQLPaymentLedger{db: db},
		Approvals:   &SQLApprovalStore{db: db},
		Contracts:   &SQLContractRegistry{db: db},
		Events:      &SQLEventLog{db: db},
		Enrollments: &SQLEnrollmentStore{db: db},
		db:          db,
	}, nil
}

// NewMemoryBookkeeping 构建本地模式的账务存储。支付与选课记录落在
// dataDir 下的日志文件里，进程重启后可恢复；审批、合约与事件只保留在内存。
func NewMemoryBookkeeping(dataDir string) (*Bookkeeping, error) {
	payments, err := NewMemoryPaymentLedger(dataDir)
	if err != nil {
		return nil, err
	}
	enrollments, err := NewMemoryEnrollmentStore(dataDir)
	if err != nil {
		return nil, err
	}
	return &Bookkeeping{
		Payments:    payments,
		Approvals:   NewMemoryApprovalStore(),
		Contracts:   NewMemoryContractRegistry(),
		Events:      NewMemoryEventLog(),
		Enrollments: enrollments,
	}, nil
}

// Close 释放底层数据库连接。内存模式下为空操作。
func (b *Bookkeeping) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
