// Package settlement 实现托管购买的结算编排：落库、排队、按协议推进，
// 并在链上执行被观察到后联动账务确认。
package settlement

import (
	stdErrors "errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AP2-Chain/internal/errors"
)

// Status 表示结算单在生命周期中的状态。
type Status string

// 结算单沿 pending → approving → initiating → awaiting_execution →
// executed → confirmed 推进，任何非终态都可能落入 failed。
const (
	StatusPending           Status = "pending"
	StatusApproving         Status = "approving"
	StatusInitiating        Status = "initiating"
	StatusAwaitingExecution Status = "awaiting_execution"
	StatusExecuted          Status = "executed"
	StatusConfirmed         Status = "confirmed"
	StatusFailed            Status = "failed"
)

// Settlement 描述一次课程购买的结算单。地址以 EIP-55 十六进制保存，
// 金额与课程 ID 以十进制字符串保存，购买 ID 是 32 字节哈希的十六进制。
type Settlement struct {
	ID         string `json:"id"`
	Buyer      string `json:"buyer"`
	CourseID   string `json:"course_id"`
	Token      string `json:"token"`
	Amount     string `json:"amount"`
	Recipient  string `json:"recipient"`
	PurchaseID string `json:"purchase_id,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
	Status     Status `json:"status"`
	Attempts   int    `json:"attempts"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	InitiateTx string `json:"initiate_tx,omitempty"`
	ExecuteTx  string `json:"execute_tx,omitempty"`
	ExecutedBy string `json:"executed_by,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// PurchaseArgs 是结算单解析后的链上调用参数。
type PurchaseArgs struct {
	Buyer     common.Address
	Token     common.Address
	Recipient common.Address
	Amount    *big.Int
	CourseID  *big.Int
}

// PurchaseArgs 解析结算单中的地址与数值字段。买家与收款方不允许是
// 零地址，金额必须大于零。
func (s *Settlement) PurchaseArgs() (*PurchaseArgs, error) {
	buyer, err := parseAddress("buyer", s.Buyer)
	if err != nil {
		return nil, err
	}
	if buyer == (common.Address{}) {
		return nil, xerrors.New(CodeSettlementValidation, "买家地址不能是零地址")
	}
	tokenAddr, err := parseAddress("token", s.Token)
	if err != nil {
		return nil, err
	}
	recipient, err := parseAddress("recipient", s.Recipient)
	if err != nil {
		return nil, err
	}
	if recipient == (common.Address{}) {
		return nil, xerrors.New(CodeSettlementValidation, "收款地址不能是零地址")
	}
	amount, err := parseBigInt("amount", s.Amount)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, xerrors.New(CodeSettlementValidation, "结算金额必须大于零")
	}
	courseID, err := parseBigInt("course_id", s.CourseID)
	if err != nil {
		return nil, err
	}
	if courseID.Sign() < 0 {
		return nil, xerrors.New(CodeSettlementValidation, "课程 ID 不能为负数")
	}
	return &PurchaseArgs{
		Buyer:     buyer,
		Token:     tokenAddr,
		Recipient: recipient,
		Amount:    amount,
		CourseID:  courseID,
	}, nil
}

var (
	// ErrSettlementNotFound 表示指定的结算单不存在。
	ErrSettlementNotFound = xerrors.New(CodeSettlementNotFound, "settlement not found")
	// ErrSettlementConflict 表示结算单在当前状态下无法进行所请求的操作。
	ErrSettlementConflict = xerrors.New(CodeSettlementConflict, "settlement conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrSettlementCompleted 表示结算单已经终结，无需再处理。
	ErrSettlementCompleted = xerrors.New(CodeSettlementCompleted, "settlement already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrSettlementParked 表示结算单正等待授权代理执行，队列侧无事可做。
	ErrSettlementParked = xerrors.New(CodeSettlementParked, "settlement awaiting execution", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrSettlementExhausted 表示结算单的重试次数已经耗尽。
	ErrSettlementExhausted = xerrors.New(CodeSettlementExhausted, "settlement retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
	// ErrInvalidTransition 表示状态机不允许所请求的状态变更。
	ErrInvalidTransition = xerrors.New(CodeSettlementTransition, "settlement status transition not allowed", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeSettlementNotFound   xerrors.Code = "SETTLEMENT_NOT_FOUND"
	CodeSettlementConflict   xerrors.Code = "SETTLEMENT_CONFLICT"
	CodeSettlementCompleted  xerrors.Code = "SETTLEMENT_COMPLETED"
	CodeSettlementParked     xerrors.Code = "SETTLEMENT_AWAITING_EXECUTION"
	CodeSettlementExhausted  xerrors.Code = "SETTLEMENT_RETRIES_EXHAUSTED"
	CodeSettlementTransition xerrors.Code = "SETTLEMENT_INVALID_TRANSITION"
	CodeSettlementValidation xerrors.Code = "SETTLEMENT_VALIDATION_FAILED"
	CodeSettlementPublish    xerrors.Code = "SETTLEMENT_PUBLISH_FAILED"
	CodeSettlementProcessing xerrors.Code = "SETTLEMENT_PROCESSING_FAILED"
	CodeSettlementCompensate xerrors.Code = "SETTLEMENT_COMPENSATION_FAILED"
	CodeSettlementConfirm    xerrors.Code = "SETTLEMENT_CONFIRM_FAILED"
)

func init() {
	xerrors.Register(CodeSettlementNotFound, xerrors.Attributes{
		Message:   "settlement not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSettlementConflict, xerrors.Attributes{
		Message:   "settlement conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSettlementCompleted, xerrors.Attributes{
		Message:   "settlement already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSettlementParked, xerrors.Attributes{
		Message:   "settlement awaiting execution",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSettlementExhausted, xerrors.Attributes{
		Message:   "settlement retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSettlementTransition, xerrors.Attributes{
		Message:   "settlement status transition not allowed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSettlementValidation, xerrors.Attributes{
		Message:   "settlement validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSettlementPublish, xerrors.Attributes{
		Message:   "failed to publish settlement",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeSettlementProcessing, xerrors.Attributes{
		Message:   "settlement processing failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeSettlementCompensate, xerrors.Attributes{
		Message:   "settlement compensation failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSettlementConfirm, xerrors.Attributes{
		Message:   "settlement bookkeeping confirmation failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// IsSettlementError 判断错误是否为指定的结算错误。
func IsSettlementError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch target {
	case CodeSettlementNotFound:
		return stdErrors.Is(err, ErrSettlementNotFound)
	case CodeSettlementConflict:
		return stdErrors.Is(err, ErrSettlementConflict)
	case CodeSettlementCompleted:
		return stdErrors.Is(err, ErrSettlementCompleted)
	case CodeSettlementParked:
		return stdErrors.Is(err, ErrSettlementParked)
	case CodeSettlementExhausted:
		return stdErrors.Is(err, ErrSettlementExhausted)
	case CodeSettlementTransition:
		return stdErrors.Is(err, ErrInvalidTransition)
	default:
		return xerrors.CodeOf(err) == target
	}
}

// IsValidStatus 检查给定的结算状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusApproving, StatusInitiating, StatusAwaitingExecution,
		StatusExecuted, StatusConfirmed, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal 报告状态是否为终态。
func IsTerminal(status Status) bool {
	return status == StatusConfirmed || status == StatusFailed
}

// transitions 列出状态机允许的推进路径。Claim 与 MarkFailed 走各自的
// 旁路规则，不在此表内。failed → executed 是刻意保留的：链上观察到的
// 执行永远覆盖本地的失败判断。
var transitions = map[Status][]Status{
	StatusPending:           {StatusApproving},
	StatusApproving:         {StatusInitiating, StatusAwaitingExecution, StatusExecuted},
	StatusInitiating:        {StatusAwaitingExecution, StatusExecuted},
	StatusAwaitingExecution: {StatusExecuted},
	StatusExecuted:          {StatusConfirmed},
	StatusFailed:            {StatusExecuted},
}

// CanTransition 报告状态机是否允许 from 到 to 的推进。
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func cloneSettlement(settlement *Settlement) *Settlement {
	if settlement == nil {
		return nil
	}
	clone := *settlement
	return &clone
}

func parseAddress(field, value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, xerrors.New(CodeSettlementValidation, field+" 不是合法的以太坊地址")
	}
	return common.HexToAddress(trimmed), nil
}

func parseBigInt(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	parsed, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, xerrors.New(CodeSettlementValidation, field+" 不是合法的十进制整数")
	}
	return parsed, nil
}
