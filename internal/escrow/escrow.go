package escrow

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AP2-Chain/internal/errors"
)

// EmergencyTimeout 是购买记录创建后允许平台方紧急提取的最短等待时间。
const EmergencyTimeout = 30 * 24 * time.Hour

// Purchase 描述一条托管购买记录。除 Executed 与紧急提取时的 Amount 清零外，
// 所有字段在创建后不可变更。
type Purchase struct {
	ID        *big.Int       `json:"id"`
	Buyer     common.Address `json:"buyer"`
	Token     common.Address `json:"token"`
	Amount    *big.Int       `json:"amount"`
	Recipient common.Address `json:"recipient"`
	CourseID  *big.Int       `json:"course_id"`
	Executed  bool           `json:"executed"`
	CreatedAt int64          `json:"created_at"`
}

// Exists 判断记录是否真实存在。买家为零地址表示记录从未创建。
func (p *Purchase) Exists() bool {
	return p != nil && p.Buyer != (common.Address{})
}

// Clone 返回记录的深拷贝，避免调用方修改账本内部状态。
func (p *Purchase) Clone() *Purchase {
	if p == nil {
		return nil
	}
	cloned := *p
	if p.ID != nil {
		cloned.ID = new(big.Int).Set(p.ID)
	}
	if p.Amount != nil {
		cloned.Amount = new(big.Int).Set(p.Amount)
	}
	if p.CourseID != nil {
		cloned.CourseID = new(big.Int).Set(p.CourseID)
	}
	return &cloned
}

// Protocol 是托管结算协议的调用面。内存账本与链上合约适配器都实现该接口，
// 结算编排器与执行代理只依赖这里声明的能力。
type Protocol interface {
	// InitiatePurchase 以买家身份创建托管记录并划转代币。
	InitiatePurchase(ctx context.Context, buyer common.Address, id *big.Int, token common.Address, amount *big.Int, recipient common.Address, courseID *big.Int) error
	// ExecutePurchase 以代理身份释放托管资金给收款方。
	ExecutePurchase(ctx context.Context, caller common.Address, id *big.Int) error
	// EmergencyWithdraw 以所有者身份在超时后回收托管资金。
	EmergencyWithdraw(ctx context.Context, caller common.Address, id *big.Int) error
	// RegisterAgent 与 UnregisterAgent 由所有者维护代理授权名单。
	RegisterAgent(ctx context.Context, caller, agent common.Address) error
	UnregisterAgent(ctx context.Context, caller, agent common.Address) error
	// GetPurchase 按 id 读取购买记录；记录不存在时返回 ErrPurchaseNotFound。
	GetPurchase(ctx context.Context, id *big.Int) (*Purchase, error)
	// IsAgent 查询地址当前是否在授权名单中。
	IsAgent(ctx context.Context, agent common.Address) (bool, error)
	// Owner 返回当前所有者地址。
	Owner(ctx context.Context) (common.Address, error)
	// Watch 订阅账本事件流。返回的取消函数必须被调用以释放订阅。
	Watch(ctx context.Context) (<-chan Event, func(), error)
}

var (
	// ErrDuplicatePurchase 表示 purchaseId 已被占用，调用方必须换新 id 重试。
	ErrDuplicatePurchase = xerrors.New(CodeDuplicatePurchase, "purchase id already used")
	// ErrZeroAmount 表示托管金额必须大于零。
	ErrZeroAmount = xerrors.New(CodeZeroAmount, "amount must be greater than zero")
	// ErrTransferFailed 表示代币划转失败，通常是授权额度或余额不足。
	ErrTransferFailed = xerrors.New(CodeTransferFailed, "token transfer failed")
	// ErrNotAgent 表示调用方不在代理授权名单中。
	ErrNotAgent = xerrors.New(CodeNotAgent, "caller is not an authorized agent")
	// ErrPurchaseNotFound 表示指定的购买记录不存在。
	ErrPurchaseNotFound = xerrors.New(CodePurchaseNotFound, "purchase not found")
	// ErrAlreadyExecuted 表示购买已经终结，重复执行按错误处理而非幂等成功。
	ErrAlreadyExecuted = xerrors.New(CodeAlreadyExecuted, "purchase already executed")
	// ErrTimeoutNotReached 表示紧急提取的等待期尚未结束。
	ErrTimeoutNotReached = xerrors.New(CodeTimeoutNotReached, "emergency timeout not reached")
	// ErrNotOwner 表示调用方不是账本所有者。
	ErrNotOwner = xerrors.New(CodeNotOwner, "caller is not the owner")
)

const (
	CodeDuplicatePurchase xerrors.Code = "ESCROW_DUPLICATE_PURCHASE"
	CodeZeroAmount        xerrors.Code = "ESCROW_ZERO_AMOUNT"
	CodeTransferFailed    xerrors.Code = "ESCROW_TRANSFER_FAILED"
	CodeNotAgent          xerrors.Code = "ESCROW_NOT_AGENT"
	CodePurchaseNotFound  xerrors.Code = "ESCROW_PURCHASE_NOT_FOUND"
	CodeAlreadyExecuted   xerrors.Code = "ESCROW_ALREADY_EXECUTED"
	CodeTimeoutNotReached xerrors.Code = "ESCROW_TIMEOUT_NOT_REACHED"
	CodeNotOwner          xerrors.Code = "ESCROW_NOT_OWNER"
)

func init() {
	xerrors.Register(CodeDuplicatePurchase, xerrors.Attributes{
		Message:   "purchase id already used",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeZeroAmount, xerrors.Attributes{
		Message:   "amount must be greater than zero",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransferFailed, xerrors.Attributes{
		Message:   "token transfer failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotAgent, xerrors.Attributes{
		Message:   "caller is not an authorized agent",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodePurchaseNotFound, xerrors.Attributes{
		Message:   "purchase not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAlreadyExecuted, xerrors.Attributes{
		Message:   "purchase already executed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTimeoutNotReached, xerrors.Attributes{
		Message:   "emergency timeout not reached",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotOwner, xerrors.Attributes{
		Message:   "caller is not the owner",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// revertReasons 是链上合约 require 文案与统一错误码的对照表。
// 链上适配器据此把回滚原因翻译成与内存账本一致的错误。
var revertReasons = map[string]xerrors.Code{
	"Purchase already exists":          CodeDuplicatePurchase,
	"Amount must be greater than zero": CodeZeroAmount,
	"Token transfer failed":            CodeTransferFailed,
	"Not an authorized agent":          CodeNotAgent,
	"Purchase does not exist":          CodePurchaseNotFound,
	"Purchase already executed":        CodeAlreadyExecuted,
	"Emergency timeout not reached":    CodeTimeoutNotReached,
	"Ownable: caller is not the owner": CodeNotOwner,
}

// CodeForReason 把合约回滚原因映射为统一错误码。未知原因返回 false。
func CodeForReason(reason string) (xerrors.Code, bool) {
	code, ok := revertReasons[reason]
	return code, ok
}

// ReasonFor 返回错误码对应的合约回滚原因，用于测试与日志。
func ReasonFor(code xerrors.Code) string {
	for reason, c := range revertReasons {
		if c == code {
			return reason
		}
	}
	return ""
}

// DerivePurchaseID 按 courseId、买家地址与一次性随机串确定性地派生 purchaseId。
// 同一输入永远得到同一 id；换一个 nonce 即得到全新 id。
func DerivePurchaseID(courseID *big.Int, buyer common.Address, nonce string) *big.Int {
	course := courseID
	if course == nil {
		course = big.NewInt(0)
	}
	digest := crypto.Keccak256(
		common.LeftPadBytes(course.Bytes(), 32),
		buyer.Bytes(),
		[]byte(nonce),
	)
	return new(big.Int).SetBytes(digest)
}
