// Package token 提供结算层使用的 ERC-20 兼容代币接口。
// 内存实现用于单进程部署与测试，链上对应物是 web3/contracts 中的 ERC20 绑定。
package token

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AP2-Chain/internal/errors"
)

// Ledger 是标准 ERC-20 代币语义的最小子集：查询余额与授权额度、
// 直接转账、授权以及受托转账。受托转账会扣减授权额度，任何一步
// 失败都不会留下部分效果。
type Ledger interface {
	BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, owner, spender common.Address, amount *big.Int) error
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error
}

var (
	// ErrInsufficientBalance 表示转出方余额不足。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient token balance")
	// ErrInsufficientAllowance 表示受托转账的授权额度不足。
	ErrInsufficientAllowance = xerrors.New(CodeInsufficientAllowance, "insufficient token allowance")
	// ErrInvalidAmount 表示金额为空或为负。
	ErrInvalidAmount = xerrors.New(xerrors.CodeInvalidArgument, "token amount must be non-negative")
)

const (
	CodeInsufficientBalance   xerrors.Code = "TOKEN_INSUFFICIENT_BALANCE"
	CodeInsufficientAllowance xerrors.Code = "TOKEN_INSUFFICIENT_ALLOWANCE"
)

func init() {
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:   "insufficient token balance",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientAllowance, xerrors.Attributes{
		Message:   "insufficient token allowance",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Vault 是 Ledger 的内存实现。所有操作在互斥锁内完成，
// 与链上单线程串行执行的语义保持一致。
type Vault struct {
	mu         sync.Mutex
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

var _ Ledger = (*Vault)(nil)

// NewVault 创建一个空代币池。
func NewVault() *Vault {
	return &Vault{
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// Mint 为指定地址增发代币，仅用于测试与本地环境初始化。
func (v *Vault) Mint(holder common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[holder] = new(big.Int).Add(v.balanceLocked(holder), amount)
}

// BalanceOf 实现 Ledger。
func (v *Vault) BalanceOf(_ context.Context, holder common.Address) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.balanceLocked(holder)), nil
}

// Allowance 实现 Ledger。
func (v *Vault) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.allowanceLocked(owner, spender)), nil
}

// Approve 实现 Ledger。后一次授权覆盖前一次的额度。
func (v *Vault) Approve(_ context.Context, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	grants, ok := v.allowances[owner]
	if !ok {
		grants = make(map[common.Address]*big.Int)
		v.allowances[owner] = grants
	}
	grants[spender] = new(big.Int).Set(amount)
	return nil
}

// Transfer 实现 Ledger。
func (v *Vault) Transfer(_ context.Context, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.moveLocked(from, to, amount)
}

// TransferFrom 实现 Ledger。先校验授权额度，划转成功后同步扣减额度，
// 任何校验失败都不改变余额与额度。
func (v *Vault) TransferFrom(_ context.Context, spender, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	allowance := v.allowanceLocked(from, spender)
	if allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := v.moveLocked(from, to, amount); err != nil {
		return err
	}
	grants, ok := v.allowances[from]
	if !ok {
		grants = make(map[common.Address]*big.Int)
		v.allowances[from] = grants
	}
	grants[spender] = new(big.Int).Sub(allowance, amount)
	return nil
}

func (v *Vault) balanceLocked(holder common.Address) *big.Int {
	if balance, ok := v.balances[holder]; ok {
		return balance
	}
	return big.NewInt(0)
}

func (v *Vault) allowanceLocked(owner, spender common.Address) *big.Int {
	if grants, ok := v.allowances[owner]; ok {
		if allowance, ok := grants[spender]; ok {
			return allowance
		}
	}
	return big.NewInt(0)
}

func (v *Vault) moveLocked(from, to common.Address, amount *big.Int) error {
	balance := v.balanceLocked(from)
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	v.balances[from] = new(big.Int).Sub(balance, amount)
	v.balances[to] = new(big.Int).Add(v.balanceLocked(to), amount)
	return nil
}
