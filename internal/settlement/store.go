package settlement

import (
	"context"

	xerrors "AP2-Chain/internal/errors"
)

// StageUpdate 携带状态推进时要落库的阶段产物。空字段不覆盖已有值。
type StageUpdate struct {
	PurchaseID string
	Nonce      string
	InitiateTx string
	ExecuteTx  string
	ExecutedBy string
}

// Store 抽象了结算单的持久化接口。
type Store interface {
	Create(ctx context.Context, settlement *Settlement) error
	Get(ctx context.Context, id string) (*Settlement, error)
	// GetByPurchaseID 按链上购买 ID 反查结算单。
	GetByPurchaseID(ctx context.Context, purchaseID string) (*Settlement, error)
	// Claim 领取结算单并递增尝试计数。可领取状态为 pending、failed
	// 以及崩溃遗留的 approving / initiating。
	Claim(ctx context.Context, id string) (*Settlement, error)
	// Advance 按状态机推进结算单并记录阶段产物。
	Advance(ctx context.Context, id string, next Status, update StageUpdate) (*Settlement, error)
	// RecordInitiation 补记发起交易哈希，不改变状态。
	RecordInitiation(ctx context.Context, id string, txHash string) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Settlement, error)
	Stats(ctx context.Context, opts ListOptions) (SettlementStats, error)
	Close() error
}
