package settlement

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AP2-Chain/internal/errors"
)

// MemoryStore 以内存方式保存结算单，用于测试与单进程部署。
type MemoryStore struct {
	mu          sync.RWMutex
	settlements map[string]*Settlement
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{settlements: make(map[string]*Settlement)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, settlement *Settlement) error {
	if settlement == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "settlement 不能为空")
	}
	if settlement.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "结算单 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.settlements[settlement.ID]; ok {
		return ErrSettlementConflict
	}
	now := time.Now().Unix()
	if settlement.CreatedAt == 0 {
		settlement.CreatedAt = now
	}
	settlement.UpdatedAt = now
	m.settlements[settlement.ID] = cloneSettlement(settlement)
	return nil
}

// Get 返回结算单。
func (m *MemoryStore) Get(_ context.Context, id string) (*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	settlement, ok := m.settlements[id]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	return cloneSettlement(settlement), nil
}

// GetByPurchaseID 按链上购买 ID 反查结算单。
func (m *MemoryStore) GetByPurchaseID(_ context.Context, purchaseID string) (*Settlement, error) {
	if strings.TrimSpace(purchaseID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "购买 ID 不能为空")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, settlement := range m.settlements {
		if strings.EqualFold(settlement.PurchaseID, purchaseID) {
			return cloneSettlement(settlement), nil
		}
	}
	return nil, ErrSettlementNotFound
}

// Claim 领取结算单并递增尝试计数。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	settlement, ok := m.settlements[id]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	switch settlement.Status {
	case StatusExecuted, StatusConfirmed:
		return cloneSettlement(settlement), ErrSettlementCompleted
	case StatusAwaitingExecution:
		return cloneSettlement(settlement), ErrSettlementParked
	}
	if settlement.Attempts >= settlement.MaxRetries {
		return cloneSettlement(settlement), ErrSettlementExhausted
	}
	settlement.Status = StatusApproving
	settlement.Attempts++
	settlement.LastError = ""
	settlement.ErrorCode = ""
	settlement.UpdatedAt = time.Now().Unix()
	return cloneSettlement(settlement), nil
}

// Advance 按状态机推进结算单。
func (m *MemoryStore) Advance(_ context.Context, id string, next Status, update StageUpdate) (*Settlement, error) {
	if !IsValidStatus(next) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "目标状态不合法")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	settlement, ok := m.settlements[id]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	if !CanTransition(settlement.Status, next) {
		return cloneSettlement(settlement), ErrInvalidTransition
	}
	settlement.Status = next
	applyStageUpdate(settlement, update)
	settlement.UpdatedAt = time.Now().Unix()
	return cloneSettlement(settlement), nil
}

// RecordInitiation 补记发起交易哈希。已有哈希时保持首个值不变。
func (m *MemoryStore) RecordInitiation(_ context.Context, id string, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	settlement, ok := m.settlements[id]
	if !ok {
		return ErrSettlementNotFound
	}
	if settlement.InitiateTx != "" || strings.TrimSpace(txHash) == "" {
		return nil
	}
	settlement.InitiateTx = txHash
	settlement.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记结算失败。已经在链上执行过的结算单不允许再失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	settlement, ok := m.settlements[id]
	if !ok {
		return ErrSettlementNotFound
	}
	if settlement.Status == StatusExecuted || settlement.Status == StatusConfirmed {
		return ErrSettlementCompleted
	}
	settlement.Status = StatusFailed
	settlement.LastError = lastError
	settlement.ErrorCode = string(code)
	settlement.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的结算单，按更新时间排序。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Settlement, 0, len(m.settlements))
	for _, settlement := range m.settlements {
		if !matchesListFilters(settlement, opts) {
			continue
		}
		results = append(results, cloneSettlement(settlement))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Settlement{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的结算单数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (SettlementStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := SettlementStats{}
	for _, settlement := range m.settlements {
		if !matchesListFilters(settlement, opts) {
			continue
		}
		stats.Total++
		switch settlement.Status {
		case StatusPending:
			stats.Pending++
		case StatusApproving:
			stats.Approving++
		case StatusInitiating:
			stats.Initiating++
		case StatusAwaitingExecution:
			stats.AwaitingExecution++
		case StatusExecuted:
			stats.Executed++
		case StatusConfirmed:
			stats.Confirmed++
		case StatusFailed:
			stats.Failed++
		}
		if settlement.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = settlement.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (settlement.UpdatedAt != 0 && settlement.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = settlement.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func applyStageUpdate(settlement *Settlement, update StageUpdate) {
	if update.PurchaseID != "" {
		settlement.PurchaseID = update.PurchaseID
	}
	if update.Nonce != "" {
		settlement.Nonce = update.Nonce
	}
	if update.InitiateTx != "" {
		settlement.InitiateTx = update.InitiateTx
	}
	if update.ExecuteTx != "" {
		settlement.ExecuteTx = update.ExecuteTx
	}
	if update.ExecutedBy != "" {
		settlement.ExecutedBy = update.ExecutedBy
	}
}

func matchesListFilters(settlement *Settlement, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if settlement.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Buyer != "" && !strings.EqualFold(settlement.Buyer, opts.Buyer) {
		return false
	}
	if opts.CourseID != "" && settlement.CourseID != opts.CourseID {
		return false
	}
	if opts.UpdatedGTE > 0 && settlement.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && settlement.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.Query != "" && !matchesQuery(settlement, opts.Query) {
		return false
	}
	return true
}

func matchesQuery(settlement *Settlement, query string) bool {
	needle := strings.ToLower(query)
	haystacks := []string{
		settlement.ID,
		settlement.Buyer,
		settlement.Recipient,
		settlement.Token,
		settlement.CourseID,
		settlement.PurchaseID,
		settlement.InitiateTx,
		settlement.ExecuteTx,
		settlement.ExecutedBy,
		settlement.LastError,
		settlement.ErrorCode,
	}
	for _, haystack := range haystacks {
		if haystack == "" {
			continue
		}
		if strings.Contains(strings.ToLower(haystack), needle) {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
