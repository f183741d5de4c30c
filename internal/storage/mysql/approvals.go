package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AP2-Chain/internal/errors"
)

// SQLApprovalStore 把审批请求写入 MySQL。
type SQLApprovalStore struct {
	db *sql.DB
}

const approvalColumns = `id, settlement_id, buyer, course_id, token, spender, amount, status,
        tx_hash, created_at, expires_at, approved_at`

// CreateApproval 开立审批请求。
func (s *SQLApprovalStore) CreateApproval(ctx context.Context, req *ApprovalRequest) error {
	if err := prepareApproval(req); err != nil {
		return err
	}

	const stmt = `INSERT INTO approval_requests
        (id, settlement_id, buyer, course_id, token, spender, amount, status, tx_hash, created_at, expires_at, approved_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, 0)`

	if _, err := s.db.ExecContext(ctx, stmt,
		req.ID,
		req.SettlementID,
		req.Buyer,
		req.CourseID,
		req.Token,
		req.Spender,
		req.Amount,
		req.Status,
		req.CreatedAt,
		req.ExpiresAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开立审批请求失败")
	}
	return nil
}

// GetApproval 按 ID 查询审批请求。
func (s *SQLApprovalStore) GetApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	stmt := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE id = ?`
	row := s.db.QueryRowContext(ctx, stmt, id)
	req, err := scanApprovalRow(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrApprovalNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审批请求失败")
	}
	return req, nil
}

// SettleApproval 确认审批完成。过期的请求会被标记为 expired 并返回错误。
func (s *SQLApprovalStore) SettleApproval(ctx context.Context, id string, txHash string) error {
	now := time.Now().Unix()

	const confirmStmt = `UPDATE approval_requests SET status = ?, tx_hash = ?, approved_at = ?
        WHERE id = ? AND status = ? AND expires_at > ?`
	res, err := s.db.ExecContext(ctx, confirmStmt, ApprovalStatusApproved, txHash, now, id, ApprovalStatusPending, now)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "确认审批请求失败")
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}

	req, err := s.GetApproval(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case req.Status == ApprovalStatusApproved:
		return nil
	case req.Status == ApprovalStatusExpired || req.ExpiresAt <= now:
		const expireStmt = `UPDATE approval_requests SET status = ? WHERE id = ? AND status = ?`
		if _, err := s.db.ExecContext(ctx, expireStmt, ApprovalStatusExpired, id, ApprovalStatusPending); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记审批过期失败")
		}
		return ErrApprovalExpired
	default:
		return ErrApprovalNotFound
	}
}

// LiveApproval 返回买家在指定课程上最近一条未过期的待确认请求。
func (s *SQLApprovalStore) LiveApproval(ctx context.Context, buyer, courseID string) (*ApprovalRequest, error) {
	stmt := `SELECT ` + approvalColumns + ` FROM approval_requests
        WHERE buyer = ? AND course_id = ? AND status = ? AND expires_at > ?
        ORDER BY created_at DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, stmt, buyer, courseID, ApprovalStatusPending, time.Now().Unix())
	req, err := scanApprovalRow(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrApprovalNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询有效审批请求失败")
	}
	return req, nil
}

// ExpireApprovals 批量标记已过期的待确认请求。
func (s *SQLApprovalStore) ExpireApprovals(ctx context.Context, now time.Time) (int64, error) {
	const stmt = `UPDATE approval_requests SET status = ? WHERE status = ? AND expires_at <= ?`
	res, err := s.db.ExecContext(ctx, stmt, ApprovalStatusExpired, ApprovalStatusPending, now.Unix())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量标记审批过期失败")
	}
	expired, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return expired, nil
}

func scanApprovalRow(row rowScanner) (*ApprovalRequest, error) {
	var req ApprovalRequest
	if err := row.Scan(
		&req.ID,
		&req.SettlementID,
		&req.Buyer,
		&req.CourseID,
		&req.Token,
		&req.Spender,
		&req.Amount,
		&req.Status,
		&req.TxHash,
		&req.CreatedAt,
		&req.ExpiresAt,
		&req.ApprovedAt,
	); err != nil {
		return nil, err
	}
	return &req, nil
}

func prepareApproval(req *ApprovalRequest) error {
	if req == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "审批请求不能为空")
	}
	if strings.TrimSpace(req.Buyer) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "审批请求缺少买家地址")
	}
	if strings.TrimSpace(req.ID) == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now()
	if req.CreatedAt == 0 {
		req.CreatedAt = now.Unix()
	}
	if req.ExpiresAt == 0 {
		req.ExpiresAt = now.Add(ApprovalTTL).Unix()
	}
	if req.Status == "" {
		req.Status = ApprovalStatusPending
	}
	return nil
}

// MemoryApprovalStore 在内存中维护审批请求，供本地模式与测试使用。
type MemoryApprovalStore struct {
	mu       sync.RWMutex
	requests map[string]*ApprovalRequest
}

// NewMemoryApprovalStore 创建内存审批存储。
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{requests: make(map[string]*ApprovalRequest)}
}

// CreateApproval 开立审批请求。
func (m *MemoryApprovalStore) CreateApproval(_ context.Context, req *ApprovalRequest) error {
	if err := prepareApproval(req); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cloned := *req
	m.requests[req.ID] = &cloned
	return nil
}

// GetApproval 按 ID 查询审批请求。
func (m *MemoryApprovalStore) GetApproval(_ context.Context, id string) (*ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	cloned := *req
	return &cloned, nil
}

// SettleApproval 确认审批完成，过期请求标记为 expired 并报错。
func (m *MemoryApprovalStore) SettleApproval(_ context.Context, id string, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return ErrApprovalNotFound
	}
	now := time.Now().Unix()
	switch {
	case req.Status == ApprovalStatusApproved:
		return nil
	case req.Status == ApprovalStatusExpired:
		return ErrApprovalExpired
	case req.ExpiresAt <= now:
		req.Status = ApprovalStatusExpired
		return ErrApprovalExpired
	default:
		req.Status = ApprovalStatusApproved
		req.TxHash = txHash
		req.ApprovedAt = now
		return nil
	}
}

// LiveApproval 返回买家在指定课程上最近一条未过期的待确认请求。
func (m *MemoryApprovalStore) LiveApproval(_ context.Context, buyer, courseID string) (*ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().Unix()
	var candidates []*ApprovalRequest
	for _, req := range m.requests {
		if req.Status != ApprovalStatusPending || req.ExpiresAt <= now {
			continue
		}
		if !strings.EqualFold(req.Buyer, buyer) || req.CourseID != courseID {
			continue
		}
		candidates = append(candidates, req)
	}
	if len(candidates) == 0 {
		return nil, ErrApprovalNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt == candidates[j].CreatedAt {
			return candidates[i].ID > candidates[j].ID
		}
		return candidates[i].CreatedAt > candidates[j].CreatedAt
	})
	cloned := *candidates[0]
	return &cloned, nil
}

// ExpireApprovals 批量标记已过期的待确认请求。
func (m *MemoryApprovalStore) ExpireApprovals(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deadline := now.Unix()
	var expired int64
	for _, req := range m.requests {
		if req.Status == ApprovalStatusPending && req.ExpiresAt <= deadline {
			req.Status = ApprovalStatusExpired
			expired++
		}
	}
	return expired, nil
}

var (
	_ ApprovalStore = (*SQLApprovalStore)(nil)
	_ ApprovalStore = (*MemoryApprovalStore)(nil)
)
