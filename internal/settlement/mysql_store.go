package settlement

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AP2-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 记录结算单状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS settlements (
        id VARCHAR(64) PRIMARY KEY,
        buyer VARCHAR(42) NOT NULL,
        course_id VARCHAR(78) NOT NULL,
        token VARCHAR(42) NOT NULL,
        amount VARCHAR(78) NOT NULL,
        recipient VARCHAR(42) NOT NULL,
        purchase_id VARCHAR(66) NOT NULL DEFAULT '',
        nonce VARCHAR(64) NOT NULL DEFAULT '',
        status VARCHAR(32) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        last_error TEXT,
        error_code VARCHAR(64) NOT NULL DEFAULT '',
        initiate_tx VARCHAR(66) NOT NULL DEFAULT '',
        execute_tx VARCHAR(66) NOT NULL DEFAULT '',
        executed_by VARCHAR(42) NOT NULL DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_settlement_status (status),
        INDEX idx_settlement_updated (updated_at),
        INDEX idx_settlement_buyer (buyer),
        INDEX idx_settlement_purchase (purchase_id)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 settlements 表失败")
	}
	return nil
}

// Create 插入新的结算单。
func (s *MySQLStore) Create(ctx context.Context, settlement *Settlement) error {
	if settlement == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "settlement 不能为空")
	}
	if strings.TrimSpace(settlement.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "结算单 ID 不能为空")
	}

	now := time.Now().Unix()
	settlement.CreatedAt = now
	settlement.UpdatedAt = now

	const stmt = `INSERT INTO settlements
        (id, buyer, course_id, token, amount, recipient, purchase_id, nonce, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		settlement.ID,
		settlement.Buyer,
		settlement.CourseID,
		settlement.Token,
		settlement.Amount,
		settlement.Recipient,
		settlement.PurchaseID,
		settlement.Nonce,
		settlement.Status,
		settlement.Attempts,
		settlement.MaxRetries,
		settlement.CreatedAt,
		settlement.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrSettlementConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入结算单失败")
	}
	return nil
}

const settlementColumns = `id, buyer, course_id, token, amount, recipient, purchase_id, nonce, status,
        attempts, max_retries, last_error, error_code, initiate_tx, execute_tx, executed_by, created_at, updated_at`

// Get 查询指定结算单。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Settlement, error) {
	stmt := `SELECT ` + settlementColumns + ` FROM settlements WHERE id = ?`
	row := s.db.QueryRowContext(ctx, stmt, id)
	settlement, err := scanSettlementRow(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrSettlementNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询结算单失败")
	}
	return settlement, nil
}

// GetByPurchaseID 按链上购买 ID 反查结算单。
func (s *MySQLStore) GetByPurchaseID(ctx context.Context, purchaseID string) (*Settlement, error) {
	if strings.TrimSpace(purchaseID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "购买 ID 不能为空")
	}
	stmt := `SELECT ` + settlementColumns + ` FROM settlements WHERE purchase_id = ? LIMIT 1`
	row := s.db.QueryRowContext(ctx, stmt, purchaseID)
	settlement, err := scanSettlementRow(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrSettlementNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "按购买 ID 查询结算单失败")
	}
	return settlement, nil
}

// Claim 领取结算单并递增尝试计数。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Settlement, error) {
	const updateStmt = `UPDATE settlements SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?, ?, ?) AND attempts < max_retries`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusApproving,
		now,
		id,
		StatusPending,
		StatusApproving,
		StatusInitiating,
		StatusFailed,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新结算单状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		settlement, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch settlement.Status {
		case StatusExecuted, StatusConfirmed:
			return settlement, ErrSettlementCompleted
		case StatusAwaitingExecution:
			return settlement, ErrSettlementParked
		default:
			if settlement.Attempts >= settlement.MaxRetries {
				return settlement, ErrSettlementExhausted
			}
			return settlement, ErrSettlementConflict
		}
	}
	return s.Get(ctx, id)
}

// Advance 按状态机推进结算单并记录阶段产物。
func (s *MySQLStore) Advance(ctx context.Context, id string, next Status, update StageUpdate) (*Settlement, error) {
	if !IsValidStatus(next) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "目标状态不合法")
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(current.Status, next) {
		return current, ErrInvalidTransition
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{next, time.Now().Unix()}
	if update.PurchaseID != "" {
		sets = append(sets, "purchase_id = ?")
		args = append(args, update.PurchaseID)
	}
	if update.Nonce != "" {
		sets = append(sets, "nonce = ?")
		args = append(args, update.Nonce)
	}
	if update.InitiateTx != "" {
		sets = append(sets, "initiate_tx = ?")
		args = append(args, update.InitiateTx)
	}
	if update.ExecuteTx != "" {
		sets = append(sets, "execute_tx = ?")
		args = append(args, update.ExecuteTx)
	}
	if update.ExecutedBy != "" {
		sets = append(sets, "executed_by = ?")
		args = append(args, update.ExecutedBy)
	}
	args = append(args, id, current.Status)

	stmt := fmt.Sprintf("UPDATE settlements SET %s WHERE id = ? AND status = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "推进结算单状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// 并发方抢先改了状态，把最新的记录交还调用方裁决。
		latest, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return latest, ErrSettlementConflict
	}
	return s.Get(ctx, id)
}

// RecordInitiation 补记发起交易哈希，已有值时保持不变。
func (s *MySQLStore) RecordInitiation(ctx context.Context, id string, txHash string) error {
	if strings.TrimSpace(txHash) == "" {
		return nil
	}
	const stmt = `UPDATE settlements SET initiate_tx = ?, updated_at = ? WHERE id = ? AND initiate_tx = ''`
	res, err := s.db.ExecContext(ctx, stmt, txHash, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "补记发起交易失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// MarkFailed 将结算单标记为失败。已在链上执行过的结算单拒绝改写。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	const stmt = `UPDATE settlements SET status = ?, last_error = ?, error_code = ?, updated_at = ?
        WHERE id = ? AND status NOT IN (?, ?)`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusFailed,
		lastError,
		string(code),
		now,
		id,
		StatusExecuted,
		StatusConfirmed,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记结算失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		settlement, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if settlement.Status == StatusExecuted || settlement.Status == StatusConfirmed {
			return ErrSettlementCompleted
		}
		return ErrSettlementNotFound
	}
	return nil
}

// List 返回符合过滤条件的结算单。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Settlement, error) {
	opts.applyDefaults()

	query := `SELECT ` + settlementColumns + ` FROM settlements`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询结算单列表失败")
	}
	defer rows.Close()

	settlements := make([]*Settlement, 0, opts.Limit)
	for rows.Next() {
		settlement, scanErr := scanSettlementRow(rows)
		if scanErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, scanErr, "解析结算单记录失败")
		}
		settlements = append(settlements, settlement)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历结算单失败")
	}
	return settlements, nil
}

// Stats 返回符合过滤条件的结算单聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (SettlementStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS approving,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS initiating,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS awaiting_execution,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS executed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS confirmed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM settlements`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{
		string(StatusPending),
		string(StatusApproving),
		string(StatusInitiating),
		string(StatusAwaitingExecution),
		string(StatusExecuted),
		string(StatusConfirmed),
		string(StatusFailed),
	}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats SettlementStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Approving,
		&stats.Initiating,
		&stats.AwaitingExecution,
		&stats.Executed,
		&stats.Confirmed,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return SettlementStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询结算统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSettlementRow(row rowScanner) (*Settlement, error) {
	var settlement Settlement
	var lastError sql.NullString
	if err := row.Scan(
		&settlement.ID,
		&settlement.Buyer,
		&settlement.CourseID,
		&settlement.Token,
		&settlement.Amount,
		&settlement.Recipient,
		&settlement.PurchaseID,
		&settlement.Nonce,
		&settlement.Status,
		&settlement.Attempts,
		&settlement.MaxRetries,
		&lastError,
		&settlement.ErrorCode,
		&settlement.InitiateTx,
		&settlement.ExecuteTx,
		&settlement.ExecutedBy,
		&settlement.CreatedAt,
		&settlement.UpdatedAt,
	); err != nil {
		return nil, err
	}
	settlement.LastError = lastError.String
	return &settlement, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.Buyer != "" {
		conditions = append(conditions, "buyer = ?")
		args = append(args, opts.Buyer)
	}
	if opts.CourseID != "" {
		conditions = append(conditions, "course_id = ?")
		args = append(args, opts.CourseID)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR buyer LIKE ? OR recipient LIKE ? OR token LIKE ? OR course_id LIKE ? OR purchase_id LIKE ? OR initiate_tx LIKE ? OR execute_tx LIKE ? OR executed_by LIKE ? OR last_error LIKE ? OR error_code LIKE ?)")
		args = append(args,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
		)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
