package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AP2-Chain/internal/errors"
)

// SQLPaymentLedger 把支付台账写入 MySQL。
type SQLPaymentLedger struct {
	db *sql.DB
}

const paymentColumns = `settlement_id, buyer, course_id, amount, recipient, initiate_tx, execute_tx,
        block_number, status, fail_reason, created_at, confirmed_at`

// RecordPayment 写入支付记录。记录已存在时按"已确认不降级"的规则更新。
func (s *SQLPaymentLedger) RecordPayment(ctx context.Context, record *PaymentRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "支付记录不能为空")
	}
	if strings.TrimSpace(record.SettlementID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "支付记录缺少结算单 ID")
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}

	const insertStmt = `INSERT INTO on_chain_payments
        (settlement_id, buyer, course_id, amount, recipient, initiate_tx, execute_tx, block_number, status, fail_reason, created_at, confirmed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, insertStmt,
		record.SettlementID,
		record.Buyer,
		record.CourseID,
		record.Amount,
		record.Recipient,
		record.InitiateTx,
		record.ExecuteTx,
		record.BlockNumber,
		record.Status,
		record.FailReason,
		record.CreatedAt,
		record.ConfirmedAt,
	)
	if err == nil {
		return nil
	}
	var mysqlErr *mysql.MySQLError
	if !stdErrors.As(err, &mysqlErr) || mysqlErr.Number != 1062 {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入支付记录失败")
	}

	const updateStmt = `UPDATE on_chain_payments SET
        initiate_tx = IF(? <> '', ?, initiate_tx),
        execute_tx = IF(? <> '', ?, execute_tx),
        block_number = IF(? <> 0, ?, block_number),
        fail_reason = ?,
        confirmed_at = IF(? <> 0, ?, confirmed_at),
        status = ?
        WHERE settlement_id = ? AND status <> ?`

	if _, err := s.db.ExecContext(ctx, updateStmt,
		record.InitiateTx, record.InitiateTx,
		record.ExecuteTx, record.ExecuteTx,
		record.BlockNumber, record.BlockNumber,
		record.FailReason,
		record.ConfirmedAt, record.ConfirmedAt,
		record.Status,
		record.SettlementID,
		PaymentStatusConfirmed,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新支付记录失败")
	}
	return nil
}

// GetPayment 按结算单 ID 查询支付记录。
func (s *SQLPaymentLedger) GetPayment(ctx context.Context, settlementID string) (*PaymentRecord, error) {
	stmt := `SELECT ` + paymentColumns + ` FROM on_chain_payments WHERE settlement_id = ?`
	row := s.db.QueryRowContext(ctx, stmt, settlementID)
	record, err := scanPaymentRow(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询支付记录失败")
	}
	return record, nil
}

// ListPayments 按创建时间倒序返回支付记录。
func (s *SQLPaymentLedger) ListPayments(ctx context.Context, buyer string, limit int) ([]*PaymentRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + paymentColumns + ` FROM on_chain_payments`
	args := make([]any, 0, 2)
	if buyer != "" {
		query += ` WHERE buyer = ?`
		args = append(args, buyer)
	}
	query += ` ORDER BY created_at DESC, settlement_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询支付记录列表失败")
	}
	defer rows.Close()

	records := make([]*PaymentRecord, 0, limit)
	for rows.Next() {
		record, scanErr := scanPaymentRow(rows)
		if scanErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, scanErr, "解析支付记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历支付记录失败")
	}
	return records, nil
}

// PaymentStats 统计各状态支付记录的数量。
func (s *SQLPaymentLedger) PaymentStats(ctx context.Context) (PaymentStats, error) {
	const query = `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS confirmed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed
        FROM on_chain_payments`

	row := s.db.QueryRowContext(ctx, query, PaymentStatusPending, PaymentStatusConfirmed, PaymentStatusFailed)

	var stats PaymentStats
	var pending, confirmed, failed sql.NullInt64
	if err := row.Scan(&stats.Total, &pending, &confirmed, &failed); err != nil {
		return PaymentStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计支付记录失败")
	}
	stats.Pending = pending.Int64
	stats.Confirmed = confirmed.Int64
	stats.Failed = failed.Int64
	return stats, nil
}

func scanPaymentRow(row rowScanner) (*PaymentRecord, error) {
	var record PaymentRecord
	var failReason sql.NullString
	if err := row.Scan(
		&record.SettlementID,
		&record.Buyer,
		&record.CourseID,
		&record.Amount,
		&record.Recipient,
		&record.InitiateTx,
		&record.ExecuteTx,
		&record.BlockNumber,
		&record.Status,
		&failReason,
		&record.CreatedAt,
		&record.ConfirmedAt,
	); err != nil {
		return nil, err
	}
	record.FailReason = failReason.String
	return &record, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// MemoryPaymentLedger 把支付台账追加写入本地日志文件，重启后可恢复，
// 方便本地模式和测试使用。
type MemoryPaymentLedger struct {
	mu       sync.RWMutex
	dataFile string
	records  map[string]*PaymentRecord
}

// NewMemoryPaymentLedger 创建文件落地的支付台账。
func NewMemoryPaymentLedger(dataDir string) (*MemoryPaymentLedger, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	ledger := &MemoryPaymentLedger{
		dataFile: filepath.Join(dataDir, "payments.log"),
		records:  make(map[string]*PaymentRecord),
	}
	if err := ledger.loadFromDisk(); err != nil {
		return nil, err
	}
	return ledger, nil
}

// RecordPayment 合并写入支付记录并追加到日志文件。
func (m *MemoryPaymentLedger) RecordPayment(_ context.Context, record *PaymentRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "支付记录不能为空")
	}
	if strings.TrimSpace(record.SettlementID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "支付记录缺少结算单 ID")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	merged := *record
	if merged.CreatedAt == 0 {
		merged.CreatedAt = time.Now().Unix()
	}
	if existing, ok := m.records[record.SettlementID]; ok {
		merged.CreatedAt = existing.CreatedAt
		if merged.InitiateTx == "" {
			merged.InitiateTx = existing.InitiateTx
		}
		if merged.ExecuteTx == "" {
			merged.ExecuteTx = existing.ExecuteTx
		}
		if merged.BlockNumber == 0 {
			merged.BlockNumber = existing.BlockNumber
		}
		if merged.ConfirmedAt == 0 {
			merged.ConfirmedAt = existing.ConfirmedAt
		}
		// 已确认的记录不允许被降级改写。
		if existing.Status == PaymentStatusConfirmed && merged.Status != PaymentStatusConfirmed {
			return nil
		}
	}

	if err := m.appendToDisk(&merged); err != nil {
		return err
	}
	m.records[merged.SettlementID] = &merged
	return nil
}

// GetPayment 按结算单 ID 查询支付记录。
func (m *MemoryPaymentLedger) GetPayment(_ context.Context, settlementID string) (*PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[settlementID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cloned := *record
	return &cloned, nil
}

// ListPayments 按创建时间倒序返回支付记录。
func (m *MemoryPaymentLedger) ListPayments(_ context.Context, buyer string, limit int) ([]*PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*PaymentRecord, 0, len(m.records))
	for _, record := range m.records {
		if buyer != "" && !strings.EqualFold(record.Buyer, buyer) {
			continue
		}
		cloned := *record
		results = append(results, &cloned)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].SettlementID > results[j].SettlementID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// PaymentStats 统计各状态支付记录的数量。
func (m *MemoryPaymentLedger) PaymentStats(_ context.Context) (PaymentStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats PaymentStats
	for _, record := range m.records {
		stats.Total++
		switch record.Status {
		case PaymentStatusPending:
			stats.Pending++
		case PaymentStatusConfirmed:
			stats.Confirmed++
		case PaymentStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (m *MemoryPaymentLedger) appendToDisk(record *PaymentRecord) error {
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开支付日志失败")
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化支付记录失败")
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入支付日志失败")
	}
	return nil
}

func (m *MemoryPaymentLedger) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取支付日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record PaymentRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		// 同一结算单的后写记录覆盖先写记录，重放即得到最终状态。
		m.records[record.SettlementID] = &record
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析支付日志失败")
	}
	return nil
}

var (
	_ PaymentLedger = (*SQLPaymentLedger)(nil)
	_ PaymentLedger = (*MemoryPaymentLedger)(nil)
)
