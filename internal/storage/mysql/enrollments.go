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

// SQLEnrollmentStore 把选课开通记录写入 MySQL。
type SQLEnrollmentStore struct {
	db *sql.DB
}

// RecordEnrollment 开通选课，重复开通返回 ErrAlreadyEnrolled。
func (s *SQLEnrollmentStore) RecordEnrollment(ctx context.Context, enrollment *Enrollment) error {
	if err := prepareEnrollment(enrollment); err != nil {
		return err
	}

	const stmt = `INSERT INTO enrollments (buyer, course_id, settlement_id, status, enrolled_at)
        VALUES (?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		enrollment.Buyer,
		enrollment.CourseID,
		enrollment.SettlementID,
		enrollment.Status,
		enrollment.EnrolledAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrAlreadyEnrolled
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入选课记录失败")
	}
	return nil
}

// GetEnrollment 查询买家在指定课程上的选课记录。
func (s *SQLEnrollmentStore) GetEnrollment(ctx context.Context, buyer, courseID string) (*Enrollment, error) {
	const stmt = `SELECT buyer, course_id, settlement_id, status, enrolled_at
        FROM enrollments WHERE buyer = ? AND course_id = ?`
	row := s.db.QueryRowContext(ctx, stmt, buyer, courseID)

	var enrollment Enrollment
	if err := row.Scan(&enrollment.Buyer, &enrollment.CourseID, &enrollment.SettlementID, &enrollment.Status, &enrollment.EnrolledAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询选课记录失败")
	}
	return &enrollment, nil
}

// ListEnrollments 返回买家的全部选课记录，按开通时间倒序。
func (s *SQLEnrollmentStore) ListEnrollments(ctx context.Context, buyer string) ([]*Enrollment, error) {
	const stmt = `SELECT buyer, course_id, settlement_id, status, enrolled_at
        FROM enrollments WHERE buyer = ? ORDER BY enrolled_at DESC, course_id ASC`
	rows, err := s.db.QueryContext(ctx, stmt, buyer)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询选课列表失败")
	}
	defer rows.Close()

	var enrollments []*Enrollment
	for rows.Next() {
		var enrollment Enrollment
		if err := rows.Scan(&enrollment.Buyer, &enrollment.CourseID, &enrollment.SettlementID, &enrollment.Status, &enrollment.EnrolledAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析选课记录失败")
		}
		enrollments = append(enrollments, &enrollment)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历选课记录失败")
	}
	return enrollments, nil
}

func prepareEnrollment(enrollment *Enrollment) error {
	if enrollment == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "选课记录不能为空")
	}
	if strings.TrimSpace(enrollment.Buyer) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "选课记录缺少买家地址")
	}
	if strings.TrimSpace(enrollment.CourseID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "选课记录缺少课程 ID")
	}
	if enrollment.Status == "" {
		enrollment.Status = EnrollmentStatusEnrolled
	}
	if enrollment.EnrolledAt == 0 {
		enrollment.EnrolledAt = time.Now().Unix()
	}
	return nil
}

// MemoryEnrollmentStore 把选课记录追加写入本地日志文件，重启后可恢复。
type MemoryEnrollmentStore struct {
	mu       sync.RWMutex
	dataFile string
	records  map[string]*Enrollment
}

// NewMemoryEnrollmentStore 创建文件落地的选课存储。
func NewMemoryEnrollmentStore(dataDir string) (*MemoryEnrollmentStore, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	store := &MemoryEnrollmentStore{
		dataFile: filepath.Join(dataDir, "enrollments.log"),
		records:  make(map[string]*Enrollment),
	}
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// RecordEnrollment 开通选课，重复开通返回 ErrAlreadyEnrolled。
func (m *MemoryEnrollmentStore) RecordEnrollment(_ context.Context, enrollment *Enrollment) error {
	if err := prepareEnrollment(enrollment); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := enrollmentKey(enrollment.Buyer, enrollment.CourseID)
	if _, ok := m.records[key]; ok {
		return ErrAlreadyEnrolled
	}

	cloned := *enrollment
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开选课日志失败")
	}
	defer file.Close()

	encoded, err := json.Marshal(&cloned)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化选课记录失败")
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入选课日志失败")
	}

	m.records[key] = &cloned
	return nil
}

// GetEnrollment 查询买家在指定课程上的选课记录。
func (m *MemoryEnrollmentStore) GetEnrollment(_ context.Context, buyer, courseID string) (*Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[enrollmentKey(buyer, courseID)]
	if !ok {
		return nil, ErrEnrollmentNotFound
	}
	cloned := *record
	return &cloned, nil
}

// ListEnrollments 返回买家的全部选课记录，按开通时间倒序。
func (m *MemoryEnrollmentStore) ListEnrollments(_ context.Context, buyer string) ([]*Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Enrollment
	for _, record := range m.records {
		if !strings.EqualFold(record.Buyer, buyer) {
			continue
		}
		cloned := *record
		results = append(results, &cloned)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].EnrolledAt == results[j].EnrolledAt {
			return results[i].CourseID < results[j].CourseID
		}
		return results[i].EnrolledAt > results[j].EnrolledAt
	})
	return results, nil
}

func (m *MemoryEnrollmentStore) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取选课日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record Enrollment
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		m.records[enrollmentKey(record.Buyer, record.CourseID)] = &record
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析选课日志失败")
	}
	return nil
}

func enrollmentKey(buyer, courseID string) string {
	return strings.ToLower(buyer) + "#" + courseID
}

var (
	_ EnrollmentStore = (*SQLEnrollmentStore)(nil)
	_ EnrollmentStore = (*MemoryEnrollmentStore)(nil)
)
