package mysql

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"sync"
	"time"

	xerrors "AP2-Chain/internal/errors"
)

// SQLEventLog 把合约事件追加写入 MySQL。
type SQLEventLog struct {
	db *sql.DB
}

// AppendEvent 追加一条事件。同一 (tx_hash, log_index) 重复写入为空操作。
func (s *SQLEventLog) AppendEvent(ctx context.Context, evt *ChainEvent) error {
	if err := prepareChainEvent(evt); err != nil {
		return err
	}

	const stmt = `INSERT INTO chain_events
        (tx_hash, log_index, kind, block_number, purchase_id, payload, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE tx_hash = tx_hash`

	if _, err := s.db.ExecContext(ctx, stmt,
		evt.TxHash,
		evt.LogIndex,
		evt.Kind,
		evt.BlockNumber,
		evt.PurchaseID,
		evt.Payload,
		evt.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入事件日志失败")
	}
	return nil
}

// ListEvents 按区块倒序返回最近的事件。
func (s *SQLEventLog) ListEvents(ctx context.Context, limit int) ([]*ChainEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	const stmt = `SELECT tx_hash, log_index, kind, block_number, purchase_id, payload, created_at
        FROM chain_events ORDER BY block_number DESC, log_index DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, stmt, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询事件日志失败")
	}
	defer rows.Close()

	events := make([]*ChainEvent, 0, limit)
	for rows.Next() {
		var evt ChainEvent
		if err := rows.Scan(&evt.TxHash, &evt.LogIndex, &evt.Kind, &evt.BlockNumber, &evt.PurchaseID, &evt.Payload, &evt.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件日志失败")
		}
		events = append(events, &evt)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历事件日志失败")
	}
	return events, nil
}

func prepareChainEvent(evt *ChainEvent) error {
	if evt == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "事件不能为空")
	}
	if strings.TrimSpace(evt.Kind) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "事件类型不能为空")
	}
	if evt.CreatedAt == 0 {
		evt.CreatedAt = time.Now().Unix()
	}
	return nil
}

// memoryEventCap 限制内存事件日志的长度，超出后丢弃最旧的事件。
const memoryEventCap = 1024

// MemoryEventLog 在内存中维护事件日志，供本地模式与测试使用。
type MemoryEventLog struct {
	mu     sync.RWMutex
	events []*ChainEvent
	seen   map[string]struct{}
}

// NewMemoryEventLog 创建内存事件日志。
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{seen: make(map[string]struct{})}
}

// AppendEvent 追加一条事件，重复坐标的事件被忽略。
func (m *MemoryEventLog) AppendEvent(_ context.Context, evt *ChainEvent) error {
	if err := prepareChainEvent(evt); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if evt.TxHash != "" {
		key := eventKey(evt.TxHash, evt.LogIndex)
		if _, ok := m.seen[key]; ok {
			return nil
		}
		m.seen[key] = struct{}{}
	}

	cloned := *evt
	m.events = append(m.events, &cloned)
	if len(m.events) > memoryEventCap {
		dropped := m.events[0]
		if dropped.TxHash != "" {
			delete(m.seen, eventKey(dropped.TxHash, dropped.LogIndex))
		}
		m.events = m.events[1:]
	}
	return nil
}

// ListEvents 按追加顺序倒序返回最近的事件。
func (m *MemoryEventLog) ListEvents(_ context.Context, limit int) ([]*ChainEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.events) {
		limit = len(m.events)
	}
	results := make([]*ChainEvent, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(results) < limit; i-- {
		cloned := *m.events[i]
		results = append(results, &cloned)
	}
	return results, nil
}

func eventKey(txHash string, logIndex uint) string {
	return strings.ToLower(txHash) + "#" + strconv.FormatUint(uint64(logIndex), 10)
}

var (
	_ EventLog = (*SQLEventLog)(nil)
	_ EventLog = (*MemoryEventLog)(nil)
)
