package agent

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	xerrors "AP2-Chain/internal/errors"
)

// CursorStore 持久化执行代理消费到的区块高度，重启后从断点继续补放。
type CursorStore interface {
	Load(ctx context.Context) (uint64, error)
	Save(ctx context.Context, block uint64) error
}

// MemoryCursor 把游标保存在内存里，适合测试与内存账本部署。
type MemoryCursor struct {
	mu    sync.Mutex
	block uint64
}

var _ CursorStore = (*MemoryCursor)(nil)

// NewMemoryCursor 创建一个归零的内存游标。
func NewMemoryCursor() *MemoryCursor {
	return &MemoryCursor{}
}

// Load 实现 CursorStore。
func (c *MemoryCursor) Load(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block, nil
}

// Save 实现 CursorStore。
func (c *MemoryCursor) Save(_ context.Context, block uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.block = block
	return nil
}

// FileCursor 把游标写进单个文本文件。游标文件由代理进程独占，
// 每次保存直接覆盖。
type FileCursor struct {
	mu   sync.Mutex
	path string
}

var _ CursorStore = (*FileCursor)(nil)

// NewFileCursor 创建指向给定路径的文件游标。文件不存在视为从零开始。
func NewFileCursor(path string) *FileCursor {
	return &FileCursor{path: path}
}

// Load 实现 CursorStore。
func (c *FileCursor) Load(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取游标文件失败")
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	block, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "游标文件内容不合法")
	}
	return block, nil
}

// Save 实现 CursorStore。
func (c *FileCursor) Save(_ context.Context, block uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建游标目录失败")
	}
	if err := os.WriteFile(c.path, []byte(strconv.FormatUint(block, 10)), 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入游标文件失败")
	}
	return nil
}
