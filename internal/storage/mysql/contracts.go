package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AP2-Chain/internal/errors"
)

// SQLContractRegistry 把合约登记信息写入 MySQL。
type SQLContractRegistry struct {
	db *sql.DB
}

const contractColumns = `contract_type, contract_address, contract_abi, deploy_tx, block_number,
        network, is_active, deployed_at`

// PutContract 登记合约并使其生效，同类型此前生效的记录在同一事务里停用。
func (s *SQLContractRegistry) PutContract(ctx context.Context, cfg *ContractConfig) error {
	if err := prepareContract(cfg); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启登记事务失败")
	}

	const deactivateStmt = `UPDATE smart_contract_configs SET is_active = 0 WHERE contract_type = ? AND is_active = 1`
	if _, err := tx.ExecContext(ctx, deactivateStmt, cfg.ContractType); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "停用旧合约登记失败")
	}

	const insertStmt = `INSERT INTO smart_contract_configs
        (contract_type, contract_address, contract_abi, deploy_tx, block_number, network, is_active, deployed_at)
        VALUES (?, ?, ?, ?, ?, ?, 1, ?)`
	if _, err := tx.ExecContext(ctx, insertStmt,
		cfg.ContractType,
		cfg.Address,
		cfg.ABI,
		cfg.DeployTx,
		cfg.BlockNumber,
		cfg.Network,
		cfg.DeployedAt,
	); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记合约失败")
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交登记事务失败")
	}
	return nil
}

// ActiveContract 返回指定类型当前生效的合约登记。
func (s *SQLContractRegistry) ActiveContract(ctx context.Context, contractType string) (*ContractConfig, error) {
	stmt := `SELECT ` + contractColumns + ` FROM smart_contract_configs
        WHERE contract_type = ? AND is_active = 1
        ORDER BY deployed_at DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, stmt, contractType)
	cfg, err := scanContractRow(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrContractNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询生效合约失败")
	}
	return cfg, nil
}

// ListContracts 返回全部合约登记，按部署时间倒序。
func (s *SQLContractRegistry) ListContracts(ctx context.Context) ([]*ContractConfig, error) {
	stmt := `SELECT ` + contractColumns + ` FROM smart_contract_configs ORDER BY deployed_at DESC, contract_type ASC`
	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询合约登记列表失败")
	}
	defer rows.Close()

	var configs []*ContractConfig
	for rows.Next() {
		cfg, scanErr := scanContractRow(rows)
		if scanErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, scanErr, "解析合约登记失败")
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历合约登记失败")
	}
	return configs, nil
}

func scanContractRow(row rowScanner) (*ContractConfig, error) {
	var cfg ContractConfig
	var active int
	if err := row.Scan(
		&cfg.ContractType,
		&cfg.Address,
		&cfg.ABI,
		&cfg.DeployTx,
		&cfg.BlockNumber,
		&cfg.Network,
		&active,
		&cfg.DeployedAt,
	); err != nil {
		return nil, err
	}
	cfg.Active = active == 1
	return &cfg, nil
}

func prepareContract(cfg *ContractConfig) error {
	if cfg == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "合约登记不能为空")
	}
	if strings.TrimSpace(cfg.ContractType) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "合约类型不能为空")
	}
	if strings.TrimSpace(cfg.Address) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "合约地址不能为空")
	}
	if cfg.DeployedAt == 0 {
		cfg.DeployedAt = time.Now().Unix()
	}
	cfg.Active = true
	return nil
}

// MemoryContractRegistry 在内存中维护合约登记，供本地模式与测试使用。
type MemoryContractRegistry struct {
	mu      sync.RWMutex
	configs []*ContractConfig
}

// NewMemoryContractRegistry 创建内存合约注册表。
func NewMemoryContractRegistry() *MemoryContractRegistry {
	return &MemoryContractRegistry{}
}

// PutContract 登记合约并使其生效，同类型旧登记停用。
func (m *MemoryContractRegistry) PutContract(_ context.Context, cfg *ContractConfig) error {
	if err := prepareContract(cfg); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.configs {
		if existing.ContractType == cfg.ContractType {
			existing.Active = false
		}
	}
	cloned := *cfg
	m.configs = append(m.configs, &cloned)
	return nil
}

// ActiveContract 返回指定类型当前生效的合约登记。
func (m *MemoryContractRegistry) ActiveContract(_ context.Context, contractType string) (*ContractConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.configs) - 1; i >= 0; i-- {
		if m.configs[i].ContractType == contractType && m.configs[i].Active {
			cloned := *m.configs[i]
			return &cloned, nil
		}
	}
	return nil, ErrContractNotFound
}

// ListContracts 返回全部合约登记，按部署时间倒序。
func (m *MemoryContractRegistry) ListContracts(_ context.Context) ([]*ContractConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*ContractConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		cloned := *cfg
		results = append(results, &cloned)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].DeployedAt == results[j].DeployedAt {
			return results[i].ContractType < results[j].ContractType
		}
		return results[i].DeployedAt > results[j].DeployedAt
	})
	return results, nil
}

var (
	_ ContractRegistry = (*SQLContractRegistry)(nil)
	_ ContractRegistry = (*MemoryContractRegistry)(nil)
)
