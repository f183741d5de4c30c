package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述 AP2 结算进程在启动阶段加载的全部配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Metrics    MetricsConfig    `json:"metrics"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Queue      QueueConfig      `json:"queue"`
	Settlement SettlementConfig `json:"settlement"`
	Ledger     LedgerConfig     `json:"ledger"`
	Agent      AgentConfig      `json:"agent"`
	Web3       Web3Config       `json:"web3"`
	Alerting   AlertingConfig   `json:"alerting"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
}

// MetricsConfig 控制指标服务的监听地址。
type MetricsConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 控制结构化日志。format 支持 json 与 text，outputs
// 留空时写标准输出。审计日志默认混入主日志，单独落盘需开启 audit。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs,omitempty"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的独立输出文件。
type AuditConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig 描述结算单与账务记录的存储后端。memory 驱动把支付与
// 选课记录落在 data_dir 下，mysql 驱动以同一个 DSN 服务结算存储与
// 账务存储。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// QueueConfig 描述结算队列的驱动与工作协程数量。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 是 Redis 队列的连接参数。block_wait 以秒计。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait"`
}

// RabbitMQConfig 是 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// SettlementConfig 控制结算编排的行为。
type SettlementConfig struct {
	MaxRetries int `json:"max_retries"`
}

// LedgerConfig 选择托管账本的形态。local 在进程内模拟托管与代币，
// 用于开发联调；chain 连接已部署的合约，地址留空时从账务存储的
// 合约注册表读取。
type LedgerConfig struct {
	Mode          string        `json:"mode"`
	OwnerAddress  string        `json:"owner_address"`
	OwnerKey      string        `json:"owner_key"`
	OwnerKeyEnv   string        `json:"owner_key_env"`
	EscrowAddress string        `json:"escrow_address"`
	TokenAddress  string        `json:"token_address"`
	Seed          []SeedBalance `json:"seed,omitempty"`
}

// SeedBalance 在 local 模式下为地址铸造初始代币余额，仅用于开发联调。
type SeedBalance struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

// AgentConfig 控制执行代理。mode 为 embedded 时代理跟随主进程运行，
// external 表示由独立的 ap2-agent 进程执行，off 完全关闭执行。
// api_url 是 external 模式下回报结算进展的 ap2d 接口地址。
type AgentConfig struct {
	Mode        string `json:"mode"`
	Address     string `json:"address"`
	Key         string `json:"key"`
	KeyEnv      string `json:"key_env"`
	PollSeconds int    `json:"poll_seconds"`
	CursorFile  string `json:"cursor_file"`
	APIURL      string `json:"api_url"`
}

// Web3Config 描述链上接入方式：单一 RPC 地址，或 chain_config 指向的
// 多链 YAML 定义。signer_keys 列出本进程托管的开发链私钥。
type Web3Config struct {
	RPCURL       string   `json:"rpc_url"`
	ChainConfig  string   `json:"chain_config"`
	DefaultChain string   `json:"default_chain"`
	SignerKeys   []string `json:"signer_keys,omitempty"`
}

// AlertingConfig 配置运营告警的外发渠道，留空则告警只写日志。
type AlertingConfig struct {
	DingTalkWebhook string `json:"dingtalk_webhook"`
}

// RuntimeConfig 放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 解析指定路径的 JSON 配置文件，套用默认值并校验取值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。相对路径
// 统一以配置文件所在目录为基准。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9091"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Ledger.Mode == "" {
		c.Ledger.Mode = "local"
	}
	if c.Agent.Mode == "" {
		c.Agent.Mode = "embedded"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Agent.CursorFile == "" {
		c.Agent.CursorFile = filepath.Join(c.Runtime.DataDir, "agent.cursor")
	} else if !filepath.IsAbs(c.Agent.CursorFile) {
		c.Agent.CursorFile = filepath.Join(baseDir, c.Agent.CursorFile)
	}
}

// validate 校验枚举取值与模式之间的依赖关系。
func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}
	if c.Storage.Driver == "mysql" && c.Storage.DSN == "" {
		return errors.New("mysql 存储需要配置 dsn")
	}

	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver)
	}

	switch c.Ledger.Mode {
	case "local", "chain":
	default:
		return fmt.Errorf("未知的账本模式: %s", c.Ledger.Mode)
	}
	if c.Ledger.Mode == "chain" && c.Web3.RPCURL == "" && c.Web3.ChainConfig == "" {
		return errors.New("chain 模式需要配置 web3.rpc_url 或 web3.chain_config")
	}

	switch c.Agent.Mode {
	case "embedded", "external", "off":
	default:
		return fmt.Errorf("未知的代理模式: %s", c.Agent.Mode)
	}
	return nil
}
