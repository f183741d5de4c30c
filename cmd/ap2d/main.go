package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AP2-Chain/internal/agent"
	"AP2-Chain/internal/api"
	"AP2-Chain/internal/config"
	"AP2-Chain/internal/escrow"
	"AP2-Chain/internal/observability/alerting"
	"AP2-Chain/internal/observability/metrics"
	"AP2-Chain/internal/settlement"
	"AP2-Chain/internal/storage/mysql"
	"AP2-Chain/internal/token"
	"AP2-Chain/internal/web3"
	"AP2-Chain/internal/web3/contracts"
	"AP2-Chain/internal/web3/provider"
	"AP2-Chain/pkg/logger"
)

// main 是 AP2 结算守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("ap2d 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AP2_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "ap2.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.Audit.Enabled,
			Path:    cfg.Logging.Audit.Path,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}

	books, err := openBookkeeping(ctx, cfg)
	if err != nil {
		return fmt.Errorf("初始化账务存储失败: %w", err)
	}
	defer func() {
		if err := books.Close(); err != nil {
			log.Printf("关闭账务存储失败: %v", err)
		}
	}()

	var store settlement.Store
	switch strings.ToLower(cfg.Storage.Driver) {
	case "", "memory":
		store = settlement.NewMemoryStore()
	case "mysql":
		mysqlStore, err := settlement.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("初始化结算存储失败: %w", err)
		}
		defer func() {
			if err := mysqlStore.Close(); err != nil {
				log.Printf("关闭结算存储失败: %v", err)
			}
		}()
		store = mysqlStore
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}

	queue, err := openQueue(cfg)
	if err != nil {
		return fmt.Errorf("初始化结算队列失败: %w", err)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭结算队列失败: %v", err)
		}
	}()

	recorder := mysql.NewRecorder(books)
	dispatcher := buildAlerting(cfg)

	service := settlement.NewService(store, queue, cfg.Settlement.MaxRetries,
		settlement.WithConfirmHook(recorder.ConfirmSettlement))
	defer service.Close()

	protocol, tokens, escrowAddr, err := buildLedger(ctx, cfg, books)
	if err != nil {
		return err
	}

	processor := settlement.NewProcessor(protocol, tokens, escrowAddr, store, queue, queue,
		settlement.WithWorkerCount(cfg.Queue.Worker),
		settlement.WithRecoveryHandler(recorder),
		settlement.WithApprovalRecorder(recorder),
		settlement.WithAlertDispatcher(dispatcher),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("结算编排器异常退出", slog.String("error", err.Error()))
		}
	}()

	serverOpts := []api.Option{
		api.WithBookkeeping(books),
		api.WithProtocol(protocol),
	}

	if cfg.Agent.Mode == "embedded" {
		executor, err := buildAgent(ctx, cfg, protocol, service, recorder, dispatcher)
		if err != nil {
			return err
		}
		agentCtx, agentCancel := context.WithCancel(ctx)
		defer agentCancel()
		go func() {
			if err := executor.Run(agentCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("执行代理异常退出", slog.String("error", err.Error()))
			}
		}()
		serverOpts = append(serverOpts, api.WithAgent(executor))
	}

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.String("error", err.Error()))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, service, serverOpts...)
	if err := server.Start(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("API 服务退出: %w", err)
	}
	return nil
}

// openBookkeeping 按配置选择账务存储后端。
func openBookkeeping(ctx context.Context, cfg *config.Config) (*mysql.Bookkeeping, error) {
	switch strings.ToLower(cfg.Storage.Driver) {
	case "", "memory":
		return mysql.NewMemoryBookkeeping(cfg.Runtime.DataDir)
	case "mysql":
		return mysql.NewSQLBookkeeping(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

// openQueue 按配置选择结算队列驱动。
func openQueue(cfg *config.Config) (settlement.Queue, error) {
	switch strings.ToLower(cfg.Queue.Driver) {
	case "", "memory":
		return settlement.NewMemoryQueue(1024), nil
	case "redis":
		return settlement.NewRedisQueue(settlement.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return settlement.NewRabbitMQQueue(settlement.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

// buildAlerting 构建告警分发器。未配置任何渠道时返回一个空的分发器，
// 告警只会出现在日志里。
func buildAlerting(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Alerting.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: newDingTalkWebhook(cfg.Alerting.DingTalkWebhook),
		})
	}
	return alerting.NewFanout(notifiers...)
}

// buildLedger 按配置构建托管账本与代币账本。local 模式在进程内模拟，
// chain 模式连接已部署的合约。
func buildLedger(ctx context.Context, cfg *config.Config, books *mysql.Bookkeeping) (escrow.Protocol, token.Ledger, common.Address, error) {
	switch cfg.Ledger.Mode {
	case "local":
		return buildLocalLedger(ctx, cfg, books)
	case "chain":
		return buildChainLedger(ctx, cfg, books)
	default:
		return nil, nil, common.Address{}, fmt.Errorf("未知的账本模式: %s", cfg.Ledger.Mode)
	}
}

func buildLocalLedger(ctx context.Context, cfg *config.Config, books *mysql.Bookkeeping) (escrow.Protocol, token.Ledger, common.Address, error) {
	owner := common.HexToAddress(cfg.Ledger.OwnerAddress)
	vault := token.NewVault()
	for _, seed := range cfg.Ledger.Seed {
		amount, ok := new(big.Int).SetString(seed.Amount, 10)
		if !ok || amount.Sign() < 0 {
			return nil, nil, common.Address{}, fmt.Errorf("无效的初始余额: %s", seed.Amount)
		}
		if !common.IsHexAddress(seed.Address) {
			return nil, nil, common.Address{}, fmt.Errorf("无效的初始余额地址: %s", seed.Address)
		}
		vault.Mint(common.HexToAddress(seed.Address), amount)
	}

	var opts []escrow.Option
	if cfg.Ledger.EscrowAddress != "" {
		if !common.IsHexAddress(cfg.Ledger.EscrowAddress) {
			return nil, nil, common.Address{}, fmt.Errorf("无效的托管地址: %s", cfg.Ledger.EscrowAddress)
		}
		opts = append(opts, escrow.WithAddress(common.HexToAddress(cfg.Ledger.EscrowAddress)))
	}
	ledger := escrow.NewLedger(owner, vault, escrow.NewMemoryRegistry(), opts...)

	// 登记本地合约地址，审批开立与 SDK 依赖注册表取托管与代币地址。
	now := time.Now().Unix()
	escrowEntry := &mysql.ContractConfig{
		ContractType: mysql.ContractTypeEscrow,
		Address:      ledger.Address().Hex(),
		Network:      "local",
		Active:       true,
		DeployedAt:   now,
	}
	if err := books.Contracts.PutContract(ctx, escrowEntry); err != nil {
		return nil, nil, common.Address{}, fmt.Errorf("登记托管合约失败: %w", err)
	}
	if cfg.Ledger.TokenAddress != "" {
		tokenEntry := &mysql.ContractConfig{
			ContractType: mysql.ContractTypeToken,
			Address:      common.HexToAddress(cfg.Ledger.TokenAddress).Hex(),
			Network:      "local",
			Active:       true,
			DeployedAt:   now,
		}
		if err := books.Contracts.PutContract(ctx, tokenEntry); err != nil {
			return nil, nil, common.Address{}, fmt.Errorf("登记代币合约失败: %w", err)
		}
	}

	return ledger, vault, ledger.Address(), nil
}

func buildChainLedger(ctx context.Context, cfg *config.Config, books *mysql.Bookkeeping) (escrow.Protocol, token.Ledger, common.Address, error) {
	registry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return nil, nil, common.Address{}, fmt.Errorf("初始化链上客户端失败: %w", err)
	}
	client, err := registry.DefaultClient()
	if err != nil {
		return nil, nil, common.Address{}, fmt.Errorf("获取默认链客户端失败: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, nil, common.Address{}, fmt.Errorf("读取链 ID 失败: %w", err)
	}
	signers := web3.NewSigners(chainID)
	for _, key := range cfg.Web3.SignerKeys {
		if _, err := signers.Add(key); err != nil {
			return nil, nil, common.Address{}, fmt.Errorf("加载签名私钥失败: %w", err)
		}
	}
	if ownerKey := resolveSecret(cfg.Ledger.OwnerKey, cfg.Ledger.OwnerKeyEnv); ownerKey != "" {
		if _, err := signers.Add(ownerKey); err != nil {
			return nil, nil, common.Address{}, fmt.Errorf("加载所有者私钥失败: %w", err)
		}
	}
	if agentKey := resolveSecret(cfg.Agent.Key, cfg.Agent.KeyEnv); agentKey != "" {
		if _, err := signers.Add(agentKey); err != nil {
			return nil, nil, common.Address{}, fmt.Errorf("加载代理私钥失败: %w", err)
		}
	}

	escrowAddr, err := contractAddress(ctx, books, mysql.ContractTypeEscrow, cfg.Ledger.EscrowAddress)
	if err != nil {
		return nil, nil, common.Address{}, err
	}
	tokenAddr, err := contractAddress(ctx, books, mysql.ContractTypeToken, cfg.Ledger.TokenAddress)
	if err != nil {
		return nil, nil, common.Address{}, err
	}

	ledger, err := contracts.NewChainLedger(client, escrowAddr, signers)
	if err != nil {
		return nil, nil, common.Address{}, fmt.Errorf("初始化托管合约失败: %w", err)
	}
	tokens, err := contracts.NewERC20Ledger(client, tokenAddr, signers)
	if err != nil {
		return nil, nil, common.Address{}, fmt.Errorf("初始化代币合约失败: %w", err)
	}
	return ledger, tokens, escrowAddr, nil
}

// contractAddress 解析合约地址：配置显式指定时优先，否则从账务存储的
// 合约注册表读取当前生效的部署记录。
func contractAddress(ctx context.Context, books *mysql.Bookkeeping, contractType, configured string) (common.Address, error) {
	if configured != "" {
		if !common.IsHexAddress(configured) {
			return common.Address{}, fmt.Errorf("无效的合约地址: %s", configured)
		}
		return common.HexToAddress(configured), nil
	}
	record, err := books.Contracts.ActiveContract(ctx, contractType)
	if err != nil {
		return common.Address{}, fmt.Errorf("读取 %s 合约注册信息失败: %w", contractType, err)
	}
	return common.HexToAddress(record.Address), nil
}

// buildAgent 构建内置执行代理。local 模式下自动把代理地址登记进授权
// 名单，省去开发联调时手工调用注册接口。
func buildAgent(ctx context.Context, cfg *config.Config, protocol escrow.Protocol, service *settlement.Service, recorder *mysql.Recorder, dispatcher alerting.Dispatcher) (*agent.Executor, error) {
	if !common.IsHexAddress(cfg.Agent.Address) {
		return nil, errors.New("embedded 模式需要配置有效的代理地址")
	}
	address := common.HexToAddress(cfg.Agent.Address)

	if cfg.Ledger.Mode == "local" {
		owner, err := protocol.Owner(ctx)
		if err != nil {
			return nil, fmt.Errorf("读取账本所有者失败: %w", err)
		}
		if err := protocol.RegisterAgent(ctx, owner, address); err != nil {
			return nil, fmt.Errorf("登记执行代理失败: %w", err)
		}
	}

	opts := []agent.Option{
		agent.WithSettlementNotifier(service),
		agent.WithEventSink(recorder),
		agent.WithAlertDispatcher(dispatcher),
		agent.WithCursorStore(agent.NewFileCursor(cfg.Agent.CursorFile)),
	}
	if cfg.Agent.PollSeconds > 0 {
		opts = append(opts, agent.WithPollInterval(time.Duration(cfg.Agent.PollSeconds)*time.Second))
	}
	return agent.New(protocol, address, opts...), nil
}

// resolveSecret 读取敏感配置：直接给值或通过环境变量间接给值。
func resolveSecret(value, env string) string {
	if value != "" {
		return value
	}
	if env != "" {
		return os.Getenv(env)
	}
	return ""
}
