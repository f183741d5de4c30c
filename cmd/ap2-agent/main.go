package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AP2-Chain/internal/agent"
	"AP2-Chain/internal/config"
	"AP2-Chain/internal/observability/alerting"
	"AP2-Chain/internal/observability/metrics"
	"AP2-Chain/internal/settlement"
	"AP2-Chain/internal/web3"
	"AP2-Chain/internal/web3/contracts"
	"AP2-Chain/internal/web3/provider"
	"AP2-Chain/pkg/logger"
	"AP2-Chain/sdk/go/ap2"
)

// main 是独立执行代理进程的入口。它连接已部署的托管合约，跟随
// PurchaseInitiated 事件提交执行交易，并通过 ap2d 的接口回报进展。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("ap2-agent 运行失败: %v", err)
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
	if cfg.Ledger.Mode != "chain" {
		return errors.New("外部执行代理只支持 chain 账本模式")
	}
	if !common.IsHexAddress(cfg.Agent.Address) {
		return errors.New("需要配置有效的代理地址")
	}
	if cfg.Agent.APIURL == "" {
		return errors.New("需要配置 agent.api_url 指向 ap2d 接口")
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

	ledger, err := openChainLedger(ctx, cfg)
	if err != nil {
		return err
	}

	var dispatcher alerting.Dispatcher
	if cfg.Alerting.DingTalkWebhook != "" {
		dispatcher = alerting.NewFanout(&alerting.DingTalkNotifier{
			Sender: newDingTalkWebhook(cfg.Alerting.DingTalkWebhook),
		})
	} else {
		dispatcher = alerting.NewFanout()
	}

	notifier := &apiNotifier{client: ap2.NewClient(cfg.Agent.APIURL, nil)}

	opts := []agent.Option{
		agent.WithSettlementNotifier(notifier),
		agent.WithAlertDispatcher(dispatcher),
		agent.WithCursorStore(agent.NewFileCursor(cfg.Agent.CursorFile)),
	}
	if cfg.Agent.PollSeconds > 0 {
		opts = append(opts, agent.WithPollInterval(time.Duration(cfg.Agent.PollSeconds)*time.Second))
	}
	executor := agent.New(ledger, common.HexToAddress(cfg.Agent.Address), opts...)

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.String("error", err.Error()))
			}
		}()
	}

	logger.L().Info("执行代理已启动",
		slog.String("agent", cfg.Agent.Address),
		slog.String("escrow", ledger.Address().Hex()),
	)
	return executor.Run(ctx)
}

// openChainLedger 连接链上托管合约。外部代理进程不接账务存储，
// 合约地址必须显式配置。
func openChainLedger(ctx context.Context, cfg *config.Config) (*contracts.ChainLedger, error) {
	if !common.IsHexAddress(cfg.Ledger.EscrowAddress) {
		return nil, errors.New("需要配置有效的托管合约地址")
	}

	registry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return nil, fmt.Errorf("初始化链上客户端失败: %w", err)
	}
	client, err := registry.DefaultClient()
	if err != nil {
		return nil, fmt.Errorf("获取默认链客户端失败: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取链 ID 失败: %w", err)
	}
	signers := web3.NewSigners(chainID)
	agentKey := cfg.Agent.Key
	if agentKey == "" && cfg.Agent.KeyEnv != "" {
		agentKey = os.Getenv(cfg.Agent.KeyEnv)
	}
	if agentKey == "" {
		return nil, errors.New("需要配置代理私钥")
	}
	signerAddr, err := signers.Add(agentKey)
	if err != nil {
		return nil, fmt.Errorf("加载代理私钥失败: %w", err)
	}
	if signerAddr != common.HexToAddress(cfg.Agent.Address) {
		return nil, fmt.Errorf("代理私钥对应地址 %s 与配置的 %s 不一致", signerAddr.Hex(), cfg.Agent.Address)
	}

	ledger, err := contracts.NewChainLedger(client, common.HexToAddress(cfg.Ledger.EscrowAddress), signers)
	if err != nil {
		return nil, fmt.Errorf("初始化托管合约失败: %w", err)
	}
	return ledger, nil
}

// apiNotifier 通过 ap2d 的 REST 接口回报结算进展，是进程内
// settlement.Service 回报通道的远程替身。
type apiNotifier struct {
	client *ap2.Client
}

func (n *apiNotifier) RecordInitiation(ctx context.Context, purchaseID, txHash string) error {
	return n.client.ReportInitiation(ctx, purchaseID, txHash)
}

func (n *apiNotifier) ConfirmExecution(ctx context.Context, purchaseID, txHash, executedBy string) (*settlement.Settlement, error) {
	confirmed, err := n.client.ConfirmPayment(ctx, ap2.PaymentConfirmation{
		PurchaseID: purchaseID,
		TxHash:     txHash,
		ExecutedBy: executedBy,
	})
	if err != nil {
		var apiErr *ap2.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, settlement.ErrSettlementNotFound
		}
		return nil, err
	}
	remote := confirmed.Settlement
	if remote == nil {
		return nil, nil
	}
	return &settlement.Settlement{
		ID:         remote.ID,
		Buyer:      remote.Buyer,
		CourseID:   remote.CourseID,
		Token:      remote.Token,
		Amount:     remote.Amount,
		Recipient:  remote.Recipient,
		PurchaseID: remote.PurchaseID,
		Status:     settlement.Status(remote.Status),
		ExecuteTx:  remote.ExecuteTx,
		ExecutedBy: remote.ExecutedBy,
	}, nil
}
