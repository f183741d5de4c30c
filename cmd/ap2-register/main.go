package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AP2-Chain/internal/config"
	"AP2-Chain/internal/storage/mysql"
	"AP2-Chain/internal/web3"
	"AP2-Chain/internal/web3/contracts"
	"AP2-Chain/internal/web3/provider"
	"AP2-Chain/pkg/logger"
)

// main 是合约登记工具的入口。它把一份已部署的合约地址写进注册表，
// 或者从构建产物出发部署一份新合约再登记。同一类型此前生效的登记
// 会被自动停用。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	contractType := flag.String("type", mysql.ContractTypeEscrow, "合约类型（ap2 或 erc20）")
	artifactPath := flag.String("artifact", "", "合约构建产物路径，给出时执行部署")
	address := flag.String("address", "", "已部署的合约地址，给出时只做登记")
	network := flag.String("network", "", "网络名称，缺省取 web3.default_chain")
	confirmations := flag.Uint64("confirmations", 1, "部署交易等待的确认数")
	flag.Parse()

	if err := run(ctx, *contractType, *artifactPath, *address, *network, *confirmations); err != nil {
		log.Fatalf("ap2-register 运行失败: %v", err)
	}
}

func run(ctx context.Context, contractType, artifactPath, address, network string, confirmations uint64) error {
	switch contractType {
	case mysql.ContractTypeEscrow, mysql.ContractTypeToken:
	default:
		return fmt.Errorf("未知的合约类型: %s", contractType)
	}
	if artifactPath == "" && address == "" {
		return errors.New("必须给出 -artifact 或 -address 之一")
	}
	if artifactPath != "" && address != "" {
		return errors.New("-artifact 与 -address 不能同时给出")
	}

	configPath := os.Getenv("AP2_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "ap2.json")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
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

	if network == "" {
		network = cfg.Web3.DefaultChain
	}
	if network == "" {
		network = "default"
	}

	entry := &mysql.ContractConfig{
		ContractType: contractType,
		Network:      network,
		Active:       true,
		DeployedAt:   time.Now().Unix(),
	}

	if address != "" {
		if !common.IsHexAddress(address) {
			return fmt.Errorf("无效的合约地址: %s", address)
		}
		entry.Address = common.HexToAddress(address).Hex()
	} else {
		deployed, err := deploy(ctx, cfg, artifactPath, confirmations)
		if err != nil {
			return err
		}
		entry.Address = deployed.address.Hex()
		entry.ABI = deployed.abi
		entry.DeployTx = deployed.txHash.Hex()
		entry.BlockNumber = deployed.blockNumber
	}

	if err := books.Contracts.PutContract(ctx, entry); err != nil {
		return fmt.Errorf("登记合约失败: %w", err)
	}
	fmt.Printf("已登记 %s 合约 %s（network=%s）\n", contractType, entry.Address, network)
	return nil
}

type deployment struct {
	address     common.Address
	txHash      common.Hash
	blockNumber uint64
	abi         string
}

// deploy 从构建产物部署合约并等待确认。部署账户用配置中的所有者私钥。
func deploy(ctx context.Context, cfg *config.Config, artifactPath string, confirmations uint64) (*deployment, error) {
	artifact, err := contracts.LoadArtifact(artifactPath)
	if err != nil {
		return nil, err
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
	ownerKey := cfg.Ledger.OwnerKey
	if ownerKey == "" && cfg.Ledger.OwnerKeyEnv != "" {
		ownerKey = os.Getenv(cfg.Ledger.OwnerKeyEnv)
	}
	if ownerKey == "" {
		return nil, errors.New("部署需要配置所有者私钥")
	}
	signers := web3.NewSigners(chainID)
	ownerAddr, err := signers.Add(ownerKey)
	if err != nil {
		return nil, fmt.Errorf("加载所有者私钥失败: %w", err)
	}
	auth, ok := signers.For(ownerAddr)
	if !ok {
		return nil, errors.New("所有者签名器缺失")
	}

	result, err := client.DeployContract(ctx, auth, artifact.ABI, artifact.Bytecode)
	if err != nil {
		return nil, fmt.Errorf("部署合约失败: %w", err)
	}
	receipt, err := client.WaitForReceipt(ctx, result.Transaction.Hash(), confirmations)
	if err != nil {
		return nil, fmt.Errorf("等待部署确认失败: %w", err)
	}

	return &deployment{
		address:     result.ContractAddress,
		txHash:      result.Transaction.Hash(),
		blockNumber: receipt.BlockNumber.Uint64(),
		abi:         artifact.ABI,
	}, nil
}

// openBookkeeping 按配置选择账务存储后端。
func openBookkeeping(ctx context.Context, cfg *config.Config) (*mysql.Bookkeeping, error) {
	switch cfg.Storage.Driver {
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
