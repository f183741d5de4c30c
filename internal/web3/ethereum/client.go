package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"AP2-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name          string
	RPCURL        string
	WSURL         string
	BatchRPCURL   string
	ChainID       int64
	Confirmations uint64
	Notes         string
}

// receiptPollInterval is how often WaitForReceipt re-checks a pending
// transaction. The surrounding context bounds the total wait.
const receiptPollInterval = time.Second

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name          string
	notes         string
	rpcClient     *gethrpc.Client
	batchClient   *gethrpc.Client
	eth           *ethclient.Client
	eventClient   logSubscriber
	backend       bind.ContractBackend
	chainID       *big.Int
	confirmations uint64
	mu            sync.Mutex
}

// logSubscriber mirrors the subset of methods required for log subscriptions.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	eth := ethclient.NewClient(rpcClient)

	batchClient := rpcClient
	if batchURL := strings.TrimSpace(cfg.BatchRPCURL); batchURL != "" && batchURL != rpcURL {
		batchClient, err = gethrpc.DialContext(ctx, batchURL)
		if err != nil {
			return nil, fmt.Errorf("连接批量交易节点失败: %w", err)
		}
	}

	eventClient := logSubscriber(eth)
	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			eventClient = ethclient.NewClient(wsRPC)
		}
	}

	var chainID *big.Int
	if cfg.ChainID > 0 {
		chainID = big.NewInt(cfg.ChainID)
	}
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}

	return &Client{
		name:          cfg.Name,
		notes:         cfg.Notes,
		rpcClient:     rpcClient,
		batchClient:   batchClient,
		eth:           eth,
		eventClient:   eventClient,
		backend:       eth,
		chainID:       chainID,
		confirmations: confirmations,
	}, nil
}

// NewBackendClient wraps an in-process contract backend, typically a fake or
// simulated chain used by tests and local tooling.
func NewBackendClient(name string, chainID *big.Int, backend bind.ContractBackend) *Client {
	client := &Client{
		name:          name,
		backend:       backend,
		chainID:       new(big.Int).Set(chainID),
		confirmations: 1,
		notes:         "in-process backend",
	}
	if subscriber, ok := backend.(logSubscriber); ok {
		client.eventClient = subscriber
	}
	return client
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.eventClient != nil {
		if ec, ok := c.eventClient.(*ethclient.Client); ok {
			ec.Close()
		}
		c.eventClient = nil
	}
	if c.batchClient != nil && c.batchClient != c.rpcClient {
		c.batchClient.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.rpcClient = nil
	c.batchClient = nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// ChainID returns the configured or queried chain identifier.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	if c.chainID != nil {
		id := new(big.Int).Set(c.chainID)
		c.mu.Unlock()
		return id, nil
	}
	eth := c.eth
	c.mu.Unlock()

	if eth == nil {
		return nil, errors.New("未配置链 ID")
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = chainID
	c.mu.Unlock()
	return new(big.Int).Set(chainID), nil
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	if c.eth != nil {
		height, err := c.eth.BlockNumber(ctx)
		if err != nil {
			return 0, fmt.Errorf("获取最新区块高度失败: %w", err)
		}
		return height, nil
	}
	if reader, ok := c.backend.(interface {
		BlockNumber(context.Context) (uint64, error)
	}); ok {
		return reader.BlockNumber(ctx)
	}
	if reader, ok := c.backend.(interface {
		HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error)
	}); ok {
		header, err := reader.HeaderByNumber(ctx, nil)
		if err != nil {
			return 0, fmt.Errorf("获取区块头失败: %w", err)
		}
		return header.Number.Uint64(), nil
	}
	return 0, errors.New("后端不支持区块高度查询")
}

// BalanceAt queries the native token balance of an address.
func (c *Client) BalanceAt(ctx context.Context, address common.Address) (*big.Int, error) {
	backend := c.balanceBackend()
	if backend == nil {
		return nil, errors.New("当前客户端不支持余额查询")
	}
	balance, err := backend.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// PendingNonceAt queries the pending transaction count of an address.
func (c *Client) PendingNonceAt(ctx context.Context, address common.Address) (uint64, error) {
	backend := c.nonceBackend()
	if backend == nil {
		return 0, errors.New("当前客户端不支持交易计数查询")
	}
	nonce, err := backend.PendingNonceAt(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("查询交易计数失败: %w", err)
	}
	return nonce, nil
}

// DeployContract sends the contract creation transaction using the provided
// transact opts and bytecode.
func (c *Client) DeployContract(ctx context.Context, auth *bind.TransactOpts, abiJSON string, bytecode []byte, params ...any) (web3.DeploymentResult, error) {
	if auth == nil {
		return web3.DeploymentResult{}, errors.New("未提供交易签名器")
	}
	backend := c.contractBackend()
	if backend == nil {
		return web3.DeploymentResult{}, errors.New("当前客户端不支持合约部署")
	}
	if len(bytecode) == 0 {
		return web3.DeploymentResult{}, errors.New("合约字节码不能为空")
	}

	parsedABI, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return web3.DeploymentResult{}, fmt.Errorf("解析 ABI 失败: %w", err)
	}

	originalCtx := auth.Context
	auth.Context = ctx
	defer func() { auth.Context = originalCtx }()

	address, tx, _, err := bind.DeployContract(auth, parsedABI, bytecode, backend, params...)
	if err != nil {
		return web3.DeploymentResult{}, fmt.Errorf("部署合约失败: %w", err)
	}

	commitBackend(backend)

	return web3.DeploymentResult{ContractAddress: address, Transaction: tx}, nil
}

// SubscribeEvents attaches a log subscription to the chain.
func (c *Client) SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*web3.EventSubscription, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	subscriber := c.eventBackend()
	if subscriber == nil {
		return nil, errors.New("当前客户端不支持事件订阅")
	}

	logs := make(chan coretypes.Log, 64)
	sub, err := subscriber.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("订阅事件失败: %w", err)
	}
	return web3.NewEventSubscription(logs, sub), nil
}

// FilterEvents fetches historical logs in the queried block range. It backs
// the polling mode used on nodes without websocket endpoints.
func (c *Client) FilterEvents(ctx context.Context, query gethcore.FilterQuery) ([]coretypes.Log, error) {
	filterer := c.filterBackend()
	if filterer == nil {
		return nil, errors.New("当前客户端不支持日志查询")
	}
	logs, err := filterer.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("查询合约日志失败: %w", err)
	}
	return logs, nil
}

// SendBatchTransactions broadcasts multiple signed transactions in a single
// RPC batch call when possible.
func (c *Client) SendBatchTransactions(ctx context.Context, txs []*coretypes.Transaction) ([]common.Hash, error) {
	if len(txs) == 0 {
		return nil, errors.New("没有可发送的交易")
	}

	// 没有 RPC 连接时退化为逐笔提交给进程内后端。
	if c.rpcClient == nil {
		if c.backend == nil {
			return nil, errors.New("当前客户端未配置交易发送通道")
		}
		hashes := make([]common.Hash, 0, len(txs))
		for _, tx := range txs {
			if err := c.backend.SendTransaction(ctx, tx); err != nil {
				return nil, fmt.Errorf("发送交易失败: %w", err)
			}
			commitBackend(c.backend)
			hashes = append(hashes, tx.Hash())
		}
		return hashes, nil
	}

	if c.batchClient == nil {
		return nil, errors.New("当前客户端未配置批量 RPC")
	}

	hashes := make([]common.Hash, len(txs))
	elems := make([]gethrpc.BatchElem, len(txs))
	for i, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("序列化交易失败: %w", err)
		}
		hexPayload := "0x" + hex.EncodeToString(raw)
		elems[i] = gethrpc.BatchElem{
			Method: "eth_sendRawTransaction",
			Args:   []any{hexPayload},
			Result: &hashes[i],
		}
	}

	if err := c.batchClient.BatchCallContext(ctx, elems); err != nil {
		return nil, fmt.Errorf("批量发送交易失败: %w", err)
	}
	for i := range elems {
		if elems[i].Error != nil {
			return nil, fmt.Errorf("交易 %d 发送失败: %w", i, elems[i].Error)
		}
	}
	return hashes, nil
}

// TransactionReceipt fetches the receipt of a mined transaction.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	reader := c.receiptBackend()
	if reader == nil {
		return nil, errors.New("当前客户端不支持回执查询")
	}
	receipt, err := reader.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// WaitForReceipt polls until the transaction is mined and has accumulated the
// requested confirmation depth. Zero confirmations is treated as one.
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash, confirmations uint64) (*coretypes.Receipt, error) {
	if confirmations == 0 {
		confirmations = c.confirmations
	}
	if confirmations == 0 {
		confirmations = 1
	}

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			depth, depthErr := c.confirmationDepth(ctx, receipt)
			if depthErr != nil {
				return nil, depthErr
			}
			if depth >= confirmations {
				return receipt, nil
			}
		} else if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, fmt.Errorf("查询交易回执失败: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ContractBackend exposes the backend for contract bindings.
func (c *Client) ContractBackend() bind.ContractBackend {
	return c.contractBackend()
}

// Confirmations returns the configured confirmation depth for this chain.
func (c *Client) Confirmations() uint64 {
	if c.confirmations == 0 {
		return 1
	}
	return c.confirmations
}

// confirmationDepth counts how deep the receipt's block is buried, with the
// containing block itself counting as one confirmation.
func (c *Client) confirmationDepth(ctx context.Context, receipt *coretypes.Receipt) (uint64, error) {
	if receipt.BlockNumber == nil {
		return 0, nil
	}
	head, err := c.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return 0, nil
	}
	return head - mined + 1, nil
}

func (c *Client) contractBackend() bind.ContractBackend {
	if c.backend != nil {
		return c.backend
	}
	if c.eth != nil {
		return c.eth
	}
	return nil
}

func (c *Client) eventBackend() logSubscriber {
	if c.eventClient != nil {
		return c.eventClient
	}
	if subscriber, ok := c.backend.(logSubscriber); ok {
		return subscriber
	}
	return nil
}

func (c *Client) filterBackend() interface {
	FilterLogs(context.Context, gethcore.FilterQuery) ([]coretypes.Log, error)
} {
	if c.backend != nil {
		return c.backend
	}
	if c.eth != nil {
		return c.eth
	}
	return nil
}

func (c *Client) receiptBackend() interface {
	TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error)
} {
	if reader, ok := c.backend.(interface {
		TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error)
	}); ok {
		return reader
	}
	if c.eth != nil {
		return c.eth
	}
	return nil
}

func (c *Client) balanceBackend() interface {
	BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error)
} {
	if backend, ok := c.backend.(interface {
		BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error)
	}); ok {
		return backend
	}
	if c.eth != nil {
		return c.eth
	}
	return nil
}

func (c *Client) nonceBackend() interface {
	PendingNonceAt(context.Context, common.Address) (uint64, error)
} {
	if backend, ok := c.backend.(interface {
		PendingNonceAt(context.Context, common.Address) (uint64, error)
	}); ok {
		return backend
	}
	if c.eth != nil {
		return c.eth
	}
	return nil
}

// commitBackend advances in-process backends that require explicit block
// production, such as simulated chains.
func commitBackend(backend bind.ContractBackend) {
	if committer, ok := backend.(interface{ Commit() }); ok {
		committer.Commit()
	}
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
