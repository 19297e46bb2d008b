package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "AuctionMesh/internal/errors"
	"AuctionMesh/internal/ledger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to reach the auction contract on an EVM chain.
type Config struct {
	Name            string
	RPCURL          string
	WSURL           string
	ContractAddress string
	// Signer is the opaque transaction-signing capability. Read-only use
	// (monitoring, bid streaming) works without one.
	Signer              *bind.TransactOpts
	GasLimit            uint64
	ReceiptPollInterval time.Duration
	FromBlock           uint64
}

// Backend is the subset of ethclient.Client used by the binding.
type Backend interface {
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// logSubscriber mirrors the subset of methods required for log subscriptions.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

// Client implements ledger.Ledger and ledger.BidSource against the auction
// contract.
type Client struct {
	name         string
	backend      Backend
	events       logSubscriber
	contract     common.Address
	abi          abi.ABI
	signer       *bind.TransactOpts
	gasLimit     uint64
	pollInterval time.Duration
	fromBlock    uint64

	closers []func()

	// txMu serialises nonce allocation so concurrent auction creations never
	// reuse a nonce.
	txMu  sync.Mutex
	nonce *uint64
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

	client, err := NewWithBackend(eth, cfg)
	if err != nil {
		eth.Close()
		return nil, err
	}
	client.closers = append(client.closers, eth.Close)

	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			wsEth := ethclient.NewClient(wsRPC)
			client.events = wsEth
			client.closers = append(client.closers, wsEth.Close)
		}
	}
	return client, nil
}

// NewWithBackend binds the auction contract over an existing backend. If the
// backend can subscribe to logs it is also used for bid streaming.
func NewWithBackend(backend Backend, cfg Config) (*Client, error) {
	if backend == nil {
		return nil, errors.New("未提供链访问后端")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("拍卖合约地址无效: %q", cfg.ContractAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(AuctionABI))
	if err != nil {
		return nil, fmt.Errorf("解析 ABI 失败: %w", err)
	}
	interval := cfg.ReceiptPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	c := &Client{
		name:         cfg.Name,
		backend:      backend,
		contract:     common.HexToAddress(cfg.ContractAddress),
		abi:          parsed,
		signer:       cfg.Signer,
		gasLimit:     cfg.GasLimit,
		pollInterval: interval,
		fromBlock:    cfg.FromBlock,
	}
	if subscriber, ok := backend.(logSubscriber); ok {
		c.events = subscriber
	}
	return c, nil
}

// SignerFromHexKey builds a keyed transactor from a hex encoded private key.
func SignerFromHexKey(hexKey string, chainID *big.Int) (*bind.TransactOpts, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}
	return signerFromKey(key, chainID)
}

func signerFromKey(key *ecdsa.PrivateKey, chainID *big.Int) (*bind.TransactOpts, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("签名器需要有效的链 ID")
	}
	return bind.NewKeyedTransactorWithChainID(key, chainID)
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.name }

// Close releases network connections held by the client.
func (c *Client) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// CreateAuction sends createAuction(description), waits for the receipt and
// returns the id carried by the AuctionCreated event.
func (c *Client) CreateAuction(ctx context.Context, description string) (ledger.Auction, error) {
	if c.signer == nil {
		return ledger.Auction{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置交易签名器")
	}
	if strings.TrimSpace(description) == "" {
		return ledger.Auction{}, xerrors.New(xerrors.CodeInvalidArgument, "拍卖描述不能为空")
	}
	data, err := c.abi.Pack(methodCreateAuction, description)
	if err != nil {
		return ledger.Auction{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 createAuction 调用失败")
	}

	tx, err := c.sendTransaction(ctx, data)
	if err != nil {
		return ledger.Auction{}, err
	}
	receipt, err := c.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return ledger.Auction{}, err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return ledger.Auction{}, xerrors.New(ledger.CodeLedgerReverted, fmt.Sprintf("createAuction 交易 %s 执行失败", tx.Hash().Hex()))
	}
	return c.auctionFromReceipt(receipt)
}

func (c *Client) sendTransaction(ctx context.Context, data []byte) (*coretypes.Transaction, error) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	from := c.signer.From
	if c.nonce == nil {
		next, err := c.backend.PendingNonceAt(ctx, from)
		if err != nil {
			return nil, classify(err, "查询交易计数失败")
		}
		c.nonce = &next
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify(err, "获取 gas 价格失败")
	}
	gas := c.gasLimit
	if gas == 0 {
		estimated, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{From: from, To: &c.contract, Data: data})
		if err != nil {
			return nil, classify(err, "估算 gas 失败")
		}
		gas = estimated * 12 / 10
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    *c.nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := c.signer.Signer(from, tx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "交易签名失败")
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		// 节点状态未知，下次重新从链上读取 nonce。
		c.nonce = nil
		return nil, classify(err, "发送 createAuction 交易失败")
	}
	*c.nonce = *c.nonce + 1
	return signed, nil
}

// waitReceipt 轮询同一笔交易的回执直到 ctx 结束。交易已经广播，查询失败只
// 继续轮询；截止时返回不可重试的 LEDGER_TX_PENDING，调用方不得重发交易。
func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			cause := ctx.Err()
			if lastErr != nil {
				cause = fmt.Errorf("%w (last receipt error: %v)", cause, lastErr)
			}
			return nil, xerrors.Wrap(ledger.CodeLedgerTxPending, cause, "等待交易回执超时",
				xerrors.WithMetadata("tx_hash", hash.Hex()),
			)
		case <-ticker.C:
		}
	}
}

func (c *Client) auctionFromReceipt(receipt *coretypes.Receipt) (ledger.Auction, error) {
	event := c.abi.Events[eventAuctionCreated]
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != c.contract || len(lg.Topics) < 2 || lg.Topics[0] != event.ID {
			continue
		}
		values, err := c.abi.Unpack(eventAuctionCreated, lg.Data)
		if err != nil || len(values) != 2 {
			return ledger.Auction{}, xerrors.Wrap(ledger.CodeLedgerReverted, err, "解析 AuctionCreated 事件失败")
		}
		deadline, _ := values[1].(*big.Int)
		auction := ledger.Auction{ID: new(big.Int).SetBytes(lg.Topics[1].Bytes()).String()}
		if deadline != nil && deadline.Sign() > 0 {
			auction.Deadline = time.Unix(deadline.Int64(), 0)
		}
		return auction, nil
	}
	return ledger.Auction{}, xerrors.New(ledger.CodeLedgerReverted, "交易回执中没有 AuctionCreated 事件")
}

// ReadAuction calls the auctions(id) view.
func (c *Client) ReadAuction(ctx context.Context, auctionID string) (ledger.AuctionState, error) {
	id, ok := new(big.Int).SetString(strings.TrimSpace(auctionID), 10)
	if !ok {
		return ledger.AuctionState{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("拍卖 ID 无效: %q", auctionID))
	}
	data, err := c.abi.Pack(methodAuctions, id)
	if err != nil {
		return ledger.AuctionState{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 auctions 调用失败")
	}
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return ledger.AuctionState{}, classify(err, "读取拍卖状态失败")
	}
	values, err := c.abi.Unpack(methodAuctions, out)
	if err != nil || len(values) != 4 {
		return ledger.AuctionState{}, xerrors.Wrap(ledger.CodeLedgerUnavailable, err, "解析拍卖状态失败")
	}

	description, _ := values[0].(string)
	winner, _ := values[1].(common.Address)
	deadline, _ := values[2].(*big.Int)
	resolved, _ := values[3].(bool)
	if description == "" && (deadline == nil || deadline.Sign() == 0) {
		return ledger.AuctionState{}, ledger.ErrAuctionNotFound
	}

	state := ledger.AuctionState{AuctionID: id.String(), Resolved: resolved}
	if winner != (common.Address{}) {
		state.Winner = winner.Hex()
	}
	if deadline != nil && deadline.Sign() > 0 {
		state.Deadline = time.Unix(deadline.Int64(), 0)
	}
	return state, nil
}

// SubscribeBids streams BidSubmitted events for one auction.
func (c *Client) SubscribeBids(ctx context.Context, auctionID string) (*ledger.BidSubscription, error) {
	if c.events == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "当前客户端不支持事件订阅")
	}
	id, ok := new(big.Int).SetString(strings.TrimSpace(auctionID), 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("拍卖 ID 无效: %q", auctionID))
	}

	query := gethcore.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{c.abi.Events[eventBidSubmitted].ID}, {common.BigToHash(id)}},
	}
	if c.fromBlock > 0 {
		query.FromBlock = new(big.Int).SetUint64(c.fromBlock)
	}

	subCtx, cancel := context.WithCancel(ctx)
	logs := make(chan coretypes.Log, 64)
	sub, err := c.events.SubscribeFilterLogs(subCtx, query, logs)
	if err != nil {
		cancel()
		return nil, classify(err, "订阅出价事件失败")
	}

	bids := make(chan ledger.Bid, 64)
	errs := make(chan error, 1)
	go func() {
		defer close(bids)
		defer sub.Unsubscribe()
		for {
			select {
			case <-subCtx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					errs <- classify(err, "出价事件订阅中断")
				}
				return
			case lg := <-logs:
				bid, err := c.decodeBid(lg)
				if err != nil {
					continue
				}
				select {
				case bids <- bid:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()
	return ledger.NewBidSubscription(bids, errs, cancel), nil
}

func (c *Client) decodeBid(lg coretypes.Log) (ledger.Bid, error) {
	if len(lg.Topics) < 3 {
		return ledger.Bid{}, errors.New("BidSubmitted 事件缺少 topic")
	}
	values, err := c.abi.Unpack(eventBidSubmitted, lg.Data)
	if err != nil || len(values) != 1 {
		return ledger.Bid{}, fmt.Errorf("解析 BidSubmitted 事件失败: %w", err)
	}
	amount, _ := values[0].(*big.Int)
	return ledger.Bid{
		AuctionID:   new(big.Int).SetBytes(lg.Topics[1].Bytes()).String(),
		Agent:       common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		Amount:      amount,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash.Hex(),
		ObservedAt:  time.Now(),
	}, nil
}

// classify maps RPC failures onto the ledger error codes. Everything that is
// not a context error is treated as a transient node problem.
func classify(err error, message string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return xerrors.FromContext(err, message)
	}
	return xerrors.Wrap(ledger.CodeLedgerUnavailable, err, message)
}

var (
	_ ledger.Ledger    = (*Client)(nil)
	_ ledger.BidSource = (*Client)(nil)
)
