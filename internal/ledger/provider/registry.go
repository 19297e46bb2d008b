package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"AuctionMesh/internal/config"
	"AuctionMesh/internal/ledger"
	"AuctionMesh/internal/ledger/ethereum"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
)

// Registry manages a set of auction ledgers keyed by human readable names.
type Registry struct {
	defaultChain string
	ledgers      map[string]ledger.Ledger
}

// NewRegistry loads chain definitions and instantiates concrete ledgers. The
// signing key in cfg is shared by every EVM chain; its chain id comes from
// the chain definition when present.
func NewRegistry(ctx context.Context, cfg config.LedgerConfig) (*Registry, error) {
	defs, err := ledger.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	ledgers := make(map[string]ledger.Ledger)
	fail := func(err error) (*Registry, error) {
		for _, l := range ledgers {
			l.Close()
		}
		return nil, err
	}

	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			chainID := chain.ChainID
			if chainID == 0 {
				chainID = cfg.ChainID
			}
			client, err := newEVMLedger(ctx, name, cfg, ethereum.Config{
				Name:            name,
				RPCURL:          chain.RPCURL,
				WSURL:           chain.WSURL,
				ContractAddress: chain.AuctionContract,
				FromBlock:       chain.FromBlock,
			}, chainID)
			if err != nil {
				return fail(fmt.Errorf("初始化链 %s 失败: %w", name, err))
			}
			ledgers[name] = client
		case "memory":
			ledgers[name] = ledger.NewMemoryLedger(ledger.WithBidWindow(cfg.BidWindow))
		default:
			return fail(fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type))
		}
	}

	if len(ledgers) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := newEVMLedger(ctx, "default", cfg, ethereum.Config{
			Name:            "default",
			RPCURL:          cfg.RPCURL,
			WSURL:           cfg.WSURL,
			ContractAddress: cfg.AuctionContract,
		}, cfg.ChainID)
		if err != nil {
			return nil, err
		}
		ledgers["default"] = client
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	if len(ledgers) == 0 {
		ledgers["memory"] = ledger.NewMemoryLedger(ledger.WithBidWindow(cfg.BidWindow))
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(ledgers))
		for name := range ledgers {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := ledgers[defaultChain]; !ok {
		return fail(fmt.Errorf("默认链 %s 未在配置中找到", defaultChain))
	}

	return &Registry{defaultChain: defaultChain, ledgers: ledgers}, nil
}

func newEVMLedger(ctx context.Context, name string, cfg config.LedgerConfig, chainCfg ethereum.Config, chainID int64) (*ethereum.Client, error) {
	chainCfg.GasLimit = cfg.GasLimit
	chainCfg.ReceiptPollInterval = cfg.ReceiptPollInterval
	if key := strings.TrimSpace(cfg.PrivateKey); key != "" {
		signer, err := signer(key, chainID)
		if err != nil {
			return nil, fmt.Errorf("链 %s 的签名器无效: %w", name, err)
		}
		chainCfg.Signer = signer
	}
	return ethereum.NewClient(ctx, chainCfg)
}

func signer(hexKey string, chainID int64) (*bind.TransactOpts, error) {
	if chainID <= 0 {
		return nil, errors.New("配置签名私钥时必须提供 chain_id")
	}
	return ethereum.SignerFromHexKey(hexKey, big.NewInt(chainID))
}

// NewStaticRegistry wraps already constructed ledgers, mainly for tests and
// embedded use.
func NewStaticRegistry(defaultChain string, ledgers map[string]ledger.Ledger) (*Registry, error) {
	if len(ledgers) == 0 {
		return nil, errors.New("至少需要一个账本")
	}
	if _, ok := ledgers[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", defaultChain)
	}
	copied := make(map[string]ledger.Ledger, len(ledgers))
	for name, l := range ledgers {
		copied[name] = l
	}
	return &Registry{defaultChain: defaultChain, ledgers: copied}, nil
}

// Default returns the ledger configured as default chain.
func (r *Registry) Default() (ledger.Ledger, error) {
	if r == nil {
		return nil, errors.New("未初始化的账本注册表")
	}
	l, ok := r.ledgers[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return l, nil
}

// DefaultChain returns the name of the default chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Ledger returns the ledger identified by name.
func (r *Registry) Ledger(name string) (ledger.Ledger, bool) {
	if r == nil {
		return nil, false
	}
	l, ok := r.ledgers[name]
	return l, ok
}

// BidSource returns the bid stream of the named chain, or of the default
// chain when name is empty.
func (r *Registry) BidSource(name string) (ledger.BidSource, bool) {
	if r == nil {
		return nil, false
	}
	if name == "" {
		name = r.defaultChain
	}
	l, ok := r.ledgers[name]
	if !ok {
		return nil, false
	}
	source, ok := l.(ledger.BidSource)
	return source, ok
}

// Close releases all ledgers managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, l := range r.ledgers {
		if l != nil {
			l.Close()
		}
		delete(r.ledgers, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.ledgers))
	for name := range r.ledgers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
