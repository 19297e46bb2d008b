package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"AuctionMesh/internal/agent"
	"AuctionMesh/internal/config"
	"AuctionMesh/internal/decompose"
	"AuctionMesh/internal/decompose/openai"
	"AuctionMesh/internal/decompose/scriptbridge"
	"AuctionMesh/internal/ledger"
	"AuctionMesh/internal/ledger/provider"
	"AuctionMesh/internal/observability/tracing"
	"AuctionMesh/internal/operator"
	redisstore "AuctionMesh/internal/storage/redis"
	"AuctionMesh/pkg/logger"
)

// app 汇总一次启动所需的共享组件，close 按创建的逆序释放。
type app struct {
	cfg      *config.Config
	tracing  *tracing.Provider
	ledgers  *provider.Registry
	ledger   ledger.Ledger
	agents   *agent.Registry
	executor agent.Executor
	redis    *goredis.Client
	closers  []func()
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// bootstrap 加载配置并初始化日志、追踪、账本、智能体与 Redis。
func bootstrap(ctx context.Context) (_ *app, err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	rt := &app{cfg: cfg}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()
	rt.onClose(func() { _ = logger.Sync() })

	if dir := cfg.Runtime.DataDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}

	rt.tracing, err = tracing.NewProvider(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, err
	}
	rt.onClose(func() { _ = rt.tracing.Shutdown(context.Background()) })

	rt.ledgers, err = provider.NewRegistry(ctx, cfg.Ledger)
	if err != nil {
		return nil, err
	}
	rt.onClose(rt.ledgers.Close)
	rt.ledger, err = rt.ledgers.Default()
	if err != nil {
		return nil, err
	}

	rt.agents, err = agent.LoadRegistry(cfg.Agents.RegistryFile)
	if err != nil {
		return nil, err
	}
	rt.executor, err = newExecutor(cfg.Agents, rt.agents)
	if err != nil {
		return nil, err
	}
	if closer, ok := rt.executor.(interface{ Close() error }); ok {
		rt.onClose(func() { _ = closer.Close() })
	}

	if cfg.Storage.Redis.Address != "" {
		rt.redis, err = redisstore.NewClient(ctx, redisstore.Config{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		rt.onClose(func() { _ = rt.redis.Close() })
	}

	logger.L().Info("运行时初始化完成",
		slog.String("chain", rt.ledgers.DefaultChain()),
		slog.Any("chains", rt.ledgers.Chains()),
		slog.Int("agents", len(rt.agents.List())),
		slog.String("agent_transport", cfg.Agents.Transport),
	)
	return rt, nil
}

// startArbiter 在默认账本为内存账本且配置了自动结算时启动仲裁协程。
func (a *app) startArbiter(ctx context.Context) {
	mem, ok := a.ledger.(*ledger.MemoryLedger)
	if !ok || a.cfg.Ledger.AutoResolve <= 0 {
		return
	}
	go ledger.NewArbiter(mem, a.agents.BidderIDs(), a.cfg.Ledger.AutoResolve).Run(ctx)
	logger.L().Info("内存账本自动结算已启用", slog.Duration("resolve_after", a.cfg.Ledger.AutoResolve))
}

// newOrchestrator 组装拆解器与编排核心。
func (a *app) newOrchestrator(sink operator.EventSink, metrics *operator.Metrics) (*operator.Orchestrator, error) {
	decomposer, err := newDecomposer(a.cfg.Decomposer)
	if err != nil {
		return nil, err
	}
	oc := a.cfg.Operator
	return operator.NewOrchestrator(decomposer, a.ledger, a.executor, operator.Config{
		CreationWorkers:      oc.CreationWorkers,
		CreationMaxAttempts:  oc.CreationMaxAttempts,
		CreationBackoffBase:  oc.CreationBackoffBase,
		CreationBackoffMax:   oc.CreationBackoffMax,
		CreationTimeout:      oc.CreationTimeout,
		PollInterval:         oc.PollInterval,
		MaxWait:              oc.MaxWait,
		ExecutionTimeout:     oc.ExecutionTimeout,
		ExecutionConcurrency: oc.ExecutionConcurrency,
		ExecutionRetries:     oc.ExecutionRetries,
	},
		operator.WithEventSink(sink),
		operator.WithMetrics(metrics),
		operator.WithTracer(a.tracing.Tracer()),
	), nil
}

func newDecomposer(cfg config.DecomposerConfig) (*decompose.Decomposer, error) {
	var service decompose.Service
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "lines":
		service = decompose.LineSplitter{}
	case "openai":
		client, err := openai.NewClient(openai.Config{
			APIKey:      cfg.OpenAI.APIKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			Temperature: cfg.OpenAI.Temperature,
			Timeout:     cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		service = client
	case "script":
		client, err := scriptbridge.NewClient(cfg.Script.Executable, cfg.Script.ScriptPath, cfg.Script.WorkingDir)
		if err != nil {
			return nil, err
		}
		service = client
	default:
		return nil, fmt.Errorf("不支持的拆解引擎: %s", cfg.Provider)
	}
	if cfg.CacheSize > 0 {
		service = decompose.NewCachedService(service, cfg.CacheSize, cfg.CacheTTL)
	}
	return decompose.New(service, decompose.WithTimeout(cfg.Timeout)), nil
}

func newExecutor(cfg config.AgentsConfig, registry *agent.Registry) (agent.Executor, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case "", "http":
		return agent.NewHTTPExecutor(registry, cfg.Timeout), nil
	case "amqp":
		if cfg.AMQPURL == "" {
			return nil, errors.New("amqp 传输需要配置 agents.amqp_url")
		}
		executor, err := agent.NewAMQPExecutor(cfg.AMQPURL, registry)
		if err != nil {
			return nil, err
		}
		return executor, nil
	default:
		return nil, fmt.Errorf("不支持的智能体传输方式: %s", cfg.Transport)
	}
}
