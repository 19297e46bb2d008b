package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"AuctionMesh/internal/api"
	"AuctionMesh/internal/config"
	"AuctionMesh/internal/observability/alerting"
	"AuctionMesh/internal/observability/metrics"
	"AuctionMesh/internal/operator"
	redisstore "AuctionMesh/internal/storage/redis"
	"AuctionMesh/internal/storage/sqldb"
	"AuctionMesh/internal/task"
	"AuctionMesh/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP 接口与任务处理器",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	store, err := newTaskStore(ctx, cfg.Storage.TaskStore)
	if err != nil {
		return err
	}
	queue, recoverable, err := newTaskQueue(cfg, a)
	if err != nil {
		_ = store.Close()
		return err
	}
	cancels := task.NewCancelRegistry()
	serviceOpts := []task.ServiceOption{task.WithServiceCancelRegistry(cancels)}
	if a.redis != nil && cfg.Events.CancelChannel != "" {
		serviceOpts = append(serviceOpts, task.WithCancelBus(redisstore.NewCancelBus(a.redis, cfg.Events.CancelChannel)))
	}
	service := task.NewService(store, queue, cfg.Queue.MaxAttempts, serviceOpts...)
	defer service.Close()

	if recoverable != nil {
		if n, err := recoverable.Recover(ctx); err != nil {
			logger.L().Warn("恢复遗留任务失败", slog.Any("error", err))
		} else if n > 0 {
			logger.L().Info("已恢复遗留任务", slog.Int("count", n))
		}
	}

	// 状态事件：日志、任务存储，以及可选的 Redis 广播。
	sinks := operator.FanoutSink{operator.LogSink{}, task.NewRecorder(store)}
	if a.redis != nil && cfg.Events.RedisChannel != "" {
		sinks = append(sinks, redisstore.NewEventPublisher(a.redis, cfg.Events.RedisChannel))
	}
	orchestrator, err := a.newOrchestrator(sinks, operator.MustNewMetrics(prometheus.DefaultRegisterer))
	if err != nil {
		return err
	}

	processor := task.NewProcessor(orchestrator, store, queue, queue,
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithCancelRegistry(cancels),
		task.WithAlertDispatcher(newAlerter(cfg.Alerting)),
	)

	serverOpts := []api.Option{
		api.WithAgents(a.agents),
		api.WithHTTPMetrics(metrics.DefaultHTTPMetrics()),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.ShutdownTimeout),
	}
	if source, ok := a.ledgers.BidSource(""); ok {
		serverOpts = append(serverOpts, api.WithBidSource(source))
	}
	server := api.NewServer(cfg.Server.Address, service, serverOpts...)

	a.startArbiter(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Start(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return service.ListenCancellations(gctx) })

	logger.L().Info("auctionmeshd 已启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("store", cfg.Storage.TaskStore.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.Int("workers", cfg.Queue.Workers),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.L().Info("auctionmeshd 已退出")
	return nil
}

func newTaskStore(ctx context.Context, cfg config.TaskStoreConfig) (task.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql", "sqlite":
		return task.NewSQLStore(ctx, sqldb.Config{
			Driver:          cfg.Driver,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		}, cfg.AutoMigrate)
	default:
		return nil, fmt.Errorf("不支持的任务存储驱动: %s", cfg.Driver)
	}
}

type recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// newTaskQueue 返回任务队列；Redis 队列额外返回可恢复遗留消息的实现。
func newTaskQueue(cfg *config.Config, a *app) (task.Queue, recoverer, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return task.NewMemoryQueue(cfg.Queue.Buffer), nil, nil
	case "redis":
		if a.redis == nil {
			return nil, nil, errors.New("redis 队列需要配置 storage.redis.address")
		}
		q := task.NewRedisQueueWithClient(a.redis, cfg.Queue.RedisKey, 0)
		return q, q, nil
	case "rabbitmq":
		q, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:   cfg.Queue.RabbitMQ.URL,
			Queue: cfg.Queue.RabbitMQ.Queue,
		})
		if err != nil {
			return nil, nil, err
		}
		return q, nil, nil
	default:
		return nil, nil, fmt.Errorf("不支持的队列驱动: %s", cfg.Queue.Driver)
	}
}

func newAlerter(cfg config.AlertingConfig) alerting.Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout))
	}
	return alerting.NewFanout(notifiers...)
}
