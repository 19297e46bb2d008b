package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AuctionMesh/internal/errors"
	"AuctionMesh/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现可靠队列：消息先移入 processing 列表，处理完成后再删除。
type RedisQueue struct {
	client     redis.UniversalClient
	queue      string
	processing string
	wait       time.Duration
	ownsClient bool
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	q := NewRedisQueueWithClient(client, cfg.Queue, cfg.BlockWait)
	q.ownsClient = true
	return q, nil
}

// NewRedisQueueWithClient 复用已有的 Redis 客户端，Close 不会关闭该客户端。
func NewRedisQueueWithClient(client redis.UniversalClient, queue string, wait time.Duration) *RedisQueue {
	if queue == "" {
		queue = "auctionmesh:tasks"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, processing: queue + ":processing", wait: wait}
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Recover 把上次进程退出时遗留在 processing 列表中的任务放回队列，返回恢复数量。
// 多个实例共享同一队列时只应由一个实例调用。
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	restored := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "RIGHT").Err()
		if err == redis.Nil {
			return restored, nil
		}
		if err != nil {
			return restored, xerrors.Wrap(xerrors.CodeQueueFailure, err, "恢复 Redis 处理中任务失败")
		}
		restored++
	}
}

// Consume 通过 BLMOVE 从 Redis 获取任务。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	log := logger.Named("redis_queue")

	var (
		wg   sync.WaitGroup
		once sync.Once
		fail error
	)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				taskID, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.wait).Result()
				if err != nil {
					if err == redis.Nil {
						continue
					}
					if stdErrors.Is(err, context.Canceled) || ctx.Err() != nil {
						return
					}
					once.Do(func() {
						fail = xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
						cancel()
					})
					return
				}

				handlerErr := handler(ctx, taskID)
				ackCtx := context.WithoutCancel(ctx)
				if handlerErr != nil && ctx.Err() == nil {
					// 处理失败时重新投递任务。
					if err := q.client.RPush(ackCtx, q.queue, taskID).Err(); err != nil {
						log.Error("Redis 重投任务失败", slog.String("task_id", taskID), slog.Any("error", err))
						continue
					}
				} else if handlerErr != nil {
					// 进程退出中，任务留在 processing 列表等待 Recover。
					continue
				}
				if err := q.client.LRem(ackCtx, q.processing, 1, taskID).Err(); err != nil {
					log.Warn("Redis 确认任务失败", slog.String("task_id", taskID), slog.Any("error", err))
				}
			}
		}()
	}

	wg.Wait()
	if fail != nil {
		return fail
	}
	return ctx.Err()
}

// Depth 返回排队中与处理中的任务数量。
func (q *RedisQueue) Depth(ctx context.Context) (queued, inflight int64, err error) {
	pipe := q.client.Pipeline()
	queuedCmd := pipe.LLen(ctx, q.queue)
	inflightCmd := pipe.LLen(ctx, q.processing)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("查询 Redis 队列长度失败: %w", err)
	}
	return queuedCmd.Val(), inflightCmd.Val(), nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil || !q.ownsClient {
		return nil
	}
	return q.client.Close()
}
