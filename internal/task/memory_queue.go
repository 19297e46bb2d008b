package task

import (
	"context"
	"sync"
	"time"

	xerrors "AuctionMesh/internal/errors"
)

// MemoryQueue 使用 channel 模拟消息队列，用于开发模式与测试。
type MemoryQueue struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once
	redeliver time.Duration
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		ch:        make(chan string, size),
		done:      make(chan struct{}),
		redeliver: 50 * time.Millisecond,
	}
}

// Publish 将任务投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	select {
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	default:
	}
	select {
	case <-ctx.Done():
		return xerrors.FromContext(ctx.Err(), "投递任务被中断")
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	case q.ch <- taskID:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的任务。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case taskID := <-q.ch:
					if err := handler(ctx, taskID); err != nil && ctx.Err() == nil {
						q.scheduleRedelivery(ctx, taskID)
					}
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
	case <-q.done:
	}
	wg.Wait()
	return ctx.Err()
}

// scheduleRedelivery 延迟后重新入队，避免处理失败时空转。
func (q *MemoryQueue) scheduleRedelivery(ctx context.Context, taskID string) {
	time.AfterFunc(q.redeliver, func() {
		_ = q.Publish(context.WithoutCancel(ctx), taskID)
	})
}

// Close 关闭内存队列，Consume 随之返回。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
