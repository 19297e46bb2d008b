package task

import (
	"context"
	"sync"

	xerrors "AuctionMesh/internal/errors"
)

// ErrCancelRequested 作为取消原因写入运行中任务的 context。
var ErrCancelRequested = xerrors.New(xerrors.CodeCancelled, "task cancellation requested")

// CancelBus 在多个进程之间广播取消请求。
type CancelBus interface {
	Broadcast(ctx context.Context, taskID string) error
	Listen(ctx context.Context, fn func(taskID string)) error
}

// CancelRegistry 记录本进程内正在运行的任务，以便按 ID 取消。
type CancelRegistry struct {
	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
}

// NewCancelRegistry 创建 CancelRegistry。
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{active: make(map[string]context.CancelCauseFunc)}
}

// Track 派生一个可按任务 ID 取消的 context。release 必须在任务结束后调用。
func (r *CancelRegistry) Track(ctx context.Context, taskID string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	r.mu.Lock()
	r.active[taskID] = cancel
	r.mu.Unlock()
	return ctx, func() {
		r.mu.Lock()
		delete(r.active, taskID)
		r.mu.Unlock()
		cancel(nil)
	}
}

// Cancel 取消本进程内运行中的任务，任务不在本进程时返回 false。
func (r *CancelRegistry) Cancel(taskID string) bool {
	r.mu.Lock()
	cancel, ok := r.active[taskID]
	r.mu.Unlock()
	if ok {
		cancel(ErrCancelRequested)
	}
	return ok
}

// Running 返回本进程内正在运行的任务数量。
func (r *CancelRegistry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// cancelRequested 判断 ctx 是否因用户取消而结束。
func cancelRequested(ctx context.Context) bool {
	return ctx.Err() != nil && context.Cause(ctx) == ErrCancelRequested
}
