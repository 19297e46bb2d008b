package task

import (
	"context"

	xerrors "AuctionMesh/internal/errors"
	"AuctionMesh/internal/operator"
)

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 把 pending 任务切换为 running 并增加尝试次数。
	Claim(ctx context.Context, id string) (*Task, error)
	// RecordSubtask 写入（或覆盖）某个子任务的最新进度。
	RecordSubtask(ctx context.Context, taskID string, subtask operator.SubtaskResult) error
	// Finish 把任务置为终态并保存编排结果。
	Finish(ctx context.Context, id string, status Status, result *operator.TaskResult, code xerrors.Code, lastError string) error
	// Requeue 记录一次可重试的失败，并把任务放回 pending。
	Requeue(ctx context.Context, id string, code xerrors.Code, lastError string) error
	// Cancel 取消尚未开始的任务。任务正在运行时返回 ErrTaskConflict，已结束时返回 ErrTaskFinished，
	// 两种情况都会同时返回任务的当前状态。
	Cancel(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
