package operator

import (
	"context"
	"errors"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"AuctionMesh/internal/agent"
	xerrors "AuctionMesh/internal/errors"
	"AuctionMesh/pkg/logger"
)

// ExecutionCoordinator 把子任务派发给中标智能体，受超时与并发上限约束。
type ExecutionCoordinator struct {
	executor agent.Executor
	timeout  time.Duration
	retry    retryPolicy
	sem      *semaphore.Weighted
	metrics  *Metrics
}

// NewExecutionCoordinator 创建执行协调器。
func NewExecutionCoordinator(executor agent.Executor, cfg Config, metrics *Metrics) *ExecutionCoordinator {
	cfg = cfg.withDefaults()
	return &ExecutionCoordinator{
		executor: executor,
		timeout:  cfg.ExecutionTimeout,
		retry:    retryPolicy{retries: cfg.ExecutionRetries},
		sem:      semaphore.NewWeighted(int64(cfg.ExecutionConcurrency)),
		metrics:  metrics,
	}
}

// Execute 在 winner 上执行子任务并返回输出。
// 超时与不可达立即重试，最多 ExecutionRetries 次，明确拒绝不重试。失败只影响该子任务。
func (e *ExecutionCoordinator) Execute(ctx context.Context, st Subtask, winner string) (string, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return "", xerrors.Wrap(xerrors.CodeCancelled, err, "execution cancelled")
	}
	defer e.sem.Release(1)

	log := logger.FromContext(ctx).With("subtask_id", st.ID, "agent_id", winner)
	req := agent.Request{
		AgentID:     winner,
		TaskID:      st.ParentTaskID,
		SubtaskID:   st.ID,
		Description: st.Description,
	}
	if st.Auction != nil {
		req.AuctionID = st.Auction.AuctionID
	}

	var (
		output   string
		lastErr  error
		attempts int
	)
	operation := func() error {
		attempts++
		out, err := e.attempt(ctx, req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil || !isTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		output = out
		return nil
	}
	notify := func(err error, _ time.Duration) {
		log.Warn("执行失败，准备重试", "attempt", attempts, "error", err)
	}
	if err := backoff.RetryNotify(operation, e.retry.backOff(ctx), notify); err == nil {
		return output, nil
	}
	if ctx.Err() != nil {
		cause := lastErr
		if cause == nil {
			cause = ctx.Err()
		}
		return "", xerrors.Wrap(xerrors.CodeCancelled, cause, "execution cancelled")
	}

	log.Error("子任务执行失败", "attempts", attempts, "error", lastErr)
	return "", xerrors.Wrap(CodeExecutionFailed, lastErr, "execution failed",
		xerrors.WithMetadata("agent_id", winner),
		xerrors.WithMetadata("attempts", strconv.Itoa(attempts)),
	)
}

func (e *ExecutionCoordinator) attempt(ctx context.Context, req agent.Request) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if deadline, ok := attemptCtx.Deadline(); ok {
		req.Deadline = deadline
	}

	started := time.Now()
	resp, err := e.executor.Execute(attemptCtx, req)
	elapsed := time.Since(started)

	switch {
	case err == nil && resp == nil:
		err = xerrors.New(xerrors.CodeRejected, "agent returned an empty response")
	case err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		err = xerrors.Wrap(xerrors.CodeTimeout, err, "execution attempt timed out")
	}
	if err != nil {
		e.metrics.executionAttempt(string(xerrors.CodeOf(err)), elapsed)
		return "", err
	}
	e.metrics.executionAttempt("success", elapsed)
	return resp.Output, nil
}
