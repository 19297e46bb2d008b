package operator

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	xerrors "AuctionMesh/internal/errors"
	"AuctionMesh/internal/ledger"
	"AuctionMesh/pkg/logger"
)

// AuctionCreation 是单个子任务的拍卖创建结果，Handle 与 Err 恰有一个非空。
type AuctionCreation struct {
	Handle   *AuctionHandle
	Err      error
	Attempts int
}

// AuctionCoordinator 为每个子任务在账本上开启一个拍卖。
type AuctionCoordinator struct {
	ledger  ledger.Ledger
	workers int
	timeout time.Duration
	retry   retryPolicy
	metrics *Metrics
	now     func() time.Time
}

// NewAuctionCoordinator 创建拍卖协调器。
func NewAuctionCoordinator(l ledger.Ledger, cfg Config, metrics *Metrics) *AuctionCoordinator {
	cfg = cfg.withDefaults()
	return &AuctionCoordinator{
		ledger:  l,
		workers: cfg.CreationWorkers,
		timeout: cfg.CreationTimeout,
		retry: retryPolicy{
			base:    cfg.CreationBackoffBase,
			max:     cfg.CreationBackoffMax,
			retries: cfg.CreationMaxAttempts - 1,
		},
		metrics: metrics,
		now:     time.Now,
	}
}

// CreateAuctions 并发创建拍卖，并发度受 workers 限制。
// 某个子任务失败不会中断其他子任务，返回结果以子任务 ID 为键。
func (c *AuctionCoordinator) CreateAuctions(ctx context.Context, subtasks []Subtask) map[string]AuctionCreation {
	results := make(map[string]AuctionCreation, len(subtasks))
	var mu sync.Mutex

	var group errgroup.Group
	group.SetLimit(c.workers)
	for _, st := range subtasks {
		group.Go(func() error {
			creation := c.create(ctx, st)
			mu.Lock()
			results[st.ID] = creation
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return results
}

func (c *AuctionCoordinator) create(ctx context.Context, st Subtask) AuctionCreation {
	log := logger.FromContext(ctx).With("subtask_id", st.ID)
	if err := ctx.Err(); err != nil {
		return AuctionCreation{Err: xerrors.Wrap(xerrors.CodeCancelled, err, "auction creation cancelled")}
	}

	var (
		handle   *AuctionHandle
		lastErr  error
		attempts int
	)
	operation := func() error {
		attempts++
		auction, err := c.attempt(ctx, st.Description)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil || !isTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		c.metrics.creationAttempt("success")
		log.Info("拍卖已创建", "auction_id", auction.ID, "attempt", attempts)
		handle = &AuctionHandle{
			AuctionID: auction.ID,
			SubtaskID: st.ID,
			CreatedAt: c.now(),
			Deadline:  auction.Deadline,
		}
		return nil
	}
	notify := func(err error, delay time.Duration) {
		c.metrics.creationAttempt("retry")
		log.Warn("拍卖创建失败，准备重试", "attempt", attempts, "delay", delay, "error", err)
	}

	_ = backoff.RetryNotify(operation, c.retry.backOff(ctx), notify)
	if handle != nil {
		return AuctionCreation{Handle: handle, Attempts: attempts}
	}

	c.metrics.creationAttempt("failed")
	if ctx.Err() != nil {
		cause := lastErr
		if cause == nil {
			cause = ctx.Err()
		}
		return AuctionCreation{Err: xerrors.Wrap(xerrors.CodeCancelled, cause, "auction creation cancelled"), Attempts: attempts}
	}
	log.Error("拍卖创建失败", "attempts", attempts, "error", lastErr)
	return AuctionCreation{
		Err: xerrors.Wrap(CodeAuctionCreationFailed, lastErr, "auction creation failed",
			xerrors.WithMetadata("subtask_id", st.ID),
			xerrors.WithMetadata("attempts", strconv.Itoa(attempts)),
		),
		Attempts: attempts,
	}
}

// attempt 执行一次创建调用，超过 timeout 的可重试失败记为 TIMEOUT。
func (c *AuctionCoordinator) attempt(ctx context.Context, description string) (ledger.Auction, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	auction, err := c.ledger.CreateAuction(attemptCtx, description)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && isTransient(err) {
		err = xerrors.Wrap(xerrors.CodeTimeout, err, "auction creation attempt timed out")
	}
	return auction, err
}
