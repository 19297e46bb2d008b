package operator

import (
	"context"
	"time"

	"AuctionMesh/internal/ledger"
	"AuctionMesh/pkg/logger"
)

// AuctionMonitor 轮询单个拍卖直到出现结论。
type AuctionMonitor struct {
	ledger       ledger.Ledger
	pollInterval time.Duration
	maxWait      time.Duration
	metrics      *Metrics
	now          func() time.Time
}

// NewAuctionMonitor 创建监控器，cfg 中的 PollInterval 与 MaxWait 作为默认值。
func NewAuctionMonitor(l ledger.Ledger, cfg Config, metrics *Metrics) *AuctionMonitor {
	cfg = cfg.withDefaults()
	return &AuctionMonitor{
		ledger:       l,
		pollInterval: cfg.PollInterval,
		maxWait:      cfg.MaxWait,
		metrics:      metrics,
		now:          time.Now,
	}
}

// Watch 立即读取一次拍卖状态，之后每隔 pollInterval 读取一次，直到：
// 拍卖已决出中标者（Resolved）、超过 maxWait（Expired）或 ctx 结束（Cancelled）。
// 过期判定以本地截止时间为准，截止后才观察到的结算仍视为 Expired。
// 读取失败只记录日志，继续轮询。每次调用恰好返回一个结论。
func (m *AuctionMonitor) Watch(ctx context.Context, handle AuctionHandle, pollInterval, maxWait time.Duration) AuctionOutcome {
	if pollInterval <= 0 {
		pollInterval = m.pollInterval
	}
	if maxWait <= 0 {
		maxWait = m.maxWait
	}
	log := logger.FromContext(ctx).With("auction_id", handle.AuctionID, "subtask_id", handle.SubtaskID)

	start := m.now()
	expiry := start.Add(maxWait)
	readCtx, cancel := context.WithDeadline(ctx, expiry)
	defer cancel()

	outcome := AuctionOutcome{AuctionID: handle.AuctionID}
	finish := func(kind OutcomeKind) AuctionOutcome {
		outcome.Kind = kind
		m.metrics.auctionFinished(kind, m.now().Sub(start))
		log.Info("拍卖监控结束", "outcome", kind, "winner", outcome.WinnerAgentID, "polls", outcome.Polls)
		return outcome
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return finish(OutcomeCancelled)
		case <-readCtx.Done():
			if ctx.Err() != nil {
				return finish(OutcomeCancelled)
			}
			return finish(OutcomeExpired)
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return finish(OutcomeCancelled)
		}

		outcome.Polls++
		m.metrics.auctionPolled()
		state, err := m.ledger.ReadAuction(readCtx, handle.AuctionID)
		observed := m.now()

		switch {
		case ctx.Err() != nil:
			return finish(OutcomeCancelled)
		case !observed.Before(expiry):
			if err == nil && state.Resolved {
				log.Warn("拍卖在截止时间之后才结算，按过期处理")
			}
			return finish(OutcomeExpired)
		case err != nil:
			outcome.LastError = err
			log.Warn("读取拍卖状态失败", "poll", outcome.Polls, "error", err)
		case state.Resolved && state.Winner == "":
			log.Warn("拍卖已结算但没有中标者")
			return finish(OutcomeExpired)
		case state.Resolved:
			outcome.WinnerAgentID = state.Winner
			outcome.ResolvedAt = observed
			return finish(OutcomeResolved)
		}

		wait := pollInterval
		if remaining := expiry.Sub(observed); remaining < wait {
			wait = remaining
		}
		timer.Reset(wait)
	}
}
