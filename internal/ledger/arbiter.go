package ledger

import (
	"context"
	"log/slog"
	"math/big"
	"math/rand/v2"
	"time"

	"AuctionMesh/pkg/logger"
)

// Arbiter 在本地开发时扮演链上仲裁者：为内存账本中的开放拍卖代替已注册的
// 智能体出价，并在 resolveAfter 之后以最低出价结束拍卖。
type Arbiter struct {
	ledger       *MemoryLedger
	bidders      []string
	resolveAfter time.Duration
	interval     time.Duration
}

// NewArbiter 创建仲裁者。bidders 为空时拍卖不会收到出价，最终由监控超时。
func NewArbiter(l *MemoryLedger, bidders []string, resolveAfter time.Duration) *Arbiter {
	interval := resolveAfter / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return &Arbiter{
		ledger:       l,
		bidders:      append([]string(nil), bidders...),
		resolveAfter: resolveAfter,
		interval:     interval,
	}
}

// Run 周期性处理开放拍卖，直到 ctx 结束。
func (a *Arbiter) Run(ctx context.Context) {
	log := logger.Named("arbiter")
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(log)
		}
	}
}

func (a *Arbiter) tick(log *slog.Logger) {
	now := a.ledger.now()
	for _, auction := range a.ledger.openAuctions() {
		if auction.bids == 0 {
			for _, bidder := range a.bidders {
				amount := big.NewInt(rand.Int64N(1000) + 1)
				if err := a.ledger.SubmitBid(auction.id, bidder, amount); err != nil {
					log.Warn("模拟出价失败", "auction_id", auction.id, "agent", bidder, "error", err)
				}
			}
			continue
		}
		if now.Sub(auction.created) < a.resolveAfter {
			continue
		}
		winner, err := a.ledger.ResolveLowestBid(auction.id)
		if err != nil {
			log.Warn("结束拍卖失败", "auction_id", auction.id, "error", err)
			continue
		}
		log.Info("拍卖已结束", "auction_id", auction.id, "winner", winner)
	}
}
