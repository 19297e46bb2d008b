package ledger

import (
	"context"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	xerrors "AuctionMesh/internal/errors"
)

type memoryAuction struct {
	description string
	created     time.Time
	deadline    time.Time
	resolved    bool
	winner      string
	bids        []Bid
}

// MemoryLedger 是进程内的拍卖账本，用于本地开发与测试。
type MemoryLedger struct {
	mu          sync.RWMutex
	seq         uint64
	auctions    map[string]*memoryAuction
	subscribers map[string]map[chan Bid]struct{}
	watchers    sync.WaitGroup // 订阅清理协程
	window      time.Duration
	now         func() time.Time
}

// MemoryOption 定义 MemoryLedger 的可选配置。
type MemoryOption func(*MemoryLedger)

// WithBidWindow 设置新拍卖的竞价窗口。
func WithBidWindow(window time.Duration) MemoryOption {
	return func(m *MemoryLedger) {
		if window > 0 {
			m.window = window
		}
	}
}

// NewMemoryLedger 创建内存账本。
func NewMemoryLedger(opts ...MemoryOption) *MemoryLedger {
	m := &MemoryLedger{
		auctions:    make(map[string]*memoryAuction),
		subscribers: make(map[string]map[chan Bid]struct{}),
		window:      10 * time.Minute,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// CreateAuction 实现 Ledger 接口。
func (m *MemoryLedger) CreateAuction(ctx context.Context, description string) (Auction, error) {
	if err := ctx.Err(); err != nil {
		return Auction{}, xerrors.FromContext(err, "创建拍卖被中断")
	}
	if strings.TrimSpace(description) == "" {
		return Auction{}, xerrors.New(xerrors.CodeInvalidArgument, "拍卖描述不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := strconv.FormatUint(m.seq, 10)
	now := m.now()
	deadline := now.Add(m.window)
	m.auctions[id] = &memoryAuction{description: description, created: now, deadline: deadline}
	return Auction{ID: id, Deadline: deadline}, nil
}

// ReadAuction 实现 Ledger 接口。
func (m *MemoryLedger) ReadAuction(ctx context.Context, auctionID string) (AuctionState, error) {
	if err := ctx.Err(); err != nil {
		return AuctionState{}, xerrors.FromContext(err, "读取拍卖被中断")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	auction, ok := m.auctions[auctionID]
	if !ok {
		return AuctionState{}, ErrAuctionNotFound
	}
	return AuctionState{
		AuctionID: auctionID,
		Resolved:  auction.resolved,
		Winner:    auction.winner,
		Deadline:  auction.deadline,
	}, nil
}

// SubmitBid 记录一次出价并推送给订阅者。
func (m *MemoryLedger) SubmitBid(auctionID, agentID string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	auction, ok := m.auctions[auctionID]
	if !ok {
		return ErrAuctionNotFound
	}
	if auction.resolved {
		return xerrors.New(xerrors.CodeConflict, "拍卖已结束")
	}
	bid := Bid{
		AuctionID:  auctionID,
		Agent:      agentID,
		Amount:     new(big.Int).Set(amount),
		ObservedAt: m.now(),
	}
	auction.bids = append(auction.bids, bid)
	for ch := range m.subscribers[auctionID] {
		select {
		case ch <- bid:
		default:
		}
	}
	return nil
}

// Resolve 以指定智能体作为赢家结束拍卖。
func (m *MemoryLedger) Resolve(auctionID, winner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	auction, ok := m.auctions[auctionID]
	if !ok {
		return ErrAuctionNotFound
	}
	if auction.resolved {
		return xerrors.New(xerrors.CodeConflict, "拍卖已结束")
	}
	auction.resolved = true
	auction.winner = winner
	return nil
}

// ResolveLowestBid 以最低出价者结束拍卖，没有出价时返回错误。
func (m *MemoryLedger) ResolveLowestBid(auctionID string) (string, error) {
	m.mu.RLock()
	auction, ok := m.auctions[auctionID]
	var winner string
	var best *big.Int
	if ok {
		for _, bid := range auction.bids {
			if best == nil || bid.Amount.Cmp(best) < 0 {
				best = bid.Amount
				winner = bid.Agent
			}
		}
	}
	m.mu.RUnlock()
	if !ok {
		return "", ErrAuctionNotFound
	}
	if winner == "" {
		return "", xerrors.New(xerrors.CodeConflict, "拍卖没有任何出价")
	}
	return winner, m.Resolve(auctionID, winner)
}

// Auctions 返回当前所有拍卖 ID，按创建顺序排列。
func (m *MemoryLedger) Auctions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.auctions))
	for i := uint64(1); i <= m.seq; i++ {
		id := strconv.FormatUint(i, 10)
		if _, ok := m.auctions[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

type openAuction struct {
	id      string
	created time.Time
	bids    int
}

func (m *MemoryLedger) openAuctions() []openAuction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	open := make([]openAuction, 0, len(m.auctions))
	for id, auction := range m.auctions {
		if !auction.resolved {
			open = append(open, openAuction{id: id, created: auction.created, bids: len(auction.bids)})
		}
	}
	return open
}

// SubscribeBids 实现 BidSource 接口。
func (m *MemoryLedger) SubscribeBids(ctx context.Context, auctionID string) (*BidSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.auctions[auctionID]; !ok {
		return nil, ErrAuctionNotFound
	}
	ch := make(chan Bid, 16)
	if m.subscribers[auctionID] == nil {
		m.subscribers[auctionID] = make(map[chan Bid]struct{})
	}
	m.subscribers[auctionID][ch] = struct{}{}

	done := make(chan struct{})
	var once sync.Once
	closeFn := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers[auctionID], ch)
			m.mu.Unlock()
			close(done)
		})
	}
	m.watchers.Add(1)
	go func() {
		defer m.watchers.Done()
		select {
		case <-ctx.Done():
			closeFn()
		case <-done:
		}
	}()
	return NewBidSubscription(ch, nil, closeFn), nil
}

// Close 实现 Ledger 接口。
func (m *MemoryLedger) Close() {}

var (
	_ Ledger    = (*MemoryLedger)(nil)
	_ BidSource = (*MemoryLedger)(nil)
)
