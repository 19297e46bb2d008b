package operator

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	xerrors "AuctionMesh/internal/errors"
	"AuctionMesh/internal/ledger"
)

// scriptedLedger 按子任务描述决定每次创建与读取的结果。
type scriptedLedger struct {
	mu        sync.Mutex
	next      int
	creates   map[string]int
	reads     map[string]int
	byAuction map[string]string

	createErr func(description string, call int) error
	// hang 为 true 的描述在创建时一直阻塞到 ctx 结束，模拟未被打包的交易。
	hang func(description string) bool
	read      func(ctx context.Context, description string, call int) (ledger.AuctionState, error)

	inflight    atomic.Int32
	maxInflight atomic.Int32
	createDelay time.Duration
}

func newScriptedLedger() *scriptedLedger {
	return &scriptedLedger{
		creates:   make(map[string]int),
		reads:     make(map[string]int),
		byAuction: make(map[string]string),
	}
}

func (l *scriptedLedger) CreateAuction(ctx context.Context, description string) (ledger.Auction, error) {
	defer trackMax(&l.inflight, &l.maxInflight)()
	if l.createDelay > 0 {
		time.Sleep(l.createDelay)
	}

	l.mu.Lock()
	l.creates[description]++
	call := l.creates[description]
	l.mu.Unlock()

	if l.hang != nil && l.hang(description) {
		<-ctx.Done()
		return ledger.Auction{}, ctx.Err()
	}
	if l.createErr != nil {
		if err := l.createErr(description, call); err != nil {
			return ledger.Auction{}, err
		}
	}

	l.mu.Lock()
	l.next++
	id := strconv.Itoa(l.next)
	l.byAuction[id] = description
	l.mu.Unlock()
	return ledger.Auction{ID: id}, nil
}

func (l *scriptedLedger) ReadAuction(ctx context.Context, auctionID string) (ledger.AuctionState, error) {
	l.mu.Lock()
	description, ok := l.byAuction[auctionID]
	l.reads[description]++
	call := l.reads[description]
	l.mu.Unlock()
	if !ok {
		return ledger.AuctionState{}, ledger.ErrAuctionNotFound
	}
	if l.read != nil {
		return l.read(ctx, description, call)
	}
	return ledger.AuctionState{AuctionID: auctionID, Resolved: true, Winner: "agent-" + description}, nil
}

func (l *scriptedLedger) Close() {}

func (l *scriptedLedger) createCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, n := range l.creates {
		total += n
	}
	return total
}

func (l *scriptedLedger) registerAuction(id, description string) {
	l.mu.Lock()
	l.byAuction[id] = description
	l.mu.Unlock()
}

func unavailable() error {
	return xerrors.New(xerrors.CodeUnavailable, "rpc down")
}

// recordingSink 记录事件，onEvent 在汇总协程中同步调用。
type recordingSink struct {
	mu      sync.Mutex
	events  []Event
	onEvent func(Event)
}

func (s *recordingSink) Publish(_ context.Context, event Event) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	if s.onEvent != nil {
		s.onEvent(event)
	}
	return nil
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *recordingSink) stages() []Stage {
	var out []Stage
	for _, e := range s.snapshot() {
		if e.Type == EventTaskStage {
			out = append(out, e.Stage)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		CreationWorkers:      4,
		CreationMaxAttempts:  3,
		CreationBackoffBase:  time.Millisecond,
		CreationBackoffMax:   2 * time.Millisecond,
		CreationTimeout:      500 * time.Millisecond,
		PollInterval:         5 * time.Millisecond,
		MaxWait:              2 * time.Second,
		ExecutionTimeout:     time.Second,
		ExecutionConcurrency: 4,
		ExecutionRetries:     1,
	}
}

func trackMax(inflight, max *atomic.Int32) func() {
	cur := inflight.Add(1)
	for {
		prev := max.Load()
		if cur <= prev || max.CompareAndSwap(prev, cur) {
			break
		}
	}
	return func() { inflight.Add(-1) }
}
