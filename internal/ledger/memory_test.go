package ledger

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	xerrors "AuctionMesh/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(WithBidWindow(time.Minute))

	first, err := l.CreateAuction(ctx, "summarise the report")
	require.NoError(t, err)
	second, err := l.CreateAuction(ctx, "translate the summary")
	require.NoError(t, err)
	assert.Equal(t, "1", first.ID)
	assert.Equal(t, "2", second.ID)
	assert.WithinDuration(t, time.Now().Add(time.Minute), first.Deadline, 5*time.Second)
	assert.Equal(t, []string{"1", "2"}, l.Auctions())

	state, err := l.ReadAuction(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, state.Resolved)
	assert.Empty(t, state.Winner)

	require.NoError(t, l.Resolve(first.ID, "agent-a"))
	state, err = l.ReadAuction(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, state.Resolved)
	assert.Equal(t, "agent-a", state.Winner)

	err = l.Resolve(first.ID, "agent-b")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeConflict))
}

func TestMemoryLedgerRejectsBlankDescription(t *testing.T) {
	_, err := NewMemoryLedger().CreateAuction(context.Background(), "   ")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestMemoryLedgerUnknownAuction(t *testing.T) {
	_, err := NewMemoryLedger().ReadAuction(context.Background(), "404")
	require.Error(t, err)
	assert.True(t, xerrors.IsCode(err, CodeAuctionNotFound))
}

func TestMemoryLedgerCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryLedger().CreateAuction(ctx, "anything")
	assert.Equal(t, xerrors.CodeCancelled, xerrors.CodeOf(err))
}

func TestMemoryLedgerResolveLowestBid(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	auction, err := l.CreateAuction(ctx, "index the corpus")
	require.NoError(t, err)

	_, err = l.ResolveLowestBid(auction.ID)
	require.Error(t, err, "no bids yet")

	require.NoError(t, l.SubmitBid(auction.ID, "agent-a", big.NewInt(30)))
	require.NoError(t, l.SubmitBid(auction.ID, "agent-b", big.NewInt(10)))
	require.NoError(t, l.SubmitBid(auction.ID, "agent-c", big.NewInt(20)))

	winner, err := l.ResolveLowestBid(auction.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-b", winner)

	err = l.SubmitBid(auction.ID, "agent-d", big.NewInt(1))
	assert.True(t, xerrors.IsCode(err, xerrors.CodeConflict))
}

func TestMemoryLedgerSubscribeBids(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewMemoryLedger()
	auction, err := l.CreateAuction(ctx, "label images")
	require.NoError(t, err)

	sub, err := l.SubscribeBids(ctx, auction.ID)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, l.SubmitBid(auction.ID, "agent-a", big.NewInt(7)))

	select {
	case bid := <-sub.Bids():
		assert.Equal(t, auction.ID, bid.AuctionID)
		assert.Equal(t, "agent-a", bid.Agent)
		assert.Equal(t, int64(7), bid.Amount.Int64())
	case <-time.After(time.Second):
		t.Fatal("bid not delivered")
	}

	sub.Close()
	require.NoError(t, l.SubmitBid(auction.ID, "agent-b", big.NewInt(8)))
	select {
	case bid := <-sub.Bids():
		t.Fatalf("unexpected bid after close: %+v", bid)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = l.SubscribeBids(ctx, "missing")
	assert.True(t, xerrors.IsCode(err, CodeAuctionNotFound))
}

func TestMemoryLedgerSubscriptionCloseReleasesWatcher(t *testing.T) {
	l := NewMemoryLedger()
	auction, err := l.CreateAuction(context.Background(), "index docs")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		sub, err := l.SubscribeBids(context.Background(), auction.ID)
		require.NoError(t, err)
		sub.Close()
		sub.Close()
	}

	exited := make(chan struct{})
	go func() {
		l.watchers.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("subscription watcher still running after Close")
	}
	l.mu.RLock()
	assert.Empty(t, l.subscribers[auction.ID])
	l.mu.RUnlock()
}

func TestMemoryLedgerConcurrentUse(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			auction, err := l.CreateAuction(ctx, "work")
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			if _, err := l.ReadAuction(ctx, auction.ID); err != nil {
				t.Errorf("read: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, l.Auctions(), 20)
}

func TestParseChainDefinitions(t *testing.T) {
	defs, err := ParseChainDefinitions([]byte(`
chains:
  sepolia:
    type: evm
    rpc_url: https://rpc.example.org
    chain_id: 11155111
    auction_contract: "0x00000000000000000000000000000000000000aa"
  local:
    type: memory
`))
	require.NoError(t, err)
	require.Len(t, defs.Chains, 2)
	assert.Equal(t, int64(11155111), defs.Chains["sepolia"].ChainID)
	assert.Equal(t, "memory", defs.Chains["local"].Type)

	_, err = ParseChainDefinitions([]byte("chains:\n  broken:\n    type: evm\n    rpc_url: http://x\n"))
	assert.Error(t, err, "evm chain without contract")
}

func TestLoadChainDefinitions(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	require.NoError(t, err)
	assert.Empty(t, defs.Chains)

	path := filepath.Join(t.TempDir(), "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chains:\n  dev:\n    type: memory\n"), 0o600))
	defs, err = LoadChainDefinitions(path)
	require.NoError(t, err)
	assert.Contains(t, defs.Chains, "dev")

	_, err = LoadChainDefinitions(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestArbiterBidsAndResolves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewMemoryLedger()
	auction, err := l.CreateAuction(ctx, "crawl the site")
	require.NoError(t, err)

	arbiter := NewArbiter(l, []string{"agent-a", "agent-b"}, 40*time.Millisecond)
	go arbiter.Run(ctx)

	require.Eventually(t, func() bool {
		state, err := l.ReadAuction(ctx, auction.ID)
		return err == nil && state.Resolved
	}, 2*time.Second, 10*time.Millisecond)

	state, err := l.ReadAuction(ctx, auction.ID)
	require.NoError(t, err)
	assert.Contains(t, []string{"agent-a", "agent-b"}, state.Winner)
}
