package book

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/triarb/internal/domain"
)

type countingSubscriber struct {
	mu     sync.Mutex
	subs   map[string]int
	unsubs map[string]int
	gate   chan struct{}
	fail   error
}

func newCountingSubscriber() *countingSubscriber {
	return &countingSubscriber{subs: map[string]int{}, unsubs: map[string]int{}}
}

func (s *countingSubscriber) SubscribeDepth(_ context.Context, symbol string) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[symbol]++
	return s.fail
}

func (s *countingSubscriber) UnsubscribeDepth(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs[symbol]++
	return nil
}

// versioned builds a book whose every field encodes v, so a mixed read is
// detectable.
func versioned(symbol string, v uint64) domain.OrderBookSnapshot {
	p := float64(v)
	return domain.OrderBookSnapshot{
		Symbol: symbol,
		Bids:   []domain.PriceLevel{{Price: p, Qty: p}},
		Asks:   []domain.PriceLevel{{Price: p + 1, Qty: p}},
		Seq:    v,
	}
}

func TestSnapshotNeverMixesVersions(t *testing.T) {
	c := NewCache(nil, time.Minute, nil)
	symbols := []string{"AB", "BC", "CA"}
	for _, s := range symbols {
		require.NoError(t, c.Subscribe(t.Context(), s))
		require.True(t, c.Update(versioned(s, 1)))
	}

	var stop atomic.Bool
	var wg sync.WaitGroup
	// One writer advances all three books in lock-step per round; each book
	// is internally consistent at every version.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for v := uint64(2); !stop.Load(); v++ {
			for _, s := range symbols {
				c.Update(versioned(s, v))
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		snap := c.Snapshot(symbols)
		require.Equal(t, 3, snap.Len())
		for _, s := range symbols {
			b, ok := snap.Book(s)
			require.True(t, ok)
			v := float64(b.Seq)
			require.Equal(t, v, b.Bids[0].Price, "bid from a different version")
			require.Equal(t, v, b.Bids[0].Qty)
			require.Equal(t, v+1, b.Asks[0].Price, "ask from a different version")
		}
		// Books are updated in order AB, BC, CA, so within one snapshot the
		// earlier symbols can only be equal or ahead by one round.
		ab, _ := snap.Book("AB")
		ca, _ := snap.Book("CA")
		require.LessOrEqual(t, ab.Seq-ca.Seq, uint64(1))
	}
	stop.Store(true)
	wg.Wait()
}

func TestSnapshotIsNotAffectedByLaterUpdates(t *testing.T) {
	c := NewCache(nil, time.Minute, nil)
	require.NoError(t, c.Subscribe(t.Context(), "AB"))
	c.Update(versioned("AB", 1))

	snap := c.Snapshot(nil)
	c.Update(versioned("AB", 2))

	b, ok := snap.Book("AB")
	require.True(t, ok)
	assert.Equal(t, uint64(1), b.Seq)
}

func TestUpdateDropsStaleSequences(t *testing.T) {
	c := NewCache(nil, time.Minute, nil)
	require.NoError(t, c.Subscribe(t.Context(), "AB"))

	assert.True(t, c.Update(versioned("AB", 5)))
	assert.False(t, c.Update(versioned("AB", 5)))
	assert.False(t, c.Update(versioned("AB", 3)))
	assert.True(t, c.Update(versioned("AB", 6)))
	assert.False(t, c.Update(versioned("ZZ", 9)), "unsubscribed symbol")

	b, _ := c.Book("AB")
	assert.Equal(t, uint64(6), b.Seq)
	applied, stale := c.Stats()
	assert.Equal(t, int64(2), applied)
	assert.Equal(t, int64(2), stale)
}

func TestConcurrentSubscribeOpensOneStream(t *testing.T) {
	sub := newCountingSubscriber()
	sub.gate = make(chan struct{})
	c := NewCache(sub, time.Minute, nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Subscribe(context.Background(), "ETHBTC"))
		}()
	}
	// Let both callers race before the first stream call returns.
	time.Sleep(20 * time.Millisecond)
	close(sub.gate)
	wg.Wait()

	assert.Equal(t, 1, sub.subs["ETHBTC"])
	assert.Equal(t, []string{"ETHBTC"}, c.Subscribed())
}

func TestConcurrentSubscribeSharesFailure(t *testing.T) {
	sub := newCountingSubscriber()
	sub.gate = make(chan struct{})
	sub.fail = errors.New("stream closed")
	c := NewCache(sub, time.Minute, nil)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- c.Subscribe(context.Background(), "ETHBTC") }()
	}
	// Let both callers race before the first stream call returns.
	time.Sleep(20 * time.Millisecond)
	close(sub.gate)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.Error(t, err)
			assert.ErrorIs(t, err, sub.fail)
		case <-time.After(time.Second):
			t.Fatal("subscribe did not return")
		}
	}
	assert.Equal(t, 1, sub.subs["ETHBTC"])
	assert.Empty(t, c.Subscribed())

	// A later call starts over.
	sub.fail = nil
	require.NoError(t, c.Subscribe(context.Background(), "ETHBTC"))
	assert.Equal(t, []string{"ETHBTC"}, c.Subscribed())
}

func TestReleaseEvictsAfterWindow(t *testing.T) {
	sub := newCountingSubscriber()
	c := NewCache(sub, 2*time.Minute, nil)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	ctx := t.Context()

	require.NoError(t, c.Retain(ctx, []string{"AB", "BC"}))
	require.NoError(t, c.Retain(ctx, []string{"BC"}))

	now = now.Add(time.Minute)
	assert.Empty(t, c.Sweep(ctx), "inside the eviction window")

	// Referenced again before the window ends: stays open, no new stream.
	require.NoError(t, c.Subscribe(ctx, "AB"))
	now = now.Add(5 * time.Minute)
	assert.Empty(t, c.Sweep(ctx))
	assert.Equal(t, 1, sub.subs["AB"])

	c.Release("AB")
	now = now.Add(2 * time.Minute)
	assert.Equal(t, []string{"AB"}, c.Sweep(ctx))
	assert.Equal(t, 1, sub.unsubs["AB"])
	assert.Equal(t, []string{"BC"}, c.Subscribed())
}

func TestTickerBoardKeepsNewest(t *testing.T) {
	b := NewTickerBoard()
	t0 := time.Unix(1_700_000_000, 0)
	b.Update([]domain.Ticker{{Symbol: "AB", BidPrice: 2, AskPrice: 3, EventTime: t0.Add(time.Second)}})
	b.Update([]domain.Ticker{{Symbol: "AB", BidPrice: 1, AskPrice: 4, EventTime: t0}})

	snap := b.Snapshot()
	book, ok := snap.Book("AB")
	require.True(t, ok)
	assert.InDelta(t, 2, book.Bids[0].Price, 1e-12)
	assert.Equal(t, 1, b.Len())
}
