// Package book holds the live order-book state shared between the stream
// ingestion goroutines and the analysis cycle.
package book

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// Subscriber opens and closes depth streams.
type Subscriber interface {
	SubscribeDepth(ctx context.Context, symbol string) error
	UnsubscribeDepth(ctx context.Context, symbol string) error
}

type entry struct {
	book       domain.OrderBookSnapshot
	has        bool
	referenced bool
	releasedAt time.Time

	// pending is closed when the stream call that created the entry
	// returns; err is its outcome.
	pending chan struct{}
	err     error
}

// Cache is the single owner of depth books. Stream handlers call Update,
// the cycle calls Snapshot; both go through one RWMutex so a snapshot never
// mixes versions of a book.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry

	sub        Subscriber
	evictAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger

	applied atomic.Int64
	stale   atomic.Int64
}

// NewCache returns an empty cache. sub may be nil when books are fed by
// hand (tests, REST seeding only).
func NewCache(sub Subscriber, evictAfter time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries:    make(map[string]*entry),
		sub:        sub,
		evictAfter: evictAfter,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "book")),
	}
}

// Update replaces the book for snap.Symbol when its sequence is newer than
// the last applied one. Updates for symbols without a subscription and
// out-of-order updates are dropped. It reports whether snap was applied.
func (c *Cache) Update(snap domain.OrderBookSnapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[snap.Symbol]
	if !ok {
		return false
	}
	if e.has && snap.Seq <= e.book.Seq {
		c.stale.Add(1)
		return false
	}
	e.book = snap
	e.has = true
	c.applied.Add(1)
	return true
}

// Snapshot captures the requested books under one read lock. A nil symbols
// slice captures every book. Symbols without data are omitted.
func (c *Cache) Snapshot(symbols []string) *domain.GraphSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	books := make(map[string]domain.OrderBookSnapshot, len(symbols))
	if symbols == nil {
		for sym, e := range c.entries {
			if e.has {
				books[sym] = e.book
			}
		}
	} else {
		for _, sym := range symbols {
			if e, ok := c.entries[sym]; ok && e.has {
				books[sym] = e.book
			}
		}
	}
	return domain.NewGraphSnapshot(books, c.now())
}

// Book returns the current book for symbol.
func (c *Cache) Book(symbol string) (domain.OrderBookSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[symbol]
	if !ok || !e.has {
		return domain.OrderBookSnapshot{}, false
	}
	return e.book, true
}

// Subscribe marks symbol as referenced and opens its depth stream if none
// is active. Concurrent calls for the same symbol open one stream: later
// callers wait for the first and share its result.
func (c *Cache) Subscribe(ctx context.Context, symbol string) error {
	c.mu.Lock()
	if e, ok := c.entries[symbol]; ok {
		e.referenced = true
		e.releasedAt = time.Time{}
		pending := e.pending
		c.mu.Unlock()
		if pending == nil {
			return nil
		}
		select {
		case <-pending:
			return e.err
		case <-ctx.Done():
			return fmt.Errorf("book: subscribe %s: %w", symbol, ctx.Err())
		}
	}
	e := &entry{referenced: true}
	if c.sub != nil {
		e.pending = make(chan struct{})
	}
	c.entries[symbol] = e
	c.mu.Unlock()

	if c.sub == nil {
		return nil
	}
	err := c.sub.SubscribeDepth(ctx, symbol)

	c.mu.Lock()
	if err != nil {
		e.err = fmt.Errorf("book: subscribe %s: %w", symbol, err)
		if c.entries[symbol] == e {
			delete(c.entries, symbol)
		}
	}
	close(e.pending)
	e.pending = nil
	c.mu.Unlock()

	if err != nil {
		return e.err
	}
	c.logger.Debug("depth subscribed", slog.String("symbol", symbol))
	return nil
}

// Release drops the reference on symbol. The stream stays open until a
// Sweep finds it unreferenced for longer than the eviction window.
func (c *Cache) Release(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[symbol]; ok && e.referenced {
		e.referenced = false
		e.releasedAt = c.now()
	}
}

// Retain makes symbols the referenced set: missing ones are subscribed and
// every other symbol is released.
func (c *Cache) Retain(ctx context.Context, symbols []string) error {
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	var errs []error
	for _, s := range symbols {
		if err := c.Subscribe(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range c.Subscribed() {
		if !want[s] {
			c.Release(s)
		}
	}
	return errors.Join(errs...)
}

// Sweep closes streams unreferenced for longer than the eviction window and
// returns the evicted symbols.
func (c *Cache) Sweep(ctx context.Context) []string {
	now := c.now()
	var evicted []string

	c.mu.Lock()
	for sym, e := range c.entries {
		if !e.referenced && e.pending == nil && now.Sub(e.releasedAt) >= c.evictAfter {
			delete(c.entries, sym)
			evicted = append(evicted, sym)
		}
	}
	c.mu.Unlock()
	sort.Strings(evicted)

	if c.sub != nil {
		for _, sym := range evicted {
			if err := c.sub.UnsubscribeDepth(ctx, sym); err != nil {
				c.logger.Warn("depth unsubscribe failed", slog.String("symbol", sym), slog.String("error", err.Error()))
			}
		}
	}
	if len(evicted) > 0 {
		c.logger.Debug("depth evicted", slog.Any("symbols", evicted))
	}
	return evicted
}

// Subscribed returns every symbol with an open stream, sorted.
func (c *Cache) Subscribed() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for s := range c.entries {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Stats reports applied and dropped-as-stale update counts.
func (c *Cache) Stats() (applied, stale int64) {
	return c.applied.Load(), c.stale.Load()
}
