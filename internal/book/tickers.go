package book

import (
	"sync"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// TickerBoard keeps the latest 24h ticker per symbol, fed by the all-market
// ticker stream or a REST poll. It backs the coarse discovery pass.
type TickerBoard struct {
	mu      sync.RWMutex
	tickers map[string]domain.Ticker
	updated time.Time
}

// NewTickerBoard returns an empty board.
func NewTickerBoard() *TickerBoard {
	return &TickerBoard{tickers: make(map[string]domain.Ticker)}
}

// Update merges a batch. Older tickers never replace newer ones.
func (b *TickerBoard) Update(batch []domain.Ticker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range batch {
		if cur, ok := b.tickers[t.Symbol]; ok && t.EventTime.Before(cur.EventTime) {
			continue
		}
		b.tickers[t.Symbol] = t
	}
	b.updated = time.Now()
}

// Len is the number of symbols on the board.
func (b *TickerBoard) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tickers)
}

// UpdatedAt is the time of the last merged batch.
func (b *TickerBoard) UpdatedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// Tickers returns a copy of every ticker.
func (b *TickerBoard) Tickers() []domain.Ticker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Ticker, 0, len(b.tickers))
	for _, t := range b.tickers {
		out = append(out, t)
	}
	return out
}

// Snapshot converts every ticker into a one-level book, captured under one
// read lock.
func (b *TickerBoard) Snapshot() *domain.GraphSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	books := make(map[string]domain.OrderBookSnapshot, len(b.tickers))
	for sym, t := range b.tickers {
		books[sym] = t.TopOfBook()
	}
	return domain.NewGraphSnapshot(books, time.Now())
}
