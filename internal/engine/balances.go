package engine

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// Balances is the engine's view of free account balances. The user stream
// applies deltas; a REST refresh replaces the whole set.
type Balances struct {
	mu      sync.RWMutex
	free    map[domain.Asset]decimal.Decimal
	updated time.Time
}

// NewBalances returns an empty set.
func NewBalances() *Balances {
	return &Balances{free: make(map[domain.Asset]decimal.Decimal)}
}

// Replace swaps in a full balance set.
func (b *Balances) Replace(all map[domain.Asset]decimal.Decimal) {
	next := make(map[domain.Asset]decimal.Decimal, len(all))
	for a, v := range all {
		if v.IsPositive() {
			next[a] = v
		}
	}
	b.mu.Lock()
	b.free = next
	b.updated = time.Now()
	b.mu.Unlock()
}

// Apply merges changed balances from an account update.
func (b *Balances) Apply(changed map[domain.Asset]decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for a, v := range changed {
		if v.IsPositive() {
			b.free[a] = v
		} else {
			delete(b.free, a)
		}
	}
	b.updated = time.Now()
}

// Snapshot copies the current balances.
func (b *Balances) Snapshot() map[domain.Asset]decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[domain.Asset]decimal.Decimal, len(b.free))
	for a, v := range b.free {
		out[a] = v
	}
	return out
}

// Empty reports whether no balance has been loaded.
func (b *Balances) Empty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated.IsZero()
}
