package executor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// ReservationTable records which in-flight execution holds each asset.
// Claims are all-or-none: an execution either reserves every asset it
// touches or none of them.
type ReservationTable struct {
	mu   sync.Mutex
	held map[domain.Asset]string
}

// NewReservationTable returns an empty table.
func NewReservationTable() *ReservationTable {
	return &ReservationTable{held: make(map[domain.Asset]string)}
}

// Reserve claims assets for owner. If any asset is held by another owner
// nothing is claimed and the error wraps ErrCapitalConflict.
func (t *ReservationTable) Reserve(owner string, assets []domain.Asset) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, a := range assets {
		if holder, ok := t.held[a]; ok && holder != owner {
			return fmt.Errorf("executor: reserve %s: %w (held by %s)", a, domain.ErrCapitalConflict, holder)
		}
	}
	for _, a := range assets {
		t.held[a] = owner
	}
	return nil
}

// Release frees every asset held by owner.
func (t *ReservationTable) Release(owner string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for a, holder := range t.held {
		if holder == owner {
			delete(t.held, a)
		}
	}
}

// Held lists the currently reserved assets, sorted.
func (t *ReservationTable) Held() []domain.Asset {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.Asset, 0, len(t.held))
	for a := range t.held {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Overlaps reports whether any of assets is currently reserved.
func (t *ReservationTable) Overlaps(assets []domain.Asset) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, a := range assets {
		if _, ok := t.held[a]; ok {
			return true
		}
	}
	return false
}
