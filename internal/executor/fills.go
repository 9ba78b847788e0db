package executor

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// FillTracker routes user-stream execution reports to the execution that
// placed the order, keyed by client order ID. Reports for orders nobody is
// watching are dropped.
type FillTracker struct {
	mu      sync.Mutex
	watches map[string]*Watch
}

// NewFillTracker returns an empty tracker.
func NewFillTracker() *FillTracker {
	return &FillTracker{watches: make(map[string]*Watch)}
}

// Watch registers interest in clientID. Register before placing the order
// so no report can arrive unobserved.
func (t *FillTracker) Watch(clientID string) *Watch {
	w := &Watch{
		clientID: clientID,
		tracker:  t,
		updates:  make(chan struct{}, 1),
		tradeIDs: make(map[int64]bool),
	}
	t.mu.Lock()
	t.watches[clientID] = w
	t.mu.Unlock()
	return w
}

// Deliver folds an execution report into its watch.
func (t *FillTracker) Deliver(r domain.OrderReport) {
	t.mu.Lock()
	w := t.watches[r.ClientOrderID]
	t.mu.Unlock()
	if w != nil {
		w.merge(r)
	}
}

// Pending is the number of open watches.
func (t *FillTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.watches)
}

// Watch accumulates reports for one order.
type Watch struct {
	clientID string
	tracker  *FillTracker
	updates  chan struct{}

	mu       sync.Mutex
	report   domain.OrderReport
	have     bool
	fills    []domain.Fill
	tradeIDs map[int64]bool
}

// Updates signals whenever a newer report arrived.
func (w *Watch) Updates() <-chan struct{} { return w.updates }

// Merge folds a report obtained elsewhere, such as a REST response.
func (w *Watch) Merge(r domain.OrderReport) { w.merge(r) }

func (w *Watch) merge(r domain.OrderReport) {
	w.mu.Lock()
	for _, f := range r.Fills {
		if f.TradeID != 0 && w.tradeIDs[f.TradeID] {
			continue
		}
		w.tradeIDs[f.TradeID] = true
		w.fills = append(w.fills, f)
	}
	if !w.have || newer(r, w.report) {
		fills := w.report.Fills
		w.report = r
		w.report.Fills = fills
		w.have = true
	}
	w.mu.Unlock()

	select {
	case w.updates <- struct{}{}:
	default:
	}
}

// newer reports whether a supersedes b. Terminal states and larger
// executed quantities win; reports can arrive out of order.
func newer(a, b domain.OrderReport) bool {
	if b.Status.Terminal() && !a.Status.Terminal() {
		return false
	}
	if a.Status.Terminal() && !b.Status.Terminal() {
		return true
	}
	return a.ExecutedQty.GreaterThanOrEqual(b.ExecutedQty)
}

// Latest returns the freshest report with every distinct fill seen so far.
func (w *Watch) Latest() (domain.OrderReport, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.report
	r.Fills = append([]domain.Fill(nil), w.fills...)
	return r, w.have
}

// Close unregisters the watch.
func (w *Watch) Close() {
	w.tracker.mu.Lock()
	if w.tracker.watches[w.clientID] == w {
		delete(w.tracker.watches, w.clientID)
	}
	w.tracker.mu.Unlock()
}

// fillsCover reports whether fills account for the whole executed quantity.
func fillsCover(r domain.OrderReport) bool {
	sum := decimal.Zero
	for _, f := range r.Fills {
		sum = sum.Add(f.Qty)
	}
	return sum.Equal(r.ExecutedQty)
}
