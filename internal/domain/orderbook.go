package domain

import (
	"sort"
	"time"
)

// PriceLevel is a single price and quantity entry in an order book.
type PriceLevel struct {
	Price float64
	Qty   float64
}

// OrderBookSnapshot is the top of an order book for one pair. Bids are
// sorted best (highest) first and asks best (lowest) first. A snapshot is
// replaced wholesale on every update and its slices are never mutated.
type OrderBookSnapshot struct {
	Symbol   string
	Bids     []PriceLevel
	Asks     []PriceLevel
	Seq      uint64
	Received time.Time
}

// BestBid returns the highest bid.
func (s OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask.
func (s OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// Mid returns the mid price, or 0 when either side is empty.
func (s OrderBookSnapshot) Mid() float64 {
	bid, okb := s.BestBid()
	ask, oka := s.BestAsk()
	if !okb || !oka {
		return 0
	}
	return (bid.Price + ask.Price) / 2
}

// Spread returns (ask-bid)/bid, or 0 when the book is one-sided.
func (s OrderBookSnapshot) Spread() float64 {
	bid, okb := s.BestBid()
	ask, oka := s.BestAsk()
	if !okb || !oka || bid.Price <= 0 {
		return 0
	}
	return (ask.Price - bid.Price) / bid.Price
}

// GraphSnapshot is an immutable set of order books captured under a single
// read barrier. Every edge weight used by one search cycle comes from the
// same GraphSnapshot.
type GraphSnapshot struct {
	books    map[string]OrderBookSnapshot
	captured time.Time
}

// NewGraphSnapshot takes ownership of books. Callers must not retain or
// modify the map afterwards.
func NewGraphSnapshot(books map[string]OrderBookSnapshot, captured time.Time) *GraphSnapshot {
	if books == nil {
		books = map[string]OrderBookSnapshot{}
	}
	return &GraphSnapshot{books: books, captured: captured}
}

// Book returns the snapshot for symbol.
func (g *GraphSnapshot) Book(symbol string) (OrderBookSnapshot, bool) {
	b, ok := g.books[symbol]
	return b, ok
}

// Len is the number of pairs in the snapshot.
func (g *GraphSnapshot) Len() int { return len(g.books) }

// CapturedAt is when the snapshot was taken.
func (g *GraphSnapshot) CapturedAt() time.Time { return g.captured }

// Symbols returns the captured symbols in sorted order.
func (g *GraphSnapshot) Symbols() []string {
	out := make([]string, 0, len(g.books))
	for s := range g.books {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Ticker is a rolling 24h ticker with top-of-book prices for one pair.
type Ticker struct {
	Symbol      string
	BidPrice    float64
	BidQty      float64
	AskPrice    float64
	AskQty      float64
	LastPrice   float64
	QuoteVolume float64
	EventTime   time.Time
}

// TopOfBook converts the ticker into a one-level book snapshot.
func (t Ticker) TopOfBook() OrderBookSnapshot {
	snap := OrderBookSnapshot{
		Symbol:   t.Symbol,
		Seq:      uint64(t.EventTime.UnixMilli()),
		Received: t.EventTime,
	}
	if t.BidPrice > 0 {
		snap.Bids = []PriceLevel{{Price: t.BidPrice, Qty: t.BidQty}}
	}
	if t.AskPrice > 0 {
		snap.Asks = []PriceLevel{{Price: t.AskPrice, Qty: t.AskQty}}
	}
	return snap
}
