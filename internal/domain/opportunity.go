package domain

import "time"

// Hop is one conversion step of a path, priced against a GraphSnapshot.
type Hop struct {
	Pair      Pair
	Side      Side
	From      Asset
	To        Asset
	AmountIn  float64
	AmountOut float64
	AvgPrice  float64
	TopPrice  float64
	Slippage  float64
}

// Path is an ordered walk of 2..maxDepth hops. Factor is the value ratio of
// the final amount over the start amount, both valued in the same reference
// unit; for a closed path it is the plain conversion factor.
type Path struct {
	Hops   []Hop
	Factor float64
}

// Start is the asset the path spends.
func (p Path) Start() Asset {
	if len(p.Hops) == 0 {
		return ""
	}
	return p.Hops[0].From
}

// End is the asset the path finishes in.
func (p Path) End() Asset {
	if len(p.Hops) == 0 {
		return ""
	}
	return p.Hops[len(p.Hops)-1].To
}

// Closed reports whether the path returns to its start asset.
func (p Path) Closed() bool { return len(p.Hops) > 0 && p.Start() == p.End() }

// Assets lists every asset touched, start first, without duplicates.
func (p Path) Assets() []Asset {
	seen := make(map[Asset]bool, len(p.Hops)+1)
	out := make([]Asset, 0, len(p.Hops)+1)
	add := func(a Asset) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, h := range p.Hops {
		add(h.From)
		add(h.To)
	}
	return out
}

// Symbols lists the pair symbols in hop order.
func (p Path) Symbols() []string {
	out := make([]string, len(p.Hops))
	for i, h := range p.Hops {
		out[i] = h.Pair.Symbol
	}
	return out
}

// Slippage is the summed estimated slippage of all hops.
func (p Path) Slippage() float64 {
	var s float64
	for _, h := range p.Hops {
		s += h.Slippage
	}
	return s
}

// Opportunity is a scored, actionable path. It is immutable once created and
// consumed at most once.
type Opportunity struct {
	ID          string
	Path        Path
	StartAmount float64
	GrossProfit float64
	NetProfit   float64
	RiskScore   float64
	CreatedAt   time.Time
}

// Age returns how long ago the opportunity was priced.
func (o Opportunity) Age(now time.Time) time.Duration { return now.Sub(o.CreatedAt) }
