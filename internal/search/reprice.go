package search

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/graph"
)

// Reprice walks the hops of o again against a fresher snapshot and returns
// a new opportunity with the same ID. It fails with ErrStaleOpportunity when
// the path no longer clears p.MinProfit and with ErrLiquidityInsufficient
// when a hop can no longer be priced.
func Reprice(g *graph.Graph, snap *domain.GraphSnapshot, o domain.Opportunity, p Params, now time.Time) (domain.Opportunity, error) {
	if len(o.Path.Hops) == 0 {
		return domain.Opportunity{}, fmt.Errorf("search: reprice %s: empty path", o.ID)
	}
	r := &run{
		in:  Input{Graph: g, Snapshot: snap},
		p:   p,
		val: newValuation(g, snap, p.ReferenceAsset),
	}

	start := o.Path.Start()
	if r.val.of(start) <= 0 {
		return domain.Opportunity{}, fmt.Errorf("search: reprice %s: %s unpriced: %w", o.ID, start, domain.ErrLiquidityInsufficient)
	}

	amount := o.StartAmount
	hops := make([]domain.Hop, 0, len(o.Path.Hops))
	for _, h := range o.Path.Hops {
		e := graph.Edge{Pair: h.Pair, Side: h.Side, From: h.From, To: h.To}
		if cur, ok := g.Pair(h.Pair.Symbol); ok {
			e.Pair = cur
		}
		hop, ok := r.price(e, amount)
		if !ok {
			return domain.Opportunity{}, fmt.Errorf("search: reprice %s: hop %s %s: %w", o.ID, h.Pair.Symbol, h.Side, domain.ErrLiquidityInsufficient)
		}
		hops = append(hops, hop)
		amount = hop.AmountOut
	}

	factor := amount * r.val.of(o.Path.End()) / (o.StartAmount * r.val.of(start))
	gross := factor - 1
	net := gross - float64(len(hops))*p.SlippageBufferBps/10_000
	if net < p.MinProfit {
		return domain.Opportunity{}, fmt.Errorf("search: reprice %s: net %.5f below %.5f: %w", o.ID, net, p.MinProfit, domain.ErrStaleOpportunity)
	}

	return domain.Opportunity{
		ID:          o.ID,
		Path:        domain.Path{Hops: hops, Factor: factor},
		StartAmount: o.StartAmount,
		GrossProfit: gross,
		NetProfit:   net,
		RiskScore:   o.RiskScore,
		CreatedAt:   now,
	}, nil
}
