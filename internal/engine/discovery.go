package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/graph"
	"github.com/alanyoungcy/triarb/internal/search"
)

// discover runs the coarse pass over top-of-book tickers. It sizes the
// start assets, feeds 24h volume to the risk model, and points the depth
// subscriptions at the pairs of the most promising coarse paths. It returns
// the start amounts for the precise search.
func (e *Engine) discover(ctx context.Context, g *graph.Graph, balances map[domain.Asset]float64, sp search.Params) (map[domain.Asset]float64, error) {
	tickers, err := e.tickers(ctx)
	if err != nil {
		return nil, err
	}
	coarseSnap := e.d.Tickers.Snapshot()
	values := search.ReferenceValues(g, coarseSnap, e.cfg.ReferenceAsset)

	ranked := e.observeVolume(g, tickers, values)
	starts := e.startAmounts(balances, values, ranked)
	if len(starts) == 0 {
		e.logger.DebugContext(ctx, "no start asset above minimum notional")
		return nil, nil
	}

	coarse := sp
	coarse.MinProfit = sp.MinProfit - e.cfg.DiscoveryMargin
	coarse.MaxResults = 0
	probe := make(map[domain.Asset]float64, len(starts))
	for a := range starts {
		probe[a] = e.probeAmount(a, values)
	}
	res, err := e.d.Searcher.Run(ctx, search.Input{Graph: g, Snapshot: coarseSnap, Start: probe, Params: coarse})
	if err != nil {
		return starts, fmt.Errorf("engine: coarse search: %w", err)
	}

	symbols := subscriptionSet(res.Opportunities, e.cfg.MaxDepthSubscriptions)
	if err := e.d.Books.Retain(ctx, symbols); err != nil {
		e.logger.WarnContext(ctx, "depth subscription incomplete", slog.String("error", err.Error()))
	}
	if evicted := e.d.Books.Sweep(ctx); len(evicted) > 0 {
		e.logger.DebugContext(ctx, "depth streams closed", slog.Int("count", len(evicted)))
	}
	e.logger.DebugContext(ctx, "coarse discovery",
		slog.Int("candidates", len(res.Opportunities)),
		slog.Int("subscriptions", len(symbols)),
		slog.Float64("threshold", coarse.MinProfit),
	)
	return starts, nil
}

// tickers returns the 24h tickers, polling REST when the stream-fed board is
// empty or stale.
func (e *Engine) tickers(ctx context.Context) ([]domain.Ticker, error) {
	if e.d.Tickers.Len() == 0 || e.now().Sub(e.d.Tickers.UpdatedAt()) > e.cfg.TickerMaxAge {
		fresh, err := e.d.Exchange.Tickers(ctx)
		if err != nil {
			return nil, fmt.Errorf("engine: tickers: %w", err)
		}
		e.d.Tickers.Update(fresh)
	}
	return e.d.Tickers.Tickers(), nil
}

// observeVolume converts each pair's quote volume into the reference asset,
// feeds it to the risk model and returns assets ranked by the volume of the
// pairs they trade in.
func (e *Engine) observeVolume(g *graph.Graph, tickers []domain.Ticker, values map[domain.Asset]float64) []domain.Asset {
	perAsset := make(map[domain.Asset]float64)
	for _, t := range tickers {
		p, ok := g.Pair(t.Symbol)
		if !ok {
			continue
		}
		v := t.QuoteVolume * values[p.Quote]
		if v <= 0 {
			continue
		}
		e.d.Risk.ObserveVolume(p, v, t.EventTime)
		perAsset[p.Base] += v
		perAsset[p.Quote] += v
	}

	ranked := make([]domain.Asset, 0, len(perAsset))
	for a := range perAsset {
		ranked = append(ranked, a)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if perAsset[ranked[i]] != perAsset[ranked[j]] {
			return perAsset[ranked[i]] > perAsset[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	return ranked
}

// startAmounts sizes each held asset to at most MaxTradeNotional and skips
// those worth less than MinTradeNotional. Start assets are the held assets
// among the top TopVolumeAssets by volume, or every held asset when none of
// those are held.
func (e *Engine) startAmounts(balances, values map[domain.Asset]float64, ranked []domain.Asset) map[domain.Asset]float64 {
	sized := make(map[domain.Asset]float64)
	for a, free := range balances {
		v := values[a]
		if v <= 0 || free <= 0 {
			continue
		}
		worth := free * v
		if worth < e.cfg.MinTradeNotional {
			continue
		}
		sized[a] = math.Min(free, e.cfg.MaxTradeNotional/v)
	}
	if e.cfg.TopVolumeAssets <= 0 {
		return sized
	}

	top := make(map[domain.Asset]float64)
	for i, a := range ranked {
		if i >= e.cfg.TopVolumeAssets {
			break
		}
		if amt, ok := sized[a]; ok {
			top[a] = amt
		}
	}
	if len(top) == 0 {
		return sized
	}
	return top
}

// probeAmount is the coarse-pass start size: the minimum trade notional,
// small enough that one ticker level can absorb it.
func (e *Engine) probeAmount(a domain.Asset, values map[domain.Asset]float64) float64 {
	notional := math.Max(e.cfg.MinTradeNotional, 1)
	return notional / values[a]
}

// subscriptionSet lists the distinct pairs of the ranked opportunities, in
// rank order, up to limit.
func subscriptionSet(opps []domain.Opportunity, limit int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, o := range opps {
		for _, sym := range o.Path.Symbols() {
			if seen[sym] {
				continue
			}
			if limit > 0 && len(out) >= limit {
				return out
			}
			seen[sym] = true
			out = append(out, sym)
		}
	}
	return out
}
