package search

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/graph"
)

func mkPair(symbol, base, quote string, fee float64) domain.Pair {
	return domain.Pair{
		Symbol: symbol,
		Base:   domain.Asset(base),
		Quote:  domain.Asset(quote),
		Status: domain.PairStatusTrading,
		Rules:  domain.TradingRules{TakerFee: decimal.NewFromFloat(fee)},
	}
}

func deepBook(symbol string, bid, ask float64) domain.OrderBookSnapshot {
	return domain.OrderBookSnapshot{
		Symbol: symbol,
		Bids:   []domain.PriceLevel{{Price: bid, Qty: 1e6}},
		Asks:   []domain.PriceLevel{{Price: ask, Qty: 1e6}},
		Seq:    1,
	}
}

func TestOpenPathOutranksWeakerClosedPath(t *testing.T) {
	pairs := []domain.Pair{
		mkPair("EURUSD", "EUR", "USD", 0),
		mkPair("EURUSD_ALT", "EUR", "USD", 0),
		mkPair("GBPEUR", "GBP", "EUR", 0),
		mkPair("GBPUSD", "GBP", "USD", 0),
	}
	snap := domain.NewGraphSnapshot(map[string]domain.OrderBookSnapshot{
		"EURUSD":     deepBook("EURUSD", 0.999, 1.000),
		"EURUSD_ALT": deepBook("EURUSD_ALT", 1.003, 1.004),
		"GBPEUR":     deepBook("GBPEUR", 1.199, 1.200),
		"GBPUSD":     deepBook("GBPUSD", 1.2083, 1.2085),
	}, testNow)

	res, err := New(nil).Run(context.Background(), Input{
		Graph:    graph.Build(pairs),
		Snapshot: snap,
		Start:    map[domain.Asset]float64{"USD": 100},
		Params:   Params{MaxDepth: 2, MinProfit: 0.001, ReferenceAsset: "USD"},
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(res.Opportunities), 2)

	first, second := res.Opportunities[0], res.Opportunities[1]
	assert.False(t, first.Path.Closed())
	assert.Equal(t, domain.Asset("GBP"), first.Path.End())
	assert.InDelta(t, 1.007, first.Path.Factor, 1e-9)

	assert.True(t, second.Path.Closed())
	assert.Equal(t, []string{"EURUSD", "EURUSD_ALT"}, second.Path.Symbols())
	assert.InDelta(t, 1.003, second.Path.Factor, 1e-9)
	assert.InDelta(t, 0.003, second.NetProfit, 1e-9)
}

func TestRankBreaksTiesByHopsThenSlippage(t *testing.T) {
	hops := func(n int, slip float64) domain.Path {
		p := domain.Path{}
		for i := 0; i < n; i++ {
			p.Hops = append(p.Hops, domain.Hop{Slippage: slip})
		}
		return p
	}
	opps := []domain.Opportunity{
		{ID: "long", NetProfit: 0.002, Path: hops(3, 0)},
		{ID: "slippy", NetProfit: 0.002, Path: hops(2, 0.001)},
		{ID: "best", NetProfit: 0.004, Path: hops(4, 0.01)},
		{ID: "clean", NetProfit: 0.002, Path: hops(2, 0)},
	}
	Rank(opps)

	ids := make([]string, len(opps))
	for i, o := range opps {
		ids[i] = o.ID
	}
	assert.Equal(t, []string{"best", "clean", "slippy", "long"}, ids)
}

func TestThinBooksAreCountedAsIlliquid(t *testing.T) {
	pairs := []domain.Pair{
		mkPair("ETHBTC", "ETH", "BTC", 0),
		mkPair("BTCUSDT", "BTC", "USDT", 0),
		mkPair("ETHUSDT", "ETH", "USDT", 0),
	}
	thin := deepBook("ETHUSDT", 2000, 2001)
	thin.Asks[0].Qty = 0.001
	snap := domain.NewGraphSnapshot(map[string]domain.OrderBookSnapshot{
		"ETHBTC":  deepBook("ETHBTC", 0.05, 0.0501),
		"BTCUSDT": deepBook("BTCUSDT", 41000, 41001),
		"ETHUSDT": thin,
	}, testNow)

	res, err := New(nil).Run(context.Background(), Input{
		Graph:    graph.Build(pairs),
		Snapshot: snap,
		Start:    map[domain.Asset]float64{"USDT": 1000},
		Params:   Params{MaxDepth: 3, MinProfit: -1, ReferenceAsset: "USDT"},
	})
	require.NoError(t, err)
	assert.Positive(t, res.Stats.Illiquid)
	for _, o := range res.Opportunities {
		assert.NotEqual(t, "ETHUSDT", o.Path.Hops[0].Pair.Symbol, "first hop cannot buy 1000 USDT of ETH from 0.001 ETH depth")
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	g, snap, start := randomMarket(rand.New(rand.NewPCG(7, 7)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(nil)
	_, err := s.Run(ctx, Input{Graph: g, Snapshot: snap, Start: start,
		Params: Params{MaxDepth: 6, MinProfit: -1, ReferenceAsset: "USDT"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, PhaseDone, s.Phase())
}

func TestResultPhaseBelongsToItsRun(t *testing.T) {
	g, snap, start := randomMarket(rand.New(rand.NewPCG(11, 11)))
	in := Input{Graph: g, Snapshot: snap, Start: start,
		Params: Params{MaxDepth: 4, MinProfit: -1, ReferenceAsset: "USDT"}}
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(nil)
	type outcome struct {
		res Result
		err error
	}
	out := make([]outcome, 8)
	var wg sync.WaitGroup
	for i := range out {
		ctx := context.Background()
		if i%2 == 1 {
			ctx = cancelled
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Run(ctx, in)
			out[i] = outcome{res, err}
		}()
	}
	wg.Wait()

	for i, o := range out {
		if i%2 == 1 {
			assert.ErrorIs(t, o.err, context.Canceled)
			assert.Equal(t, PhaseExpand, o.res.Phase)
			continue
		}
		require.NoError(t, o.err)
		assert.Equal(t, PhaseDone, o.res.Phase)
	}
}

// TestPruningKeepsEveryQualifyingPath compares the pruned search against an
// exhaustive enumeration over generated markets: the same opportunities
// come out, and every extended partial path could still reach the target.
func TestPruningKeepsEveryQualifyingPath(t *testing.T) {
	var totalFound, totalPruned int
	for seed := uint64(1); seed <= 40; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			g, snap, start := randomMarket(rand.New(rand.NewPCG(seed, 99)))
			params := Params{MaxDepth: 4, MinProfit: 0.0005, SlippageBufferBps: 1, ReferenceAsset: "USDT"}
			in := Input{Graph: g, Snapshot: snap, Start: start, Params: params}

			probe := &run{in: in, p: Params{MinDepth: 2, MaxDepth: 4}, val: newValuation(g, snap, "USDT")}
			gMax := probe.bestEdgeFactor()
			target := 1 + params.MinProfit

			s := New(nil)
			expansions := 0
			s.OnExpand(func(hops []domain.Hop, factor float64) {
				expansions++
				best := factor * math.Pow(math.Max(1, gMax), float64(params.MaxDepth-len(hops)))
				require.GreaterOrEqual(t, best, target, "expanded a path that cannot reach the target")
			})

			res, err := s.Run(context.Background(), in)
			require.NoError(t, err)
			assert.Equal(t, res.Stats.Expanded, expansions)

			want := bruteForce(in)
			got := make([]float64, len(res.Opportunities))
			for i, o := range res.Opportunities {
				got[i] = o.NetProfit
			}
			require.Len(t, got, len(want))
			for i := range want {
				assert.InDelta(t, want[i], got[i], 1e-12)
			}
			totalFound += len(got)
			totalPruned += res.Stats.Pruned
		})
	}
	assert.Positive(t, totalFound, "generated markets should contain opportunities")
	assert.Positive(t, totalPruned, "generated markets should exercise pruning")
}

// bruteForce enumerates every admissible walk without pruning and returns
// the qualifying net profits, best first.
func bruteForce(in Input) []float64 {
	p := in.Params
	p.MinDepth = 2
	r := &run{ctx: context.Background(), in: in, p: p, val: newValuation(in.Graph, in.Snapshot, p.ReferenceAsset)}

	var nets []float64
	consider := func(hops int, factor float64) {
		net := factor - 1 - float64(hops)*p.SlippageBufferBps/10_000
		if net >= p.MinProfit {
			nets = append(nets, net)
		}
	}

	var walk func(at domain.Asset, depth int, amount float64, visited map[domain.Asset]bool, used map[string]bool)
	walk = func(at domain.Asset, depth int, amount float64, visited map[domain.Asset]bool, used map[string]bool) {
		for _, e := range in.Graph.Neighbors(at) {
			closing := e.To == r.startAsset
			if used[e.Pair.Symbol] || (visited[e.To] && !closing) {
				continue
			}
			hops := depth + 1
			if closing && hops < 2 {
				continue
			}
			hop, ok := r.price(e, amount)
			if !ok {
				continue
			}
			factor := hop.AmountOut * r.val.of(e.To) / (r.startAmount * r.val.of(r.startAsset))
			if closing {
				consider(hops, factor)
				continue
			}
			if hops >= 2 && r.val.sameUnit(r.startAsset, e.To) {
				consider(hops, factor)
			}
			if hops < p.MaxDepth {
				visited[e.To], used[e.Pair.Symbol] = true, true
				walk(e.To, hops, hop.AmountOut, visited, used)
				delete(visited, e.To)
				delete(used, e.Pair.Symbol)
			}
		}
	}

	for a, amt := range in.Start {
		if amt <= 0 || r.val.of(a) <= 0 {
			continue
		}
		r.startAsset, r.startAmount = a, amt
		walk(a, 0, amt, map[domain.Asset]bool{a: true}, map[string]bool{})
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(nets)))
	return nets
}

// randomMarket builds a market around hidden fair values with mispriced
// books and finite depth.
func randomMarket(rng *rand.Rand) (*graph.Graph, *domain.GraphSnapshot, map[domain.Asset]float64) {
	assets := []string{"USDT", "AAA", "BBB", "CCC", "DDD", "EEE"}
	fair := map[string]float64{"USDT": 1}
	for _, a := range assets[1:] {
		fair[a] = 0.5 + rng.Float64()*50
	}

	var pairs []domain.Pair
	books := map[string]domain.OrderBookSnapshot{}
	for i := 0; i < len(assets); i++ {
		for j := i + 1; j < len(assets); j++ {
			if rng.Float64() > 0.65 {
				continue
			}
			base, quote := assets[i], assets[j]
			if rng.IntN(2) == 0 {
				base, quote = quote, base
			}
			sym := base + quote
			pairs = append(pairs, mkPair(sym, base, quote, 0.001))

			mid := fair[base] / fair[quote] * (1 + (rng.Float64()*2-1)*0.006)
			half := mid * 0.00025
			book := domain.OrderBookSnapshot{Symbol: sym, Seq: 1}
			for lvl := 0; lvl < 3; lvl++ {
				step := mid * 0.0004 * float64(lvl)
				qty := (0.2 + rng.Float64()) * 60 / fair[base]
				book.Bids = append(book.Bids, domain.PriceLevel{Price: mid - half - step, Qty: qty})
				book.Asks = append(book.Asks, domain.PriceLevel{Price: mid + half + step, Qty: qty})
			}
			books[sym] = book
		}
	}

	start := map[domain.Asset]float64{
		"USDT": 100,
		"AAA":  100 / fair["AAA"],
	}
	return graph.Build(pairs), domain.NewGraphSnapshot(books, testNow), start
}
