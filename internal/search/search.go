// Package search enumerates bounded-depth conversion walks over the market
// graph, priced from one GraphSnapshot, and ranks them by net profit.
package search

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/graph"
)

// Phase is the search state.
type Phase int32

const (
	PhaseInit Phase = iota
	PhaseExpand
	PhaseRank
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseExpand:
		return "EXPAND"
	case PhaseRank:
		return "RANK"
	case PhaseDone:
		return "DONE"
	}
	return "UNKNOWN"
}

// Params bound one search.
type Params struct {
	MinDepth          int
	MaxDepth          int
	MinProfit         float64
	SlippageBufferBps float64
	MaxResults        int
	ReferenceAsset    domain.Asset
}

// Input is everything one search reads. Graph and Snapshot are immutable.
type Input struct {
	Graph    *graph.Graph
	Snapshot *domain.GraphSnapshot
	// Start maps each start asset to the amount the walk spends.
	Start  map[domain.Asset]float64
	Params Params
}

// Stats counts search work.
type Stats struct {
	Evaluated int           `json:"evaluated"`
	Expanded  int           `json:"expanded"`
	Pruned    int           `json:"pruned"`
	Illiquid  int           `json:"illiquid"`
	Found     int           `json:"found"`
	Duration  time.Duration `json:"duration"`
}

// Result is the ranked output of one search. Phase is the last phase the
// run entered: PhaseDone when it completed, PhaseExpand when cancelled.
type Result struct {
	Opportunities []domain.Opportunity
	Stats         Stats
	Phase         Phase
}

// ExpandHook observes every partial path that passes the pruning bound and
// is extended further, with its cumulative value factor.
type ExpandHook func(hops []domain.Hop, factor float64)

// Searcher runs searches. It is safe for concurrent use; each Run keeps its
// own state.
type Searcher struct {
	logger   *slog.Logger
	now      func() time.Time
	onExpand ExpandHook
	phase    atomic.Int32
}

// New returns a Searcher.
func New(logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{
		logger: logger.With(slog.String("component", "search")),
		now:    time.Now,
	}
}

// OnExpand installs an expansion observer. It must be set before Run.
func (s *Searcher) OnExpand(h ExpandHook) { s.onExpand = h }

// Phase returns the latest phase transition made by any run. With
// concurrent runs it does not describe a particular one; use Result.Phase.
func (s *Searcher) Phase() Phase { return Phase(s.phase.Load()) }

func (s *Searcher) enter(r *run, ph Phase) {
	r.phase = ph
	s.phase.Store(int32(ph))
}

// Run performs INIT → EXPAND → RANK → DONE. It returns ctx.Err() if
// cancelled during expansion.
func (s *Searcher) Run(ctx context.Context, in Input) (Result, error) {
	started := s.now()

	p := in.Params
	if p.MinDepth < 2 {
		p.MinDepth = 2
	}
	if p.MaxDepth < p.MinDepth {
		p.MaxDepth = p.MinDepth
	}

	r := &run{
		ctx:      ctx,
		in:       in,
		p:        p,
		val:      newValuation(in.Graph, in.Snapshot, p.ReferenceAsset),
		onExpand: s.onExpand,
		created:  started,
	}
	s.enter(r, PhaseInit)
	r.gMax = r.bestEdgeFactor()
	r.target = 1 + p.MinProfit

	s.enter(r, PhaseExpand)
	starts := make([]domain.Asset, 0, len(in.Start))
	for a, amt := range in.Start {
		if amt > 0 {
			starts = append(starts, a)
		}
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	for _, a := range starts {
		if err := ctx.Err(); err != nil {
			s.phase.Store(int32(PhaseDone))
			return Result{Stats: r.stats, Phase: r.phase}, err
		}
		if r.val.of(a) <= 0 {
			continue
		}
		r.startAsset, r.startAmount = a, in.Start[a]
		r.visited = map[domain.Asset]bool{a: true}
		r.usedPairs = map[string]bool{}
		r.expand(a, nil, r.startAmount, 1)
		if r.err != nil {
			s.phase.Store(int32(PhaseDone))
			return Result{Stats: r.stats, Phase: r.phase}, r.err
		}
	}

	s.enter(r, PhaseRank)
	Rank(r.found)
	if p.MaxResults > 0 && len(r.found) > p.MaxResults {
		r.found = r.found[:p.MaxResults]
	}
	r.stats.Found = len(r.found)
	r.stats.Duration = s.now().Sub(started)
	s.enter(r, PhaseDone)

	s.logger.Debug("search done",
		slog.Int("starts", len(starts)),
		slog.Int("evaluated", r.stats.Evaluated),
		slog.Int("pruned", r.stats.Pruned),
		slog.Int("illiquid", r.stats.Illiquid),
		slog.Int("found", r.stats.Found),
		slog.Float64("g_max", r.gMax),
	)

	return Result{Opportunities: r.found, Stats: r.stats, Phase: r.phase}, nil
}

// Rank orders opportunities by net profit descending, then fewer hops, then
// lower aggregate slippage. Whether a path is open or closed plays no part.
func Rank(opps []domain.Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		a, b := opps[i], opps[j]
		if a.NetProfit != b.NetProfit {
			return a.NetProfit > b.NetProfit
		}
		if len(a.Path.Hops) != len(b.Path.Hops) {
			return len(a.Path.Hops) < len(b.Path.Hops)
		}
		return a.Path.Slippage() < b.Path.Slippage()
	})
}

type run struct {
	ctx      context.Context
	in       Input
	p        Params
	val      *valuation
	gMax     float64
	target   float64
	onExpand ExpandHook
	created  time.Time
	phase    Phase

	startAsset  domain.Asset
	startAmount float64
	visited     map[domain.Asset]bool
	usedPairs   map[string]bool

	found []domain.Opportunity
	stats Stats
	calls int
	err   error
}

// bestEdgeFactor is the largest top-of-book value factor of any edge in the
// snapshot. Walking deeper levels only lowers a hop's rate, so no priced hop
// can exceed it.
func (r *run) bestEdgeFactor() float64 {
	best := 0.0
	for _, a := range r.in.Graph.Assets() {
		for _, e := range r.in.Graph.Neighbors(a) {
			book, ok := r.in.Snapshot.Book(e.Pair.Symbol)
			if !ok {
				continue
			}
			if g := r.edgeFactor(e, e.Pair.TopRate(e.Side, book)); g > best {
				best = g
			}
		}
	}
	return best
}

func (r *run) edgeFactor(e graph.Edge, rate float64) float64 {
	from, to := r.val.of(e.From), r.val.of(e.To)
	if from <= 0 || to <= 0 {
		return 0
	}
	return rate * to / from
}

// bound is the best factor a partial path with the given hop count could
// still reach.
func (r *run) bound(factor float64, hops int) float64 {
	return factor * math.Pow(math.Max(1, r.gMax), float64(r.p.MaxDepth-hops))
}

func (r *run) expand(at domain.Asset, path []domain.Hop, amount, factor float64) {
	if r.err != nil {
		return
	}
	r.calls++
	if r.calls%64 == 0 {
		if err := r.ctx.Err(); err != nil {
			r.err = err
			return
		}
	}

	for _, e := range r.in.Graph.Neighbors(at) {
		closing := e.To == r.startAsset
		if r.usedPairs[e.Pair.Symbol] || (r.visited[e.To] && !closing) {
			continue
		}
		hops := len(path) + 1
		if closing && hops < r.p.MinDepth {
			continue
		}

		hop, ok := r.price(e, amount)
		if !ok {
			continue
		}
		next := make([]domain.Hop, hops)
		copy(next, path)
		next[hops-1] = hop
		nextFactor := hop.AmountOut * r.val.of(e.To) / (r.startAmount * r.val.of(r.startAsset))

		if closing {
			r.record(next, nextFactor)
			continue
		}
		if hops >= r.p.MinDepth && r.val.sameUnit(r.startAsset, e.To) {
			r.record(next, nextFactor)
		}
		if hops >= r.p.MaxDepth {
			continue
		}
		if r.bound(nextFactor, hops) < r.target {
			r.stats.Pruned++
			continue
		}

		r.stats.Expanded++
		if r.onExpand != nil {
			r.onExpand(next, nextFactor)
		}
		r.visited[e.To] = true
		r.usedPairs[e.Pair.Symbol] = true
		r.expand(e.To, next, hop.AmountOut, nextFactor)
		delete(r.visited, e.To)
		delete(r.usedPairs, e.Pair.Symbol)
	}
}

// price walks the edge's book for amount. Missing books, insufficient depth
// and orders below the minimum notional make the edge unusable.
func (r *run) price(e graph.Edge, amount float64) (domain.Hop, bool) {
	book, ok := r.in.Snapshot.Book(e.Pair.Symbol)
	if !ok {
		return domain.Hop{}, false
	}
	r.stats.Evaluated++

	conv, err := e.Pair.Convert(e.Side, amount, book)
	if err != nil {
		if errors.Is(err, domain.ErrLiquidityInsufficient) {
			r.stats.Illiquid++
		}
		return domain.Hop{}, false
	}

	baseQty := amount
	if e.Side == domain.SideBuy {
		baseQty = amount / conv.AvgPrice
	}
	if !e.Pair.Rules.MeetsNotional(baseQty, conv.AvgPrice) {
		return domain.Hop{}, false
	}

	return domain.Hop{
		Pair:      e.Pair,
		Side:      e.Side,
		From:      e.From,
		To:        e.To,
		AmountIn:  amount,
		AmountOut: conv.AmountOut,
		AvgPrice:  conv.AvgPrice,
		TopPrice:  conv.TopPrice,
		Slippage:  conv.Slippage,
	}, true
}

func (r *run) record(hops []domain.Hop, factor float64) {
	gross := factor - 1
	net := gross - float64(len(hops))*r.p.SlippageBufferBps/10_000
	if net < r.p.MinProfit {
		return
	}
	r.found = append(r.found, domain.Opportunity{
		ID:          uuid.NewString(),
		Path:        domain.Path{Hops: hops, Factor: factor},
		StartAmount: r.startAmount,
		GrossProfit: gross,
		NetProfit:   net,
		CreatedAt:   r.created,
	})
}
