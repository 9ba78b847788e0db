// Package engine runs the analysis cycle: it keeps the market graph and
// depth subscriptions current, searches live books for conversion walks,
// filters them through the risk model and hands the best ones to the
// execution coordinator.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/triarb/internal/book"
	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/executor"
	"github.com/alanyoungcy/triarb/internal/graph"
	"github.com/alanyoungcy/triarb/internal/risk"
	"github.com/alanyoungcy/triarb/internal/search"
)

// Config controls the cycle.
type Config struct {
	CycleInterval           time.Duration
	GraphRebuildInterval    time.Duration
	TickerMaxAge            time.Duration
	MaxDepthSubscriptions   int
	MaxConcurrentExecutions int
	TopVolumeAssets         int
	ReferenceAsset          domain.Asset
	MaxTradeNotional        float64
	MinTradeNotional        float64
	MinDepth                int
	MaxResults              int
	DiscoveryMargin         float64
	// DryRun validates chosen opportunities with exchange test orders
	// instead of executing them.
	DryRun bool
}

// Sink receives every cycle summary.
type Sink interface {
	Publish(ctx context.Context, s domain.CycleSummary) error
}

// TimeSyncer is implemented by exchange clients that sign requests with a
// server-time offset.
type TimeSyncer interface {
	SyncTime(ctx context.Context) error
}

// Deps are the collaborators an Engine drives. BalanceStream may be nil, in
// which case balances are fetched over REST every cycle.
type Deps struct {
	Exchange      domain.Exchange
	Books         *book.Cache
	Tickers       *book.TickerBoard
	Graphs        *graph.Holder
	Searcher      *search.Searcher
	Risk          *risk.Manager
	Coordinator   *executor.Coordinator
	Balances      *Balances
	BalanceStream domain.StreamLiveness
	Sinks         []Sink
}

// Engine owns the cycle loop.
type Engine struct {
	cfg    Config
	d      Deps
	logger *slog.Logger
	now    func() time.Time

	cycle      atomic.Uint64
	health     atomic.Pointer[map[domain.Asset]domain.AssetHealth]
	lastParams atomic.Pointer[search.Params]
	last       atomic.Pointer[domain.CycleSummary]
	paused     atomic.Bool

	statsMu sync.Mutex
	stats   domain.TradingStats
}

// New returns an engine. The coordinator's staleness re-pricer is pointed
// at the engine's live books.
func New(cfg Config, d Deps, logger *slog.Logger) *Engine {
	if cfg.MaxConcurrentExecutions < 1 {
		cfg.MaxConcurrentExecutions = 1
	}
	if cfg.TickerMaxAge <= 0 {
		cfg.TickerMaxAge = 30 * time.Second
	}
	if cfg.MinDepth < 2 {
		cfg.MinDepth = 2
	}
	if d.Balances == nil {
		d.Balances = NewBalances()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:    cfg,
		d:      d,
		logger: logger.With(slog.String("component", "engine")),
		now:    time.Now,
	}
	if d.Coordinator != nil {
		d.Coordinator.SetRepricer(e)
	}
	return e
}

// Balances exposes the balance view so the user stream can feed it.
func (e *Engine) Balances() *Balances { return e.d.Balances }

// Stats returns the running trading statistics.
func (e *Engine) Stats() domain.TradingStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// LastSummary returns the most recent cycle summary, or nil before the
// first cycle.
func (e *Engine) LastSummary() *domain.CycleSummary { return e.last.Load() }

// Paused reports whether the last cycle was paused for maintenance.
func (e *Engine) Paused() bool { return e.paused.Load() }

// Bootstrap loads trading rules and builds the first graph. Without rules
// the engine cannot run, so failure wraps ErrFatalConfiguration.
func (e *Engine) Bootstrap(ctx context.Context) error {
	if err := e.RefreshMarket(ctx); err != nil {
		return fmt.Errorf("%w: engine: bootstrap: %w", domain.ErrFatalConfiguration, err)
	}
	return nil
}

// RefreshMarket reloads trading rules, rebuilds the graph, refreshes asset
// health and resynchronises the clock. A degenerate rebuild keeps the
// previous graph.
func (e *Engine) RefreshMarket(ctx context.Context) error {
	if ts, ok := e.d.Exchange.(TimeSyncer); ok {
		if err := ts.SyncTime(ctx); err != nil {
			e.logger.WarnContext(ctx, "time sync failed", slog.String("error", err.Error()))
		}
	}

	pairs, err := e.d.Exchange.TradingRules(ctx)
	if err != nil {
		return fmt.Errorf("engine: trading rules: %w", err)
	}
	g, err := e.d.Graphs.Rebuild(pairs)
	if err != nil {
		return fmt.Errorf("engine: rebuild graph: %w", err)
	}
	e.logger.InfoContext(ctx, "market graph rebuilt",
		slog.Int("pairs", len(g.Pairs())),
		slog.Int("assets", len(g.Assets())),
		slog.Int("edges", g.EdgeCount()),
	)

	health, err := e.d.Exchange.AssetHealth(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "asset health unavailable, keeping previous", slog.String("error", err.Error()))
		return nil
	}
	e.health.Store(&health)
	return nil
}

func (e *Engine) assetHealth() map[domain.Asset]domain.AssetHealth {
	if h := e.health.Load(); h != nil {
		return *h
	}
	return nil
}

// Run bootstraps and then runs a cycle every CycleInterval and a market
// refresh every GraphRebuildInterval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Bootstrap(ctx); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "engine started",
		slog.Duration("cycle_interval", e.cfg.CycleInterval),
		slog.Bool("dry_run", e.cfg.DryRun),
	)
	defer e.logger.Info("engine stopped")

	cycle := time.NewTicker(e.cfg.CycleInterval)
	defer cycle.Stop()
	rebuild := time.NewTicker(e.cfg.GraphRebuildInterval)
	defer rebuild.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rebuild.C:
			if err := e.RefreshMarket(ctx); err != nil {
				e.logger.ErrorContext(ctx, "market refresh failed", slog.String("error", err.Error()))
			}
		case <-cycle.C:
			e.RunCycle(ctx)
		}
	}
}

// RunCycle performs one analysis cycle and publishes its summary.
func (e *Engine) RunCycle(ctx context.Context) domain.CycleSummary {
	sum := domain.CycleSummary{
		Cycle:     e.cycle.Add(1),
		StartedAt: e.now(),
	}
	log := e.logger.With(slog.Uint64("cycle", sum.Cycle))
	log.DebugContext(ctx, "cycle start")

	defer func() {
		sum.Duration = e.now().Sub(sum.StartedAt)
		sum.Stats = e.Stats()
		sum.Subscriptions = len(e.d.Books.Subscribed())
		e.last.Store(&sum)
		e.publish(ctx, sum)
		log.InfoContext(ctx, "cycle done",
			slog.Bool("paused", sum.Paused),
			slog.Int("evaluated", sum.PathsEvaluated),
			slog.Int("pruned", sum.PathsPruned),
			slog.Int("opportunities", sum.Opportunities),
			slog.Int("executions", len(sum.Results)),
			slog.Duration("took", sum.Duration),
		)
	}()

	if reason := e.maintenance(ctx); reason != "" {
		sum.Paused, sum.PauseReason = true, reason
		return sum
	}

	g := e.d.Graphs.Load()
	if g == nil {
		sum.Paused, sum.PauseReason = true, "no market graph"
		return sum
	}

	balances, err := e.balances(ctx)
	if err != nil {
		log.WarnContext(ctx, "balances unavailable", slog.String("error", err.Error()))
		sum.Paused, sum.PauseReason = true, "balances unavailable"
		return sum
	}

	params := e.d.Risk.ComputeParameters()
	sp := search.Params{
		MinDepth:          e.cfg.MinDepth,
		MaxDepth:          params.MaxDepth,
		MinProfit:         params.MinProfitThreshold,
		SlippageBufferBps: params.SlippageBufferBps,
		MaxResults:        e.cfg.MaxResults,
		ReferenceAsset:    e.cfg.ReferenceAsset,
	}
	e.lastParams.Store(&sp)
	sum.Threshold, sum.MaxDepth = sp.MinProfit, sp.MaxDepth

	starts, err := e.discover(ctx, g, balances, sp)
	if err != nil {
		log.WarnContext(ctx, "discovery failed", slog.String("error", err.Error()))
	}
	if len(starts) == 0 {
		return sum
	}

	snap := e.d.Books.Snapshot(nil)
	e.observeBooks(g, snap)

	res, err := e.d.Searcher.Run(ctx, search.Input{Graph: g, Snapshot: snap, Start: starts, Params: sp})
	sum.PathsEvaluated = res.Stats.Evaluated
	sum.PathsPruned = res.Stats.Pruned
	sum.PathsIlliquid = res.Stats.Illiquid
	if err != nil {
		log.WarnContext(ctx, "search interrupted", slog.String("error", err.Error()))
		return sum
	}

	opps, rejected := e.d.Risk.Filter(res.Opportunities, e.assetHealth(), snap, params)
	sum.Opportunities = len(opps)
	if len(rejected) > 0 {
		sum.Rejected = make(map[string]int, len(rejected))
		for why, n := range rejected {
			sum.Rejected[string(why)] = n
		}
	}
	if len(opps) == 0 {
		return sum
	}

	chosen := e.choose(opps)
	if len(chosen) == 0 {
		return sum
	}
	brief := chosen[0].Brief()
	sum.Chosen = &brief
	for _, o := range chosen {
		log.InfoContext(ctx, "opportunity",
			slog.String("id", o.ID),
			slog.Any("path", o.Path.Symbols()),
			slog.Bool("closed", o.Path.Closed()),
			slog.Float64("net_profit", o.NetProfit),
			slog.Float64("risk_score", o.RiskScore),
		)
	}

	if e.cfg.DryRun {
		e.validate(ctx, chosen)
		return sum
	}
	sum.Results = e.execute(ctx, chosen)
	return sum
}

// maintenance returns a pause reason when trading should not proceed.
func (e *Engine) maintenance(ctx context.Context) string {
	status, err := e.d.Exchange.SystemStatus(ctx)
	reason := ""
	switch {
	case err != nil:
		reason = "system status unavailable: " + domain.ErrorKind(err)
	case status.Maintenance():
		reason = "exchange maintenance"
		if status.Message != "" {
			reason += ": " + status.Message
		}
	}

	was := e.paused.Swap(reason != "")
	switch {
	case reason != "" && !was:
		e.logger.WarnContext(ctx, "engine paused", slog.String("reason", reason))
	case reason == "" && was:
		e.logger.InfoContext(ctx, "engine resumed")
	}
	return reason
}

// balances returns free balances as floats, refreshing over REST when the
// account stream cannot be trusted.
func (e *Engine) balances(ctx context.Context) (map[domain.Asset]float64, error) {
	streamOK := e.d.BalanceStream != nil && e.d.BalanceStream.Alive()
	if !streamOK || e.d.Balances.Empty() {
		all, err := e.d.Exchange.Balances(ctx)
		if err != nil {
			return nil, fmt.Errorf("engine: balances: %w", err)
		}
		e.d.Balances.Replace(all)
	}
	snap := e.d.Balances.Snapshot()
	out := make(map[domain.Asset]float64, len(snap))
	for a, v := range snap {
		out[a] = v.InexactFloat64()
	}
	return out, nil
}

// observeBooks feeds depth mids into the volatility model.
func (e *Engine) observeBooks(g *graph.Graph, snap *domain.GraphSnapshot) {
	for _, sym := range snap.Symbols() {
		p, ok := g.Pair(sym)
		if !ok {
			continue
		}
		b, _ := snap.Book(sym)
		at := b.Received
		if at.IsZero() {
			at = snap.CapturedAt()
		}
		e.d.Risk.ObserveBook(p, b, at)
	}
}

// choose picks the best opportunities whose assets are pairwise disjoint
// and not reserved by an execution still in flight.
func (e *Engine) choose(opps []domain.Opportunity) []domain.Opportunity {
	used := make(map[domain.Asset]bool)
	var out []domain.Opportunity
	for _, o := range opps {
		if len(out) >= e.cfg.MaxConcurrentExecutions {
			break
		}
		assets := o.Path.Assets()
		if e.d.Coordinator.Reservations().Overlaps(assets) {
			continue
		}
		clash := false
		for _, a := range assets {
			if used[a] {
				clash = true
				break
			}
		}
		if clash {
			continue
		}
		for _, a := range assets {
			used[a] = true
		}
		out = append(out, o)
	}
	return out
}

// execute runs the chosen opportunities concurrently. Executions run on a
// context detached from ctx so shutdown does not strand a half-walked path;
// the coordinator's drain bounds how long shutdown waits for them.
func (e *Engine) execute(ctx context.Context, chosen []domain.Opportunity) []domain.TradeResult {
	execCtx := context.WithoutCancel(ctx)
	results := make([]domain.TradeResult, len(chosen))

	var g errgroup.Group
	for i, o := range chosen {
		g.Go(func() error {
			results[i] = e.d.Coordinator.Execute(execCtx, o)
			return nil
		})
	}
	_ = g.Wait()

	e.statsMu.Lock()
	for _, r := range results {
		e.stats.Record(r)
	}
	e.statsMu.Unlock()
	for _, r := range results {
		e.d.Risk.Ingest(r)
	}
	return results
}

// validate dry-runs the chosen opportunities.
func (e *Engine) validate(ctx context.Context, chosen []domain.Opportunity) {
	for _, o := range chosen {
		if err := e.d.Coordinator.Validate(ctx, o); err != nil {
			e.logger.WarnContext(ctx, "dry run rejected",
				slog.String("id", o.ID),
				slog.String("kind", domain.ErrorKind(err)),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.logger.InfoContext(ctx, "dry run accepted", slog.String("id", o.ID))
	}
}

func (e *Engine) publish(ctx context.Context, sum domain.CycleSummary) {
	for _, s := range e.d.Sinks {
		if err := s.Publish(ctx, sum); err != nil {
			e.logger.WarnContext(ctx, "summary sink failed", slog.String("error", err.Error()))
		}
	}
}

// Reprice walks o again over the current books with this cycle's search
// parameters.
func (e *Engine) Reprice(_ context.Context, o domain.Opportunity) (domain.Opportunity, error) {
	g := e.d.Graphs.Load()
	p := e.lastParams.Load()
	if g == nil || p == nil {
		return domain.Opportunity{}, fmt.Errorf("engine: reprice %s: %w", o.ID, domain.ErrStaleOpportunity)
	}
	return search.Reprice(g, e.d.Books.Snapshot(nil), o, *p, e.now())
}
