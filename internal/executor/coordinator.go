// Package executor turns a scored opportunity into exchange orders, one hop
// at a time, and reports what actually filled.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// State is a step of the execution state machine.
type State int

const (
	StateValidate State = iota
	StateReserve
	StateSubmit
	StateAwaitFill
	StateAdvance
	StateComplete
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateValidate:
		return "VALIDATE"
	case StateReserve:
		return "RESERVE"
	case StateSubmit:
		return "SUBMIT"
	case StateAwaitFill:
		return "AWAIT_FILL"
	case StateAdvance:
		return "ADVANCE"
	case StateComplete:
		return "COMPLETE"
	case StateAborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

// Repricer walks an opportunity's path again against current books.
type Repricer interface {
	Reprice(ctx context.Context, o domain.Opportunity) (domain.Opportunity, error)
}

// TransitionHook observes state changes of every execution.
type TransitionHook func(opportunityID string, s State)

// Config tunes order lifecycle handling.
type Config struct {
	FillTimeout    time.Duration
	PollInterval   time.Duration
	StalenessBound time.Duration
	DedupTTL       time.Duration
}

// Coordinator drives VALIDATE → RESERVE → SUBMIT → AWAIT_FILL → ADVANCE
// for each hop and ends in COMPLETE or ABORTED. A failed hop leaves the
// capital where it is; nothing is unwound.
type Coordinator struct {
	ex           domain.Exchange
	stream       domain.StreamLiveness
	tracker      *FillTracker
	reservations *ReservationTable
	dedup        *Dedup
	repricer     Repricer
	cfg          Config
	logger       *slog.Logger
	now          func() time.Time
	onTransition TransitionHook

	inflight        sync.WaitGroup
	cleanupInterval time.Duration

	shapesMu sync.Mutex
	shapes   map[string]bool
}

// NewCoordinator wires a coordinator to an exchange. stream may be nil, in
// which case fills are always polled over REST.
func NewCoordinator(ex domain.Exchange, stream domain.StreamLiveness, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		ex:           ex,
		stream:       stream,
		tracker:      NewFillTracker(),
		reservations: NewReservationTable(),
		dedup:        NewDedup(cfg.DedupTTL),
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "executor")),
		now:          time.Now,
		shapes:       make(map[string]bool),

		cleanupInterval: time.Minute,
	}
}

// SetRepricer installs the staleness re-pricer. Without one, stale
// opportunities are rejected outright.
func (c *Coordinator) SetRepricer(r Repricer) { c.repricer = r }

// OnTransition installs a state observer. It must be set before use.
func (c *Coordinator) OnTransition(h TransitionHook) { c.onTransition = h }

// Tracker returns the fill tracker the user stream should feed.
func (c *Coordinator) Tracker() *FillTracker { return c.tracker }

// Reservations exposes the reservation table so callers can skip
// opportunities that would conflict.
func (c *Coordinator) Reservations() *ReservationTable { return c.reservations }

// Cleanup forgets expired consumed IDs.
func (c *Coordinator) Cleanup() { c.dedup.Cleanup() }

func (c *Coordinator) transition(id string, s State) {
	c.logger.Debug("execution state", slog.String("opportunity_id", id), slog.String("state", s.String()))
	if c.onTransition != nil {
		c.onTransition(id, s)
	}
}

// hopPlan is one hop with its planned input in exchange decimals.
type hopPlan struct {
	hop       domain.Hop
	plannedIn decimal.Decimal
}

// Validate runs the local rule checks and the exchange dry run for o
// without consuming it or touching capital.
func (c *Coordinator) Validate(ctx context.Context, o domain.Opportunity) error {
	plans, err := c.plan(o)
	if err != nil {
		return err
	}
	return c.preflight(ctx, plans)
}

// Execute runs o to a terminal state. It always returns a TradeResult; the
// result's Outcome and ErrorKind say how far it got.
func (c *Coordinator) Execute(ctx context.Context, o domain.Opportunity) domain.TradeResult {
	c.inflight.Add(1)
	defer c.inflight.Done()

	res := domain.TradeResult{
		OpportunityID:  o.ID,
		Symbols:        o.Path.Symbols(),
		StartAsset:     o.Path.Start(),
		StartAmount:    decimal.NewFromFloat(o.StartAmount),
		EndAsset:       o.Path.End(),
		ExpectedProfit: o.NetProfit,
		StartedAt:      c.now(),
	}
	log := c.logger.With(
		slog.String("opportunity_id", o.ID),
		slog.String("path", strings.Join(res.Symbols, ">")),
	)

	c.transition(o.ID, StateValidate)
	if !c.dedup.Claim(o.ID) {
		return c.abort(res, log, fmt.Errorf("executor: %s: %w", o.ID, domain.ErrAlreadyConsumed))
	}
	if c.cfg.StalenessBound > 0 && o.Age(c.now()) > c.cfg.StalenessBound {
		fresh, err := c.reprice(ctx, o)
		if err != nil {
			return c.abort(res, log, err)
		}
		log.Info("opportunity repriced",
			slog.Float64("net_before", o.NetProfit),
			slog.Float64("net_after", fresh.NetProfit),
		)
		o = fresh
		res.ExpectedProfit = o.NetProfit
	}
	plans, err := c.plan(o)
	if err != nil {
		return c.abort(res, log, err)
	}
	if err := c.preflight(ctx, plans); err != nil {
		return c.abort(res, log, err)
	}

	c.transition(o.ID, StateReserve)
	if err := c.reservations.Reserve(o.ID, o.Path.Assets()); err != nil {
		return c.abort(res, log, err)
	}
	defer c.reservations.Release(o.ID)

	available := res.StartAmount
	ratio := decimal.NewFromInt(1)
	for i, p := range plans {
		hf, out, err := c.runHop(ctx, o.ID, p, ratio, available)
		res.Hops = append(res.Hops, hf)
		for asset, amt := range hf.Commissions {
			res.AddFee(asset, amt)
		}
		res.Slippage += hf.Slippage
		if err != nil {
			return c.fail(res, log, i, err)
		}

		c.transition(o.ID, StateAdvance)
		plannedOut := decimal.NewFromFloat(p.hop.AmountOut)
		if plannedOut.IsPositive() {
			ratio = out.Div(plannedOut)
		}
		available = out
		log.Info("hop filled",
			slog.Int("hop", i+1),
			slog.String("symbol", hf.Symbol),
			slog.String("status", string(hf.Status)),
			slog.String("executed", hf.ExecutedQty.String()),
			slog.String("received", out.String()),
			slog.String("ratio", ratio.StringFixed(6)),
		)
	}

	res.EndAmount = available
	res.RealizedProfit = realizedProfit(o, available)
	res.Outcome = domain.OutcomeComplete
	res.FinishedAt = c.now()
	c.transition(o.ID, StateComplete)
	log.Info("execution complete",
		slog.Float64("expected_profit", res.ExpectedProfit),
		slog.Float64("realized_profit", res.RealizedProfit),
		slog.Float64("slippage", res.Slippage),
		slog.Duration("took", res.FinishedAt.Sub(res.StartedAt)),
	)
	return res
}

func (c *Coordinator) reprice(ctx context.Context, o domain.Opportunity) (domain.Opportunity, error) {
	if c.repricer == nil {
		return domain.Opportunity{}, fmt.Errorf("executor: %s aged %s: %w", o.ID, o.Age(c.now()), domain.ErrStaleOpportunity)
	}
	fresh, err := c.repricer.Reprice(ctx, o)
	if err != nil {
		return domain.Opportunity{}, fmt.Errorf("executor: reprice: %w", err)
	}
	return fresh, nil
}

func (c *Coordinator) abort(res domain.TradeResult, log *slog.Logger, err error) domain.TradeResult {
	res.Outcome = domain.OutcomeAborted
	res.ErrorKind = domain.ErrorKind(err)
	res.Error = err.Error()
	res.EndAsset = res.StartAsset
	res.EndAmount = res.StartAmount
	res.FinishedAt = c.now()
	c.transition(res.OpportunityID, StateAborted)
	log.Warn("execution aborted", slog.String("kind", res.ErrorKind), slog.String("error", res.Error))
	return res
}

// fail ends an execution whose hop failed. If any earlier hop moved
// capital the result is partial and ends wherever the capital now sits.
func (c *Coordinator) fail(res domain.TradeResult, log *slog.Logger, hop int, err error) domain.TradeResult {
	if !res.Executed() {
		return c.abort(res, log, err)
	}
	for i := len(res.Hops) - 1; i >= 0; i-- {
		if h := res.Hops[i]; h.ExecutedQty.IsPositive() {
			res.EndAsset = h.To
			res.EndAmount = h.AmountOut
			break
		}
	}
	err = fmt.Errorf("%w at hop %d: %w", domain.ErrExecutionPartial, hop+1, err)
	res.Outcome = domain.OutcomePartial
	res.ErrorKind = domain.ErrorKind(err)
	res.Error = err.Error()
	res.FinishedAt = c.now()
	c.transition(res.OpportunityID, StateAborted)
	log.Error("execution partial",
		slog.Int("failed_hop", hop+1),
		slog.String("end_asset", string(res.EndAsset)),
		slog.String("end_amount", res.EndAmount.String()),
		slog.String("error", err.Error()),
	)
	return res
}

// plan converts the path to decimal inputs and applies the local trading
// rule checks at the planned sizes.
func (c *Coordinator) plan(o domain.Opportunity) ([]hopPlan, error) {
	if len(o.Path.Hops) == 0 {
		return nil, fmt.Errorf("executor: %s: %w: empty path", o.ID, domain.ErrValidation)
	}
	plans := make([]hopPlan, len(o.Path.Hops))
	for i, h := range o.Path.Hops {
		in := decimal.NewFromFloat(h.AmountIn)
		if i == 0 {
			in = decimal.NewFromFloat(o.StartAmount)
		}
		plans[i] = hopPlan{hop: h, plannedIn: in}
		if _, err := c.request(h, in, ""); err != nil {
			return nil, fmt.Errorf("executor: hop %d: %w", i+1, err)
		}
	}
	return plans, nil
}

// request builds the MARKET order that spends amount of the hop's input
// asset and checks it against the pair's filters. SELL sizes in base;
// BUY spends quote through quoteOrderQty.
func (c *Coordinator) request(h domain.Hop, amount decimal.Decimal, clientID string) (domain.OrderRequest, error) {
	rules := h.Pair.Rules
	price := decimal.NewFromFloat(h.AvgPrice)
	req := domain.OrderRequest{
		Symbol:        h.Pair.Symbol,
		Side:          h.Side,
		Type:          domain.OrderTypeMarket,
		ClientOrderID: clientID,
	}
	if h.Side == domain.SideSell {
		req.Quantity = rules.RoundQty(amount)
		if err := rules.Check(req.Quantity, price); err != nil {
			return req, fmt.Errorf("%s sell %s: %w", h.Pair.Symbol, amount, err)
		}
		return req, nil
	}

	req.QuoteQuantity = rules.RoundQuote(amount)
	if !req.QuoteQuantity.IsPositive() {
		return req, fmt.Errorf("%s buy: %w: quote amount %s rounds to zero", h.Pair.Symbol, domain.ErrValidation, amount)
	}
	if rules.MinNotional.IsPositive() && req.QuoteQuantity.LessThan(rules.MinNotional) {
		return req, fmt.Errorf("%s buy: %w: notional %s below min %s", h.Pair.Symbol, domain.ErrValidation, req.QuoteQuantity, rules.MinNotional)
	}
	if price.IsPositive() {
		if base := rules.RoundQty(req.QuoteQuantity.Div(price)); !base.IsPositive() {
			return req, fmt.Errorf("%s buy: %w: %s buys less than min qty %s", h.Pair.Symbol, domain.ErrValidation, req.QuoteQuantity, rules.MinQty)
		}
	}
	return req, nil
}

// preflight dry-runs every order shape the exchange has not accepted yet.
func (c *Coordinator) preflight(ctx context.Context, plans []hopPlan) error {
	for i, p := range plans {
		req, err := c.request(p.hop, p.plannedIn, "")
		if err != nil {
			return err
		}
		shape := req.Shape()
		c.shapesMu.Lock()
		known := c.shapes[shape]
		c.shapesMu.Unlock()
		if known {
			continue
		}
		if err := c.ex.TestOrder(ctx, req); err != nil {
			return fmt.Errorf("executor: dry run hop %d %s: %w", i+1, shape, err)
		}
		c.shapesMu.Lock()
		c.shapes[shape] = true
		c.shapesMu.Unlock()
	}
	return nil
}

func newClientOrderID() string {
	return "ta" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// runHop submits one hop sized to ratio of its plan, capped by what is
// actually available, and waits for a terminal state. It returns the amount
// of the output asset received net of commissions charged in it.
func (c *Coordinator) runHop(ctx context.Context, oppID string, p hopPlan, ratio, available decimal.Decimal) (domain.HopFill, decimal.Decimal, error) {
	h := p.hop
	hf := domain.HopFill{
		Symbol:        h.Pair.Symbol,
		Side:          h.Side,
		From:          h.From,
		To:            h.To,
		PlannedQty:    p.plannedIn,
		ExpectedPrice: h.AvgPrice,
	}

	amount := p.plannedIn.Mul(ratio)
	if amount.GreaterThan(available) {
		amount = available
	}
	hf.AmountIn = amount

	c.transition(oppID, StateSubmit)
	req, err := c.request(h, amount, newClientOrderID())
	if err != nil {
		return hf, decimal.Zero, err
	}
	hf.ClientOrderID = req.ClientOrderID
	if req.Side == domain.SideSell {
		hf.SubmittedQty = req.Quantity
	} else {
		hf.SubmittedQty = req.QuoteQuantity
	}

	w := c.tracker.Watch(req.ClientOrderID)
	defer w.Close()

	placed, err := c.ex.PlaceOrder(ctx, req)
	if err != nil {
		return hf, decimal.Zero, fmt.Errorf("executor: place %s: %w", req.Symbol, err)
	}
	hf.OrderID = placed.OrderID

	c.transition(oppID, StateAwaitFill)
	report, err := c.awaitFill(ctx, w, placed)
	if err != nil {
		return hf, decimal.Zero, err
	}
	if report.ExecutedQty.IsPositive() && !fillsCover(report) {
		fills, ferr := c.ex.OrderFills(ctx, report.Symbol, report.OrderID)
		if ferr != nil {
			c.logger.Warn("fill records unavailable",
				slog.String("symbol", report.Symbol),
				slog.Int64("order_id", report.OrderID),
				slog.String("error", ferr.Error()),
			)
		} else {
			report.Fills = fills
		}
	}

	out := settle(&hf, report)
	if !report.ExecutedQty.IsPositive() {
		return hf, decimal.Zero, fmt.Errorf("executor: %s order %d %s with nothing executed: %w",
			report.Symbol, report.OrderID, report.Status, domain.ErrLiquidityInsufficient)
	}
	return hf, out, nil
}

// settle copies the final report into hf and computes the received amount.
func settle(hf *domain.HopFill, r domain.OrderReport) decimal.Decimal {
	hf.OrderID = r.OrderID
	hf.Status = r.Status
	hf.ExecutedQty = r.ExecutedQty
	hf.QuoteQty = r.QuoteQty
	hf.AvgPrice = r.AvgPrice()

	gross := r.ExecutedQty
	if hf.Side == domain.SideSell {
		gross = r.QuoteQty
	}
	out := gross
	for _, f := range r.Fills {
		if !f.Commission.IsPositive() {
			continue
		}
		if hf.Commissions == nil {
			hf.Commissions = make(map[domain.Asset]decimal.Decimal)
		}
		hf.Commissions[f.CommissionAsset] = hf.Commissions[f.CommissionAsset].Add(f.Commission)
		if f.CommissionAsset == hf.To {
			out = out.Sub(f.Commission)
		}
	}
	hf.AmountOut = out

	if hf.ExpectedPrice > 0 && hf.AvgPrice.IsPositive() {
		avg := hf.AvgPrice.InexactFloat64()
		if hf.Side == domain.SideSell {
			hf.Slippage = (hf.ExpectedPrice - avg) / hf.ExpectedPrice
		} else {
			hf.Slippage = (avg - hf.ExpectedPrice) / hf.ExpectedPrice
		}
	}
	return out
}

// awaitFill waits for a terminal report from the user stream, polling REST
// while the stream is down. At the fill timeout the order is cancelled and
// whatever state the exchange then reports is final.
func (c *Coordinator) awaitFill(ctx context.Context, w *Watch, placed domain.OrderReport) (domain.OrderReport, error) {
	w.Merge(placed)
	if r, _ := w.Latest(); r.Status.Terminal() {
		return r, nil
	}

	timeout := time.NewTimer(c.cfg.FillTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FillTimeout)
			defer cancel()
			return c.cancelAndSettle(settleCtx, w, placed)
		case <-w.Updates():
			if r, _ := w.Latest(); r.Status.Terminal() {
				return r, nil
			}
		case <-poll.C:
			if c.stream != nil && c.stream.Alive() {
				continue
			}
			r, err := c.ex.QueryOrder(ctx, placed.Symbol, placed.OrderID)
			if err != nil {
				c.logger.Warn("order poll failed",
					slog.String("symbol", placed.Symbol),
					slog.Int64("order_id", placed.OrderID),
					slog.String("error", err.Error()),
				)
				continue
			}
			w.Merge(r)
			if latest, _ := w.Latest(); latest.Status.Terminal() {
				return latest, nil
			}
		case <-timeout.C:
			return c.cancelAndSettle(ctx, w, placed)
		}
	}
}

func (c *Coordinator) cancelAndSettle(ctx context.Context, w *Watch, placed domain.OrderReport) (domain.OrderReport, error) {
	log := c.logger.With(slog.String("symbol", placed.Symbol), slog.Int64("order_id", placed.OrderID))
	log.Warn("fill timeout, cancelling order")

	r, err := c.ex.CancelOrder(ctx, placed.Symbol, placed.OrderID)
	if err == nil {
		w.Merge(r)
	} else {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Warn("cancel failed", slog.String("error", err.Error()))
		}
		q, qerr := c.ex.QueryOrder(ctx, placed.Symbol, placed.OrderID)
		if qerr != nil {
			latest, _ := w.Latest()
			if latest.ExecutedQty.IsPositive() {
				return latest, nil
			}
			return latest, fmt.Errorf("executor: settle %s order %d: %w", placed.Symbol, placed.OrderID, qerr)
		}
		w.Merge(q)
	}
	latest, _ := w.Latest()
	return latest, nil
}

// realizedProfit scales the planned value factor by how much of the
// planned final amount actually arrived.
func realizedProfit(o domain.Opportunity, end decimal.Decimal) float64 {
	n := len(o.Path.Hops)
	if n == 0 {
		return 0
	}
	plannedEnd := o.Path.Hops[n-1].AmountOut
	if plannedEnd <= 0 {
		return 0
	}
	return o.Path.Factor*(end.InexactFloat64()/plannedEnd) - 1
}
