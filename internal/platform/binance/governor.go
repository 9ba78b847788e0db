package binance

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WeightGovernor tracks the exchange's per-minute request weight and holds
// back calls before the limit is hit. Non-critical calls stop at the soft
// limit so order traffic keeps headroom; critical calls may use the full
// budget. A separate token bucket paces order placement.
type WeightGovernor struct {
	mu          sync.Mutex
	limit       int
	soft        int
	used        int
	window      time.Time
	blockedTill time.Time
	now         func() time.Time

	orders *rate.Limiter
}

// NewWeightGovernor returns a governor for a per-minute weight limit.
// softFraction in (0,1] sets the threshold for non-critical calls.
func NewWeightGovernor(limit int, softFraction, ordersPerSecond float64, orderBurst int) *WeightGovernor {
	if softFraction <= 0 || softFraction > 1 {
		softFraction = 1
	}
	if orderBurst < 1 {
		orderBurst = 1
	}
	lim := rate.Inf
	if ordersPerSecond > 0 {
		lim = rate.Limit(ordersPerSecond)
	}
	return &WeightGovernor{
		limit:  limit,
		soft:   int(float64(limit) * softFraction),
		now:    time.Now,
		orders: rate.NewLimiter(lim, orderBurst),
	}
}

// Wait blocks until weight can be spent in the current window, then charges
// it locally. The header reported by the response later replaces the local
// estimate.
func (g *WeightGovernor) Wait(ctx context.Context, weight int, critical bool) error {
	for {
		delay := g.tryCharge(weight, critical)
		if delay == 0 {
			return nil
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
}

func (g *WeightGovernor) tryCharge(weight int, critical bool) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.roll(now)

	if now.Before(g.blockedTill) {
		return g.blockedTill.Sub(now)
	}

	ceiling := g.soft
	if critical {
		ceiling = g.limit
	}
	if g.limit > 0 && g.used+weight > ceiling && g.used > 0 {
		return g.window.Add(time.Minute).Sub(now)
	}
	g.used += weight
	return 0
}

// WaitOrder paces order placement.
func (g *WeightGovernor) WaitOrder(ctx context.Context) error {
	return g.orders.Wait(ctx)
}

// Observe records the used weight reported by the exchange in the
// X-MBX-USED-WEIGHT-1M header.
func (g *WeightGovernor) Observe(header string) {
	used, err := strconv.Atoi(header)
	if err != nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roll(g.now())
	g.used = used
}

// Penalize blocks every call until the given time after a rate-limit
// response.
func (g *WeightGovernor) Penalize(until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if until.After(g.blockedTill) {
		g.blockedTill = until
	}
}

// Used returns the weight spent in the current window.
func (g *WeightGovernor) Used() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roll(g.now())
	return g.used
}

func (g *WeightGovernor) roll(now time.Time) {
	w := now.Truncate(time.Minute)
	if w.After(g.window) {
		g.window = w
		g.used = 0
	}
}
