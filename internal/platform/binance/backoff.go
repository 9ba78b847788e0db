package binance

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays with bounded jitter. Delays
// grow strictly with the attempt number until they reach Max.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// DefaultBackoff is used for rate-limit retries and stream reconnects when
// the configuration leaves the parameters unset.
var DefaultBackoff = Backoff{
	Base:   500 * time.Millisecond,
	Max:    30 * time.Second,
	Factor: 2,
	Jitter: 0.2,
}

func (b Backoff) normalized() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoff.Base
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Factor <= 1 {
		b.Factor = DefaultBackoff.Factor
	}
	// Factor*(1-j) must exceed (1+j) or two neighbouring jittered delays
	// could overlap.
	limit := (b.Factor - 1) / (b.Factor + 1) * 0.9
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > limit {
		b.Jitter = limit
	}
	return b
}

// Next returns the delay before retry number attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	b = b.normalized()
	if attempt < 1 {
		attempt = 1
	}

	window := float64(b.Base) * math.Pow(b.Factor, float64(attempt-1))
	if b.Jitter > 0 {
		window *= 1 + b.Jitter*(2*rand.Float64()-1)
	}
	if window >= float64(b.Max) || math.IsInf(window, 1) {
		return b.Max
	}
	return time.Duration(window)
}

// sleepCtx blocks for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
