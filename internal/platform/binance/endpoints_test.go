package binance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointQuarantinedAfterThreeConsecutiveFailures(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := NewEndpointPool([]string{"a", "b"}, 30*time.Second)
	p.now = func() time.Time { return now }

	p.Seed("a", time.Millisecond, true)
	p.Seed("b", 50*time.Millisecond, true)
	require.Equal(t, "a", p.Best())

	for i := 0; i < 2; i++ {
		p.ReportFailure("a", time.Millisecond)
		assert.Equal(t, "a", p.Best(), "fast endpoint still preferred after %d failures", i+1)
	}
	p.ReportFailure("a", time.Millisecond)
	assert.Equal(t, []string{"b", "a"}, p.Candidates())

	now = now.Add(31 * time.Second)
	assert.Equal(t, "a", p.Best(), "re-admitted after cooldown")
}

func TestEndpointSuccessResetsConsecutiveFailures(t *testing.T) {
	p := NewEndpointPool([]string{"a", "b"}, time.Minute)
	p.ReportFailure("a", time.Millisecond)
	p.ReportFailure("a", time.Millisecond)
	p.ReportSuccess("a", time.Millisecond)
	p.ReportFailure("a", time.Millisecond)

	stats := p.Stats()
	assert.Equal(t, 1, stats[0].Consecutive)
	assert.True(t, stats[0].QuarantinedUntil.IsZero())
}

func TestSlowCallsDemoteWithoutQuarantine(t *testing.T) {
	p := NewEndpointPool([]string{"a", "b"}, time.Minute)
	p.Seed("a", 10*time.Millisecond, true)
	p.Seed("b", 20*time.Millisecond, true)

	for i := 0; i < 5; i++ {
		p.ReportSlow("a", 200*time.Millisecond)
	}
	assert.Equal(t, "b", p.Best())
	assert.True(t, p.Stats()[0].QuarantinedUntil.IsZero())
}

func TestBackoffJitterNeverReordersDelays(t *testing.T) {
	b := Backoff{Base: 10 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.9}
	for run := 0; run < 200; run++ {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 10; attempt++ {
			d := b.Next(attempt)
			require.LessOrEqual(t, d, time.Second)
			if prev < time.Second {
				require.Greater(t, d, prev)
			}
			prev = d
		}
	}
}

func TestBackoffDefaultsFillZeroValue(t *testing.T) {
	var b Backoff
	assert.InDelta(t, float64(DefaultBackoff.Base), float64(b.Next(1)), float64(DefaultBackoff.Base)*0.3)
	assert.Equal(t, DefaultBackoff.Base, b.normalized().Max)
}

func TestGovernorHoldsNonCriticalCallsAtSoftLimit(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 30, 0, time.UTC)
	g := NewWeightGovernor(100, 0.5, 0, 0)
	g.now = func() time.Time { return now }

	assert.Zero(t, g.tryCharge(40, false))
	assert.Equal(t, 30*time.Second, g.tryCharge(20, false))
	assert.Zero(t, g.tryCharge(20, true), "critical calls use the full budget")
	assert.Equal(t, 60, g.Used())

	g.Observe("95")
	assert.Equal(t, 30*time.Second, g.tryCharge(10, true))

	now = now.Add(31 * time.Second)
	assert.Zero(t, g.tryCharge(10, false), "new window resets usage")
	assert.Equal(t, 10, g.Used())
}

func TestGovernorPenaltyBlocksEveryone(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	g := NewWeightGovernor(6000, 0.8, 0, 0)
	g.now = func() time.Time { return now }

	g.Penalize(now.Add(2 * time.Second))
	assert.Equal(t, 2*time.Second, g.tryCharge(1, true))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g.now = time.Now
	g.Penalize(time.Now().Add(time.Hour))
	assert.ErrorIs(t, g.Wait(ctx, 1, true), context.Canceled)
}
