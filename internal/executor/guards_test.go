package executor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/triarb/internal/domain"
)

func TestDedupForgetsAfterTTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewDedup(time.Minute)
	d.now = func() time.Time { return now }

	assert.True(t, d.Claim("a"))
	assert.False(t, d.Claim("a"))

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	assert.Zero(t, d.Len())
	assert.True(t, d.Claim("a"))
}

func TestReservationIsAllOrNone(t *testing.T) {
	rt := NewReservationTable()
	require.NoError(t, rt.Reserve("x", []domain.Asset{"BTC", "ETH"}))

	err := rt.Reserve("y", []domain.Asset{"USDT", "ETH"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCapitalConflict))
	assert.Equal(t, []domain.Asset{"BTC", "ETH"}, rt.Held(), "failed claim must not hold USDT")
	assert.True(t, rt.Overlaps([]domain.Asset{"ETH"}))

	rt.Release("x")
	assert.Empty(t, rt.Held())
	require.NoError(t, rt.Reserve("y", []domain.Asset{"USDT", "ETH"}))
}

func TestWatchKeepsNewestReportAndDistinctFills(t *testing.T) {
	tr := NewFillTracker()
	w := tr.Watch("cid")
	defer w.Close()

	filledReport := domain.OrderReport{
		ClientOrderID: "cid",
		Status:        domain.OrderStatusFilled,
		ExecutedQty:   dec("2"),
		Fills:         []domain.Fill{{TradeID: 2, Qty: dec("1")}},
	}
	partial := domain.OrderReport{
		ClientOrderID: "cid",
		Status:        domain.OrderStatusPartiallyFilled,
		ExecutedQty:   dec("1"),
		Fills:         []domain.Fill{{TradeID: 1, Qty: dec("1")}},
	}
	tr.Deliver(filledReport)
	tr.Deliver(partial)
	tr.Deliver(partial)
	tr.Deliver(domain.OrderReport{ClientOrderID: "other", Status: domain.OrderStatusFilled})

	r, ok := w.Latest()
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusFilled, r.Status)
	assert.Len(t, r.Fills, 2)
	assert.True(t, fillsCover(r))

	select {
	case <-w.Updates():
	default:
		t.Fatal("expected an update signal")
	}

	w.Close()
	assert.Zero(t, tr.Pending())
}
