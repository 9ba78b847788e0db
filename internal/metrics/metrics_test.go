package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/executor"
)

func TestPublishRecordsCycle(t *testing.T) {
	m := New()
	sum := domain.CycleSummary{
		Cycle:          1,
		Duration:       20 * time.Millisecond,
		PathsEvaluated: 120,
		PathsPruned:    30,
		Opportunities:  2,
		Rejected:       map[string]int{"wide_spread": 3},
		Threshold:      0.002,
		MaxDepth:       4,
		Subscriptions:  9,
		Results: []domain.TradeResult{
			{Outcome: domain.OutcomeComplete, RealizedProfit: 0.003, Hops: []domain.HopFill{{ExecutedQty: decimal.NewFromInt(1)}}},
			{Outcome: domain.OutcomeAborted, ErrorKind: "stale"},
		},
	}
	require.NoError(t, m.Publish(t.Context(), sum))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.pathsEvaluated))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.rejected.WithLabelValues("wide_spread")))
	assert.Equal(t, 0.002, testutil.ToFloat64(m.threshold))
	assert.Equal(t, 9.0, testutil.ToFloat64(m.subscriptions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("complete", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("aborted", "stale")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.realizedProfit))

	require.NoError(t, m.Publish(t.Context(), domain.CycleSummary{Cycle: 2, Paused: true}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.paused))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.pathsEvaluated))
}

func TestObserverAndTransitions(t *testing.T) {
	m := New()
	m.RequestDone("https://api.binance.com", "/api/v3/order", 200, 40*time.Millisecond)
	m.RequestDone("https://api.binance.com", "/api/v3/order", 200, 60*time.Millisecond)
	m.Failover("https://api.binance.com")
	m.WeightUsed(340)
	m.StreamReconnect("depth")
	m.Transition("x", executor.StateSubmit)
	m.Transition("x", executor.StateSubmit)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("https://api.binance.com", "/api/v3/order", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failovers.WithLabelValues("https://api.binance.com")))
	assert.Equal(t, 340.0, testutil.ToFloat64(m.weightUsed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects.WithLabelValues("depth")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues(executor.StateSubmit.String())))
}

func TestHandlerServesTextFormat(t *testing.T) {
	m := New()
	m.WeightUsed(12)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "triarb_exchange_weight_used 12"), body)
	assert.Contains(t, body, "go_goroutines")
}
