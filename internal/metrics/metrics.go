// Package metrics exposes exchange, cycle and execution metrics in the
// Prometheus text format.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/executor"
)

const namespace = "triarb"

// Metrics owns a private registry and every collector the engine reports to.
// It satisfies the exchange client's Observer, the engine's summary sink and
// the coordinator's transition hook.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	failovers       *prometheus.CounterVec
	rateLimitWait   prometheus.Histogram
	weightUsed      prometheus.Gauge
	reconnects      *prometheus.CounterVec

	cycles         prometheus.Counter
	cycleDuration  prometheus.Histogram
	paused         prometheus.Gauge
	pathsEvaluated prometheus.Counter
	pathsPruned    prometheus.Counter
	opportunities  prometheus.Counter
	rejected       *prometheus.CounterVec
	threshold      prometheus.Gauge
	maxDepth       prometheus.Gauge
	subscriptions  prometheus.Gauge

	transitions    *prometheus.CounterVec
	executions     *prometheus.CounterVec
	realizedProfit prometheus.Histogram
	slippage       prometheus.Histogram
}

// New builds and registers every collector, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "exchange", Name: "requests_total",
			Help: "REST requests by endpoint, path and HTTP status (0 for transport errors).",
		}, []string{"endpoint", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "exchange", Name: "request_duration_seconds",
			Help:    "REST request latency by path.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"path"}),
		failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "exchange", Name: "failovers_total",
			Help: "Endpoint demotions by the endpoint that was left.",
		}, []string{"from"}),
		rateLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "exchange", Name: "rate_limit_wait_seconds",
			Help:    "Back-off imposed by 429/418 responses.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		weightUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "exchange", Name: "weight_used",
			Help: "Request weight used in the current window as reported by the exchange.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "exchange", Name: "stream_reconnects_total",
			Help: "Websocket reconnects by stream.",
		}, []string{"stream"}),

		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "cycles_total",
			Help: "Analysis cycles run.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "cycle_duration_seconds",
			Help:    "Wall time of one cycle including executions.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "engine", Name: "paused",
			Help: "1 while the engine is paused.",
		}),
		pathsEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "search", Name: "paths_evaluated_total",
			Help: "Hops priced against depth books.",
		}),
		pathsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "search", Name: "paths_pruned_total",
			Help: "Partial paths cut by the profit bound.",
		}),
		opportunities: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "search", Name: "opportunities_total",
			Help: "Opportunities that passed the risk filter.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "risk", Name: "rejected_total",
			Help: "Opportunities dropped by the risk filter by reason.",
		}, []string{"reason"}),
		threshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "risk", Name: "min_profit_threshold",
			Help: "Current adaptive minimum profit ratio.",
		}),
		maxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "risk", Name: "max_depth",
			Help: "Current adaptive maximum path length.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "book", Name: "subscriptions",
			Help: "Open depth streams.",
		}),

		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "transitions_total",
			Help: "Execution state machine transitions by target state.",
		}, []string{"state"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "executions_total",
			Help: "Finished executions by outcome and error kind.",
		}, []string{"outcome", "kind"}),
		realizedProfit: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "executor", Name: "realized_profit_ratio",
			Help:    "Realized profit of executions that moved capital.",
			Buckets: []float64{-0.01, -0.005, -0.002, -0.001, 0, 0.001, 0.002, 0.005, 0.01, 0.02},
		}),
		slippage: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "executor", Name: "slippage_ratio",
			Help:    "Summed fill slippage against expected prices.",
			Buckets: []float64{0, 0.0005, 0.001, 0.002, 0.005, 0.01},
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.requestDuration, m.failovers, m.rateLimitWait, m.weightUsed, m.reconnects,
		m.cycles, m.cycleDuration, m.paused, m.pathsEvaluated, m.pathsPruned, m.opportunities,
		m.rejected, m.threshold, m.maxDepth, m.subscriptions,
		m.transitions, m.executions, m.realizedProfit, m.slippage,
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RequestDone records one REST call.
func (m *Metrics) RequestDone(endpoint, path string, status int, d time.Duration) {
	m.requests.WithLabelValues(endpoint, path, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(path).Observe(d.Seconds())
}

// Failover records an endpoint demotion.
func (m *Metrics) Failover(from string) { m.failovers.WithLabelValues(from).Inc() }

// RateLimited records an imposed back-off.
func (m *Metrics) RateLimited(delay time.Duration) { m.rateLimitWait.Observe(delay.Seconds()) }

// WeightUsed records the latest used-weight header.
func (m *Metrics) WeightUsed(used int) { m.weightUsed.Set(float64(used)) }

// StreamReconnect records a websocket reconnect.
func (m *Metrics) StreamReconnect(stream string) { m.reconnects.WithLabelValues(stream).Inc() }

// Transition is an executor.TransitionHook.
func (m *Metrics) Transition(_ string, s executor.State) {
	m.transitions.WithLabelValues(s.String()).Inc()
}

// Publish records a cycle summary.
func (m *Metrics) Publish(_ context.Context, sum domain.CycleSummary) error {
	m.cycles.Inc()
	m.cycleDuration.Observe(sum.Duration.Seconds())
	m.subscriptions.Set(float64(sum.Subscriptions))
	if sum.Paused {
		m.paused.Set(1)
		return nil
	}
	m.paused.Set(0)
	m.pathsEvaluated.Add(float64(sum.PathsEvaluated))
	m.pathsPruned.Add(float64(sum.PathsPruned))
	m.opportunities.Add(float64(sum.Opportunities))
	m.threshold.Set(sum.Threshold)
	m.maxDepth.Set(float64(sum.MaxDepth))
	for reason, n := range sum.Rejected {
		m.rejected.WithLabelValues(reason).Add(float64(n))
	}
	for _, r := range sum.Results {
		m.executions.WithLabelValues(string(r.Outcome), r.ErrorKind).Inc()
		if r.Executed() {
			m.realizedProfit.Observe(r.RealizedProfit)
			m.slippage.Observe(r.Slippage)
		}
	}
	return nil
}
