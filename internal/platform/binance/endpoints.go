package binance

import (
	"sort"
	"sync"
	"time"
)

const (
	// ewmaAlpha weights the newest observation in latency and error-rate
	// averages.
	ewmaAlpha = 0.3

	// quarantineAfter consecutive failures takes an endpoint out of rotation
	// for the cooldown period.
	quarantineAfter = 3
)

// EndpointStat is a point-in-time view of one endpoint's health.
type EndpointStat struct {
	URL              string        `json:"url"`
	Latency          time.Duration `json:"latency"`
	ErrorRate        float64       `json:"error_rate"`
	Consecutive      int           `json:"consecutive_failures"`
	QuarantinedUntil time.Time     `json:"quarantined_until,omitempty"`
}

type endpointState struct {
	url         string
	order       int
	latency     float64 // seconds, EWMA
	errRate     float64 // 0..1, EWMA
	consecutive int
	quarantined time.Time
}

func (e *endpointState) score() float64 {
	return e.latency * (1 + 4*e.errRate)
}

// EndpointPool ranks a set of equivalent REST base URLs by observed latency
// and error rate. Endpoints that fail repeatedly are quarantined for a
// cooldown and then re-admitted.
type EndpointPool struct {
	mu        sync.Mutex
	endpoints []*endpointState
	cooldown  time.Duration
	now       func() time.Time
}

// NewEndpointPool returns a pool over urls. Until latencies are measured the
// configured order is the ranking.
func NewEndpointPool(urls []string, cooldown time.Duration) *EndpointPool {
	p := &EndpointPool{cooldown: cooldown, now: time.Now}
	for i, u := range urls {
		p.endpoints = append(p.endpoints, &endpointState{url: u, order: i})
	}
	return p
}

// Candidates returns every endpoint, best first. Healthy endpoints are
// ordered by score; quarantined ones follow, soonest re-admission first.
func (p *EndpointPool) Candidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	ranked := make([]*endpointState, len(p.endpoints))
	copy(ranked, p.endpoints)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		aq, bq := now.Before(a.quarantined), now.Before(b.quarantined)
		if aq != bq {
			return !aq
		}
		if aq {
			return a.quarantined.Before(b.quarantined)
		}
		if a.score() != b.score() {
			return a.score() < b.score()
		}
		return a.order < b.order
	})

	out := make([]string, len(ranked))
	for i, e := range ranked {
		out[i] = e.url
	}
	return out
}

// Best returns the top-ranked endpoint.
func (p *EndpointPool) Best() string {
	c := p.Candidates()
	if len(c) == 0 {
		return ""
	}
	return c[0]
}

// ReportSuccess records a completed call.
func (p *EndpointPool) ReportSuccess(url string, latency time.Duration) {
	p.update(url, func(e *endpointState) {
		e.latency = ewma(e.latency, latency.Seconds())
		e.errRate = ewma(e.errRate, 0)
		e.consecutive = 0
	})
}

// ReportSlow records a call that completed but exceeded the latency budget.
// The endpoint is demoted without counting towards quarantine.
func (p *EndpointPool) ReportSlow(url string, latency time.Duration) {
	p.update(url, func(e *endpointState) {
		e.latency = ewma(e.latency, latency.Seconds())
		e.errRate = ewma(e.errRate, 0.5)
	})
}

// ReportFailure records a timeout, transport error or server error. elapsed
// is folded into the latency average so a hanging endpoint sinks quickly.
func (p *EndpointPool) ReportFailure(url string, elapsed time.Duration) {
	p.update(url, func(e *endpointState) {
		e.latency = ewma(e.latency, elapsed.Seconds())
		e.errRate = ewma(e.errRate, 1)
		e.consecutive++
		if e.consecutive >= quarantineAfter {
			e.quarantined = p.now().Add(p.cooldown)
			e.consecutive = 0
		}
	})
}

// Seed sets the initial latency measured by a startup probe.
func (p *EndpointPool) Seed(url string, latency time.Duration, ok bool) {
	p.update(url, func(e *endpointState) {
		e.latency = latency.Seconds()
		if !ok {
			e.errRate = 1
		}
	})
}

// Stats returns the current state of every endpoint in configured order.
func (p *EndpointPool) Stats() []EndpointStat {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]EndpointStat, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		out = append(out, EndpointStat{
			URL:              e.url,
			Latency:          time.Duration(e.latency * float64(time.Second)),
			ErrorRate:        e.errRate,
			Consecutive:      e.consecutive,
			QuarantinedUntil: e.quarantined,
		})
	}
	return out
}

func (p *EndpointPool) update(url string, fn func(*endpointState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.endpoints {
		if e.url == url {
			fn(e)
			return
		}
	}
}

func ewma(prev, sample float64) float64 {
	return prev + ewmaAlpha*(sample-prev)
}
