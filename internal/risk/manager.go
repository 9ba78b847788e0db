// Package risk derives adaptive search parameters from rolling market
// statistics and filters opportunities before execution.
package risk

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// Config anchors the parameter model.
type Config struct {
	HalfLife time.Duration
	// VolatilityAnchor is the per-second mid-return stdev treated as normal.
	VolatilityAnchor float64
	// VolumeAnchor is the 24h quote volume, in the reference asset, treated
	// as normal.
	VolumeAnchor float64
	MaxSpread    float64
	// MaxMultiplier bounds how far volatility and volume can move the
	// threshold in either direction.
	MaxMultiplier float64

	MinProfit         float64
	MaxProfit         float64
	MinDepth          int
	MaxDepth          int
	SlippageBufferBps float64
}

// Parameters are the adaptive inputs for one search cycle.
type Parameters struct {
	MinProfitThreshold float64                  `json:"min_profit_threshold"`
	MaxDepth           int                      `json:"max_depth"`
	SlippageBufferBps  float64                  `json:"slippage_buffer_bps"`
	AssetDiscount      map[domain.Asset]float64 `json:"asset_discount,omitempty"`
}

// MarketStats is an aggregate view of the rolling statistics.
type MarketStats struct {
	Pairs       int     `json:"pairs"`
	Volatility  float64 `json:"volatility"`
	Volume      float64 `json:"volume"`
	SuccessRate float64 `json:"success_rate"`
	AbortRate   float64 `json:"abort_rate"`
	Slippage    float64 `json:"slippage"`
	Results     int     `json:"results"`
}

// resultAlpha weights each new trade result in the success and slippage
// averages.
const resultAlpha = 0.1

// Manager owns the rolling statistics. It is safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.RWMutex
	pairs       map[string]*pairStats
	successRate float64
	abortRate   float64
	slippage    float64
	results     int
}

// NewManager returns a manager with no history.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.MaxMultiplier < 1 {
		cfg.MaxMultiplier = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "risk")),
		pairs:       make(map[string]*pairStats),
		successRate: 1,
	}
}

func (m *Manager) pair(p domain.Pair) *pairStats {
	s, ok := m.pairs[p.Symbol]
	if !ok {
		s = &pairStats{base: string(p.Base), quote: string(p.Quote)}
		m.pairs[p.Symbol] = s
	}
	return s
}

// ObserveBook samples a book's mid price and spread. Call once per cycle
// per pair.
func (m *Manager) ObserveBook(p domain.Pair, book domain.OrderBookSnapshot, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.pair(p)
	s.observeMid(book.Mid(), at, m.cfg.HalfLife)
	s.spread = book.Spread()
}

// ObserveVolume folds a 24h quote volume, already converted to the
// reference asset, into the pair's rolling volume.
func (m *Manager) ObserveVolume(p domain.Pair, volume float64, at time.Time) {
	if volume < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pair(p).observeVolume(volume, at, m.cfg.HalfLife)
}

// Ingest folds an execution result into the rolling averages. Every result
// moves the abort rate; only attempts that reached the exchange move the
// success rate and realized slippage.
func (m *Manager) Ingest(r domain.TradeResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results++

	aborted := r.Outcome == domain.OutcomeAborted && !r.Executed()
	a := 0.0
	if aborted {
		a = 1
	}
	m.abortRate += resultAlpha * (a - m.abortRate)
	if aborted {
		return
	}

	ok := 0.0
	if r.Success() {
		ok = 1
	}
	m.successRate += resultAlpha * (ok - m.successRate)
	if r.Executed() && len(r.Hops) > 0 {
		perHop := math.Abs(r.Slippage) / float64(len(r.Hops))
		if m.slippage == 0 {
			m.slippage = perHop
		} else {
			m.slippage += resultAlpha * (perHop - m.slippage)
		}
	}
}

// Stats returns the aggregate statistics.
func (m *Manager) Stats() MarketStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vol, volume, n := m.aggregate()
	return MarketStats{
		Pairs:       n,
		Volatility:  vol,
		Volume:      volume,
		SuccessRate: m.successRate,
		AbortRate:   m.abortRate,
		Slippage:    m.slippage,
		Results:     m.results,
	}
}

// aggregate returns mean volatility and mean volume over pairs with data.
// Callers hold m.mu.
func (m *Manager) aggregate() (vol, volume float64, pairs int) {
	var nVol, nVolume int
	for _, s := range m.pairs {
		if v, ok := s.volatility(); ok {
			vol += v
			nVol++
		}
		if s.hasVol {
			volume += s.volume
			nVolume++
		}
	}
	if nVol > 0 {
		vol /= float64(nVol)
	}
	if nVolume > 0 {
		volume /= float64(nVolume)
	}
	return vol, volume, len(m.pairs)
}

// ComputeParameters derives this cycle's search parameters. The threshold
// starts at the geometric mean of the profit bounds, scales up with
// volatility and down with volume, rises when recent executions fail or
// attempts abort before reaching the exchange, and is clamped to the bounds. Depth shrinks as volatility rises.
func (m *Manager) ComputeParameters() Parameters {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mx := m.cfg.MaxMultiplier
	vol, volume, _ := m.aggregate()

	volMult := 1.0
	if vol > 0 && m.cfg.VolatilityAnchor > 0 {
		volMult = clamp(vol/m.cfg.VolatilityAnchor, 1/mx, mx)
	}
	volumeMult := 1.0
	if volume > 0 && m.cfg.VolumeAnchor > 0 {
		volumeMult = clamp(m.cfg.VolumeAnchor/volume, 1/mx, mx)
	}

	base := math.Sqrt(m.cfg.MinProfit * m.cfg.MaxProfit)
	threshold := base * volMult * volumeMult
	threshold *= 1 + math.Max(0, 0.8-m.successRate) + 0.5*m.abortRate
	threshold = clamp(threshold, m.cfg.MinProfit, m.cfg.MaxProfit)

	depth := m.cfg.MaxDepth
	if volMult > 1 && mx > 1 {
		span := float64(m.cfg.MaxDepth - m.cfg.MinDepth)
		depth = m.cfg.MaxDepth - int(math.Round((volMult-1)/(mx-1)*span))
	}
	depth = max(m.cfg.MinDepth, min(m.cfg.MaxDepth, depth))

	params := Parameters{
		MinProfitThreshold: threshold,
		MaxDepth:           depth,
		SlippageBufferBps:  m.cfg.SlippageBufferBps + m.slippage*10_000,
		AssetDiscount:      m.assetDiscounts(),
	}
	m.logger.Debug("risk parameters",
		slog.Float64("volatility", vol),
		slog.Float64("volume", volume),
		slog.Float64("success_rate", m.successRate),
		slog.Float64("abort_rate", m.abortRate),
		slog.Float64("threshold", threshold),
		slog.Int("max_depth", depth),
	)
	return params
}

// assetDiscounts maps each asset to a score discount in [0, 0.5] that grows
// with the volatility of its most volatile pair above the anchor. Callers
// hold m.mu.
func (m *Manager) assetDiscounts() map[domain.Asset]float64 {
	if m.cfg.VolatilityAnchor <= 0 {
		return nil
	}
	worst := make(map[domain.Asset]float64)
	for _, s := range m.pairs {
		v, ok := s.volatility()
		if !ok {
			continue
		}
		for _, a := range []domain.Asset{domain.Asset(s.base), domain.Asset(s.quote)} {
			if v > worst[a] {
				worst[a] = v
			}
		}
	}
	out := make(map[domain.Asset]float64)
	for a, v := range worst {
		if v > m.cfg.VolatilityAnchor {
			out[a] = clamp(1-m.cfg.VolatilityAnchor/v, 0, 0.5)
		}
	}
	return out
}

// Rejection explains why an opportunity was dropped.
type Rejection string

const (
	RejectUnhealthyAsset Rejection = "unhealthy_asset"
	RejectWideSpread     Rejection = "wide_spread"
	RejectBelowThreshold Rejection = "below_threshold"
)

// ScoreOpportunity drops opportunities that touch an asset with deposits or
// withdrawals disabled, cross a pair whose spread exceeds the limit, or fall
// below the threshold. Survivors get RiskScore = NetProfit discounted by
// every touched asset's volatility discount.
func (m *Manager) ScoreOpportunity(o domain.Opportunity, health map[domain.Asset]domain.AssetHealth, snap *domain.GraphSnapshot, params Parameters) (domain.Opportunity, Rejection) {
	for _, a := range o.Path.Assets() {
		if h, ok := health[a]; ok && !h.Healthy() {
			return o, RejectUnhealthyAsset
		}
	}
	for _, h := range o.Path.Hops {
		if snap == nil {
			break
		}
		book, ok := snap.Book(h.Pair.Symbol)
		if ok && book.Spread() > m.cfg.MaxSpread {
			return o, RejectWideSpread
		}
	}
	if o.NetProfit < params.MinProfitThreshold {
		return o, RejectBelowThreshold
	}

	score := o.NetProfit
	for _, a := range o.Path.Assets() {
		score *= 1 - params.AssetDiscount[a]
	}
	o.RiskScore = score
	return o, ""
}

// Filter scores every opportunity, drops rejected ones and orders the rest
// by risk score. Equal scores keep their incoming order.
func (m *Manager) Filter(opps []domain.Opportunity, health map[domain.Asset]domain.AssetHealth, snap *domain.GraphSnapshot, params Parameters) ([]domain.Opportunity, map[Rejection]int) {
	out := make([]domain.Opportunity, 0, len(opps))
	rejected := make(map[Rejection]int)
	for _, o := range opps {
		scored, why := m.ScoreOpportunity(o, health, snap, params)
		if why != "" {
			rejected[why]++
			continue
		}
		out = append(out, scored)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RiskScore > out[j].RiskScore })
	return out, rejected
}
