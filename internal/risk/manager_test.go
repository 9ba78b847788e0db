package risk

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/triarb/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		HalfLife:          time.Minute,
		VolatilityAnchor:  0.0005,
		VolumeAnchor:      1_000_000,
		MaxSpread:         0.01,
		MaxMultiplier:     2,
		MinProfit:         0.001,
		MaxProfit:         0.01,
		MinDepth:          2,
		MaxDepth:          4,
		SlippageBufferBps: 2,
	}
}

func ethbtc() domain.Pair {
	return domain.Pair{Symbol: "ETHBTC", Base: "ETH", Quote: "BTC", Status: domain.PairStatusTrading}
}

func book(bid, ask float64) domain.OrderBookSnapshot {
	return domain.OrderBookSnapshot{
		Symbol: "ETHBTC",
		Bids:   []domain.PriceLevel{{Price: bid, Qty: 1}},
		Asks:   []domain.PriceLevel{{Price: ask, Qty: 1}},
	}
}

// feedReturns alternates the mid by ±step every second.
func feedReturns(m *Manager, step float64, n int) {
	mid := 0.05
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			mid *= 1 + step
		} else {
			mid /= 1 + step
		}
		m.ObserveBook(ethbtc(), book(mid*0.9999, mid*1.0001), t0.Add(time.Duration(i)*time.Second))
	}
}

func TestParametersWithoutHistoryUseGeometricMean(t *testing.T) {
	m := NewManager(testConfig(), nil)
	p := m.ComputeParameters()
	assert.InDelta(t, 0.0031623, p.MinProfitThreshold, 1e-6)
	assert.Equal(t, 4, p.MaxDepth)
	assert.InDelta(t, 2, p.SlippageBufferBps, 1e-12)
	assert.Empty(t, p.AssetDiscount)
}

func TestThresholdRisesWithVolatilityAndDepthFalls(t *testing.T) {
	calm := NewManager(testConfig(), nil)
	feedReturns(calm, 0.0001, 120)
	wild := NewManager(testConfig(), nil)
	feedReturns(wild, 0.003, 120)

	pc, pw := calm.ComputeParameters(), wild.ComputeParameters()
	assert.Greater(t, pw.MinProfitThreshold, pc.MinProfitThreshold)
	assert.Less(t, pw.MaxDepth, pc.MaxDepth)
	assert.Equal(t, 2, pw.MaxDepth, "clamped to the minimum depth at the multiplier cap")
	assert.LessOrEqual(t, pw.MinProfitThreshold, 0.01)
	assert.GreaterOrEqual(t, pc.MinProfitThreshold, 0.001)

	assert.Positive(t, pw.AssetDiscount["ETH"])
	assert.Positive(t, pw.AssetDiscount["BTC"])
	assert.LessOrEqual(t, pw.AssetDiscount["ETH"], 0.5)
	assert.Zero(t, pc.AssetDiscount["ETH"])
}

func TestThresholdFallsWithVolume(t *testing.T) {
	thin := NewManager(testConfig(), nil)
	thin.ObserveVolume(ethbtc(), 100_000, t0)
	deep := NewManager(testConfig(), nil)
	deep.ObserveVolume(ethbtc(), 10_000_000, t0)

	assert.Greater(t, thin.ComputeParameters().MinProfitThreshold, deep.ComputeParameters().MinProfitThreshold)
}

func TestVolatilityEstimateTracksReturnSize(t *testing.T) {
	m := NewManager(testConfig(), nil)
	feedReturns(m, 0.001, 600)
	stats := m.Stats()
	// Each one-second return is ln(1.001) in magnitude.
	assert.InDelta(t, 0.0009995, stats.Volatility, 1e-5)
	assert.Equal(t, 1, stats.Pairs)
}

func TestIngestLowersSuccessRateAndRaisesBuffer(t *testing.T) {
	m := NewManager(testConfig(), nil)
	before := m.ComputeParameters()

	failed := domain.TradeResult{
		Outcome:  domain.OutcomePartial,
		Slippage: 0.002,
		Hops: []domain.HopFill{
			{ExecutedQty: decimal.NewFromInt(1)},
			{ExecutedQty: decimal.Zero},
		},
	}
	for i := 0; i < 10; i++ {
		m.Ingest(failed)
	}
	m.Ingest(domain.TradeResult{Outcome: domain.OutcomeAborted})

	stats := m.Stats()
	assert.Equal(t, 11, stats.Results)
	assert.Less(t, stats.SuccessRate, 0.5)
	assert.InDelta(t, 0.001, stats.Slippage, 1e-12)

	after := m.ComputeParameters()
	assert.Greater(t, after.MinProfitThreshold, before.MinProfitThreshold)
	assert.InDelta(t, 12, after.SlippageBufferBps, 1e-9)
}

func TestAbortedAttemptsRaiseThreshold(t *testing.T) {
	m := NewManager(testConfig(), nil)
	before := m.ComputeParameters()

	for i := 0; i < 10; i++ {
		m.Ingest(domain.TradeResult{Outcome: domain.OutcomeAborted})
	}

	stats := m.Stats()
	assert.Equal(t, 10, stats.Results)
	assert.InDelta(t, 1-math.Pow(0.9, 10), stats.AbortRate, 1e-12)
	assert.InDelta(t, 1.0, stats.SuccessRate, 1e-12)
	assert.Zero(t, stats.Slippage)

	after := m.ComputeParameters()
	assert.Greater(t, after.MinProfitThreshold, before.MinProfitThreshold)
	assert.InDelta(t, before.SlippageBufferBps, after.SlippageBufferBps, 1e-12)

	complete := domain.TradeResult{
		Outcome: domain.OutcomeComplete,
		Hops:    []domain.HopFill{{ExecutedQty: decimal.NewFromInt(1)}},
	}
	for i := 0; i < 30; i++ {
		m.Ingest(complete)
	}
	assert.Less(t, m.Stats().AbortRate, 0.05)
	assert.Less(t, m.ComputeParameters().MinProfitThreshold, after.MinProfitThreshold)
}

func opp(net float64, assets ...domain.Asset) domain.Opportunity {
	o := domain.Opportunity{ID: "o", NetProfit: net}
	for i := 0; i+1 < len(assets); i++ {
		sym := string(assets[i]) + string(assets[i+1])
		o.Path.Hops = append(o.Path.Hops, domain.Hop{
			Pair: domain.Pair{Symbol: sym},
			From: assets[i],
			To:   assets[i+1],
		})
	}
	return o
}

func TestScoreDropsUnhealthyAssetsAndWideSpreads(t *testing.T) {
	m := NewManager(testConfig(), nil)
	params := Parameters{MinProfitThreshold: 0.001}
	health := map[domain.Asset]domain.AssetHealth{
		"XRP": {Asset: "XRP", DepositEnabled: true, WithdrawEnabled: false},
		"ETH": {Asset: "ETH", DepositEnabled: true, WithdrawEnabled: true},
	}
	snap := domain.NewGraphSnapshot(map[string]domain.OrderBookSnapshot{
		"USDTETH": {Bids: []domain.PriceLevel{{Price: 1, Qty: 1}}, Asks: []domain.PriceLevel{{Price: 1.001, Qty: 1}}},
		"ETHBNB":  {Bids: []domain.PriceLevel{{Price: 1, Qty: 1}}, Asks: []domain.PriceLevel{{Price: 1.05, Qty: 1}}},
	}, t0)

	_, why := m.ScoreOpportunity(opp(0.005, "USDT", "XRP", "USDT"), health, snap, params)
	assert.Equal(t, RejectUnhealthyAsset, why)

	_, why = m.ScoreOpportunity(opp(0.005, "USDT", "ETH", "BNB"), health, snap, params)
	assert.Equal(t, RejectWideSpread, why)

	_, why = m.ScoreOpportunity(opp(0.0005, "USDT", "ETH", "USDT"), health, snap, params)
	assert.Equal(t, RejectBelowThreshold, why)

	scored, why := m.ScoreOpportunity(opp(0.005, "USDT", "ETH", "USDT"), health, snap, params)
	require.Empty(t, why)
	assert.InDelta(t, 0.005, scored.RiskScore, 1e-12)
}

func TestFilterOrdersByDiscountedScore(t *testing.T) {
	m := NewManager(testConfig(), nil)
	params := Parameters{
		MinProfitThreshold: 0.001,
		AssetDiscount:      map[domain.Asset]float64{"DOGE": 0.5},
	}
	opps := []domain.Opportunity{
		opp(0.006, "USDT", "DOGE", "BTC"),
		opp(0.004, "USDT", "ETH", "BTC"),
		opp(0.0002, "USDT", "BNB", "BTC"),
	}
	opps[0].ID, opps[1].ID = "doge", "eth"

	out, rejected := m.Filter(opps, nil, nil, params)
	require.Len(t, out, 2)
	assert.Equal(t, "eth", out[0].ID)
	assert.Equal(t, "doge", out[1].ID)
	assert.InDelta(t, 0.003, out[1].RiskScore, 1e-12)
	assert.Equal(t, 1, rejected[RejectBelowThreshold])
}
