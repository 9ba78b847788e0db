package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/triarb/internal/domain"
)

func pair(base, quote string) domain.Pair {
	return domain.Pair{
		Symbol: base + quote,
		Base:   domain.Asset(base),
		Quote:  domain.Asset(quote),
		Status: domain.PairStatusTrading,
	}
}

func TestNeighborsReturnsIncidentEdgesWithDirection(t *testing.T) {
	pairs := []domain.Pair{
		pair("ETH", "BTC"),
		pair("BTC", "USDT"),
		pair("ETH", "USDT"),
		pair("BNB", "ETH"),
		pair("XRP", "USDT"),
	}
	g := Build(pairs)
	require.Equal(t, 10, g.EdgeCount())

	for _, asset := range g.Assets() {
		var want []Edge
		for _, p := range pairs {
			switch asset {
			case p.Base:
				want = append(want, Edge{Pair: p, Side: domain.SideSell, From: p.Base, To: p.Quote})
			case p.Quote:
				want = append(want, Edge{Pair: p, Side: domain.SideBuy, From: p.Quote, To: p.Base})
			}
		}
		assert.ElementsMatch(t, want, g.Neighbors(asset), "asset %s", asset)
	}

	eth := g.Neighbors("ETH")
	require.Len(t, eth, 3)
	for _, e := range eth {
		assert.Equal(t, domain.Asset("ETH"), e.From)
		if e.Pair.Base == "ETH" {
			assert.Equal(t, domain.SideSell, e.Side)
		} else {
			assert.Equal(t, domain.SideBuy, e.Side)
		}
	}
	assert.Empty(t, g.Neighbors("DOGE"))
}

func TestBuildSkipsNonTradingAndDuplicatePairs(t *testing.T) {
	halted := pair("LTC", "BTC")
	halted.Status = "BREAK"
	self := pair("BTC", "BTC")

	g := Build([]domain.Pair{pair("ETH", "BTC"), pair("ETH", "BTC"), halted, self})
	assert.Equal(t, 2, g.EdgeCount())
	_, ok := g.Pair("LTCBTC")
	assert.False(t, ok)
}

func TestHolderKeepsPreviousGraphOnDegenerateRebuild(t *testing.T) {
	h := NewHolder()
	first, err := h.Rebuild([]domain.Pair{pair("ETH", "BTC")})
	require.NoError(t, err)

	inFlight := h.Load()
	got, err := h.Rebuild(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDegenerateGraph))
	assert.Same(t, first, got)
	assert.Same(t, first, h.Load())

	second, err := h.Rebuild([]domain.Pair{pair("BNB", "BTC"), pair("ETH", "BTC")})
	require.NoError(t, err)
	assert.Same(t, second, h.Load())
	assert.Equal(t, 2, inFlight.EdgeCount(), "a loaded graph is never mutated by a swap")
}
