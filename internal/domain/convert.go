package domain

import (
	"fmt"
	"math"
)

// Conversion is the priced outcome of one hop against a book.
type Conversion struct {
	AmountOut float64 // received, net of taker fee
	AvgPrice  float64 // quote per base over all consumed levels
	TopPrice  float64 // best level price
	Slippage  float64 // |avg-top|/top
}

// Convert prices amountIn of the hop's input asset through the book. SELL
// spends base into the bids; BUY spends quote into the asks. Levels are
// consumed best first. When the cached levels cannot absorb amountIn the
// error wraps ErrLiquidityInsufficient.
func (p Pair) Convert(side Side, amountIn float64, book OrderBookSnapshot) (Conversion, error) {
	if amountIn <= 0 {
		return Conversion{}, fmt.Errorf("%s: amount %g not positive", p.Symbol, amountIn)
	}

	levels := book.Bids
	if side == SideBuy {
		levels = book.Asks
	}
	if len(levels) == 0 || levels[0].Price <= 0 {
		return Conversion{}, fmt.Errorf("%s %s: %w: empty book side", p.Symbol, side, ErrLiquidityInsufficient)
	}

	remaining := amountIn
	var base, quote float64
	for _, lvl := range levels {
		if remaining <= 0 {
			break
		}
		if lvl.Price <= 0 || lvl.Qty <= 0 {
			continue
		}
		if side == SideSell {
			take := math.Min(remaining, lvl.Qty)
			base += take
			quote += take * lvl.Price
			remaining -= take
		} else {
			spend := math.Min(remaining, lvl.Qty*lvl.Price)
			base += spend / lvl.Price
			quote += spend
			remaining -= spend
		}
	}
	// Float residue from the subtraction chain is not a shortfall.
	if remaining > amountIn*1e-12 {
		return Conversion{}, fmt.Errorf("%s %s: %w: %g of %g unfilled across %d levels",
			p.Symbol, side, ErrLiquidityInsufficient, remaining, amountIn, len(levels))
	}

	c := Conversion{TopPrice: levels[0].Price, AvgPrice: quote / base}
	c.Slippage = math.Abs(c.AvgPrice-c.TopPrice) / c.TopPrice

	fee := 1 - p.Rules.TakerRate()
	if side == SideSell {
		c.AmountOut = quote * fee
	} else {
		c.AmountOut = base * fee
	}
	return c, nil
}

// TopRate is the top-of-book conversion rate for one unit of the hop's
// input asset, net of taker fee, or 0 when that side is empty.
func (p Pair) TopRate(side Side, book OrderBookSnapshot) float64 {
	fee := 1 - p.Rules.TakerRate()
	if side == SideSell {
		if bid, ok := book.BestBid(); ok && bid.Price > 0 {
			return bid.Price * fee
		}
		return 0
	}
	if ask, ok := book.BestAsk(); ok && ask.Price > 0 {
		return fee / ask.Price
	}
	return 0
}

// MeetsNotional reports whether qty at price satisfies the minimum notional.
func (r TradingRules) MeetsNotional(qty, price float64) bool {
	if !r.MinNotional.IsPositive() {
		return true
	}
	return qty*price >= r.MinNotional.InexactFloat64()
}
