package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Asset is a currency symbol such as "BTC" or "USDT".
type Asset string

// PairStatusTrading is the only pair status the engine trades.
const PairStatusTrading = "TRADING"

// Pair is a tradable (base, quote) market and its trading rules.
type Pair struct {
	Symbol string
	Base   Asset
	Quote  Asset
	Status string
	Rules  TradingRules
}

// Tradable reports whether the pair can become a graph edge.
func (p Pair) Tradable() bool {
	return p.Status == PairStatusTrading && p.Base != "" && p.Quote != "" && p.Base != p.Quote
}

// TradingRules are the exchange filters and fee rates for one pair.
type TradingRules struct {
	MinQty         decimal.Decimal
	MaxQty         decimal.Decimal
	StepSize       decimal.Decimal
	MinPrice       decimal.Decimal
	MaxPrice       decimal.Decimal
	TickSize       decimal.Decimal
	MinNotional    decimal.Decimal
	TakerFee       decimal.Decimal
	MakerFee       decimal.Decimal
	QuotePrecision int32
}

// TakerRate is the taker fee as a float ratio for search-time pricing.
func (r TradingRules) TakerRate() float64 {
	f, _ := r.TakerFee.Float64()
	return f
}

// RoundQty snaps q down onto the LOT_SIZE grid anchored at MinQty. A quantity
// below MinQty rounds to zero.
func (r TradingRules) RoundQty(q decimal.Decimal) decimal.Decimal {
	if q.LessThan(r.MinQty) || !q.IsPositive() {
		return decimal.Zero
	}
	if r.MaxQty.IsPositive() && q.GreaterThan(r.MaxQty) {
		q = r.MaxQty
	}
	if !r.StepSize.IsPositive() {
		return q
	}
	steps := q.Sub(r.MinQty).Div(r.StepSize).Floor()
	return steps.Mul(r.StepSize).Add(r.MinQty)
}

// RoundPrice snaps p down onto the tick grid.
func (r TradingRules) RoundPrice(p decimal.Decimal) decimal.Decimal {
	if !r.TickSize.IsPositive() {
		return p
	}
	return p.Div(r.TickSize).Floor().Mul(r.TickSize)
}

// RoundQuote truncates a quote amount to the pair's quote precision.
func (r TradingRules) RoundQuote(q decimal.Decimal) decimal.Decimal {
	if r.QuotePrecision <= 0 {
		return q
	}
	return q.Truncate(r.QuotePrecision)
}

// Check validates a base quantity at an indicative price against the
// filters. It returns an error wrapping ErrValidation.
func (r TradingRules) Check(qty, price decimal.Decimal) error {
	if !qty.IsPositive() {
		return fmt.Errorf("%w: quantity %s not positive", ErrValidation, qty)
	}
	if r.MinQty.IsPositive() && qty.LessThan(r.MinQty) {
		return fmt.Errorf("%w: quantity %s below min %s", ErrValidation, qty, r.MinQty)
	}
	if r.MaxQty.IsPositive() && qty.GreaterThan(r.MaxQty) {
		return fmt.Errorf("%w: quantity %s above max %s", ErrValidation, qty, r.MaxQty)
	}
	if r.MinNotional.IsPositive() && price.IsPositive() && qty.Mul(price).LessThan(r.MinNotional) {
		return fmt.Errorf("%w: notional %s below min %s", ErrValidation, qty.Mul(price), r.MinNotional)
	}
	return nil
}
