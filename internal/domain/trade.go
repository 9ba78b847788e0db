package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is the terminal state of one execution.
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomeAborted  Outcome = "aborted"
	OutcomePartial  Outcome = "partial"
)

// HopFill records what actually happened on one hop.
type HopFill struct {
	Symbol        string                    `json:"symbol"`
	Side          Side                      `json:"side"`
	From          Asset                     `json:"from"`
	To            Asset                     `json:"to"`
	OrderID       int64                     `json:"order_id"`
	ClientOrderID string                    `json:"client_order_id"`
	Status        OrderStatus               `json:"status"`
	PlannedQty    decimal.Decimal           `json:"planned_qty"`
	SubmittedQty  decimal.Decimal           `json:"submitted_qty"`
	ExecutedQty   decimal.Decimal           `json:"executed_qty"`
	QuoteQty      decimal.Decimal           `json:"quote_qty"`
	AmountIn      decimal.Decimal           `json:"amount_in"`
	AmountOut     decimal.Decimal           `json:"amount_out"`
	ExpectedPrice float64                   `json:"expected_price"`
	AvgPrice      decimal.Decimal           `json:"avg_price"`
	Slippage      float64                   `json:"slippage"`
	Commissions   map[Asset]decimal.Decimal `json:"commissions,omitempty"`
}

// TradeResult is produced at the terminal state of every execution attempt,
// successful or not.
type TradeResult struct {
	OpportunityID  string                    `json:"opportunity_id"`
	Symbols        []string                  `json:"symbols"`
	StartAsset     Asset                     `json:"start_asset"`
	StartAmount    decimal.Decimal           `json:"start_amount"`
	EndAsset       Asset                     `json:"end_asset"`
	EndAmount      decimal.Decimal           `json:"end_amount"`
	Hops           []HopFill                 `json:"hops"`
	Fees           map[Asset]decimal.Decimal `json:"fees,omitempty"`
	ExpectedProfit float64                   `json:"expected_profit"`
	RealizedProfit float64                   `json:"realized_profit"`
	Slippage       float64                   `json:"slippage"`
	Outcome        Outcome                   `json:"outcome"`
	ErrorKind      string                    `json:"error_kind,omitempty"`
	Error          string                    `json:"error,omitempty"`
	StartedAt      time.Time                 `json:"started_at"`
	FinishedAt     time.Time                 `json:"finished_at"`
}

// Success reports whether every hop completed.
func (r TradeResult) Success() bool { return r.Outcome == OutcomeComplete }

// Executed reports whether at least one hop moved capital.
func (r TradeResult) Executed() bool {
	for _, h := range r.Hops {
		if h.ExecutedQty.IsPositive() {
			return true
		}
	}
	return false
}

// AddFee accumulates a commission into the result's fee totals.
func (r *TradeResult) AddFee(asset Asset, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	if r.Fees == nil {
		r.Fees = make(map[Asset]decimal.Decimal)
	}
	r.Fees[asset] = r.Fees[asset].Add(amount)
}
