package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order side with respect to the pair's base asset.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the exchange order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus tracks the exchange order lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusPendingCancel   OrderStatus = "PENDING_CANCEL"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusExpiredInMatch  OrderStatus = "EXPIRED_IN_MATCH"
)

// Terminal reports whether no further fills can happen.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected,
		OrderStatusExpired, OrderStatusExpiredInMatch:
		return true
	}
	return false
}

// OrderRequest is one order to place. Exactly one of Quantity (base) or
// QuoteQuantity (quote, market buys only) is set.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	QuoteQuantity decimal.Decimal
	Price         decimal.Decimal
	TimeInForce   string
	ClientOrderID string
}

// Shape identifies the validation-relevant form of a request. Requests of
// the same shape pass or fail exchange pre-flight checks alike.
func (r OrderRequest) Shape() string {
	sizing := "base"
	if r.QuoteQuantity.IsPositive() {
		sizing = "quote"
	}
	return fmt.Sprintf("%s/%s/%s/%s", r.Symbol, r.Side, r.Type, sizing)
}

// Fill is one trade that (partially) executed an order.
type Fill struct {
	TradeID         int64
	Price           decimal.Decimal
	Qty             decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset Asset
}

// OrderReport is the exchange's view of an order at a point in time, from a
// REST response or a user-stream execution report.
type OrderReport struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Side          Side
	Status        OrderStatus
	ExecutedQty   decimal.Decimal
	QuoteQty      decimal.Decimal
	Fills         []Fill
	UpdatedAt     time.Time
}

// AvgPrice is QuoteQty/ExecutedQty, or zero when nothing executed.
func (r OrderReport) AvgPrice() decimal.Decimal {
	if !r.ExecutedQty.IsPositive() {
		return decimal.Zero
	}
	return r.QuoteQty.Div(r.ExecutedQty)
}
