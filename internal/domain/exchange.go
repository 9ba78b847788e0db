package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// SystemStatus is the exchange-wide operating state. Status 0 is normal,
// anything else is maintenance.
type SystemStatus struct {
	Status  int
	Message string
}

// Maintenance reports whether trading should pause.
func (s SystemStatus) Maintenance() bool { return s.Status != 0 }

// AssetHealth carries per-asset deposit and withdrawal availability.
type AssetHealth struct {
	Asset           Asset
	DepositEnabled  bool
	WithdrawEnabled bool
}

// Healthy reports whether both deposit and withdrawal are enabled.
func (h AssetHealth) Healthy() bool { return h.DepositEnabled && h.WithdrawEnabled }

// Exchange is the full set of exchange capabilities the engine relies on.
// Production code uses the Binance adapter; tests use an in-memory double.
type Exchange interface {
	SystemStatus(ctx context.Context) (SystemStatus, error)
	TradingRules(ctx context.Context) ([]Pair, error)
	Balances(ctx context.Context) (map[Asset]decimal.Decimal, error)
	AssetHealth(ctx context.Context) (map[Asset]AssetHealth, error)
	Tickers(ctx context.Context) ([]Ticker, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderReport, error)
	TestOrder(ctx context.Context, req OrderRequest) error
	QueryOrder(ctx context.Context, symbol string, orderID int64) (OrderReport, error)
	OrderFills(ctx context.Context, symbol string, orderID int64) ([]Fill, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (OrderReport, error)
}

// StreamLiveness is implemented by streaming connections so callers can fall
// back to REST polling while a stream is down.
type StreamLiveness interface {
	Alive() bool
}
