package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/triarb/internal/domain"
)

var _ domain.Exchange = (*Client)(nil)

// SystemStatus returns the exchange-wide maintenance flag.
func (c *Client) SystemStatus(ctx context.Context) (domain.SystemStatus, error) {
	var out systemStatusResponse
	err := c.do(ctx, request{
		method: http.MethodGet, path: "/sapi/v1/system/status",
		weight: 1, idempotent: true, primaryOnly: true,
	}, &out)
	if err != nil {
		return domain.SystemStatus{}, err
	}
	return domain.SystemStatus{Status: out.Status, Message: out.Msg}, nil
}

// TradingRules returns every listed pair with its filters and taker fee.
// Account fee rates come from the trade-fee endpoint when credentials allow,
// then configured overrides win.
func (c *Client) TradingRules(ctx context.Context) ([]domain.Pair, error) {
	var info exchangeInfoResponse
	err := c.do(ctx, request{
		method: http.MethodGet, path: "/api/v3/exchangeInfo",
		params: url.Values{"permissions": {"SPOT"}},
		weight: 20, idempotent: true,
	}, &info)
	if err != nil {
		return nil, err
	}

	fees := map[string]tradeFee{}
	if c.cfg.APIKey != "" {
		var list []tradeFee
		err := c.do(ctx, request{
			method: http.MethodGet, path: "/sapi/v1/asset/tradeFee",
			weight: 1, signed: true, idempotent: true, primaryOnly: true,
		}, &list)
		if err != nil {
			c.logger.Warn("trade fee lookup failed, using default fee", slog.String("error", err.Error()))
		}
		for _, f := range list {
			fees[f.Symbol] = f
		}
	}

	defaultFee := decimal.NewFromFloat(c.cfg.DefaultTakerFee)
	pairs := make([]domain.Pair, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		p := s.toDomain()
		p.Rules.TakerFee = defaultFee
		p.Rules.MakerFee = defaultFee
		if f, ok := fees[s.Symbol]; ok {
			p.Rules.TakerFee = f.TakerCommission
			p.Rules.MakerFee = f.MakerCommission
		}
		if v, ok := c.cfg.FeeOverrides[s.Symbol]; ok {
			p.Rules.TakerFee = decimal.NewFromFloat(v)
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}

// Balances returns the free balance of every asset with a positive amount.
func (c *Client) Balances(ctx context.Context) (map[domain.Asset]decimal.Decimal, error) {
	var out accountResponse
	err := c.do(ctx, request{
		method: http.MethodGet, path: "/api/v3/account",
		params: url.Values{"omitZeroBalances": {"true"}},
		weight: 20, signed: true, idempotent: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	balances := make(map[domain.Asset]decimal.Decimal, len(out.Balances))
	for _, b := range out.Balances {
		if b.Free.IsPositive() {
			balances[domain.Asset(b.Asset)] = b.Free
		}
	}
	return balances, nil
}

// AssetHealth returns deposit and withdrawal availability per asset.
func (c *Client) AssetHealth(ctx context.Context) (map[domain.Asset]domain.AssetHealth, error) {
	var out []coinConfig
	err := c.do(ctx, request{
		method: http.MethodGet, path: "/sapi/v1/capital/config/getall",
		weight: 10, signed: true, idempotent: true, primaryOnly: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	health := make(map[domain.Asset]domain.AssetHealth, len(out))
	for _, coin := range out {
		a := domain.Asset(coin.Coin)
		health[a] = domain.AssetHealth{
			Asset:           a,
			DepositEnabled:  coin.DepositAllEnable,
			WithdrawEnabled: coin.WithdrawAllEnable,
		}
	}
	return health, nil
}

// Tickers returns 24h statistics with top of book for every symbol.
func (c *Client) Tickers(ctx context.Context) ([]domain.Ticker, error) {
	var out []ticker24h
	err := c.do(ctx, request{
		method: http.MethodGet, path: "/api/v3/ticker/24hr",
		weight: 80, idempotent: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	tickers := make([]domain.Ticker, 0, len(out))
	for _, t := range out {
		tickers = append(tickers, t.toDomain())
	}
	return tickers, nil
}

// Depth fetches a REST order book snapshot, used to seed the cache before
// the stream delivers its first update.
func (c *Client) Depth(ctx context.Context, symbol string, limit int) (domain.OrderBookSnapshot, error) {
	weight := 5
	switch {
	case limit > 500:
		weight = 50
	case limit > 100:
		weight = 25
	}
	var out depthResponse
	err := c.do(ctx, request{
		method: http.MethodGet, path: "/api/v3/depth",
		params: url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(limit)}},
		weight: weight, idempotent: true,
	}, &out)
	if err != nil {
		return domain.OrderBookSnapshot{}, err
	}
	snap, err := out.toDomain(symbol, time.Now())
	if err != nil {
		return domain.OrderBookSnapshot{}, fmt.Errorf("binance: parse depth %s: %w", symbol, err)
	}
	return snap, nil
}

// PlaceOrder submits an order and returns the exchange's FULL response.
// Order placement is never retried: after a connectivity failure the order
// is looked up by client order id until the original request can no longer
// be accepted. An order still unknown by then is reported as a
// connectivity failure.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderReport, error) {
	if err := c.governor.WaitOrder(ctx); err != nil {
		return domain.OrderReport{}, fmt.Errorf("binance: place order: %w", err)
	}
	params := orderParams(req)
	params.Set("newOrderRespType", "FULL")

	var out orderResponse
	err := c.do(ctx, request{
		method: http.MethodPost, path: "/api/v3/order",
		params: params, weight: 1, signed: true, critical: true,
	}, &out)
	if err == nil {
		return out.toDomain(), nil
	}
	if !errors.Is(err, domain.ErrConnectivity) || req.ClientOrderID == "" {
		return domain.OrderReport{}, err
	}

	c.logger.Warn("order placement outcome unknown, reconciling",
		slog.String("symbol", req.Symbol),
		slog.String("client_order_id", req.ClientOrderID),
		slog.String("error", err.Error()),
	)
	return c.reconcileOrder(ctx, req, err)
}

// reconcileOrder polls for an order by client id. The exchange rejects a
// request once recvWindow has passed since its signed timestamp, so a query
// that still finds nothing after that point is final.
func (c *Client) reconcileOrder(ctx context.Context, req domain.OrderRequest, placeErr error) (domain.OrderReport, error) {
	window := c.cfg.RecvWindow
	if window <= 0 {
		window = defaultRecvWindow
	}
	deadline := time.Now().Add(window + reconcileMargin)

	var lastErr error
	for {
		report, err := c.queryOrder(ctx, req.Symbol, url.Values{"origClientOrderId": {req.ClientOrderID}})
		if err == nil {
			return report, nil
		}
		lastErr = err
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			break
		}
		if err := sleepCtx(ctx, min(reconcilePoll, remaining)); err != nil {
			break
		}
	}
	c.logger.Error("order not found after reconcile window",
		slog.String("symbol", req.Symbol),
		slog.String("client_order_id", req.ClientOrderID),
		slog.String("error", lastErr.Error()),
	)
	return domain.OrderReport{}, fmt.Errorf("%w (reconcile %s: %v)", placeErr, req.ClientOrderID, lastErr)
}

// TestOrder validates an order with the exchange without placing it.
func (c *Client) TestOrder(ctx context.Context, req domain.OrderRequest) error {
	return c.do(ctx, request{
		method: http.MethodPost, path: "/api/v3/order/test",
		params: orderParams(req), weight: 1, signed: true, idempotent: true,
	}, nil)
}

// QueryOrder returns the current state of an order.
func (c *Client) QueryOrder(ctx context.Context, symbol string, orderID int64) (domain.OrderReport, error) {
	return c.queryOrder(ctx, symbol, url.Values{"orderId": {strconv.FormatInt(orderID, 10)}})
}

func (c *Client) queryOrder(ctx context.Context, symbol string, params url.Values) (domain.OrderReport, error) {
	params.Set("symbol", symbol)
	var out orderResponse
	err := c.do(ctx, request{
		method: http.MethodGet, path: "/api/v3/order",
		params: params, weight: 4, signed: true, critical: true, idempotent: true,
	}, &out)
	if err != nil {
		return domain.OrderReport{}, err
	}
	return out.toDomain(), nil
}

// OrderFills returns the individual trades of an order, with commissions.
func (c *Client) OrderFills(ctx context.Context, symbol string, orderID int64) ([]domain.Fill, error) {
	var out []myTrade
	err := c.do(ctx, request{
		method: http.MethodGet, path: "/api/v3/myTrades",
		params: url.Values{"symbol": {symbol}, "orderId": {strconv.FormatInt(orderID, 10)}},
		weight: 20, signed: true, critical: true, idempotent: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	fills := make([]domain.Fill, 0, len(out))
	for _, t := range out {
		fills = append(fills, t.toDomain())
	}
	return fills, nil
}

// CancelOrder cancels an open order and returns its final state.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (domain.OrderReport, error) {
	var out orderResponse
	err := c.do(ctx, request{
		method: http.MethodDelete, path: "/api/v3/order",
		params: url.Values{"symbol": {symbol}, "orderId": {strconv.FormatInt(orderID, 10)}},
		weight: 1, signed: true, critical: true, idempotent: true,
	}, &out)
	if err != nil {
		return domain.OrderReport{}, err
	}
	return out.toDomain(), nil
}

func orderParams(req domain.OrderRequest) url.Values {
	v := url.Values{}
	v.Set("symbol", req.Symbol)
	v.Set("side", string(req.Side))
	v.Set("type", string(req.Type))
	if req.QuoteQuantity.IsPositive() {
		v.Set("quoteOrderQty", req.QuoteQuantity.String())
	} else {
		v.Set("quantity", req.Quantity.String())
	}
	if req.Type == domain.OrderTypeLimit {
		v.Set("price", req.Price.String())
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		v.Set("timeInForce", strings.ToUpper(tif))
	}
	if req.ClientOrderID != "" {
		v.Set("newClientOrderId", req.ClientOrderID)
	}
	return v
}
