package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// fakeExchange is an in-memory domain.Exchange. Behaviour per call is set
// through the function fields; unset fields succeed with empty results.
type fakeExchange struct {
	mu       sync.Mutex
	placed   []domain.OrderRequest
	tested   []domain.OrderRequest
	cancels  int
	queries  int
	nextID   atomic.Int64
	place    func(req domain.OrderRequest, id int64) (domain.OrderReport, error)
	query    func(symbol string, id int64, n int) (domain.OrderReport, error)
	cancel   func(symbol string, id int64) (domain.OrderReport, error)
	fills    func(symbol string, id int64) ([]domain.Fill, error)
	testFail error
}

var _ domain.Exchange = (*fakeExchange)(nil)

func (f *fakeExchange) SystemStatus(context.Context) (domain.SystemStatus, error) {
	return domain.SystemStatus{}, nil
}

func (f *fakeExchange) TradingRules(context.Context) ([]domain.Pair, error) { return nil, nil }

func (f *fakeExchange) Balances(context.Context) (map[domain.Asset]decimal.Decimal, error) {
	return nil, nil
}

func (f *fakeExchange) AssetHealth(context.Context) (map[domain.Asset]domain.AssetHealth, error) {
	return nil, nil
}

func (f *fakeExchange) Tickers(context.Context) ([]domain.Ticker, error) { return nil, nil }

func (f *fakeExchange) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderReport, error) {
	f.mu.Lock()
	f.placed = append(f.placed, req)
	f.mu.Unlock()
	id := f.nextID.Add(1)
	if f.place != nil {
		return f.place(req, id)
	}
	return filled(req, id, 1), nil
}

func (f *fakeExchange) TestOrder(_ context.Context, req domain.OrderRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tested = append(f.tested, req)
	return f.testFail
}

func (f *fakeExchange) QueryOrder(_ context.Context, symbol string, id int64) (domain.OrderReport, error) {
	f.mu.Lock()
	f.queries++
	n := f.queries
	f.mu.Unlock()
	if f.query != nil {
		return f.query(symbol, id, n)
	}
	return domain.OrderReport{}, domain.ErrNotFound
}

func (f *fakeExchange) OrderFills(_ context.Context, symbol string, id int64) ([]domain.Fill, error) {
	if f.fills != nil {
		return f.fills(symbol, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeExchange) CancelOrder(_ context.Context, symbol string, id int64) (domain.OrderReport, error) {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
	if f.cancel != nil {
		return f.cancel(symbol, id)
	}
	return domain.OrderReport{}, domain.ErrNotFound
}

func (f *fakeExchange) requests() []domain.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.OrderRequest(nil), f.placed...)
}

type aliveFlag struct{ alive atomic.Bool }

func (a *aliveFlag) Alive() bool { return a.alive.Load() }

// prices maps symbol to the execution price used by filled.
var prices = map[string]float64{
	"ETHBTC":  0.05,
	"BTCUSDT": 42000,
	"ETHUSDT": 2100,
	"BNBBTC":  0.01,
	"BNBUSDT": 420,
}

// filled builds a FILLED report executing fraction of req at the symbol's
// price, with one fill record and no commission.
func filled(req domain.OrderRequest, id int64, fraction float64) domain.OrderReport {
	price := decimal.NewFromFloat(prices[req.Symbol])
	frac := decimal.NewFromFloat(fraction)
	var base, quote decimal.Decimal
	if req.Side == domain.SideSell {
		base = req.Quantity.Mul(frac)
		quote = base.Mul(price)
	} else {
		quote = req.QuoteQuantity.Mul(frac)
		base = quote.Div(price)
	}
	status := domain.OrderStatusFilled
	if fraction < 1 {
		status = domain.OrderStatusExpired
	}
	return domain.OrderReport{
		Symbol:        req.Symbol,
		OrderID:       id,
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Status:        status,
		ExecutedQty:   base,
		QuoteQty:      quote,
		Fills:         []domain.Fill{{TradeID: id * 100, Price: price, Qty: base, CommissionAsset: "BNB"}},
	}
}

func rules() domain.TradingRules {
	return domain.TradingRules{
		MinQty:         decimal.RequireFromString("0.001"),
		StepSize:       decimal.RequireFromString("0.001"),
		QuotePrecision: 8,
	}
}

func pair(symbol, base, quote string) domain.Pair {
	return domain.Pair{
		Symbol: symbol,
		Base:   domain.Asset(base),
		Quote:  domain.Asset(quote),
		Status: domain.PairStatusTrading,
		Rules:  rules(),
	}
}

// ethLoop is ETH → BTC → USDT: sell 1 ETH at 0.05, sell 0.05 BTC at 42000.
func ethLoop(id string, created time.Time) domain.Opportunity {
	return domain.Opportunity{
		ID: id,
		Path: domain.Path{
			Hops: []domain.Hop{
				{Pair: pair("ETHBTC", "ETH", "BTC"), Side: domain.SideSell, From: "ETH", To: "BTC", AmountIn: 1, AmountOut: 0.05, AvgPrice: 0.05, TopPrice: 0.05},
				{Pair: pair("BTCUSDT", "BTC", "USDT"), Side: domain.SideSell, From: "BTC", To: "USDT", AmountIn: 0.05, AmountOut: 2100, AvgPrice: 42000, TopPrice: 42000},
			},
			Factor: 1.002,
		},
		StartAmount: 1,
		GrossProfit: 0.002,
		NetProfit:   0.0016,
		CreatedAt:   created,
	}
}

// btcBuyLoop is BTC → BNB → USDT. It shares BTC and USDT with ethLoop.
func btcBuyLoop(id string, created time.Time) domain.Opportunity {
	return domain.Opportunity{
		ID: id,
		Path: domain.Path{
			Hops: []domain.Hop{
				{Pair: pair("BNBBTC", "BNB", "BTC"), Side: domain.SideBuy, From: "BTC", To: "BNB", AmountIn: 0.02, AmountOut: 2, AvgPrice: 0.01, TopPrice: 0.01},
				{Pair: pair("BNBUSDT", "BNB", "USDT"), Side: domain.SideSell, From: "BNB", To: "USDT", AmountIn: 2, AmountOut: 840, AvgPrice: 420, TopPrice: 420},
			},
			Factor: 1.001,
		},
		StartAmount: 0.02,
		NetProfit:   0.001,
		CreatedAt:   created,
	}
}
