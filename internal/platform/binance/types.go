package binance

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// APIError is the error body returned by the REST and websocket APIs.
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

type systemStatusResponse struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
}

type symbolFilter struct {
	FilterType  string          `json:"filterType"`
	MinQty      decimal.Decimal `json:"minQty"`
	MaxQty      decimal.Decimal `json:"maxQty"`
	StepSize    decimal.Decimal `json:"stepSize"`
	MinPrice    decimal.Decimal `json:"minPrice"`
	MaxPrice    decimal.Decimal `json:"maxPrice"`
	TickSize    decimal.Decimal `json:"tickSize"`
	MinNotional decimal.Decimal `json:"minNotional"`
}

type symbolInfo struct {
	Symbol               string         `json:"symbol"`
	Status               string         `json:"status"`
	BaseAsset            string         `json:"baseAsset"`
	QuoteAsset           string         `json:"quoteAsset"`
	QuoteAssetPrecision  int32          `json:"quoteAssetPrecision"`
	OrderTypes           []string       `json:"orderTypes"`
	IsSpotTradingAllowed bool           `json:"isSpotTradingAllowed"`
	Filters              []symbolFilter `json:"filters"`
}

type exchangeInfoResponse struct {
	Symbols []symbolInfo `json:"symbols"`
}

type tradeFee struct {
	Symbol          string          `json:"symbol"`
	MakerCommission decimal.Decimal `json:"makerCommission"`
	TakerCommission decimal.Decimal `json:"takerCommission"`
}

type accountBalance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

type accountResponse struct {
	CanTrade bool             `json:"canTrade"`
	Balances []accountBalance `json:"balances"`
}

type coinConfig struct {
	Coin              string `json:"coin"`
	DepositAllEnable  bool   `json:"depositAllEnable"`
	WithdrawAllEnable bool   `json:"withdrawAllEnable"`
}

type ticker24h struct {
	Symbol      string          `json:"symbol"`
	BidPrice    decimal.Decimal `json:"bidPrice"`
	BidQty      decimal.Decimal `json:"bidQty"`
	AskPrice    decimal.Decimal `json:"askPrice"`
	AskQty      decimal.Decimal `json:"askQty"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	QuoteVolume decimal.Decimal `json:"quoteVolume"`
	CloseTime   int64           `json:"closeTime"`
}

type depthResponse struct {
	LastUpdateID uint64      `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

type orderFill struct {
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
	TradeID         int64           `json:"tradeId"`
}

type orderResponse struct {
	Symbol              string          `json:"symbol"`
	OrderID             int64           `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	OrigClientOrderID   string          `json:"origClientOrderId"`
	TransactTime        int64           `json:"transactTime"`
	UpdateTime          int64           `json:"updateTime"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status              string          `json:"status"`
	Side                string          `json:"side"`
	Fills               []orderFill     `json:"fills"`
}

type myTrade struct {
	ID              int64           `json:"id"`
	OrderID         int64           `json:"orderId"`
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
}

// ---------------------------------------------------------------------------
// Stream payloads
// ---------------------------------------------------------------------------

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *APIError       `json:"error"`
}

type streamTicker struct {
	EventTime   int64           `json:"E"`
	Symbol      string          `json:"s"`
	LastPrice   decimal.Decimal `json:"c"`
	BidPrice    decimal.Decimal `json:"b"`
	BidQty      decimal.Decimal `json:"B"`
	AskPrice    decimal.Decimal `json:"a"`
	AskQty      decimal.Decimal `json:"A"`
	QuoteVolume decimal.Decimal `json:"q"`
}

type wsAPIResponse struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  *APIError       `json:"error"`
}

type userEventEnvelope struct {
	SubscriptionID *int            `json:"subscriptionId"`
	Event          json.RawMessage `json:"event"`
}

type userEventHeader struct {
	Type string `json:"e"`
}

type executionReport struct {
	EventTime         int64           `json:"E"`
	Symbol            string          `json:"s"`
	ClientOrderID     string          `json:"c"`
	Side              string          `json:"S"`
	OrigClientOrderID string          `json:"C"`
	Status            string          `json:"X"`
	OrderID           int64           `json:"i"`
	LastQty           decimal.Decimal `json:"l"`
	CumQty            decimal.Decimal `json:"z"`
	LastPrice         decimal.Decimal `json:"L"`
	Commission        decimal.Decimal `json:"n"`
	CommissionAsset   *string         `json:"N"`
	TransactTime      int64           `json:"T"`
	TradeID           int64           `json:"t"`
	CumQuoteQty       decimal.Decimal `json:"Z"`
}

type accountPosition struct {
	EventTime int64 `json:"E"`
	Balances  []struct {
		Asset  string          `json:"a"`
		Free   decimal.Decimal `json:"f"`
		Locked decimal.Decimal `json:"l"`
	} `json:"B"`
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func (s symbolInfo) toDomain() domain.Pair {
	p := domain.Pair{
		Symbol: s.Symbol,
		Base:   domain.Asset(s.BaseAsset),
		Quote:  domain.Asset(s.QuoteAsset),
		Status: s.Status,
		Rules:  domain.TradingRules{QuotePrecision: s.QuoteAssetPrecision},
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			p.Rules.MinQty, p.Rules.MaxQty, p.Rules.StepSize = f.MinQty, f.MaxQty, f.StepSize
		case "PRICE_FILTER":
			p.Rules.MinPrice, p.Rules.MaxPrice, p.Rules.TickSize = f.MinPrice, f.MaxPrice, f.TickSize
		case "MIN_NOTIONAL", "NOTIONAL":
			p.Rules.MinNotional = f.MinNotional
		}
	}
	if !s.supportsMarket() {
		p.Status = "NO_MARKET_ORDERS"
	}
	return p
}

func (s symbolInfo) supportsMarket() bool {
	if len(s.OrderTypes) == 0 {
		return true
	}
	for _, t := range s.OrderTypes {
		if t == string(domain.OrderTypeMarket) {
			return true
		}
	}
	return false
}

func (t ticker24h) toDomain() domain.Ticker {
	return domain.Ticker{
		Symbol:      t.Symbol,
		BidPrice:    t.BidPrice.InexactFloat64(),
		BidQty:      t.BidQty.InexactFloat64(),
		AskPrice:    t.AskPrice.InexactFloat64(),
		AskQty:      t.AskQty.InexactFloat64(),
		LastPrice:   t.LastPrice.InexactFloat64(),
		QuoteVolume: t.QuoteVolume.InexactFloat64(),
		EventTime:   time.UnixMilli(t.CloseTime),
	}
}

func (t streamTicker) toDomain() domain.Ticker {
	return domain.Ticker{
		Symbol:      t.Symbol,
		BidPrice:    t.BidPrice.InexactFloat64(),
		BidQty:      t.BidQty.InexactFloat64(),
		AskPrice:    t.AskPrice.InexactFloat64(),
		AskQty:      t.AskQty.InexactFloat64(),
		LastPrice:   t.LastPrice.InexactFloat64(),
		QuoteVolume: t.QuoteVolume.InexactFloat64(),
		EventTime:   time.UnixMilli(t.EventTime),
	}
}

func (d depthResponse) toDomain(symbol string, received time.Time) (domain.OrderBookSnapshot, error) {
	bids, err := parseLevels(d.Bids)
	if err != nil {
		return domain.OrderBookSnapshot{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseLevels(d.Asks)
	if err != nil {
		return domain.OrderBookSnapshot{}, fmt.Errorf("asks: %w", err)
	}
	return domain.OrderBookSnapshot{
		Symbol:   strings.ToUpper(symbol),
		Bids:     bids,
		Asks:     asks,
		Seq:      d.LastUpdateID,
		Received: received,
	}, nil
}

func parseLevels(raw [][2]string) ([]domain.PriceLevel, error) {
	out := make([]domain.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		p, err := decimal.NewFromString(lvl[0])
		if err != nil {
			return nil, err
		}
		q, err := decimal.NewFromString(lvl[1])
		if err != nil {
			return nil, err
		}
		if !q.IsPositive() {
			continue
		}
		out = append(out, domain.PriceLevel{Price: p.InexactFloat64(), Qty: q.InexactFloat64()})
	}
	return out, nil
}

func (o orderResponse) toDomain() domain.OrderReport {
	clientID := o.ClientOrderID
	if o.OrigClientOrderID != "" {
		clientID = o.OrigClientOrderID
	}
	ts := o.UpdateTime
	if ts == 0 {
		ts = o.TransactTime
	}
	r := domain.OrderReport{
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: clientID,
		Side:          domain.Side(o.Side),
		Status:        domain.OrderStatus(o.Status),
		ExecutedQty:   o.ExecutedQty,
		QuoteQty:      o.CummulativeQuoteQty,
		UpdatedAt:     time.UnixMilli(ts),
	}
	for _, f := range o.Fills {
		r.Fills = append(r.Fills, domain.Fill{
			TradeID:         f.TradeID,
			Price:           f.Price,
			Qty:             f.Qty,
			Commission:      f.Commission,
			CommissionAsset: domain.Asset(f.CommissionAsset),
		})
	}
	return r
}

func (t myTrade) toDomain() domain.Fill {
	return domain.Fill{
		TradeID:         t.ID,
		Price:           t.Price,
		Qty:             t.Qty,
		Commission:      t.Commission,
		CommissionAsset: domain.Asset(t.CommissionAsset),
	}
}

// toDomain converts an execution report into a cumulative order report.
// Only the fill carried by this event is attached; callers accumulate.
func (e executionReport) toDomain() domain.OrderReport {
	clientID := e.ClientOrderID
	if e.OrigClientOrderID != "" {
		clientID = e.OrigClientOrderID
	}
	r := domain.OrderReport{
		Symbol:        e.Symbol,
		OrderID:       e.OrderID,
		ClientOrderID: clientID,
		Side:          domain.Side(e.Side),
		Status:        domain.OrderStatus(e.Status),
		ExecutedQty:   e.CumQty,
		QuoteQty:      e.CumQuoteQty,
		UpdatedAt:     time.UnixMilli(e.TransactTime),
	}
	if e.LastQty.IsPositive() {
		f := domain.Fill{
			TradeID:    e.TradeID,
			Price:      e.LastPrice,
			Qty:        e.LastQty,
			Commission: e.Commission,
		}
		if e.CommissionAsset != nil {
			f.CommissionAsset = domain.Asset(*e.CommissionAsset)
		}
		r.Fills = []domain.Fill{f}
	}
	return r
}

// symbolFromStream extracts the upper-case symbol from a stream name such
// as "btcusdt@depth5@100ms".
func symbolFromStream(stream string) string {
	if i := strings.IndexByte(stream, '@'); i > 0 {
		return strings.ToUpper(stream[:i])
	}
	return strings.ToUpper(stream)
}
