package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/triarb/internal/crypto"
	"github.com/alanyoungcy/triarb/internal/domain"
)

// fakeStreamServer accepts websocket connections, records every control
// frame and answers SUBSCRIBE requests with one depth message per stream.
type fakeStreamServer struct {
	*httptest.Server

	mu       sync.Mutex
	frames   []map[string]any
	conns    []*websocket.Conn
	respond  func(ws *websocket.Conn, frame map[string]any)
	accepted int
}

func newFakeStreamServer(t *testing.T, respond func(ws *websocket.Conn, frame map[string]any)) *fakeStreamServer {
	t.Helper()
	f := &fakeStreamServer{respond: respond}
	upgrader := websocket.Upgrader{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, ws)
		f.accepted++
		f.mu.Unlock()
		for {
			var frame map[string]any
			if err := ws.ReadJSON(&frame); err != nil {
				return
			}
			f.mu.Lock()
			f.frames = append(f.frames, frame)
			f.mu.Unlock()
			if f.respond != nil {
				f.respond(ws, frame)
			}
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeStreamServer) wsURL() string {
	return "ws" + strings.TrimPrefix(f.URL, "http")
}

func (f *fakeStreamServer) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
}

func (f *fakeStreamServer) subscribeFrames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fr := range f.frames {
		if fr["method"] == "SUBSCRIBE" {
			n++
		}
	}
	return n
}

func TestMarketStreamRestoresSubscriptionsAfterReconnect(t *testing.T) {
	srv := newFakeStreamServer(t, func(ws *websocket.Conn, frame map[string]any) {
		if frame["method"] != "SUBSCRIBE" {
			return
		}
		for _, p := range frame["params"].([]any) {
			msg := map[string]any{
				"stream": p,
				"data": map[string]any{
					"lastUpdateId": 42,
					"bids":         [][]string{{"0.0500", "3"}},
					"asks":         [][]string{{"0.0501", "2"}, {"0.0502", "0"}},
				},
			}
			_ = ws.WriteJSON(msg)
		}
	})

	m := NewMarketStream(StreamConfig{
		URL:     srv.wsURL(),
		Backoff: Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2},
	}, 5, 100*time.Millisecond, testLogger())

	got := make(chan domain.OrderBookSnapshot, 16)
	m.OnDepth(func(s domain.OrderBookSnapshot) { got <- s })
	require.NoError(t, m.SubscribeDepth(context.Background(), "ETHBTC"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case snap := <-got:
		assert.Equal(t, "ETHBTC", snap.Symbol)
		assert.Equal(t, uint64(42), snap.Seq)
		require.Len(t, snap.Asks, 1, "zero-quantity levels are dropped")
		assert.InDelta(t, 0.05, snap.Bids[0].Price, 1e-12)
	case <-time.After(2 * time.Second):
		t.Fatal("no depth snapshot received")
	}
	require.Eventually(t, m.Alive, time.Second, 5*time.Millisecond)

	srv.dropAll()
	require.Eventually(t, func() bool { return srv.subscribeFrames() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ETHBTC"}, m.Subscriptions())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestSubscribeRightAfterRestoreIsSent(t *testing.T) {
	srv := newFakeStreamServer(t, nil)
	m := NewMarketStream(StreamConfig{
		URL:     srv.wsURL(),
		Backoff: Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2},
	}, 5, 100*time.Millisecond, testLogger())
	require.NoError(t, m.SubscribeDepth(context.Background(), "ETHBTC"))

	// Subscribe between restore and the connection being reported alive.
	restore := m.conn.onConnect
	var once sync.Once
	m.conn.onConnect = func(ctx context.Context) error {
		if err := restore(ctx); err != nil {
			return err
		}
		var err error
		once.Do(func() {
			assert.False(t, m.Alive())
			err = m.SubscribeDepth(ctx, "BNBBTC")
		})
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	sent := func(stream string) bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		for _, fr := range srv.frames {
			if fr["method"] != "SUBSCRIBE" {
				continue
			}
			for _, p := range fr["params"].([]any) {
				if p == stream {
					return true
				}
			}
		}
		return false
	}
	require.Eventually(t, func() bool { return sent("bnbbtc@depth5@100ms") }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, sent("ethbtc@depth5@100ms"))

	srv.mu.Lock()
	accepted := srv.accepted
	srv.mu.Unlock()
	assert.Equal(t, 1, accepted, "sent without a reconnect")
}

func TestMarketStreamDispatchesTickers(t *testing.T) {
	m := NewMarketStream(StreamConfig{URL: "ws://unused"}, 5, 100*time.Millisecond, testLogger())
	var got []domain.Ticker
	m.OnTickers(func(ts []domain.Ticker) { got = ts })

	m.dispatch([]byte(`{"stream":"!ticker@arr","data":[
		{"e":"24hrTicker","E":1700000000000,"s":"BNBBTC","c":"0.0025","b":"0.0024","B":"10","a":"0.0026","A":"100","q":"18"}]}`))

	require.Len(t, got, 1)
	assert.Equal(t, "BNBBTC", got[0].Symbol)
	assert.InDelta(t, 0.0024, got[0].BidPrice, 1e-12)
	assert.InDelta(t, 18, got[0].QuoteVolume, 1e-12)
	assert.Equal(t, int64(1700000000000), got[0].EventTime.UnixMilli())
}

func TestDepthStreamNames(t *testing.T) {
	fast := NewMarketStream(StreamConfig{URL: "ws://unused"}, 10, 100*time.Millisecond, testLogger())
	slow := NewMarketStream(StreamConfig{URL: "ws://unused"}, 20, time.Second, testLogger())
	assert.Equal(t, "btcusdt@depth10@100ms", fast.depthStream("BTCUSDT"))
	assert.Equal(t, "btcusdt@depth20", slow.depthStream("BTCUSDT"))
}

func TestUserStreamSubscribesAndDispatchesReports(t *testing.T) {
	signer := crypto.NewSigner("key", "secret")
	srv := newFakeStreamServer(t, func(ws *websocket.Conn, frame map[string]any) {
		if frame["method"] != "userDataStream.subscribe.signature" {
			return
		}
		_ = ws.WriteJSON(map[string]any{"id": frame["id"], "status": 200, "result": map[string]any{"subscriptionId": 0}})
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"subscriptionId":0,"event":{
			"e":"executionReport","E":1700000000001,"s":"ETHBTC","c":"cid-9","S":"BUY","X":"PARTIALLY_FILLED",
			"i":99,"l":"0.4","z":"0.4","L":"0.05","n":"0.0004","N":"ETH","T":1700000000000,"t":5,"Z":"0.02","C":""}}`))
	})

	u := NewUserStream(StreamConfig{
		URL:     srv.wsURL(),
		Backoff: Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2},
	}, signer, nil, testLogger())

	reports := make(chan domain.OrderReport, 4)
	u.OnOrder(func(r domain.OrderReport) { reports <- r })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = u.Run(ctx) }()

	select {
	case r := <-reports:
		assert.Equal(t, "cid-9", r.ClientOrderID)
		assert.Equal(t, int64(99), r.OrderID)
		assert.Equal(t, domain.OrderStatusPartiallyFilled, r.Status)
		assert.True(t, r.ExecutedQty.Equal(decimal.RequireFromString("0.4")))
		require.Len(t, r.Fills, 1)
		assert.Equal(t, domain.Asset("ETH"), r.Fills[0].CommissionAsset)
		assert.Equal(t, int64(5), r.Fills[0].TradeID)
	case <-time.After(2 * time.Second):
		t.Fatal("no execution report received")
	}
	require.Eventually(t, u.Alive, time.Second, 5*time.Millisecond)

	srv.mu.Lock()
	frame := srv.frames[0]
	srv.mu.Unlock()
	params, _ := json.Marshal(frame["params"])
	assert.Contains(t, string(params), `"apiKey":"key"`)
	assert.Contains(t, string(params), `"signature"`)
}

func TestUserStreamRejectedSubscriptionIsNotAlive(t *testing.T) {
	u := NewUserStream(StreamConfig{URL: "ws://unused"}, crypto.NewSigner("k", "s"), nil, testLogger())
	u.pendingID.Store("req-1")

	err := u.dispatch(context.Background(), []byte(`{"id":"req-1","status":401,"error":{"code":-2015,"msg":"Invalid API-key"}}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.False(t, u.subscribed.Load())

	require.NoError(t, u.dispatch(context.Background(), []byte(`{"id":"req-1","status":200,"result":{}}`)))
	assert.True(t, u.subscribed.Load())
}
