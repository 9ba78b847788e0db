package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/triarb/internal/domain"
)

const (
	tickerStream = "!ticker@arr"

	// subscribeBatch bounds the stream names sent in one SUBSCRIBE frame.
	subscribeBatch = 200
)

// DepthHandler receives partial order book snapshots.
type DepthHandler func(domain.OrderBookSnapshot)

// TickersHandler receives batches of 24h rolling tickers.
type TickersHandler func([]domain.Ticker)

// MarketStream is the combined market-data stream. It carries partial depth
// snapshots for subscribed symbols and, optionally, the all-market ticker
// feed. Subscriptions survive reconnects.
type MarketStream struct {
	conn  *conn
	level int
	speed string

	mu      sync.Mutex
	desired map[string]struct{}
	// live is set once restore has captured desired on the current
	// connection; from then on changes are sent directly.
	live bool

	// ctrl orders control frames so a change made during restore is sent
	// after the restored batch.
	ctrl sync.Mutex

	// frames limits outgoing control frames to the exchange's per-connection
	// message rate.
	frames *rate.Limiter
	nextID atomic.Int64

	onDepth   DepthHandler
	onTickers TickersHandler
}

// NewMarketStream returns a stream of depth snapshots at the given level
// (5, 10 or 20) and update speed.
func NewMarketStream(cfg StreamConfig, level int, speed time.Duration, logger *slog.Logger) *MarketStream {
	cfg.DropWhenFull = true
	m := &MarketStream{
		conn:    newConn("market", cfg, logger),
		level:   level,
		speed:   "@100ms",
		desired: make(map[string]struct{}),
		frames:  rate.NewLimiter(rate.Limit(4), 1),
	}
	if speed >= time.Second {
		m.speed = ""
	}
	m.conn.onConnect = m.restore
	m.conn.onDisconnect = func() {
		m.mu.Lock()
		m.live = false
		m.mu.Unlock()
	}
	return m
}

// SetObserver installs an event observer. It must be called before Run.
func (m *MarketStream) SetObserver(o Observer) {
	if o != nil {
		m.conn.observer = o
	}
}

// OnDepth registers the depth handler. It must be called before Run.
func (m *MarketStream) OnDepth(h DepthHandler) { m.onDepth = h }

// OnTickers registers the ticker handler. It must be called before Run.
func (m *MarketStream) OnTickers(h TickersHandler) { m.onTickers = h }

// Alive reports whether the stream is connected.
func (m *MarketStream) Alive() bool { return m.conn.Alive() }

// Dropped returns the number of messages discarded under backpressure.
func (m *MarketStream) Dropped() int64 { return m.conn.Dropped() }

func (m *MarketStream) depthStream(symbol string) string {
	return fmt.Sprintf("%s@depth%d%s", strings.ToLower(symbol), m.level, m.speed)
}

// SubscribeDepth adds a depth subscription for symbol. When disconnected the
// subscription is recorded and sent on the next connect.
func (m *MarketStream) SubscribeDepth(ctx context.Context, symbol string) error {
	return m.change(ctx, "SUBSCRIBE", m.depthStream(symbol), true)
}

// UnsubscribeDepth removes the depth subscription for symbol.
func (m *MarketStream) UnsubscribeDepth(ctx context.Context, symbol string) error {
	return m.change(ctx, "UNSUBSCRIBE", m.depthStream(symbol), false)
}

// SubscribeTickers enables the all-market ticker feed.
func (m *MarketStream) SubscribeTickers(ctx context.Context) error {
	return m.change(ctx, "SUBSCRIBE", tickerStream, true)
}

func (m *MarketStream) change(ctx context.Context, method, stream string, add bool) error {
	m.mu.Lock()
	if add {
		m.desired[stream] = struct{}{}
	} else {
		delete(m.desired, stream)
	}
	live := m.live
	m.mu.Unlock()

	if !live {
		return nil
	}
	m.ctrl.Lock()
	defer m.ctrl.Unlock()
	err := m.send(ctx, method, []string{stream})
	if errors.Is(err, domain.ErrWSDisconnect) {
		// Recorded in desired; the next restore sends it.
		return nil
	}
	return err
}

func (m *MarketStream) send(ctx context.Context, method string, streams []string) error {
	if err := m.frames.Wait(ctx); err != nil {
		return err
	}
	return m.conn.writeJSON(map[string]any{
		"method": method,
		"params": streams,
		"id":     m.nextID.Add(1),
	})
}

// restore re-sends every desired subscription after a (re)connect.
func (m *MarketStream) restore(ctx context.Context) error {
	m.ctrl.Lock()
	defer m.ctrl.Unlock()

	m.mu.Lock()
	streams := make([]string, 0, len(m.desired))
	for s := range m.desired {
		streams = append(streams, s)
	}
	m.live = true
	m.mu.Unlock()
	sort.Strings(streams)

	for len(streams) > 0 {
		n := min(len(streams), subscribeBatch)
		if err := m.send(ctx, "SUBSCRIBE", streams[:n]); err != nil {
			return err
		}
		streams = streams[n:]
	}
	return nil
}

// Subscriptions returns the symbols with an active depth subscription.
func (m *MarketStream) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.desired))
	for s := range m.desired {
		if s != tickerStream {
			out = append(out, symbolFromStream(s))
		}
	}
	sort.Strings(out)
	return out
}

// Run connects and dispatches messages until ctx is cancelled.
func (m *MarketStream) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.conn.run(ctx) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg := <-m.conn.queue:
				m.dispatch(msg)
			}
		}
	})
	return g.Wait()
}

func (m *MarketStream) dispatch(raw []byte) {
	var msg combinedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.conn.logger.Debug("unparseable market message", slog.String("error", err.Error()))
		return
	}
	if msg.Error != nil {
		m.conn.logger.Warn("subscription error", slog.Int("code", msg.Error.Code), slog.String("msg", msg.Error.Msg))
		return
	}
	if msg.Stream == "" {
		return
	}

	if msg.Stream == tickerStream {
		if m.onTickers == nil {
			return
		}
		var raw []streamTicker
		if err := json.Unmarshal(msg.Data, &raw); err != nil {
			return
		}
		tickers := make([]domain.Ticker, 0, len(raw))
		for _, t := range raw {
			tickers = append(tickers, t.toDomain())
		}
		m.onTickers(tickers)
		return
	}

	if m.onDepth == nil {
		return
	}
	var depth depthResponse
	if err := json.Unmarshal(msg.Data, &depth); err != nil {
		return
	}
	snap, err := depth.toDomain(symbolFromStream(msg.Stream), time.Now())
	if err != nil {
		m.conn.logger.Debug("bad depth levels", slog.String("stream", msg.Stream), slog.String("error", err.Error()))
		return
	}
	m.onDepth(snap)
}
