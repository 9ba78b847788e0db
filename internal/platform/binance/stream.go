package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/triarb/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message or pong.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxConnLifetime forces a reconnect before the exchange drops the
	// connection at 24h.
	maxConnLifetime = 23 * time.Hour
)

// StreamConfig configures a websocket connection.
type StreamConfig struct {
	URL       string
	QueueSize int
	Backoff   Backoff
	// DropWhenFull discards incoming messages when the queue is full
	// instead of blocking the reader. Only safe for streams whose messages
	// supersede each other.
	DropWhenFull bool
}

// conn is a self-healing websocket connection. Raw messages land on a
// bounded queue that a single ingestion goroutine drains. onConnect runs
// after every (re)connect to restore subscriptions.
type conn struct {
	name      string
	cfg       StreamConfig
	dialer    websocket.Dialer
	logger    *slog.Logger
	observer  Observer
	queue     chan []byte
	onConnect func(ctx context.Context) error
	// onDisconnect runs when a session ends, before the next dial.
	onDisconnect func()

	writeMu sync.Mutex
	ws      *websocket.Conn

	alive      atomic.Bool
	dropped    atomic.Int64
	reconnects atomic.Int64
}

func newConn(name string, cfg StreamConfig, logger *slog.Logger) *conn {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &conn{
		name:     name,
		cfg:      cfg,
		dialer:   websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		logger:   logger.With(slog.String("stream", name)),
		observer: nopObserver{},
		queue:    make(chan []byte, cfg.QueueSize),
	}
}

// run keeps the connection up until ctx is cancelled.
func (c *conn) run(ctx context.Context) error {
	attempt := 0
	for {
		err := c.session(ctx)
		if c.alive.Swap(false) {
			attempt = 0
		}
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		delay := c.cfg.Backoff.Next(attempt)
		c.reconnects.Add(1)
		c.observer.StreamReconnect(c.name)
		c.logger.Warn("stream disconnected, reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		if err := sleepCtx(ctx, delay); err != nil {
			return nil
		}
	}
}

// session dials, restores state and reads until the connection fails.
func (c *conn) session(ctx context.Context) error {
	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("%s: dial: %w", c.name, err)
	}

	sessionCtx, cancel := context.WithTimeout(ctx, maxConnLifetime)
	defer cancel()

	c.writeMu.Lock()
	c.ws = ws
	c.writeMu.Unlock()
	defer func() {
		if c.onDisconnect != nil {
			c.onDisconnect()
		}
		c.writeMu.Lock()
		c.ws = nil
		c.writeMu.Unlock()
		ws.Close()
	}()

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		<-sessionCtx.Done()
		ws.Close()
	}()
	go c.pingLoop(sessionCtx, ws)

	if c.onConnect != nil {
		if err := c.onConnect(sessionCtx); err != nil {
			return fmt.Errorf("%s: restore: %w", c.name, err)
		}
	}
	c.alive.Store(true)
	c.logger.Info("stream connected")

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if sessionCtx.Err() != nil && ctx.Err() == nil {
				// Lifetime rollover.
				return nil
			}
			return fmt.Errorf("%s: read: %w", c.name, err)
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))

		if c.cfg.DropWhenFull {
			select {
			case c.queue <- msg:
			default:
				c.dropped.Add(1)
			}
			continue
		}
		select {
		case c.queue <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *conn) pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// writeJSON sends v on the current connection.
func (c *conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", c.name, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("%s: %w", c.name, domain.ErrWSDisconnect)
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Alive reports whether the connection is currently established.
func (c *conn) Alive() bool { return c.alive.Load() }

// Dropped returns the number of messages discarded on a full queue.
func (c *conn) Dropped() int64 { return c.dropped.Load() }
