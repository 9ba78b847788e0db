// Package ws pushes cycle summaries and execution results to dashboard
// websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/triarb/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Channels a client can subscribe to.
const (
	ChannelCycles     = "cycles"
	ChannelExecutions = "executions"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// envelope is the frame sent to clients.
type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	subs map[string]bool
}

type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

type broadcastMsg struct {
	channel string
	data    []byte
}

// Hub fans frames out to connected clients and keeps a backlog of recent
// cycle summaries for clients that connect later.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	logger     *slog.Logger

	mu      sync.RWMutex
	backlog [][]byte
	keep    int
}

// NewHub returns a hub keeping the last keep summaries.
func NewHub(keep int, logger *slog.Logger) *Hub {
	if keep <= 0 {
		keep = 100
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger.With(slog.String("component", "ws")),
		keep:       keep,
	}
}

// Run serves registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return ctx.Err()

		case c := <-h.register:
			h.clients[c] = true
			h.logger.Debug("client connected", slog.Int("clients", len(h.clients)))

		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.logger.Debug("client disconnected", slog.Int("clients", len(h.clients)))

		case msg := <-h.broadcast:
			for c := range h.clients {
				if !c.subscribed(msg.channel) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("dropping frame for slow client", slog.String("channel", msg.channel))
				}
			}
		}
	}
}

// Publish broadcasts a cycle summary and each of its execution results.
func (h *Hub) Publish(ctx context.Context, sum domain.CycleSummary) error {
	data, err := json.Marshal(envelope{Type: "cycle", Payload: sum})
	if err != nil {
		return err
	}
	h.remember(sum)
	if err := h.enqueue(ctx, ChannelCycles, data); err != nil {
		return err
	}
	for _, r := range sum.Results {
		frame, err := json.Marshal(envelope{Type: "execution", Payload: r})
		if err != nil {
			return err
		}
		if err := h.enqueue(ctx, ChannelExecutions, frame); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) enqueue(ctx context.Context, channel string, data []byte) error {
	select {
	case h.broadcast <- broadcastMsg{channel: channel, data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		h.logger.Warn("broadcast queue full", slog.String("channel", channel))
		return nil
	}
}

func (h *Hub) remember(sum domain.CycleSummary) {
	raw, err := json.Marshal(sum)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backlog = append(h.backlog, raw)
	if over := len(h.backlog) - h.keep; over > 0 {
		h.backlog = h.backlog[over:]
	}
}

// Recent returns up to n remembered summaries, newest first.
func (h *Hub) Recent(_ context.Context, n int64) ([][]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([][]byte, 0, min(int(n), len(h.backlog)))
	for i := len(h.backlog) - 1; i >= 0 && int64(len(out)) < n; i-- {
		out = append(out, h.backlog[i])
	}
	return out, nil
}

// HandleWS upgrades the request and subscribes the client to every channel.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: map[string]bool{ChannelCycles: true, ChannelExecutions: true},
	}
	h.register <- c

	if last, _ := h.Recent(r.Context(), 1); len(last) == 1 {
		if frame, err := json.Marshal(envelope{Type: "cycle", Payload: json.RawMessage(last[0])}); err == nil {
			c.send <- frame
		}
	}

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil && sub.Action != "" {
			c.apply(sub)
		}
	}
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range msg.Channels {
		switch msg.Action {
		case "subscribe":
			c.subs[ch] = true
		case "unsubscribe":
			delete(c.subs, ch)
		}
	}
}

func (c *client) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel]
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
