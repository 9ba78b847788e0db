// Package server is the read-only HTTP and websocket API for operators and
// dashboards.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/triarb/internal/server/handler"
	"github.com/alanyoungcy/triarb/internal/server/middleware"
	"github.com/alanyoungcy/triarb/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards every route but /api/health and /metrics. Empty
	// disables authentication.
	APIKey string
	// RateLimit is requests per second per client IP; zero disables it.
	RateLimit float64
}

// Handlers are the routes to register. Nil entries are skipped.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Cycles  *handler.CyclesHandler
	Metrics http.Handler
	Hub     *ws.Hub
}

// Server wraps an http.Server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers the routes and the middleware chain.
func NewServer(cfg Config, h Handlers, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	if h.Health != nil {
		mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	}
	if h.Status != nil {
		mux.HandleFunc("GET /api/status", h.Status.GetStatus)
	}
	if h.Cycles != nil {
		mux.HandleFunc("GET /api/cycles", h.Cycles.ListRecent)
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if h.Hub != nil {
		mux.HandleFunc("GET /ws", h.Hub.HandleWS)
	}

	var chain http.Handler = mux
	chain = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(chain)
	if cfg.RateLimit > 0 {
		chain = middleware.RateLimit(cfg.RateLimit, int(cfg.RateLimit*2)+1)(chain)
	}
	chain = middleware.Logging(logger)(chain)
	chain = middleware.CORS(cfg.CORSOrigins)(chain)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           chain,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
