package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// Engine is the view of the running engine the dashboard reads.
type Engine interface {
	LastSummary() *domain.CycleSummary
	Stats() domain.TradingStats
	Paused() bool
}

// StatusHandler serves the engine's state plus any registered sections.
type StatusHandler struct {
	mode    string
	started time.Time
	engine  Engine

	mu       sync.RWMutex
	sections map[string]func() any
}

// NewStatusHandler returns a handler for engine running in mode.
func NewStatusHandler(mode string, engine Engine) *StatusHandler {
	return &StatusHandler{
		mode:     mode,
		started:  time.Now().UTC(),
		engine:   engine,
		sections: make(map[string]func() any),
	}
}

// Section adds a named block to the status document, evaluated per request.
func (h *StatusHandler) Section(name string, fn func() any) {
	h.mu.Lock()
	h.sections[name] = fn
	h.mu.Unlock()
}

// GetStatus responds with mode, uptime, pause state, trading stats and the
// last cycle summary.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	doc := map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"paused":         h.engine.Paused(),
		"stats":          h.engine.Stats(),
		"last_cycle":     h.engine.LastSummary(),
	}
	h.mu.RLock()
	for name, fn := range h.sections {
		doc[name] = fn()
	}
	h.mu.RUnlock()
	writeJSON(w, http.StatusOK, doc)
}
