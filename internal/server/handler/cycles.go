package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// History returns recent cycle summaries as JSON documents, newest first.
type History interface {
	Recent(ctx context.Context, n int64) ([][]byte, error)
}

// CyclesHandler serves cycle history.
type CyclesHandler struct {
	history History
	logger  *slog.Logger
}

// NewCyclesHandler returns a handler over history.
func NewCyclesHandler(history History, logger *slog.Logger) *CyclesHandler {
	return &CyclesHandler{history: history, logger: logger.With(slog.String("handler", "cycles"))}
}

// ListRecent responds with up to ?limit= summaries (default 20, max 500).
// GET /api/cycles
func (h *CyclesHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 20, 500)
	raw, err := h.history.Recent(r.Context(), int64(limit))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "cycle history unavailable", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "cycle history unavailable")
		return
	}
	out := make([]json.RawMessage, 0, len(raw))
	for _, b := range raw {
		if json.Valid(b) {
			out = append(out, b)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": out, "count": len(out)})
}
