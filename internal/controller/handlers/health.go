package handlers

import (
	"context"
	"net/http"
	"time"
)

const readyTimeout = 2 * time.Second

// Healthz reports that the process is serving HTTP.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz reports ready once the queue store answers and the pool has workers.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := h.queue.Ping(ctx); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		h.httpError(w, "Queue store unavailable", http.StatusServiceUnavailable)
		return
	}
	workers := len(h.queue.Workers())
	if workers == 0 {
		h.httpError(w, "No workers running", http.StatusServiceUnavailable)
		return
	}
	h.respondJson(w, http.StatusOK, map[string]any{"status": "ready", "workers": workers})
}
