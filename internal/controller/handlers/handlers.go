// Package handlers contains HTTP handlers for the queue API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"workq/internal/queue"
	"workq/internal/store"
	"workq/internal/worker"
	"workq/pkg/api"
)

// QueueService is the queue surface the handlers need.
type QueueService interface {
	AddJobs(ctx context.Context, jobs []store.Job) (string, error)
	GetStatus(ctx context.Context) (queue.Snapshot, error)
	GetJobStatus(ctx context.Context, jobID string) (*store.StatusRecord, error)
	Workers() []worker.SlotInfo
	Ping(ctx context.Context) error
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	queue  QueueService
	logger *slog.Logger
}

// New creates a new Handlers instance.
func New(q QueueService, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{queue: q, logger: logger}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}
