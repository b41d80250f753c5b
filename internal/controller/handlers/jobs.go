package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"workq/internal/logger"
	"workq/internal/store"
	"workq/internal/worker"
	"workq/pkg/api"

	"github.com/google/uuid"
)

const (
	// maxEnqueueBatch bounds the number of jobs accepted in one request.
	maxEnqueueBatch = 1000
	// maxEnqueueBody bounds the request body read for one batch.
	maxEnqueueBody = 8 << 20
)

// EnqueueJobs handles POST /jobs.
// All jobs in the batch become visible to the dispatcher together, or none do.
func (h *Handlers) EnqueueJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.EnqueueRequest
	body := http.MaxBytesReader(w, r.Body, maxEnqueueBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.httpError(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Jobs) == 0 {
		h.httpError(w, "At least one job is required", http.StatusBadRequest)
		return
	}
	if len(req.Jobs) > maxEnqueueBatch {
		h.httpError(w, "Too many jobs in one request", http.StatusRequestEntityTooLarge)
		return
	}

	jobs := make([]store.Job, 0, len(req.Jobs))
	ids := make([]string, 0, len(req.Jobs))
	for _, fields := range req.Jobs {
		id := uuid.NewString()
		if v, ok := fields["jobId"]; ok {
			s, isString := v.(string)
			if !isString || s == "" {
				h.httpError(w, "jobId must be a non-empty string", http.StatusBadRequest)
				return
			}
			id = s
		}
		job, err := store.NewJob(id, fields)
		if err != nil {
			h.httpError(w, "Invalid job payload", http.StatusBadRequest)
			return
		}
		jobs = append(jobs, job)
		ids = append(ids, id)
	}

	sessionID, err := h.queue.AddJobs(ctx, jobs)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInvalidJob):
			h.httpError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, worker.ErrShutdown):
			h.httpError(w, "Queue is shutting down", http.StatusServiceUnavailable)
		default:
			logger.FromContext(ctx, h.logger).Error("failed to enqueue jobs", "count", len(jobs), "error", err)
			h.httpError(w, "Failed to enqueue", http.StatusInternalServerError)
		}
		return
	}

	h.respondJson(w, http.StatusAccepted, api.EnqueueResponse{JobIDs: ids, SessionID: sessionID})
}

// GetJob handles GET /jobs/{id}.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		h.httpError(w, "Invalid job id", http.StatusBadRequest)
		return
	}
	ctx := logger.WithJobID(r.Context(), jobID)

	rec, err := h.queue.GetJobStatus(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.FromContext(ctx, h.logger).Error("failed to read job status", "error", err)
		h.httpError(w, "Failed to read job status", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, api.JobStatus{
		JobID:     rec.JobID,
		Status:    string(rec.Status),
		Timestamp: rec.Timestamp,
		Details:   rec.Fields,
	})
}
