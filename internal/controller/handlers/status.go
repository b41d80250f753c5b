package handlers

import (
	"net/http"

	"workq/internal/worker"
	"workq/pkg/api"
)

// GetStatus handles GET /status.
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.queue.GetStatus(r.Context())
	if err != nil {
		h.logger.Error("failed to read queue status", "error", err)
		h.httpError(w, "Failed to read queue status", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, api.QueueStatus{
		QueueName:      snap.QueueName,
		MaxConcurrent:  snap.MaxConcurrent,
		ActiveWorkers:  snap.ActiveWorkers,
		PoolSize:       snap.PoolSize,
		PendingJobs:    snap.PendingJobs,
		ProcessingJobs: snap.ProcessingJobs,
		ServerLoad: api.ServerLoad{
			Overloaded: snap.ServerLoad.Overloaded,
			CPU:        snap.ServerLoad.CPU,
			RAM:        snap.ServerLoad.RAM,
		},
		DispatcherState: string(snap.DispatcherState),
		Workers:         workerInfos(h.queue.Workers()),
	})
}

func workerInfos(slots []worker.SlotInfo) []api.WorkerInfo {
	out := make([]api.WorkerInfo, 0, len(slots))
	for _, s := range slots {
		info := api.WorkerInfo{
			Index:        s.Index,
			WorkerID:     s.WorkerID,
			Idle:         s.Idle,
			CurrentJobID: s.CurrentJobID,
			LastUsed:     s.LastUsed,
			JobCount:     s.JobCount,
		}
		if !s.StartTime.IsZero() {
			start := s.StartTime
			info.StartTime = &start
		}
		out = append(out, info)
	}
	return out
}
