// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and the daemon's HTTP API.
package api

import "time"

// EnqueueRequest is the request body for adding jobs to the queue.
// Each job is an arbitrary JSON object; jobId is generated when absent.
type EnqueueRequest struct {
	Jobs []map[string]any `json:"jobs"`
}

// EnqueueResponse lists the ids of the accepted jobs, in request order,
// and the session that tracks the batch when the store supports sessions.
type EnqueueResponse struct {
	JobIDs    []string `json:"job_ids"`
	SessionID string   `json:"session_id,omitempty"`
}

// JobStatus is the latest status record of a job.
// Details carries the remaining record fields (workerId, result, error, ...).
type JobStatus struct {
	JobID     string         `json:"job_id"`
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// ServerLoad is the latest admission sample.
type ServerLoad struct {
	Overloaded bool    `json:"overloaded"`
	CPU        float64 `json:"cpu"`
	RAM        float64 `json:"ram"`
}

// WorkerInfo describes one worker slot.
type WorkerInfo struct {
	Index        int        `json:"index"`
	WorkerID     int64      `json:"worker_id"`
	Idle         bool       `json:"idle"`
	CurrentJobID string     `json:"current_job_id,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	LastUsed     time.Time  `json:"last_used"`
	JobCount     int64      `json:"job_count"`
}

// QueueStatus is a point-in-time snapshot of the queue.
type QueueStatus struct {
	QueueName       string       `json:"queue_name"`
	MaxConcurrent   int          `json:"max_concurrent"`
	ActiveWorkers   int          `json:"active_workers"`
	PoolSize        int          `json:"pool_size"`
	PendingJobs     int64        `json:"pending_jobs"`
	ProcessingJobs  int64        `json:"processing_jobs"`
	ServerLoad      ServerLoad   `json:"server_load"`
	DispatcherState string       `json:"dispatcher_state"`
	Workers         []WorkerInfo `json:"workers,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
