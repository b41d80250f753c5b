// Package store contains the queue storage layer for workq.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status represents a lifecycle state of a job.
type Status string

const (
	StatusQueued               Status = "queued"
	StatusRunning              Status = "running"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusQueuedAfterFailure   Status = "queued_after_failure"
	StatusRequeuedAfterRestart Status = "requeued_after_restart"
)

// Terminal reports whether no further transitions are expected for the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrNotFound is returned when a status record does not exist or has expired.
var ErrNotFound = errors.New("not found")

// ErrInvalidJob is returned when a record has no usable jobId.
var ErrInvalidJob = errors.New("invalid job")

// Job is an opaque queue record. Only jobId is interpreted by the queue;
// every other field is carried through untouched.
type Job struct {
	ID     string
	Fields map[string]json.RawMessage
}

// NewJob builds a job from an id and arbitrary payload fields.
func NewJob(id string, fields map[string]any) (Job, error) {
	job := Job{ID: id, Fields: make(map[string]json.RawMessage, len(fields))}
	for k, v := range fields {
		if k == "jobId" {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return Job{}, fmt.Errorf("encode field %q: %w", k, err)
		}
		job.Fields[k] = b
	}
	return job, nil
}

// ParseJob decodes the wire form of a job.
func ParseJob(raw string) (Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	return job, nil
}

// String returns a string-valued payload field, or "" when absent or not a string.
func (j Job) String(name string) string {
	raw, ok := j.Fields[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// TeamID returns the optional teamId passthrough field.
func (j Job) TeamID() string {
	return j.String("teamId")
}

// MarshalJSON flattens the payload fields next to jobId.
// Map keys are emitted sorted, so a job always serializes to the same bytes.
func (j Job) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(j.Fields)+1)
	for k, v := range j.Fields {
		out[k] = v
	}
	id, err := json.Marshal(j.ID)
	if err != nil {
		return nil, err
	}
	out["jobId"] = id
	return json.Marshal(out)
}

// UnmarshalJSON requires a JSON object with a non-empty string jobId.
func (j *Job) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	raw, ok := fields["jobId"]
	if !ok {
		return fmt.Errorf("%w: missing jobId", ErrInvalidJob)
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil || id == "" {
		return fmt.Errorf("%w: jobId must be a non-empty string", ErrInvalidJob)
	}
	delete(fields, "jobId")
	j.ID = id
	j.Fields = fields
	return nil
}

// StatusRecord is a timestamped lifecycle observation of a job.
// Fields holds contextual values (workerId, error, result, teamId, ...)
// and is flattened into the JSON object.
type StatusRecord struct {
	JobID     string
	Status    Status
	Timestamp time.Time
	Fields    map[string]any
}

// TeamID returns the teamId carried in the record fields, if any.
func (r StatusRecord) TeamID() string {
	if s, ok := r.Fields["teamId"].(string); ok {
		return s
	}
	return ""
}

func (r StatusRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["jobId"] = r.JobID
	out["status"] = r.Status
	out["timestamp"] = r.Timestamp.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

func (r *StatusRecord) UnmarshalJSON(data []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if id, ok := fields["jobId"].(string); ok {
		r.JobID = id
	}
	if s, ok := fields["status"].(string); ok {
		r.Status = Status(s)
	}
	if ts, ok := fields["timestamp"].(string); ok {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("invalid timestamp: %w", err)
		}
		r.Timestamp = t
	}
	delete(fields, "jobId")
	delete(fields, "status")
	delete(fields, "timestamp")
	r.Fields = fields
	return nil
}
