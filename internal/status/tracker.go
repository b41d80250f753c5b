// Package status records job lifecycle transitions.
package status

import (
	"context"
	"log/slog"
	"time"

	"workq/internal/store"
)

// DefaultTTL is how long status records are retained.
const DefaultTTL = 24 * time.Hour

// passthroughFields are payload fields copied from a job into its status records.
var passthroughFields = []string{"teamId", "trajectoryId", "sessionId", "analysisId"}

// Store is the subset of the queue store the tracker writes to.
type Store interface {
	SetStatus(ctx context.Context, rec store.StatusRecord, ttl time.Duration) error
	GetStatus(ctx context.Context, jobID string) (*store.StatusRecord, error)
}

// Publisher forwards status records to interested observers.
type Publisher interface {
	Publish(ctx context.Context, rec store.StatusRecord) error
}

// Tracker writes timestamped status records with a bounded retention.
type Tracker struct {
	store     Store
	publisher Publisher
	queueName string
	ttl       time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a tracker. publisher may be nil.
func New(s Store, publisher Publisher, queueName string, ttl time.Duration, logger *slog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:     s,
		publisher: publisher,
		queueName: queueName,
		ttl:       ttl,
		now:       time.Now,
		logger:    logger,
	}
}

// TTL returns the record retention.
func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// Record builds a status record for job without writing it.
func (t *Tracker) Record(job store.Job, status store.Status, fields map[string]any) store.StatusRecord {
	merged := make(map[string]any, len(fields)+len(passthroughFields)+1)
	merged["queueType"] = t.queueName
	for _, name := range passthroughFields {
		if v := job.String(name); v != "" {
			merged[name] = v
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	return store.StatusRecord{
		JobID:     job.ID,
		Status:    status,
		Timestamp: t.now().UTC(),
		Fields:    merged,
	}
}

// Set writes a status record and publishes it. A publish failure is logged, not returned.
func (t *Tracker) Set(ctx context.Context, job store.Job, status store.Status, fields map[string]any) error {
	rec := t.Record(job, status, fields)
	if err := t.store.SetStatus(ctx, rec, t.ttl); err != nil {
		return err
	}
	t.Publish(ctx, rec)
	return nil
}

// Publish forwards an already-stored record.
func (t *Tracker) Publish(ctx context.Context, rec store.StatusRecord) {
	if t.publisher == nil {
		return
	}
	if err := t.publisher.Publish(ctx, rec); err != nil {
		t.logger.Warn("failed to publish job update", "job_id", rec.JobID, "status", rec.Status, "error", err)
	}
}

// Get returns the current status record for jobID.
func (t *Tracker) Get(ctx context.Context, jobID string) (*store.StatusRecord, error) {
	return t.store.GetStatus(ctx, jobID)
}
