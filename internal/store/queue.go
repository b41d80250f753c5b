// Package store contains the queue storage layer for workq.
package store

import (
	"context"
	"time"
)

// Queue is the minimal contract a persistent list store must satisfy.
// A Queue instance is scoped to one queue name.
type Queue interface {
	// Enqueue appends the serialized jobs to the pending list and writes their
	// initial status records. Either all jobs become visible or none do.
	Enqueue(ctx context.Context, jobs []Job, statuses []StatusRecord, ttl time.Duration) error

	// PopToProcessing blocks up to timeout and atomically moves one item from the
	// pending list to the processing list. Returns "" when nothing arrived.
	PopToProcessing(ctx context.Context, timeout time.Duration) (string, error)

	// Requeue pushes raw back onto the pending list and removes one matching
	// instance from the processing list, atomically.
	Requeue(ctx context.Context, raw string) error

	// Ack removes one matching instance of raw from the processing list.
	Ack(ctx context.Context, raw string) error

	// SetStatus upserts the status record with the given retention.
	SetStatus(ctx context.Context, rec StatusRecord, ttl time.Duration) error

	// GetStatus returns ErrNotFound when the record is missing or expired.
	GetStatus(ctx context.Context, jobID string) (*StatusRecord, error)

	// PendingCount and ProcessingCount report list lengths.
	PendingCount(ctx context.Context) (int64, error)
	ProcessingCount(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
}

// Recoverer is implemented by stores that can reclaim in-flight work left
// behind by a dispatcher that stopped without releasing it.
type Recoverer interface {
	// WithStartupLock runs fn only if no other process holds the lock.
	// It reports whether fn ran.
	WithStartupLock(ctx context.Context, owner string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error)

	// DrainProcessing moves every processing item back to the pending list.
	DrainProcessing(ctx context.Context) (int64, error)

	// StatusesWith returns the live status records currently in the given status.
	StatusesWith(ctx context.Context, status Status) ([]StatusRecord, error)
}
