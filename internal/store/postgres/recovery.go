package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"workq/internal/store"
)

func (s *Store) lockName() string {
	return s.queue + ":startup_lock"
}

// WithStartupLock takes a row lock in queue_locks that expires after ttl.
func (s *Store) WithStartupLock(ctx context.Context, owner string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	var got string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO queue_locks (name, owner, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE queue_locks.expires_at < NOW()
		RETURNING owner
	`, s.lockName(), owner, time.Now().Add(ttl)).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire startup lock: %w", err)
	}

	defer s.db.ExecContext(context.WithoutCancel(ctx), `DELETE FROM queue_locks WHERE name = $1 AND owner = $2`, s.lockName(), owner)

	return true, fn(ctx)
}

// DrainProcessing flips every processing row back to pending, keeping row order.
func (s *Store) DrainProcessing(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET state = 'pending', claimed_at = NULL
		WHERE queue = $1 AND state = 'processing'
	`, s.queue)
	if err != nil {
		return 0, fmt.Errorf("failed to drain processing rows: %w", err)
	}
	return res.RowsAffected()
}

// StatusesWith returns live status records in the given status.
func (s *Store) StatusesWith(ctx context.Context, status store.Status) ([]store.StatusRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM job_statuses
		WHERE queue = $1 AND status = $2 AND expires_at > NOW()
	`, s.queue, string(status))
	if err != nil {
		return nil, fmt.Errorf("status query failed: %w", err)
	}
	defer rows.Close()

	var out []store.StatusRecord
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		var rec store.StatusRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
