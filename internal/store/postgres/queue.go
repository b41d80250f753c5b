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

// Enqueue inserts all jobs and their initial status records in one transaction.
func (s *Store) Enqueue(ctx context.Context, jobs []store.Job, statuses []store.StatusRecord, ttl time.Duration) error {
	if len(jobs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, job := range jobs {
		raw, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO queue_items (queue, state, payload)
			VALUES ($1, 'pending', $2)
		`, s.queue, string(raw))
		if err != nil {
			return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
		}
	}

	for _, rec := range statuses {
		if err := s.upsertStatus(ctx, tx, rec, ttl); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// PopToProcessing claims the oldest pending row with FOR UPDATE SKIP LOCKED in a single
// UPDATE statement, re-polling every pollStep until timeout.
func (s *Store) PopToProcessing(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		var payload string
		err := s.db.QueryRowContext(ctx, `
			UPDATE queue_items
			SET state = 'processing', claimed_at = NOW()
			WHERE id = (
				SELECT id FROM queue_items
				WHERE queue = $1 AND state = 'pending'
				ORDER BY id ASC
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING payload
		`, s.queue).Scan(&payload)
		if err == nil {
			return payload, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dequeue query failed: %w", err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", nil
		}
		wait := s.pollStep
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Requeue deletes one processing row matching raw and appends a fresh pending row.
func (s *Store) Requeue(ctx context.Context, raw string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.deleteProcessing(ctx, tx, raw); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_items (queue, state, payload)
		VALUES ($1, 'pending', $2)
	`, s.queue, raw)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}

	return tx.Commit()
}

// Ack deletes one processing row matching raw.
func (s *Store) Ack(ctx context.Context, raw string) error {
	return s.deleteProcessing(ctx, s.db, raw)
}

func (s *Store) deleteProcessing(ctx context.Context, executor DBTransaction, raw string) error {
	_, err := executor.ExecContext(ctx, `
		DELETE FROM queue_items
		WHERE id = (
			SELECT id FROM queue_items
			WHERE queue = $1 AND state = 'processing' AND payload = $2
			ORDER BY id ASC
			LIMIT 1
		)
	`, s.queue, raw)
	if err != nil {
		return fmt.Errorf("failed to remove processing entry: %w", err)
	}
	return nil
}

// SetStatus upserts the status record.
func (s *Store) SetStatus(ctx context.Context, rec store.StatusRecord, ttl time.Duration) error {
	return s.upsertStatus(ctx, s.db, rec, ttl)
}

func (s *Store) upsertStatus(ctx context.Context, executor DBTransaction, rec store.StatusRecord, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode status for %s: %w", rec.JobID, err)
	}

	var team *string
	if t := rec.TeamID(); t != "" {
		team = &t
	}

	_, err = executor.ExecContext(ctx, `
		INSERT INTO job_statuses (queue, job_id, team_id, status, record, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (queue, job_id) DO UPDATE
		SET team_id = EXCLUDED.team_id, status = EXCLUDED.status,
			record = EXCLUDED.record, expires_at = EXCLUDED.expires_at
	`, s.queue, rec.JobID, team, string(rec.Status), b, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to set status for %s: %w", rec.JobID, err)
	}
	return nil
}

// GetStatus reads a non-expired status record.
func (s *Store) GetStatus(ctx context.Context, jobID string) (*store.StatusRecord, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT record FROM job_statuses
		WHERE queue = $1 AND job_id = $2 AND expires_at > NOW()
	`, s.queue, jobID).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status for %s: %w", jobID, err)
	}

	var rec store.StatusRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("corrupt status record for %s: %w", jobID, err)
	}
	return &rec, nil
}

func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	return s.count(ctx, "pending")
}

func (s *Store) ProcessingCount(ctx context.Context) (int64, error) {
	return s.count(ctx, "processing")
}

func (s *Store) count(ctx context.Context, state string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_items WHERE queue = $1 AND state = $2
	`, s.queue, state).Scan(&n)
	return n, err
}

// PurgeExpiredStatuses deletes status records past their retention.
func (s *Store) PurgeExpiredStatuses(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_statuses WHERE queue = $1 AND expires_at <= NOW()`, s.queue)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdatesChannel is the LISTEN/NOTIFY channel status records are published on.
const UpdatesChannel = "job_updates"

// Publish sends a status record as a NOTIFY payload on UpdatesChannel.
func (s *Store) Publish(ctx context.Context, rec store.StatusRecord) error {
	return s.PublishEvent(ctx, rec.TeamID(), rec)
}

// PublishEvent sends any JSON event to teamID's observers on UpdatesChannel.
func (s *Store) PublishEvent(ctx context.Context, teamID string, event any) error {
	b, err := json.Marshal(struct {
		TeamID  string `json:"teamId,omitempty"`
		Payload any    `json:"payload"`
	}{TeamID: teamID, Payload: event})
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, UpdatesChannel, string(b))
	return err
}
