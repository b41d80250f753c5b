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

// OpenSession inserts the session row with its outstanding-job counter.
func (s *Store) OpenSession(ctx context.Context, sess store.Session, ttl time.Duration) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_sessions (session_id, record, remaining, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE
		SET record = EXCLUDED.record, remaining = EXCLUDED.remaining, expires_at = EXCLUDED.expires_at
	`, sess.ID, b, sess.TotalJobs, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to open session %s: %w", sess.ID, err)
	}
	return nil
}

// FinishSessionJob decrements the counter under the row lock and deletes the
// row in the same transaction when it reaches zero, so only one caller sees done.
func (s *Store) FinishSessionJob(ctx context.Context, sessionID string) (*store.Session, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var remaining int
	var b []byte
	err = tx.QueryRowContext(ctx, `
		UPDATE job_sessions SET remaining = remaining - 1
		WHERE session_id = $1 AND expires_at > NOW()
		RETURNING remaining, record
	`, sessionID).Scan(&remaining, &b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to finish job of session %s: %w", sessionID, err)
	}

	if remaining > 0 {
		return nil, false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_sessions WHERE session_id = $1`, sessionID); err != nil {
		return nil, false, fmt.Errorf("failed to close session %s: %w", sessionID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	sess := &store.Session{ID: sessionID}
	if err := json.Unmarshal(b, sess); err != nil {
		return nil, true, fmt.Errorf("corrupt session record %s: %w", sessionID, err)
	}
	return sess, true, nil
}

// PurgeExpiredSessions deletes sessions whose jobs never all finished.
func (s *Store) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
