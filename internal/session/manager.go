// Package session tracks enqueue batches and announces when every job of a batch has finished.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"workq/internal/store"

	"github.com/google/uuid"
)

// DefaultTTL bounds how long an unfinished session is kept.
const DefaultTTL = 24 * time.Hour

// CompletedEvent is published once the last job of a session reaches a terminal status.
const CompletedEvent = "session_completed"

// Job payload fields stamped on every job of a batch.
const (
	FieldSessionID        = "sessionId"
	FieldSessionStartTime = "sessionStartTime"
)

// EventPublisher delivers events to a team's observers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, teamID string, event any) error
}

// Completed is the payload of a session_completed event.
type Completed struct {
	Type         string    `json:"type"`
	SessionID    string    `json:"sessionId"`
	TrajectoryID string    `json:"trajectoryId,omitempty"`
	TotalJobs    int       `json:"totalJobs"`
	StartTime    time.Time `json:"startTime"`
	CompletedAt  time.Time `json:"completedAt"`
}

// Manager opens a session per batch and counts its jobs down as they finish.
type Manager struct {
	store     store.Sessions
	publisher EventPublisher
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// New creates a manager. publisher may be nil, in which case completion is only logged.
func New(s store.Sessions, publisher EventPublisher, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     s,
		publisher: publisher,
		ttl:       ttl,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Open stamps every job with a fresh session id and start time, then records the session.
// It must run before the jobs become visible to the dispatcher.
func (m *Manager) Open(ctx context.Context, jobs []store.Job) (store.Session, error) {
	sess := store.Session{
		ID:        m.newID(),
		StartTime: m.now().UTC(),
		TotalJobs: len(jobs),
		Status:    "active",
	}
	if len(jobs) > 0 {
		sess.TeamID = jobs[0].TeamID()
		sess.TrajectoryID = jobs[0].String("trajectoryId")
	}

	id, _ := json.Marshal(sess.ID)
	start, _ := json.Marshal(sess.StartTime.UnixMilli())
	for i := range jobs {
		if jobs[i].Fields == nil {
			jobs[i].Fields = make(map[string]json.RawMessage, 2)
		}
		jobs[i].Fields[FieldSessionID] = id
		jobs[i].Fields[FieldSessionStartTime] = start
	}

	if err := m.store.OpenSession(ctx, sess, m.ttl); err != nil {
		return store.Session{}, fmt.Errorf("failed to open session: %w", err)
	}
	return sess, nil
}

// JobFinished counts a terminal job against its session and publishes
// session_completed when it was the last one. Jobs without a session are ignored.
func (m *Manager) JobFinished(ctx context.Context, job store.Job) {
	id := job.String(FieldSessionID)
	if id == "" {
		return
	}

	sess, done, err := m.store.FinishSessionJob(ctx, id)
	if err != nil {
		m.logger.Error("failed to update session", "session_id", id, "job_id", job.ID, "error", err)
		return
	}
	if !done {
		return
	}

	event := Completed{
		Type:         CompletedEvent,
		SessionID:    id,
		TrajectoryID: sess.TrajectoryID,
		TotalJobs:    sess.TotalJobs,
		StartTime:    sess.StartTime,
		CompletedAt:  m.now().UTC(),
	}
	teamID := sess.TeamID
	if teamID == "" {
		teamID = job.TeamID()
	}
	m.logger.Info("session completed", "session_id", id, "team_id", teamID, "total_jobs", sess.TotalJobs)

	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishEvent(ctx, teamID, event); err != nil {
		m.logger.Warn("failed to publish session completion", "session_id", id, "error", err)
	}
}
