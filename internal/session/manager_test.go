package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"workq/internal/store"
)

type mockStore struct {
	mu        sync.Mutex
	opened    []store.Session
	ttl       time.Duration
	remaining map[string]int
	openErr   error
}

func newMockStore() *mockStore {
	return &mockStore{remaining: make(map[string]int)}
}

func (m *mockStore) OpenSession(ctx context.Context, sess store.Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = append(m.opened, sess)
	m.ttl = ttl
	m.remaining[sess.ID] = sess.TotalJobs
	return nil
}

func (m *mockStore) FinishSessionJob(ctx context.Context, id string) (*store.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	left, ok := m.remaining[id]
	if !ok {
		return nil, false, nil
	}
	left--
	if left > 0 {
		m.remaining[id] = left
		return nil, false, nil
	}
	delete(m.remaining, id)
	for _, s := range m.opened {
		if s.ID == id {
			sess := s
			return &sess, true, nil
		}
	}
	return &store.Session{ID: id}, true, nil
}

type publishedEvent struct {
	teamID string
	event  any
}

type mockPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *mockPublisher) PublishEvent(ctx context.Context, teamID string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{teamID: teamID, event: event})
	return nil
}

func newTestManager(s store.Sessions, p EventPublisher) *Manager {
	m := New(s, p, time.Hour, nil)
	m.now = func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) }
	m.newID = func() string { return "sess-1" }
	return m
}

func mustJob(t *testing.T, id string, fields map[string]any) store.Job {
	t.Helper()
	job, err := store.NewJob(id, fields)
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	return job
}

func TestOpen_StampsEveryJob(t *testing.T) {
	st := newMockStore()
	m := newTestManager(st, nil)
	jobs := []store.Job{
		mustJob(t, "a", map[string]any{"teamId": "t1", "trajectoryId": "tr-1"}),
		{ID: "b"},
	}

	sess, err := m.Open(context.Background(), jobs)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if sess.ID != "sess-1" || sess.TotalJobs != 2 || sess.TeamID != "t1" || sess.TrajectoryID != "tr-1" {
		t.Errorf("unexpected session %+v", sess)
	}
	for _, job := range jobs {
		if job.String(FieldSessionID) != "sess-1" {
			t.Errorf("job %s missing sessionId", job.ID)
		}
		if string(job.Fields[FieldSessionStartTime]) != "1740823200000" {
			t.Errorf("job %s has sessionStartTime %s", job.ID, job.Fields[FieldSessionStartTime])
		}
	}
	if st.ttl != time.Hour {
		t.Errorf("expected ttl 1h, got %v", st.ttl)
	}
}

func TestOpen_StoreError(t *testing.T) {
	st := newMockStore()
	st.openErr = errors.New("connection refused")
	m := newTestManager(st, nil)

	if _, err := m.Open(context.Background(), []store.Job{{ID: "a"}}); err == nil {
		t.Fatal("expected error")
	}
}

func TestJobFinished_PublishesOnLastJob(t *testing.T) {
	st := newMockStore()
	pub := &mockPublisher{}
	m := newTestManager(st, pub)
	jobs := []store.Job{
		mustJob(t, "a", map[string]any{"teamId": "t1"}),
		mustJob(t, "b", map[string]any{"teamId": "t1"}),
	}
	if _, err := m.Open(context.Background(), jobs); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	m.JobFinished(context.Background(), jobs[0])
	if len(pub.events) != 0 {
		t.Fatalf("expected no event before the last job, got %v", pub.events)
	}
	m.JobFinished(context.Background(), jobs[1])

	if len(pub.events) != 1 {
		t.Fatalf("expected one event, got %d", len(pub.events))
	}
	got := pub.events[0]
	ev, ok := got.event.(Completed)
	if !ok {
		t.Fatalf("unexpected event type %T", got.event)
	}
	if got.teamID != "t1" || ev.Type != CompletedEvent || ev.SessionID != "sess-1" || ev.TotalJobs != 2 {
		t.Errorf("unexpected event %+v to %q", ev, got.teamID)
	}
}

func TestJobFinished_IgnoresJobsWithoutSession(t *testing.T) {
	st := newMockStore()
	pub := &mockPublisher{}
	m := newTestManager(st, pub)

	m.JobFinished(context.Background(), mustJob(t, "loose", nil))

	if len(pub.events) != 0 {
		t.Errorf("expected no events, got %v", pub.events)
	}
}
