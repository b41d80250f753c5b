package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"workq/internal/store"
)

type mockStore struct {
	mu      sync.Mutex
	records []store.StatusRecord
	ttls    []time.Duration
	setErr  error
}

func (m *mockStore) SetStatus(ctx context.Context, rec store.StatusRecord, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.records = append(m.records, rec)
	m.ttls = append(m.ttls, ttl)
	return nil
}

func (m *mockStore) GetStatus(ctx context.Context, jobID string) (*store.StatusRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].JobID == jobID {
			rec := m.records[i]
			return &rec, nil
		}
	}
	return nil, store.ErrNotFound
}

type mockPublisher struct {
	published []store.StatusRecord
	err       error
}

func (m *mockPublisher) Publish(ctx context.Context, rec store.StatusRecord) error {
	m.published = append(m.published, rec)
	return m.err
}

func TestNew_DefaultTTL(t *testing.T) {
	tr := New(&mockStore{}, nil, "q", 0, nil)
	if tr.TTL() != 24*time.Hour {
		t.Errorf("expected 24h default TTL, got %v", tr.TTL())
	}
}

func TestSet_WritesRecordWithPassthroughFields(t *testing.T) {
	ms := &mockStore{}
	pub := &mockPublisher{}
	tr := New(ms, pub, "trajectory", time.Hour, nil)
	fixed := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return fixed }

	job, _ := store.NewJob("j1", map[string]any{"teamId": "t1", "trajectoryId": "tr1", "frames": 100})
	err := tr.Set(context.Background(), job, store.StatusRunning, map[string]any{"workerId": int64(7)})
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if len(ms.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(ms.records))
	}
	rec := ms.records[0]
	if rec.JobID != "j1" || rec.Status != store.StatusRunning {
		t.Errorf("unexpected record %+v", rec)
	}
	if !rec.Timestamp.Equal(fixed) {
		t.Errorf("expected timestamp %v, got %v", fixed, rec.Timestamp)
	}
	if rec.Fields["teamId"] != "t1" || rec.Fields["trajectoryId"] != "tr1" {
		t.Errorf("expected passthrough fields, got %v", rec.Fields)
	}
	if _, ok := rec.Fields["frames"]; ok {
		t.Error("non-passthrough payload fields must not be copied")
	}
	if rec.Fields["workerId"] != int64(7) {
		t.Errorf("expected workerId 7, got %v", rec.Fields["workerId"])
	}
	if rec.Fields["queueType"] != "trajectory" {
		t.Errorf("expected queueType trajectory, got %v", rec.Fields["queueType"])
	}
	if ms.ttls[0] != time.Hour {
		t.Errorf("expected 1h ttl, got %v", ms.ttls[0])
	}
	if len(pub.published) != 1 {
		t.Errorf("expected record to be published")
	}
}

func TestSet_StoreErrorSkipsPublish(t *testing.T) {
	ms := &mockStore{setErr: errors.New("redis down")}
	pub := &mockPublisher{}
	tr := New(ms, pub, "q", time.Hour, nil)

	job, _ := store.NewJob("j1", nil)
	if err := tr.Set(context.Background(), job, store.StatusQueued, nil); err == nil {
		t.Fatal("expected error")
	}
	if len(pub.published) != 0 {
		t.Error("record must not be published when the write failed")
	}
}

func TestSet_PublishErrorIsNotFatal(t *testing.T) {
	ms := &mockStore{}
	tr := New(ms, &mockPublisher{err: errors.New("no subscribers")}, "q", time.Hour, nil)

	job, _ := store.NewJob("j1", nil)
	if err := tr.Set(context.Background(), job, store.StatusCompleted, nil); err != nil {
		t.Fatalf("expected publish errors to be absorbed, got %v", err)
	}
}

func TestGet_ReturnsLatest(t *testing.T) {
	ms := &mockStore{}
	tr := New(ms, nil, "q", time.Hour, nil)
	job, _ := store.NewJob("j1", nil)

	tr.Set(context.Background(), job, store.StatusQueued, nil)
	tr.Set(context.Background(), job, store.StatusRunning, nil)

	rec, err := tr.Get(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != store.StatusRunning {
		t.Errorf("expected running, got %s", rec.Status)
	}
}
