package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"workq/internal/store"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "analysis"), mr
}

func mustJob(t *testing.T, id string, fields map[string]any) store.Job {
	t.Helper()
	job, err := store.NewJob(id, fields)
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	return job
}

func TestNew_KeyLayout(t *testing.T) {
	s, _ := newTestStore(t)

	if s.PendingKey() != "analysis_queue" {
		t.Errorf("got pending key %q", s.PendingKey())
	}
	if s.ProcessingKey() != "analysis_queue:processing" {
		t.Errorf("got processing key %q", s.ProcessingKey())
	}
	if s.statusKey("j1") != "analysis_queue:status:j1" {
		t.Errorf("got status key %q", s.statusKey("j1"))
	}
}

func TestEnqueue_PushesJobsAndStatuses(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	jobs := []store.Job{
		mustJob(t, "j1", map[string]any{"teamId": "t1"}),
		mustJob(t, "j2", nil),
	}
	statuses := []store.StatusRecord{
		{JobID: "j1", Status: store.StatusQueued, Timestamp: time.Now(), Fields: map[string]any{"teamId": "t1"}},
		{JobID: "j2", Status: store.StatusQueued, Timestamp: time.Now()},
	}

	if err := s.Enqueue(ctx, jobs, statuses, time.Hour); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	n, err := s.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 pending, got %d", n)
	}

	rec, err := s.GetStatus(ctx, "j1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if rec.Status != store.StatusQueued {
		t.Errorf("expected queued, got %s", rec.Status)
	}
	if ttl := mr.TTL("analysis_queue:status:j1"); ttl != time.Hour {
		t.Errorf("expected 1h TTL, got %v", ttl)
	}

	members, err := s.TeamJobIDs(ctx, "t1")
	if err != nil {
		t.Fatalf("TeamJobIDs failed: %v", err)
	}
	if len(members) != 1 || members[0] != "j1" {
		t.Errorf("unexpected team members %v", members)
	}
}

func TestEnqueue_Empty(t *testing.T) {
	s, mr := newTestStore(t)

	if err := s.Enqueue(context.Background(), nil, nil, time.Hour); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if mr.Exists("analysis_queue") {
		t.Error("expected no pending list for an empty batch")
	}
}

func TestPopToProcessing_FIFOAndAtomicMove(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	jobs := []store.Job{mustJob(t, "first", nil), mustJob(t, "second", nil)}
	if err := s.Enqueue(ctx, jobs, nil, time.Hour); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	raw, err := s.PopToProcessing(ctx, time.Second)
	if err != nil {
		t.Fatalf("PopToProcessing failed: %v", err)
	}
	job, err := store.ParseJob(raw)
	if err != nil {
		t.Fatalf("ParseJob failed: %v", err)
	}
	if job.ID != "first" {
		t.Errorf("expected first job, got %s", job.ID)
	}

	pending, _ := s.PendingCount(ctx)
	processing, _ := s.ProcessingCount(ctx)
	if pending != 1 || processing != 1 {
		t.Errorf("expected 1 pending and 1 processing, got %d/%d", pending, processing)
	}
}

func TestPopToProcessing_EmptyReturnsBlank(t *testing.T) {
	s, _ := newTestStore(t)

	raw, err := s.PopToProcessing(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("PopToProcessing failed: %v", err)
	}
	if raw != "" {
		t.Errorf("expected empty result, got %q", raw)
	}
}

func TestRequeue_MovesBackToTail(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Enqueue(ctx, []store.Job{mustJob(t, "a", nil)}, nil, time.Hour); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	raw, err := s.PopToProcessing(ctx, time.Second)
	if err != nil || raw == "" {
		t.Fatalf("PopToProcessing failed: %q %v", raw, err)
	}
	if err := s.Enqueue(ctx, []store.Job{mustJob(t, "b", nil)}, nil, time.Hour); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := s.Requeue(ctx, raw); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}

	processing, _ := s.ProcessingCount(ctx)
	if processing != 0 {
		t.Errorf("expected empty processing list, got %d", processing)
	}

	// "b" was enqueued before the requeue, so it is dispatched first.
	next, _ := s.PopToProcessing(ctx, time.Second)
	job, _ := store.ParseJob(next)
	if job.ID != "b" {
		t.Errorf("expected b before requeued a, got %s", job.ID)
	}
}

func TestAck_RemovesSingleInstance(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	mr.Lpush("analysis_queue:processing", `{"jobId":"x"}`)
	mr.Lpush("analysis_queue:processing", `{"jobId":"x"}`)

	if err := s.Ack(ctx, `{"jobId":"x"}`); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	n, _ := s.ProcessingCount(ctx)
	if n != 1 {
		t.Errorf("expected exactly one instance removed, %d left", n)
	}
}

func TestGetStatus_NotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.GetStatus(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetStatus_OverwritesAndExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	rec := store.StatusRecord{JobID: "j", Status: store.StatusRunning, Timestamp: time.Now(), Fields: map[string]any{"workerId": 3}}
	if err := s.SetStatus(ctx, rec, time.Minute); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	rec.Status = store.StatusCompleted
	if err := s.SetStatus(ctx, rec, time.Minute); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	got, err := s.GetStatus(ctx, "j")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if got.Status != store.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.Fields["workerId"] != float64(3) {
		t.Errorf("expected workerId passthrough, got %v", got.Fields["workerId"])
	}

	mr.FastForward(2 * time.Minute)
	if _, err := s.GetStatus(ctx, "j"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected record to expire, got %v", err)
	}
}

func TestPublish_SendsOnUpdatesChannel(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	sub := client.Subscribe(ctx, UpdatesChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	rec := store.StatusRecord{JobID: "j", Status: store.StatusRunning, Timestamp: time.Now(), Fields: map[string]any{"teamId": "t9"}}
	if err := s.Publish(ctx, rec); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var body struct {
			TeamID  string          `json:"teamId"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal([]byte(msg.Payload), &body); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if body.TeamID != "t9" {
			t.Errorf("expected teamId t9, got %q", body.TeamID)
		}
	case <-time.After(time.Second):
		t.Fatal("no message published")
	}
}

func TestDrainProcessing(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	mr.Lpush("analysis_queue:processing", `{"jobId":"a"}`)
	mr.Lpush("analysis_queue:processing", `{"jobId":"b"}`)

	moved, err := s.DrainProcessing(ctx)
	if err != nil {
		t.Fatalf("DrainProcessing failed: %v", err)
	}
	if moved != 2 {
		t.Errorf("expected 2 moved, got %d", moved)
	}
	pending, _ := s.PendingCount(ctx)
	if pending != 2 {
		t.Errorf("expected 2 pending, got %d", pending)
	}
}

func TestWithStartupLock_SecondCallerSkips(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var nestedRan bool
	ran, err := s.WithStartupLock(ctx, "owner-1", time.Minute, func(ctx context.Context) error {
		ok, err := s.WithStartupLock(ctx, "owner-2", time.Minute, func(context.Context) error {
			nestedRan = true
			return nil
		})
		if err != nil {
			return err
		}
		if ok {
			t.Error("expected nested lock to be refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithStartupLock failed: %v", err)
	}
	if !ran {
		t.Error("expected first caller to run")
	}
	if nestedRan {
		t.Error("nested function should not run")
	}

	// Lock is released afterwards.
	ran, err = s.WithStartupLock(ctx, "owner-3", time.Minute, func(context.Context) error { return nil })
	if err != nil || !ran {
		t.Errorf("expected lock to be free again, ran=%v err=%v", ran, err)
	}
}

func TestStatusesWith_FiltersByStatus(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	for id, st := range map[string]store.Status{"a": store.StatusRunning, "b": store.StatusCompleted, "c": store.StatusRunning} {
		if err := s.SetStatus(ctx, store.StatusRecord{JobID: id, Status: st, Timestamp: now}, time.Hour); err != nil {
			t.Fatalf("SetStatus failed: %v", err)
		}
	}

	recs, err := s.StatusesWith(ctx, store.StatusRunning)
	if err != nil {
		t.Fatalf("StatusesWith failed: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("expected 2 running records, got %d", len(recs))
	}
}
