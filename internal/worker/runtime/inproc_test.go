package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestFuncRuntime_RequiresProcessor(t *testing.T) {
	if _, err := NewFuncRuntime(nil).Start(context.Background(), Events{}); err == nil {
		t.Fatal("expected error without processor")
	}
}

func TestFuncRuntime_CompletesAndFails(t *testing.T) {
	rec := newRecorder()
	unit, err := NewFuncRuntime(echoProcessor).Start(context.Background(), rec.events())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer unit.Stop(context.Background())

	unit.Send(Request{Job: json.RawMessage(`{"jobId":"a"}`)})
	if msg := rec.next(t); msg.Status != MessageProgress {
		t.Errorf("expected progress, got %+v", msg)
	}
	if msg := rec.next(t); msg.Status != MessageCompleted || string(msg.Result) != `{"echo":"a"}` {
		t.Errorf("unexpected completion %+v", msg)
	}

	unit.Send(Request{Job: json.RawMessage(`{"jobId":"b","fail":"boom"}`)})
	if msg := rec.next(t); msg.Status != MessageFailed || msg.Error != "boom" {
		t.Errorf("unexpected failure %+v", msg)
	}
}

func TestFuncRuntime_PanicIsUnitError(t *testing.T) {
	rec := newRecorder()
	process := func(ctx context.Context, job json.RawMessage, progress ProgressFunc) (json.RawMessage, error) {
		panic("out of memory")
	}
	unit, err := NewFuncRuntime(process).Start(context.Background(), rec.events())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	unit.Send(Request{Job: json.RawMessage(`{"jobId":"a"}`)})

	select {
	case err := <-rec.errs:
		if !strings.Contains(err.Error(), "out of memory") {
			t.Errorf("unexpected error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected unit error after panic")
	}

	if err := unit.Stop(context.Background()); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := unit.Send(Request{Job: json.RawMessage(`{"jobId":"b"}`)}); !errors.Is(err, ErrUnitStopped) {
		t.Errorf("expected ErrUnitStopped, got %v", err)
	}
}

func TestFuncRuntime_StopCancelsRunningJob(t *testing.T) {
	rec := newRecorder()
	started := make(chan struct{})
	process := func(ctx context.Context, job json.RawMessage, progress ProgressFunc) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	unit, err := NewFuncRuntime(process).Start(context.Background(), rec.events())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	unit.Send(Request{Job: json.RawMessage(`{"jobId":"a"}`)})
	<-started

	if err := unit.Send(Request{Job: json.RawMessage(`{"jobId":"b"}`)}); err != nil {
		t.Fatalf("expected buffered send to succeed, got %v", err)
	}
	if err := unit.Send(Request{Job: json.RawMessage(`{"jobId":"c"}`)}); !errors.Is(err, ErrUnitBusy) {
		t.Errorf("expected ErrUnitBusy, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := unit.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.messages) != 0 {
		t.Errorf("a stopped unit must not report, got %+v", rec.messages)
	}
}
