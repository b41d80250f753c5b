package handlers

import (
	"context"
	"time"

	"workq/internal/admission"
	"workq/internal/queue"
	"workq/internal/store"
	"workq/internal/worker"
)

// Mock queue
type mockQueue struct {
	// Hooks
	addJobsErr   error
	sessionID    string
	snapshot     queue.Snapshot
	snapshotErr  error
	jobStatus    *store.StatusRecord
	jobStatusErr error
	slots        []worker.SlotInfo
	pingErr      error

	// Spies
	capturedJobs  []store.Job
	capturedJobID string
}

func (m *mockQueue) AddJobs(ctx context.Context, jobs []store.Job) (string, error) {
	m.capturedJobs = jobs
	if m.addJobsErr != nil {
		return "", m.addJobsErr
	}
	return m.sessionID, nil
}

func (m *mockQueue) GetStatus(ctx context.Context) (queue.Snapshot, error) {
	return m.snapshot, m.snapshotErr
}

func (m *mockQueue) GetJobStatus(ctx context.Context, jobID string) (*store.StatusRecord, error) {
	m.capturedJobID = jobID
	if m.jobStatusErr != nil {
		return nil, m.jobStatusErr
	}
	return m.jobStatus, nil
}

func (m *mockQueue) Workers() []worker.SlotInfo {
	return m.slots
}

func (m *mockQueue) Ping(ctx context.Context) error {
	return m.pingErr
}

func sampleSnapshot() queue.Snapshot {
	return queue.Snapshot{
		QueueName:       "analysis",
		MaxConcurrent:   4,
		ActiveWorkers:   1,
		PoolSize:        2,
		PendingJobs:     7,
		ProcessingJobs:  1,
		ServerLoad:      admission.Load{CPU: 12.5, RAM: 40},
		DispatcherState: "POLLING",
	}
}

func sampleSlots() []worker.SlotInfo {
	now := time.Now()
	return []worker.SlotInfo{
		{Index: 0, WorkerID: 11, Idle: false, CurrentJobID: "job-1", StartTime: now, LastUsed: now, JobCount: 3},
		{Index: 1, WorkerID: 12, Idle: true, LastUsed: now},
	}
}
