// Package worker contains the worker pool that runs dispatched jobs on execution units.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"workq/internal/observability"
	"workq/internal/store"
	"workq/internal/worker/runtime"
)

// ErrShutdown is returned by pool operations after Shutdown.
var ErrShutdown = errors.New("worker pool is shut down")

const (
	DefaultJobTimeout            = 30 * time.Minute
	DefaultIdleTimeout           = 5 * time.Minute
	DefaultCrashWindow           = time.Minute
	DefaultMaxConsecutiveCrashes = 5
	DefaultCrashBackoff          = time.Second

	storeTimeout      = 10 * time.Second
	stopTimeout       = 10 * time.Second
	requeueAttempts   = 5
	maxRespawnBackoff = 30 * time.Second
)

// Failure kinds, used as metric attributes.
const (
	failureCrash   = "crash"
	failureExit    = "exit"
	failureTimeout = "timeout"
)

// Queue is the part of the queue store the pool writes back to.
type Queue interface {
	Requeue(ctx context.Context, raw string) error
	Ack(ctx context.Context, raw string) error
}

// StatusWriter records job lifecycle transitions.
type StatusWriter interface {
	Set(ctx context.Context, job store.Job, status store.Status, fields map[string]any) error
}

// FinishObserver is told about every job that completed or failed.
type FinishObserver interface {
	JobFinished(ctx context.Context, job store.Job)
}

// Config holds configuration for the worker pool.
type Config struct {
	QueueName         string
	MaxConcurrentJobs int
	JobTimeout        time.Duration
	IdleTimeout       time.Duration

	// A slot whose units crash MaxConsecutiveCrashes times within CrashWindow
	// waits CrashBackoff (scaled by the crash count, up to 5x) before respawning.
	CrashWindow           time.Duration
	MaxConsecutiveCrashes int
	CrashBackoff          time.Duration

	// OnFinish, if set, is called after a terminal status is written and the job acked.
	OnFinish FinishObserver

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// SlotInfo is a point-in-time view of one slot.
type SlotInfo struct {
	Index        int       `json:"index"`
	WorkerID     int64     `json:"workerId,omitempty"`
	Idle         bool      `json:"idle"`
	CurrentJobID string    `json:"currentJobId,omitempty"`
	StartTime    time.Time `json:"startTime,omitempty"`
	LastUsed     time.Time `json:"lastUsed"`
	JobCount     int64     `json:"jobCount"`
}

type slot struct {
	index    int
	unit     runtime.Unit // nil while the slot is being respawned or after removal
	idle     bool
	job      *inflight
	lastUsed time.Time
	jobCount int64
	crashes  []time.Time
}

type inflight struct {
	raw       string
	job       store.Job
	startTime time.Time
	timer     *time.Timer
	done      bool

	// statusMu orders the status writes of one job; taken before mu, never under it.
	statusMu sync.Mutex
}

// Pool owns a bounded set of execution units and the jobs assigned to them.
// All slot state is guarded by mu; store calls are made outside the lock.
type Pool struct {
	cfg     Config
	runtime runtime.Runtime
	queue   Queue
	tracker StatusWriter
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	slots   []*slot
	started bool
	closed  bool

	ready chan struct{}
	stop  chan struct{}
}

// New creates a worker pool. Units are not started until Initialize.
func New(q Queue, rt runtime.Runtime, tracker StatusWriter, cfg Config) *Pool {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.CrashWindow <= 0 {
		cfg.CrashWindow = DefaultCrashWindow
	}
	if cfg.MaxConsecutiveCrashes <= 0 {
		cfg.MaxConsecutiveCrashes = DefaultMaxConsecutiveCrashes
	}
	if cfg.CrashBackoff <= 0 {
		cfg.CrashBackoff = DefaultCrashBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		cfg:     cfg,
		runtime: rt,
		queue:   q,
		tracker: tracker,
		metrics: cfg.Metrics,
		logger:  logger.With("queue", cfg.QueueName),
		now:     time.Now,
		ready:   make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// Initialize starts MaxConcurrentJobs units and the idle sweep.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrShutdown
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	for i := 0; i < p.cfg.MaxConcurrentJobs; i++ {
		p.slots = append(p.slots, &slot{index: i})
	}
	slots := append([]*slot(nil), p.slots...)
	p.mu.Unlock()

	for _, s := range slots {
		if _, err := p.launch(ctx, s); err != nil {
			p.Shutdown(context.Background())
			return fmt.Errorf("failed to start worker %d: %w", s.index, err)
		}
	}

	go p.sweepLoop()
	p.logger.Info("worker pool initialized", "workers", len(slots))
	p.signalReady()
	return nil
}

// binding ties a launched unit to the event callbacks registered before it existed.
type binding struct {
	ready chan struct{}
	unit  runtime.Unit
}

// launch starts a unit for s and installs it as the slot's idle unit.
func (p *Pool) launch(ctx context.Context, s *slot) (runtime.Unit, error) {
	b := &binding{ready: make(chan struct{})}
	events := runtime.Events{
		OnMessage: func(_ int64, msg runtime.Message) {
			<-b.ready
			p.handleMessage(s, b.unit, msg)
		},
		OnError: func(_ int64, err error) {
			<-b.ready
			p.fail(s, b.unit, nil, err.Error(), failureCrash)
		},
		OnExit: func(id int64, code int) {
			// Any exit, including code 0, loses the job the unit held; only a reply completes it.
			<-b.ready
			p.fail(s, b.unit, nil, fmt.Sprintf("worker %d exited with code %d", id, code), failureExit)
		},
		OnOutput: func(id int64, line string) {
			p.logger.Debug("worker output", "worker_id", id, "line", line)
		},
	}

	unit, err := p.runtime.Start(ctx, events)
	if err != nil {
		close(b.ready)
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(b.ready)
		go p.stopUnit(unit)
		return nil, ErrShutdown
	}
	s.unit = unit
	s.idle = true
	s.lastUsed = p.now()
	b.unit = unit
	p.mu.Unlock()
	close(b.ready)

	p.logger.Debug("worker started", "worker_id", unit.ID(), "slot", s.index)
	return unit, nil
}

// bestIdleLocked picks the idle slot with the fewest completed jobs,
// breaking ties by the least recently used.
func (p *Pool) bestIdleLocked() *slot {
	var best *slot
	for _, s := range p.slots {
		if !s.idle || s.unit == nil {
			continue
		}
		if best == nil ||
			s.jobCount < best.jobCount ||
			(s.jobCount == best.jobCount && s.lastUsed.Before(best.lastUsed)) {
			best = s
		}
	}
	return best
}

// DispatchJob assigns raw to the best idle slot. It returns false without side
// effects when no slot is idle; the caller still owns the job in that case.
func (p *Pool) DispatchJob(ctx context.Context, raw string) (bool, error) {
	job, err := store.ParseJob(raw)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false, ErrShutdown
	}
	s := p.bestIdleLocked()
	if s == nil {
		p.mu.Unlock()
		return false, nil
	}
	in := &inflight{raw: raw, job: job, startTime: p.now()}
	s.idle = false
	s.job = in
	unit := s.unit
	p.mu.Unlock()

	workerID := unit.ID()
	p.writeStatus(ctx, in, store.StatusRunning, map[string]any{
		"workerId":  workerID,
		"startTime": in.startTime.UnixMilli(),
	})

	p.mu.Lock()
	if s.job != in || in.done || s.unit != unit {
		// The unit failed while the status was written; the failure path owns the job.
		p.mu.Unlock()
		return true, nil
	}
	in.timer = time.AfterFunc(p.cfg.JobTimeout, func() { p.handleTimeout(s, in) })
	p.mu.Unlock()

	if err := unit.Send(runtime.Request{Job: json.RawMessage(raw)}); err != nil {
		p.fail(s, unit, in, fmt.Sprintf("failed to send job: %v", err), failureCrash)
		return true, nil
	}

	p.metrics.JobDispatched(ctx)
	p.logger.Info("job dispatched", "job_id", job.ID, "worker_id", workerID, "slot", s.index)
	return true, nil
}

func (p *Pool) handleMessage(s *slot, unit runtime.Unit, msg runtime.Message) {
	p.mu.Lock()
	if unit == nil || s.unit != unit || s.job == nil || s.job.done {
		p.mu.Unlock()
		p.logger.Debug("ignoring message from worker without a job", "status", msg.Status)
		return
	}
	in := s.job
	workerID := unit.ID()

	switch msg.Status {
	case runtime.MessageProgress:
		p.mu.Unlock()
		p.writeStatus(context.Background(), in, store.StatusRunning, map[string]any{
			"workerId":  workerID,
			"startTime": in.startTime.UnixMilli(),
			"progress":  msg.Progress,
			"message":   msg.Message,
		})
		return
	case runtime.MessageCompleted, runtime.MessageFailed:
	default:
		p.mu.Unlock()
		p.logger.Warn("unknown worker message", "status", msg.Status, "worker_id", workerID)
		return
	}

	in.done = true
	if in.timer != nil {
		in.timer.Stop()
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	fields := map[string]any{
		"workerId": workerID,
		"duration": p.now().Sub(in.startTime).Milliseconds(),
	}
	status := store.StatusCompleted
	if msg.Status == runtime.MessageFailed {
		status = store.StatusFailed
		fields["error"] = msg.Error
	} else if len(msg.Result) > 0 {
		fields["result"] = msg.Result
	}
	p.writeStatus(ctx, in, status, fields)

	err := store.Retry(ctx, requeueAttempts, 100*time.Millisecond, func(ctx context.Context) error {
		return p.queue.Ack(ctx, in.raw)
	})
	if err != nil {
		p.logger.Error("failed to acknowledge job", "job_id", in.job.ID, "error", err)
	}
	if p.cfg.OnFinish != nil {
		p.cfg.OnFinish.JobFinished(ctx, in.job)
	}

	if status == store.StatusCompleted {
		p.metrics.JobCompleted(ctx)
		p.logger.Info("job completed", "job_id", in.job.ID, "worker_id", workerID)
	} else {
		p.metrics.JobFailed(ctx)
		p.logger.Warn("job failed", "job_id", in.job.ID, "worker_id", workerID, "error", msg.Error)
	}

	p.mu.Lock()
	released := s.job == in && s.unit == unit
	if released {
		s.job = nil
		s.idle = true
		s.jobCount++
		s.lastUsed = p.now()
		s.crashes = s.crashes[:0]
	}
	p.mu.Unlock()
	if released {
		p.signalReady()
	}
}

func (p *Pool) handleTimeout(s *slot, in *inflight) {
	p.mu.Lock()
	unit := s.unit
	p.mu.Unlock()
	p.fail(s, unit, in, fmt.Sprintf("job timed out after %s", p.cfg.JobTimeout), failureTimeout)
}

// fail tears down unit, requeues the job it held and respawns the slot.
// When expect is set the failure only applies if that job is still running on the slot.
func (p *Pool) fail(s *slot, unit runtime.Unit, expect *inflight, reason, kind string) {
	p.mu.Lock()
	if unit == nil || s.unit != unit || (expect != nil && (s.job != expect || expect.done)) {
		p.mu.Unlock()
		return
	}
	in := s.job
	s.unit = nil
	s.idle = false
	s.job = nil
	requeue := in != nil && !in.done
	if in != nil {
		in.done = true
		if in.timer != nil {
			in.timer.Stop()
		}
	}
	delay := p.crashDelayLocked(s)
	closed := p.closed
	p.mu.Unlock()

	workerID := unit.ID()
	logger := p.logger.With("worker_id", workerID, "slot", s.index, "reason", reason)
	if requeue {
		logger = logger.With("job_id", in.job.ID)
	}
	logger.Warn("worker failed, replacing")

	go p.stopUnit(unit)

	if requeue {
		p.requeue(in, workerID, reason, kind)
	}
	if closed {
		return
	}
	p.metrics.WorkerReplaced(context.Background(), kind)
	p.respawn(s, delay)
}

// crashDelayLocked records a crash on s and returns how long to wait before respawning.
func (p *Pool) crashDelayLocked(s *slot) time.Duration {
	now := p.now()
	cutoff := now.Add(-p.cfg.CrashWindow)
	kept := s.crashes[:0]
	for _, t := range s.crashes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.crashes = append(kept, now)

	n := len(s.crashes)
	if n < p.cfg.MaxConsecutiveCrashes {
		return 0
	}
	return p.cfg.CrashBackoff * time.Duration(min(n, 5))
}

func (p *Pool) respawn(s *slot, delay time.Duration) {
	go func() {
		backoff := p.cfg.CrashBackoff
		for {
			if delay > 0 {
				select {
				case <-p.stop:
					return
				case <-time.After(delay):
				}
			}
			unit, err := p.launch(context.Background(), s)
			if err == nil {
				p.logger.Info("worker replaced", "worker_id", unit.ID(), "slot", s.index)
				p.signalReady()
				return
			}
			if errors.Is(err, ErrShutdown) {
				return
			}
			p.logger.Error("failed to respawn worker", "slot", s.index, "error", err)
			delay = backoff
			backoff = min(backoff*2, maxRespawnBackoff)
		}
	}()
}

func (p *Pool) requeue(in *inflight, workerID int64, reason, kind string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	// Status first: once requeued the job may be popped and marked running again.
	p.writeStatus(ctx, in, store.StatusQueuedAfterFailure, map[string]any{
		"workerId": workerID,
		"error":    reason,
	})
	err := store.Retry(ctx, requeueAttempts, 100*time.Millisecond, func(ctx context.Context) error {
		return p.queue.Requeue(ctx, in.raw)
	})
	if err != nil {
		p.logger.Error("failed to requeue job, it remains in the processing list", "job_id", in.job.ID, "error", err)
		return
	}
	p.metrics.JobRequeued(ctx, kind)
}

// writeStatus records a transition of in. A running write that loses the race
// against a failure or completion is dropped, so the later status always lands last.
func (p *Pool) writeStatus(ctx context.Context, in *inflight, status store.Status, fields map[string]any) {
	in.statusMu.Lock()
	defer in.statusMu.Unlock()
	if status == store.StatusRunning {
		p.mu.Lock()
		done := in.done
		p.mu.Unlock()
		if done {
			return
		}
	}
	p.setStatus(ctx, in.job, status, fields)
}

func (p *Pool) setStatus(ctx context.Context, job store.Job, status store.Status, fields map[string]any) {
	if err := p.tracker.Set(ctx, job, status, fields); err != nil {
		p.logger.Error("failed to write job status", "job_id", job.ID, "status", status, "error", err)
	}
}

func (p *Pool) stopUnit(unit runtime.Unit) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := unit.Stop(ctx); err != nil {
		p.logger.Warn("failed to stop worker", "worker_id", unit.ID(), "error", err)
	}
}

func (p *Pool) sweepLoop() {
	interval := p.cfg.IdleTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

// sweepIdle removes slots idle for longer than IdleTimeout, keeping at least one.
func (p *Pool) sweepIdle() int {
	p.mu.Lock()
	now := p.now()
	remaining := len(p.slots)
	kept := make([]*slot, 0, len(p.slots))
	var retired []runtime.Unit
	for _, s := range p.slots {
		if remaining > 1 && s.idle && s.unit != nil && now.Sub(s.lastUsed) > p.cfg.IdleTimeout {
			retired = append(retired, s.unit)
			s.unit = nil
			s.idle = false
			remaining--
			continue
		}
		kept = append(kept, s)
	}
	p.slots = kept
	p.mu.Unlock()

	for _, unit := range retired {
		p.logger.Info("removing idle worker", "worker_id", unit.ID(), "remaining", remaining)
		go p.stopUnit(unit)
	}
	return len(retired)
}

func (p *Pool) signalReady() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// Ready fires when a slot may have become idle.
func (p *Pool) Ready() <-chan struct{} {
	return p.ready
}

// IdleCount returns the number of slots that can accept a job.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.idle && s.unit != nil {
			n++
		}
	}
	return n
}

// ActiveCount returns the number of slots holding a job.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.job != nil {
			n++
		}
	}
	return n
}

// Size returns the number of slots, including those being respawned.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Slots returns a snapshot of every slot.
func (p *Pool) Slots() []SlotInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SlotInfo, 0, len(p.slots))
	for _, s := range p.slots {
		info := SlotInfo{
			Index:    s.index,
			Idle:     s.idle && s.unit != nil,
			LastUsed: s.lastUsed,
			JobCount: s.jobCount,
		}
		if s.unit != nil {
			info.WorkerID = s.unit.ID()
		}
		if s.job != nil {
			info.CurrentJobID = s.job.job.ID
			info.StartTime = s.job.startTime
		}
		out = append(out, info)
	}
	return out
}

// Shutdown stops every unit and returns in-flight jobs to the pending list.
// It is safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)

	var units []runtime.Unit
	var running []*inflight
	for _, s := range p.slots {
		if s.job != nil && !s.job.done {
			s.job.done = true
			if s.job.timer != nil {
				s.job.timer.Stop()
			}
			running = append(running, s.job)
		}
		if s.unit != nil {
			units = append(units, s.unit)
		}
		s.unit = nil
		s.job = nil
		s.idle = false
	}
	p.slots = nil
	p.mu.Unlock()

	for _, in := range running {
		p.writeStatus(ctx, in, store.StatusQueued, map[string]any{"requeueReason": "shutdown"})
		if err := p.queue.Requeue(ctx, in.raw); err != nil {
			p.logger.Error("failed to requeue job on shutdown", "job_id", in.job.ID, "error", err)
		}
	}

	var wg sync.WaitGroup
	for _, unit := range units {
		wg.Add(1)
		go func(u runtime.Unit) {
			defer wg.Done()
			if err := u.Stop(ctx); err != nil {
				p.logger.Warn("failed to stop worker", "worker_id", u.ID(), "error", err)
			}
		}(unit)
	}
	wg.Wait()

	p.logger.Info("worker pool stopped", "workers", len(units), "requeued", len(running))
	return nil
}
