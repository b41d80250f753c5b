// Package dispatcher moves jobs from the queue store onto the worker pool.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"workq/internal/admission"
	"workq/internal/observability"
	"workq/internal/store"
	"workq/internal/worker"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is the dispatcher's admission state.
type State string

const (
	StatePolling State = "POLLING"
	StatePaused  State = "PAUSED"
)

const (
	DefaultPollInterval = time.Second
	DefaultPopTimeout   = time.Second
	DefaultStoreBackoff = 5 * time.Second

	compensateTimeout  = 30 * time.Second
	compensateAttempts = 5
)

// Queue is the part of the queue store the dispatcher drives.
type Queue interface {
	PopToProcessing(ctx context.Context, timeout time.Duration) (string, error)
	Requeue(ctx context.Context, raw string) error
	Ack(ctx context.Context, raw string) error
}

// Pool is the worker pool as seen by the dispatcher. The dispatcher only
// reads aggregate state and never touches slots directly.
type Pool interface {
	IdleCount() int
	DispatchJob(ctx context.Context, raw string) (bool, error)
	Ready() <-chan struct{}
}

// Gate reports whether the host can take more work.
type Gate interface {
	IsOverloaded() admission.Load
}

// Config holds configuration for the dispatcher.
type Config struct {
	QueueName    string
	PollInterval time.Duration
	PopTimeout   time.Duration
	StoreBackoff time.Duration
	Logger       *slog.Logger
	Metrics      *observability.Metrics
}

// Dispatcher is the control loop pulling jobs from the store into the pool.
type Dispatcher struct {
	queue   Queue
	pool    Pool
	gate    Gate
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	state   atomic.Value
}

// New creates a dispatcher.
func New(q Queue, p Pool, gate Gate, cfg Config) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = DefaultPopTimeout
	}
	if cfg.StoreBackoff <= 0 {
		cfg.StoreBackoff = DefaultStoreBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		queue:   q,
		pool:    p,
		gate:    gate,
		cfg:     cfg,
		logger:  logger.With("queue", cfg.QueueName),
		metrics: cfg.Metrics,
		tracer:  observability.Tracer(),
	}
	d.state.Store(StatePolling)
	return d
}

// State returns the current admission state.
func (d *Dispatcher) State() State {
	return d.state.Load().(State)
}

// Run blocks until ctx is cancelled. Store failures are retried after a
// backoff; nothing but cancellation ends the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "poll_interval", d.cfg.PollInterval)

	for {
		if err := ctx.Err(); err != nil {
			d.logger.Info("dispatcher stopped")
			return err
		}

		if load := d.gate.IsOverloaded(); load.Overloaded {
			if d.transition(StatePaused) {
				d.logger.Warn("host overloaded, pausing dispatch", "cpu", load.CPU, "ram", load.RAM)
			}
			d.metrics.DispatcherPaused(ctx)
			sleep(ctx, d.cfg.PollInterval)
			continue
		}
		if d.transition(StatePolling) {
			d.logger.Info("host load recovered, resuming dispatch")
		}

		if d.pool.IdleCount() == 0 {
			d.waitForWorker(ctx)
			continue
		}

		raw, err := d.queue.PopToProcessing(ctx, d.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			d.logger.Error("failed to pop job, backing off", "error", err, "backoff", d.cfg.StoreBackoff)
			sleep(ctx, d.cfg.StoreBackoff)
			continue
		}
		if raw == "" {
			continue
		}

		d.dispatch(ctx, raw)
	}
}

func (d *Dispatcher) transition(to State) bool {
	return d.state.Swap(to) != to
}

// waitForWorker sleeps one poll interval, waking early when a slot frees up.
func (d *Dispatcher) waitForWorker(ctx context.Context) {
	timer := time.NewTimer(d.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-d.pool.Ready():
	case <-timer.C:
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, raw string) {
	spanCtx, span := d.tracer.Start(ctx, "dispatch_job",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("queue", d.cfg.QueueName)),
	)
	defer span.End()

	if job, err := store.ParseJob(raw); err == nil {
		span.SetAttributes(attribute.String("job.id", job.ID))
	}

	// Popped during shutdown: hand the job back rather than starting it.
	if ctx.Err() != nil {
		d.compensate(raw, "shutdown")
		return
	}

	ok, err := d.pool.DispatchJob(spanCtx, raw)
	switch {
	case errors.Is(err, store.ErrInvalidJob):
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid job")
		d.logger.Error("dropping malformed job", "error", err, "raw", truncate(raw, 256))
		d.ack(raw)
	case errors.Is(err, worker.ErrShutdown):
		d.compensate(raw, "shutdown")
	case err != nil:
		span.RecordError(err)
		d.logger.Error("failed to dispatch job", "error", err)
		d.compensate(raw, "dispatch_error")
	case !ok:
		d.logger.Warn("no idle worker after pop, requeueing job")
		d.compensate(raw, "dispatch_race")
	}
}

// compensate returns a popped job to the pending list. It runs on a fresh
// context so a cancelled dispatcher still hands the job back.
func (d *Dispatcher) compensate(raw, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), compensateTimeout)
	defer cancel()

	err := store.Retry(ctx, compensateAttempts, 200*time.Millisecond, func(ctx context.Context) error {
		return d.queue.Requeue(ctx, raw)
	})
	if err != nil {
		d.logger.Error("failed to requeue job, it remains in the processing list", "reason", reason, "error", err)
		return
	}
	d.metrics.JobRequeued(ctx, reason)
}

func (d *Dispatcher) ack(raw string) {
	ctx, cancel := context.WithTimeout(context.Background(), compensateTimeout)
	defer cancel()

	err := store.Retry(ctx, compensateAttempts, 200*time.Millisecond, func(ctx context.Context) error {
		return d.queue.Ack(ctx, raw)
	})
	if err != nil {
		d.logger.Error("failed to remove malformed job", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
