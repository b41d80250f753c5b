// Package queue wires the store, status tracker, admission gate, worker pool
// and dispatcher into a single named job queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"workq/internal/admission"
	"workq/internal/dispatcher"
	"workq/internal/observability"
	"workq/internal/session"
	"workq/internal/status"
	"workq/internal/store"
	"workq/internal/worker"
	unitruntime "workq/internal/worker/runtime"

	"github.com/google/uuid"
)

// ErrInvalidJob is returned by AddJobs for a job without an id.
var ErrInvalidJob = store.ErrInvalidJob

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("queue already started")

const recoveryLockTTL = 60 * time.Second

// Options configures a queue. Zero values take the package defaults.
type Options struct {
	Name              string
	MaxConcurrentJobs int
	CPULoadThreshold  float64
	RAMLoadThreshold  float64
	JobTimeout        time.Duration
	WorkerIdleTimeout time.Duration
	PollInterval      time.Duration
	PopTimeout        time.Duration
	StoreBackoff      time.Duration
	StatusTTL         time.Duration
	SessionTTL        time.Duration
	RecoverOnStartup  bool

	CrashWindow           time.Duration
	MaxConsecutiveCrashes int
	CrashBackoff          time.Duration
}

// Deps are the collaborators a queue is built from.
type Deps struct {
	Store     store.Queue
	Runtime   unitruntime.Runtime
	Sampler   admission.Sampler // nil samples the local host
	Publisher status.Publisher  // optional; also carries session events when it implements session.EventPublisher
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// Snapshot is a point-in-time view of a queue for operational dashboards.
type Snapshot struct {
	QueueName       string           `json:"queueName"`
	MaxConcurrent   int              `json:"maxConcurrent"`
	ActiveWorkers   int              `json:"activeWorkers"`
	PoolSize        int              `json:"poolSize"`
	PendingJobs     int64            `json:"pendingJobs"`
	ProcessingJobs  int64            `json:"processingJobs"`
	ServerLoad      admission.Load   `json:"serverLoad"`
	DispatcherState dispatcher.State `json:"dispatcherState"`
}

// Queue is a named job queue with its own worker pool.
type Queue struct {
	opts       Options
	store      store.Queue
	tracker    *status.Tracker
	sessions   *session.Manager // nil when the store cannot track sessions
	monitor    *admission.Monitor
	pool       *worker.Pool
	dispatcher *dispatcher.Dispatcher
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a queue. Nothing runs until Start.
func New(opts Options, deps Deps) (*Queue, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = runtime.NumCPU()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sampler := deps.Sampler
	if sampler == nil {
		sampler = admission.NewHostSampler()
	}

	tracker := status.New(deps.Store, deps.Publisher, opts.Name, opts.StatusTTL, logger)
	monitor := admission.NewMonitor(sampler, opts.CPULoadThreshold, opts.RAMLoadThreshold, logger)

	var sessions *session.Manager
	var onFinish worker.FinishObserver
	if ss, ok := deps.Store.(store.Sessions); ok {
		events, _ := deps.Publisher.(session.EventPublisher)
		sessions = session.New(ss, events, opts.SessionTTL, logger)
		onFinish = sessions
	}

	pool := worker.New(deps.Store, deps.Runtime, tracker, worker.Config{
		QueueName:             opts.Name,
		MaxConcurrentJobs:     opts.MaxConcurrentJobs,
		JobTimeout:            opts.JobTimeout,
		IdleTimeout:           opts.WorkerIdleTimeout,
		CrashWindow:           opts.CrashWindow,
		MaxConsecutiveCrashes: opts.MaxConsecutiveCrashes,
		CrashBackoff:          opts.CrashBackoff,
		OnFinish:              onFinish,
		Logger:                logger,
		Metrics:               deps.Metrics,
	})
	disp := dispatcher.New(deps.Store, pool, monitor, dispatcher.Config{
		QueueName:    opts.Name,
		PollInterval: opts.PollInterval,
		PopTimeout:   opts.PopTimeout,
		StoreBackoff: opts.StoreBackoff,
		Logger:       logger,
		Metrics:      deps.Metrics,
	})

	return &Queue{
		opts:       opts,
		store:      deps.Store,
		tracker:    tracker,
		sessions:   sessions,
		monitor:    monitor,
		pool:       pool,
		dispatcher: disp,
		logger:     logger.With("queue", opts.Name),
		done:       make(chan struct{}),
	}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.opts.Name
}

// Start runs startup recovery if enabled, spawns the worker pool and starts dispatching.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return worker.ErrShutdown
	}
	if q.started {
		q.mu.Unlock()
		return ErrAlreadyStarted
	}
	q.started = true
	q.mu.Unlock()

	if q.opts.RecoverOnStartup {
		if err := q.recoverInFlight(ctx); err != nil {
			q.logger.Warn("startup recovery failed", "error", err)
		}
	}

	if err := q.pool.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize worker pool: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()

	go func() {
		defer close(q.done)
		q.dispatcher.Run(runCtx)
	}()

	q.logger.Info("queue started", "max_concurrent_jobs", q.opts.MaxConcurrentJobs)
	return nil
}

// recoverInFlight returns jobs left in the processing list by a previous
// process to the pending list and marks their stale running records.
func (q *Queue) recoverInFlight(ctx context.Context) error {
	rec, ok := q.store.(store.Recoverer)
	if !ok {
		return nil
	}

	ran, err := rec.WithStartupLock(ctx, uuid.NewString(), recoveryLockTTL, func(ctx context.Context) error {
		moved, err := rec.DrainProcessing(ctx)
		if err != nil {
			return fmt.Errorf("drain processing list: %w", err)
		}

		stale, err := rec.StatusesWith(ctx, store.StatusRunning)
		if err != nil {
			return fmt.Errorf("list running jobs: %w", err)
		}
		now := time.Now().UTC()
		for _, r := range stale {
			r.Status = store.StatusRequeuedAfterRestart
			r.Timestamp = now
			if err := q.store.SetStatus(ctx, r, q.tracker.TTL()); err != nil {
				q.logger.Warn("failed to mark recovered job", "job_id", r.JobID, "error", err)
				continue
			}
			q.tracker.Publish(ctx, r)
		}

		q.logger.Info("recovered in-flight jobs", "requeued", moved, "marked", len(stale))
		return nil
	})
	if err != nil {
		return err
	}
	if !ran {
		q.logger.Info("startup recovery already running elsewhere, skipping")
	}
	return nil
}

// AddJobs enqueues jobs atomically, each with an initial queued status record.
// When the store tracks sessions the batch is stamped with a new session, whose id
// is returned; otherwise the id is empty.
func (q *Queue) AddJobs(ctx context.Context, jobs []store.Job) (string, error) {
	if len(jobs) == 0 {
		return "", nil
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", worker.ErrShutdown
	}

	for i, job := range jobs {
		if job.ID == "" {
			return "", fmt.Errorf("%w: job %d has no jobId", ErrInvalidJob, i)
		}
	}

	// The session counter must exist before any job of the batch can finish.
	var sessionID string
	if q.sessions != nil {
		sess, err := q.sessions.Open(ctx, jobs)
		if err != nil {
			return "", err
		}
		sessionID = sess.ID
	}

	records := make([]store.StatusRecord, 0, len(jobs))
	for _, job := range jobs {
		records = append(records, q.tracker.Record(job, store.StatusQueued, nil))
	}

	if err := q.store.Enqueue(ctx, jobs, records, q.tracker.TTL()); err != nil {
		return "", fmt.Errorf("failed to enqueue jobs: %w", err)
	}
	for _, r := range records {
		q.tracker.Publish(ctx, r)
	}

	q.logger.Info("jobs enqueued", "count", len(jobs), "session_id", sessionID)
	return sessionID, nil
}

// GetStatus returns a point-in-time snapshot of the queue.
func (q *Queue) GetStatus(ctx context.Context) (Snapshot, error) {
	pending, err := q.store.PendingCount(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	processing, err := q.store.ProcessingCount(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to count processing jobs: %w", err)
	}
	return Snapshot{
		QueueName:       q.opts.Name,
		MaxConcurrent:   q.opts.MaxConcurrentJobs,
		ActiveWorkers:   q.pool.ActiveCount(),
		PoolSize:        q.pool.Size(),
		PendingJobs:     pending,
		ProcessingJobs:  processing,
		ServerLoad:      q.monitor.IsOverloaded(),
		DispatcherState: q.dispatcher.State(),
	}, nil
}

// GetJobStatus returns the latest status record of a job, or store.ErrNotFound.
func (q *Queue) GetJobStatus(ctx context.Context, jobID string) (*store.StatusRecord, error) {
	return q.tracker.Get(ctx, jobID)
}

// Workers returns a snapshot of the worker slots.
func (q *Queue) Workers() []worker.SlotInfo {
	return q.pool.Slots()
}

// Ping checks store connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	return q.store.Ping(ctx)
}

// PendingCount, ProcessingCount and ActiveWorkers feed the queue gauges.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	return q.store.PendingCount(ctx)
}

func (q *Queue) ProcessingCount(ctx context.Context) (int64, error) {
	return q.store.ProcessingCount(ctx)
}

func (q *Queue) ActiveWorkers() int {
	return q.pool.ActiveCount()
}

// Shutdown stops dispatching, then stops the pool. It is safe to call more than once.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-q.done:
		case <-ctx.Done():
			q.logger.Warn("dispatcher did not stop before the shutdown deadline")
		}
	}

	err := q.pool.Shutdown(ctx)
	q.logger.Info("queue stopped")
	return err
}
