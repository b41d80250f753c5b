// Package main is the entry point for workqd, the queue daemon.
// It owns the dispatcher, the worker pool and the operational HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"workq/internal/admission"
	"workq/internal/config"
	"workq/internal/controller"
	"workq/internal/logger"
	"workq/internal/observability"
	"workq/internal/queue"
	"workq/internal/status"
	"workq/internal/store"
	"workq/internal/store/postgres"
	redisstore "workq/internal/store/redis"
	"workq/internal/worker/runtime"

	"go.opentelemetry.io/otel"
)

// purgeInterval is how often expired status and session rows are removed on the postgres backend.
const purgeInterval = 10 * time.Minute

type queueStore interface {
	store.Queue
	status.Publisher
	Close() error
}

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting (postgres backend)")
	configPath := flag.String("config", "", "Path to config file (optional, env WORKQ_* always applies)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	lg := logger.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store
	var qs queueStore
	switch cfg.Backend {
	case config.BackendPostgres:
		pg, err := postgres.New(ctx, cfg.DatabaseURL, cfg.QueueName)
		if err != nil {
			log.Fatalf("Failed to connect to DB: %v", err)
		}
		if *migrateFlag {
			log.Println("Running database migrations...")
			version, err := postgres.Migrate(pg.DB())
			if err != nil {
				log.Fatalf("Migration failed: %v", err)
			}
			log.Printf("Migrations completed successfully (schema version %d)", version)
		}
		go purgeLoop(ctx, pg, lg)
		qs = pg
	default:
		rs, err := redisstore.Open(ctx, cfg.RedisURL, cfg.QueueName)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		qs = rs
	}
	defer qs.Close()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName: "workqd",
		QueueName:   cfg.QueueName,
		Endpoint:    cfg.OTELEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()
	meter := otel.Meter("workqd")
	metrics, err := observability.NewMetrics(meter, cfg.QueueName)
	if err != nil {
		log.Fatalf("Failed to create instruments: %v", err)
	}

	rt, err := newRuntime(cfg)
	if err != nil {
		log.Fatalf("Failed to create runtime: %v", err)
	}

	q, err := queue.New(queue.Options{
		Name:                  cfg.QueueName,
		MaxConcurrentJobs:     cfg.MaxConcurrentJobs,
		CPULoadThreshold:      cfg.CPULoadThreshold,
		RAMLoadThreshold:      cfg.RAMLoadThreshold,
		JobTimeout:            cfg.JobTimeout,
		WorkerIdleTimeout:     cfg.WorkerIdleTimeout,
		PollInterval:          cfg.PollInterval,
		PopTimeout:            cfg.PopTimeout,
		StoreBackoff:          cfg.StoreBackoff,
		StatusTTL:             cfg.StatusTTL,
		SessionTTL:            cfg.SessionTTL,
		RecoverOnStartup:      cfg.RecoverOnStartup,
		CrashWindow:           cfg.CrashWindow,
		MaxConsecutiveCrashes: cfg.MaxConsecutiveCrashes,
		CrashBackoff:          cfg.CrashBackoff,
	}, queue.Deps{
		Store:     qs,
		Runtime:   rt,
		Sampler:   admission.NewHostSampler(),
		Publisher: qs,
		Logger:    lg,
		Metrics:   metrics,
	})
	if err != nil {
		log.Fatalf("Failed to create queue: %v", err)
	}

	gauges, err := observability.RegisterQueueGauges(meter, cfg.QueueName, q)
	if err != nil {
		log.Printf("Failed to register queue gauges: %v", err)
	} else {
		defer gauges.Unregister()
	}

	if err := q.Start(ctx); err != nil {
		log.Fatalf("Failed to start queue: %v", err)
	}
	log.Printf("Queue %q started (backend: %s, runtime: %s, max concurrent jobs: %d)",
		cfg.QueueName, cfg.Backend, cfg.Runtime, cfg.MaxConcurrentJobs)

	// Start a dedicated metrics server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		log.Printf("Metrics listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	// Start API server
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, q, controller.Options{
		APIToken:         cfg.APIToken,
		EnqueueRateLimit: cfg.EnqueueRateLimit,
		EnqueueBurst:     cfg.EnqueueBurst,
		Logger:           lg,
	})
	go func() {
		log.Printf("workqd API starting on %s", addr)
		if err := srv.Run(ctx); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down workqd...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	if err := q.Shutdown(shutdownCtx); err != nil {
		log.Printf("Queue shutdown incomplete: %v", err)
	}
	cancel()
	log.Println("workqd exited properly")
}

// newRuntime selects the execution unit launcher.
func newRuntime(cfg *config.Config) (runtime.Runtime, error) {
	switch cfg.Runtime {
	case config.RuntimeInProc:
		log.Printf("Using inproc runtime (command: %v)", cfg.JobCommand)
		return runtime.NewFuncRuntime(runtime.CommandProcessor(cfg.JobCommand, cfg.RuntimeEnv)), nil
	case config.RuntimeDocker:
		log.Printf("Using docker runtime (image: %s)", cfg.DockerImage)
		return runtime.NewDockerRuntime(cfg.DockerImage, cfg.JobCommand, cfg.RuntimeEnv)
	default:
		command := append([]string{cfg.UnitPath, "--"}, cfg.JobCommand...)
		log.Printf("Using process runtime (unit: %v)", command)
		return runtime.NewExecRuntime(command, cfg.RuntimeEnv), nil
	}
}

func purgeLoop(ctx context.Context, pg *postgres.Store, lg *slog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := pg.PurgeExpiredStatuses(ctx); err != nil {
				lg.Warn("failed to purge expired statuses", "error", err)
			}
			if _, err := pg.PurgeExpiredSessions(ctx); err != nil {
				lg.Warn("failed to purge expired sessions", "error", err)
			}
		}
	}
}
