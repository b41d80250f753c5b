// Package controller contains the HTTP API for a running queue.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"workq/internal/controller/handlers"
	"workq/internal/controller/middleware"
)

// Options configures the HTTP API.
type Options struct {
	// APIToken is the bearer token required on queue endpoints. Empty disables auth.
	APIToken string
	// EnqueueRateLimit and EnqueueBurst throttle POST /jobs per client.
	EnqueueRateLimit float64
	EnqueueBurst     int
	Logger           *slog.Logger
}

// Server is the HTTP server for the queue API.
type Server struct {
	httpServer *http.Server
}

// New creates a new API server.
func New(addr string, q handlers.QueueService, opts Options) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      NewHandler(q, opts),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// NewHandler builds the routed handler.
func NewHandler(q handlers.QueueService, opts Options) http.Handler {
	h := handlers.New(q, opts.Logger)
	authMW := middleware.RequireToken(opts.APIToken)
	rateMW := middleware.NewRateLimiter(opts.EnqueueRateLimit, opts.EnqueueBurst).Middleware()

	mux := http.NewServeMux()

	mux.Handle("POST /jobs", authMW(rateMW(http.HandlerFunc(h.EnqueueJobs))))
	mux.Handle("GET /jobs/{id}", authMW(http.HandlerFunc(h.GetJob)))
	mux.Handle("GET /status", authMW(http.HandlerFunc(h.GetStatus)))

	// Probes
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)

	return middleware.RequestID(middleware.AccessLog(opts.Logger)(mux))
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
