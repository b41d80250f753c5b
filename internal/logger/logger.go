// Package logger provides structured logging setup using slog.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type requestIDKey struct{}

type jobIDKey struct{}

// New creates a structured JSON logger at the given level (debug, info, warn, error).
// Unknown levels fall back to info.
func New(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRequestID returns a new context with the given request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithJobID returns a new context carrying a job ID.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

// JobIDFromContext extracts the job ID from the context.
func JobIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(jobIDKey{}).(string); ok {
		return v
	}
	return ""
}

// FromContext returns a logger with context fields (request ID, job ID) attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	logger := base
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if jobID := JobIDFromContext(ctx); jobID != "" {
		logger = logger.With("job_id", jobID)
	}
	return logger
}
