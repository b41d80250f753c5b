// Package postgres implements the store interfaces using PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// DefaultPollStep is how often PopToProcessing re-checks an empty queue while blocking.
const DefaultPollStep = 100 * time.Millisecond

// Store provides the PostgreSQL-backed queue for a single queue name.
type Store struct {
	db       *sql.DB
	queue    string
	pollStep time.Duration
}

// New connects to PostgreSQL and returns a store scoped to queueName.
func New(ctx context.Context, databaseURL, queueName string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{db: db, queue: queueName, pollStep: DefaultPollStep}, nil
}

// DB exposes the connection pool (used for migrations).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
