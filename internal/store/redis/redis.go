// Package redis implements the store interfaces on a Redis-compatible list store.
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// UpdatesChannel is the pub/sub channel status records are published on.
const UpdatesChannel = "job_updates"

// Store provides the Redis-backed queue for a single queue name.
//
// Key layout:
//
//	<name>_queue                 pending list (LPUSH in, RPOP side out)
//	<name>_queue:processing      processing list
//	<name>_queue:status:<jobId>  status record (JSON, with TTL)
//	<name>_queue:startup_lock    startup recovery lock
//	team:<teamId>:jobs           set of job ids per team
//	session:<id>                 batch session record (JSON, with TTL)
//	session:<id>:remaining       jobs of the session not yet finished
type Store struct {
	client goredis.UniversalClient

	pendingKey      string
	processingKey   string
	statusKeyPrefix string
	lockKey         string
}

// New wraps an existing client.
func New(client goredis.UniversalClient, queueName string) *Store {
	pending := fmt.Sprintf("%s_queue", queueName)
	return &Store{
		client:          client,
		pendingKey:      pending,
		processingKey:   pending + ":processing",
		statusKeyPrefix: pending + ":status:",
		lockKey:         pending + ":startup_lock",
	}
}

// Open connects to the Redis server at url (redis://...) and verifies the connection.
func Open(ctx context.Context, url, queueName string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return New(client, queueName), nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// PendingKey returns the pending list key.
func (s *Store) PendingKey() string { return s.pendingKey }

// ProcessingKey returns the processing list key.
func (s *Store) ProcessingKey() string { return s.processingKey }

func (s *Store) statusKey(jobID string) string {
	return s.statusKeyPrefix + jobID
}

func teamJobsKey(teamID string) string {
	return fmt.Sprintf("team:%s:jobs", teamID)
}
