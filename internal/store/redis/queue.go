package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"workq/internal/store"

	goredis "github.com/redis/go-redis/v9"
)

// Enqueue pushes all jobs and their initial status records in one MULTI/EXEC.
func (s *Store) Enqueue(ctx context.Context, jobs []store.Job, statuses []store.StatusRecord, ttl time.Duration) error {
	if len(jobs) == 0 {
		return nil
	}

	raws := make([]interface{}, 0, len(jobs))
	for _, job := range jobs {
		b, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
		}
		raws = append(raws, string(b))
	}

	encoded := make([][]byte, 0, len(statuses))
	for _, rec := range statuses {
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode status for %s: %w", rec.JobID, err)
		}
		encoded = append(encoded, b)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LPush(ctx, s.pendingKey, raws...)
		for i, rec := range statuses {
			pipe.Set(ctx, s.statusKey(rec.JobID), encoded[i], ttl)
			if team := rec.TeamID(); team != "" {
				pipe.SAdd(ctx, teamJobsKey(team), rec.JobID)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue %d jobs: %w", len(jobs), err)
	}
	return nil
}

// PopToProcessing uses BLMOVE so the item is never outside both lists.
func (s *Store) PopToProcessing(ctx context.Context, timeout time.Duration) (string, error) {
	raw, err := s.client.BLMove(ctx, s.pendingKey, s.processingKey, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("blmove failed: %w", err)
	}
	return raw, nil
}

// Requeue returns raw to the pending list.
func (s *Store) Requeue(ctx context.Context, raw string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LPush(ctx, s.pendingKey, raw)
		pipe.LRem(ctx, s.processingKey, 1, raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return nil
}

// Ack drops raw from the processing list.
func (s *Store) Ack(ctx context.Context, raw string) error {
	if err := s.client.LRem(ctx, s.processingKey, 1, raw).Err(); err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return nil
}

// SetStatus writes the record and indexes it under its team.
func (s *Store) SetStatus(ctx context.Context, rec store.StatusRecord, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode status for %s: %w", rec.JobID, err)
	}

	_, err = s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.statusKey(rec.JobID), b, ttl)
		if team := rec.TeamID(); team != "" {
			pipe.SAdd(ctx, teamJobsKey(team), rec.JobID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set status for %s: %w", rec.JobID, err)
	}
	return nil
}

// GetStatus reads a status record.
func (s *Store) GetStatus(ctx context.Context, jobID string) (*store.StatusRecord, error) {
	b, err := s.client.Get(ctx, s.statusKey(jobID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status for %s: %w", jobID, err)
	}

	var rec store.StatusRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("corrupt status record for %s: %w", jobID, err)
	}
	return &rec, nil
}

func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, s.pendingKey).Result()
}

func (s *Store) ProcessingCount(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, s.processingKey).Result()
}

// TeamJobIDs lists the job ids recorded for a team.
func (s *Store) TeamJobIDs(ctx context.Context, teamID string) ([]string, error) {
	return s.client.SMembers(ctx, teamJobsKey(teamID)).Result()
}

// Publish fans a status record out on UpdatesChannel.
func (s *Store) Publish(ctx context.Context, rec store.StatusRecord) error {
	return s.PublishEvent(ctx, rec.TeamID(), rec)
}

// PublishEvent sends any JSON event to teamID's observers on UpdatesChannel.
func (s *Store) PublishEvent(ctx context.Context, teamID string, event any) error {
	b, err := json.Marshal(struct {
		TeamID  string `json:"teamId,omitempty"`
		Payload any    `json:"payload"`
	}{TeamID: teamID, Payload: event})
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, UpdatesChannel, b).Err()
}
