package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"workq/internal/store"

	goredis "github.com/redis/go-redis/v9"
)

var releaseLockScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

var drainScript = goredis.NewScript(`
local moved = 0
while true do
	local v = redis.call('RPOPLPUSH', KEYS[1], KEYS[2])
	if not v then break end
	moved = moved + 1
end
return moved
`)

// WithStartupLock takes the startup lock with SET NX PX and runs fn while holding it.
func (s *Store) WithStartupLock(ctx context.Context, owner string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.lockKey, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire startup lock: %w", err)
	}
	if !ok {
		return false, nil
	}
	defer releaseLockScript.Run(context.WithoutCancel(ctx), s.client, []string{s.lockKey}, owner)

	return true, fn(ctx)
}

// DrainProcessing moves every processing entry back to pending in one script call.
func (s *Store) DrainProcessing(ctx context.Context) (int64, error) {
	moved, err := drainScript.Run(ctx, s.client, []string{s.processingKey, s.pendingKey}).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to drain processing list: %w", err)
	}
	return moved, nil
}

// StatusesWith scans the status keys of this queue and returns the records in status.
func (s *Store) StatusesWith(ctx context.Context, status store.Status) ([]store.StatusRecord, error) {
	var out []store.StatusRecord
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.statusKeyPrefix+"*", 500).Result()
		if err != nil {
			return nil, fmt.Errorf("status scan failed: %w", err)
		}

		if len(keys) > 0 {
			vals, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("status mget failed: %w", err)
			}
			for _, v := range vals {
				raw, ok := v.(string)
				if !ok {
					continue
				}
				var rec store.StatusRecord
				if err := json.Unmarshal([]byte(raw), &rec); err != nil {
					continue
				}
				if rec.Status == status {
					out = append(out, rec)
				}
			}
		}

		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}
