package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"workq/internal/store"

	goredis "github.com/redis/go-redis/v9"
)

// finishSessionScript returns {-1, ""} for an unknown session, {0, ""} while jobs
// remain, and {1, record} once the last job is done and both keys are deleted.
var finishSessionScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
	return {-1, ''}
end
local left = redis.call('DECR', KEYS[2])
if left > 0 then
	return {0, ''}
end
local rec = redis.call('GET', KEYS[1]) or ''
redis.call('DEL', KEYS[1], KEYS[2])
return {1, rec}
`)

func sessionKey(id string) string {
	return "session:" + id
}

func sessionRemainingKey(id string) string {
	return "session:" + id + ":remaining"
}

// OpenSession writes the session record and its outstanding-job counter.
func (s *Store) OpenSession(ctx context.Context, sess store.Session, ttl time.Duration) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(sess.ID), b, ttl)
		pipe.Set(ctx, sessionRemainingKey(sess.ID), sess.TotalJobs, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to open session %s: %w", sess.ID, err)
	}
	return nil
}

// FinishSessionJob counts one job of sessionID as done.
func (s *Store) FinishSessionJob(ctx context.Context, sessionID string) (*store.Session, bool, error) {
	res, err := finishSessionScript.Run(ctx, s.client, []string{sessionKey(sessionID), sessionRemainingKey(sessionID)}).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to finish job of session %s: %w", sessionID, err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("unexpected session script reply %v", res)
	}
	if code, _ := res[0].(int64); code != 1 {
		return nil, false, nil
	}

	sess := &store.Session{ID: sessionID}
	if raw, _ := res[1].(string); raw != "" {
		if err := json.Unmarshal([]byte(raw), sess); err != nil {
			return nil, true, fmt.Errorf("corrupt session record %s: %w", sessionID, err)
		}
	}
	return sess, true, nil
}
