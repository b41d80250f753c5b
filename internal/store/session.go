package store

import (
	"context"
	"time"
)

// Session groups the jobs of one enqueue batch so their completion can be observed as a whole.
type Session struct {
	ID           string    `json:"sessionId"`
	StartTime    time.Time `json:"startTime"`
	TotalJobs    int       `json:"totalJobs"`
	TeamID       string    `json:"teamId,omitempty"`
	TrajectoryID string    `json:"trajectoryId,omitempty"`
	Status       string    `json:"status"`
}

// Sessions is implemented by stores that count batches down to completion.
type Sessions interface {
	// OpenSession records sess with TotalJobs outstanding jobs. Both the record
	// and the counter expire after ttl.
	OpenSession(ctx context.Context, sess Session, ttl time.Duration) error

	// FinishSessionJob decrements the outstanding count of sessionID atomically.
	// The caller that takes it to zero gets done=true and the session, which is
	// removed. Unknown or expired sessions return (nil, false, nil).
	FinishSessionJob(ctx context.Context, sessionID string) (*Session, bool, error)
}
