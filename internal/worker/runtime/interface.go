// Package runtime provides the execution units a worker pool dispatches jobs to.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
)

// Message statuses sent from a unit back to the pool.
const (
	MessageCompleted = "completed"
	MessageFailed    = "failed"
	MessageProgress  = "progress"
)

var (
	// ErrUnitStopped is returned by Send after the unit has gone away.
	ErrUnitStopped = errors.New("unit stopped")
	// ErrUnitBusy is returned by Send when the unit still holds a job.
	ErrUnitBusy = errors.New("unit busy")
)

// Runtime launches execution units.
// Implementations include raw processes, Docker containers and in-process goroutines.
type Runtime interface {
	// Start launches a fresh unit. Lifecycle events are delivered through events
	// until the unit exits or is stopped.
	Start(ctx context.Context, events Events) (Unit, error)
}

// Unit is one running execution unit. It handles a single job at a time.
type Unit interface {
	// ID is unique per launched unit; a replacement unit never reuses an ID.
	ID() int64

	// Send hands a job to the unit. It must not block on job execution.
	Send(req Request) error

	// Stop terminates the unit. No cooperative cancellation is attempted for a running job.
	Stop(ctx context.Context) error
}

// Request is the core to unit message.
type Request struct {
	Job json.RawMessage `json:"job"`
}

// Message is the unit to core message.
type Message struct {
	Status   string          `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Progress float64         `json:"progress,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Events receives unit lifecycle callbacks. Any field may be nil.
// OnError and OnExit are terminal: at most one of them fires per unit.
type Events struct {
	OnMessage func(unitID int64, msg Message)
	OnError   func(unitID int64, err error)
	OnExit    func(unitID int64, code int)
	OnOutput  func(unitID int64, line string)
}

func (e Events) message(id int64, msg Message) {
	if e.OnMessage != nil {
		e.OnMessage(id, msg)
	}
}

func (e Events) crash(id int64, err error) {
	if e.OnError != nil {
		e.OnError(id, err)
	}
}

func (e Events) exit(id int64, code int) {
	if e.OnExit != nil {
		e.OnExit(id, code)
	}
}

func (e Events) output(id int64, line string) {
	if e.OnOutput != nil {
		e.OnOutput(id, line)
	}
}

var unitSeq atomic.Int64

func nextUnitID() int64 {
	return unitSeq.Add(1)
}
