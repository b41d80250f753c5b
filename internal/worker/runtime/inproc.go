package runtime

import (
	"context"
	"fmt"
	"sync"
)

// FuncRuntime runs units as goroutines inside the current process.
// A panic in the processor is reported as a unit error and ends the unit.
type FuncRuntime struct {
	Process Processor
}

// NewFuncRuntime creates an in-process runtime.
func NewFuncRuntime(process Processor) *FuncRuntime {
	return &FuncRuntime{Process: process}
}

func (f *FuncRuntime) Start(ctx context.Context, events Events) (Unit, error) {
	if f.Process == nil {
		return nil, fmt.Errorf("processor is required")
	}
	unitCtx, cancel := context.WithCancel(context.Background())
	u := &funcUnit{
		id:     nextUnitID(),
		jobs:   make(chan Request, 1),
		ctx:    unitCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go u.run(f.Process, events)
	return u, nil
}

type funcUnit struct {
	id     int64
	jobs   chan Request
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (u *funcUnit) ID() int64 { return u.id }

func (u *funcUnit) Send(req Request) error {
	select {
	case <-u.done:
		return ErrUnitStopped
	default:
	}
	select {
	case u.jobs <- req:
		return nil
	case <-u.done:
		return ErrUnitStopped
	default:
		return ErrUnitBusy
	}
}

// Stop cancels the unit context and waits for the processor to return.
func (u *funcUnit) Stop(ctx context.Context) error {
	u.once.Do(u.cancel)
	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *funcUnit) run(process Processor, events Events) {
	defer close(u.done)
	for {
		select {
		case <-u.ctx.Done():
			return
		case req := <-u.jobs:
			if !u.handle(process, req, events) {
				return
			}
		}
	}
}

func (u *funcUnit) handle(process Processor, req Request, events Events) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			events.crash(u.id, fmt.Errorf("unit %d panicked: %v", u.id, r))
			ok = false
		}
	}()

	progress := func(p float64, m string) {
		events.message(u.id, Message{Status: MessageProgress, Progress: p, Message: m})
	}
	result, err := process(u.ctx, req.Job, progress)
	if u.ctx.Err() != nil {
		return false
	}
	if err != nil {
		events.message(u.id, Message{Status: MessageFailed, Error: err.Error()})
	} else {
		events.message(u.id, Message{Status: MessageCompleted, Result: result})
	}
	return true
}
