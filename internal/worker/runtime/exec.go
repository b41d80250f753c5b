package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultStopGrace is how long a unit gets to exit after SIGTERM before it is killed.
const DefaultStopGrace = 5 * time.Second

// ExecRuntime implements the Runtime interface using raw OS processes.
// Each unit is a long-lived child process speaking the line protocol on stdin/stdout.
type ExecRuntime struct {
	Command   []string
	Env       map[string]string
	WorkDir   string
	StopGrace time.Duration
}

// NewExecRuntime creates a new process-based runtime.
func NewExecRuntime(command []string, env map[string]string) *ExecRuntime {
	return &ExecRuntime{
		Command:   command,
		Env:       env,
		StopGrace: DefaultStopGrace,
	}
}

func mapToEnvList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// Start implements Runtime.Start using os/exec.
func (e *ExecRuntime) Start(ctx context.Context, events Events) (Unit, error) {
	if len(e.Command) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	// The unit outlives ctx; it is only ended by Stop or by exiting.
	cmd := exec.Command(e.Command[0], e.Command[1:]...)
	cmd.Env = append(os.Environ(), mapToEnvList(e.Env)...)
	cmd.Dir = e.WorkDir
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start unit: %w", err)
	}

	grace := e.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	u := &execUnit{
		id:     nextUnitID(),
		cmd:    cmd,
		stdin:  stdin,
		grace:  grace,
		exited: make(chan struct{}),
	}
	go u.supervise(stdout, events)
	return u, nil
}

type execUnit struct {
	id     int64
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	grace  time.Duration
	exited chan struct{}

	mu     sync.Mutex
	closed bool
}

func (u *execUnit) ID() int64 { return u.id }

func (u *execUnit) Send(req Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrUnitStopped
	}
	if _, err := u.stdin.Write(b); err != nil {
		return fmt.Errorf("failed to write to unit %d: %w", u.id, err)
	}
	return nil
}

// Stop closes stdin, sends SIGTERM and kills the process if it is still alive after the grace period.
func (u *execUnit) Stop(ctx context.Context) error {
	u.mu.Lock()
	if !u.closed {
		u.closed = true
		u.stdin.Close()
	}
	u.mu.Unlock()

	select {
	case <-u.exited:
		return nil
	default:
	}

	if err := u.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return u.cmd.Process.Kill()
	}

	timer := time.NewTimer(u.grace)
	defer timer.Stop()
	select {
	case <-u.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := u.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (u *execUnit) supervise(stdout io.Reader, events Events) {
	readErr := readMessages(stdout, u.id, events)
	if readErr != nil {
		// Nobody drains stdout anymore; the unit would block on its next write.
		u.cmd.Process.Kill()
	}
	err := u.cmd.Wait()
	close(u.exited)

	var exitErr *exec.ExitError
	switch {
	case readErr != nil:
		events.crash(u.id, fmt.Errorf("failed to read unit output: %w", readErr))
	case err == nil:
		events.exit(u.id, 0)
	case errors.As(err, &exitErr):
		events.exit(u.id, exitErr.ExitCode())
	default:
		events.crash(u.id, err)
	}
}
