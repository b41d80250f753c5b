package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// maxLineSize bounds a single protocol line.
const maxLineSize = 16 * 1024 * 1024

// ProgressFunc reports intermediate progress for the job being processed.
type ProgressFunc func(progress float64, message string)

// Processor performs one job and returns its opaque result.
type Processor func(ctx context.Context, job json.RawMessage, progress ProgressFunc) (json.RawMessage, error)

// Serve runs the unit side of the protocol: it reads requests from r, processes
// them one at a time and writes messages to w. It returns nil when r is closed.
func Serve(ctx context.Context, r io.Reader, w io.Writer, process Processor) error {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	write := func(msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(msg)
	}

	scanner := newLineScanner(r)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil || len(req.Job) == 0 {
			if err := write(Message{Status: MessageFailed, Error: "invalid request"}); err != nil {
				return err
			}
			continue
		}

		progress := func(p float64, m string) {
			write(Message{Status: MessageProgress, Progress: p, Message: m})
		}
		result, err := process(ctx, req.Job, progress)
		msg := Message{Status: MessageCompleted, Result: result}
		if err != nil {
			msg = Message{Status: MessageFailed, Error: err.Error()}
		}
		if err := write(msg); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}
	return scanner.Err()
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return scanner
}

// readMessages forwards every protocol line on r to events until EOF.
// Lines that are not JSON messages are reported as unit output.
func readMessages(r io.Reader, id int64, events Events) error {
	scanner := newLineScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Status == "" {
			events.output(id, line)
			continue
		}
		events.message(id, msg)
	}
	return scanner.Err()
}
