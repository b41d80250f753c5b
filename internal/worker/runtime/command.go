package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// maxStderrTail bounds how much stderr is kept in a failure message.
const maxStderrTail = 2048

// CommandProcessor returns a Processor that runs command once per job with
// the job JSON on its stdin. Stdout becomes the result: kept as-is when it
// is valid JSON, otherwise encoded as a JSON string. A non-zero exit fails
// the job with the tail of stderr.
func CommandProcessor(command []string, env map[string]string) Processor {
	return func(ctx context.Context, job json.RawMessage, progress ProgressFunc) (json.RawMessage, error) {
		if len(command) == 0 {
			return nil, fmt.Errorf("command is required")
		}

		cmd := exec.CommandContext(ctx, command[0], command[1:]...)
		cmd.Env = append(os.Environ(), mapToEnvList(env)...)
		cmd.Stdin = bytes.NewReader(job)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		// Children of the command may keep the output pipes open after it is killed.
		cmd.WaitDelay = time.Second

		if err := cmd.Run(); err != nil {
			tail := strings.TrimSpace(stderr.String())
			if len(tail) > maxStderrTail {
				tail = tail[len(tail)-maxStderrTail:]
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && tail != "" {
				return nil, fmt.Errorf("exit code %d: %s", exitErr.ExitCode(), tail)
			}
			return nil, err
		}

		out := bytes.TrimSpace(stdout.Bytes())
		if len(out) == 0 {
			return nil, nil
		}
		if json.Valid(out) {
			return json.RawMessage(out), nil
		}
		encoded, err := json.Marshal(string(out))
		if err != nil {
			return nil, err
		}
		return encoded, nil
	}
}
