package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ProcessTransport runs the engine as a child process per call:
//
//	<Command> [BaseArgs...] <COMMAND> <args...>
//
// and reads a single JSON value from its stdout.
type ProcessTransport struct {
	Command  string
	BaseArgs []string
	Dir      string
	Env      []string
}

// NewProcessTransport builds a transport for `command script`.
func NewProcessTransport(command, script string) *ProcessTransport {
	t := &ProcessTransport{Command: command}
	if command == "python3" || command == "python" {
		t.BaseArgs = append(t.BaseArgs, "-u")
	}
	if script != "" {
		t.BaseArgs = append(t.BaseArgs, script)
	}
	return t
}

func (t *ProcessTransport) RoundTrip(ctx context.Context, req Request) ([]byte, error) {
	args := make([]string, 0, len(t.BaseArgs)+1+len(req.Args))
	args = append(args, t.BaseArgs...)
	args = append(args, string(req.Command))
	args = append(args, req.Args...)

	cmd := exec.CommandContext(ctx, t.Command, args...)
	cmd.Dir = t.Dir
	if len(t.Env) > 0 {
		cmd.Env = append(cmd.Environ(), t.Env...)
	}
	cmd.Env = append(cmd.Environ(), fmt.Sprintf("ENGINE_PROTOCOL_VERSION=%d", req.Version))
	// Grandchildren holding the pipes open must not outlive the deadline.
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("run %s: %w (stderr: %s)", req.Command, err, truncate(msg, 512))
		}
		return nil, fmt.Errorf("run %s: %w", req.Command, err)
	}
	return stdout.Bytes(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
