package engine

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func shellTransport(t *testing.T, script string) *ProcessTransport {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	// sh -c <script> <$0> <COMMAND> <args...>
	return &ProcessTransport{Command: "sh", BaseArgs: []string{"-c", script, "engine"}}
}

func TestProcessTransportPassesArgs(t *testing.T) {
	pt := shellTransport(t, `printf '{"success":true,"message":"%s %s %s"}' "$1" "$2" "$3"`)
	c := NewClient(pt, DefaultConfig(), nil, nil)

	res, err := c.Execute(context.Background(), CmdAccountInfo, "Demo-Server", "1001")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Message != "ACCOUNT_INFO Demo-Server 1001" {
		t.Fatalf("unexpected args echo: %q", res.Message)
	}
}

func TestProcessTransportNonZeroExit(t *testing.T) {
	pt := shellTransport(t, `echo '{"success":false,"message":"boom"}'; echo 'fatal' >&2; exit 3`)
	c := NewClient(pt, DefaultConfig(), nil, nil)

	_, err := c.Execute(context.Background(), CmdConnect, "srv", "1001", "pw")
	if !IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !strings.Contains(err.Error(), "fatal") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestProcessTransportMalformedOutput(t *testing.T) {
	pt := shellTransport(t, `echo 'MetaTrader5 not installed'`)
	c := NewClient(pt, DefaultConfig(), nil, nil)

	_, err := c.Execute(context.Background(), CmdConnect, "srv", "1001", "pw")
	if !IsTransport(err) || !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed transport error, got %v", err)
	}
}

func TestProcessTransportTimeout(t *testing.T) {
	pt := shellTransport(t, `sleep 5; echo '{"success":true}'`)
	c := NewClient(pt, Config{Timeout: 100 * time.Millisecond, MaxConcurrency: 1}, nil, nil)

	start := time.Now()
	_, err := c.Execute(context.Background(), CmdPositions, "srv", "1001")
	if !IsTransport(err) || !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatalf("timeout not enforced, took %v", time.Since(start))
	}
}

func TestNewProcessTransportPython(t *testing.T) {
	pt := NewProcessTransport("python3", "./scripts/engine.py")
	if len(pt.BaseArgs) != 2 || pt.BaseArgs[0] != "-u" || pt.BaseArgs[1] != "./scripts/engine.py" {
		t.Fatalf("unexpected base args: %v", pt.BaseArgs)
	}
}
