package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"session-core/internal/engine"
	"session-core/internal/reconciliation"
	"session-core/internal/session"
)

type recordingProber struct {
	mu    sync.Mutex
	keys  []string
	fails map[string]error
}

func (p *recordingProber) AccountInfo(_ context.Context, key session.ConnectionKey) (engine.AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key.String())
	return engine.AccountInfo{}, p.fails[key.String()]
}

type recordingReconciler struct {
	mu   sync.Mutex
	fail string
	seen int
}

func (r *recordingReconciler) Reconcile(_ context.Context, key session.ConnectionKey) (*reconciliation.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen++
	if key.UserID == r.fail {
		return nil, errors.New("positions unavailable")
	}
	return &reconciliation.Report{Connection: key.String()}, nil
}

func register(t *testing.T, reg *session.Registry, user string, last time.Time) session.ConnectionKey {
	t.Helper()
	key := session.ConnectionKey{UserID: user, Login: "1001", Server: "Demo"}
	_, _, err := reg.GetOrCreateConnection(context.Background(), key, func(context.Context) (session.Connection, error) {
		return session.Connection{Key: key, Connected: true, ConnectedAt: last, LastActivity: last}, nil
	})
	if err != nil {
		t.Fatalf("register %s: %v", user, err)
	}
	return key
}

func TestHeartbeatProbesIdleConnections(t *testing.T) {
	now := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	reg := session.NewRegistry()
	stale := register(t, reg, "stale", now.Add(-10*time.Minute))
	register(t, reg, "fresh", now.Add(-time.Minute))
	broken := register(t, reg, "broken", now.Add(-time.Hour))

	prober := &recordingProber{fails: map[string]error{
		broken.String(): &engine.TransportError{Command: engine.CmdAccountInfo, Err: errors.New("exit status 1")},
	}}
	s := New(Config{HeartbeatIdle: 5 * time.Minute, Concurrency: 2}, reg, prober, nil, nil)
	s.now = func() time.Time { return now }

	if n := s.Heartbeat(context.Background()); n != 2 {
		t.Fatalf("probed %d connections, want 2", n)
	}
	sort.Strings(prober.keys)
	if len(prober.keys) != 2 || prober.keys[0] != broken.String() || prober.keys[1] != stale.String() {
		t.Fatalf("probed %v", prober.keys)
	}
}

func TestReconcileAllSkipsFailures(t *testing.T) {
	reg := session.NewRegistry()
	now := time.Now()
	register(t, reg, "a", now)
	register(t, reg, "b", now)
	register(t, reg, "c", now)

	recon := &recordingReconciler{fail: "b"}
	s := New(Config{}, reg, &recordingProber{}, recon, nil)

	reports := s.ReconcileAll(context.Background())
	if recon.seen != 3 {
		t.Fatalf("reconciled %d connections, want 3", recon.seen)
	}
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(Config{HeartbeatSchedule: "not a schedule"}, session.NewRegistry(), &recordingProber{}, nil, nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestStartStop(t *testing.T) {
	s := New(DefaultConfig(), session.NewRegistry(), &recordingProber{}, &recordingReconciler{}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
}
