package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetOrCreateSessionSingleFlight(t *testing.T) {
	r := NewRegistry()
	var calls int32
	factory := func(ctx context.Context) (AutomatedSession, error) {
		n := atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return AutomatedSession{ID: fmt.Sprintf("sess-%d", n), UserID: "u1"}, nil
	}

	const callers = 32
	var wg sync.WaitGroup
	ids := make([]string, callers)
	created := int32(0)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, c, err := r.GetOrCreateSession(context.Background(), "u1", factory)
			if err != nil {
				t.Errorf("GetOrCreateSession: %v", err)
				return
			}
			if c {
				atomic.AddInt32(&created, 1)
			}
			ids[i] = s.ID
		}(i)
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("factory ran %d times, want 1", calls)
	}
	if created != 1 {
		t.Fatalf("created reported %d times, want 1", created)
	}
	for _, id := range ids {
		if id != "sess-1" {
			t.Fatalf("caller saw %q, want sess-1", id)
		}
	}
}

func TestFailedFactoryRegistersNothing(t *testing.T) {
	r := NewRegistry()
	key := ConnectionKey{UserID: "u1", Login: "1001", Server: "Demo"}
	boom := errors.New("engine down")

	_, _, err := r.GetOrCreateConnection(context.Background(), key, func(context.Context) (Connection, error) {
		return Connection{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected factory error, got %v", err)
	}
	if _, ok := r.Connection(key); ok {
		t.Fatal("failed connect must not be registered")
	}
	if st := r.ConnectionState(key); st != ConnDisconnected {
		t.Fatalf("state = %s, want disconnected", st)
	}

	// Next attempt runs the factory again.
	c, created, err := r.GetOrCreateConnection(context.Background(), key, func(context.Context) (Connection, error) {
		return Connection{Key: key, Connected: true}, nil
	})
	if err != nil || !created || !c.Connected {
		t.Fatalf("retry: conn=%+v created=%v err=%v", c, created, err)
	}
}

func TestWaitersShareFactoryFailure(t *testing.T) {
	r := NewRegistry()
	var calls int32
	release := make(chan struct{})
	boom := errors.New("rejected")

	factory := func(context.Context) (AutomatedSession, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return AutomatedSession{}, boom
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = r.GetOrCreateSession(context.Background(), "u1", factory)
		}(i)
	}
	waitFor(t, func() bool { return r.SessionState("u1") == SessionStarting })
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("factory ran %d times, want 1", calls)
	}
	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("caller %d: expected shared failure, got %v", i, err)
		}
	}
}

func TestIndependentKeysDoNotBlock(t *testing.T) {
	r := NewRegistry()
	block := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _, _ = r.GetOrCreateSession(context.Background(), "slow", func(context.Context) (AutomatedSession, error) {
			close(started)
			<-block
			return AutomatedSession{ID: "slow"}, nil
		})
	}()
	<-started
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, created, err := r.GetOrCreateSession(ctx, "fast", func(context.Context) (AutomatedSession, error) {
		return AutomatedSession{ID: "fast"}, nil
	})
	if err != nil || !created || s.ID != "fast" {
		t.Fatalf("fast user blocked or failed: %+v %v %v", s, created, err)
	}
}

func TestRemoveWaitsForInFlightStart(t *testing.T) {
	r := NewRegistry()
	release := make(chan struct{})
	go func() {
		_, _, _ = r.GetOrCreateSession(context.Background(), "u1", func(context.Context) (AutomatedSession, error) {
			<-release
			return AutomatedSession{ID: "s1", UserID: "u1"}, nil
		})
	}()
	waitFor(t, func() bool { return r.SessionState("u1") == SessionStarting })

	if _, ok := r.Session("u1"); ok {
		t.Fatal("session must not be visible while starting")
	}

	done := make(chan AutomatedSession)
	go func() {
		s, existed, err := r.RemoveSession(context.Background(), "u1", func(context.Context, AutomatedSession) (bool, error) {
			return true, nil
		})
		if err != nil || !existed {
			t.Errorf("RemoveSession: existed=%v err=%v", existed, err)
		}
		done <- s
	}()

	select {
	case <-done:
		t.Fatal("remove must wait for the in-flight start")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)

	if s := <-done; s.ID != "s1" {
		t.Fatalf("removed %q, want s1", s.ID)
	}
	if st := r.SessionState("u1"); st != SessionStopped {
		t.Fatalf("state = %s, want stopped", st)
	}
}

func TestRemoveKeepsEntryWhenTeardownDeclines(t *testing.T) {
	r := NewRegistry()
	_, _, _ = r.GetOrCreateSession(context.Background(), "u1", func(context.Context) (AutomatedSession, error) {
		return AutomatedSession{ID: "s1"}, nil
	})

	boom := errors.New("stop failed")
	_, existed, err := r.RemoveSession(context.Background(), "u1", func(context.Context, AutomatedSession) (bool, error) {
		return false, boom
	})
	if !existed || !errors.Is(err, boom) {
		t.Fatalf("existed=%v err=%v", existed, err)
	}
	if s, ok := r.Session("u1"); !ok || s.ID != "s1" {
		t.Fatal("session must survive a failed teardown")
	}
	if st := r.SessionState("u1"); st != SessionRunning {
		t.Fatalf("state = %s, want running", st)
	}
}

func TestRemoveMissingIsNoop(t *testing.T) {
	r := NewRegistry()
	called := false
	_, existed, err := r.RemoveSession(context.Background(), "nobody", func(context.Context, AutomatedSession) (bool, error) {
		called = true
		return true, nil
	})
	if existed || err != nil || called {
		t.Fatalf("existed=%v err=%v called=%v", existed, err, called)
	}
}

func TestLockHonorsContext(t *testing.T) {
	r := NewRegistry()
	release := make(chan struct{})
	defer close(release)
	go func() {
		_, _, _ = r.GetOrCreateSession(context.Background(), "u1", func(context.Context) (AutomatedSession, error) {
			<-release
			return AutomatedSession{ID: "s1"}, nil
		})
	}()
	waitFor(t, func() bool { return r.SessionState("u1") == SessionStarting })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := r.RemoveSession(ctx, "u1", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestTouchAndSnapshots(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base.Add(time.Minute) }

	keys := []ConnectionKey{
		{UserID: "u2", Login: "2", Server: "S"},
		{UserID: "u1", Login: "1", Server: "S"},
	}
	for _, k := range keys {
		k := k
		_, _, err := r.GetOrCreateConnection(context.Background(), k, func(context.Context) (Connection, error) {
			return Connection{Key: k, Connected: true, LastActivity: base}, nil
		})
		if err != nil {
			t.Fatalf("connect %s: %v", k, err)
		}
	}

	if !r.TouchConnection(keys[0]) {
		t.Fatal("touch of registered connection failed")
	}
	if r.TouchConnection(ConnectionKey{UserID: "x"}) {
		t.Fatal("touch of unknown connection must report false")
	}

	conns := r.Connections()
	if len(conns) != 2 || conns[0].Key.UserID != "u1" {
		t.Fatalf("unexpected snapshot order: %+v", conns)
	}
	if !conns[1].LastActivity.Equal(base.Add(time.Minute)) {
		t.Fatalf("last activity not refreshed: %v", conns[1].LastActivity)
	}
	if r.ConnectionCount() != 2 {
		t.Fatalf("count = %d", r.ConnectionCount())
	}
	if keys[1].String() != "u1_1_S" {
		t.Fatalf("key string = %q", keys[1].String())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConnectionKeysWithUnderscoresDoNotCollide(t *testing.T) {
	r := NewRegistry()
	a := ConnectionKey{UserID: "a_b", Login: "c", Server: "S"}
	b := ConnectionKey{UserID: "a", Login: "b_c", Server: "S"}
	if a.String() == b.String() {
		t.Fatalf("ids collide: %q", a.String())
	}

	for _, k := range []ConnectionKey{a, b} {
		k := k
		_, created, err := r.GetOrCreateConnection(context.Background(), k, func(context.Context) (Connection, error) {
			return Connection{Key: k, Connected: true}, nil
		})
		if err != nil || !created {
			t.Fatalf("GetOrCreateConnection(%+v) created=%v err=%v", k, created, err)
		}
	}
	if n := r.ConnectionCount(); n != 2 {
		t.Fatalf("ConnectionCount = %d, want 2", n)
	}
	got, ok := r.Connection(b)
	if !ok || got.Key != b {
		t.Fatalf("Connection(%+v) = %+v (%v)", b, got, ok)
	}
}

func TestConnectionKeyString(t *testing.T) {
	cases := []struct {
		key  ConnectionKey
		want string
	}{
		{ConnectionKey{UserID: "u1", Login: "1001", Server: "Demo"}, "u1_1001_Demo"},
		{ConnectionKey{UserID: "a_b", Login: "c", Server: "S"}, `a\_b_c_S`},
		{ConnectionKey{UserID: `a\`, Login: "_c", Server: "S"}, `a\\_\_c_S`},
	}
	for _, tc := range cases {
		if got := tc.key.String(); got != tc.want {
			t.Errorf("%+v.String() = %q, want %q", tc.key, got, tc.want)
		}
	}
}
