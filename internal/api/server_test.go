package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"session-core/internal/events"
	"session-core/internal/monitor"
	"session-core/internal/session"
)

const testSecret = "test-secret"

type fakeWatcher struct {
	mu       sync.Mutex
	watched  map[string]int
	released map[string]int
}

func (f *fakeWatcher) Watch(_ context.Context, key session.ConnectionKey, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched[key.String()+"/"+symbol]++
	return nil
}

func (f *fakeWatcher) Unwatch(_ context.Context, key session.ConnectionKey, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[key.String()+"/"+symbol]++
	return nil
}

func (f *fakeWatcher) count(m map[string]int, k string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return m[k]
}

type testEnv struct {
	srv     *Server
	http    *httptest.Server
	bus     *events.Bus
	reg     *session.Registry
	watcher *fakeWatcher
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if opts.JWTSecret == "" {
		opts.JWTSecret = testSecret
	}
	env := &testEnv{
		bus:     events.NewBus(),
		reg:     session.NewRegistry(),
		watcher: &fakeWatcher{watched: map[string]int{}, released: map[string]int{}},
	}
	env.srv = NewServer(env.bus, env.reg, env.watcher, monitor.NewMetrics("test"), opts, nil)
	env.http = httptest.NewServer(env.srv.Router)
	t.Cleanup(func() {
		_ = env.srv.Shutdown(context.Background())
		env.http.Close()
	})
	return env
}

func token(t *testing.T, userID, secret string, expires time.Time) string {
	t.Helper()
	claims := UserClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (e *testEnv) connect(t *testing.T, userID string) session.ConnectionKey {
	t.Helper()
	key := session.ConnectionKey{UserID: userID, Login: "1001", Server: "Demo"}
	_, _, err := e.reg.GetOrCreateConnection(context.Background(), key, func(context.Context) (session.Connection, error) {
		return session.Connection{Key: key, Connected: true, ConnectedAt: time.Now(), LastActivity: time.Now()}, nil
	})
	if err != nil {
		t.Fatalf("register connection: %v", err)
	}
	return key
}

func (e *testEnv) get(t *testing.T, path, bearer string) (*http.Response, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, e.http.URL+path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &body)
	return resp, body
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{Version: "test"})
	env.connect(t, "u1")

	resp, body := env.get(t, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" || body["connections"] != float64(1) || body["version"] != "test" {
		t.Fatalf("body = %v", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.get(t, "/health", "")

	resp, err := http.Get(env.http.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `test_http_requests_total{method="GET",route="/health",status="200"}`) {
		t.Fatalf("metrics missing request counter:\n%s", raw)
	}
}

func TestSessionAuth(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.connect(t, "u1")
	env.connect(t, "u2")

	cases := []struct {
		name   string
		bearer string
		status int
		code   string
	}{
		{"missing token", "", http.StatusUnauthorized, "MISSING_TOKEN"},
		{"wrong secret", token(t, "u1", "other", time.Now().Add(time.Hour)), http.StatusUnauthorized, "INVALID_TOKEN"},
		{"expired", token(t, "u1", testSecret, time.Now().Add(-time.Hour)), http.StatusUnauthorized, "INVALID_TOKEN"},
		{"valid", token(t, "u1", testSecret, time.Now().Add(time.Hour)), http.StatusOK, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := env.get(t, "/api/session", tc.bearer)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, tc.status, body)
			}
			if tc.code != "" && body["code"] != tc.code {
				t.Fatalf("code = %v, want %s", body["code"], tc.code)
			}
			if tc.status == http.StatusOK {
				conns, _ := body["connections"].([]any)
				if len(conns) != 1 || body["state"] != string(session.SessionStopped) {
					t.Fatalf("body = %v", body)
				}
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{RateLimit: 0.001, RateBurst: 2})

	for i := 0; i < 2; i++ {
		if resp, _ := env.get(t, "/health", ""); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status %d", i, resp.StatusCode)
		}
	}
	if resp, _ := env.get(t, "/health", ""); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
}

func wsURL(env *testEnv, query string) string {
	return "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws?" + query
}

func TestWebsocketRequiresToken(t *testing.T) {
	env := newTestEnv(t, Options{})
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env, ""), nil)
	if err == nil {
		t.Fatal("dial should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %+v", resp)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebsocketStreamsTopics(t *testing.T) {
	env := newTestEnv(t, Options{})
	key := env.connect(t, "u1")
	tok := token(t, "u1", testSecret, time.Now().Add(time.Hour))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env, "token="+tok+"&market=eurusd&predictions=EURUSD"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, func() bool { return env.bus.SubscriberCount() == 3 })
	watchKey := key.String() + "/EURUSD"
	waitFor(t, func() bool { return env.watcher.count(env.watcher.watched, watchKey) == 1 })

	env.bus.Publish(events.UserTopic("u2"), events.TradeExecuted, "not for u1")
	env.bus.Publish(events.UserTopic("u1"), events.TradeExecuted, map[string]any{"ticket": "555"})
	env.bus.Publish(events.MarketTopic("EURUSD"), events.MarketData, map[string]any{"symbol": "EURUSD"})

	got := map[string]string{}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(got) < 2 {
		var evt struct {
			Topic string `json:"topic"`
			Name  string `json:"event"`
		}
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read: %v", err)
		}
		got[evt.Topic] = evt.Name
	}
	if got["user:u1"] != events.TradeExecuted || got["market:EURUSD"] != events.MarketData {
		t.Fatalf("received %v", got)
	}
	if _, leaked := got["user:u2"]; leaked {
		t.Fatal("received another user's event")
	}

	conn.Close()
	waitFor(t, func() bool { return env.bus.SubscriberCount() == 0 })
	waitFor(t, func() bool { return env.watcher.count(env.watcher.released, watchKey) == 1 })
}

func TestSplitList(t *testing.T) {
	got := splitList([]string{"eurusd, gbpusd", "EURUSD", ""})
	if len(got) != 2 || got[0] != "EURUSD" || got[1] != "GBPUSD" {
		t.Fatalf("splitList = %v", got)
	}
}
