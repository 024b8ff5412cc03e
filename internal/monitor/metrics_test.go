package monitor

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"session-core/internal/engine"
)

func family(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func TestObserveEngineCall(t *testing.T) {
	m := NewMetrics("test")
	m.ObserveEngineCall(engine.CmdTrade, engine.OutcomeOK, 120*time.Millisecond)
	m.ObserveEngineCall(engine.CmdTrade, engine.OutcomeOK, 80*time.Millisecond)
	m.ObserveEngineCall(engine.CmdTrade, engine.OutcomeRejected, 10*time.Millisecond)

	calls := family(t, m, "test_engine_calls_total")
	counts := map[string]float64{}
	for _, metric := range calls.GetMetric() {
		var outcome string
		for _, l := range metric.GetLabel() {
			if l.GetName() == "outcome" {
				outcome = l.GetValue()
			}
		}
		counts[outcome] = metric.GetCounter().GetValue()
	}
	if counts[engine.OutcomeOK] != 2 || counts[engine.OutcomeRejected] != 1 {
		t.Fatalf("counts = %v", counts)
	}

	latency := family(t, m, "test_engine_call_duration_seconds")
	if got := latency.GetMetric()[0].GetHistogram().GetSampleCount(); got != 3 {
		t.Fatalf("latency samples = %d, want 3", got)
	}
}

func TestTrackGauges(t *testing.T) {
	m := NewMetrics("test")
	conns := 3
	if err := m.Track(Sources{
		Connections: func() int { return conns },
		Sessions:    func() int { return 1 },
	}); err != nil {
		t.Fatalf("Track: %v", err)
	}

	if v := family(t, m, "test_connections").GetMetric()[0].GetGauge().GetValue(); v != 3 {
		t.Fatalf("connections = %v", v)
	}
	conns = 5
	if v := family(t, m, "test_connections").GetMetric()[0].GetGauge().GetValue(); v != 5 {
		t.Fatalf("connections = %v after change", v)
	}
	if err := m.Track(Sources{Connections: func() int { return 0 }}); err == nil {
		t.Fatal("duplicate registration should fail")
	}
}

func TestHandlerServesText(t *testing.T) {
	m := NewMetrics("test")
	m.ObserveHTTP("GET", "/health", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `test_http_requests_total{method="GET",route="/health",status="200"} 1`) {
		t.Fatalf("unexpected body:\n%s", body)
	}
}
