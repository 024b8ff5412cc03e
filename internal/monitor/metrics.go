// Package monitor exposes Prometheus metrics for engine calls, HTTP traffic
// and the size of the live session state.
package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"session-core/internal/engine"
)

// Metrics owns a private registry so tests and multiple instances never
// collide on the global one.
type Metrics struct {
	registry  *prometheus.Registry
	namespace string

	EngineCalls   *prometheus.CounterVec
	EngineLatency *prometheus.HistogramVec
	HTTPRequests  *prometheus.CounterVec
	HTTPLatency   *prometheus.HistogramVec
}

// Sources report live counts; nil funcs are skipped.
type Sources struct {
	Connections func() int
	Sessions    func() int
	Subscribers func() int
	Topics      func() int
}

// NewMetrics creates the collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "session_core"
	}
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		namespace: namespace,
		EngineCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "calls_total",
			Help:      "Engine calls by command and outcome",
		}, []string{"command", "outcome"}),
		EngineLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "call_duration_seconds",
			Help:      "Engine call duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"command"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		m.EngineCalls,
		m.EngineLatency,
		m.HTTPRequests,
		m.HTTPLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveEngineCall implements engine.Observer.
func (m *Metrics) ObserveEngineCall(cmd engine.Command, outcome string, d time.Duration) {
	m.EngineCalls.WithLabelValues(string(cmd), outcome).Inc()
	m.EngineLatency.WithLabelValues(string(cmd)).Observe(d.Seconds())
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

// Track registers gauges backed by src.
func (m *Metrics) Track(src Sources) error {
	gauges := []struct {
		name, help string
		fn         func() int
	}{
		{"connections", "Registered engine connections", src.Connections},
		{"automated_sessions", "Running automated trading sessions", src.Sessions},
		{"event_subscribers", "Live event bus subscribers", src.Subscribers},
		{"event_topics", "Event bus topics with subscribers", src.Topics},
	}
	for _, g := range gauges {
		if g.fn == nil {
			continue
		}
		fn := g.fn
		gf := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      g.name,
			Help:      g.help,
		}, func() float64 { return float64(fn()) })
		if err := m.registry.Register(gf); err != nil {
			return err
		}
	}
	return nil
}

// Gatherer exposes the registry for inspection.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
