// Package metrics wires Prometheus instrumentation the same way
// server/server.go does: a registry, three request-shaped metrics
// (count, duration, response size), and an InstrumentHandlerDuration/
// Counter/ResponseSize wrapper curried per handler name. Health is
// reported separately through go-sundheit, matching server/server.go's
// HealthChecker field and its /healthz handler.
package metrics

import (
	"context"
	"net/http"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registered Prometheus collectors and the health
// checker used to report readiness through /healthz.
type Metrics struct {
	registry *prometheus.Registry
	health   gosundheit.Health

	requestCounter *prometheus.CounterVec
	durationHist   *prometheus.HistogramVec
	sizeHist       *prometheus.HistogramVec
}

// New builds a Metrics with a fresh registry, the Go/process
// collectors, and an empty health checker ready for RegisterPingCheck.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		health:   gosundheit.New(),
		requestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gafaelfawr_http_requests_total",
			Help: "Count of all HTTP requests.",
		}, []string{"code", "method", "handler"}),
		durationHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gafaelfawr_request_duration_seconds",
			Help:    "A histogram of latencies for requests.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"code", "method", "handler"}),
		sizeHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gafaelfawr_response_size_bytes",
			Help:    "A histogram of response sizes for requests.",
			Buckets: []float64{200, 500, 900, 1500, 5000},
		}, []string{"code", "method", "handler"}),
	}
	registry.MustRegister(m.requestCounter, m.durationHist, m.sizeHist)
	return m
}

// Registry exposes the underlying registry, e.g. for /metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Health exposes the go-sundheit checker so the composition root can
// register readiness checks (database ping, Redis ping) before serving.
func (m *Metrics) Health() gosundheit.Health { return m.health }

// RegisterPingCheck wraps a ping function (e.g. database or Redis) as
// a named go-sundheit check, run every period.
func (m *Metrics) RegisterPingCheck(name string, period time.Duration, ping func(ctx context.Context) (interface{}, error)) error {
	return m.health.RegisterCheck(
		&checks.CustomCheck{CheckName: name, CheckFunc: ping},
		gosundheit.InitiallyPassing(false),
		gosundheit.ExecutionPeriod(period),
	)
}

// Handler wraps handler with the curried duration/counter/response-size
// instrumentation, labeled by handlerName, mirroring the
// instrumentHandler closure in server/server.go.
func (m *Metrics) Handler(handlerName string, handler http.Handler) http.HandlerFunc {
	return promhttp.InstrumentHandlerDuration(
		m.durationHist.MustCurryWith(prometheus.Labels{"handler": handlerName}),
		promhttp.InstrumentHandlerCounter(
			m.requestCounter.MustCurryWith(prometheus.Labels{"handler": handlerName}),
			promhttp.InstrumentHandlerResponseSize(
				m.sizeHist.MustCurryWith(prometheus.Labels{"handler": handlerName}), handler,
			),
		),
	)
}

// MetricsHandler renders the registry in the Prometheus exposition format.
func (m *Metrics) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Healthz reports 200 when every registered check is healthy, 500 otherwise.
func (m *Metrics) Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.health.IsHealthy() {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("Health check failed"))
			return
		}
		_, _ = w.Write([]byte("Health check passed"))
	}
}
