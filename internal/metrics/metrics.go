// Package metrics implements the domain.Metrics sink on top of Prometheus.
//
// The registry is a process-scoped singleton created once at startup and
// injected into the core components; the components only ever see the
// write-only domain.Metrics interface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/UnitedTraders/haproxy-grpc-agent/internal/domain"
)

// Metrics implements the domain.Metrics interface with Prometheus collectors
type Metrics struct {
	registry *prometheus.Registry

	checksTotal       *prometheus.CounterVec
	checkErrorsTotal  *prometheus.CounterVec
	checkDuration     *prometheus.HistogramVec
	activeConnections prometheus.Gauge
	activeChannels    prometheus.Gauge
}

// New creates the metrics sink with all collectors registered on a
// dedicated registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		checksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_checks_total",
			Help: "Total number of health checks answered, by verdict.",
		}, []string{"verdict"}),
		checkErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_check_errors_total",
			Help: "Total number of failed checks, by failure category.",
		}, []string{"category"}),
		checkDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "agent_check_duration_seconds",
			Help: "Duration of one complete health check, by verdict.",
			// HAProxy agent checks live under a 2s budget; buckets
			// concentrate below it.
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 1.5, 2, 3},
		}, []string{"verdict"}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agent_active_connections",
			Help: "Number of currently open HAProxy connections.",
		}),
		activeChannels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agent_active_channels",
			Help: "Number of cached backend gRPC channels.",
		}),
	}
}

// ObserveCheck records one completed check with its verdict and duration
func (m *Metrics) ObserveCheck(verdict domain.Verdict, duration time.Duration) {
	m.checksTotal.WithLabelValues(verdict.String()).Inc()
	m.checkDuration.WithLabelValues(verdict.String()).Observe(duration.Seconds())
}

// IncrementError counts one failed check by failure category
func (m *Metrics) IncrementError(category domain.ErrorCategory) {
	m.checkErrorsTotal.WithLabelValues(string(category)).Inc()
}

// ConnectionOpened increments the active-connections gauge
func (m *Metrics) ConnectionOpened() {
	m.activeConnections.Inc()
}

// ConnectionClosed decrements the active-connections gauge
func (m *Metrics) ConnectionClosed() {
	m.activeConnections.Dec()
}

// SetActiveChannels updates the cached-channel gauge
func (m *Metrics) SetActiveChannels(n int) {
	m.activeChannels.Set(float64(n))
}

// Handler returns the HTTP handler exposing the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
