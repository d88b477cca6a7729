// Package telemetry provides logging and metrics for the relay.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	workerDuration  *prometheus.HistogramVec
	workersInFlight prometheus.Gauge
	storeErrors     prometheus.Counter
	auditErrors     prometheus.Counter
}

// NewMetrics creates and registers the relay's collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_requests_total",
			Help: "Chat requests by final status.",
		}, []string{"status"}),
		workerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatrelay_worker_duration_seconds",
			Help:    "Worker process wall time by outcome.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
		workersInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_workers_in_flight",
			Help: "Worker processes currently running.",
		}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_ratelimit_store_errors_total",
			Help: "Rate-limit store failures.",
		}),
		auditErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_audit_errors_total",
			Help: "Audit sink write failures.",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.workerDuration,
		m.workersInFlight,
		m.storeErrors,
		m.auditErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RecordRequest counts a finished request by its audit status.
func (m *Metrics) RecordRequest(status string) {
	m.requests.WithLabelValues(status).Inc()
}

// WorkerStarted marks a worker launch and returns a func recording its end.
func (m *Metrics) WorkerStarted() func(outcome string, d time.Duration) {
	m.workersInFlight.Inc()
	return func(outcome string, d time.Duration) {
		m.workersInFlight.Dec()
		m.workerDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

// StoreError counts a rate-limit store failure.
func (m *Metrics) StoreError() { m.storeErrors.Inc() }

// AuditError counts an audit sink failure.
func (m *Metrics) AuditError() { m.auditErrors.Inc() }

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
