package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the accounting engine.
type Metrics struct {
	registry          *prometheus.Registry
	handler           http.Handler
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	reconcileRuns     *prometheus.CounterVec
	variancesTotal    *prometheus.CounterVec
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerline_operations_total",
		Help: "Coordinator-wrapped operations by name and outcome.",
	}, []string{"operation", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgerline_operation_duration_seconds",
		Help:    "Coordinator-wrapped operation duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerline_reconciliation_runs_total",
		Help: "Reconciliation runs by overall status.",
	}, []string{"status"})
	variances := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerline_reconciliation_variances_total",
		Help: "Reconciliation variances discovered, by check and severity.",
	}, []string{"check", "severity"})
	registry.MustRegister(operations, duration, runs, variances)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		operationsTotal:   operations,
		operationDuration: duration,
		reconcileRuns:     runs,
		variancesTotal:    variances,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveOperation records one coordinator operation outcome.
func (m *Metrics) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, outcome).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveReconciliationRun records a completed reconciliation run.
func (m *Metrics) ObserveReconciliationRun(status string) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(status).Inc()
}

// ObserveVariance records a discovered variance.
func (m *Metrics) ObserveVariance(check, severity string) {
	if m == nil {
		return
	}
	m.variancesTotal.WithLabelValues(check, severity).Inc()
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}
