package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "byok"

var (
	// defaultRegistry is the default Prometheus registry
	defaultRegistry = prometheus.DefaultRegisterer
)

// Metrics holds all application metrics.
type Metrics struct {
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	httpRequestBytes       *prometheus.CounterVec
	sagaOutcomes           *prometheus.CounterVec
	sagaStepDuration       *prometheus.HistogramVec
	signatureVerifications *prometheus.CounterVec
	certificateUpdates     *prometheus.CounterVec
	dependencyErrors       *prometheus.CounterVec
	compensations          *prometheus.CounterVec
	auditArchiveWrites     *prometheus.CounterVec
	activeConnections      prometheus.Gauge
	goroutines             prometheus.Gauge
	memoryAllocBytes       prometheus.Gauge
	memorySysBytes         prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics creates a new metrics instance on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(defaultRegistry)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry (for testing).
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	if reg != nil {
		reg.MustRegister(versioncollector.NewCollector("byok_gateway"))
	}

	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in HTTP requests",
			},
			[]string{"method", "path"},
		),
		sagaOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Import and rotate operations by terminal state",
			},
			[]string{"operation", "state"},
		),
		sagaStepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of each import/rotate step",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation", "step", "result"},
		),
		signatureVerifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signature_verifications_total",
				Help:      "Signature verification results",
			},
			[]string{"result"},
		),
		certificateUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "certificate_updates_total",
				Help:      "Verification certificate install attempts by source and result",
			},
			[]string{"source", "result"},
		),
		dependencyErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dependency_errors_total",
				Help:      "Failed calls to the KMS or alerting subsystem",
			},
			[]string{"step", "status"},
		),
		compensations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compensations_total",
				Help:      "Compensating key deletions by result",
			},
			[]string{"result"},
		),
		auditArchiveWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_archive_writes_total",
				Help:      "Audit archive batch uploads by result",
			},
			[]string{"result"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	m.httpRequestsTotal.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, http.StatusText(status)).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordOutcome counts an import or rotate reaching a terminal state.
func (m *Metrics) RecordOutcome(operation, state string) {
	m.sagaOutcomes.WithLabelValues(operation, state).Inc()
}

// RecordStep records how long a step took and whether it passed.
func (m *Metrics) RecordStep(operation, step string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sagaStepDuration.WithLabelValues(operation, step, result).Observe(duration.Seconds())
}

// RecordSignatureVerification records a verification result such as "valid", "invalid" or "expired".
func (m *Metrics) RecordSignatureVerification(result string) {
	m.signatureVerifications.WithLabelValues(result).Inc()
}

// RecordCertificateUpdate records a certificate install attempt from "api" or "file".
func (m *Metrics) RecordCertificateUpdate(source string, err error) {
	result := "installed"
	if err != nil {
		result = "rejected"
	}
	m.certificateUpdates.WithLabelValues(source, result).Inc()
}

// RecordDependencyError records a failed collaborator call.
func (m *Metrics) RecordDependencyError(step string, status int) {
	label := "unknown"
	if status > 0 {
		label = http.StatusText(status)
	}
	m.dependencyErrors.WithLabelValues(step, label).Inc()
}

// RecordCompensation records a compensating delete.
func (m *Metrics) RecordCompensation(err error) {
	result := "deleted"
	if err != nil {
		result = "failed"
	}
	m.compensations.WithLabelValues(result).Inc()
}

// RecordAuditArchiveWrite records an audit archive upload.
func (m *Metrics) RecordAuditArchiveWrite(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.auditArchiveWrites.WithLabelValues(result).Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics until done is closed.
func (m *Metrics) StartSystemMetricsCollector(done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-done:
				return
			}
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
