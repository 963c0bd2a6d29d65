package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sweepDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	lockWaitBuckets      = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the approvals service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Application metrics
	TransitionsTotal       *prometheus.CounterVec
	OperationFailuresTotal *prometheus.CounterVec
	ApplicationsCreated    *prometheus.CounterVec
	ApplicationsByStatus   *prometheus.GaugeVec

	// Automation metrics
	SweepsTotal       *prometheus.CounterVec
	SweepDuration     prometheus.Histogram
	AutoActionsTotal  *prometheus.CounterVec
	SweepBundleErrors prometheus.Counter

	// Locking metrics
	LockWaitDuration prometheus.Histogram
	LockTimeouts     prometheus.Counter

	// System metrics
	DefinitionsLoaded prometheus.Gauge
	RepairsTotal      prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Applications
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_transitions_total",
			Help: "Total number of applied application transitions.",
		}, []string{"action", "status"}),
		OperationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_operation_failures_total",
			Help: "Total number of failed service operations.",
		}, []string{"operation", "code"}),
		ApplicationsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_applications_created_total",
			Help: "Total number of created applications.",
		}, []string{"type_id"}),
		ApplicationsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "approvals_applications",
			Help: "Number of stored applications by status, as of the last sweep.",
		}, []string{"status"}),

		// Automation
		SweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_sweeps_total",
			Help: "Total number of automation sweeps.",
		}, []string{"result"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "approvals_sweep_duration_seconds",
			Help:    "Automation sweep duration in seconds.",
			Buckets: sweepDurationBuckets,
		}),
		AutoActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_auto_actions_total",
			Help: "Total number of automatic approvals and bounces.",
		}, []string{"action"}),
		SweepBundleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_sweep_bundle_errors_total",
			Help: "Total number of bundles a sweep failed to process.",
		}),

		// Locking
		LockWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "approvals_lock_wait_seconds",
			Help:    "Time spent waiting for a per-application lock.",
			Buckets: lockWaitBuckets,
		}),
		LockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_lock_timeouts_total",
			Help: "Total number of lock acquisitions that timed out.",
		}),

		// System
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "approvals_definitions_loaded",
			Help: "Number of loaded application types.",
		}),
		RepairsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_repairs_total",
			Help: "Total number of bundles repaired at startup.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Applications
		m.TransitionsTotal,
		m.OperationFailuresTotal,
		m.ApplicationsCreated,
		m.ApplicationsByStatus,
		// Automation
		m.SweepsTotal,
		m.SweepDuration,
		m.AutoActionsTotal,
		m.SweepBundleErrors,
		// Locking
		m.LockWaitDuration,
		m.LockTimeouts,
		// System
		m.DefinitionsLoaded,
		m.RepairsTotal,
	)

	return m
}

// --- Recording helpers ---
//
// Every helper is safe to call on a nil *Metrics so callers that run
// without metrics need no guards.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTransition records an applied audit action and the status it left
// the application in.
func (m *Metrics) RecordTransition(action, status string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(action, status).Inc()
}

// RecordOperationFailure records a failed service operation by error code.
func (m *Metrics) RecordOperationFailure(operation, code string) {
	if m == nil {
		return
	}
	m.OperationFailuresTotal.WithLabelValues(operation, code).Inc()
}

// RecordApplicationCreated records a new application of the given type.
func (m *Metrics) RecordApplicationCreated(typeID int64) {
	if m == nil {
		return
	}
	m.ApplicationsCreated.WithLabelValues(strconv.FormatInt(typeID, 10)).Inc()
}

// SetApplicationsByStatus replaces the per-status gauge values.
func (m *Metrics) SetApplicationsByStatus(counts map[string]int) {
	if m == nil {
		return
	}
	m.ApplicationsByStatus.Reset()
	for status, n := range counts {
		m.ApplicationsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// RecordSweep records one automation pass. result is "ok", "partial" or
// "error".
func (m *Metrics) RecordSweep(result string, duration time.Duration, autoApproved, bounced int) {
	if m == nil {
		return
	}
	m.SweepsTotal.WithLabelValues(result).Inc()
	m.SweepDuration.Observe(duration.Seconds())
	if autoApproved > 0 {
		m.AutoActionsTotal.WithLabelValues("AUTO_APPROVE").Add(float64(autoApproved))
	}
	if bounced > 0 {
		m.AutoActionsTotal.WithLabelValues("EXPIRE_BOUNCE").Add(float64(bounced))
	}
}

// RecordSweepBundleError records a bundle a sweep skipped after a failure.
func (m *Metrics) RecordSweepBundleError() {
	if m == nil {
		return
	}
	m.SweepBundleErrors.Inc()
}

// RecordLockWait records how long a lock acquisition took and whether it
// timed out.
func (m *Metrics) RecordLockWait(duration time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.LockWaitDuration.Observe(duration.Seconds())
	if timedOut {
		m.LockTimeouts.Inc()
	}
}

// SetDefinitionsLoaded sets the number of loaded application types.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}

// RecordRepairs records bundles fixed during startup.
func (m *Metrics) RecordRepairs(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RepairsTotal.Add(float64(n))
}

// --- HTTP Middleware ---

// MetricsMiddleware records request metrics labelled by chi's route pattern,
// so /api/applications/{id} is one series however many ids are requested.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := WrapResponse(w, r)
		next.ServeHTTP(ww, r)

		m.RecordHTTPRequest(r.Method, RoutePattern(r), StatusOf(ww), time.Since(start),
			int(max(r.ContentLength, 0)), ww.BytesWritten())
	})
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
