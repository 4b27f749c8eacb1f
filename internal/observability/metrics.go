package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	dispatchDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	bodySizeBuckets         = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Instance metrics
	InstanceStartsTotal        *prometheus.CounterVec
	InstanceCancellationsTotal *prometheus.CounterVec
	InstanceCompletionsTotal   *prometheus.CounterVec
	ActiveInstances            *prometheus.GaugeVec

	// Progress metrics
	ProgressUpdatesTotal       *prometheus.CounterVec
	ProgressValidationFailures *prometheus.CounterVec

	// Review metrics
	ReviewsOpenedTotal   *prometheus.CounterVec
	ReviewDecisionsTotal *prometheus.CounterVec

	// Dispatch metrics
	DispatchAttemptsTotal *prometheus.CounterVec
	DispatchFailuresTotal *prometheus.CounterVec
	DispatchDuration      prometheus.Histogram
	DispatchPending       prometheus.Gauge

	// Cache metrics
	AccessCacheHitsTotal   prometheus.Counter
	AccessCacheMissesTotal prometheus.Counter
	IdempotentReplaysTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crewflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crewflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crewflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Instances
		InstanceStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewflow_instance_starts_total",
			Help: "Total number of workflow instance starts.",
		}, []string{"template_slug"}),
		InstanceCancellationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewflow_instance_cancellations_total",
			Help: "Total number of workflow instance cancellations.",
		}, []string{"template_slug"}),
		InstanceCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewflow_instance_completions_total",
			Help: "Total number of workflow instance completions.",
		}, []string{"template_slug"}),
		ActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crewflow_active_instances",
			Help: "Number of in-progress workflow instances.",
		}, []string{"template_slug"}),

		// Progress
		ProgressUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewflow_progress_updates_total",
			Help: "Total number of step progress writes.",
		}, []string{"step_kind", "status"}),
		ProgressValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewflow_progress_validation_failures_total",
			Help: "Total number of progress writes rejected by validation.",
		}, []string{"step_kind"}),

		// Reviews
		ReviewsOpenedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewflow_reviews_opened_total",
			Help: "Total number of review gates opened.",
		}, []string{"step_kind"}),
		ReviewDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewflow_review_decisions_total",
			Help: "Total number of review decisions.",
		}, []string{"decision"}),

		// Dispatch
		DispatchAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewflow_dispatch_attempts_total",
			Help: "Total number of completion side effect dispatch attempts.",
		}, []string{"action"}),
		DispatchFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewflow_dispatch_failures_total",
			Help: "Total number of failed dispatch sub-actions.",
		}, []string{"action"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crewflow_dispatch_duration_seconds",
			Help:    "End-to-end completion dispatch duration in seconds.",
			Buckets: dispatchDurationBuckets,
		}),
		DispatchPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crewflow_dispatch_pending",
			Help: "Completed instances awaiting side effect dispatch.",
		}),

		// Caches
		AccessCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crewflow_access_cache_hits_total",
			Help: "Total access resolution cache hits.",
		}),
		AccessCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crewflow_access_cache_misses_total",
			Help: "Total access resolution cache misses.",
		}),
		IdempotentReplaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewflow_idempotent_replays_total",
			Help: "Total requests served from the idempotency store.",
		}, []string{"operation"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Instances
		m.InstanceStartsTotal,
		m.InstanceCancellationsTotal,
		m.InstanceCompletionsTotal,
		m.ActiveInstances,
		// Progress
		m.ProgressUpdatesTotal,
		m.ProgressValidationFailures,
		// Reviews
		m.ReviewsOpenedTotal,
		m.ReviewDecisionsTotal,
		// Dispatch
		m.DispatchAttemptsTotal,
		m.DispatchFailuresTotal,
		m.DispatchDuration,
		m.DispatchPending,
		// Caches
		m.AccessCacheHitsTotal,
		m.AccessCacheMissesTotal,
		m.IdempotentReplaysTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordInstanceStart records a workflow instance start.
func (m *Metrics) RecordInstanceStart(templateSlug string) {
	m.InstanceStartsTotal.WithLabelValues(templateSlug).Inc()
	m.ActiveInstances.WithLabelValues(templateSlug).Inc()
}

// RecordInstanceCancellation records a workflow instance cancellation.
func (m *Metrics) RecordInstanceCancellation(templateSlug string) {
	m.InstanceCancellationsTotal.WithLabelValues(templateSlug).Inc()
	m.ActiveInstances.WithLabelValues(templateSlug).Dec()
}

// RecordInstanceCompletion records a workflow instance completion.
func (m *Metrics) RecordInstanceCompletion(templateSlug string) {
	m.InstanceCompletionsTotal.WithLabelValues(templateSlug).Inc()
	m.ActiveInstances.WithLabelValues(templateSlug).Dec()
}

// RecordProgressUpdate records a persisted step progress write.
func (m *Metrics) RecordProgressUpdate(stepKind, status string) {
	m.ProgressUpdatesTotal.WithLabelValues(stepKind, status).Inc()
}

// RecordProgressValidationFailure records a rejected progress write.
func (m *Metrics) RecordProgressValidationFailure(stepKind string) {
	m.ProgressValidationFailures.WithLabelValues(stepKind).Inc()
}

// RecordReviewOpened records a newly opened review gate.
func (m *Metrics) RecordReviewOpened(stepKind string) {
	m.ReviewsOpenedTotal.WithLabelValues(stepKind).Inc()
}

// RecordReviewDecision records a review decision.
func (m *Metrics) RecordReviewDecision(decision string) {
	m.ReviewDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordDispatchAttempt records one dispatch sub-action attempt.
func (m *Metrics) RecordDispatchAttempt(action string) {
	m.DispatchAttemptsTotal.WithLabelValues(action).Inc()
}

// RecordDispatchFailure records a dispatch sub-action that exhausted retries.
func (m *Metrics) RecordDispatchFailure(action string) {
	m.DispatchFailuresTotal.WithLabelValues(action).Inc()
}

// RecordDispatchDuration records the end-to-end duration of one dispatch.
func (m *Metrics) RecordDispatchDuration(duration time.Duration) {
	m.DispatchDuration.Observe(duration.Seconds())
}

// SetDispatchPending sets the count of completed instances awaiting dispatch.
func (m *Metrics) SetDispatchPending(count float64) {
	m.DispatchPending.Set(count)
}

// RecordAccessCacheHit records an access resolution cache hit.
func (m *Metrics) RecordAccessCacheHit() {
	m.AccessCacheHitsTotal.Inc()
}

// RecordAccessCacheMiss records an access resolution cache miss.
func (m *Metrics) RecordAccessCacheMiss() {
	m.AccessCacheMissesTotal.Inc()
}

// RecordIdempotentReplay records a request answered from the idempotency store.
func (m *Metrics) RecordIdempotentReplay(operation string) {
	m.IdempotentReplaysTotal.WithLabelValues(operation).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
