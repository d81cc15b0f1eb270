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
	httpDurationBuckets       = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	transitionDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	progressBuckets           = []float64{0, 10, 25, 50, 75, 90, 100}
)

// Metrics holds all Prometheus metric instruments for stageflow. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Engine metrics
	TransitionsTotal         *prometheus.CounterVec
	TransitionDuration       *prometheus.HistogramVec
	TransitionActionFailures *prometheus.CounterVec
	TasksUnblockedTotal      prometheus.Counter
	TasksCreatedTotal        *prometheus.CounterVec
	ProjectProgressPercent   prometheus.Histogram
	ListenersActive          prometheus.Gauge

	// System metrics
	DefinitionReloadTotal  *prometheus.CounterVec
	NotificationsTotal     *prometheus.CounterVec
	IdempotencyHitsTotal   prometheus.Counter
	NotificationBreakerSet *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stageflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_transitions_total",
			Help: "Total number of stage transition attempts by outcome.",
		}, []string{"from", "to", "outcome"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stageflow_transition_duration_seconds",
			Help:    "Stage transition duration in seconds.",
			Buckets: transitionDurationBuckets,
		}, []string{"from", "to"}),
		TransitionActionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_transition_action_failures_total",
			Help: "Total number of transition actions that failed or were skipped.",
		}, []string{"action"}),
		TasksUnblockedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stageflow_tasks_unblocked_total",
			Help: "Total number of tasks moved from blocked to pending.",
		}),
		TasksCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_tasks_created_total",
			Help: "Total number of tasks created from templates.",
		}, []string{"stage"}),
		ProjectProgressPercent: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stageflow_project_progress_percent",
			Help:    "Overall project progress observed at each recalculation.",
			Buckets: progressBuckets,
		}),
		ListenersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stageflow_listeners_active",
			Help: "Number of running realtime project listeners.",
		}),

		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_definition_reload_total",
			Help: "Total workflow definition reloads.",
		}, []string{"status"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_notifications_total",
			Help: "Total notifications by kind and delivery status.",
		}, []string{"kind", "status"}),
		IdempotencyHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stageflow_idempotency_hits_total",
			Help: "Total transition requests answered from the idempotency store.",
		}),
		NotificationBreakerSet: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stageflow_notification_breaker_state",
			Help: "Notification sink circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"sink"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TransitionsTotal,
		m.TransitionDuration,
		m.TransitionActionFailures,
		m.TasksUnblockedTotal,
		m.TasksCreatedTotal,
		m.ProjectProgressPercent,
		m.ListenersActive,
		m.DefinitionReloadTotal,
		m.NotificationsTotal,
		m.IdempotencyHitsTotal,
		m.NotificationBreakerSet,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordTransition records one transition attempt.
func (m *Metrics) RecordTransition(from, to, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to, outcome).Inc()
	m.TransitionDuration.WithLabelValues(from, to).Observe(duration.Seconds())
}

// RecordActionFailure records a transition action that produced a warning.
func (m *Metrics) RecordActionFailure(action string) {
	if m == nil {
		return
	}
	m.TransitionActionFailures.WithLabelValues(action).Inc()
}

// RecordTasksUnblocked adds n unblocked tasks.
func (m *Metrics) RecordTasksUnblocked(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TasksUnblockedTotal.Add(float64(n))
}

// RecordTasksCreated adds n tasks created for stage.
func (m *Metrics) RecordTasksCreated(stage string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TasksCreatedTotal.WithLabelValues(stage).Add(float64(n))
}

// ObserveProgress records an overall progress value.
func (m *Metrics) ObserveProgress(percent float64) {
	if m == nil {
		return
	}
	m.ProjectProgressPercent.Observe(percent)
}

// ListenerStarted increments the active listener gauge.
func (m *Metrics) ListenerStarted() {
	if m == nil {
		return
	}
	m.ListenersActive.Inc()
}

// ListenerStopped decrements the active listener gauge.
func (m *Metrics) ListenerStopped() {
	if m == nil {
		return
	}
	m.ListenersActive.Dec()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// RecordNotification records a notification delivery attempt.
func (m *Metrics) RecordNotification(kind, status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(kind, status).Inc()
}

// RecordIdempotencyHit records a transition answered from the idempotency store.
func (m *Metrics) RecordIdempotencyHit() {
	if m == nil {
		return
	}
	m.IdempotencyHitsTotal.Inc()
}

// SetNotificationBreakerState sets the breaker state for a sink.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetNotificationBreakerState(sink string, state float64) {
	if m == nil {
		return
	}
	m.NotificationBreakerSet.WithLabelValues(sink).Set(state)
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

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
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
	w.written = true
	return w.ResponseWriter.Write(b)
}
