// Package metrics keeps the teacher's prometheus/client_golang registry
// shape (promauto vectors plus an HTTP middleware that records request
// counts/latency), relabeled for the chat-bridge domain: sessions
// started/completed, control-request decisions, progress edits, and a
// per-run cost histogram, instead of the teacher's container/project
// counters.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests against the webhook trigger.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "untether_requests_total",
			Help: "Total number of HTTP requests to the webhook trigger",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks webhook request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "untether_request_duration_seconds",
			Help:    "Webhook request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SessionsStarted counts sessions that reached a StartedEvent, per engine.
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "untether_sessions_started_total",
			Help: "Total number of agent sessions started",
		},
		[]string{"engine"},
	)

	// SessionsCompleted counts sessions that reached a CompletedEvent, per
	// engine and outcome.
	SessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "untether_sessions_completed_total",
			Help: "Total number of agent sessions completed",
		},
		[]string{"engine", "ok"},
	)

	// ControlRequests counts control-request classifications, per subtype
	// and decision (auto_approve, auto_deny, interactive).
	ControlRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "untether_control_requests_total",
			Help: "Total number of control requests classified",
		},
		[]string{"subtype", "decision"},
	)

	// ProgressEdits counts anchor-message edit/replace calls issued by the
	// Progress Editor.
	ProgressEdits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "untether_progress_edits_total",
			Help: "Total number of anchor message edits",
		},
		[]string{"replace"},
	)

	// RunCostUSD records each completed run's reported cost.
	RunCostUSD = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "untether_run_cost_usd",
			Help:    "Reported cost in USD of one completed agent run",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 25},
		},
		[]string{"engine"},
	)

	// ActiveSessions tracks currently active sessions, per engine.
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "untether_active_sessions",
			Help: "Number of active agent sessions",
		},
		[]string{"engine"},
	)
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request count/latency for the webhook trigger's HTTP
// server.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath avoids high-cardinality path labels for per-webhook-id routes.
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/metrics":
		return path
	default:
		if len(path) >= 6 && path[:6] == "/hooks" {
			return "/hooks/{id}"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionStart increments the active-session gauge and the
// started-total counter for engine.
func RecordSessionStart(engine string) {
	SessionsStarted.WithLabelValues(engine).Inc()
	ActiveSessions.WithLabelValues(engine).Inc()
}

// RecordSessionEnd decrements the active-session gauge and records the
// completed-total counter and, if costUSD > 0, the cost histogram.
func RecordSessionEnd(engine string, ok bool, costUSD float64) {
	ActiveSessions.WithLabelValues(engine).Dec()
	SessionsCompleted.WithLabelValues(engine, strconv.FormatBool(ok)).Inc()
	if costUSD > 0 {
		RunCostUSD.WithLabelValues(engine).Observe(costUSD)
	}
}

// RecordControlDecision records one control-request classification.
func RecordControlDecision(subtype, decision string) {
	ControlRequests.WithLabelValues(subtype, decision).Inc()
}

// RecordProgressEdit records one anchor-message edit/replace call.
func RecordProgressEdit(replace bool) {
	ProgressEdits.WithLabelValues(strconv.FormatBool(replace)).Inc()
}
