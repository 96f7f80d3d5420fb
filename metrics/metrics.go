// Package metrics exposes the Prometheus collectors of the bridge.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event routes, used as the "route" label of EventsTotal.
const (
	RouteStream     = "stream"
	RouteTracker    = "tracker"
	RoutePermission = "permission"
	RouteSuppressed = "suppressed"
	RouteUnknown    = "unknown"
)

var (
	// EventsTotal counts codex events by tag and the component they were routed to
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codexbridge_events_total",
			Help: "Total number of codex events dispatched",
		},
		[]string{"tag", "route"},
	)

	// PermissionPrompts counts permission prompts emitted to the UI
	PermissionPrompts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codexbridge_permission_prompts_total",
			Help: "Total number of permission prompts emitted",
		},
		[]string{"type"},
	)

	// PermissionDuplicates counts approval requests suppressed as duplicates
	PermissionDuplicates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codexbridge_permission_duplicates_total",
			Help: "Total number of duplicate approval requests suppressed",
		},
		[]string{"tag"},
	)

	// PermissionBuilderFailures counts prompt builders that failed after the id was claimed
	PermissionBuilderFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codexbridge_permission_builder_failures_total",
			Help: "Total number of permission prompt builders that failed",
		},
		[]string{"builder"},
	)

	// PermissionResponses counts user answers forwarded to codex
	PermissionResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codexbridge_permission_responses_total",
			Help: "Total number of permission answers forwarded to codex",
		},
		[]string{"decision"},
	)

	// FanoutDropped counts notifications dropped because a subscriber was slow
	FanoutDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codexbridge_fanout_dropped_total",
			Help: "Total number of notifications dropped due to a full buffer",
		},
		[]string{"channel"},
	)

	// ActiveProcesses tracks running codex child processes
	ActiveProcesses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codexbridge_active_processes",
			Help: "Number of running codex processes",
		},
	)

	// RequestsTotal counts HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codexbridge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks HTTP request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codexbridge_http_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// RecordEvent records one dispatched event
func RecordEvent(tag, route string) {
	EventsTotal.WithLabelValues(tag, route).Inc()
}

// RecordPermissionPrompt records an emitted permission prompt
func RecordPermissionPrompt(permType string) {
	PermissionPrompts.WithLabelValues(permType).Inc()
}

// RecordPermissionDuplicate records a suppressed duplicate approval request
func RecordPermissionDuplicate(tag string) {
	PermissionDuplicates.WithLabelValues(tag).Inc()
}

// RecordBuilderFailure records a failed permission prompt builder
func RecordBuilderFailure(builder string) {
	PermissionBuilderFailures.WithLabelValues(builder).Inc()
}

// RecordPermissionResponse records an answer forwarded to codex
func RecordPermissionResponse(decision string) {
	PermissionResponses.WithLabelValues(decision).Inc()
}

// RecordFanoutDrop records a dropped notification
func RecordFanoutDrop(channel string) {
	FanoutDropped.WithLabelValues(channel).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for streamable HTTP responses
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for WebSocket upgrades
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := normalizePath(r.URL.Path)
		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/ws", "/mcp", "/metrics":
		return path
	default:
		if len(path) > 5 && path[:5] == "/mcp/" {
			return "/mcp"
		}
		return "other"
	}
}
