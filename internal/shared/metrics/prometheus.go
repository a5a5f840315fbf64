package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Complaint metrics
	complaintsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complaints_created_total",
			Help: "Total number of complaints filed",
		},
		[]string{"department", "priority"},
	)

	complaintUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complaint_updates_total",
			Help: "Total number of complaint updates by outcome",
		},
		[]string{"outcome"},
	)

	complaintAppendConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "complaint_append_conflicts_total",
			Help: "Timeline appends retried after a concurrent write",
		},
	)

	mirrorRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complaint_mirror_refreshes_total",
			Help: "Full complaint list refreshes by outcome",
		},
		[]string{"outcome"},
	)

	mirrorSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "complaint_mirror_size",
			Help: "Number of complaints held in the local mirror",
		},
	)

	// Realtime metrics
	notificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_created_total",
			Help: "Notifications derived from complaint changes",
		},
		[]string{"status"},
	)

	alertsShown = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_shown_total",
			Help: "Transient alerts shown to users",
		},
		[]string{"kind"},
	)

	subscriptionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_reconnects_total",
			Help: "Change feed resubscriptions",
		},
		[]string{"subscriber"},
	)

	emailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Outbound emails by outcome",
		},
		[]string{"kind", "outcome"},
	)

	domainEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "domain_events_consumed_total",
			Help: "Complaint and feedback events seen by the activity log",
		},
		[]string{"type"},
	)

	// Identity metrics
	identityOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_operations_total",
			Help: "Login, signup and logout attempts by outcome",
		},
		[]string{"operation", "outcome"},
	)

	// Remote store metrics
	storeCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remote_store_call_duration_seconds",
			Help:    "Remote store call duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := routePattern(r)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
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

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack hands the connection to websocket upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// routePattern labels requests by their chi route template so complaint ids
// do not explode cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// --- Business metric helpers ---

// RecordComplaintCreated records a filed complaint
func RecordComplaintCreated(department, priority string) {
	complaintsCreated.WithLabelValues(department, priority).Inc()
}

// RecordComplaintUpdate records an update outcome: ok, failed, not_found
func RecordComplaintUpdate(outcome string) {
	complaintUpdates.WithLabelValues(outcome).Inc()
}

// RecordAppendConflict records an optimistic concurrency retry
func RecordAppendConflict() {
	complaintAppendConflicts.Inc()
}

// RecordRefresh records a full mirror refresh
func RecordRefresh(ok bool, size int) {
	if !ok {
		mirrorRefreshes.WithLabelValues("failed").Inc()
		return
	}
	mirrorRefreshes.WithLabelValues("ok").Inc()
	mirrorSize.Set(float64(size))
}

// RecordMirrorSize records the mirror size after an incremental merge
func RecordMirrorSize(size int) {
	mirrorSize.Set(float64(size))
}

// RecordNotification records a derived notification
func RecordNotification(status string) {
	notificationsCreated.WithLabelValues(status).Inc()
}

// RecordAlert records a shown alert
func RecordAlert(kind string) {
	alertsShown.WithLabelValues(kind).Inc()
}

// RecordReconnect records a change feed resubscription
func RecordReconnect(subscriber string) {
	subscriptionReconnects.WithLabelValues(subscriber).Inc()
}

// RecordEmail records an outbound email attempt
func RecordEmail(kind string, err error) {
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	emailsSent.WithLabelValues(kind, outcome).Inc()
}

// RecordDomainEvent records an event consumed from the event bus
func RecordDomainEvent(eventType string) {
	domainEvents.WithLabelValues(eventType).Inc()
}

// RecordIdentity records an identity operation
func RecordIdentity(operation string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	identityOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordStoreCall records a remote store call duration
func RecordStoreCall(operation string, duration time.Duration) {
	storeCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
