// Package metrics provides Prometheus metrics for the RelayDrive server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydrive_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaydrive_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Relay transfer metrics
	relayBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaydrive_relay_bytes_uploaded_total",
			Help: "Total bytes sent to the relay backend",
		},
	)

	relayBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaydrive_relay_bytes_downloaded_total",
			Help: "Total bytes streamed from the relay backend",
		},
	)

	relayOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaydrive_relay_operation_duration_seconds",
			Help:    "Relay backend call duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"operation"},
	)

	relayOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydrive_relay_operations_total",
			Help: "Total relay backend calls",
		},
		[]string{"operation", "status"},
	)

	uploadsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydrive_uploads_rejected_total",
			Help: "Uploads rejected before reaching the relay",
		},
		[]string{"reason"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydrive_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	csrfRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaydrive_csrf_rejections_total",
			Help: "Requests rejected by origin validation",
		},
	)

	// Database metrics
	dbConnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydrive_db_connect_attempts_total",
			Help: "Database connection attempts",
		},
		[]string{"result"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaydrive_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaydrive_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	// Rate limit metrics
	rateLimitHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydrive_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
		[]string{"policy"},
	)

	rateLimitBuckets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaydrive_rate_limit_buckets",
			Help: "Rate limit records alive after the last sweep",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordRelayOperation records a relay backend call.
func RecordRelayOperation(operation string, duration time.Duration, success bool) {
	relayOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	relayOperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

// RecordRelayUpload records bytes sent to the relay.
func RecordRelayUpload(bytes int64) {
	relayBytesUploaded.Add(float64(bytes))
}

// RecordRelayDownload records bytes streamed from the relay.
func RecordRelayDownload(bytes int64) {
	relayBytesDownloaded.Add(float64(bytes))
}

// RecordUploadRejected records an upload refused by local validation.
func RecordUploadRejected(reason string) {
	uploadsRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordCSRFRejection records a request refused by origin validation.
func RecordCSRFRejection() {
	csrfRejectionsTotal.Inc()
}

// RecordDBConnect records a database connection attempt.
func RecordDBConnect(success bool) {
	dbConnectAttemptsTotal.WithLabelValues(status(success)).Inc()
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit(policy string) {
	rateLimitHitsTotal.WithLabelValues(policy).Inc()
}

// SetRateLimitBuckets sets the number of live rate limit records.
func SetRateLimitBuckets(count int) {
	rateLimitBuckets.Set(float64(count))
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// responseWriter wraps http.ResponseWriter to capture status code.
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

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled by their chi route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
