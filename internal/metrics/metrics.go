// Package metrics provides Prometheus metrics for the filevault service.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filevault_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Content transfer metrics
	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filevault_bytes_uploaded_total",
			Help: "Total bytes written to storage providers",
		},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filevault_bytes_downloaded_total",
			Help: "Total bytes read from storage providers",
		},
	)

	uploadBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_upload_batches_total",
			Help: "Upload batches by outcome",
		},
		[]string{"result"},
	)

	uploadBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "filevault_upload_batch_files",
			Help:    "Number of files per upload batch",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)

	orphansReclaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_orphans_reclaimed_total",
			Help: "Objects from abandoned upload tasks removed after a batch aborted",
		},
		[]string{"provider", "result"},
	)

	// Provider metrics
	providerOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filevault_provider_operation_duration_seconds",
			Help:    "Storage provider operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	providerOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_provider_operations_total",
			Help: "Total storage provider operations",
		},
		[]string{"provider", "operation", "status"},
	)

	clientInitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_client_init_total",
			Help: "Storage client construction attempts",
		},
		[]string{"provider", "result"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filevault_db_query_duration_seconds",
			Help:    "Metadata store query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"store", "query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filevault_db_connections_open",
			Help: "Number of open database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordProviderOperation records a storage provider call. bytes is only
// counted on success.
func RecordProviderOperation(provider, operation string, duration time.Duration, bytes int64, success bool) {
	providerOperationDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
	providerOperationsTotal.WithLabelValues(provider, operation, status(success)).Inc()
	if !success || bytes <= 0 {
		return
	}
	switch operation {
	case "upload":
		bytesUploaded.Add(float64(bytes))
	case "download":
		bytesDownloaded.Add(float64(bytes))
	}
}

// RecordClientInit records a storage client construction attempt.
func RecordClientInit(provider string, success bool) {
	clientInitTotal.WithLabelValues(provider, status(success)).Inc()
}

// RecordUploadBatch records the outcome of an upload batch.
// result is one of "success", "invalid", "error", "timeout".
func RecordUploadBatch(files int, result string) {
	uploadBatchSize.Observe(float64(files))
	uploadBatchesTotal.WithLabelValues(result).Inc()
}

// RecordOrphanReclaim records removal of an object left by an abandoned upload task.
func RecordOrphanReclaim(provider string, success bool) {
	orphansReclaimedTotal.WithLabelValues(provider, status(success)).Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordDBQuery records a metadata store query duration.
func RecordDBQuery(store, query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(store, query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
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

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. It must
// wrap a ServeMux directly so the matched route pattern is available as the
// path label; unmatched requests share one label.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
