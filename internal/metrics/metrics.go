package metrics

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudfiles_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudfiles_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudfiles_http_requests_in_flight",
			Help: "Current number of HTTP requests being served",
		},
	)

	// File metrics
	FilesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudfiles_files_uploaded_total",
			Help: "Total number of files uploaded",
		},
	)

	UploadedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudfiles_uploaded_bytes_total",
			Help: "Total bytes accepted by uploads",
		},
	)

	FilesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudfiles_files_deleted_total",
			Help: "Total number of files deleted",
		},
	)

	Downloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudfiles_downloads_total",
			Help: "Total number of file downloads",
		},
		[]string{"route"},
	)

	ShareChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudfiles_share_changes_total",
			Help: "Share entries added or removed",
		},
		[]string{"action"},
	)

	QuotaRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudfiles_quota_rejections_total",
			Help: "Uploads rejected because they would exceed the owner's quota",
		},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudfiles_rate_limited_requests_total",
			Help: "Requests rejected by the per-IP rate limiter",
		},
	)

	OrphansSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudfiles_orphans_swept_total",
			Help: "Stored objects deleted because no file record referenced them",
		},
	)

	// Authentication metrics
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudfiles_login_attempts_total",
			Help: "Total number of login attempts",
		},
		[]string{"status"},
	)

	RegisterAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudfiles_register_attempts_total",
			Help: "Total number of registration attempts",
		},
		[]string{"status"},
	)

	// Database metrics
	DatabaseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudfiles_database_connections_active",
			Help: "Current number of active database connections",
		},
	)

	DatabaseConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudfiles_database_connections_idle",
			Help: "Current number of idle database connections",
		},
	)
)

// RecordHTTPRequest records metrics for an HTTP request
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusStr := httpStatusToString(status)
	HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

func httpStatusToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	}
	return "unknown"
}

func RecordFileUpload(size int64) {
	FilesUploaded.Inc()
	UploadedBytes.Add(float64(size))
}

func RecordFileDelete() {
	FilesDeleted.Inc()
}

// RecordDownload counts a served download; route is "download" or "public".
func RecordDownload(route string) {
	Downloads.WithLabelValues(route).Inc()
}

// RecordShare counts a share change; action is "share" or "unshare".
func RecordShare(action string) {
	ShareChanges.WithLabelValues(action).Inc()
}

func RecordLogin(success bool) {
	LoginAttempts.WithLabelValues(outcome(success)).Inc()
}

func RecordRegistration(success bool) {
	RegisterAttempts.WithLabelValues(outcome(success)).Inc()
}

// RecordDBStats copies connection pool figures into the database gauges.
func RecordDBStats(stats sql.DBStats) {
	DatabaseConnectionsActive.Set(float64(stats.InUse))
	DatabaseConnectionsIdle.Set(float64(stats.Idle))
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
