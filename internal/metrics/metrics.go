// Package metrics provides Prometheus instrumentation for the Guardian scan engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "guardian",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ScansTotal counts scan sessions by final status.
	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "scans_total",
			Help:      "Total scan sessions by final status.",
		},
		[]string{"status"},
	)

	// ScanDuration observes end-to-end scan latency.
	ScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "guardian",
		Name:      "scan_duration_seconds",
		Help:      "Scan session duration from launch to final score.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 4, 6, 8, 10, 15},
	})

	// ProbesTotal counts probe executions by type and terminal status.
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "probes_total",
			Help:      "Total probe executions by probe type and terminal status.",
		},
		[]string{"type", "status"},
	)

	// ProbeDuration observes per-probe latency by type.
	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "guardian",
			Name:      "probe_duration_seconds",
			Help:      "Probe execution duration in seconds by probe type.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 8},
		},
		[]string{"type"},
	)

	// CacheHitsTotal counts evidence cache hits by probe type.
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "evidence_cache_hits_total",
			Help:      "Evidence cache hits by probe type.",
		},
		[]string{"type"},
	)

	// CacheMissesTotal counts evidence cache misses by probe type.
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "evidence_cache_misses_total",
			Help:      "Evidence cache misses by probe type.",
		},
		[]string{"type"},
	)

	// SingleflightSharedTotal counts provider fetches that were collapsed into
	// another in-flight fetch for the same key.
	SingleflightSharedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guardian",
		Name:      "evidence_singleflight_shared_total",
		Help:      "Provider fetches collapsed into an existing in-flight fetch.",
	})

	// RateLimitRejectionsTotal counts requests rejected by the rate limiter.
	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "ratelimit_rejections_total",
			Help:      "Requests rejected by the rate limiter, by key kind.",
		},
		[]string{"kind"},
	)

	// IdempotencyTotal counts idempotency guard outcomes.
	IdempotencyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "idempotency_checks_total",
			Help:      "Idempotency guard check outcomes (new, duplicate, pending, conflict).",
		},
		[]string{"outcome"},
	)

	// SimulationsTotal counts revoke simulations by predicted outcome.
	SimulationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "revoke_simulations_total",
			Help:      "Revoke pre-execution simulations by predicted outcome.",
		},
		[]string{"outcome"},
	)

	// ActiveScanStreams tracks currently open scan result streams.
	ActiveScanStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guardian",
		Name:      "active_scan_streams",
		Help:      "Number of currently open scan result streams.",
	})

	// ActiveWebSocketClients tracks connected live-feed WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guardian",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// ProviderErrorsTotal counts provider fetch failures by provider host.
	ProviderErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "provider_errors_total",
			Help:      "Evidence provider fetch failures by provider.",
		},
		[]string{"provider"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guardian", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guardian", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guardian", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guardian", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ScansTotal,
		ScanDuration,
		ProbesTotal,
		ProbeDuration,
		CacheHitsTotal,
		CacheMissesTotal,
		SingleflightSharedTotal,
		RateLimitRejectionsTotal,
		IdempotencyTotal,
		SimulationsTotal,
		ActiveScanStreams,
		ActiveWebSocketClients,
		ProviderErrorsTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
