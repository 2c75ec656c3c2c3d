// Package metrics provides Prometheus instrumentation for the broker.
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
			Namespace: "inferbroker",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inferbroker",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Rendezvous metrics ---

	// PendingOpsCreated counts signing requests registered, by kind.
	PendingOpsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferbroker",
			Name:      "pending_ops_created_total",
			Help:      "Total pending signing operations created, by kind.",
		},
		[]string{"kind"},
	)

	// PendingOpsResolved counts signing requests resolved by a wallet, by kind.
	PendingOpsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferbroker",
			Name:      "pending_ops_resolved_total",
			Help:      "Total pending signing operations resolved, by kind.",
		},
		[]string{"kind"},
	)

	// PendingOpsCancelled counts client-initiated cancellations.
	PendingOpsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inferbroker",
		Name:      "pending_ops_cancelled_total",
		Help:      "Total pending signing operations cancelled by clients.",
	})

	// PendingOpsSwept counts stale entries reclaimed by the background sweep.
	PendingOpsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inferbroker",
		Name:      "pending_ops_swept_total",
		Help:      "Total pending signing operations reclaimed by the sweep.",
	})

	// RendezvousWait observes time from operation creation to resolution.
	RendezvousWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "inferbroker",
		Name:      "rendezvous_wait_seconds",
		Help:      "Time from signing request creation to wallet resolution.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// --- Chain metrics ---

	// TxConfirmationsTotal counts transaction confirmation outcomes.
	TxConfirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferbroker",
			Name:      "tx_confirmations_total",
			Help:      "Transaction confirmation outcomes (confirmed, fallback, failed).",
		},
		[]string{"result"},
	)

	// TxConfirmDuration observes how long confirmation took.
	TxConfirmDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "inferbroker",
		Name:      "tx_confirm_duration_seconds",
		Help:      "Time spent waiting for a transaction receipt.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	// --- Gate metrics ---

	// RateLimitRejections counts requests rejected by a rate gate, by gate kind.
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferbroker",
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by rate limiting, by gate.",
		},
		[]string{"gate"},
	)

	// ActiveSessions tracks live broker sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferbroker",
		Name:      "active_sessions",
		Help:      "Number of live broker sessions.",
	})

	// ActiveWebSocketClients tracks connected notification clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferbroker",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// --- DB / runtime gauges ---

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferbroker", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferbroker", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferbroker", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferbroker", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PendingOpsCreated,
		PendingOpsResolved,
		PendingOpsCancelled,
		PendingOpsSwept,
		RendezvousWait,
		TxConfirmationsTotal,
		TxConfirmDuration,
		RateLimitRejections,
		ActiveSessions,
		ActiveWebSocketClients,
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
