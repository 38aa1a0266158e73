// Package metrics provides Prometheus instrumentation for the Trustbook platform.
package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustbook",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trustbook",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// BookingTransitionsTotal counts committed lifecycle transitions.
	BookingTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustbook",
			Name:      "booking_transitions_total",
			Help:      "Total committed booking state transitions by from/to state.",
		},
		[]string{"from", "to"},
	)

	// BookingsTotal counts bookings entering each state.
	BookingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustbook",
			Name:      "bookings_total",
			Help:      "Total bookings by state entered.",
		},
		[]string{"status"},
	)

	// EscrowOperationsTotal counts escrow bridge calls by kind and result.
	EscrowOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustbook",
			Name:      "escrow_operations_total",
			Help:      "Total escrow operations by kind (lock/release/refund) and result.",
		},
		[]string{"kind", "result"},
	)

	// RefundsTotal counts computed cancellation refunds by percentage band.
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustbook",
			Name:      "refunds_total",
			Help:      "Total cancellation refunds by refund percentage.",
		},
		[]string{"percentage"},
	)

	// EventEmitTotal counts lifecycle event emissions by type.
	EventEmitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustbook",
			Name:      "event_emit_total",
			Help:      "Total lifecycle events published to the bus by type.",
		},
		[]string{"event_type"},
	)

	// NotifyDeliveriesTotal counts notification delivery attempts by result.
	NotifyDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustbook",
			Name:      "notify_deliveries_total",
			Help:      "Total notification deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "trustbook",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustbook", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustbook", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustbook", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		BookingTransitionsTotal,
		BookingsTotal,
		EscrowOperationsTotal,
		RefundsTotal,
		EventEmitTotal,
		NotifyDeliveriesTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
	)
}

// Middleware returns a gin middleware that records request metrics.
// It uses the route pattern (c.FullPath) rather than the raw URL to
// keep label cardinality bounded.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := statusClass(c.Writer.Status())

		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// CollectDBStats starts a loop that exports database pool stats until ctx ends.
func CollectDBStats(ctx context.Context, db *sql.DB, interval time.Duration) {
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
		}
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
