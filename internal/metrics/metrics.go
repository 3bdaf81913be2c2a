// Package metrics provides Prometheus instrumentation for the escrow engine.
package metrics

import (
	"database/sql"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric exported by the service.
const Namespace = "escrowd"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OffersTotal counts offer lifecycle events.
	OffersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "offers_total",
			Help:      "Offer lifecycle events by resulting status.",
		},
		[]string{"status"},
	)

	// TransactionTransitionsTotal counts committed transaction transitions.
	TransactionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transaction_transitions_total",
			Help:      "Committed transaction transitions by action and resulting status.",
		},
		[]string{"action", "status"},
	)

	// IllegalTransitionsTotal counts rejected state moves. A sustained rate
	// usually means clients are acting on stale views.
	IllegalTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "illegal_transitions_total",
			Help:      "Rejected transitions by entity kind and action.",
		},
		[]string{"kind", "action"},
	)

	// GatewayCallsTotal counts payment gateway calls by operation and result.
	GatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "gateway_calls_total",
			Help:      "Payment gateway calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	// GatewayCallDuration observes gateway latency by operation.
	GatewayCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Payment gateway call duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"op"},
	)

	// PayoutsTotal counts payout outbox deliveries by kind and result.
	PayoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "payouts_total",
			Help:      "Payout deliveries by kind and result (sent, retry, failed).",
		},
		[]string{"kind", "result"},
	)

	// NotificationsTotal counts notification dispatches by sink and result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "notifications_total",
			Help:      "Notification dispatches by sink and result.",
		},
		[]string{"sink", "result"},
	)

	// SweepTransitionsTotal counts rows transitioned by background sweeps.
	SweepTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sweep_transitions_total",
			Help:      "Rows transitioned by background sweeps.",
		},
		[]string{"sweep"},
	)

	// FlaggedTransactionsTotal counts transactions flagged for ops follow-up.
	FlaggedTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "flagged_transactions_total",
			Help:      "Transactions flagged for manual follow-up by cause.",
		},
		[]string{"cause"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// HTTPInFlight tracks requests currently being served.
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "http_requests_in_flight",
		Help:      "Requests currently being served.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPInFlight,
		OffersTotal,
		TransactionTransitionsTotal,
		IllegalTransitionsTotal,
		GatewayCallsTotal,
		GatewayCallDuration,
		PayoutsTotal,
		NotificationsTotal,
		SweepTransitionsTotal,
		FlaggedTransactionsTotal,
		ActiveWebSocketClients,
	)
}

// RegisterDB exports connection pool stats for db as go_sql_* series
// labelled db_name="escrowd". Registering twice is not an error.
func RegisterDB(db *sql.DB) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, Namespace))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		HTTPInFlight.Inc()
		defer HTTPInFlight.Dec()

		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps label cardinality bounded
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

// Handler serves the default registry on /metrics, negotiating
// OpenMetrics when the scraper asks for it.
func Handler() gin.HandlerFunc {
	h := promhttp.InstrumentMetricHandler(prometheus.DefaultRegisterer,
		promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
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
