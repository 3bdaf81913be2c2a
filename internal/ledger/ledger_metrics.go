package ledger

import (
	"time"

	"github.com/mbd888/escrowd/internal/domain"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Ledger operations by kind and outcome (ok or the domain error code).",
	}, []string{"op", "outcome"})

	operationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "ledger",
		Name:      "operation_duration_seconds",
		Help:      "Time spent inside a ledger operation, excluding commit.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}, []string{"op"})

	// movedMinor is the money that entered custody (hold) or left it
	// (release, refund, return_charge), in minor units. hold minus the rest
	// approximates the balance currently in escrow.
	movedMinor = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "ledger",
		Name:      "amount_minor_total",
		Help:      "Minor units moved by successful ledger operations.",
	}, []string{"op"})

	// integrityViolations counts double holds, double releases and
	// releases without a hold. Any non-zero rate is worth paging on.
	integrityViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "ledger",
		Name:      "integrity_violations_total",
		Help:      "Ledger integrity violations by operation and error code.",
	}, []string{"op", "code"})
)

func init() {
	prometheus.MustRegister(operations, operationSeconds, movedMinor, integrityViolations)
}

// track is deferred by each ledger operation. amount is only evaluated
// when the operation succeeded.
func track(op string, start time.Time, amount func() int64, errp *error) {
	operationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err := *errp; err != nil {
		operations.WithLabelValues(op, domain.CodeOf(err)).Inc()
		return
	}
	operations.WithLabelValues(op, "ok").Inc()
	movedMinor.WithLabelValues(op).Add(float64(amount()))
}
