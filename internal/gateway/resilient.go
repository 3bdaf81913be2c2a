package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/domain"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/traces"
)

// Resilient retries transient gateway failures with backoff and stops
// calling a failing provider through a circuit breaker. Errors that
// survive are wrapped in *domain.GatewayError.
type Resilient struct {
	next      Gateway
	attempts  int
	baseDelay time.Duration
	breaker   *circuitbreaker.Breaker
}

// NewResilient wraps next.
func NewResilient(next Gateway, attempts int, baseDelay time.Duration, breaker *circuitbreaker.Breaker) *Resilient {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &Resilient{next: next, attempts: attempts, baseDelay: baseDelay, breaker: breaker}
}

// Charge implements Gateway.
func (r *Resilient) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	ctx, span := traces.StartSpan(ctx, "gateway.Charge", traces.Amount(req.Amount))
	defer span.End()

	var res *ChargeResult
	err := r.call(ctx, "charge", func(ctx context.Context) error {
		var err error
		res, err = r.next.Charge(ctx, req)
		return err
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, &domain.GatewayError{Op: "charge", Err: err}
	}
	return res, nil
}

// Payout implements Gateway.
func (r *Resilient) Payout(ctx context.Context, req PayoutRequest) (string, error) {
	ctx, span := traces.StartSpan(ctx, "gateway.Payout", traces.Amount(req.Amount))
	defer span.End()

	var ref string
	err := r.call(ctx, "payout", func(ctx context.Context) error {
		var err error
		ref, err = r.next.Payout(ctx, req)
		return err
	})
	if err != nil {
		traces.Fail(span, err)
		return "", &domain.GatewayError{Op: "payout", Err: err}
	}
	return ref, nil
}

func (r *Resilient) call(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := retry.Do(ctx, r.attempts, r.baseDelay, func() error {
		err := r.breaker.Execute(op, func() error { return fn(ctx) }, countable)
		if errors.Is(err, ErrDeclined) || errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
	metrics.GatewayCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.GatewayCallsTotal.WithLabelValues(op, result(err)).Inc()
	return err
}

// Check reports an error while any gateway operation's breaker is not
// closed. It serves health checks and never calls the provider.
func (r *Resilient) Check(context.Context) error {
	for op, st := range r.breaker.Snapshot() {
		if st != circuitbreaker.StateClosed {
			return fmt.Errorf("%s circuit %s", op, st)
		}
	}
	return nil
}

func countable(err error) bool {
	return !errors.Is(err, ErrDeclined)
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDeclined):
		return "declined"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "circuit_open"
	default:
		return "error"
	}
}
