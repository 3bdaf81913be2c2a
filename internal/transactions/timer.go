package transactions

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowd/internal/metrics"
)

const sweepBatch = 100

// Timer periodically cancels transactions whose payment window lapsed and
// completes transactions whose receipt window elapsed.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new transaction deadline timer.
func NewTimer(service *Service, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in transaction timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass of both deadline checks and returns how many
// transactions it moved. Rows already moved by a concurrent caller are
// skipped, so overlapping sweeps are harmless.
func (t *Timer) Sweep(ctx context.Context) (expired, completed int) {
	now := t.service.Clock().Now()
	store := t.service.Store()

	overdue, err := store.ListPaymentOverdue(ctx, now, sweepBatch)
	if err != nil {
		t.logger.Warn("failed to list payment-overdue transactions", "error", err)
	}
	for _, txn := range overdue {
		ok, err := t.service.ExpirePayment(ctx, txn.ID)
		if err != nil {
			t.logger.Warn("failed to expire transaction", "transactionId", txn.ID, "error", err)
			continue
		}
		if ok {
			expired++
			metrics.SweepTransitionsTotal.WithLabelValues("payment_deadline").Inc()
			t.logger.Info("cancelled unpaid transaction", "transactionId", txn.ID, "code", txn.Code, "deadline", txn.PaymentDeadline)
		}
	}

	due, err := store.ListReceiptOverdue(ctx, now, sweepBatch)
	if err != nil {
		t.logger.Warn("failed to list receipt-overdue transactions", "error", err)
	}
	for _, txn := range due {
		ok, err := t.service.AutoComplete(ctx, txn.ID)
		if err != nil {
			t.logger.Warn("failed to auto-complete transaction", "transactionId", txn.ID, "error", err)
			continue
		}
		if ok {
			completed++
			metrics.SweepTransitionsTotal.WithLabelValues("receipt_window").Inc()
			t.logger.Info("auto-completed transaction", "transactionId", txn.ID, "code", txn.Code, "seller", txn.SellerID, "amount", txn.SellerNetAmount)
		}
	}
	return expired, completed
}
