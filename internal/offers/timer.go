package offers

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowd/internal/metrics"
)

// Timer periodically expires offers past their expiry.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new offer expiry timer.
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

// Start begins the expiry loop. Call in a goroutine.
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
			t.logger.Error("panic in offer timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep expires one batch of overdue offers and returns how many it moved.
func (t *Timer) Sweep(ctx context.Context) int {
	due, err := t.service.store.ListExpiredOffers(ctx, t.service.now(), 100)
	if err != nil {
		t.logger.Warn("failed to list expired offers", "error", err)
		return 0
	}

	n := 0
	for _, o := range due {
		ok, err := t.service.Expire(ctx, o.ID)
		if err != nil {
			t.logger.Warn("failed to expire offer", "offerId", o.ID, "error", err)
			continue
		}
		if ok {
			n++
			metrics.SweepTransitionsTotal.WithLabelValues("offer_ttl").Inc()
			t.logger.Info("expired offer", "offerId", o.ID, "listingId", o.ListingID, "buyer", o.BuyerID)
		}
	}
	return n
}
