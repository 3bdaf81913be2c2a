package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/metrics"
)

// Async hands events to a sink on background goroutines so the caller
// never waits on delivery. At most limit deliveries run at once; events
// arriving while all slots are busy are dropped and counted.
type Async struct {
	name    string
	next    Notifier
	sem     chan struct{}
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewAsync wraps next. name labels metrics and logs.
func NewAsync(name string, next Notifier, limit int, timeout time.Duration, logger *slog.Logger) *Async {
	if limit <= 0 {
		limit = 64
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{
		name:    name,
		next:    next,
		sem:     make(chan struct{}, limit),
		timeout: timeout,
		logger:  logger,
	}
}

// Notify schedules delivery and returns immediately. It always returns nil.
func (a *Async) Notify(_ context.Context, e Event) error {
	select {
	case a.sem <- struct{}{}:
	default:
		metrics.NotificationsTotal.WithLabelValues(a.name, "dropped").Inc()
		a.logger.Warn("notification dropped, sink saturated", "sink", a.name, "type", e.Type, "userId", e.UserID)
		return nil
	}

	a.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				metrics.NotificationsTotal.WithLabelValues(a.name, "error").Inc()
				a.logger.Error("panic in notification sink", "sink", a.name, "panic", r)
			}
			<-a.sem
			a.wg.Done()
		}()

		// Detached from the request: delivery outlives the handler.
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		if err := a.next.Notify(ctx, e); err != nil {
			metrics.NotificationsTotal.WithLabelValues(a.name, "error").Inc()
			a.logger.Warn("notification failed", "sink", a.name, "type", e.Type, "userId", e.UserID, "error", err)
			return
		}
		metrics.NotificationsTotal.WithLabelValues(a.name, "ok").Inc()
	}()
	return nil
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (a *Async) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
