// Package payouts delivers the ledger's payout outbox to the payment
// gateway.
//
// Release and refund write a pending Payout row in the same atomic unit
// that moves the hold. A release row names the seller; Accounts records
// where each seller is paid. The Dispatcher picks due rows up after commit,
// calls the gateway with the payout id as idempotency key, and records
// the outcome. Delivery is at least once; the gateway's idempotency makes
// a repeated call harmless.
package payouts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowd/internal/domain"
	"github.com/mbd888/escrowd/internal/gateway"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/notify"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/storage"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/transactions"
)

const (
	DefaultMaxAttempts = 8
	DefaultBaseDelay   = 30 * time.Second
	DefaultMaxDelay    = 1 * time.Hour

	dispatchBatch = 50
	// claimLease keeps a row away from other dispatchers while its gateway
	// call is in flight.
	claimLease = 5 * time.Minute
)

// Dispatcher delivers pending payouts.
type Dispatcher struct {
	store       storage.Store
	gateway     gateway.Gateway
	txns        *transactions.Service
	notifier    notify.Notifier
	logger      *slog.Logger
	interval    time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	mu      sync.Mutex // one DispatchDue pass at a time per process
	kick    chan struct{}
	stop    chan struct{}
	running atomic.Bool
}

// NewDispatcher creates a payout dispatcher. txns supplies the clock and
// flags transactions whose payout could not be delivered.
func NewDispatcher(store storage.Store, gw gateway.Gateway, txns *transactions.Service, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       store,
		gateway:     gw,
		txns:        txns,
		notifier:    notify.Nop{},
		logger:      logger,
		interval:    30 * time.Second,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		kick:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval.
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

// WithMaxAttempts sets how many deliveries are tried before a payout is
// marked failed.
func (d *Dispatcher) WithMaxAttempts(n int) *Dispatcher {
	if n > 0 {
		d.maxAttempts = n
	}
	return d
}

// WithBackoff sets the delay between attempts: base doubled per attempt,
// capped at max.
func (d *Dispatcher) WithBackoff(base, max time.Duration) *Dispatcher {
	if base > 0 {
		d.baseDelay = base
	}
	if max > 0 {
		d.maxDelay = max
	}
	return d
}

// WithNotifier sets where payout.sent and payout.failed go.
func (d *Dispatcher) WithNotifier(n notify.Notifier) *Dispatcher {
	if n != nil {
		d.notifier = n
	}
	return d
}

// Trigger wakes the loop without waiting for the next tick. It never blocks.
func (d *Dispatcher) Trigger() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Running reports whether the dispatch loop is actively running.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Start runs the dispatch loop. Call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.safeDispatch(ctx)
		case <-d.kick:
			d.safeDispatch(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (d *Dispatcher) Stop() {
	select {
	case d.stop <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) safeDispatch(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in payout dispatcher", "panic", fmt.Sprint(r))
		}
	}()
	d.DispatchDue(ctx)
}

// DispatchDue makes one pass over due payouts and returns how many were
// sent and how many were given up on.
func (d *Dispatcher) DispatchDue(ctx context.Context) (sent, failed int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	due, err := d.store.ListDuePayouts(ctx, d.txns.Clock().Now(), dispatchBatch)
	if err != nil {
		d.logger.Warn("failed to list due payouts", "error", err)
		return 0, 0
	}
	for _, p := range due {
		if ctx.Err() != nil {
			return sent, failed
		}
		switch d.deliver(ctx, p.ID) {
		case domain.PayoutSent:
			sent++
		case domain.PayoutFailed:
			failed++
		}
	}
	return sent, failed
}

// deliver attempts one payout and returns its resulting status, or ""
// when the row was not claimable.
func (d *Dispatcher) deliver(ctx context.Context, id string) domain.PayoutStatus {
	ctx, span := traces.StartSpan(ctx, "payouts.deliver", traces.PayoutID(id))
	defer span.End()

	p, err := d.claim(ctx, id)
	if err != nil {
		d.logger.Warn("failed to claim payout", "payoutId", id, "error", err)
		return ""
	}
	if p == nil {
		return ""
	}

	var ref string
	if p.Amount > 0 {
		ref, err = d.send(ctx, p)
	}
	if err != nil {
		traces.Fail(span, err)
		return d.recordFailure(ctx, p, err)
	}
	return d.recordSuccess(ctx, p, ref)
}

// send hands p to the gateway. A release names the seller, so it goes to
// the seller's payout account; a seller who has none yet is retried like
// any other failed attempt.
func (d *Dispatcher) send(ctx context.Context, p *domain.Payout) (string, error) {
	payee := p.PayeeRef
	if p.Kind == domain.PayoutRelease {
		acct, err := d.store.GetPayoutAccount(ctx, p.PayeeRef)
		if err != nil {
			return "", fmt.Errorf("resolve payout account for %s: %w", p.PayeeRef, err)
		}
		payee = acct.AccountRef
	}
	return d.gateway.Payout(ctx, gateway.PayoutRequest{
		Amount:         p.Amount,
		PayeeRef:       payee,
		IdempotencyKey: p.ID,
	})
}

// claim bumps the attempt count and pushes the next attempt past the lease,
// so a concurrent dispatcher skips the row. It returns nil if the row is no
// longer due.
func (d *Dispatcher) claim(ctx context.Context, id string) (*domain.Payout, error) {
	var claimed *domain.Payout
	err := d.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		p, err := tx.LockPayout(ctx, id)
		if err != nil {
			return err
		}
		now := d.txns.Clock().Now()
		if p.Status != domain.PayoutPending || p.NextAttemptAt.After(now) {
			return nil
		}
		p.Attempts++
		p.NextAttemptAt = now.Add(claimLease)
		p.UpdatedAt = now
		if err := tx.UpdatePayout(ctx, p); err != nil {
			return err
		}
		claimed = p
		return nil
	})
	return claimed, err
}

func (d *Dispatcher) recordSuccess(ctx context.Context, p *domain.Payout, ref string) domain.PayoutStatus {
	now := d.txns.Clock().Now()
	err := d.update(ctx, p.ID, func(p *domain.Payout) {
		p.Status = domain.PayoutSent
		p.GatewayRef = ref
		p.LastError = ""
		p.SentAt = &now
		p.UpdatedAt = now
	})
	if err != nil {
		// The money moved; the next pass re-sends with the same key and the
		// gateway answers with the first result.
		d.logger.Error("payout sent but not recorded", "payoutId", p.ID, "gatewayRef", ref, "error", err)
		return ""
	}
	metrics.PayoutsTotal.WithLabelValues(string(p.Kind), "sent").Inc()
	d.logger.Info("payout sent",
		"payoutId", p.ID, "transactionId", p.TransactionID, "kind", p.Kind, "amount", p.Amount, "gatewayRef", ref)
	d.notify(ctx, p, notify.EventPayoutSent, map[string]any{"gatewayRef": ref})
	return domain.PayoutSent
}

func (d *Dispatcher) recordFailure(ctx context.Context, p *domain.Payout, cause error) domain.PayoutStatus {
	now := d.txns.Clock().Now()
	giveUp := p.Attempts >= d.maxAttempts || errors.Is(cause, gateway.ErrDeclined)

	err := d.update(ctx, p.ID, func(p *domain.Payout) {
		p.LastError = cause.Error()
		p.UpdatedAt = now
		if giveUp {
			p.Status = domain.PayoutFailed
			return
		}
		p.NextAttemptAt = now.Add(retry.Backoff(p.Attempts-1, d.baseDelay, d.maxDelay))
	})
	if err != nil {
		d.logger.Error("failed to record payout failure", "payoutId", p.ID, "error", err)
		return ""
	}

	if !giveUp {
		metrics.PayoutsTotal.WithLabelValues(string(p.Kind), "retry").Inc()
		d.logger.Warn("payout attempt failed, will retry",
			"payoutId", p.ID, "transactionId", p.TransactionID, "attempt", p.Attempts, "error", cause)
		return domain.PayoutPending
	}

	metrics.PayoutsTotal.WithLabelValues(string(p.Kind), "failed").Inc()
	d.logger.Error("payout failed permanently",
		"payoutId", p.ID, "transactionId", p.TransactionID, "attempts", p.Attempts, "error", cause)
	if err := d.txns.Flag(ctx, p.TransactionID, "payout_failed", fmt.Sprintf("%s %s: %v", p.Kind, p.ID, cause)); err != nil {
		d.logger.Error("failed to flag transaction", "transactionId", p.TransactionID, "error", err)
	}
	d.notify(ctx, p, notify.EventPayoutFailed, map[string]any{"error": cause.Error()})
	return domain.PayoutFailed
}

func (d *Dispatcher) update(ctx context.Context, id string, fn func(*domain.Payout)) error {
	return d.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		p, err := tx.LockPayout(ctx, id)
		if err != nil {
			return err
		}
		fn(p)
		return tx.UpdatePayout(ctx, p)
	})
}

// notify tells the payee: the seller for a release, the buyer for a refund.
func (d *Dispatcher) notify(ctx context.Context, p *domain.Payout, typ notify.EventType, extra map[string]any) {
	t, err := d.store.GetTransaction(ctx, p.TransactionID)
	if err != nil {
		d.logger.Warn("payout notification skipped", "payoutId", p.ID, "error", err)
		return
	}
	user := t.SellerID
	if p.Kind == domain.PayoutRefund {
		user = t.BuyerID
	}
	payload := map[string]any{
		"payoutId":      p.ID,
		"transactionId": t.ID,
		"code":          t.Code,
		"kind":          p.Kind,
		"amount":        p.Amount,
	}
	for k, v := range extra {
		payload[k] = v
	}
	e := notify.Event{
		ID:      idgen.WithPrefix(idgen.PrefixEvent),
		UserID:  user,
		Type:    typ,
		Payload: payload,
		At:      d.txns.Clock().Now(),
	}
	if err := d.notifier.Notify(ctx, e); err != nil {
		d.logger.Warn("payout notification failed", "payoutId", p.ID, "error", err)
	}
}
