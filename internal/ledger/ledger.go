// Package ledger tracks custody of escrowed funds per transaction,
// independent of the transaction's business status.
//
// Every fund movement runs inside the caller's storage.Tx, so the ledger
// row and the transaction status change commit together. Release and
// Refund are the only functions that enqueue a payout for the payment
// gateway; the payout is written to the outbox in the same unit and
// delivered after commit.
//
// Integrity violations (AlreadyHeld, AlreadyReleased) are never swallowed:
// they are logged at error level, counted, and returned.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/clock"
	"github.com/mbd888/escrowd/internal/domain"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/storage"
)

// Ledger moves held funds between held, released and refunded.
type Ledger struct {
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a ledger.
func New(clk clock.Clock, logger *slog.Logger) *Ledger {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{clock: clk, logger: logger}
}

// Hold records that amount is now in platform custody for transactionID.
// It fails with ErrAlreadyHeld if a hold record exists, released or not.
func (l *Ledger) Hold(ctx context.Context, tx storage.Tx, transactionID string, amount int64) (_ *domain.EscrowHold, err error) {
	defer track("hold", time.Now(), func() int64 { return amount }, &err)

	if amount <= 0 {
		return nil, domain.Invalid("hold amount must be positive, got %d", amount)
	}

	existing, err := tx.LockHold(ctx, transactionID)
	switch {
	case err == nil:
		return nil, l.violation(ctx, "hold", domain.ErrAlreadyHeld, transactionID,
			"held_amount", existing.HeldAmount, "released_at", existing.ReleasedAt)
	case !errors.Is(err, domain.ErrHoldNotFound):
		return nil, err
	}

	hold := &domain.EscrowHold{
		TransactionID: transactionID,
		HeldAmount:    amount,
		HeldAt:        l.clock.Now(),
	}
	if err := tx.CreateHold(ctx, hold); err != nil {
		if errors.Is(err, domain.ErrAlreadyHeld) {
			return nil, l.violation(ctx, "hold", err, transactionID)
		}
		return nil, err
	}
	return hold, nil
}

// Release pays the seller's net amount out of the hold and enqueues the
// payout. It fails with ErrNotHeld if there is no hold and with
// ErrAlreadyReleased if the hold was already released or refunded.
func (l *Ledger) Release(ctx context.Context, tx storage.Tx, t *domain.Transaction, reason string) (hold *domain.EscrowHold, payout *domain.Payout, err error) {
	defer track("release", time.Now(), func() int64 { return payout.Amount }, &err)
	return l.settle(ctx, tx, t, domain.PartySeller, reason)
}

// Refund returns the full held amount to the buyer and enqueues the
// refund. It has the same exclusivity guarantees as Release.
func (l *Ledger) Refund(ctx context.Context, tx storage.Tx, t *domain.Transaction, reason string) (hold *domain.EscrowHold, payout *domain.Payout, err error) {
	defer track("refund", time.Now(), func() int64 { return payout.Amount }, &err)
	return l.settle(ctx, tx, t, domain.PartyBuyer, reason)
}

// ReturnCharge enqueues a refund of a charge that never entered custody,
// for example when the payment deadline passed while the charge was in
// flight. It fails with ErrAlreadyHeld if the funds are in fact held, and
// returns a nil payout when a payout for the transaction already exists.
func (l *Ledger) ReturnCharge(ctx context.Context, tx storage.Tx, t *domain.Transaction, chargeRef string, amount int64) (_ *domain.Payout, err error) {
	defer track("return_charge", time.Now(), func() int64 { return amount }, &err)

	if _, err := tx.LockHold(ctx, t.ID); err == nil {
		return nil, l.violation(ctx, "return_charge", domain.ErrAlreadyHeld, t.ID)
	} else if !errors.Is(err, domain.ErrHoldNotFound) {
		return nil, err
	}

	now := l.clock.Now()
	payout := &domain.Payout{
		ID:            idgen.WithPrefix(idgen.PrefixPayout),
		TransactionID: t.ID,
		Kind:          domain.PayoutRefund,
		Amount:        amount,
		PayeeRef:      chargeRef,
		Status:        domain.PayoutPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.CreatePayout(ctx, payout); err != nil {
		if errors.Is(err, domain.ErrAlreadyReleased) {
			return nil, nil
		}
		return nil, err
	}
	logging.L(ctx).Warn("returning charge without hold", "transactionId", t.ID, "chargeRef", chargeRef, "amount", amount)
	return payout, nil
}

// Get returns the hold for a transaction.
func Get(ctx context.Context, r storage.Reader, transactionID string) (*domain.EscrowHold, error) {
	return r.GetHold(ctx, transactionID)
}

func (l *Ledger) settle(ctx context.Context, tx storage.Tx, t *domain.Transaction, to domain.Party, reason string) (*domain.EscrowHold, *domain.Payout, error) {
	op := "release"
	if to == domain.PartyBuyer {
		op = "refund"
	}

	hold, err := tx.LockHold(ctx, t.ID)
	if errors.Is(err, domain.ErrHoldNotFound) {
		return nil, nil, l.violation(ctx, op, domain.ErrNotHeld, t.ID)
	}
	if err != nil {
		return nil, nil, err
	}
	if !hold.Active() {
		return nil, nil, l.violation(ctx, op, domain.ErrAlreadyReleased, t.ID,
			"released_to", hold.ReleasedTo, "released_at", hold.ReleasedAt)
	}

	now := l.clock.Now()
	hold.ReleasedAt = &now
	hold.ReleasedTo = to
	hold.ReleaseReason = reason
	if err := tx.UpdateHold(ctx, hold); err != nil {
		return nil, nil, err
	}

	payout := &domain.Payout{
		ID:            idgen.WithPrefix(idgen.PrefixPayout),
		TransactionID: t.ID,
		Status:        domain.PayoutPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if to == domain.PartySeller {
		payout.Kind = domain.PayoutRelease
		payout.Amount = t.SellerNetAmount
		// The dispatcher resolves the seller to their payout account.
		payout.PayeeRef = t.SellerID
	} else {
		payout.Kind = domain.PayoutRefund
		payout.Amount = hold.HeldAmount
		// Refund against the original charge when we have it.
		payout.PayeeRef = t.GatewayRef
		if payout.PayeeRef == "" {
			payout.PayeeRef = t.BuyerID
		}
	}
	if err := tx.CreatePayout(ctx, payout); err != nil {
		if errors.Is(err, domain.ErrAlreadyReleased) {
			return nil, nil, l.violation(ctx, op, err, t.ID)
		}
		return nil, nil, err
	}

	return hold, payout, nil
}

func (l *Ledger) violation(ctx context.Context, op string, err error, transactionID string, attrs ...any) error {
	integrityViolations.WithLabelValues(op, domain.CodeOf(err)).Inc()
	args := append([]any{"op", op, "transactionId", transactionID, "error", err}, attrs...)
	logging.L(ctx).Error("ledger integrity violation", args...)
	return err
}
