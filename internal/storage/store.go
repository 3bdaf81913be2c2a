// Package storage persists listings, offers, transactions, escrow holds,
// disputes, the payout outbox and sellers' payout accounts.
//
// Every state change goes through Store.Atomic: the callback receives a Tx
// whose Lock* reads take row locks, so a status check and the write that
// depends on it happen in one atomic unit. When locking more than one kind
// of row, callers lock in this order: listing, offers, transaction, hold,
// dispute, payout.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/escrowd/internal/domain"
	"github.com/mbd888/escrowd/internal/pagination"
)

// ErrDuplicateCode is returned by CreateTransaction when the human-readable
// code is already taken.
var ErrDuplicateCode = errors.New("storage: duplicate transaction code")

// Reader is the non-locking read side used by queries and sweeps.
type Reader interface {
	GetListing(ctx context.Context, id string) (*domain.Listing, error)
	GetOffer(ctx context.Context, id string) (*domain.Offer, error)
	ListOffersByListing(ctx context.Context, listingID string) ([]*domain.Offer, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	GetTransactionByCode(ctx context.Context, code string) (*domain.Transaction, error)
	// ListTransactionsByUser returns userID's transactions as buyer or
	// seller, newest first, starting after the cursor (nil for the first page).
	ListTransactionsByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*domain.Transaction, error)
	ListEvents(ctx context.Context, transactionID string) ([]*domain.TransactionEvent, error)
	GetHold(ctx context.Context, transactionID string) (*domain.EscrowHold, error)
	GetDispute(ctx context.Context, id string) (*domain.Dispute, error)
	ListDisputesByTransaction(ctx context.Context, transactionID string) ([]*domain.Dispute, error)
	GetPayout(ctx context.Context, id string) (*domain.Payout, error)
	ListPayoutsByTransaction(ctx context.Context, transactionID string) ([]*domain.Payout, error)
	GetPayoutAccount(ctx context.Context, userID string) (*domain.PayoutAccount, error)

	// Sweep queries. Results are candidates only; the service re-checks
	// each row under lock before transitioning it.
	ListExpiredOffers(ctx context.Context, now time.Time, limit int) ([]*domain.Offer, error)
	ListPaymentOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.Transaction, error)
	ListReceiptOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.Transaction, error)
	ListDuePayouts(ctx context.Context, now time.Time, limit int) ([]*domain.Payout, error)
}

// Tx is the write side, valid only inside Store.Atomic.
type Tx interface {
	LockListing(ctx context.Context, id string) (*domain.Listing, error)
	PutListing(ctx context.Context, l *domain.Listing) error

	LockOffer(ctx context.Context, id string) (*domain.Offer, error)
	LockOpenOffersByListing(ctx context.Context, listingID string) ([]*domain.Offer, error)
	CreateOffer(ctx context.Context, o *domain.Offer) error
	UpdateOffer(ctx context.Context, o *domain.Offer) error

	LockTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	TransactionCodeExists(ctx context.Context, code string) (bool, error)
	CreateTransaction(ctx context.Context, t *domain.Transaction) error
	UpdateTransaction(ctx context.Context, t *domain.Transaction) error
	AppendEvent(ctx context.Context, e *domain.TransactionEvent) error

	LockHold(ctx context.Context, transactionID string) (*domain.EscrowHold, error)
	CreateHold(ctx context.Context, h *domain.EscrowHold) error
	UpdateHold(ctx context.Context, h *domain.EscrowHold) error

	LockDispute(ctx context.Context, id string) (*domain.Dispute, error)
	CreateDispute(ctx context.Context, d *domain.Dispute) error
	UpdateDispute(ctx context.Context, d *domain.Dispute) error

	LockPayout(ctx context.Context, id string) (*domain.Payout, error)
	CreatePayout(ctx context.Context, p *domain.Payout) error
	UpdatePayout(ctx context.Context, p *domain.Payout) error

	PutPayoutAccount(ctx context.Context, a *domain.PayoutAccount) error
}

// Store combines the read side with atomic write units.
type Store interface {
	Reader

	// Atomic runs fn in a single atomic unit. If fn returns an error,
	// nothing it wrote is visible. fn may be invoked more than once when
	// the backend retries a serialization failure, so it must not perform
	// external side effects.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}
