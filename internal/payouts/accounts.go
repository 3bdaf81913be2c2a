package payouts

import (
	"context"
	"strings"

	"github.com/mbd888/escrowd/internal/clock"
	"github.com/mbd888/escrowd/internal/domain"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/storage"
)

// Accounts records where sellers are paid.
type Accounts struct {
	store storage.Store
	clock clock.Clock
}

// NewAccounts creates the payout account registry.
func NewAccounts(store storage.Store, clk clock.Clock) *Accounts {
	return &Accounts{store: store, clock: clk}
}

// Register sets userID's payout account, replacing any earlier one.
// Pending releases pick the new account up on their next attempt.
func (a *Accounts) Register(ctx context.Context, userID, accountRef string) (*domain.PayoutAccount, error) {
	accountRef = strings.TrimSpace(accountRef)
	if userID == "" {
		return nil, domain.Invalid("user is required")
	}
	if accountRef == "" || strings.ContainsAny(accountRef, " \t\r\n") {
		return nil, domain.Invalid("account reference must be a single token")
	}

	now := a.clock.Now()
	err := a.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.PutPayoutAccount(ctx, &domain.PayoutAccount{
			UserID:     userID,
			AccountRef: accountRef,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("payout account registered", "userId", userID)
	return a.store.GetPayoutAccount(ctx, userID)
}

// Get returns userID's payout account or ErrNoPayoutAccount.
func (a *Accounts) Get(ctx context.Context, userID string) (*domain.PayoutAccount, error) {
	return a.store.GetPayoutAccount(ctx, userID)
}
