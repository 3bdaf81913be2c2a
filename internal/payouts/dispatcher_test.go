package payouts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/escrowd/internal/clock"
	"github.com/mbd888/escrowd/internal/domain"
	"github.com/mbd888/escrowd/internal/fees"
	"github.com/mbd888/escrowd/internal/gateway"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/notify"
	"github.com/mbd888/escrowd/internal/storage"
	"github.com/mbd888/escrowd/internal/transactions"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

const testBase = time.Minute

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) find(typ notify.EventType) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	d        *Dispatcher
	accounts *Accounts
	txns     *transactions.Service
	store  *storage.MemoryStore
	clock  *clock.Mock
	gw     *gateway.Sandbox
	events *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock(t0)
	store := storage.NewMemoryStore()
	gw := gateway.NewSandbox()
	rec := &recorder{}
	rates := fees.Rates{Buyer: decimal.RequireFromString("0.05"), Seller: decimal.RequireFromString("0.10")}
	txns := transactions.NewService(store, ledger.New(clk, logging.Discard()), rates).
		WithClock(clk).
		WithGateway(gw).
		WithLogger(logging.Discard())
	d := NewDispatcher(store, gw, txns, logging.Discard()).
		WithBackoff(testBase, time.Hour).
		WithNotifier(rec)
	txns.WithPayoutTrigger(d)
	accounts := NewAccounts(store, clk)
	_, err := accounts.Register(context.Background(), "seller", "acct_seller")
	require.NoError(t, err)
	return &fixture{d: d, accounts: accounts, txns: txns, store: store, clock: clk, gw: gw, events: rec}
}

// held returns a transaction with funds in escrow.
func (f *fixture) held(t *testing.T) *domain.Transaction {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.PutListing(ctx, &domain.Listing{
			ID: "lst_1", SellerID: "seller", AskingPrice: 10000, OriginalPrice: 10000,
			Status: domain.ListingActive, CreatedAt: t0, UpdatedAt: t0,
		})
	}))
	txn, err := f.txns.CreateDirect(ctx, "lst_1", "buyer", "card")
	require.NoError(t, err)
	txn, err = f.txns.ConfirmPayment(ctx, txn.ID, "pi_test")
	require.NoError(t, err)
	return txn
}

// completed returns a transaction whose release payout is pending.
func (f *fixture) completed(t *testing.T) *domain.Transaction {
	t.Helper()
	ctx := context.Background()
	txn := f.held(t)
	_, err := f.txns.ConfirmTransfer(ctx, txn.ID, "seller")
	require.NoError(t, err)
	txn, err = f.txns.ConfirmReceipt(ctx, txn.ID, "buyer")
	require.NoError(t, err)
	return txn
}

func (f *fixture) payout(t *testing.T, transactionID string) *domain.Payout {
	t.Helper()
	list, err := f.store.ListPayoutsByTransaction(context.Background(), transactionID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func TestDispatchDue_Release(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.completed(t)

	sent, failed := f.d.DispatchDue(ctx)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 0, failed)

	require.Equal(t, 1, f.gw.PayoutCount())
	p := f.payout(t, txn.ID)
	req := f.gw.Payouts[0]
	assert.Equal(t, txn.SellerNetAmount, req.Amount)
	assert.Equal(t, "acct_seller", req.PayeeRef, "releases go to the seller's payout account")
	assert.Equal(t, "seller", p.PayeeRef)
	assert.Equal(t, p.ID, req.IdempotencyKey)

	assert.Equal(t, domain.PayoutSent, p.Status)
	assert.Equal(t, 1, p.Attempts)
	assert.NotEmpty(t, p.GatewayRef)
	require.NotNil(t, p.SentAt)

	sentEvents := f.events.find(notify.EventPayoutSent)
	require.Len(t, sentEvents, 1)
	assert.Equal(t, "seller", sentEvents[0].UserID)

	// Nothing left to do.
	sent, _ = f.d.DispatchDue(ctx)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 1, f.gw.PayoutCount())
}

func TestDispatchDue_RefundGoesBackAgainstCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.held(t)
	_, err := f.txns.ForceRefund(ctx, txn.ID, "admin", "fraud")
	require.NoError(t, err)

	sent, _ := f.d.DispatchDue(ctx)
	require.Equal(t, 1, sent)
	req := f.gw.Payouts[0]
	assert.Equal(t, "pi_test", req.PayeeRef)
	assert.Equal(t, txn.TotalBuyerPayment, req.Amount)

	refunded := f.events.find(notify.EventPayoutSent)
	require.Len(t, refunded, 1)
	assert.Equal(t, "buyer", refunded[0].UserID)
}

func TestDispatchDue_RetriesWithBackoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.completed(t)
	f.gw.FailNext("payout", 2, errors.New("connection reset"))

	sent, failed := f.d.DispatchDue(ctx)
	assert.Equal(t, 0, sent+failed)
	p := f.payout(t, txn.ID)
	assert.Equal(t, domain.PayoutPending, p.Status)
	assert.Equal(t, 1, p.Attempts)
	assert.Equal(t, "connection reset", p.LastError)
	assert.Equal(t, t0.Add(testBase), p.NextAttemptAt)

	// Not due yet.
	sent, _ = f.d.DispatchDue(ctx)
	assert.Equal(t, 0, sent)

	f.clock.Advance(testBase)
	f.d.DispatchDue(ctx)
	p = f.payout(t, txn.ID)
	assert.Equal(t, 2, p.Attempts)
	assert.Equal(t, t0.Add(testBase).Add(2*testBase), p.NextAttemptAt, "delay doubles")

	f.clock.Advance(2 * testBase)
	sent, _ = f.d.DispatchDue(ctx)
	assert.Equal(t, 1, sent)
	p = f.payout(t, txn.ID)
	assert.Equal(t, domain.PayoutSent, p.Status)
	assert.Equal(t, 3, p.Attempts)
	assert.Empty(t, p.LastError)
}

func TestDispatchDue_GivesUpAndFlags(t *testing.T) {
	f := newFixture(t)
	f.d.WithMaxAttempts(2)
	ctx := context.Background()
	txn := f.completed(t)
	f.gw.FailNext("payout", 10, errors.New("provider down"))

	f.d.DispatchDue(ctx)
	f.clock.Advance(time.Hour)
	sent, failed := f.d.DispatchDue(ctx)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 1, failed)

	p := f.payout(t, txn.ID)
	assert.Equal(t, domain.PayoutFailed, p.Status)
	assert.Equal(t, 2, p.Attempts)

	got, err := f.txns.Get(ctx, txn.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FlaggedAt)
	assert.Contains(t, got.FlagReason, "payout_failed")
	assert.Equal(t, domain.TxCompleted, got.Status, "flagging never changes status")

	failedEvents := f.events.find(notify.EventPayoutFailed)
	require.Len(t, failedEvents, 1)
	assert.Equal(t, "seller", failedEvents[0].UserID)

	// Failed rows are not retried.
	f.clock.Advance(24 * time.Hour)
	sent, failed = f.d.DispatchDue(ctx)
	assert.Equal(t, 0, sent+failed)
}

func TestDispatchDue_DeclineIsFinal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.completed(t)
	f.gw.FailNext("payout", 1, fmt.Errorf("%w: account closed", gateway.ErrDeclined))

	_, failed := f.d.DispatchDue(ctx)
	assert.Equal(t, 1, failed)
	assert.Equal(t, domain.PayoutFailed, f.payout(t, txn.ID).Status)
}

func TestDispatchDue_ReleaseWaitsForPayoutAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.CreatePayout(ctx, &domain.Payout{
			ID: "pay_new", TransactionID: "txn_new", Kind: domain.PayoutRelease, Amount: 9000,
			PayeeRef: "new_seller", Status: domain.PayoutPending,
			NextAttemptAt: t0, CreatedAt: t0, UpdatedAt: t0,
		})
	}))

	sent, failed := f.d.DispatchDue(ctx)
	assert.Equal(t, 0, sent+failed)
	assert.Equal(t, 0, f.gw.PayoutCount(), "a user id never reaches the gateway")
	p, err := f.store.GetPayout(ctx, "pay_new")
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutPending, p.Status)
	assert.Contains(t, p.LastError, "no payout account")

	_, err = f.accounts.Register(ctx, "new_seller", "acct_new")
	require.NoError(t, err)
	f.clock.Advance(testBase)

	sent, _ = f.d.DispatchDue(ctx)
	assert.Equal(t, 1, sent)
	require.Equal(t, 1, f.gw.PayoutCount())
	assert.Equal(t, "acct_new", f.gw.Payouts[0].PayeeRef)
}

func TestDispatchDue_ZeroAmountSkipsGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.CreatePayout(ctx, &domain.Payout{
			ID: "pay_zero", TransactionID: "txn_zero", Kind: domain.PayoutRelease,
			PayeeRef: "seller", Status: domain.PayoutPending,
			NextAttemptAt: t0, CreatedAt: t0, UpdatedAt: t0,
		})
	}))

	sent, _ := f.d.DispatchDue(ctx)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 0, f.gw.PayoutCount())

	p, err := f.store.GetPayout(ctx, "pay_zero")
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutSent, p.Status)
}

func TestDispatchDue_ConcurrentPasses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.completed(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.d.DispatchDue(ctx)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.gw.PayoutCount())
}

func TestDispatcher_TriggerWakesLoop(t *testing.T) {
	f := newFixture(t)
	f.d.WithInterval(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go f.d.Start(ctx)
	require.Eventually(t, f.d.Running, time.Second, 5*time.Millisecond)

	// ConfirmReceipt triggers the dispatcher after commit.
	f.completed(t)
	assert.Eventually(t, func() bool { return f.gw.PayoutCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	f.d.Stop()
	assert.Eventually(t, func() bool { return !f.d.Running() }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_TriggerNeverBlocks(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 100; i++ {
		f.d.Trigger()
	}
}
