package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/escrowd/internal/clock"
	"github.com/mbd888/escrowd/internal/domain"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestLedger() (*Ledger, storage.Store, *clock.Mock) {
	clk := clock.NewMock(t0)
	return New(clk, logging.Discard()), storage.NewMemoryStore(), clk
}

func testTxn() *domain.Transaction {
	return &domain.Transaction{
		ID:                "txn_1",
		BuyerID:           "buyer",
		SellerID:          "seller",
		AgreedPrice:       10000,
		SellerNetAmount:   9000,
		TotalBuyerPayment: 10500,
		GatewayRef:        "pi_123",
	}
}

func hold(t *testing.T, l *Ledger, s storage.Store, txID string, amount int64) error {
	t.Helper()
	return s.Atomic(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		_, err := l.Hold(ctx, tx, txID, amount)
		return err
	})
}

func settle(l *Ledger, s storage.Store, txn *domain.Transaction, refund bool) (*domain.Payout, error) {
	var payout *domain.Payout
	err := s.Atomic(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		var err error
		if refund {
			_, payout, err = l.Refund(ctx, tx, txn, "test")
		} else {
			_, payout, err = l.Release(ctx, tx, txn, "test")
		}
		return err
	})
	return payout, err
}

func counterValue(t *testing.T, op, code string) float64 {
	t.Helper()
	return testutil.ToFloat64(integrityViolations.WithLabelValues(op, code))
}

func TestHold(t *testing.T) {
	l, s, _ := newTestLedger()
	require.NoError(t, hold(t, l, s, "txn_1", 10500))

	h, err := s.GetHold(context.Background(), "txn_1")
	require.NoError(t, err)
	assert.Equal(t, int64(10500), h.HeldAmount)
	assert.Equal(t, t0, h.HeldAt)
	assert.True(t, h.Active())
	assert.Equal(t, "held", h.Disposition())
}

func TestHold_RejectsNonPositiveAmount(t *testing.T) {
	l, s, _ := newTestLedger()
	err := hold(t, l, s, "txn_1", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestHold_TwiceFailsLoudly(t *testing.T) {
	l, s, _ := newTestLedger()
	before := counterValue(t, "hold", "already_held")

	require.NoError(t, hold(t, l, s, "txn_1", 10500))
	err := hold(t, l, s, "txn_1", 10500)
	assert.ErrorIs(t, err, domain.ErrAlreadyHeld)
	assert.Equal(t, before+1, counterValue(t, "hold", "already_held"))

	h, err := s.GetHold(context.Background(), "txn_1")
	require.NoError(t, err)
	assert.Equal(t, int64(10500), h.HeldAmount)
}

func TestRelease_PaysSellerNet(t *testing.T) {
	l, s, clk := newTestLedger()
	txn := testTxn()
	require.NoError(t, hold(t, l, s, txn.ID, txn.TotalBuyerPayment))
	clk.Advance(time.Hour)

	payout, err := settle(l, s, txn, false)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutRelease, payout.Kind)
	assert.Equal(t, int64(9000), payout.Amount)
	assert.Equal(t, "seller", payout.PayeeRef)
	assert.Equal(t, domain.PayoutPending, payout.Status)
	assert.Equal(t, t0.Add(time.Hour), payout.NextAttemptAt)

	h, err := s.GetHold(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, "released_to_seller", h.Disposition())
	require.NotNil(t, h.ReleasedAt)
	assert.Equal(t, t0.Add(time.Hour), *h.ReleasedAt)

	stored, err := s.GetPayout(context.Background(), payout.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.Amount, stored.Amount)
}

func TestRefund_ReturnsFullHeldAmount(t *testing.T) {
	l, s, _ := newTestLedger()
	txn := testTxn()
	require.NoError(t, hold(t, l, s, txn.ID, txn.TotalBuyerPayment))

	payout, err := settle(l, s, txn, true)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutRefund, payout.Kind)
	assert.Equal(t, int64(10500), payout.Amount)
	assert.Equal(t, "pi_123", payout.PayeeRef)

	h, err := s.GetHold(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, "refunded_to_buyer", h.Disposition())
}

func TestRefund_FallsBackToBuyerWithoutChargeRef(t *testing.T) {
	l, s, _ := newTestLedger()
	txn := testTxn()
	txn.GatewayRef = ""
	require.NoError(t, hold(t, l, s, txn.ID, txn.TotalBuyerPayment))

	payout, err := settle(l, s, txn, true)
	require.NoError(t, err)
	assert.Equal(t, "buyer", payout.PayeeRef)
}

func TestSettle_IsExclusive(t *testing.T) {
	tests := []struct {
		name         string
		first, again bool // refund?
	}{
		{"release then release", false, false},
		{"release then refund", false, true},
		{"refund then release", true, false},
		{"refund then refund", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, s, _ := newTestLedger()
			txn := testTxn()
			require.NoError(t, hold(t, l, s, txn.ID, txn.TotalBuyerPayment))

			_, err := settle(l, s, txn, tt.first)
			require.NoError(t, err)
			want, err := s.GetHold(context.Background(), txn.ID)
			require.NoError(t, err)

			_, err = settle(l, s, txn, tt.again)
			assert.ErrorIs(t, err, domain.ErrAlreadyReleased)

			got, err := s.GetHold(context.Background(), txn.ID)
			require.NoError(t, err)
			assert.Equal(t, want, got, "failed settle must not change the hold")

			payouts, err := s.ListPayoutsByTransaction(context.Background(), txn.ID)
			require.NoError(t, err)
			assert.Len(t, payouts, 1)
		})
	}
}

func TestRelease_WithoutHold(t *testing.T) {
	l, s, _ := newTestLedger()
	before := counterValue(t, "release", "not_held")

	_, err := settle(l, s, testTxn(), false)
	assert.ErrorIs(t, err, domain.ErrNotHeld)
	assert.Equal(t, before+1, counterValue(t, "release", "not_held"))
}

func TestOperationMetrics(t *testing.T) {
	l, s, _ := newTestLedger()
	okBefore := testutil.ToFloat64(operations.WithLabelValues("release", "ok"))
	failBefore := testutil.ToFloat64(operations.WithLabelValues("release", "already_released"))
	heldBefore := testutil.ToFloat64(movedMinor.WithLabelValues("hold"))
	releasedBefore := testutil.ToFloat64(movedMinor.WithLabelValues("release"))

	require.NoError(t, hold(t, l, s, "txn_1", 10500))
	_, err := settle(l, s, testTxn(), false)
	require.NoError(t, err)
	_, err = settle(l, s, testTxn(), false)
	require.Error(t, err)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(operations.WithLabelValues("release", "ok")))
	assert.Equal(t, failBefore+1, testutil.ToFloat64(operations.WithLabelValues("release", domain.CodeOf(err))))
	assert.Equal(t, heldBefore+10500, testutil.ToFloat64(movedMinor.WithLabelValues("hold")))
	assert.Equal(t, releasedBefore+9000, testutil.ToFloat64(movedMinor.WithLabelValues("release")), "seller net, not the held amount")
}

func TestReturnCharge(t *testing.T) {
	l, s, _ := newTestLedger()
	txn := testTxn()

	var payout *domain.Payout
	err := s.Atomic(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		var err error
		payout, err = l.ReturnCharge(ctx, tx, txn, "pi_999", txn.TotalBuyerPayment)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutRefund, payout.Kind)
	assert.Equal(t, "pi_999", payout.PayeeRef)
	assert.Equal(t, int64(10500), payout.Amount)
}

func TestReturnCharge_SecondCallEnqueuesNothing(t *testing.T) {
	l, s, _ := newTestLedger()
	txn := testTxn()
	before := counterValue(t, "return_charge", "already_released")

	for i, want := range []bool{true, false} {
		var payout *domain.Payout
		err := s.Atomic(context.Background(), func(ctx context.Context, tx storage.Tx) error {
			var err error
			payout, err = l.ReturnCharge(ctx, tx, txn, "pi_999", txn.TotalBuyerPayment)
			return err
		})
		require.NoError(t, err, "call %d", i)
		assert.Equal(t, want, payout != nil, "call %d", i)
	}

	payouts, err := s.ListPayoutsByTransaction(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Len(t, payouts, 1)
	assert.Equal(t, before, counterValue(t, "return_charge", "already_released"))
}

func TestReturnCharge_RefusesWhenHeld(t *testing.T) {
	l, s, _ := newTestLedger()
	txn := testTxn()
	require.NoError(t, hold(t, l, s, txn.ID, txn.TotalBuyerPayment))

	err := s.Atomic(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		_, err := l.ReturnCharge(ctx, tx, txn, "pi_999", txn.TotalBuyerPayment)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyHeld)
}
