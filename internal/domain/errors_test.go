package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
		code string
	}{
		{"sentinel", ErrInvalidRate, ClassValidation, "invalid_rate"},
		{"wrapped sentinel", fmt.Errorf("create: %w", ErrListingAlreadySold), ClassConflict, "listing_already_sold"},
		{"illegal transition", &IllegalTransitionError{Kind: "transaction", From: "COMPLETED", To: "CANCELLED"}, ClassConflict, "illegal_transition"},
		{"gateway", &GatewayError{Op: "charge", Err: errors.New("timeout")}, ClassExternal, "gateway_error"},
		{"verification", &VerificationRequiredError{Required: "full", Current: "document"}, ClassForbidden, "verification_required"},
		{"deadline", ErrPaymentDeadlineExceeded, ClassDeadline, "payment_deadline_exceeded"},
		{"charge in flight", ErrPaymentInFlight, ClassConflict, "payment_in_flight"},
		{"no payout account", fmt.Errorf("resolve: %w", ErrNoPayoutAccount), ClassNotFound, "no_payout_account"},
		{"invalid input", Invalid("reason is required"), ClassValidation, "invalid_input"},
		{"plain", errors.New("boom"), ClassInternal, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassOf(tt.err))
			assert.Equal(t, tt.code, CodeOf(tt.err))
		})
	}
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	err := fmt.Errorf("confirm: %w", &IllegalTransitionError{From: "ESCROW_HELD", To: "COMPLETED", Action: "confirm_receipt"})
	assert.ErrorIs(t, err, ErrIllegalTransition)

	var ite *IllegalTransitionError
	assert.ErrorAs(t, err, &ite)
	assert.Equal(t, "ESCROW_HELD", ite.From)

	cause := errors.New("connection reset")
	gw := &GatewayError{Op: "payout", Err: cause}
	assert.ErrorIs(t, gw, ErrGateway)
	assert.ErrorIs(t, gw, cause)
}

func TestOfferTransition(t *testing.T) {
	o := &Offer{Status: OfferPending}
	assert.NoError(t, o.Transition(OfferCountered, "", o.CreatedAt))
	assert.NoError(t, o.Transition(OfferAccepted, "", o.CreatedAt))

	err := o.Transition(OfferExpired, ReasonTTL, o.CreatedAt)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, OfferAccepted, o.Status)
}

func TestListingCheckPurchasable(t *testing.T) {
	assert.NoError(t, (&Listing{Status: ListingActive}).CheckPurchasable())
	assert.NoError(t, (&Listing{Status: ListingDraft}).CheckPurchasable())
	assert.ErrorIs(t, (&Listing{Status: ListingSold}).CheckPurchasable(), ErrListingAlreadySold)
	assert.ErrorIs(t, (&Listing{Status: ListingSuspended}).CheckPurchasable(), ErrListingNotAvailable)
}
