package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// Stripe charges buyers with PaymentIntents, pays sellers with Connect
// transfers and refunds buyers against their original PaymentIntent.
type Stripe struct {
	api      *client.API
	currency string
}

// NewStripe creates a Stripe gateway for secretKey, settling in currency
// (ISO code, e.g. "brl").
func NewStripe(secretKey, currency string) *Stripe {
	return newStripe(secretKey, currency, nil)
}

func newStripe(secretKey, currency string, backends *stripe.Backends) *Stripe {
	sc := &client.API{}
	sc.Init(secretKey, backends)
	return &Stripe{api: sc, currency: strings.ToLower(currency)}
}

// Charge implements Gateway. PayerRef is the Stripe customer and Method
// the payment method id.
func (s *Stripe) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(s.currency),
		Confirm:       stripe.Bool(true),
		PaymentMethod: stripe.String(req.Method),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	if req.PayerRef != "" {
		params.Customer = stripe.String(req.PayerRef)
	}
	params.Context = ctx
	params.SetIdempotencyKey("charge-" + req.IdempotencyKey)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return &ChargeResult{Ref: pi.ID, Settled: true}, nil
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresAction:
		return &ChargeResult{Ref: pi.ID, Settled: false}, nil
	default:
		return nil, fmt.Errorf("%w: payment intent %s is %s", ErrDeclined, pi.ID, pi.Status)
	}
}

// Payout implements Gateway. A PayeeRef naming a PaymentIntent ("pi_...")
// is refunded and one naming a connected account ("acct_...") receives a
// transfer. Anything else is declined without calling Stripe.
func (s *Stripe) Payout(ctx context.Context, req PayoutRequest) (string, error) {
	switch {
	case strings.HasPrefix(req.PayeeRef, "pi_"):
		return s.refund(ctx, req)
	case strings.HasPrefix(req.PayeeRef, "acct_"):
		return s.transfer(ctx, req)
	default:
		return "", fmt.Errorf("%w: payee %q is neither a payment intent nor a connected account", ErrDeclined, req.PayeeRef)
	}
}

func (s *Stripe) refund(ctx context.Context, req PayoutRequest) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PayeeRef),
		Amount:        stripe.Int64(req.Amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey("refund-" + req.IdempotencyKey)

	r, err := s.api.Refunds.New(params)
	if err != nil {
		return "", mapStripeError(err)
	}
	return r.ID, nil
}

func (s *Stripe) transfer(ctx context.Context, req PayoutRequest) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(s.currency),
		Destination: stripe.String(req.PayeeRef),
	}
	params.Context = ctx
	params.SetIdempotencyKey("transfer-" + req.IdempotencyKey)

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return "", mapStripeError(err)
	}
	return tr.ID, nil
}

// mapStripeError marks client errors as declines so they are neither
// retried nor counted against the circuit breaker. Rate limits and server
// errors stay retryable.
func mapStripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests {
			return fmt.Errorf("%w: %s (%s)", ErrDeclined, se.Msg, se.Code)
		}
	}
	return err
}
