// Package gateway is the engine's only path to real money movement.
//
// Charge is called before a payment is confirmed, outside any database
// transaction. Payout is called by the payout dispatcher after a ledger
// release or refund has committed. Both take an idempotency key so a
// retried call never moves money twice.
package gateway

import (
	"context"
	"errors"
)

// ErrDeclined means the provider refused the request. Retrying will not help.
var ErrDeclined = errors.New("gateway: declined")

// ChargeRequest collects a buyer payment.
type ChargeRequest struct {
	Amount         int64
	Method         string
	PayerRef       string
	IdempotencyKey string
}

// ChargeResult is the provider's answer to a charge.
type ChargeResult struct {
	Ref string
	// Settled is false for asynchronous methods (PIX, boleto) that confirm
	// later through a provider callback.
	Settled bool
}

// PayoutRequest sends money to a seller or back to a buyer. A PayeeRef
// that names an earlier charge is refunded against that charge.
type PayoutRequest struct {
	Amount         int64
	PayeeRef       string
	IdempotencyKey string
}

// Gateway is the payment provider.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Payout(ctx context.Context, req PayoutRequest) (string, error)
}
