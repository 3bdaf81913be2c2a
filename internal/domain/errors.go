package domain

import (
	"errors"
	"fmt"
)

// Class groups errors by how a caller should react to them.
type Class string

const (
	// ClassValidation: the request was malformed; no state changed.
	ClassValidation Class = "validation"
	// ClassForbidden: the actor may not perform this operation.
	ClassForbidden Class = "forbidden"
	// ClassNotFound: a referenced entity does not exist.
	ClassNotFound Class = "not_found"
	// ClassConflict: a race or stale view; refresh and decide whether to retry.
	ClassConflict Class = "conflict"
	// ClassDeadline: a routine timeout that triggered a terminal transition.
	ClassDeadline Class = "deadline"
	// ClassExternal: a collaborator (gateway, KYC) failed after retries.
	ClassExternal Class = "external"
	// ClassInternal: anything unclassified.
	ClassInternal Class = "internal"
)

// Error is a classified domain error with a stable machine-readable code.
type Error struct {
	Code    string
	Class   Class
	Message string
}

func (e *Error) Error() string { return e.Message }

// ErrorCode returns the stable code for API responses.
func (e *Error) ErrorCode() string { return e.Code }

// ErrorClass returns the error's class.
func (e *Error) ErrorClass() Class { return e.Class }

func newError(class Class, code, msg string) *Error {
	return &Error{Code: code, Class: class, Message: msg}
}

// Validation errors.
var (
	ErrInvalidRate          = newError(ClassValidation, "invalid_rate", "fee rate must be between 0 and 1")
	ErrInvalidPrice         = newError(ClassValidation, "invalid_price", "price must be greater than zero")
	ErrSelfOffer            = newError(ClassValidation, "self_offer", "buyer cannot make an offer on their own listing")
	ErrListingNotNegotiable = newError(ClassValidation, "listing_not_negotiable", "listing does not accept offers")
	ErrInvalidInput         = newError(ClassValidation, "invalid_input", "invalid input")
)

// Authorization errors.
var (
	ErrNotOfferOwner        = newError(ClassForbidden, "not_offer_owner", "actor is not allowed to act on this offer")
	ErrNotParticipant       = newError(ClassForbidden, "not_participant", "actor is not allowed to act on this transaction")
	ErrVerificationRequired = newError(ClassForbidden, "verification_required", "higher identity verification level required")
)

// Not-found errors.
var (
	ErrListingNotFound     = newError(ClassNotFound, "listing_not_found", "listing not found")
	ErrOfferNotFound       = newError(ClassNotFound, "offer_not_found", "offer not found")
	ErrTransactionNotFound = newError(ClassNotFound, "transaction_not_found", "transaction not found")
	ErrHoldNotFound        = newError(ClassNotFound, "hold_not_found", "escrow hold not found")
	ErrDisputeNotFound     = newError(ClassNotFound, "dispute_not_found", "dispute not found")
	ErrPayoutNotFound      = newError(ClassNotFound, "payout_not_found", "payout not found")
	ErrNoPayoutAccount     = newError(ClassNotFound, "no_payout_account", "seller has no payout account")
)

// Concurrency and state errors.
var (
	ErrIllegalTransition   = newError(ClassConflict, "illegal_transition", "illegal state transition")
	ErrAlreadyHeld         = newError(ClassConflict, "already_held", "funds already held for this transaction")
	ErrNotHeld             = newError(ClassConflict, "not_held", "no active hold for this transaction")
	ErrAlreadyReleased     = newError(ClassConflict, "already_released", "escrow hold already released")
	ErrListingAlreadySold  = newError(ClassConflict, "listing_already_sold", "listing already sold")
	ErrListingNotAvailable = newError(ClassConflict, "listing_not_available", "listing is not available for purchase")
	ErrOfferNotPending     = newError(ClassConflict, "offer_not_pending", "offer is not pending")
	ErrOfferNotCountered   = newError(ClassConflict, "offer_not_countered", "offer has no open counter-offer")
	ErrDisputeResolved     = newError(ClassConflict, "dispute_resolved", "dispute already resolved")
	ErrPaymentInFlight     = newError(ClassConflict, "payment_in_flight", "a charge for this transaction is awaiting settlement")
	ErrCodeExhausted       = newError(ClassInternal, "code_exhausted", "could not allocate a unique transaction code")
)

// Deadline errors.
var (
	ErrPaymentDeadlineExceeded = newError(ClassDeadline, "payment_deadline_exceeded", "payment deadline exceeded; transaction cancelled")
	ErrOfferExpired            = newError(ClassDeadline, "offer_expired", "offer has expired")
)

// External-dependency errors.
var ErrGateway = newError(ClassExternal, "gateway_error", "external dependency failed")

// IllegalTransitionError reports a move that is not in the transition table.
type IllegalTransitionError struct {
	Kind   string // "transaction" or "offer"
	From   string
	To     string
	Action string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition %s -> %s (action %s)", e.Kind, e.From, e.To, e.Action)
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }
func (e *IllegalTransitionError) ErrorCode() string    { return ErrIllegalTransition.Code }
func (e *IllegalTransitionError) ErrorClass() Class    { return ClassConflict }

// GatewayError wraps a collaborator failure that outlived its retries.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string        { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *GatewayError) Unwrap() error        { return e.Err }
func (e *GatewayError) Is(target error) bool { return target == ErrGateway }
func (e *GatewayError) ErrorCode() string    { return ErrGateway.Code }
func (e *GatewayError) ErrorClass() Class    { return ClassExternal }

// VerificationRequiredError is returned when an amount exceeds the ceiling
// of the actor's identity verification level.
type VerificationRequiredError struct {
	Required string
	Current  string
	Amount   int64
}

func (e *VerificationRequiredError) Error() string {
	return fmt.Sprintf("amount %d requires %s verification (current: %s)", e.Amount, e.Required, e.Current)
}

func (e *VerificationRequiredError) Is(target error) bool { return target == ErrVerificationRequired }
func (e *VerificationRequiredError) ErrorCode() string    { return ErrVerificationRequired.Code }
func (e *VerificationRequiredError) ErrorClass() Class    { return ClassForbidden }

type classified interface {
	ErrorClass() Class
	ErrorCode() string
}

// ClassOf returns the class of err, or ClassInternal for unclassified errors.
func ClassOf(err error) Class {
	var c classified
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	return ClassInternal
}

// CodeOf returns the stable code of err, or "internal_error".
func CodeOf(err error) string {
	var c classified
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return "internal_error"
}

// Invalid returns a validation error carrying a field-specific message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
