package domain

import "time"

// OfferStatus is the negotiation state of a single offer row.
type OfferStatus string

const (
	OfferPending   OfferStatus = "PENDING"
	OfferAccepted  OfferStatus = "ACCEPTED"
	OfferRejected  OfferStatus = "REJECTED"
	OfferCountered OfferStatus = "COUNTERED"
	OfferExpired   OfferStatus = "EXPIRED"
	OfferCancelled OfferStatus = "CANCELLED"
)

// Reasons recorded when an offer is closed without acceptance.
const (
	ReasonSuperseded = "superseded"
	ReasonTTL        = "ttl"
	ReasonRejected   = "rejected"
	ReasonWithdrawn  = "withdrawn"
)

// ValidOfferTransitions lists every allowed offer status change. A counter
// mutates the row in place, so COUNTERED may still be accepted by the buyer.
var ValidOfferTransitions = map[OfferStatus][]OfferStatus{
	OfferPending:   {OfferAccepted, OfferRejected, OfferCountered, OfferExpired, OfferCancelled},
	OfferCountered: {OfferAccepted, OfferRejected, OfferExpired, OfferCancelled},
}

// CanTransitionOffer reports whether from -> to is an allowed offer move.
func CanTransitionOffer(from, to OfferStatus) bool {
	for _, s := range ValidOfferTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Offer is a buyer-proposed price for a listing. Amounts are minor units.
type Offer struct {
	ID             string      `json:"id"`
	ListingID      string      `json:"listingId"`
	BuyerID        string      `json:"buyerId"`
	SellerID       string      `json:"sellerId"`
	Amount         int64       `json:"amount"`
	Message        string      `json:"message,omitempty"`
	Status         OfferStatus `json:"status"`
	CounterAmount  *int64      `json:"counterAmount,omitempty"`
	CounterMessage string      `json:"counterMessage,omitempty"`
	ExpiresAt      time.Time   `json:"expiresAt"`
	RespondedAt    *time.Time  `json:"respondedAt,omitempty"`
	ClosedReason   string      `json:"closedReason,omitempty"`
	TransactionID  string      `json:"transactionId,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// IsOpen reports whether the offer can still be acted on.
func (o *Offer) IsOpen() bool {
	return o.Status == OfferPending || o.Status == OfferCountered
}

// IsDue reports whether an open offer has passed its expiry at now.
func (o *Offer) IsDue(now time.Time) bool {
	return o.IsOpen() && now.After(o.ExpiresAt)
}

// Transition moves the offer to status to, recording reason and time. It
// returns an IllegalTransitionError when the move is not allowed.
func (o *Offer) Transition(to OfferStatus, reason string, now time.Time) error {
	if !CanTransitionOffer(o.Status, to) {
		return &IllegalTransitionError{Kind: "offer", From: string(o.Status), To: string(to)}
	}
	o.Status = to
	o.ClosedReason = reason
	o.UpdatedAt = now
	return nil
}
