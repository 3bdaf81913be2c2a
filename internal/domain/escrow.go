package domain

import "time"

// Party identifies who received the held funds.
type Party string

const (
	PartySeller Party = "seller"
	PartyBuyer  Party = "buyer"
)

// EscrowHold tracks custody of a transaction's funds, independent of the
// transaction's business status.
type EscrowHold struct {
	TransactionID string     `json:"transactionId"`
	HeldAmount    int64      `json:"heldAmount"`
	HeldAt        time.Time  `json:"heldAt"`
	ReleasedAt    *time.Time `json:"releasedAt,omitempty"`
	ReleasedTo    Party      `json:"releasedTo,omitempty"`
	ReleaseReason string     `json:"releaseReason,omitempty"`
}

// Active reports whether the funds are still held.
func (h *EscrowHold) Active() bool {
	return h.ReleasedAt == nil
}

// Disposition returns where the held amount currently sits: "held",
// "released_to_seller" or "refunded_to_buyer". Exactly one applies.
func (h *EscrowHold) Disposition() string {
	switch {
	case h.ReleasedAt == nil:
		return "held"
	case h.ReleasedTo == PartySeller:
		return "released_to_seller"
	default:
		return "refunded_to_buyer"
	}
}
