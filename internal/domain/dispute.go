package domain

import "time"

// Resolution is a mediator's terminal decision on a dispute.
type Resolution string

const (
	ResolutionReleaseSeller Resolution = "release_seller"
	ResolutionRefundBuyer   Resolution = "refund_buyer"
)

// Valid reports whether r is one of the two allowed resolutions.
func (r Resolution) Valid() bool {
	return r == ResolutionReleaseSeller || r == ResolutionRefundBuyer
}

// Dispute freezes a transaction until a mediator resolves it.
type Dispute struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transactionId"`
	OpenedBy      string     `json:"openedBy"`
	Reason        string     `json:"reason"`
	OpenedAt      time.Time  `json:"openedAt"`
	Resolution    Resolution `json:"resolution,omitempty"`
	MediatorID    string     `json:"mediatorId,omitempty"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

// IsOpen reports whether the dispute still awaits resolution.
func (d *Dispute) IsOpen() bool {
	return d.ResolvedAt == nil
}
