package domain

import "time"

// PayoutKind distinguishes seller payouts from buyer refunds.
type PayoutKind string

const (
	PayoutRelease PayoutKind = "release"
	PayoutRefund  PayoutKind = "refund"
)

// PayoutStatus is the delivery state of an outbox row.
type PayoutStatus string

const (
	PayoutPending PayoutStatus = "pending"
	PayoutSent    PayoutStatus = "sent"
	PayoutFailed  PayoutStatus = "failed"
)

// Payout is an outbox row written in the same atomic unit as a ledger
// release or refund. A dispatcher delivers it to the payment gateway after
// commit, at least once.
type Payout struct {
	ID            string       `json:"id"`
	TransactionID string       `json:"transactionId"`
	Kind          PayoutKind   `json:"kind"`
	Amount        int64        `json:"amount"`
	PayeeRef      string       `json:"payeeRef"`
	Status        PayoutStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	LastError     string       `json:"lastError,omitempty"`
	GatewayRef    string       `json:"gatewayRef,omitempty"`
	NextAttemptAt time.Time    `json:"nextAttemptAt"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	SentAt        *time.Time   `json:"sentAt,omitempty"`
}

// PayoutAccount is a seller's account at the payment provider. Release
// payouts name the seller; the dispatcher sends them to this account.
type PayoutAccount struct {
	UserID     string    `json:"userId"`
	AccountRef string    `json:"accountRef"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
