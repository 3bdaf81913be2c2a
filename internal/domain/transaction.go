package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is a state of the transaction state machine.
type TransactionStatus string

const (
	TxInitiated        TransactionStatus = "INITIATED"
	TxAwaitingPayment  TransactionStatus = "AWAITING_PAYMENT"
	TxPaymentConfirmed TransactionStatus = "PAYMENT_CONFIRMED"
	TxEscrowHeld       TransactionStatus = "ESCROW_HELD"
	TxTransferPending  TransactionStatus = "TRANSFER_PENDING"
	TxCompleted        TransactionStatus = "COMPLETED"
	TxDisputeOpened    TransactionStatus = "DISPUTE_OPENED"
	TxDisputeResolved  TransactionStatus = "DISPUTE_RESOLVED"
	TxCancelled        TransactionStatus = "CANCELLED"
	TxRefunded         TransactionStatus = "REFUNDED"
)

// AllTransactionStatuses lists every status in lifecycle order.
var AllTransactionStatuses = []TransactionStatus{
	TxInitiated, TxAwaitingPayment, TxPaymentConfirmed, TxEscrowHeld, TxTransferPending,
	TxCompleted, TxDisputeOpened, TxDisputeResolved, TxCancelled, TxRefunded,
}

// IsTerminal reports whether no further transition is possible.
func (s TransactionStatus) IsTerminal() bool {
	return s == TxCompleted || s == TxCancelled || s == TxRefunded
}

// CancelReasonPaymentDeadline is recorded when the payment window lapses.
const CancelReasonPaymentDeadline = "payment_deadline_exceeded"

// Transaction is the canonical record of an accepted sale. AgreedPrice and
// every fee field are fixed at creation and never recomputed.
type Transaction struct {
	ID        string            `json:"id"`
	Code      string            `json:"code"`
	ListingID string            `json:"listingId"`
	OfferID   string            `json:"offerId,omitempty"`
	BuyerID   string            `json:"buyerId"`
	SellerID  string            `json:"sellerId"`
	Status    TransactionStatus `json:"status"`

	AgreedPrice       int64           `json:"agreedPrice"`
	BuyerFeeRate      decimal.Decimal `json:"buyerFeeRate"`
	SellerFeeRate     decimal.Decimal `json:"sellerFeeRate"`
	PlatformFeeRate   decimal.Decimal `json:"platformFeeRate"`
	BuyerFee          int64           `json:"buyerFee"`
	SellerFee         int64           `json:"sellerFee"`
	PlatformFee       int64           `json:"platformFee"`
	SellerNetAmount   int64           `json:"sellerNetAmount"`
	TotalBuyerPayment int64           `json:"totalBuyerPayment"`

	PaymentMethod string `json:"paymentMethod,omitempty"`
	GatewayRef    string `json:"gatewayRef,omitempty"`

	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	PaymentDeadline     time.Time  `json:"paymentDeadline"`
	PaidAt              *time.Time `json:"paidAt,omitempty"`
	TransferConfirmedAt *time.Time `json:"transferConfirmedAt,omitempty"`
	ReceiptDeadline     *time.Time `json:"receiptDeadline,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	CancelledAt         *time.Time `json:"cancelledAt,omitempty"`
	CancelReason        string     `json:"cancelReason,omitempty"`
	RefundedAt          *time.Time `json:"refundedAt,omitempty"`

	// Set when an external call exhausted its retries and ops must follow up.
	FlaggedAt  *time.Time `json:"flaggedAt,omitempty"`
	FlagReason string     `json:"flagReason,omitempty"`
}

// IsParticipant reports whether userID is the buyer or the seller.
func (t *Transaction) IsParticipant(userID string) bool {
	return userID != "" && (userID == t.BuyerID || userID == t.SellerID)
}

// TransactionEvent is one step in a transaction's history, including
// transient reporting states the stored status moves straight past.
type TransactionEvent struct {
	ID            string            `json:"id"`
	TransactionID string            `json:"transactionId"`
	From          TransactionStatus `json:"from"`
	To            TransactionStatus `json:"to"`
	Action        string            `json:"action"`
	Actor         string            `json:"actor"`
	Note          string            `json:"note,omitempty"`
	At            time.Time         `json:"at"`
}
