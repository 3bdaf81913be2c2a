package transactions

import (
	"github.com/mbd888/escrowd/internal/domain"
	"github.com/mbd888/escrowd/internal/metrics"
)

// Action is a request to move a transaction.
type Action string

const (
	ActionRequestPayment  Action = "request_payment"
	ActionConfirmPayment  Action = "confirm_payment"
	ActionConfirmTransfer Action = "confirm_transfer"
	ActionConfirmReceipt  Action = "confirm_receipt"
	ActionAutoComplete    Action = "auto_complete"
	ActionOpenDispute     Action = "open_dispute"
	ActionResolveRelease  Action = "resolve_release"
	ActionResolveRefund   Action = "resolve_refund"
	ActionCancel          Action = "cancel"
	ActionExpirePayment   Action = "expire_payment"
	ActionForceRefund     Action = "force_refund"
)

// AllActions lists every action.
var AllActions = []Action{
	ActionRequestPayment, ActionConfirmPayment, ActionConfirmTransfer, ActionConfirmReceipt,
	ActionAutoComplete, ActionOpenDispute, ActionResolveRelease, ActionResolveRefund,
	ActionCancel, ActionExpirePayment, ActionForceRefund,
}

// Step is where an action takes a transaction. Via, when set, is a
// reporting state recorded in history that the stored status moves past.
type Step struct {
	Via domain.TransactionStatus
	To  domain.TransactionStatus
}

var (
	toCancelled = Step{To: domain.TxCancelled}
	toHeld      = Step{Via: domain.TxPaymentConfirmed, To: domain.TxEscrowHeld}
	toDisputed  = Step{To: domain.TxDisputeOpened}
	toRefunded  = Step{To: domain.TxRefunded}
	toCompleted = Step{To: domain.TxCompleted}
)

// transitions is the whole state machine. Anything not listed is illegal.
var transitions = map[domain.TransactionStatus]map[Action]Step{
	domain.TxInitiated: {
		ActionRequestPayment: {To: domain.TxAwaitingPayment},
		ActionConfirmPayment: toHeld,
		ActionCancel:         toCancelled,
		ActionExpirePayment:  toCancelled,
	},
	domain.TxAwaitingPayment: {
		ActionConfirmPayment: toHeld,
		ActionCancel:         toCancelled,
		ActionExpirePayment:  toCancelled,
	},
	domain.TxPaymentConfirmed: {
		ActionConfirmPayment: {To: domain.TxEscrowHeld},
		ActionCancel:         toCancelled,
		ActionExpirePayment:  toCancelled,
	},
	domain.TxEscrowHeld: {
		ActionConfirmTransfer: {To: domain.TxTransferPending},
		ActionOpenDispute:     toDisputed,
		ActionForceRefund:     toRefunded,
	},
	domain.TxTransferPending: {
		ActionConfirmReceipt: toCompleted,
		ActionAutoComplete:   toCompleted,
		ActionOpenDispute:    toDisputed,
		ActionForceRefund:    toRefunded,
	},
	domain.TxDisputeOpened: {
		ActionResolveRelease: {Via: domain.TxDisputeResolved, To: domain.TxCompleted},
		ActionResolveRefund:  {Via: domain.TxDisputeResolved, To: domain.TxRefunded},
	},
}

// nominalTarget is the status an action aims for, reported in
// IllegalTransition errors when the action is not allowed at all.
var nominalTarget = map[Action]domain.TransactionStatus{
	ActionRequestPayment:  domain.TxAwaitingPayment,
	ActionConfirmPayment:  domain.TxEscrowHeld,
	ActionConfirmTransfer: domain.TxTransferPending,
	ActionConfirmReceipt:  domain.TxCompleted,
	ActionAutoComplete:    domain.TxCompleted,
	ActionOpenDispute:     domain.TxDisputeOpened,
	ActionResolveRelease:  domain.TxCompleted,
	ActionResolveRefund:   domain.TxRefunded,
	ActionCancel:          domain.TxCancelled,
	ActionExpirePayment:   domain.TxCancelled,
	ActionForceRefund:     domain.TxRefunded,
}

// Plan looks up action from status. It returns an IllegalTransitionError
// if the pair is not in the table.
func Plan(from domain.TransactionStatus, action Action) (Step, error) {
	if step, ok := transitions[from][action]; ok {
		return step, nil
	}
	metrics.IllegalTransitionsTotal.WithLabelValues("transaction", string(action)).Inc()
	return Step{}, &domain.IllegalTransitionError{
		Kind:   "transaction",
		From:   string(from),
		To:     string(nominalTarget[action]),
		Action: string(action),
	}
}

// Allowed lists the actions valid from status, in AllActions order.
func Allowed(from domain.TransactionStatus) []Action {
	var out []Action
	for _, a := range AllActions {
		if _, ok := transitions[from][a]; ok {
			out = append(out, a)
		}
	}
	return out
}
