// Package notify delivers committed state changes to buyers and sellers.
//
// Delivery is fire-and-forget: services call Notify after their atomic unit
// commits, and a failing sink never rolls anything back. Sinks are composed
// with Multi and decoupled from the caller with Async.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType names a notification.
type EventType string

const (
	EventOfferCreated       EventType = "offer.created"
	EventOfferAccepted      EventType = "offer.accepted"
	EventOfferRejected      EventType = "offer.rejected"
	EventOfferCountered     EventType = "offer.countered"
	EventOfferExpired       EventType = "offer.expired"
	EventOfferCancelled     EventType = "offer.cancelled"
	EventTransactionCreated EventType = "transaction.created"
	EventTransactionUpdated EventType = "transaction.status_changed"
	EventTransactionFlagged EventType = "transaction.flagged"
	EventDisputeOpened      EventType = "dispute.opened"
	EventDisputeResolved    EventType = "dispute.resolved"
	EventPayoutSent         EventType = "payout.sent"
	EventPayoutFailed       EventType = "payout.failed"
)

// Event is one notification addressed to a single user.
type Event struct {
	ID      string         `json:"id"`
	UserID  string         `json:"userId"`
	Type    EventType      `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// Notifier delivers an event somewhere.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Event) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// Nop drops every event.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Event) error { return nil }

// Multi delivers to every sink and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes events to a structured logger. Useful as a development sink
// and as an audit trail.
type Log struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l Log) Notify(_ context.Context, e Event) error {
	l.Logger.Info("notification", "type", e.Type, "userId", e.UserID, "eventId", e.ID)
	return nil
}
