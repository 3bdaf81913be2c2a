// Package disputes is the hook an external moderation process uses to
// freeze a transaction and force one of its two terminal resolutions.
// Mediation policy itself lives outside the engine.
package disputes

import (
	"context"
	"errors"

	"github.com/mbd888/escrowd/internal/domain"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/notify"
	"github.com/mbd888/escrowd/internal/storage"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/transactions"
	"github.com/prometheus/client_golang/prometheus"
)

// MaxReasonLength caps the free-text dispute reason.
const MaxReasonLength = 2000

var disputesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: metrics.Namespace,
	Subsystem: "dispute",
	Name:      "events_total",
	Help:      "Disputes opened and resolved, by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(disputesTotal)
}

// Service opens and resolves disputes.
type Service struct {
	store storage.Store
	txns  *transactions.Service
}

// NewService creates a dispute service.
func NewService(store storage.Store, txns *transactions.Service) *Service {
	return &Service{store: store, txns: txns}
}

// Open freezes a held transaction. Only the buyer or seller may open a
// dispute, and only from ESCROW_HELD or TRANSFER_PENDING.
func (s *Service) Open(ctx context.Context, transactionID, actor, reason string) (*domain.Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.Open", traces.TransactionID(transactionID), traces.Actor(actor))
	defer span.End()

	if reason == "" {
		return nil, domain.Invalid("reason is required")
	}
	if len(reason) > MaxReasonLength {
		return nil, domain.Invalid("reason exceeds %d characters", MaxReasonLength)
	}

	var (
		d   *domain.Dispute
		eff transactions.Effects
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		t, err := tx.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		eff, err = s.txns.OpenDisputeTx(ctx, tx, t, actor, reason)
		if err != nil {
			return err
		}
		now := s.txns.Clock().Now()
		d = &domain.Dispute{
			ID:            idgen.WithPrefix(idgen.PrefixDispute),
			TransactionID: t.ID,
			OpenedBy:      actor,
			Reason:        reason,
			OpenedAt:      now,
		}
		if err := tx.CreateDispute(ctx, d); err != nil {
			return err
		}
		eff.Events = append(eff.Events, events(t, notify.EventDisputeOpened, d)...)
		return nil
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	disputesTotal.WithLabelValues("opened").Inc()
	logging.L(ctx).Info("dispute opened", "disputeId", d.ID, "transactionId", transactionID, "openedBy", actor)
	s.txns.Commit(ctx, eff)
	return d, nil
}

// Resolve applies a mediator's decision: release_seller completes the sale,
// refund_buyer refunds it. A dispute resolves at most once.
func (s *Service) Resolve(ctx context.Context, disputeID string, resolution domain.Resolution, mediatorID string) (*domain.Dispute, *domain.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.Resolve",
		traces.DisputeID(disputeID), traces.Actor(mediatorID), traces.Action(string(resolution)))
	defer span.End()

	if !resolution.Valid() {
		return nil, nil, domain.Invalid("resolution must be release_seller or refund_buyer")
	}
	if mediatorID == "" {
		return nil, nil, domain.Invalid("mediator is required")
	}

	pre, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, nil, err
	}
	preTxn, err := s.store.GetTransaction(ctx, pre.TransactionID)
	if err != nil {
		return nil, nil, err
	}

	var (
		d   *domain.Dispute
		t   *domain.Transaction
		eff transactions.Effects
	)
	err = s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		l, err := tx.LockListing(ctx, preTxn.ListingID)
		if errors.Is(err, domain.ErrListingNotFound) {
			l = nil
		} else if err != nil {
			return err
		}
		t, err = tx.LockTransaction(ctx, pre.TransactionID)
		if err != nil {
			return err
		}
		d, err = tx.LockDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if !d.IsOpen() {
			return domain.ErrDisputeResolved
		}

		eff, err = s.txns.ResolveDisputeTx(ctx, tx, t, l, resolution, mediatorID)
		if err != nil {
			return err
		}
		now := s.txns.Clock().Now()
		d.Resolution = resolution
		d.MediatorID = mediatorID
		d.ResolvedAt = &now
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		eff.Events = append(eff.Events, events(t, notify.EventDisputeResolved, d)...)
		return nil
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, nil, err
	}
	disputesTotal.WithLabelValues(string(resolution)).Inc()
	logging.L(ctx).Info("dispute resolved",
		"disputeId", d.ID, "transactionId", t.ID, "resolution", resolution, "mediator", mediatorID)
	s.txns.Commit(ctx, eff)
	return d, t, nil
}

// Get returns a dispute.
func (s *Service) Get(ctx context.Context, id string) (*domain.Dispute, error) {
	return s.store.GetDispute(ctx, id)
}

// ListByTransaction returns a transaction's disputes, oldest first.
func (s *Service) ListByTransaction(ctx context.Context, transactionID string) ([]*domain.Dispute, error) {
	return s.store.ListDisputesByTransaction(ctx, transactionID)
}

func events(t *domain.Transaction, typ notify.EventType, d *domain.Dispute) []notify.Event {
	payload := map[string]any{
		"disputeId":     d.ID,
		"transactionId": t.ID,
		"code":          t.Code,
		"status":        t.Status,
	}
	if d.Resolution != "" {
		payload["resolution"] = d.Resolution
	}
	out := make([]notify.Event, 0, 2)
	for _, user := range []string{t.BuyerID, t.SellerID} {
		out = append(out, notify.Event{
			ID:      idgen.WithPrefix(idgen.PrefixEvent),
			UserID:  user,
			Type:    typ,
			Payload: payload,
			At:      d.OpenedAt,
		})
	}
	return out
}
