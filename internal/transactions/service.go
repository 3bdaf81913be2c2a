// Package transactions owns the transaction entity and its lifecycle:
// payment, escrow hold, transfer confirmation, completion, dispute,
// cancellation and refund.
//
// Every transition goes through Plan, so the table in fsm.go is the only
// definition of what is legal. Each operation locks the transaction row,
// checks the table, moves funds through the ledger and writes the new
// status in one storage.Atomic unit. Gateway calls and notifications
// happen outside that unit.
package transactions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/clock"
	"github.com/mbd888/escrowd/internal/domain"
	"github.com/mbd888/escrowd/internal/fees"
	"github.com/mbd888/escrowd/internal/gateway"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/kyc"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/notify"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/storage"
	"github.com/mbd888/escrowd/internal/traces"
)

const (
	// DefaultPaymentWindow is how long a buyer has to pay.
	DefaultPaymentWindow = 72 * time.Hour
	// DefaultReceiptWindow is how long after transfer the buyer has to
	// confirm receipt or dispute before the sale completes on its own.
	DefaultReceiptWindow = 7 * 24 * time.Hour

	// SystemActor is recorded for sweep-driven transitions.
	SystemActor = "system"

	maxCodeAttempts = 5
)

// PayoutTrigger wakes the payout dispatcher after a release or refund commits.
type PayoutTrigger interface {
	Trigger()
}

// Service implements the transaction state machine.
type Service struct {
	store         storage.Store
	ledger        *ledger.Ledger
	rates         fees.Rates
	clock         clock.Clock
	paymentWindow time.Duration
	receiptWindow time.Duration
	gateway       gateway.Gateway
	kyc           *kyc.Gate
	notifier      notify.Notifier
	payouts       PayoutTrigger
	logger        *slog.Logger
	newCode       func() string
}

// NewService creates a transaction service. rates are captured on every
// transaction at creation.
func NewService(store storage.Store, l *ledger.Ledger, rates fees.Rates) *Service {
	return &Service{
		store:         store,
		ledger:        l,
		rates:         rates,
		clock:         clock.System(),
		paymentWindow: DefaultPaymentWindow,
		receiptWindow: DefaultReceiptWindow,
		notifier:      notify.Nop{},
		logger:        slog.Default(),
		newCode:       idgen.Code,
	}
}

// WithClock sets the time source.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// WithWindows sets the payment and receipt windows. A zero receipt window
// disables auto-completion.
func (s *Service) WithWindows(payment, receipt time.Duration) *Service {
	if payment > 0 {
		s.paymentWindow = payment
	}
	s.receiptWindow = receipt
	return s
}

// WithGateway sets the payment gateway used by Pay.
func (s *Service) WithGateway(g gateway.Gateway) *Service {
	s.gateway = g
	return s
}

// WithKYC gates direct purchases on verification level.
func (s *Service) WithKYC(g *kyc.Gate) *Service {
	s.kyc = g
	return s
}

// WithNotifier sets where committed changes are announced.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithPayoutTrigger sets the dispatcher woken after releases and refunds.
func (s *Service) WithPayoutTrigger(p PayoutTrigger) *Service {
	s.payouts = p
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithCodeGenerator replaces the transaction code generator.
func (s *Service) WithCodeGenerator(gen func() string) *Service {
	s.newCode = gen
	return s
}

// Store returns the underlying store.
func (s *Service) Store() storage.Store { return s.store }

// Clock returns the service clock.
func (s *Service) Clock() clock.Clock { return s.clock }

// Rates returns the fee rates applied to new transactions.
func (s *Service) Rates() fees.Rates { return s.rates }

// Effects collects what must happen once an atomic unit commits.
type Effects struct {
	Events      []notify.Event
	KickPayouts bool

	history []*domain.TransactionEvent
	flags   []flagged
}

type flagged struct {
	transactionID string
	cause         string
	detail        string
}

// Merge appends o to e.
func (e *Effects) Merge(o Effects) {
	e.Events = append(e.Events, o.Events...)
	e.KickPayouts = e.KickPayouts || o.KickPayouts
	e.history = append(e.history, o.history...)
	e.flags = append(e.flags, o.flags...)
}

// Commit announces committed changes. Call only after the unit that
// produced eff has committed; failures here are logged and never undo
// anything.
func (s *Service) Commit(ctx context.Context, eff Effects) {
	for _, h := range eff.history {
		if h.Action == "create" {
			continue
		}
		metrics.TransactionTransitionsTotal.WithLabelValues(h.Action, string(h.To)).Inc()
		logging.L(ctx).Info("transaction transition",
			"transactionId", h.TransactionID, "from", h.From, "to", h.To, "action", h.Action, "actor", h.Actor)
	}
	for _, f := range eff.flags {
		metrics.FlaggedTransactionsTotal.WithLabelValues(f.cause).Inc()
		logging.L(ctx).Warn("transaction flagged for follow-up", "transactionId", f.transactionID, "cause", f.cause, "detail", f.detail)
	}
	for _, e := range eff.Events {
		if err := s.notifier.Notify(ctx, e); err != nil {
			s.logger.Warn("notification failed", "type", e.Type, "userId", e.UserID, "error", err)
		}
	}
	if eff.KickPayouts && s.payouts != nil {
		s.payouts.Trigger()
	}
}

// apply moves t along action inside tx, recording history for every step
// including a reporting state the stored status skips.
func (s *Service) apply(ctx context.Context, tx storage.Tx, t *domain.Transaction, action Action, actor, note string) (Effects, error) {
	step, err := Plan(t.Status, action)
	if err != nil {
		return Effects{}, err
	}
	now := s.clock.Now()

	var eff Effects
	from := t.Status
	hops := []domain.TransactionStatus{step.To}
	if step.Via != "" {
		hops = []domain.TransactionStatus{step.Via, step.To}
	}
	for _, to := range hops {
		ev := &domain.TransactionEvent{
			ID:            idgen.WithPrefix(idgen.PrefixEvent),
			TransactionID: t.ID,
			From:          from,
			To:            to,
			Action:        string(action),
			Actor:         actor,
			Note:          note,
			At:            now,
		}
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return Effects{}, err
		}
		eff.history = append(eff.history, ev)
		from = to
	}

	t.Status = step.To
	t.UpdatedAt = now
	if err := tx.UpdateTransaction(ctx, t); err != nil {
		return Effects{}, err
	}

	eff.Events = statusEvents(t, action, now)
	return eff, nil
}

func statusEvents(t *domain.Transaction, action Action, now time.Time) []notify.Event {
	payload := map[string]any{
		"transactionId": t.ID,
		"code":          t.Code,
		"status":        t.Status,
		"action":        action,
	}
	return []notify.Event{
		{ID: idgen.WithPrefix(idgen.PrefixEvent), UserID: t.BuyerID, Type: notify.EventTransactionUpdated, Payload: payload, At: now},
		{ID: idgen.WithPrefix(idgen.PrefixEvent), UserID: t.SellerID, Type: notify.EventTransactionUpdated, Payload: payload, At: now},
	}
}

// --- Creation ---

// CreateParams describes a new transaction.
type CreateParams struct {
	Listing       *domain.Listing
	OfferID       string
	BuyerID       string
	Price         int64
	PaymentMethod string
}

// CreateTx creates a transaction for a locked listing and marks the
// listing SOLD in the same unit. It fails with ListingAlreadySold or
// ListingNotAvailable when the listing cannot be bought; this is what
// makes concurrent acceptances on one listing produce one transaction.
func (s *Service) CreateTx(ctx context.Context, tx storage.Tx, p CreateParams) (*domain.Transaction, Effects, error) {
	l := p.Listing
	if err := l.CheckPurchasable(); err != nil {
		return nil, Effects{}, err
	}
	if p.BuyerID == l.SellerID {
		return nil, Effects{}, domain.ErrSelfOffer
	}
	b, err := s.rates.Apply(p.Price)
	if err != nil {
		return nil, Effects{}, err
	}

	code, err := s.allocateCode(ctx, tx)
	if err != nil {
		return nil, Effects{}, err
	}

	now := s.clock.Now()
	l.Status = domain.ListingSold
	l.UpdatedAt = now
	if err := tx.PutListing(ctx, l); err != nil {
		return nil, Effects{}, err
	}

	t := &domain.Transaction{
		ID:                idgen.WithPrefix(idgen.PrefixTransaction),
		Code:              code,
		ListingID:         l.ID,
		OfferID:           p.OfferID,
		BuyerID:           p.BuyerID,
		SellerID:          l.SellerID,
		Status:            domain.TxInitiated,
		AgreedPrice:       b.AgreedPrice,
		BuyerFeeRate:      s.rates.Buyer,
		SellerFeeRate:     s.rates.Seller,
		PlatformFeeRate:   s.rates.Platform(),
		BuyerFee:          b.BuyerFee,
		SellerFee:         b.SellerFee,
		PlatformFee:       b.PlatformFee,
		SellerNetAmount:   b.SellerNetAmount,
		TotalBuyerPayment: b.TotalBuyerPayment,
		PaymentMethod:     p.PaymentMethod,
		CreatedAt:         now,
		UpdatedAt:         now,
		PaymentDeadline:   now.Add(s.paymentWindow),
	}
	if err := tx.CreateTransaction(ctx, t); err != nil {
		return nil, Effects{}, err
	}

	ev := &domain.TransactionEvent{
		ID:            idgen.WithPrefix(idgen.PrefixEvent),
		TransactionID: t.ID,
		To:            domain.TxInitiated,
		Action:        "create",
		Actor:         p.BuyerID,
		At:            now,
	}
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return nil, Effects{}, err
	}

	payload := map[string]any{
		"transactionId":     t.ID,
		"code":              t.Code,
		"listingId":         t.ListingID,
		"agreedPrice":       t.AgreedPrice,
		"totalBuyerPayment": t.TotalBuyerPayment,
		"paymentDeadline":   t.PaymentDeadline,
	}
	eff := Effects{
		history: []*domain.TransactionEvent{ev},
		Events: []notify.Event{
			{ID: idgen.WithPrefix(idgen.PrefixEvent), UserID: t.BuyerID, Type: notify.EventTransactionCreated, Payload: payload, At: now},
			{ID: idgen.WithPrefix(idgen.PrefixEvent), UserID: t.SellerID, Type: notify.EventTransactionCreated, Payload: payload, At: now},
		},
	}
	return t, eff, nil
}

func (s *Service) allocateCode(ctx context.Context, tx storage.Tx) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code := s.newCode()
		exists, err := tx.TransactionCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", domain.ErrCodeExhausted
}

// CreateDirect buys a listing at its asking price without negotiation.
// Open offers on the listing are closed as superseded.
func (s *Service) CreateDirect(ctx context.Context, listingID, buyerID, paymentMethod string) (*domain.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transactions.CreateDirect", traces.ListingID(listingID), traces.Actor(buyerID))
	defer span.End()

	if buyerID == "" {
		return nil, domain.Invalid("buyer is required")
	}
	l, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if err := l.CheckPurchasable(); err != nil {
		return nil, err
	}
	if b, err := s.rates.Apply(l.AskingPrice); err == nil {
		if err := s.kyc.Check(ctx, buyerID, b.TotalBuyerPayment); err != nil {
			return nil, err
		}
	}

	var (
		t   *domain.Transaction
		eff Effects
	)
	err = s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		eff = Effects{}
		l, err := tx.LockListing(ctx, listingID)
		if err != nil {
			return err
		}
		open, err := tx.LockOpenOffersByListing(ctx, listingID)
		if err != nil {
			return err
		}

		t, eff, err = s.CreateTx(ctx, tx, CreateParams{
			Listing:       l,
			BuyerID:       buyerID,
			Price:         l.AskingPrice,
			PaymentMethod: paymentMethod,
		})
		if err != nil {
			return err
		}

		now := s.clock.Now()
		for _, o := range open {
			if err := o.Transition(domain.OfferExpired, domain.ReasonSuperseded, now); err != nil {
				return err
			}
			if err := tx.UpdateOffer(ctx, o); err != nil {
				return err
			}
			eff.Events = append(eff.Events, notify.Event{
				ID:      idgen.WithPrefix(idgen.PrefixEvent),
				UserID:  o.BuyerID,
				Type:    notify.EventOfferExpired,
				Payload: map[string]any{"offerId": o.ID, "listingId": o.ListingID, "reason": o.ClosedReason},
				At:      now,
			})
		}
		return nil
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	s.Commit(ctx, eff)
	return t, nil
}

// --- Payment ---

// RequestPayment records the buyer's payment method and moves INITIATED
// to AWAITING_PAYMENT.
func (s *Service) RequestPayment(ctx context.Context, id, actor, method string) (*domain.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transactions.RequestPayment", traces.TransactionID(id), traces.Actor(actor))
	defer span.End()

	return s.paymentStep(ctx, id, ActionRequestPayment, func(ctx context.Context, tx storage.Tx, t *domain.Transaction) (Effects, error) {
		if actor != t.BuyerID {
			return Effects{}, domain.ErrNotParticipant
		}
		if method != "" {
			t.PaymentMethod = method
		}
		return s.apply(ctx, tx, t, ActionRequestPayment, actor, "")
	})
}

// ConfirmPayment records a settled payment and places the buyer's total in
// escrow. It is called by Pay and by asynchronous gateway callbacks.
//
// Past the payment deadline the transaction is cancelled instead and
// PaymentDeadlineExceeded is returned. A charge that settles on a
// transaction that can no longer take it is dealt with in the same unit:
// on a cancelled transaction the charge is returned to the buyer, and in
// every case the transaction is flagged. A repeated settlement for the
// charge already recorded is a no-op.
func (s *Service) ConfirmPayment(ctx context.Context, id, gatewayRef string) (*domain.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transactions.ConfirmPayment", traces.TransactionID(id))
	defer span.End()

	var (
		t      *domain.Transaction
		eff    Effects
		result error
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		eff, result = Effects{}, nil
		var err error
		t, err = tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		if gatewayRef != "" && t.PaidAt != nil && t.GatewayRef == gatewayRef {
			return nil
		}

		if _, perr := Plan(t.Status, ActionConfirmPayment); perr != nil {
			result = perr
		} else if s.clock.Now().After(t.PaymentDeadline) {
			result = domain.ErrPaymentDeadlineExceeded
			if eff, err = s.expire(ctx, tx, t); err != nil {
				return err
			}
		} else {
			eff, err = s.hold(ctx, tx, t, gatewayRef)
			return err
		}

		if gatewayRef == "" {
			return nil
		}
		orphan, err := s.orphanedCharge(ctx, tx, t, gatewayRef)
		if err != nil {
			return err
		}
		eff.Merge(orphan)
		return nil
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	s.Commit(ctx, eff)
	if result != nil {
		traces.Fail(span, result)
		return t, result
	}
	return t, nil
}

func (s *Service) hold(ctx context.Context, tx storage.Tx, t *domain.Transaction, gatewayRef string) (Effects, error) {
	if _, err := s.ledger.Hold(ctx, tx, t.ID, t.TotalBuyerPayment); err != nil {
		return Effects{}, err
	}
	now := s.clock.Now()
	if gatewayRef != "" {
		t.GatewayRef = gatewayRef
	}
	t.PaidAt = &now
	return s.apply(ctx, tx, t, ActionConfirmPayment, SystemActor, gatewayRef)
}

// orphanedCharge handles a charge that settled after t stopped accepting
// payment. A cancelled transaction never held funds, so the charge goes
// back to the buyer through the payout outbox. Anywhere else the buyer may
// have paid twice and an operator decides.
func (s *Service) orphanedCharge(ctx context.Context, tx storage.Tx, t *domain.Transaction, ref string) (Effects, error) {
	if t.Status != domain.TxCancelled {
		eff := s.flag(t, "unexpected_settlement", fmt.Sprintf("charge %s settled while %s", ref, t.Status))
		return eff, tx.UpdateTransaction(ctx, t)
	}

	p, err := s.ledger.ReturnCharge(ctx, tx, t, ref, t.TotalBuyerPayment)
	if err != nil {
		return Effects{}, err
	}
	if p == nil {
		if ref == t.GatewayRef {
			// Redelivered callback; the charge is already on its way back.
			return Effects{}, nil
		}
		eff := s.flag(t, "unexpected_settlement", fmt.Sprintf("second charge %s settled after cancellation", ref))
		return eff, tx.UpdateTransaction(ctx, t)
	}

	if t.GatewayRef == "" {
		t.GatewayRef = ref
	}
	eff := s.flag(t, "late_settlement", fmt.Sprintf("charge %s returned as %s", ref, p.ID))
	eff.KickPayouts = true
	return eff, tx.UpdateTransaction(ctx, t)
}

// paymentStep runs a pre-escrow step under lock: table check first, then
// the deadline, then fn. A lapsed deadline commits the cancellation and
// reports PaymentDeadlineExceeded.
func (s *Service) paymentStep(ctx context.Context, id string, action Action, fn func(context.Context, storage.Tx, *domain.Transaction) (Effects, error)) (*domain.Transaction, error) {
	var (
		t       *domain.Transaction
		eff     Effects
		expired bool
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		eff, expired = Effects{}, false
		var err error
		t, err = tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		if _, err := Plan(t.Status, action); err != nil {
			return err
		}
		if s.clock.Now().After(t.PaymentDeadline) {
			expired = true
			eff, err = s.expire(ctx, tx, t)
			return err
		}
		eff, err = fn(ctx, tx, t)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Commit(ctx, eff)
	if expired {
		return t, domain.ErrPaymentDeadlineExceeded
	}
	return t, nil
}

func (s *Service) expire(ctx context.Context, tx storage.Tx, t *domain.Transaction) (Effects, error) {
	now := s.clock.Now()
	t.CancelledAt = &now
	t.CancelReason = domain.CancelReasonPaymentDeadline
	return s.apply(ctx, tx, t, ActionExpirePayment, SystemActor, domain.CancelReasonPaymentDeadline)
}

// Pay charges the buyer through the gateway and confirms the payment. The
// charge runs outside any database transaction with the transaction id as
// idempotency key, so a retried Pay never charges twice. If the gateway
// still fails after retries the transaction keeps its status, is flagged
// for follow-up and a GatewayError is returned. Asynchronous methods
// return with the transaction AWAITING_PAYMENT until ConfirmPayment. A
// charge that succeeds after the transaction stopped accepting payment is
// returned by ConfirmPayment.
func (s *Service) Pay(ctx context.Context, id, actor, payerRef string) (*domain.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transactions.Pay", traces.TransactionID(id), traces.Actor(actor))
	defer span.End()

	if s.gateway == nil {
		return nil, errors.New("transactions: no payment gateway configured")
	}

	t, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor != t.BuyerID {
		return nil, domain.ErrNotParticipant
	}
	if _, err := Plan(t.Status, ActionConfirmPayment); err != nil {
		return nil, err
	}
	if s.clock.Now().After(t.PaymentDeadline) {
		if _, err := s.ExpirePayment(ctx, id); err != nil {
			return nil, err
		}
		return nil, domain.ErrPaymentDeadlineExceeded
	}

	res, err := s.gateway.Charge(ctx, gateway.ChargeRequest{
		Amount:         t.TotalBuyerPayment,
		Method:         t.PaymentMethod,
		PayerRef:       payerRef,
		IdempotencyKey: t.ID,
	})
	if err != nil {
		traces.Fail(span, err)
		var ge *domain.GatewayError
		if !errors.As(err, &ge) {
			err = &domain.GatewayError{Op: "charge", Err: err}
		}
		if !errors.Is(err, gateway.ErrDeclined) {
			if ferr := s.Flag(ctx, id, "charge_failed", err.Error()); ferr != nil {
				s.logger.Error("failed to flag transaction", "transactionId", id, "error", ferr)
			}
		}
		return nil, err
	}

	if !res.Settled {
		return s.awaitSettlement(ctx, id, actor, res.Ref)
	}

	return s.ConfirmPayment(ctx, id, res.Ref)
}

func (s *Service) awaitSettlement(ctx context.Context, id, actor, ref string) (*domain.Transaction, error) {
	var (
		t   *domain.Transaction
		eff Effects
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		eff = Effects{}
		var err error
		t, err = tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		t.GatewayRef = ref
		if t.Status == domain.TxInitiated {
			eff, err = s.apply(ctx, tx, t, ActionRequestPayment, actor, ref)
			return err
		}
		t.UpdatedAt = s.clock.Now()
		return tx.UpdateTransaction(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	s.Commit(ctx, eff)
	return t, nil
}

// --- Delivery ---

// ConfirmTransfer records that the seller handed the item over. It does
// not release funds.
func (s *Service) ConfirmTransfer(ctx context.Context, id, actor string) (*domain.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transactions.ConfirmTransfer", traces.TransactionID(id), traces.Actor(actor))
	defer span.End()

	return s.mutate(ctx, id, func(ctx context.Context, tx storage.Tx, t *domain.Transaction) (Effects, error) {
		if actor != t.SellerID {
			return Effects{}, domain.ErrNotParticipant
		}
		if _, err := Plan(t.Status, ActionConfirmTransfer); err != nil {
			return Effects{}, err
		}
		now := s.clock.Now()
		t.TransferConfirmedAt = &now
		if s.receiptWindow > 0 {
			deadline := now.Add(s.receiptWindow)
			t.ReceiptDeadline = &deadline
		}
		return s.apply(ctx, tx, t, ActionConfirmTransfer, actor, "")
	})
}

// ConfirmReceipt completes the sale on the buyer's word and releases the
// seller's net amount.
func (s *Service) ConfirmReceipt(ctx context.Context, id, actor string) (*domain.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transactions.ConfirmReceipt", traces.TransactionID(id), traces.Actor(actor))
	defer span.End()

	return s.mutateWithListing(ctx, id, func(ctx context.Context, tx storage.Tx, t *domain.Transaction, l *domain.Listing) (Effects, error) {
		if actor != t.BuyerID {
			return Effects{}, domain.ErrNotParticipant
		}
		return s.complete(ctx, tx, t, l, ActionConfirmReceipt, actor, "buyer_confirmed")
	})
}

// AutoComplete completes a TRANSFER_PENDING transaction whose receipt
// window has elapsed. It reports false when the transaction is no longer
// due, which makes repeated sweeps harmless.
func (s *Service) AutoComplete(ctx context.Context, id string) (bool, error) {
	ctx, span := traces.StartSpan(ctx, "transactions.AutoComplete", traces.TransactionID(id))
	defer span.End()

	done := false
	_, err := s.mutateWithListing(ctx, id, func(ctx context.Context, tx storage.Tx, t *domain.Transaction, l *domain.Listing) (Effects, error) {
		if t.Status != domain.TxTransferPending || t.ReceiptDeadline == nil || !s.clock.Now().After(*t.ReceiptDeadline) {
			return Effects{}, nil
		}
		done = true
		return s.complete(ctx, tx, t, l, ActionAutoComplete, SystemActor, "receipt_window_elapsed")
	})
	if err != nil {
		return false, err
	}
	return done, nil
}

func (s *Service) complete(ctx context.Context, tx storage.Tx, t *domain.Transaction, l *domain.Listing, action Action, actor, reason string) (Effects, error) {
	if _, err := Plan(t.Status, action); err != nil {
		return Effects{}, err
	}
	if _, _, err := s.ledger.Release(ctx, tx, t, reason); err != nil {
		return Effects{}, err
	}
	now := s.clock.Now()
	t.CompletedAt = &now
	if err := markSold(ctx, tx, l, now); err != nil {
		return Effects{}, err
	}
	eff, err := s.apply(ctx, tx, t, action, actor, reason)
	if err != nil {
		return Effects{}, err
	}
	eff.KickPayouts = true
	return eff, nil
}

func markSold(ctx context.Context, tx storage.Tx, l *domain.Listing, now time.Time) error {
	if l == nil || l.Status == domain.ListingSold {
		return nil
	}
	l.Status = domain.ListingSold
	l.UpdatedAt = now
	return tx.PutListing(ctx, l)
}

// --- Disputes ---

// OpenDisputeTx freezes t. The caller has locked t and records the
// dispute row in the same unit.
func (s *Service) OpenDisputeTx(ctx context.Context, tx storage.Tx, t *domain.Transaction, actor, reason string) (Effects, error) {
	if !t.IsParticipant(actor) {
		return Effects{}, domain.ErrNotParticipant
	}
	return s.apply(ctx, tx, t, ActionOpenDispute, actor, reason)
}

// ResolveDisputeTx settles a disputed transaction: release_seller pays the
// seller and completes, refund_buyer refunds and ends REFUNDED. The caller
// has locked l (may be nil) and t, in that order.
func (s *Service) ResolveDisputeTx(ctx context.Context, tx storage.Tx, t *domain.Transaction, l *domain.Listing, resolution domain.Resolution, mediatorID string) (Effects, error) {
	now := s.clock.Now()
	note := string(resolution)
	switch resolution {
	case domain.ResolutionReleaseSeller:
		if _, err := Plan(t.Status, ActionResolveRelease); err != nil {
			return Effects{}, err
		}
		if _, _, err := s.ledger.Release(ctx, tx, t, "dispute_"+note); err != nil {
			return Effects{}, err
		}
		t.CompletedAt = &now
		if err := markSold(ctx, tx, l, now); err != nil {
			return Effects{}, err
		}
		eff, err := s.apply(ctx, tx, t, ActionResolveRelease, mediatorID, note)
		eff.KickPayouts = err == nil
		return eff, err

	case domain.ResolutionRefundBuyer:
		if _, err := Plan(t.Status, ActionResolveRefund); err != nil {
			return Effects{}, err
		}
		if _, _, err := s.ledger.Refund(ctx, tx, t, "dispute_"+note); err != nil {
			return Effects{}, err
		}
		t.RefundedAt = &now
		eff, err := s.apply(ctx, tx, t, ActionResolveRefund, mediatorID, note)
		eff.KickPayouts = err == nil
		return eff, err

	default:
		return Effects{}, domain.Invalid("unknown resolution %q", resolution)
	}
}

// --- Cancellation and refunds ---

// Cancel ends a transaction before funds are held. It fails with
// PaymentInFlight while an asynchronous charge is awaiting settlement; the
// payment deadline still expires such a transaction, and a charge that
// settles afterwards is returned to the buyer.
func (s *Service) Cancel(ctx context.Context, id, actor, reason string) (*domain.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transactions.Cancel", traces.TransactionID(id), traces.Actor(actor))
	defer span.End()

	return s.mutate(ctx, id, func(ctx context.Context, tx storage.Tx, t *domain.Transaction) (Effects, error) {
		if !t.IsParticipant(actor) {
			return Effects{}, domain.ErrNotParticipant
		}
		if _, err := Plan(t.Status, ActionCancel); err != nil {
			return Effects{}, err
		}
		if t.GatewayRef != "" && t.PaidAt == nil {
			return Effects{}, domain.ErrPaymentInFlight
		}
		now := s.clock.Now()
		t.CancelledAt = &now
		t.CancelReason = reason
		return s.apply(ctx, tx, t, ActionCancel, actor, reason)
	})
}

// ExpirePayment cancels a transaction whose payment deadline has passed.
// It reports false when the transaction is not (or no longer) due.
func (s *Service) ExpirePayment(ctx context.Context, id string) (bool, error) {
	ctx, span := traces.StartSpan(ctx, "transactions.ExpirePayment", traces.TransactionID(id))
	defer span.End()

	done := false
	_, err := s.mutate(ctx, id, func(ctx context.Context, tx storage.Tx, t *domain.Transaction) (Effects, error) {
		switch t.Status {
		case domain.TxInitiated, domain.TxAwaitingPayment, domain.TxPaymentConfirmed:
		default:
			return Effects{}, nil
		}
		if !s.clock.Now().After(t.PaymentDeadline) {
			return Effects{}, nil
		}
		done = true
		return s.expire(ctx, tx, t)
	})
	if err != nil {
		return false, err
	}
	return done, nil
}

// ForceRefund refunds a held transaction without a formal dispute.
func (s *Service) ForceRefund(ctx context.Context, id, adminID, reason string) (*domain.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transactions.ForceRefund", traces.TransactionID(id), traces.Actor(adminID))
	defer span.End()

	return s.mutate(ctx, id, func(ctx context.Context, tx storage.Tx, t *domain.Transaction) (Effects, error) {
		if _, err := Plan(t.Status, ActionForceRefund); err != nil {
			return Effects{}, err
		}
		if _, _, err := s.ledger.Refund(ctx, tx, t, "force_refund"); err != nil {
			return Effects{}, err
		}
		now := s.clock.Now()
		t.RefundedAt = &now
		eff, err := s.apply(ctx, tx, t, ActionForceRefund, adminID, reason)
		eff.KickPayouts = err == nil
		return eff, err
	})
}

// Flag marks a transaction for manual follow-up without changing its status.
func (s *Service) Flag(ctx context.Context, id, cause, detail string) error {
	var eff Effects
	err := s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		t, err := tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		eff = s.flag(t, cause, detail)
		return tx.UpdateTransaction(ctx, t)
	})
	if err != nil {
		return err
	}
	s.Commit(ctx, eff)
	return nil
}

// flag sets t's flag fields; the caller writes t.
func (s *Service) flag(t *domain.Transaction, cause, detail string) Effects {
	now := s.clock.Now()
	t.FlaggedAt = &now
	t.FlagReason = fmt.Sprintf("%s: %s", cause, detail)
	t.UpdatedAt = now
	return Effects{flags: []flagged{{transactionID: t.ID, cause: cause, detail: detail}}}
}

// --- Reads ---

// Get returns a transaction.
func (s *Service) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// GetByCode returns a transaction by its human-readable code.
func (s *Service) GetByCode(ctx context.Context, code string) (*domain.Transaction, error) {
	return s.store.GetTransactionByCode(ctx, code)
}

// Events returns a transaction's history, oldest first.
func (s *Service) Events(ctx context.Context, id string) ([]*domain.TransactionEvent, error) {
	if _, err := s.store.GetTransaction(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

// Hold returns the escrow hold for a transaction.
func (s *Service) Hold(ctx context.Context, id string) (*domain.EscrowHold, error) {
	return ledger.Get(ctx, s.store, id)
}

// Payouts returns the payouts enqueued for a transaction.
func (s *Service) Payouts(ctx context.Context, id string) ([]*domain.Payout, error) {
	return s.store.ListPayoutsByTransaction(ctx, id)
}

// ListByUser returns a page of transactions where userID is buyer or
// seller, newest first, plus the cursor for the next page ("" on the last).
func (s *Service) ListByUser(ctx context.Context, userID, cursor string, limit int) ([]*domain.Transaction, string, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	list, err := s.store.ListTransactionsByUser(ctx, userID, after, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next := pagination.ComputePage(list, limit, func(t *domain.Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, nil
}

// --- Unit helpers ---

func (s *Service) mutate(ctx context.Context, id string, fn func(context.Context, storage.Tx, *domain.Transaction) (Effects, error)) (*domain.Transaction, error) {
	var (
		t   *domain.Transaction
		eff Effects
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		t, err = tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		eff, err = fn(ctx, tx, t)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Commit(ctx, eff)
	return t, nil
}

// mutateWithListing locks the listing before the transaction, keeping the
// store's lock order. The listing id is immutable, so reading it unlocked
// first is safe.
func (s *Service) mutateWithListing(ctx context.Context, id string, fn func(context.Context, storage.Tx, *domain.Transaction, *domain.Listing) (Effects, error)) (*domain.Transaction, error) {
	pre, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}

	var (
		t   *domain.Transaction
		eff Effects
	)
	err = s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		l, err := tx.LockListing(ctx, pre.ListingID)
		if errors.Is(err, domain.ErrListingNotFound) {
			l = nil
		} else if err != nil {
			return err
		}
		t, err = tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		eff, err = fn(ctx, tx, t, l)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Commit(ctx, eff)
	return t, nil
}
