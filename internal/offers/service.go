// Package offers implements price negotiation on a listing: a buyer's
// offer, the seller's accept, reject or counter, the buyer's answer to a
// counter, withdrawal and time-based expiry.
//
// Accepting an offer creates the transaction, marks the listing SOLD and
// closes every other open offer on the listing in one atomic unit, so two
// concurrent acceptances can never both succeed.
package offers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/domain"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/kyc"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/notify"
	"github.com/mbd888/escrowd/internal/storage"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/transactions"
)

const (
	// DefaultTTL is how long an offer stays open.
	DefaultTTL = 48 * time.Hour
	// DefaultCounterTTL is how long a buyer has to answer a counter.
	DefaultCounterTTL = 48 * time.Hour

	// MaxMessageLength caps offer and counter messages.
	MaxMessageLength = 1000
)

// Response is the seller's answer to a pending offer.
type Response string

const (
	ResponseAccept  Response = "accept"
	ResponseReject  Response = "reject"
	ResponseCounter Response = "counter"
)

// CreateRequest describes a new offer. A zero TTL uses the service default.
type CreateRequest struct {
	ListingID string
	BuyerID   string
	Amount    int64
	Message   string
	TTL       time.Duration
}

// RespondRequest is the seller's answer to an offer.
type RespondRequest struct {
	Action         Response
	CounterAmount  int64
	CounterMessage string
}

// Service implements the negotiation engine on top of the transaction
// service, which owns transaction creation and post-commit effects.
type Service struct {
	store      storage.Store
	txns       *transactions.Service
	ttl        time.Duration
	counterTTL time.Duration
	kyc        *kyc.Gate
	logger     *slog.Logger
}

// NewService creates an offer service.
func NewService(store storage.Store, txns *transactions.Service) *Service {
	return &Service{
		store:      store,
		txns:       txns,
		ttl:        DefaultTTL,
		counterTTL: DefaultCounterTTL,
		logger:     slog.Default(),
	}
}

// WithTTL sets the offer and counter lifetimes.
func (s *Service) WithTTL(offer, counter time.Duration) *Service {
	if offer > 0 {
		s.ttl = offer
	}
	if counter > 0 {
		s.counterTTL = counter
	}
	return s
}

// WithKYC gates offers on the buyer's verification level.
func (s *Service) WithKYC(g *kyc.Gate) *Service {
	s.kyc = g
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

func (s *Service) now() time.Time { return s.txns.Clock().Now() }

// Create records a buyer's offer on a negotiable listing.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Offer, error) {
	ctx, span := traces.StartSpan(ctx, "offers.Create",
		traces.ListingID(req.ListingID), traces.Actor(req.BuyerID), traces.Amount(req.Amount))
	defer span.End()

	if req.BuyerID == "" {
		return nil, domain.Invalid("buyer is required")
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidPrice
	}
	if len(req.Message) > MaxMessageLength {
		return nil, domain.Invalid("message exceeds %d characters", MaxMessageLength)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	if err := s.checkKYC(ctx, req.BuyerID, req.Amount); err != nil {
		return nil, err
	}

	var (
		o   *domain.Offer
		eff transactions.Effects
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		eff = transactions.Effects{}
		l, err := tx.LockListing(ctx, req.ListingID)
		if err != nil {
			return err
		}
		if req.BuyerID == l.SellerID {
			return domain.ErrSelfOffer
		}
		if !l.Negotiable {
			return domain.ErrListingNotNegotiable
		}
		if err := l.CheckPurchasable(); err != nil {
			return err
		}

		now := s.now()
		o = &domain.Offer{
			ID:        idgen.WithPrefix(idgen.PrefixOffer),
			ListingID: l.ID,
			BuyerID:   req.BuyerID,
			SellerID:  l.SellerID,
			Amount:    req.Amount,
			Message:   req.Message,
			Status:    domain.OfferPending,
			ExpiresAt: now.Add(ttl),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.CreateOffer(ctx, o); err != nil {
			return err
		}
		eff.Events = append(eff.Events, event(o.SellerID, notify.EventOfferCreated, o, now))
		return nil
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	s.commit(ctx, eff, o)
	return o, nil
}

// Respond applies the seller's accept, reject or counter to a pending
// offer. On accept it also returns the created transaction. An offer past
// its expiry is expired instead and OfferExpired is returned.
func (s *Service) Respond(ctx context.Context, id, actor string, req RespondRequest) (*domain.Offer, *domain.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "offers.Respond",
		traces.OfferID(id), traces.Actor(actor), traces.Action(string(req.Action)))
	defer span.End()

	switch req.Action {
	case ResponseAccept, ResponseReject:
	case ResponseCounter:
		if req.CounterAmount <= 0 {
			return nil, nil, domain.ErrInvalidPrice
		}
		if len(req.CounterMessage) > MaxMessageLength {
			return nil, nil, domain.Invalid("counter message exceeds %d characters", MaxMessageLength)
		}
	default:
		return nil, nil, domain.Invalid("action must be accept, reject or counter")
	}

	o, txn, err := s.negotiate(ctx, id, func(ctx context.Context, tx storage.Tx, o *domain.Offer, l *domain.Listing, eff *transactions.Effects) (*domain.Transaction, error) {
		if actor != o.SellerID {
			return nil, domain.ErrNotOfferOwner
		}
		if req.Action == ResponseAccept {
			if err := l.CheckPurchasable(); err != nil {
				return nil, err
			}
		}
		if o.Status != domain.OfferPending {
			return nil, domain.ErrOfferNotPending
		}

		now := s.now()
		switch req.Action {
		case ResponseAccept:
			return s.accept(ctx, tx, o, l, o.Amount, actor, eff)

		case ResponseReject:
			if err := s.transition(o, domain.OfferRejected, domain.ReasonRejected, now); err != nil {
				return nil, err
			}
			o.RespondedAt = &now
			eff.Events = append(eff.Events, event(o.BuyerID, notify.EventOfferRejected, o, now))

		case ResponseCounter:
			if err := s.transition(o, domain.OfferCountered, "", now); err != nil {
				return nil, err
			}
			amount := req.CounterAmount
			o.CounterAmount = &amount
			o.CounterMessage = req.CounterMessage
			o.RespondedAt = &now
			o.ExpiresAt = now.Add(s.counterTTL)
			eff.Events = append(eff.Events, event(o.BuyerID, notify.EventOfferCountered, o, now))
		}
		return nil, tx.UpdateOffer(ctx, o)
	})
	if err != nil {
		traces.Fail(span, err)
	}
	return o, txn, err
}

// AcceptCounter is the buyer taking the seller's counter. The transaction
// is created at the counter amount.
func (s *Service) AcceptCounter(ctx context.Context, id, actor string) (*domain.Offer, *domain.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "offers.AcceptCounter", traces.OfferID(id), traces.Actor(actor))
	defer span.End()

	pre, err := s.store.GetOffer(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if pre.BuyerID == actor && pre.CounterAmount != nil {
		if err := s.checkKYC(ctx, actor, *pre.CounterAmount); err != nil {
			return nil, nil, err
		}
	}

	o, txn, err := s.negotiate(ctx, id, func(ctx context.Context, tx storage.Tx, o *domain.Offer, l *domain.Listing, eff *transactions.Effects) (*domain.Transaction, error) {
		if actor != o.BuyerID {
			return nil, domain.ErrNotOfferOwner
		}
		if err := l.CheckPurchasable(); err != nil {
			return nil, err
		}
		if o.Status != domain.OfferCountered || o.CounterAmount == nil {
			return nil, domain.ErrOfferNotCountered
		}
		return s.accept(ctx, tx, o, l, *o.CounterAmount, actor, eff)
	})
	if err != nil {
		traces.Fail(span, err)
	}
	return o, txn, err
}

// RejectCounter is the buyer declining the seller's counter.
func (s *Service) RejectCounter(ctx context.Context, id, actor string) (*domain.Offer, error) {
	ctx, span := traces.StartSpan(ctx, "offers.RejectCounter", traces.OfferID(id), traces.Actor(actor))
	defer span.End()

	o, _, err := s.negotiate(ctx, id, func(ctx context.Context, tx storage.Tx, o *domain.Offer, _ *domain.Listing, eff *transactions.Effects) (*domain.Transaction, error) {
		if actor != o.BuyerID {
			return nil, domain.ErrNotOfferOwner
		}
		if o.Status != domain.OfferCountered {
			return nil, domain.ErrOfferNotCountered
		}
		now := s.now()
		if err := s.transition(o, domain.OfferRejected, domain.ReasonRejected, now); err != nil {
			return nil, err
		}
		eff.Events = append(eff.Events, event(o.SellerID, notify.EventOfferRejected, o, now))
		return nil, tx.UpdateOffer(ctx, o)
	})
	return o, err
}

// Cancel withdraws the buyer's open offer.
func (s *Service) Cancel(ctx context.Context, id, actor string) (*domain.Offer, error) {
	ctx, span := traces.StartSpan(ctx, "offers.Cancel", traces.OfferID(id), traces.Actor(actor))
	defer span.End()

	o, _, err := s.negotiate(ctx, id, func(ctx context.Context, tx storage.Tx, o *domain.Offer, _ *domain.Listing, eff *transactions.Effects) (*domain.Transaction, error) {
		if actor != o.BuyerID {
			return nil, domain.ErrNotOfferOwner
		}
		if !o.IsOpen() {
			return nil, domain.ErrOfferNotPending
		}
		now := s.now()
		if err := s.transition(o, domain.OfferCancelled, domain.ReasonWithdrawn, now); err != nil {
			return nil, err
		}
		eff.Events = append(eff.Events, event(o.SellerID, notify.EventOfferCancelled, o, now))
		return nil, tx.UpdateOffer(ctx, o)
	})
	return o, err
}

// Expire closes an open offer whose expiry has passed. It reports false
// when the offer is not (or no longer) due, so concurrent sweeps and lazy
// reads never expire an offer twice.
func (s *Service) Expire(ctx context.Context, id string) (bool, error) {
	ctx, span := traces.StartSpan(ctx, "offers.Expire", traces.OfferID(id))
	defer span.End()

	var (
		o   *domain.Offer
		eff transactions.Effects
	)
	done := false
	err := s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		eff, done = transactions.Effects{}, false
		var err error
		o, err = tx.LockOffer(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		if !o.IsDue(now) {
			return nil
		}
		if err := s.expire(ctx, tx, o, domain.ReasonTTL, now, &eff); err != nil {
			return err
		}
		done = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if done {
		s.commit(ctx, eff, o)
	}
	return done, nil
}

// Get returns an offer, expiring it first if it is overdue.
func (s *Service) Get(ctx context.Context, id string) (*domain.Offer, error) {
	o, err := s.store.GetOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.IsDue(s.now()) {
		return o, nil
	}
	if _, err := s.Expire(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetOffer(ctx, id)
}

// ListByListing returns a listing's offers, expiring overdue ones first.
func (s *Service) ListByListing(ctx context.Context, listingID string) ([]*domain.Offer, error) {
	if _, err := s.store.GetListing(ctx, listingID); err != nil {
		return nil, err
	}
	list, err := s.store.ListOffersByListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	stale := false
	for _, o := range list {
		if o.IsDue(now) {
			if _, err := s.Expire(ctx, o.ID); err != nil {
				return nil, err
			}
			stale = true
		}
	}
	if stale {
		return s.store.ListOffersByListing(ctx, listingID)
	}
	return list, nil
}

// GetListing returns a listing.
func (s *Service) GetListing(ctx context.Context, id string) (*domain.Listing, error) {
	return s.store.GetListing(ctx, id)
}

// PutListing seeds or replaces a listing. Listing management lives
// elsewhere; this is the hook it uses to keep the engine's copy current.
func (s *Service) PutListing(ctx context.Context, l *domain.Listing) (*domain.Listing, error) {
	if l.ID == "" || l.SellerID == "" {
		return nil, domain.Invalid("listing id and seller are required")
	}
	if l.AskingPrice <= 0 {
		return nil, domain.ErrInvalidPrice
	}
	if !l.Status.Valid() {
		return nil, domain.Invalid("unknown listing status %q", l.Status)
	}
	err := s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := s.now()
		existing, err := tx.LockListing(ctx, l.ID)
		switch {
		case errors.Is(err, domain.ErrListingNotFound):
			l.CreatedAt = now
		case err != nil:
			return err
		default:
			if existing.Status == domain.ListingSold && l.Status != domain.ListingSold {
				return domain.ErrListingAlreadySold
			}
			l.CreatedAt = existing.CreatedAt
		}
		if l.OriginalPrice == 0 {
			l.OriginalPrice = l.AskingPrice
		}
		l.UpdatedAt = now
		return tx.PutListing(ctx, l)
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// negotiate runs fn on a locked offer with its listing and open siblings
// locked first, keeping the store's lock order. A due offer is expired
// and OfferExpired returned without calling fn.
func (s *Service) negotiate(
	ctx context.Context,
	id string,
	fn func(context.Context, storage.Tx, *domain.Offer, *domain.Listing, *transactions.Effects) (*domain.Transaction, error),
) (*domain.Offer, *domain.Transaction, error) {
	pre, err := s.store.GetOffer(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	var (
		o       *domain.Offer
		txn     *domain.Transaction
		eff     transactions.Effects
		expired bool
	)
	err = s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		eff, expired, txn = transactions.Effects{}, false, nil
		l, err := tx.LockListing(ctx, pre.ListingID)
		if err != nil {
			return err
		}
		if _, err := tx.LockOpenOffersByListing(ctx, l.ID); err != nil {
			return err
		}
		o, err = tx.LockOffer(ctx, id)
		if err != nil {
			return err
		}
		if now := s.now(); o.IsDue(now) {
			expired = true
			return s.expire(ctx, tx, o, domain.ReasonTTL, now, &eff)
		}
		txn, err = fn(ctx, tx, o, l, &eff)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	s.commit(ctx, eff, o)
	if expired {
		return o, nil, domain.ErrOfferExpired
	}
	return o, txn, nil
}

// accept creates the transaction at price and supersedes every other open
// offer on the listing.
func (s *Service) accept(ctx context.Context, tx storage.Tx, o *domain.Offer, l *domain.Listing, price int64, actor string, eff *transactions.Effects) (*domain.Transaction, error) {
	txn, created, err := s.txns.CreateTx(ctx, tx, transactions.CreateParams{
		Listing: l,
		OfferID: o.ID,
		BuyerID: o.BuyerID,
		Price:   price,
	})
	if err != nil {
		return nil, err
	}
	eff.Merge(created)

	now := s.now()
	if err := s.transition(o, domain.OfferAccepted, "", now); err != nil {
		return nil, err
	}
	if o.RespondedAt == nil {
		o.RespondedAt = &now
	}
	o.TransactionID = txn.ID
	if err := tx.UpdateOffer(ctx, o); err != nil {
		return nil, err
	}
	notifyUser := o.BuyerID
	if actor == o.BuyerID {
		notifyUser = o.SellerID
	}
	eff.Events = append(eff.Events, event(notifyUser, notify.EventOfferAccepted, o, now))

	open, err := tx.LockOpenOffersByListing(ctx, l.ID)
	if err != nil {
		return nil, err
	}
	for _, sib := range open {
		if sib.ID == o.ID {
			continue
		}
		if err := s.expire(ctx, tx, sib, domain.ReasonSuperseded, now, eff); err != nil {
			return nil, err
		}
	}
	return txn, nil
}

func (s *Service) expire(ctx context.Context, tx storage.Tx, o *domain.Offer, reason string, now time.Time, eff *transactions.Effects) error {
	if err := s.transition(o, domain.OfferExpired, reason, now); err != nil {
		return err
	}
	if err := tx.UpdateOffer(ctx, o); err != nil {
		return err
	}
	eff.Events = append(eff.Events, event(o.BuyerID, notify.EventOfferExpired, o, now))
	return nil
}

func (s *Service) transition(o *domain.Offer, to domain.OfferStatus, reason string, now time.Time) error {
	if err := o.Transition(to, reason, now); err != nil {
		metrics.IllegalTransitionsTotal.WithLabelValues("offer", string(to)).Inc()
		return err
	}
	return nil
}

// commit publishes effects and counts the offer statuses they report.
func (s *Service) commit(ctx context.Context, eff transactions.Effects, o *domain.Offer) {
	for _, e := range eff.Events {
		if status, ok := e.Payload["status"].(domain.OfferStatus); ok {
			metrics.OffersTotal.WithLabelValues(string(status)).Inc()
		}
	}
	if o != nil {
		logging.L(ctx).Info("offer updated", "offerId", o.ID, "listingId", o.ListingID, "status", o.Status)
	}
	s.txns.Commit(ctx, eff)
}

func (s *Service) checkKYC(ctx context.Context, buyerID string, amount int64) error {
	if s.kyc == nil {
		return nil
	}
	b, err := s.txns.Rates().Apply(amount)
	if err != nil {
		return err
	}
	return s.kyc.Check(ctx, buyerID, b.TotalBuyerPayment)
}

func event(userID string, typ notify.EventType, o *domain.Offer, now time.Time) notify.Event {
	payload := map[string]any{
		"offerId":   o.ID,
		"listingId": o.ListingID,
		"amount":    o.Amount,
		"status":    o.Status,
	}
	if o.CounterAmount != nil {
		payload["counterAmount"] = *o.CounterAmount
	}
	if o.ClosedReason != "" {
		payload["reason"] = o.ClosedReason
	}
	if o.TransactionID != "" {
		payload["transactionId"] = o.TransactionID
	}
	return notify.Event{
		ID:      idgen.WithPrefix(idgen.PrefixEvent),
		UserID:  userID,
		Type:    typ,
		Payload: payload,
		At:      now,
	}
}
