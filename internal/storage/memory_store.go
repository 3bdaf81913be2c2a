package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/domain"
	"github.com/mbd888/escrowd/internal/pagination"
)

// MemoryStore is an in-memory Store for development and tests.
//
// Atomic serializes all units behind one mutex and works on a copy of the
// tables that replaces the live copy only when fn succeeds. Stored values
// are never mutated in place; every write stores a fresh copy, so sharing
// pointers between the snapshot and the live tables is safe.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

type memData struct {
	listings     map[string]*domain.Listing
	offers       map[string]*domain.Offer
	transactions map[string]*domain.Transaction
	codes        map[string]string
	events       map[string][]*domain.TransactionEvent
	holds        map[string]*domain.EscrowHold
	disputes     map[string]*domain.Dispute
	payouts      map[string]*domain.Payout
	accounts     map[string]*domain.PayoutAccount
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memData{
		listings:     make(map[string]*domain.Listing),
		offers:       make(map[string]*domain.Offer),
		transactions: make(map[string]*domain.Transaction),
		codes:        make(map[string]string),
		events:       make(map[string][]*domain.TransactionEvent),
		holds:        make(map[string]*domain.EscrowHold),
		disputes:     make(map[string]*domain.Dispute),
		payouts:      make(map[string]*domain.Payout),
		accounts:     make(map[string]*domain.PayoutAccount),
	}}
}

func (d *memData) clone() *memData {
	return &memData{
		listings:     cloneMap(d.listings),
		offers:       cloneMap(d.offers),
		transactions: cloneMap(d.transactions),
		codes:        cloneMap(d.codes),
		events:       cloneMap(d.events),
		holds:        cloneMap(d.holds),
		disputes:     cloneMap(d.disputes),
		payouts:      cloneMap(d.payouts),
		accounts:     cloneMap(d.accounts),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyOf[T any](v *T) *T {
	cp := *v
	return &cp
}

// Atomic implements Store.
func (m *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := m.data.clone()
	if err := fn(ctx, &memTx{d: work}); err != nil {
		return err
	}
	m.data = work
	return nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// --- Reader ---

func (m *MemoryStore) GetListing(_ context.Context, id string) (*domain.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return getListing(m.data, id)
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*domain.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return getOffer(m.data, id)
}

func (m *MemoryStore) ListOffersByListing(_ context.Context, listingID string) ([]*domain.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return offersByListing(m.data, listingID, false), nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return getTransaction(m.data, id)
}

func (m *MemoryStore) GetTransactionByCode(_ context.Context, code string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.data.codes[code]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return getTransaction(m.data, id)
}

func (m *MemoryStore) ListTransactionsByUser(_ context.Context, userID string, after *pagination.Cursor, limit int) ([]*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Transaction
	for _, t := range m.data.transactions {
		if (t.BuyerID == userID || t.SellerID == userID) && after.After(t.CreatedAt, t.ID) {
			out = append(out, copyOf(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return truncate(out, limit), nil
}

func (m *MemoryStore) ListEvents(_ context.Context, transactionID string) ([]*domain.TransactionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.data.events[transactionID]
	out := make([]*domain.TransactionEvent, len(src))
	for i, e := range src {
		out[i] = copyOf(e)
	}
	return out, nil
}

func (m *MemoryStore) GetHold(_ context.Context, transactionID string) (*domain.EscrowHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return getHold(m.data, transactionID)
}

func (m *MemoryStore) GetDispute(_ context.Context, id string) (*domain.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return getDispute(m.data, id)
}

func (m *MemoryStore) ListDisputesByTransaction(_ context.Context, transactionID string) ([]*domain.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Dispute
	for _, d := range m.data.disputes {
		if d.TransactionID == transactionID {
			out = append(out, copyOf(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *MemoryStore) GetPayout(_ context.Context, id string) (*domain.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return getPayout(m.data, id)
}

func (m *MemoryStore) ListPayoutsByTransaction(_ context.Context, transactionID string) ([]*domain.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Payout
	for _, p := range m.data.payouts {
		if p.TransactionID == transactionID {
			out = append(out, copyOf(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetPayoutAccount(_ context.Context, userID string) (*domain.PayoutAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.data.accounts[userID]
	if !ok {
		return nil, domain.ErrNoPayoutAccount
	}
	return copyOf(a), nil
}

func (m *MemoryStore) ListExpiredOffers(_ context.Context, now time.Time, limit int) ([]*domain.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Offer
	for _, o := range m.data.offers {
		if o.IsDue(now) {
			out = append(out, copyOf(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return truncate(out, limit), nil
}

func (m *MemoryStore) ListPaymentOverdue(_ context.Context, now time.Time, limit int) ([]*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Transaction
	for _, t := range m.data.transactions {
		switch t.Status {
		case domain.TxInitiated, domain.TxAwaitingPayment, domain.TxPaymentConfirmed:
			if now.After(t.PaymentDeadline) {
				out = append(out, copyOf(t))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentDeadline.Before(out[j].PaymentDeadline) })
	return truncate(out, limit), nil
}

func (m *MemoryStore) ListReceiptOverdue(_ context.Context, now time.Time, limit int) ([]*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Transaction
	for _, t := range m.data.transactions {
		if t.Status == domain.TxTransferPending && t.ReceiptDeadline != nil && now.After(*t.ReceiptDeadline) {
			out = append(out, copyOf(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceiptDeadline.Before(*out[j].ReceiptDeadline) })
	return truncate(out, limit), nil
}

func (m *MemoryStore) ListDuePayouts(_ context.Context, now time.Time, limit int) ([]*domain.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Payout
	for _, p := range m.data.payouts {
		if p.Status == domain.PayoutPending && !p.NextAttemptAt.After(now) {
			out = append(out, copyOf(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	return truncate(out, limit), nil
}

// --- Tx ---

// memTx writes into a private copy of the tables. Row locks are implicit:
// the store mutex is held for the whole unit.
type memTx struct {
	d *memData
}

func (t *memTx) LockListing(_ context.Context, id string) (*domain.Listing, error) {
	return getListing(t.d, id)
}

func (t *memTx) PutListing(_ context.Context, l *domain.Listing) error {
	t.d.listings[l.ID] = copyOf(l)
	return nil
}

func (t *memTx) LockOffer(_ context.Context, id string) (*domain.Offer, error) {
	return getOffer(t.d, id)
}

func (t *memTx) LockOpenOffersByListing(_ context.Context, listingID string) ([]*domain.Offer, error) {
	return offersByListing(t.d, listingID, true), nil
}

func (t *memTx) CreateOffer(_ context.Context, o *domain.Offer) error {
	t.d.offers[o.ID] = copyOf(o)
	return nil
}

func (t *memTx) UpdateOffer(_ context.Context, o *domain.Offer) error {
	if _, ok := t.d.offers[o.ID]; !ok {
		return domain.ErrOfferNotFound
	}
	t.d.offers[o.ID] = copyOf(o)
	return nil
}

func (t *memTx) LockTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	return getTransaction(t.d, id)
}

func (t *memTx) TransactionCodeExists(_ context.Context, code string) (bool, error) {
	_, ok := t.d.codes[code]
	return ok, nil
}

func (t *memTx) CreateTransaction(_ context.Context, txn *domain.Transaction) error {
	if _, ok := t.d.codes[txn.Code]; ok {
		return ErrDuplicateCode
	}
	t.d.transactions[txn.ID] = copyOf(txn)
	t.d.codes[txn.Code] = txn.ID
	return nil
}

func (t *memTx) UpdateTransaction(_ context.Context, txn *domain.Transaction) error {
	if _, ok := t.d.transactions[txn.ID]; !ok {
		return domain.ErrTransactionNotFound
	}
	t.d.transactions[txn.ID] = copyOf(txn)
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, e *domain.TransactionEvent) error {
	t.d.events[e.TransactionID] = append(slices.Clip(t.d.events[e.TransactionID]), copyOf(e))
	return nil
}

func (t *memTx) LockHold(_ context.Context, transactionID string) (*domain.EscrowHold, error) {
	return getHold(t.d, transactionID)
}

func (t *memTx) CreateHold(_ context.Context, h *domain.EscrowHold) error {
	if _, ok := t.d.holds[h.TransactionID]; ok {
		return domain.ErrAlreadyHeld
	}
	t.d.holds[h.TransactionID] = copyOf(h)
	return nil
}

func (t *memTx) UpdateHold(_ context.Context, h *domain.EscrowHold) error {
	if _, ok := t.d.holds[h.TransactionID]; !ok {
		return domain.ErrHoldNotFound
	}
	t.d.holds[h.TransactionID] = copyOf(h)
	return nil
}

func (t *memTx) LockDispute(_ context.Context, id string) (*domain.Dispute, error) {
	return getDispute(t.d, id)
}

func (t *memTx) CreateDispute(_ context.Context, d *domain.Dispute) error {
	t.d.disputes[d.ID] = copyOf(d)
	return nil
}

func (t *memTx) UpdateDispute(_ context.Context, d *domain.Dispute) error {
	if _, ok := t.d.disputes[d.ID]; !ok {
		return domain.ErrDisputeNotFound
	}
	t.d.disputes[d.ID] = copyOf(d)
	return nil
}

func (t *memTx) LockPayout(_ context.Context, id string) (*domain.Payout, error) {
	return getPayout(t.d, id)
}

func (t *memTx) CreatePayout(_ context.Context, p *domain.Payout) error {
	for _, existing := range t.d.payouts {
		if existing.TransactionID == p.TransactionID {
			return domain.ErrAlreadyReleased
		}
	}
	t.d.payouts[p.ID] = copyOf(p)
	return nil
}

func (t *memTx) UpdatePayout(_ context.Context, p *domain.Payout) error {
	if _, ok := t.d.payouts[p.ID]; !ok {
		return domain.ErrPayoutNotFound
	}
	t.d.payouts[p.ID] = copyOf(p)
	return nil
}

func (t *memTx) PutPayoutAccount(_ context.Context, a *domain.PayoutAccount) error {
	cp := copyOf(a)
	if existing, ok := t.d.accounts[a.UserID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	t.d.accounts[a.UserID] = cp
	return nil
}

// --- shared lookups ---

func getListing(d *memData, id string) (*domain.Listing, error) {
	l, ok := d.listings[id]
	if !ok {
		return nil, domain.ErrListingNotFound
	}
	return copyOf(l), nil
}

func getOffer(d *memData, id string) (*domain.Offer, error) {
	o, ok := d.offers[id]
	if !ok {
		return nil, domain.ErrOfferNotFound
	}
	return copyOf(o), nil
}

func offersByListing(d *memData, listingID string, openOnly bool) []*domain.Offer {
	var out []*domain.Offer
	for _, o := range d.offers {
		if o.ListingID != listingID || (openOnly && !o.IsOpen()) {
			continue
		}
		out = append(out, copyOf(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func getTransaction(d *memData, id string) (*domain.Transaction, error) {
	t, ok := d.transactions[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return copyOf(t), nil
}

func getHold(d *memData, transactionID string) (*domain.EscrowHold, error) {
	h, ok := d.holds[transactionID]
	if !ok {
		return nil, domain.ErrHoldNotFound
	}
	return copyOf(h), nil
}

func getDispute(d *memData, id string) (*domain.Dispute, error) {
	dp, ok := d.disputes[id]
	if !ok {
		return nil, domain.ErrDisputeNotFound
	}
	return copyOf(dp), nil
}

func getPayout(d *memData, id string) (*domain.Payout, error) {
	p, ok := d.payouts[id]
	if !ok {
		return nil, domain.ErrPayoutNotFound
	}
	return copyOf(p), nil
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
