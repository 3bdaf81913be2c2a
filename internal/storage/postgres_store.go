package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/escrowd/internal/domain"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/retry"
)

// PostgresStore implements Store with PostgreSQL.
//
// Atomic runs at READ COMMITTED and relies on SELECT ... FOR UPDATE for every
// read that gates a write. Deadlocks and serialization failures roll the unit
// back and run it again.
type PostgresStore struct {
	db          *sql.DB
	maxAttempts int
	baseDelay   time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, maxAttempts: 5, baseDelay: 20 * time.Millisecond}
}

// DB returns the underlying pool (for health checks and stats).
func (p *PostgresStore) DB() *sql.DB { return p.db }

// Ping implements Store.
func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Atomic implements Store.
func (p *PostgresStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return retry.Do(ctx, p.maxAttempts, p.baseDelay, func() error {
		err := p.runTx(ctx, fn)
		if err == nil || isRetryable(err) {
			return err
		}
		return retry.Permanent(err)
	})
}

func (p *PostgresStore) runTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &pgTx{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapPQError(err)
	}
	return nil
}

// isRetryable reports serialization failures and deadlocks.
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

// mapPQError translates constraint violations that encode domain invariants.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return err
	}
	switch pqErr.Constraint {
	case "escrow_holds_pkey":
		return domain.ErrAlreadyHeld
	case "transactions_code_key":
		return ErrDuplicateCode
	case "idx_transactions_listing_live", "idx_offers_one_accepted":
		return domain.ErrListingAlreadySold
	case "idx_payouts_one_per_tx":
		return domain.ErrAlreadyReleased
	}
	return err
}

// --- Reader ---

func (p *PostgresStore) GetListing(ctx context.Context, id string) (*domain.Listing, error) {
	return getListingPG(ctx, p.db, id, false)
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*domain.Offer, error) {
	return getOfferPG(ctx, p.db, id, false)
}

func (p *PostgresStore) ListOffersByListing(ctx context.Context, listingID string) ([]*domain.Offer, error) {
	return queryOffers(ctx, p.db, `SELECT `+offerColumns+` FROM offers WHERE listing_id = $1 ORDER BY created_at`, listingID)
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return getTransactionPG(ctx, p.db, `WHERE id = $1`, id, false)
}

func (p *PostgresStore) GetTransactionByCode(ctx context.Context, code string) (*domain.Transaction, error) {
	return getTransactionPG(ctx, p.db, `WHERE code = $1`, code, false)
}

func (p *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*domain.Transaction, error) {
	if after == nil {
		return queryTransactions(ctx, p.db, `SELECT `+transactionColumns+` FROM transactions
			WHERE buyer_id = $1 OR seller_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limitOrDefault(limit))
	}
	return queryTransactions(ctx, p.db, `SELECT `+transactionColumns+` FROM transactions
		WHERE (buyer_id = $1 OR seller_id = $1) AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC LIMIT $4`, userID, after.CreatedAt, after.ID, limitOrDefault(limit))
}

func (p *PostgresStore) ListEvents(ctx context.Context, transactionID string) ([]*domain.TransactionEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, from_status, to_status, action, actor, note, at
		FROM transaction_events WHERE transaction_id = $1 ORDER BY seq`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.TransactionEvent
	for rows.Next() {
		var e domain.TransactionEvent
		var note sql.NullString
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.From, &e.To, &e.Action, &e.Actor, &note, &e.At); err != nil {
			return nil, err
		}
		e.Note = note.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetHold(ctx context.Context, transactionID string) (*domain.EscrowHold, error) {
	return getHoldPG(ctx, p.db, transactionID, false)
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*domain.Dispute, error) {
	return getDisputePG(ctx, p.db, id, false)
}

func (p *PostgresStore) ListDisputesByTransaction(ctx context.Context, transactionID string) ([]*domain.Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+disputeColumns+` FROM disputes
		WHERE transaction_id = $1 ORDER BY opened_at`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetPayout(ctx context.Context, id string) (*domain.Payout, error) {
	return getPayoutPG(ctx, p.db, id, false)
}

func (p *PostgresStore) ListPayoutsByTransaction(ctx context.Context, transactionID string) ([]*domain.Payout, error) {
	return queryPayouts(ctx, p.db, `SELECT `+payoutColumns+` FROM payouts
		WHERE transaction_id = $1 ORDER BY created_at`, transactionID)
}

func (p *PostgresStore) GetPayoutAccount(ctx context.Context, userID string) (*domain.PayoutAccount, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT user_id, account_ref, created_at, updated_at
		FROM payout_accounts WHERE user_id = $1`, userID)

	var a domain.PayoutAccount
	err := row.Scan(&a.UserID, &a.AccountRef, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNoPayoutAccount
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *PostgresStore) ListExpiredOffers(ctx context.Context, now time.Time, limit int) ([]*domain.Offer, error) {
	return queryOffers(ctx, p.db, `SELECT `+offerColumns+` FROM offers
		WHERE status IN ('PENDING', 'COUNTERED') AND expires_at < $1
		ORDER BY expires_at LIMIT $2`, now, limitOrDefault(limit))
}

func (p *PostgresStore) ListPaymentOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.Transaction, error) {
	return queryTransactions(ctx, p.db, `SELECT `+transactionColumns+` FROM transactions
		WHERE status IN ('INITIATED', 'AWAITING_PAYMENT', 'PAYMENT_CONFIRMED') AND payment_deadline < $1
		ORDER BY payment_deadline LIMIT $2`, now, limitOrDefault(limit))
}

func (p *PostgresStore) ListReceiptOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.Transaction, error) {
	return queryTransactions(ctx, p.db, `SELECT `+transactionColumns+` FROM transactions
		WHERE status = 'TRANSFER_PENDING' AND receipt_deadline < $1
		ORDER BY receipt_deadline LIMIT $2`, now, limitOrDefault(limit))
}

func (p *PostgresStore) ListDuePayouts(ctx context.Context, now time.Time, limit int) ([]*domain.Payout, error) {
	return queryPayouts(ctx, p.db, `SELECT `+payoutColumns+` FROM payouts
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at LIMIT $2`, now, limitOrDefault(limit))
}

// --- Tx ---

type pgTx struct {
	q querier
}

func (t *pgTx) LockListing(ctx context.Context, id string) (*domain.Listing, error) {
	return getListingPG(ctx, t.q, id, true)
}

func (t *pgTx) PutListing(ctx context.Context, l *domain.Listing) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO listings (id, seller_id, asking_price, original_price, negotiable, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			seller_id = EXCLUDED.seller_id,
			asking_price = EXCLUDED.asking_price,
			original_price = EXCLUDED.original_price,
			negotiable = EXCLUDED.negotiable,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		l.ID, l.SellerID, l.AskingPrice, l.OriginalPrice, l.Negotiable, string(l.Status), l.CreatedAt, l.UpdatedAt)
	return mapPQError(err)
}

func (t *pgTx) LockOffer(ctx context.Context, id string) (*domain.Offer, error) {
	return getOfferPG(ctx, t.q, id, true)
}

func (t *pgTx) LockOpenOffersByListing(ctx context.Context, listingID string) ([]*domain.Offer, error) {
	return queryOffers(ctx, t.q, `SELECT `+offerColumns+` FROM offers
		WHERE listing_id = $1 AND status IN ('PENDING', 'COUNTERED')
		ORDER BY id FOR UPDATE`, listingID)
}

func (t *pgTx) CreateOffer(ctx context.Context, o *domain.Offer) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		offerArgs(o)...)
	return mapPQError(err)
}

func (t *pgTx) UpdateOffer(ctx context.Context, o *domain.Offer) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE offers SET
			status = $2, counter_amount = $3, counter_message = $4, expires_at = $5,
			responded_at = $6, closed_reason = $7, transaction_id = $8, updated_at = $9
		WHERE id = $1`,
		o.ID, string(o.Status), nullInt64(o.CounterAmount), nullString(o.CounterMessage), o.ExpiresAt,
		nullTime(o.RespondedAt), nullString(o.ClosedReason), nullString(o.TransactionID), o.UpdatedAt)
	return expectOne(res, mapPQError(err), domain.ErrOfferNotFound)
}

func (t *pgTx) LockTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return getTransactionPG(ctx, t.q, `WHERE id = $1`, id, true)
}

func (t *pgTx) TransactionCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := t.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE code = $1)`, code).Scan(&exists)
	return exists, err
}

func (t *pgTx) CreateTransaction(ctx context.Context, x *domain.Transaction) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)`,
		transactionArgs(x)...)
	return mapPQError(err)
}

func (t *pgTx) UpdateTransaction(ctx context.Context, x *domain.Transaction) error {
	// Price and fee columns are never updated after creation.
	res, err := t.q.ExecContext(ctx, `
		UPDATE transactions SET
			status = $2, payment_method = $3, gateway_ref = $4, updated_at = $5,
			paid_at = $6, transfer_confirmed_at = $7, receipt_deadline = $8,
			completed_at = $9, cancelled_at = $10, cancel_reason = $11, refunded_at = $12,
			flagged_at = $13, flag_reason = $14
		WHERE id = $1`,
		x.ID, string(x.Status), nullString(x.PaymentMethod), nullString(x.GatewayRef), x.UpdatedAt,
		nullTime(x.PaidAt), nullTime(x.TransferConfirmedAt), nullTime(x.ReceiptDeadline),
		nullTime(x.CompletedAt), nullTime(x.CancelledAt), nullString(x.CancelReason), nullTime(x.RefundedAt),
		nullTime(x.FlaggedAt), nullString(x.FlagReason))
	return expectOne(res, mapPQError(err), domain.ErrTransactionNotFound)
}

func (t *pgTx) AppendEvent(ctx context.Context, e *domain.TransactionEvent) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO transaction_events (id, transaction_id, from_status, to_status, action, actor, note, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.TransactionID, string(e.From), string(e.To), e.Action, e.Actor, nullString(e.Note), e.At)
	return mapPQError(err)
}

func (t *pgTx) LockHold(ctx context.Context, transactionID string) (*domain.EscrowHold, error) {
	return getHoldPG(ctx, t.q, transactionID, true)
}

func (t *pgTx) CreateHold(ctx context.Context, h *domain.EscrowHold) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO escrow_holds (transaction_id, held_amount, held_at, released_at, released_to, release_reason)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		h.TransactionID, h.HeldAmount, h.HeldAt, nullTime(h.ReleasedAt), nullString(string(h.ReleasedTo)), nullString(h.ReleaseReason))
	return mapPQError(err)
}

func (t *pgTx) UpdateHold(ctx context.Context, h *domain.EscrowHold) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE escrow_holds SET released_at = $2, released_to = $3, release_reason = $4
		WHERE transaction_id = $1`,
		h.TransactionID, nullTime(h.ReleasedAt), nullString(string(h.ReleasedTo)), nullString(h.ReleaseReason))
	return expectOne(res, mapPQError(err), domain.ErrHoldNotFound)
}

func (t *pgTx) LockDispute(ctx context.Context, id string) (*domain.Dispute, error) {
	return getDisputePG(ctx, t.q, id, true)
}

func (t *pgTx) CreateDispute(ctx context.Context, d *domain.Dispute) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.TransactionID, d.OpenedBy, d.Reason, d.OpenedAt,
		nullString(string(d.Resolution)), nullString(d.MediatorID), nullTime(d.ResolvedAt))
	return mapPQError(err)
}

func (t *pgTx) UpdateDispute(ctx context.Context, d *domain.Dispute) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE disputes SET resolution = $2, mediator_id = $3, resolved_at = $4 WHERE id = $1`,
		d.ID, nullString(string(d.Resolution)), nullString(d.MediatorID), nullTime(d.ResolvedAt))
	return expectOne(res, mapPQError(err), domain.ErrDisputeNotFound)
}

func (t *pgTx) LockPayout(ctx context.Context, id string) (*domain.Payout, error) {
	return getPayoutPG(ctx, t.q, id, true)
}

func (t *pgTx) CreatePayout(ctx context.Context, p *domain.Payout) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO payouts (`+payoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, p.TransactionID, string(p.Kind), p.Amount, p.PayeeRef, string(p.Status), p.Attempts,
		nullString(p.LastError), nullString(p.GatewayRef), p.NextAttemptAt, p.CreatedAt, p.UpdatedAt, nullTime(p.SentAt))
	return mapPQError(err)
}

func (t *pgTx) UpdatePayout(ctx context.Context, p *domain.Payout) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE payouts SET
			status = $2, attempts = $3, last_error = $4, gateway_ref = $5,
			next_attempt_at = $6, updated_at = $7, sent_at = $8
		WHERE id = $1`,
		p.ID, string(p.Status), p.Attempts, nullString(p.LastError), nullString(p.GatewayRef),
		p.NextAttemptAt, p.UpdatedAt, nullTime(p.SentAt))
	return expectOne(res, mapPQError(err), domain.ErrPayoutNotFound)
}

func (t *pgTx) PutPayoutAccount(ctx context.Context, a *domain.PayoutAccount) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO payout_accounts (user_id, account_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			account_ref = EXCLUDED.account_ref,
			updated_at = EXCLUDED.updated_at`,
		a.UserID, a.AccountRef, a.CreatedAt, a.UpdatedAt)
	return mapPQError(err)
}

// --- row mapping ---

type scanner interface {
	Scan(dest ...any) error
}

func lockClause(lock bool) string {
	if lock {
		return " FOR UPDATE"
	}
	return ""
}

func getListingPG(ctx context.Context, q querier, id string, lock bool) (*domain.Listing, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, seller_id, asking_price, original_price, negotiable, status, created_at, updated_at
		FROM listings WHERE id = $1`+lockClause(lock), id)

	var l domain.Listing
	err := row.Scan(&l.ID, &l.SellerID, &l.AskingPrice, &l.OriginalPrice, &l.Negotiable, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

const offerColumns = `id, listing_id, buyer_id, seller_id, amount, message, status,
	counter_amount, counter_message, expires_at, responded_at, closed_reason,
	transaction_id, created_at, updated_at`

func offerArgs(o *domain.Offer) []any {
	return []any{
		o.ID, o.ListingID, o.BuyerID, o.SellerID, o.Amount, nullString(o.Message), string(o.Status),
		nullInt64(o.CounterAmount), nullString(o.CounterMessage), o.ExpiresAt, nullTime(o.RespondedAt),
		nullString(o.ClosedReason), nullString(o.TransactionID), o.CreatedAt, o.UpdatedAt,
	}
}

func scanOffer(s scanner) (*domain.Offer, error) {
	var (
		o                                       domain.Offer
		message, counterMsg, closedReason, txID sql.NullString
		counterAmount                           sql.NullInt64
		respondedAt                             sql.NullTime
	)
	err := s.Scan(&o.ID, &o.ListingID, &o.BuyerID, &o.SellerID, &o.Amount, &message, &o.Status,
		&counterAmount, &counterMsg, &o.ExpiresAt, &respondedAt, &closedReason,
		&txID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Message = message.String
	o.CounterMessage = counterMsg.String
	o.ClosedReason = closedReason.String
	o.TransactionID = txID.String
	if counterAmount.Valid {
		v := counterAmount.Int64
		o.CounterAmount = &v
	}
	o.RespondedAt = timePtr(respondedAt)
	return &o, nil
}

func getOfferPG(ctx context.Context, q querier, id string, lock bool) (*domain.Offer, error) {
	row := q.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`+lockClause(lock), id)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOfferNotFound
	}
	return o, err
}

func queryOffers(ctx context.Context, q querier, query string, args ...any) ([]*domain.Offer, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const transactionColumns = `id, code, listing_id, offer_id, buyer_id, seller_id, status,
	agreed_price, buyer_fee_rate, seller_fee_rate, platform_fee_rate,
	buyer_fee, seller_fee, platform_fee, seller_net_amount, total_buyer_payment,
	payment_method, gateway_ref, created_at, updated_at, payment_deadline,
	paid_at, transfer_confirmed_at, receipt_deadline, completed_at,
	cancelled_at, cancel_reason, refunded_at, flagged_at, flag_reason`

func transactionArgs(x *domain.Transaction) []any {
	return []any{
		x.ID, x.Code, x.ListingID, nullString(x.OfferID), x.BuyerID, x.SellerID, string(x.Status),
		x.AgreedPrice, x.BuyerFeeRate, x.SellerFeeRate, x.PlatformFeeRate,
		x.BuyerFee, x.SellerFee, x.PlatformFee, x.SellerNetAmount, x.TotalBuyerPayment,
		nullString(x.PaymentMethod), nullString(x.GatewayRef), x.CreatedAt, x.UpdatedAt, x.PaymentDeadline,
		nullTime(x.PaidAt), nullTime(x.TransferConfirmedAt), nullTime(x.ReceiptDeadline), nullTime(x.CompletedAt),
		nullTime(x.CancelledAt), nullString(x.CancelReason), nullTime(x.RefundedAt), nullTime(x.FlaggedAt), nullString(x.FlagReason),
	}
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var (
		x                                                     domain.Transaction
		offerID, method, gatewayRef, cancelReason, flagReason sql.NullString
		paidAt, transferAt, receiptDeadline, completedAt      sql.NullTime
		cancelledAt, refundedAt, flaggedAt                    sql.NullTime
	)
	err := s.Scan(&x.ID, &x.Code, &x.ListingID, &offerID, &x.BuyerID, &x.SellerID, &x.Status,
		&x.AgreedPrice, &x.BuyerFeeRate, &x.SellerFeeRate, &x.PlatformFeeRate,
		&x.BuyerFee, &x.SellerFee, &x.PlatformFee, &x.SellerNetAmount, &x.TotalBuyerPayment,
		&method, &gatewayRef, &x.CreatedAt, &x.UpdatedAt, &x.PaymentDeadline,
		&paidAt, &transferAt, &receiptDeadline, &completedAt,
		&cancelledAt, &cancelReason, &refundedAt, &flaggedAt, &flagReason)
	if err != nil {
		return nil, err
	}
	x.OfferID = offerID.String
	x.PaymentMethod = method.String
	x.GatewayRef = gatewayRef.String
	x.CancelReason = cancelReason.String
	x.FlagReason = flagReason.String
	x.PaidAt = timePtr(paidAt)
	x.TransferConfirmedAt = timePtr(transferAt)
	x.ReceiptDeadline = timePtr(receiptDeadline)
	x.CompletedAt = timePtr(completedAt)
	x.CancelledAt = timePtr(cancelledAt)
	x.RefundedAt = timePtr(refundedAt)
	x.FlaggedAt = timePtr(flaggedAt)
	return &x, nil
}

func getTransactionPG(ctx context.Context, q querier, where string, arg any, lock bool) (*domain.Transaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions `+where+lockClause(lock), arg)
	x, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTransactionNotFound
	}
	return x, err
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]*domain.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Transaction
	for rows.Next() {
		x, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

func getHoldPG(ctx context.Context, q querier, transactionID string, lock bool) (*domain.EscrowHold, error) {
	row := q.QueryRowContext(ctx, `
		SELECT transaction_id, held_amount, held_at, released_at, released_to, release_reason
		FROM escrow_holds WHERE transaction_id = $1`+lockClause(lock), transactionID)

	var (
		h                  domain.EscrowHold
		releasedAt         sql.NullTime
		releasedTo, reason sql.NullString
	)
	err := row.Scan(&h.TransactionID, &h.HeldAmount, &h.HeldAt, &releasedAt, &releasedTo, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrHoldNotFound
	}
	if err != nil {
		return nil, err
	}
	h.ReleasedAt = timePtr(releasedAt)
	h.ReleasedTo = domain.Party(releasedTo.String)
	h.ReleaseReason = reason.String
	return &h, nil
}

const disputeColumns = `id, transaction_id, opened_by, reason, opened_at, resolution, mediator_id, resolved_at`

func scanDispute(s scanner) (*domain.Dispute, error) {
	var (
		d                      domain.Dispute
		resolution, mediatorID sql.NullString
		resolvedAt             sql.NullTime
	)
	if err := s.Scan(&d.ID, &d.TransactionID, &d.OpenedBy, &d.Reason, &d.OpenedAt, &resolution, &mediatorID, &resolvedAt); err != nil {
		return nil, err
	}
	d.Resolution = domain.Resolution(resolution.String)
	d.MediatorID = mediatorID.String
	d.ResolvedAt = timePtr(resolvedAt)
	return &d, nil
}

func getDisputePG(ctx context.Context, q querier, id string, lock bool) (*domain.Dispute, error) {
	row := q.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`+lockClause(lock), id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrDisputeNotFound
	}
	return d, err
}

const payoutColumns = `id, transaction_id, kind, amount, payee_ref, status, attempts,
	last_error, gateway_ref, next_attempt_at, created_at, updated_at, sent_at`

func scanPayout(s scanner) (*domain.Payout, error) {
	var (
		p                   domain.Payout
		lastErr, gatewayRef sql.NullString
		sentAt              sql.NullTime
	)
	err := s.Scan(&p.ID, &p.TransactionID, &p.Kind, &p.Amount, &p.PayeeRef, &p.Status, &p.Attempts,
		&lastErr, &gatewayRef, &p.NextAttemptAt, &p.CreatedAt, &p.UpdatedAt, &sentAt)
	if err != nil {
		return nil, err
	}
	p.LastError = lastErr.String
	p.GatewayRef = gatewayRef.String
	p.SentAt = timePtr(sentAt)
	return &p, nil
}

func getPayoutPG(ctx context.Context, q querier, id string, lock bool) (*domain.Payout, error) {
	row := q.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`+lockClause(lock), id)
	p, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPayoutNotFound
	}
	return p, err
}

func queryPayouts(ctx context.Context, q querier, query string, args ...any) ([]*domain.Payout, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Helper functions

func expectOne(res sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
