/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Balance is always computed with one aggregate query over the entries; redemption
 * runs in a transaction holding an advisory lock scoped to the owner.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the ledger models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entrySelect = `
	SELECT e.id, e.owner_id, e.owner_email, e.quantity, e.unlimited, e.amount_minor_units, e.currency,
		e.channel, COALESCE(e.external_reference_id, ''), COALESCE(e.subscription_reference, ''),
		COALESCE(e.product_id, ''), e.description, e.recurring, COALESCE(e.recurring_interval, ''),
		e.status, e.is_redemption, e.expires_at, r.id, e.created_at, e.updated_at
	FROM ledger_entries e
	LEFT JOIN consultation_requests r ON r.redemption_entry_id = e.id
`

const insertEntrySQL = `
	INSERT INTO ledger_entries (
		id, owner_id, owner_email, quantity, unlimited, amount_minor_units, currency, channel,
		external_reference_id, subscription_reference, product_id, description, recurring,
		recurring_interval, status, is_redemption, expires_at, created_at, updated_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), $12, $13,
		NULLIF($14, ''), $15, $16, $17, $18, $18)
	ON CONFLICT (channel, external_reference_id) WHERE external_reference_id IS NOT NULL DO NOTHING
`

// balanceSQL folds every entry of an owner in one pass. Debits are confirmed and never
// expire, so they stay live for the lifetime of the account.
const balanceSQL = `
	SELECT
		COALESCE(SUM(quantity) FILTER (WHERE live), 0),
		COALESCE(SUM(quantity) FILTER (WHERE live AND NOT unlimited AND quantity > 0), 0),
		COALESCE(-SUM(quantity) FILTER (WHERE live AND is_redemption), 0),
		COALESCE(BOOL_OR(unlimited) FILTER (WHERE live), FALSE),
		MAX(expires_at) FILTER (WHERE live AND unlimited)
	FROM (
		SELECT quantity, unlimited, is_redemption, expires_at,
			status = 'confirmed' AND (expires_at IS NULL OR expires_at >= $2) AS live
		FROM ledger_entries
		WHERE owner_id = $1
	) owner_entries
`

// Postgres SQLSTATE codes the ledger reacts to.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db, lockTimeout: 5 * time.Second}
}

func scanEntry(row rowScanner) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var channel, status string
	err := row.Scan(
		&e.ID, &e.OwnerID, &e.OwnerEmail, &e.Quantity, &e.Unlimited, &e.AmountMinorUnits, &e.Currency,
		&channel, &e.ExternalReferenceID, &e.SubscriptionReference,
		&e.ProductID, &e.Description, &e.Recurring, &e.RecurringInterval,
		&status, &e.IsRedemption, &e.ExpiresAt, &e.RequestID, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Channel = domain.Channel(channel)
	e.Status = domain.EntryStatus(status)
	return &e, nil
}

func isPgCode(err error, codes ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	for _, code := range codes {
		if pgErr.Code == code {
			return true
		}
	}
	return false
}

func insertEntry(ctx context.Context, q querier, e *domain.LedgerEntry) error {
	tag, err := q.Exec(ctx, insertEntrySQL,
		e.ID, e.OwnerID, e.OwnerEmail, e.Quantity, e.Unlimited, e.AmountMinorUnits, e.Currency, string(e.Channel),
		e.ExternalReferenceID, e.SubscriptionReference, e.ProductID, e.Description, e.Recurring,
		e.RecurringInterval, string(e.Status), e.IsRedemption, e.ExpiresAt, e.CreatedAt,
	)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return ErrDuplicateExternalReference
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateExternalReference
	}
	return nil
}

// InsertEntry persists a new credit entry.
func (r *PostgresRepository) InsertEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	return insertEntry(ctx, r.db, entry)
}

// FindEntryByID retrieves an entry by its id.
func (r *PostgresRepository) FindEntryByID(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error) {
	entry, err := scanEntry(r.db.QueryRow(ctx, entrySelect+" WHERE e.id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return entry, nil
}

// FindEntryByExternalReference retrieves the single entry recorded for a provider reference.
func (r *PostgresRepository) FindEntryByExternalReference(ctx context.Context, channel domain.Channel, externalReferenceID string) (*domain.LedgerEntry, error) {
	entry, err := scanEntry(r.db.QueryRow(ctx,
		entrySelect+" WHERE e.channel = $1 AND e.external_reference_id = $2",
		string(channel), externalReferenceID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return entry, nil
}

// FindLatestBySubscriptionReference retrieves the most recently touched credit of a subscription.
func (r *PostgresRepository) FindLatestBySubscriptionReference(ctx context.Context, channel domain.Channel, subscriptionReference string) (*domain.LedgerEntry, error) {
	entry, err := scanEntry(r.db.QueryRow(ctx,
		entrySelect+` WHERE e.channel = $1 AND e.subscription_reference = $2 AND NOT e.is_redemption
		ORDER BY e.updated_at DESC, e.created_at DESC LIMIT 1`,
		string(channel), subscriptionReference,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return entry, nil
}

// TransitionEntry moves a pending entry to its final status. The WHERE clause guards the
// single allowed transition so concurrent confirmations collapse into one.
func (r *PostgresRepository) TransitionEntry(ctx context.Context, id uuid.UUID, t Transition) (*domain.LedgerEntry, error) {
	if t.To != domain.StatusConfirmed && t.To != domain.StatusFailed {
		return nil, fmt.Errorf("%w: cannot move to %s", ErrInvalidTransition, t.To)
	}
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE ledger_entries
		SET status = $2,
			expires_at = COALESCE($3, expires_at),
			subscription_reference = COALESCE(NULLIF($4, ''), subscription_reference),
			description = COALESCE(NULLIF($5, ''), description),
			updated_at = $6
		WHERE id = $1 AND status = 'pending'
	`, id, string(t.To), t.ExpiresAt, t.SubscriptionReference, t.Description, at)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		if _, findErr := r.FindEntryByID(ctx, id); findErr != nil {
			return nil, findErr
		}
		return nil, ErrInvalidTransition
	}
	return r.FindEntryByID(ctx, id)
}

func balanceOf(ctx context.Context, q querier, ownerID string, now time.Time) (domain.Balance, error) {
	var b domain.Balance
	var remaining, credited, debited int64
	err := q.QueryRow(ctx, balanceSQL, ownerID, now).Scan(&remaining, &credited, &debited, &b.Unlimited, &b.UnlimitedUntil)
	if err != nil {
		return domain.Balance{}, err
	}
	b.Remaining = int(remaining)
	b.TotalCredited = int(credited)
	b.TotalDebited = int(debited)
	return b, nil
}

// GetBalance computes the owner's balance at now.
func (r *PostgresRepository) GetBalance(ctx context.Context, ownerID string, now time.Time) (domain.Balance, error) {
	return balanceOf(ctx, r.db, ownerID, now)
}

// RedeemOne debits one unit and records the request it funds. The advisory lock serialises
// redemptions of one owner without blocking other owners.
func (r *PostgresRepository) RedeemOne(ctx context.Context, request *domain.ConsultationRequest, now time.Time) (*domain.LedgerEntry, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
		return nil, classifyConflict(err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", request.OwnerID); err != nil {
		return nil, classifyConflict(err)
	}

	balance, err := balanceOf(ctx, tx, request.OwnerID, now)
	if err != nil {
		return nil, classifyConflict(err)
	}
	if !balance.CanRedeem() {
		return nil, ErrInsufficientBalance
	}

	debit := newRedemptionEntry(request, now)
	if err := insertEntry(ctx, tx, debit); err != nil {
		return nil, classifyConflict(err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO consultation_requests (id, owner_id, question, language, redemption_entry_id, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
	`, request.ID, request.OwnerID, request.Question, request.Language, debit.ID, request.CreatedAt)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return nil, ErrDuplicateRedemptionRequest
		}
		return nil, classifyConflict(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classifyConflict(err)
	}
	request.RedemptionEntryID = debit.ID
	requestID := request.ID
	debit.RequestID = &requestID
	return debit, nil
}

func classifyConflict(err error) error {
	if isPgCode(err, pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable) {
		return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
	}
	return err
}

// ListEntries returns an owner's confirmed entries, newest first.
func (r *PostgresRepository) ListEntries(ctx context.Context, ownerID string, filter domain.EntryFilter) ([]domain.LedgerEntry, error) {
	query := entrySelect + " WHERE e.owner_id = $1 AND e.status = 'confirmed'"
	args := []any{ownerID}
	if filter.Recurring != nil {
		query += " AND e.recurring = $2"
		args = append(args, *filter.Recurring)
	}
	query += " ORDER BY e.created_at DESC"
	return r.queryEntries(ctx, query, args...)
}

// ListPaidEntries returns confirmed paid credits across all owners for back-office review.
func (r *PostgresRepository) ListPaidEntries(ctx context.Context, limit int) ([]domain.LedgerEntry, error) {
	return r.queryEntries(ctx,
		entrySelect+` WHERE e.status = 'confirmed' AND NOT e.is_redemption AND e.amount_minor_units > 0
		ORDER BY e.created_at DESC LIMIT $1`,
		limit,
	)
}

// ListStalePending returns pending entries of the given channels created before olderThan.
func (r *PostgresRepository) ListStalePending(ctx context.Context, channels []domain.Channel, olderThan time.Time, limit int) ([]domain.LedgerEntry, error) {
	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, string(ch))
	}
	return r.queryEntries(ctx,
		entrySelect+` WHERE e.status = 'pending' AND e.channel = ANY($1) AND e.created_at < $2
		ORDER BY e.created_at ASC LIMIT $3`,
		names, olderThan, limit,
	)
}

func (r *PostgresRepository) queryEntries(ctx context.Context, query string, args ...any) ([]domain.LedgerEntry, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func newRedemptionEntry(request *domain.ConsultationRequest, now time.Time) *domain.LedgerEntry {
	return &domain.LedgerEntry{
		ID:           uuid.New(),
		OwnerID:      request.OwnerID,
		Quantity:     -1,
		Currency:     "usd",
		Channel:      domain.ChannelRedemption,
		Description:  "Redeemed 1 Istekhara request",
		Status:       domain.StatusConfirmed,
		IsRedemption: true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
