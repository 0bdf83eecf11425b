/**
 * @description
 * This file defines the `Repository` interface, the contract for every persistence
 * operation the quota ledger needs. The Postgres implementation is used in production;
 * the in-memory implementation backs tests and local runs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For entry identifiers.
 * - internal/domain: For the ledger models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrEntryNotFound              = errors.New("ledger entry not found")
	ErrDuplicateExternalReference = errors.New("external reference already recorded for channel")
	ErrInvalidTransition          = errors.New("entry is no longer pending")
	ErrInsufficientBalance        = errors.New("insufficient quota balance")
	ErrConcurrencyConflict        = errors.New("concurrent ledger update conflict")
	ErrDuplicateRedemptionRequest = errors.New("redemption already linked to a request")
)

// Transition describes a pending entry leaving the pending state.
type Transition struct {
	To                    domain.EntryStatus
	ExpiresAt             *time.Time
	SubscriptionReference string
	Description           string
	At                    time.Time
}

// Repository defines the set of methods for interacting with the ledger.
type Repository interface {
	// InsertEntry persists a new entry. A clash on (channel, external reference)
	// returns ErrDuplicateExternalReference and writes nothing.
	InsertEntry(ctx context.Context, entry *domain.LedgerEntry) error
	FindEntryByID(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error)
	FindEntryByExternalReference(ctx context.Context, channel domain.Channel, externalReferenceID string) (*domain.LedgerEntry, error)
	// FindLatestBySubscriptionReference returns the most recently updated credit for a subscription.
	FindLatestBySubscriptionReference(ctx context.Context, channel domain.Channel, subscriptionReference string) (*domain.LedgerEntry, error)
	// TransitionEntry moves a pending entry to confirmed or failed. Entries that already
	// left pending return ErrInvalidTransition.
	TransitionEntry(ctx context.Context, id uuid.UUID, t Transition) (*domain.LedgerEntry, error)

	GetBalance(ctx context.Context, ownerID string, now time.Time) (domain.Balance, error)
	// RedeemOne writes a single-unit debit and the request it funds in one atomic step.
	RedeemOne(ctx context.Context, request *domain.ConsultationRequest, now time.Time) (*domain.LedgerEntry, error)

	ListEntries(ctx context.Context, ownerID string, filter domain.EntryFilter) ([]domain.LedgerEntry, error)
	ListPaidEntries(ctx context.Context, limit int) ([]domain.LedgerEntry, error)
	ListStalePending(ctx context.Context, channels []domain.Channel, olderThan time.Time, limit int) ([]domain.LedgerEntry, error)
}
