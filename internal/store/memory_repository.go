package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/domain"
	"github.com/google/uuid"
)

type referenceKey struct {
	channel domain.Channel
	ref     string
}

// MemoryRepository keeps the ledger in process memory. It honours the same uniqueness
// and atomicity rules as the Postgres repository.
type MemoryRepository struct {
	mu       sync.RWMutex
	entries  map[uuid.UUID]domain.LedgerEntry
	byRef    map[referenceKey]uuid.UUID
	requests map[uuid.UUID]domain.ConsultationRequest

	ownerLocksMu sync.Mutex
	ownerLocks   map[string]*sync.Mutex
}

// NewMemoryRepository creates an empty in-memory ledger.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		entries:    make(map[uuid.UUID]domain.LedgerEntry),
		byRef:      make(map[referenceKey]uuid.UUID),
		requests:   make(map[uuid.UUID]domain.ConsultationRequest),
		ownerLocks: make(map[string]*sync.Mutex),
	}
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (s *MemoryRepository) ownerLock(ownerID string) *sync.Mutex {
	s.ownerLocksMu.Lock()
	defer s.ownerLocksMu.Unlock()
	l, ok := s.ownerLocks[ownerID]
	if !ok {
		l = &sync.Mutex{}
		s.ownerLocks[ownerID] = l
	}
	return l
}

func cloneEntry(e domain.LedgerEntry) *domain.LedgerEntry {
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		e.ExpiresAt = &t
	}
	if e.RequestID != nil {
		id := *e.RequestID
		e.RequestID = &id
	}
	return &e
}

func (s *MemoryRepository) insertLocked(entry *domain.LedgerEntry) error {
	if entry.ExternalReferenceID != "" {
		key := referenceKey{channel: entry.Channel, ref: entry.ExternalReferenceID}
		if _, exists := s.byRef[key]; exists {
			return ErrDuplicateExternalReference
		}
		s.byRef[key] = entry.ID
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = entry.CreatedAt
	}
	s.entries[entry.ID] = *cloneEntry(*entry)
	return nil
}

func (s *MemoryRepository) InsertEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(entry)
}

func (s *MemoryRepository) FindEntryByID(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return cloneEntry(e), nil
}

func (s *MemoryRepository) FindEntryByExternalReference(ctx context.Context, channel domain.Channel, externalReferenceID string) (*domain.LedgerEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRef[referenceKey{channel: channel, ref: externalReferenceID}]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return cloneEntry(s.entries[id]), nil
}

func (s *MemoryRepository) FindLatestBySubscriptionReference(ctx context.Context, channel domain.Channel, subscriptionReference string) (*domain.LedgerEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *domain.LedgerEntry
	for _, e := range s.entries {
		if e.IsRedemption || e.Channel != channel || e.SubscriptionReference != subscriptionReference {
			continue
		}
		if latest == nil || e.UpdatedAt.After(latest.UpdatedAt) ||
			(e.UpdatedAt.Equal(latest.UpdatedAt) && e.CreatedAt.After(latest.CreatedAt)) {
			latest = cloneEntry(e)
		}
	}
	if latest == nil {
		return nil, ErrEntryNotFound
	}
	return latest, nil
}

func (s *MemoryRepository) TransitionEntry(ctx context.Context, id uuid.UUID, t Transition) (*domain.LedgerEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if t.To != domain.StatusConfirmed && t.To != domain.StatusFailed {
		return nil, fmt.Errorf("%w: cannot move to %s", ErrInvalidTransition, t.To)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	if e.Status != domain.StatusPending {
		return nil, ErrInvalidTransition
	}
	e.Status = t.To
	if t.ExpiresAt != nil {
		expires := *t.ExpiresAt
		e.ExpiresAt = &expires
	}
	if t.SubscriptionReference != "" {
		e.SubscriptionReference = t.SubscriptionReference
	}
	if t.Description != "" {
		e.Description = t.Description
	}
	e.UpdatedAt = t.At
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	s.entries[id] = e
	return cloneEntry(e), nil
}

func (s *MemoryRepository) ownerEntriesLocked(ownerID string) []domain.LedgerEntry {
	out := make([]domain.LedgerEntry, 0)
	for _, e := range s.entries {
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	return out
}

func (s *MemoryRepository) GetBalance(ctx context.Context, ownerID string, now time.Time) (domain.Balance, error) {
	if err := ctxErr(ctx); err != nil {
		return domain.Balance{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.FoldBalance(s.ownerEntriesLocked(ownerID), now), nil
}

// RedeemOne holds the owner's lock across the balance check and both writes.
func (s *MemoryRepository) RedeemOne(ctx context.Context, request *domain.ConsultationRequest, now time.Time) (*domain.LedgerEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	lock := s.ownerLock(request.OwnerID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[request.ID]; exists {
		return nil, ErrDuplicateRedemptionRequest
	}
	if !domain.FoldBalance(s.ownerEntriesLocked(request.OwnerID), now).CanRedeem() {
		return nil, ErrInsufficientBalance
	}

	debit := newRedemptionEntry(request, now)
	requestID := request.ID
	debit.RequestID = &requestID
	if err := s.insertLocked(debit); err != nil {
		return nil, err
	}
	request.RedemptionEntryID = debit.ID
	s.requests[request.ID] = *request
	return cloneEntry(*debit), nil
}

func sortNewestFirst(entries []domain.LedgerEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
}

func (s *MemoryRepository) ListEntries(ctx context.Context, ownerID string, filter domain.EntryFilter) ([]domain.LedgerEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LedgerEntry, 0)
	for _, e := range s.entries {
		if e.OwnerID != ownerID || e.Status != domain.StatusConfirmed {
			continue
		}
		if filter.Recurring != nil && e.Recurring != *filter.Recurring {
			continue
		}
		out = append(out, *cloneEntry(e))
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryRepository) ListPaidEntries(ctx context.Context, limit int) ([]domain.LedgerEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LedgerEntry, 0)
	for _, e := range s.entries {
		if e.Status == domain.StatusConfirmed && !e.IsRedemption && e.AmountMinorUnits > 0 {
			out = append(out, *cloneEntry(e))
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryRepository) ListStalePending(ctx context.Context, channels []domain.Channel, olderThan time.Time, limit int) ([]domain.LedgerEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	wanted := make(map[domain.Channel]bool, len(channels))
	for _, ch := range channels {
		wanted[ch] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LedgerEntry, 0)
	for _, e := range s.entries {
		if e.Status == domain.StatusPending && wanted[e.Channel] && e.CreatedAt.Before(olderThan) {
			out = append(out, *cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
