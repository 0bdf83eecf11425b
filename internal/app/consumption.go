package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/domain"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/store"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/verifier"
	"github.com/google/uuid"
)

const maxQuestionLength = 2000

// GetBalance returns the derived quota position of an owner.
func (s *Service) GetBalance(ctx context.Context, ownerID string) (domain.Balance, error) {
	return s.repo.GetBalance(ctx, ownerID, s.now())
}

// NewRequest is a consultation submitted by a client.
type NewRequest struct {
	Question string
	Language string
}

// RedeemOne consumes one unit and records the request it funds. Both are written together
// or not at all.
func (s *Service) RedeemOne(ctx context.Context, ownerID string, in NewRequest) (*domain.ConsultationRequest, *domain.LedgerEntry, error) {
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return nil, nil, validationErrorf("Question is required")
	}
	if utf8.RuneCountInString(question) > maxQuestionLength {
		return nil, nil, validationErrorf("Question must be at most %d characters", maxQuestionLength)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		now := s.now()
		request := &domain.ConsultationRequest{
			ID:        uuid.New(),
			OwnerID:   ownerID,
			Question:  question,
			Language:  strings.TrimSpace(in.Language),
			CreatedAt: now,
		}
		debit, err := s.repo.RedeemOne(ctx, request, now)
		if err == nil {
			log.Printf("level=info component=service flow=redeem msg=\"unit redeemed\" owner_id=%s request_id=%s entry_id=%s", ownerID, request.ID, debit.ID)
			return request, debit, nil
		}
		if !errors.Is(err, store.ErrConcurrencyConflict) {
			if !errors.Is(err, store.ErrInsufficientBalance) {
				log.Printf("level=error component=service flow=redeem msg=\"redeem failed\" owner_id=%s err=%v", ownerID, err)
			}
			return nil, nil, err
		}
		lastErr = err
	}
	log.Printf("level=warn component=service flow=redeem msg=\"redeem conflicted twice\" owner_id=%s err=%v", ownerID, lastErr)
	return nil, nil, lastErr
}

// CancelRecurring stops future renewals of the subscription behind an entry. Units already
// credited stay spendable. App-store subscriptions are cancelled in the store by the user.
func (s *Service) CancelRecurring(ctx context.Context, ownerID string, entryID uuid.UUID) (*domain.LedgerEntry, error) {
	entry, err := s.repo.FindEntryByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.OwnerID != ownerID {
		return nil, ErrNotAuthorized
	}
	if !entry.Recurring || entry.SubscriptionReference == "" {
		return nil, ErrNoActiveSubscription
	}

	switch entry.Channel {
	case domain.ChannelStripeSubscription, domain.ChannelStripeCheckout:
		if s.checkout == nil {
			return nil, ErrProviderNotConfigured
		}
		err = s.checkout.CancelAtPeriodEnd(ctx, entry.SubscriptionReference)
	case domain.ChannelPayPalSubscription:
		if s.wallet == nil {
			return nil, ErrProviderNotConfigured
		}
		err = s.wallet.CancelSubscription(ctx, entry.SubscriptionReference, "Cancelled by customer")
	case domain.ChannelAppStore, domain.ChannelPlayStore:
		return nil, ErrManagedByStore
	default:
		return nil, ErrNoActiveSubscription
	}
	if err != nil {
		log.Printf("level=error component=service flow=cancel msg=\"provider cancel failed\" owner_id=%s entry_id=%s channel=%s err=%v", ownerID, entry.ID, entry.Channel, err)
		return nil, fmt.Errorf("%w: %v", verifier.ErrProviderUnavailable, err)
	}
	log.Printf("level=info component=service flow=cancel msg=\"subscription cancelled\" owner_id=%s entry_id=%s channel=%s subscription_reference=%s", ownerID, entry.ID, entry.Channel, entry.SubscriptionReference)
	return entry, nil
}

// ListEntries returns an owner's confirmed entries, newest first.
func (s *Service) ListEntries(ctx context.Context, ownerID string, filter domain.EntryFilter) ([]domain.LedgerEntry, error) {
	return s.repo.ListEntries(ctx, ownerID, filter)
}

// ListPaidEntries returns the most recent confirmed paid credits across all owners.
func (s *Service) ListPaidEntries(ctx context.Context, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListPaidEntries(ctx, limit)
}

// ListPricing returns the web catalog ordered by price.
func (s *Service) ListPricing() []domain.Product {
	if s.catalogs.Web == nil {
		return nil
	}
	return s.catalogs.Web.List()
}
