package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/domain"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/store"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/verifier"
)

// recheckChannels are the channels whose pending entries can be re-verified by token.
var recheckChannels = []domain.Channel{
	domain.ChannelStripeCheckout,
	domain.ChannelStripeSubscription,
	domain.ChannelPayPalOrder,
	domain.ChannelPayPalSubscription,
}

// PendingSummary counts the outcomes of one pending sweep.
type PendingSummary struct {
	Checked   int
	Confirmed int
	Failed    int
	Skipped   int
}

// ReconcilePendingCheckouts re-verifies pending card and wallet entries older than the
// cutoff. It recovers payments whose webhook never arrived.
func (s *Service) ReconcilePendingCheckouts(ctx context.Context, olderThan time.Duration, limit int) (PendingSummary, error) {
	var summary PendingSummary
	entries, err := s.repo.ListStalePending(ctx, recheckChannels, s.now().Add(-olderThan), limit)
	if err != nil {
		return summary, err
	}

	for i := range entries {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		entry := &entries[i]
		summary.Checked++

		product := productFromEntry(entry)
		if c, err := s.catalogs.ForChannel(entry.Channel); err == nil {
			if p, err := c.Lookup(entry.ProductID); err == nil {
				product = p
			}
		}
		payment, err := s.verifiers.Verify(ctx, verifier.Request{
			Channel: entry.Channel,
			Token:   entry.ExternalReferenceID,
			OwnerID: entry.OwnerID,
			Product: product,
		})
		switch {
		case errors.Is(err, verifier.ErrProviderUnavailable),
			errors.Is(err, verifier.ErrChannelNotVerifiable):
			// Provider down or unconfigured: the entry stays pending.
			summary.Skipped++
			continue
		case err != nil:
			if _, ferr := s.MarkPaymentFailed(ctx, entry.Channel, entry.ExternalReferenceID, err.Error()); ferr != nil {
				log.Printf("level=error component=service flow=recheck msg=\"mark failed errored\" entry_id=%s err=%v", entry.ID, ferr)
				summary.Skipped++
				continue
			}
			summary.Failed++
		case payment.Status == domain.StatusConfirmed:
			if _, cerr := s.confirmPending(ctx, entry, payment.SubscriptionReference, nil); cerr != nil {
				summary.Skipped++
				continue
			}
			summary.Confirmed++
		default:
			summary.Skipped++
		}
	}
	if summary.Checked > 0 {
		log.Printf("level=info component=service flow=recheck msg=\"pending sweep finished\" checked=%d confirmed=%d failed=%d skipped=%d", summary.Checked, summary.Confirmed, summary.Failed, summary.Skipped)
	}
	return summary, nil
}

// ExpireStalePending fails pending entries on every channel that stayed unsettled past
// the cutoff. It returns the number of entries failed.
func (s *Service) ExpireStalePending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	entries, err := s.repo.ListStalePending(ctx, domain.PaymentChannels, s.now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	failed := 0
	for i := range entries {
		e := &entries[i]
		_, err := s.repo.TransitionEntry(ctx, e.ID, store.Transition{To: domain.StatusFailed, At: s.now()})
		switch {
		case err == nil:
			failed++
		case errors.Is(err, store.ErrInvalidTransition):
		default:
			return failed, err
		}
	}
	if failed > 0 {
		log.Printf("level=info component=service flow=expire msg=\"stale pending entries failed\" count=%d", failed)
	}
	return failed, nil
}
