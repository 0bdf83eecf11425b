package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/domain"
	"github.com/shopspring/decimal"
)

const notifyTimeout = 5 * time.Second

// FormatAmount renders minor units for display, e.g. 499 usd as "$4.99".
func FormatAmount(minorUnits int64, currency string) string {
	value := decimal.New(minorUnits, -2).StringFixed(2)
	switch strings.ToLower(currency) {
	case "usd", "":
		return "$" + value
	default:
		return value + " " + strings.ToUpper(currency)
	}
}

func paymentConfirmedEvent(e *domain.LedgerEntry, at time.Time) domain.PaymentConfirmedEvent {
	formatted := FormatAmount(e.AmountMinorUnits, e.Currency)
	return domain.PaymentConfirmedEvent{
		EntryID:          e.ID.String(),
		OwnerID:          e.OwnerID,
		OwnerEmail:       e.OwnerEmail,
		Description:      e.Description,
		AmountMinorUnits: e.AmountMinorUnits,
		Currency:         e.Currency,
		FormattedAmount:  formatted,
		Subject:          fmt.Sprintf("IstekharaNow transaction of %s successful", formatted),
		Timestamp:        at,
	}
}

// notifyConfirmed publishes a payment confirmation for the email worker. The ledger write
// has already happened; a publish failure is logged and dropped.
func (s *Service) notifyConfirmed(ctx context.Context, e *domain.LedgerEntry) {
	if e.Status != domain.StatusConfirmed || e.Channel == domain.ChannelPromotional || e.OwnerEmail == "" {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := s.publisher.PublishPaymentConfirmed(pubCtx, paymentConfirmedEvent(e, s.now())); err != nil {
		log.Printf("level=warn component=service flow=notify msg=\"payment confirmation publish failed\" entry_id=%s owner_id=%s err=%v", e.ID, e.OwnerID, err)
	}
}
