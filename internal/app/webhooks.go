/**
 * @description
 * Provider notification handling. Webhooks settle pending entries created by the
 * checkout flows and credit subscription renewals. Every handler is safe to replay:
 * settled entries are left alone and renewals are deduplicated per calendar day.
 *
 * @dependencies
 * - encoding/json: For decoding provider payloads.
 * - github.com/stripe/stripe-go/v79: Card processor event types.
 * - pkg/paypalclient: Wallet amount parsing.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/domain"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/store"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/pkg/paypalclient"
	"github.com/stripe/stripe-go/v79"
)

// HandleStripeEvent applies an authenticated card processor event to the ledger.
func (s *Service) HandleStripeEvent(ctx context.Context, event stripe.Event) error {
	if event.Data == nil {
		return fmt.Errorf("stripe event %s carries no data", event.ID)
	}
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("failed to decode checkout session: %w", err)
		}
		return s.settleCheckoutSession(ctx, &session)

	case stripe.EventTypeCheckoutSessionExpired, stripe.EventTypeCheckoutSessionAsyncPaymentFailed:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("failed to decode checkout session: %w", err)
		}
		_, err := s.MarkPaymentFailed(ctx, checkoutChannel(&session), session.ID, string(event.Type))
		if errors.Is(err, store.ErrEntryNotFound) {
			return nil
		}
		return err

	case stripe.EventTypeInvoicePaid:
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return fmt.Errorf("failed to decode invoice: %w", err)
		}
		if invoice.Subscription == nil || invoice.Subscription.ID == "" {
			return nil
		}
		// The first cycle is credited by checkout completion.
		if invoice.BillingReason == stripe.InvoiceBillingReasonSubscriptionCreate {
			return nil
		}
		_, err := s.ApplyRenewal(ctx, domain.RenewalNotice{
			Channel:               domain.ChannelStripeSubscription,
			SubscriptionReference: invoice.Subscription.ID,
			CycleReferenceID:      invoice.ID,
			AmountMinorUnits:      invoice.AmountPaid,
			Currency:              string(invoice.Currency),
		})
		return err
	}

	log.Printf("level=info component=service flow=webhook provider=stripe msg=\"event ignored\" event_id=%s type=%s", event.ID, event.Type)
	return nil
}

func checkoutChannel(session *stripe.CheckoutSession) domain.Channel {
	if session.Mode == stripe.CheckoutSessionModeSubscription {
		return domain.ChannelStripeSubscription
	}
	return domain.ChannelStripeCheckout
}

func (s *Service) settleCheckoutSession(ctx context.Context, session *stripe.CheckoutSession) error {
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid &&
		session.PaymentStatus != stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
		// Async methods settle later with async_payment_succeeded.
		return nil
	}
	ch := checkoutChannel(session)
	subRef := ""
	if session.Subscription != nil {
		subRef = session.Subscription.ID
	}

	entry, err := s.repo.FindEntryByExternalReference(ctx, ch, session.ID)
	if err == nil {
		if owner := session.ClientReferenceID; owner != "" && owner != entry.OwnerID {
			log.Printf("level=error component=service flow=webhook provider=stripe msg=\"paid session recorded for another account\" channel=%s external_reference=%s owner_id=%s session_owner_id=%s", ch, session.ID, entry.OwnerID, owner)
		}
		if entry.Status != domain.StatusPending {
			logSettledAfterFailure(entry)
			return nil
		}
		_, err = s.confirmPending(ctx, entry, subRef, nil)
		return err
	}
	if !errors.Is(err, store.ErrEntryNotFound) {
		return err
	}

	// No pending entry: the session was created outside this service.
	ownerID := session.ClientReferenceID
	if ownerID == "" {
		ownerID = session.Metadata["owner_id"]
	}
	productID := session.Metadata["product_id"]
	if ownerID == "" || productID == "" {
		log.Printf("level=warn component=service flow=webhook provider=stripe msg=\"unattributable checkout session\" session_id=%s", session.ID)
		return nil
	}
	product, err := s.productFor(ch, productID)
	if err != nil {
		return err
	}
	email := session.CustomerEmail
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		email = session.CustomerDetails.Email
	}
	_, err = s.ApplyVerifiedPayment(ctx, domain.PaymentApplication{
		OwnerID:               ownerID,
		OwnerEmail:            email,
		Channel:               ch,
		ExternalReferenceID:   session.ID,
		SubscriptionReference: subRef,
		Product:               product,
		Status:                domain.StatusConfirmed,
		AmountMinorUnits:      session.AmountTotal,
		Currency:              string(session.Currency),
	})
	return err
}

// PayPalEvent is an authenticated wallet webhook event.
type PayPalEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type paypalCapture struct {
	ID                string `json:"id"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

type paypalSale struct {
	ID                 string `json:"id"`
	BillingAgreementID string `json:"billing_agreement_id"`
	Amount             struct {
		Total    string `json:"total"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

type paypalSubscriptionResource struct {
	ID string `json:"id"`
}

// HandlePayPalEvent applies an authenticated wallet event to the ledger.
func (s *Service) HandlePayPalEvent(ctx context.Context, event PayPalEvent) error {
	switch event.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		var capture paypalCapture
		if err := json.Unmarshal(event.Resource, &capture); err != nil {
			return fmt.Errorf("failed to decode capture: %w", err)
		}
		return s.confirmByReference(ctx, domain.ChannelPayPalOrder, capture.SupplementaryData.RelatedIDs.OrderID, "")

	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		var capture paypalCapture
		if err := json.Unmarshal(event.Resource, &capture); err != nil {
			return fmt.Errorf("failed to decode capture: %w", err)
		}
		_, err := s.MarkPaymentFailed(ctx, domain.ChannelPayPalOrder, capture.SupplementaryData.RelatedIDs.OrderID, event.EventType)
		if errors.Is(err, store.ErrEntryNotFound) {
			return nil
		}
		return err

	case "BILLING.SUBSCRIPTION.ACTIVATED":
		var sub paypalSubscriptionResource
		if err := json.Unmarshal(event.Resource, &sub); err != nil {
			return fmt.Errorf("failed to decode subscription: %w", err)
		}
		return s.confirmByReference(ctx, domain.ChannelPayPalSubscription, sub.ID, sub.ID)

	case "PAYMENT.SALE.COMPLETED":
		var sale paypalSale
		if err := json.Unmarshal(event.Resource, &sale); err != nil {
			return fmt.Errorf("failed to decode sale: %w", err)
		}
		if sale.BillingAgreementID == "" {
			return nil
		}
		notice := domain.RenewalNotice{
			Channel:               domain.ChannelPayPalSubscription,
			SubscriptionReference: sale.BillingAgreementID,
			CycleReferenceID:      sale.ID,
		}
		if sale.Amount.Total != "" {
			amount := paypalclient.Amount{CurrencyCode: sale.Amount.Currency, Value: sale.Amount.Total}
			if minor, err := amount.MinorUnits(); err == nil {
				notice.AmountMinorUnits = minor
				notice.Currency = sale.Amount.Currency
			}
		}
		_, err := s.ApplyRenewal(ctx, notice)
		return err
	}

	log.Printf("level=info component=service flow=webhook provider=paypal msg=\"event ignored\" event_id=%s type=%s", event.ID, event.EventType)
	return nil
}

func (s *Service) confirmByReference(ctx context.Context, ch domain.Channel, ref, subRef string) error {
	if ref == "" {
		return nil
	}
	entry, err := s.repo.FindEntryByExternalReference(ctx, ch, ref)
	if errors.Is(err, store.ErrEntryNotFound) {
		log.Printf("level=warn component=service flow=webhook msg=\"no entry for reference\" channel=%s external_reference=%s", ch, ref)
		return nil
	}
	if err != nil {
		return err
	}
	if entry.Status != domain.StatusPending {
		logSettledAfterFailure(entry)
		return nil
	}
	_, err = s.confirmPending(ctx, entry, subRef, nil)
	return err
}

// logSettledAfterFailure flags a provider settlement that arrived for an entry already marked
// failed. The ledger does not reopen failed entries, so these need manual reconciliation.
func logSettledAfterFailure(entry *domain.LedgerEntry) {
	if entry.Status != domain.StatusFailed {
		return
	}
	log.Printf("level=error component=service flow=webhook msg=\"settlement received for failed entry\" channel=%s external_reference=%s owner_id=%s entry_id=%s", entry.Channel, entry.ExternalReferenceID, entry.OwnerID, entry.ID)
}

// Play real-time developer notification subscription types that carry a paid cycle.
const (
	playSubscriptionRecovered = 1
	playSubscriptionRenewed   = 2
	playSubscriptionPurchased = 4
	playSubscriptionRestarted = 7
)

// PlayNotification is the decoded payload of a Play real-time developer notification.
type PlayNotification struct {
	Version                  string `json:"version"`
	PackageName              string `json:"packageName"`
	EventTimeMillis          string `json:"eventTimeMillis"`
	SubscriptionNotification *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification,omitempty"`
}

// HandlePlayNotification credits a renewed Play subscription cycle.
func (s *Service) HandlePlayNotification(ctx context.Context, n PlayNotification) error {
	sn := n.SubscriptionNotification
	if sn == nil {
		return nil
	}
	switch sn.NotificationType {
	case playSubscriptionRecovered, playSubscriptionRenewed, playSubscriptionPurchased, playSubscriptionRestarted:
	default:
		log.Printf("level=info component=service flow=webhook provider=google msg=\"notification ignored\" type=%d subscription_id=%s", sn.NotificationType, sn.SubscriptionID)
		return nil
	}
	if s.play == nil {
		return ErrProviderNotConfigured
	}
	notice, err := s.play.LookupRenewal(ctx, sn.SubscriptionID, sn.PurchaseToken)
	if err != nil {
		return err
	}
	_, err = s.ApplyRenewal(ctx, notice)
	if errors.Is(err, ErrUnknownSubscription) {
		// The app has not reported the purchase yet; it will arrive through the purchase route.
		log.Printf("level=info component=service flow=webhook provider=google msg=\"renewal for unknown subscription\" subscription_id=%s", sn.SubscriptionID)
		return nil
	}
	return err
}
