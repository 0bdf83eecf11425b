package verifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/domain"
	"github.com/stripe/stripe-go/v79"
)

// CheckoutSessionReader reads a Stripe checkout session with line items and subscription expanded.
type CheckoutSessionReader interface {
	GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error)
}

// StripeVerifier verifies hosted card checkouts, one-time and subscription.
type StripeVerifier struct {
	sessions CheckoutSessionReader
}

func NewStripeVerifier(sessions CheckoutSessionReader) *StripeVerifier {
	return &StripeVerifier{sessions: sessions}
}

func (v *StripeVerifier) Verify(ctx context.Context, req Request) (domain.VerifiedPayment, error) {
	session, err := v.sessions.GetCheckoutSession(ctx, req.Token)
	if err != nil {
		return domain.VerifiedPayment{}, mapStripeError(ctx, err)
	}
	owner := session.ClientReferenceID
	if owner == "" {
		owner = session.Metadata["owner_id"]
	}
	if err := req.checkOwner(owner); err != nil {
		return domain.VerifiedPayment{}, err
	}
	if err := checkSessionMode(req.Channel, session); err != nil {
		return domain.VerifiedPayment{}, err
	}
	if err := checkSessionProduct(req.Product, session); err != nil {
		return domain.VerifiedPayment{}, err
	}

	payment := domain.VerifiedPayment{
		ProductID:           req.Product.ProductID,
		ExternalReferenceID: session.ID,
		AmountMinorUnits:    session.AmountTotal,
		Currency:            string(session.Currency),
	}
	if session.Subscription != nil {
		payment.SubscriptionReference = session.Subscription.ID
	}

	switch {
	case session.Status == stripe.CheckoutSessionStatusExpired:
		return domain.VerifiedPayment{}, fmt.Errorf("%w: checkout session %s expired", ErrExpired, session.ID)
	case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		session.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		payment.Status = domain.StatusConfirmed
	default:
		payment.Status = domain.StatusPending
	}
	return payment, nil
}

func checkSessionMode(ch domain.Channel, s *stripe.CheckoutSession) error {
	want := stripe.CheckoutSessionModePayment
	if ch == domain.ChannelStripeSubscription {
		want = stripe.CheckoutSessionModeSubscription
	}
	if s.Mode != "" && s.Mode != want {
		return fmt.Errorf("%w: session mode %s does not fit channel %s", ErrProductMismatch, s.Mode, ch)
	}
	return nil
}

func checkSessionProduct(p domain.Product, s *stripe.CheckoutSession) error {
	if declared := s.Metadata["product_id"]; declared != "" && declared != p.ProductID {
		return fmt.Errorf("%w: session sold %s, not %s", ErrProductMismatch, declared, p.ProductID)
	}
	if p.StripePriceID == "" || s.LineItems == nil || len(s.LineItems.Data) == 0 {
		// Without a price to match, the charged total has to cover the product.
		return checkAmount(p, s.AmountTotal, string(s.Currency))
	}
	for _, item := range s.LineItems.Data {
		if item.Price != nil && item.Price.ID == p.StripePriceID {
			return nil
		}
	}
	return fmt.Errorf("%w: session has no line item for price %s", ErrProductMismatch, p.StripePriceID)
}

// mapStripeError converts Stripe library errors into verification errors.
func mapStripeError(ctx context.Context, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return fmt.Errorf("%w: %s", ErrInvalidToken, stripeErr.Msg)
		}
		switch stripeErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
			return unavailable(ctx, "stripe", err)
		}
		if stripeErr.HTTPStatusCode >= http.StatusInternalServerError {
			return unavailable(ctx, "stripe", err)
		}
		if stripeErr.HTTPStatusCode >= http.StatusBadRequest {
			return fmt.Errorf("%w: %s", ErrInvalidToken, stripeErr.Msg)
		}
	}
	return unavailable(ctx, "stripe", err)
}
