package verifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/domain"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/pkg/paypalclient"
)

// PayPalReader is the subset of the PayPal API the verifier reads.
type PayPalReader interface {
	GetOrder(ctx context.Context, orderID string) (*paypalclient.Order, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*paypalclient.Subscription, error)
}

// PayPalVerifier verifies wallet orders and billing subscriptions. Orders that are
// approved but not yet captured verify as pending; the capture webhook confirms them.
type PayPalVerifier struct {
	api PayPalReader
}

func NewPayPalVerifier(api PayPalReader) *PayPalVerifier {
	return &PayPalVerifier{api: api}
}

func (v *PayPalVerifier) Verify(ctx context.Context, req Request) (domain.VerifiedPayment, error) {
	if req.Channel == domain.ChannelPayPalSubscription {
		return v.verifySubscription(ctx, req)
	}
	return v.verifyOrder(ctx, req)
}

func (v *PayPalVerifier) verifyOrder(ctx context.Context, req Request) (domain.VerifiedPayment, error) {
	order, err := v.api.GetOrder(ctx, req.Token)
	if err != nil {
		return domain.VerifiedPayment{}, mapPayPalError(ctx, err)
	}

	payment := domain.VerifiedPayment{
		ProductID:           req.Product.ProductID,
		ExternalReferenceID: order.ID,
	}
	if len(order.PurchaseUnits) == 0 {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: order %s has no purchase units", ErrInvalidToken, order.ID)
	}
	unit := order.PurchaseUnits[0]
	if err := req.checkOwner(unit.CustomID); err != nil {
		return domain.VerifiedPayment{}, err
	}
	if unit.ReferenceID != "" && unit.ReferenceID != "default" && unit.ReferenceID != req.Product.ProductID {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: order was for %s", ErrProductMismatch, unit.ReferenceID)
	}
	amount, err := unit.Amount.MinorUnits()
	if err != nil {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := checkAmount(req.Product, amount, unit.Amount.CurrencyCode); err != nil {
		return domain.VerifiedPayment{}, err
	}
	payment.AmountMinorUnits = amount
	payment.Currency = unit.Amount.CurrencyCode

	switch order.Status {
	case "COMPLETED":
		payment.Status = domain.StatusConfirmed
	case "CREATED", "SAVED", "APPROVED", "PAYER_ACTION_REQUIRED":
		payment.Status = domain.StatusPending
	case "VOIDED":
		return domain.VerifiedPayment{}, fmt.Errorf("%w: order %s was voided", ErrNotPurchased, order.ID)
	default:
		return domain.VerifiedPayment{}, fmt.Errorf("%w: order %s has status %s", ErrNotPurchased, order.ID, order.Status)
	}
	return payment, nil
}

func (v *PayPalVerifier) verifySubscription(ctx context.Context, req Request) (domain.VerifiedPayment, error) {
	sub, err := v.api.GetSubscription(ctx, req.Token)
	if err != nil {
		return domain.VerifiedPayment{}, mapPayPalError(ctx, err)
	}
	if err := req.checkOwner(sub.CustomID); err != nil {
		return domain.VerifiedPayment{}, err
	}
	if req.Product.PayPalPlanID != "" && sub.PlanID != req.Product.PayPalPlanID {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: subscription is on plan %s", ErrProductMismatch, sub.PlanID)
	}

	payment := domain.VerifiedPayment{
		ProductID:             req.Product.ProductID,
		ExternalReferenceID:   sub.ID,
		SubscriptionReference: sub.ID,
		ExpiresAt:             sub.BillingInfo.NextBillingTime,
	}
	if last := sub.BillingInfo.LastPayment.Amount; last.Value != "" {
		amount, err := last.MinorUnits()
		if err != nil {
			return domain.VerifiedPayment{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		payment.AmountMinorUnits = amount
		payment.Currency = last.CurrencyCode
	}

	switch sub.Status {
	case "ACTIVE":
		payment.Status = domain.StatusConfirmed
	case "APPROVAL_PENDING", "APPROVED":
		payment.Status = domain.StatusPending
	case "EXPIRED":
		return domain.VerifiedPayment{}, fmt.Errorf("%w: subscription %s expired", ErrExpired, sub.ID)
	default:
		return domain.VerifiedPayment{}, fmt.Errorf("%w: subscription %s has status %s", ErrNotPurchased, sub.ID, sub.Status)
	}
	return payment, nil
}

func mapPayPalError(ctx context.Context, err error) error {
	if errors.Is(err, paypalclient.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var apiErr *paypalclient.APIError
	if errors.As(err, &apiErr) && !apiErr.Temporary() &&
		apiErr.StatusCode != http.StatusUnauthorized && apiErr.StatusCode != http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrInvalidToken, apiErr.Message)
	}
	return unavailable(ctx, "paypal", err)
}
