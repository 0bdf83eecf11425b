package verifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/domain"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Play Developer API state codes.
const (
	playPaymentReceived   int64 = 1
	playPurchasePurchased int64 = 0
	playPurchaseCancelled int64 = 1
	playPurchasePending   int64 = 2
)

// PlayPurchases reads purchase state from the Google Play Developer API.
type PlayPurchases interface {
	GetSubscription(ctx context.Context, packageName, subscriptionID, token string) (*androidpublisher.SubscriptionPurchase, error)
	GetProduct(ctx context.Context, packageName, productID, token string) (*androidpublisher.ProductPurchase, error)
}

type playPublisher struct {
	svc *androidpublisher.Service
}

// NewPlayPurchases builds a Play Developer API reader authenticated with a service account key file.
func NewPlayPurchases(ctx context.Context, credentialsFile string) (PlayPurchases, error) {
	svc, err := androidpublisher.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(androidpublisher.AndroidpublisherScope),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create android publisher service: %w", err)
	}
	return &playPublisher{svc: svc}, nil
}

func (p *playPublisher) GetSubscription(ctx context.Context, packageName, subscriptionID, token string) (*androidpublisher.SubscriptionPurchase, error) {
	return p.svc.Purchases.Subscriptions.Get(packageName, subscriptionID, token).Context(ctx).Do()
}

func (p *playPublisher) GetProduct(ctx context.Context, packageName, productID, token string) (*androidpublisher.ProductPurchase, error) {
	return p.svc.Purchases.Products.Get(packageName, productID, token).Context(ctx).Do()
}

// GoogleVerifier verifies Google Play purchase tokens. Recurring products are looked up
// as subscriptions, everything else as one-time products.
type GoogleVerifier struct {
	purchases   PlayPurchases
	packageName string
	now         func() time.Time
}

func NewGoogleVerifier(purchases PlayPurchases, packageName string) *GoogleVerifier {
	return &GoogleVerifier{purchases: purchases, packageName: packageName, now: time.Now}
}

func (v *GoogleVerifier) Verify(ctx context.Context, req Request) (domain.VerifiedPayment, error) {
	if req.Product.Recurring {
		return v.verifySubscription(ctx, req)
	}
	return v.verifyProduct(ctx, req)
}

func (v *GoogleVerifier) verifySubscription(ctx context.Context, req Request) (domain.VerifiedPayment, error) {
	sub, err := v.purchases.GetSubscription(ctx, v.packageName, req.storeProductID(), req.Token)
	if err != nil {
		return domain.VerifiedPayment{}, mapGoogleError(ctx, err)
	}
	if sub.PaymentState == nil || *sub.PaymentState != playPaymentReceived {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: payment not received", ErrNotPurchased)
	}
	expiresAt := millis(sub.ExpiryTimeMillis)
	if expiresAt != nil && expiresAt.Before(v.now()) {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: subscription ended %s", ErrExpired, expiresAt.Format(time.RFC3339))
	}

	return domain.VerifiedPayment{
		ProductID:             req.Product.ProductID,
		ExternalReferenceID:   req.Token,
		SubscriptionReference: req.Token,
		Status:                domain.StatusConfirmed,
		ExpiresAt:             expiresAt,
		AmountMinorUnits:      microsToMinor(sub.PriceAmountMicros, req.Product.PriceMinorUnits),
		Currency:              currencyOr(sub.PriceCurrencyCode, req.Product.Currency),
	}, nil
}

func (v *GoogleVerifier) verifyProduct(ctx context.Context, req Request) (domain.VerifiedPayment, error) {
	purchase, err := v.purchases.GetProduct(ctx, v.packageName, req.storeProductID(), req.Token)
	if err != nil {
		return domain.VerifiedPayment{}, mapGoogleError(ctx, err)
	}
	switch purchase.PurchaseState {
	case playPurchasePurchased:
	case playPurchaseCancelled:
		return domain.VerifiedPayment{}, fmt.Errorf("%w: purchase was cancelled", ErrNotPurchased)
	case playPurchasePending:
		return domain.VerifiedPayment{}, fmt.Errorf("%w: purchase is pending", ErrNotPurchased)
	default:
		return domain.VerifiedPayment{}, fmt.Errorf("%w: unknown purchase state %d", ErrNotPurchased, purchase.PurchaseState)
	}

	return domain.VerifiedPayment{
		ProductID:           req.Product.ProductID,
		ExternalReferenceID: req.Token,
		Status:              domain.StatusConfirmed,
		AmountMinorUnits:    req.Product.PriceMinorUnits,
		Currency:            req.Product.Currency,
	}, nil
}

// LookupRenewal reads the current billing cycle of a subscription for a renewal notification.
func (v *GoogleVerifier) LookupRenewal(ctx context.Context, subscriptionID, token string) (domain.RenewalNotice, error) {
	sub, err := v.purchases.GetSubscription(ctx, v.packageName, subscriptionID, token)
	if err != nil {
		return domain.RenewalNotice{}, mapGoogleError(ctx, err)
	}
	if sub.PaymentState == nil || *sub.PaymentState != playPaymentReceived {
		return domain.RenewalNotice{}, fmt.Errorf("%w: renewal payment not received", ErrNotPurchased)
	}
	if sub.OrderId == "" {
		return domain.RenewalNotice{}, fmt.Errorf("%w: renewal carries no order id", ErrInvalidToken)
	}
	return domain.RenewalNotice{
		Channel:               domain.ChannelPlayStore,
		SubscriptionReference: token,
		CycleReferenceID:      sub.OrderId,
		AmountMinorUnits:      microsToMinor(sub.PriceAmountMicros, 0),
		Currency:              sub.PriceCurrencyCode,
		ExpiresAt:             millis(sub.ExpiryTimeMillis),
	}, nil
}

func millis(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

func microsToMinor(micros, fallback int64) int64 {
	if micros <= 0 {
		return fallback
	}
	return micros / 10000
}

func currencyOr(code, fallback string) string {
	if code == "" {
		return fallback
	}
	return code
}

func mapGoogleError(ctx context.Context, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("%w: %s", ErrInvalidToken, apiErr.Message)
		}
	}
	return unavailable(ctx, "google play", err)
}
