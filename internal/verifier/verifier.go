/**
 * @description
 * This package turns opaque payment tokens into verified payments. There is one
 * verifier per provider; the Registry dispatches on the channel with an exhaustive
 * switch so every payment channel is handled explicitly.
 *
 * Verifiers only read from providers. They never touch the ledger, and callers must
 * not hold any ledger lock while a verification is in flight.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - internal/domain: For channels, products and verified payments.
 */

package verifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/domain"
)

var (
	ErrInvalidToken         = errors.New("invalid payment token")
	ErrExpired              = errors.New("payment has expired")
	ErrNotPurchased         = errors.New("payment not completed")
	ErrProductMismatch      = errors.New("payment does not match product")
	ErrProviderUnavailable  = errors.New("payment provider unavailable")
	ErrChannelNotVerifiable = errors.New("channel has no verifier")
)

// DefaultTimeout bounds every provider call made through the Registry.
const DefaultTimeout = 15 * time.Second

// Request is one verification call.
type Request struct {
	Channel domain.Channel
	Token   string
	// OwnerID is the account asking for the credit. Payments tagged for another account are rejected.
	OwnerID string
	// DeclaredProductID is the product id the client sent, which may be a store alias.
	DeclaredProductID string
	Product           domain.Product
}

func (r Request) storeProductID() string {
	if r.DeclaredProductID != "" {
		return r.DeclaredProductID
	}
	return r.Product.ProductID
}

// checkOwner rejects a payment whose provider-side owner tag names a different account.
// Untagged payments and requests without an owner pass.
func (r Request) checkOwner(tagged string) error {
	tagged = strings.TrimSpace(tagged)
	if tagged == "" || r.OwnerID == "" || tagged == r.OwnerID {
		return nil
	}
	return fmt.Errorf("%w: payment belongs to another account", ErrInvalidToken)
}

// checkAmount rejects a payment below the product price or in another currency.
func checkAmount(p domain.Product, amountMinorUnits int64, currency string) error {
	if p.PriceMinorUnits <= 0 {
		return nil
	}
	if currency != "" && p.Currency != "" && !strings.EqualFold(currency, p.Currency) {
		return fmt.Errorf("%w: paid in %s, product is priced in %s", ErrProductMismatch, strings.ToUpper(currency), strings.ToUpper(p.Currency))
	}
	if amountMinorUnits < p.PriceMinorUnits {
		return fmt.Errorf("%w: paid %d minor units, product costs %d", ErrProductMismatch, amountMinorUnits, p.PriceMinorUnits)
	}
	return nil
}

// Verifier authenticates a payment token with one provider.
type Verifier interface {
	Verify(ctx context.Context, req Request) (domain.VerifiedPayment, error)
}

// Registry holds one verifier per provider. A nil verifier means the provider is not configured.
type Registry struct {
	Stripe    Verifier
	PayPal    Verifier
	AppStore  Verifier
	PlayStore Verifier
	Timeout   time.Duration
}

// For returns the verifier responsible for a channel.
func (r *Registry) For(ch domain.Channel) (Verifier, error) {
	var v Verifier
	switch ch {
	case domain.ChannelStripeCheckout, domain.ChannelStripeSubscription:
		v = r.Stripe
	case domain.ChannelPayPalOrder, domain.ChannelPayPalSubscription:
		v = r.PayPal
	case domain.ChannelAppStore:
		v = r.AppStore
	case domain.ChannelPlayStore:
		v = r.PlayStore
	case domain.ChannelPromotional, domain.ChannelRedemption:
		return nil, fmt.Errorf("%w: %s", ErrChannelNotVerifiable, ch)
	default:
		return nil, fmt.Errorf("%w: unknown channel %q", ErrChannelNotVerifiable, ch)
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %s is not configured", ErrChannelNotVerifiable, ch)
	}
	return v, nil
}

// Verify dispatches to the channel's verifier under a bounded timeout.
func (r *Registry) Verify(ctx context.Context, req Request) (domain.VerifiedPayment, error) {
	v, err := r.For(req.Channel)
	if err != nil {
		return domain.VerifiedPayment{}, err
	}
	if req.Token == "" {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: token is required", ErrInvalidToken)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payment, err := v.Verify(ctx, req)
	if err != nil {
		return domain.VerifiedPayment{}, err
	}
	if payment.ProductID == "" {
		payment.ProductID = req.Product.ProductID
	}
	return payment, nil
}

// IsVerificationError reports whether err is one of the verifier's failure reasons.
func IsVerificationError(err error) bool {
	return errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrNotPurchased) ||
		errors.Is(err, ErrProductMismatch) ||
		errors.Is(err, ErrProviderUnavailable)
}

// unavailable wraps a transport failure. A cancelled caller context is passed through untouched.
func unavailable(ctx context.Context, provider string, err error) error {
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
		return ctxErr
	}
	return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, provider, err)
}
