/**
 * @description
 * This file contains the core business logic of the quota ledger. The `Service` struct
 * turns verified provider payments into ledger entries and serves balances and
 * redemptions, coordinating between the repository, the provider verifiers, the
 * billing providers and the message broker.
 *
 * Key features:
 * - Verify first, then write: no ledger entry is written before the provider answers.
 * - Idempotent application keyed by (channel, external reference).
 * - Renewal credits are deduplicated per subscription per calendar day.
 * - "Payment confirmed" events are published after the write and never block it.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For entry and request identifiers.
 * - internal/catalog, internal/domain, internal/store, internal/verifier: Ledger core.
 * - pkg/rabbitmq, pkg/stripeclient: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/catalog"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/domain"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/store"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/verifier"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/pkg/rabbitmq"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/pkg/stripeclient"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
)

var (
	ErrNotAuthorized         = errors.New("not authorized to act on this entry")
	ErrNoActiveSubscription  = errors.New("entry has no active subscription")
	ErrManagedByStore        = errors.New("subscription is managed by the app store")
	ErrProviderNotConfigured = errors.New("payment provider is not configured")
	ErrUnknownSubscription   = errors.New("no ledger entry for subscription")
)

// ValidationError is a user-facing input error.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// RateLimitError is returned when an owner exceeds the purchase attempt limit.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many purchase attempts; retry in %d seconds", e.RetryAfterSeconds)
}

// PaymentVerifier authenticates a payment token with its provider.
type PaymentVerifier interface {
	Verify(ctx context.Context, req verifier.Request) (domain.VerifiedPayment, error)
}

// CheckoutProvider is the card processor used for hosted checkout and cancellations.
type CheckoutProvider interface {
	CreateCheckoutSession(ctx context.Context, req stripeclient.CheckoutRequest) (*stripe.CheckoutSession, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error
}

// WalletSubscriptions cancels wallet billing subscriptions.
type WalletSubscriptions interface {
	CancelSubscription(ctx context.Context, subscriptionID, reason string) error
}

// PlayRenewals reads the current billing cycle of a Play subscription.
type PlayRenewals interface {
	LookupRenewal(ctx context.Context, subscriptionID, token string) (domain.RenewalNotice, error)
}

// PurchaseLimiter counts purchase confirmation attempts per owner.
type PurchaseLimiter interface {
	CountPurchaseAttempt(ctx context.Context, ownerID string) (PurchaseAttempt, error)
}

// Service provides the core business logic of the quota ledger.
type Service struct {
	repo      store.Repository
	catalogs  catalog.Set
	verifiers PaymentVerifier
	publisher rabbitmq.Publisher

	checkout CheckoutProvider
	wallet   WalletSubscriptions
	play     PlayRenewals

	limiter       PurchaseLimiter
	purchaseLimit int

	location *time.Location
	now      func() time.Time
}

// NewService creates a new ledger service instance.
func NewService(repo store.Repository, catalogs catalog.Set, verifiers PaymentVerifier, publisher rabbitmq.Publisher) *Service {
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{}
	}
	return &Service{
		repo:      repo,
		catalogs:  catalogs,
		verifiers: verifiers,
		publisher: publisher,
		location:  time.UTC,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetCheckoutProvider wires the card processor used for checkout and cancellation.
func (s *Service) SetCheckoutProvider(p CheckoutProvider) { s.checkout = p }

// SetWalletSubscriptions wires the wallet provider used for cancellation.
func (s *Service) SetWalletSubscriptions(w WalletSubscriptions) { s.wallet = w }

// SetPlayRenewals wires the Play subscription reader used by renewal notifications.
func (s *Service) SetPlayRenewals(p PlayRenewals) { s.play = p }

// SetPurchaseRateLimiter enables per-owner purchase attempt limiting.
func (s *Service) SetPurchaseRateLimiter(limiter PurchaseLimiter, perMinute int) {
	s.limiter = limiter
	s.purchaseLimit = perMinute
}

// SetLocation sets the time zone used for calendar-day comparisons and descriptions.
func (s *Service) SetLocation(loc *time.Location) {
	if loc != nil {
		s.location = loc
	}
}

// PurchaseRequest is a synchronous purchase confirmation from a client.
type PurchaseRequest struct {
	OwnerID       string
	OwnerEmail    string
	Channel       domain.Channel
	ProductID     string
	ProviderToken string
}

// Purchase verifies a provider token and records the resulting credit.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (*domain.LedgerEntry, error) {
	if req.Channel == domain.ChannelPromotional || req.Channel == domain.ChannelRedemption {
		return nil, validationErrorf("Payment provider not supported")
	}
	product, err := s.productFor(req.Channel, req.ProductID)
	if err != nil {
		return nil, err
	}
	if err := checkChannelFitsProduct(req.Channel, product); err != nil {
		return nil, err
	}
	token := strings.TrimSpace(req.ProviderToken)
	if token == "" {
		return nil, validationErrorf("Provider token is required")
	}
	if err := s.enforcePurchaseLimit(ctx, req.OwnerID); err != nil {
		return nil, err
	}

	payment, err := s.verifiers.Verify(ctx, verifier.Request{
		Channel:           req.Channel,
		Token:             token,
		OwnerID:           req.OwnerID,
		DeclaredProductID: req.ProductID,
		Product:           product,
	})
	if err != nil {
		log.Printf("level=warn component=service flow=purchase msg=\"verification failed\" owner_id=%s channel=%s product_id=%s err=%v", req.OwnerID, req.Channel, product.ProductID, err)
		return nil, err
	}

	return s.ApplyVerifiedPayment(ctx, domain.PaymentApplication{
		OwnerID:               req.OwnerID,
		OwnerEmail:            req.OwnerEmail,
		Channel:               req.Channel,
		ExternalReferenceID:   payment.ExternalReferenceID,
		SubscriptionReference: payment.SubscriptionReference,
		Product:               product,
		Status:                payment.Status,
		AmountMinorUnits:      payment.AmountMinorUnits,
		Currency:              payment.Currency,
	})
}

// IAPRequest is an in-app purchase confirmation from the mobile app.
type IAPRequest struct {
	OwnerID    string
	OwnerEmail string
	Platform   string
	ProductID  string
	Token      string
}

// PurchaseInApp maps the mobile platform to its store channel and records the purchase.
func (s *Service) PurchaseInApp(ctx context.Context, req IAPRequest) (*domain.LedgerEntry, error) {
	if req.ProductID == "" || strings.TrimSpace(req.Token) == "" {
		return nil, validationErrorf("Missing required fields: platform, productId, and purchaseToken (or receipt)")
	}
	var ch domain.Channel
	switch strings.ToLower(strings.TrimSpace(req.Platform)) {
	case "ios":
		ch = domain.ChannelAppStore
	case "android":
		ch = domain.ChannelPlayStore
	default:
		return nil, validationErrorf("Invalid platform. Must be 'ios' or 'android'")
	}
	return s.Purchase(ctx, PurchaseRequest{
		OwnerID:       req.OwnerID,
		OwnerEmail:    req.OwnerEmail,
		Channel:       ch,
		ProductID:     req.ProductID,
		ProviderToken: req.Token,
	})
}

func (s *Service) productFor(ch domain.Channel, productID string) (domain.Product, error) {
	c, err := s.catalogs.ForChannel(ch)
	if err != nil {
		return domain.Product{}, validationErrorf("Unsupported channel: %s", ch)
	}
	if strings.TrimSpace(productID) == "" {
		return domain.Product{}, validationErrorf("Product ID is required")
	}
	product, err := c.Lookup(productID)
	if err != nil {
		return domain.Product{}, validationErrorf("Invalid product ID: %s", productID)
	}
	return product, nil
}

// Card and wallet channels come in one-time and subscription flavours that must match the product.
func checkChannelFitsProduct(ch domain.Channel, p domain.Product) error {
	if ch.IsMobile() {
		return nil
	}
	if p.Recurring != ch.IsSubscription() {
		if p.Recurring {
			return validationErrorf("Product %s is a subscription and cannot be bought on channel %s", p.ProductID, ch)
		}
		return validationErrorf("Product %s is a one-time purchase and cannot be bought on channel %s", p.ProductID, ch)
	}
	return nil
}

func (s *Service) enforcePurchaseLimit(ctx context.Context, ownerID string) error {
	if s.limiter == nil || s.purchaseLimit <= 0 {
		return nil
	}
	attempt, err := s.limiter.CountPurchaseAttempt(ctx, ownerID)
	if err != nil {
		log.Printf("level=warn component=service flow=purchase msg=\"rate limiter unavailable; allowing request\" owner_id=%s err=%v", ownerID, err)
		return nil
	}
	if attempt.Count > s.purchaseLimit {
		return &RateLimitError{RetryAfterSeconds: int(attempt.RetryAfter / time.Second)}
	}
	return nil
}

// ApplyVerifiedPayment records a verified payment exactly once per (channel, external reference).
// A replay returns the stored entry; a stored pending entry is confirmed when the new
// report says the payment settled.
func (s *Service) ApplyVerifiedPayment(ctx context.Context, in domain.PaymentApplication) (*domain.LedgerEntry, error) {
	if strings.TrimSpace(in.ExternalReferenceID) == "" {
		return nil, validationErrorf("External reference is required")
	}
	if in.Status == "" {
		in.Status = domain.StatusConfirmed
	}

	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.repo.FindEntryByExternalReference(ctx, in.Channel, in.ExternalReferenceID)
		if err == nil {
			return s.settleExisting(ctx, existing, in)
		}
		if !errors.Is(err, store.ErrEntryNotFound) {
			log.Printf("level=error component=service flow=reconcile msg=\"lookup failed\" owner_id=%s channel=%s external_reference=%s err=%v", in.OwnerID, in.Channel, in.ExternalReferenceID, err)
			return nil, fmt.Errorf("failed to look up payment: %w", err)
		}

		entry, err := s.newCreditEntry(in)
		if err != nil {
			return nil, err
		}
		err = s.repo.InsertEntry(ctx, entry)
		if err == nil {
			log.Printf("level=info component=service flow=reconcile msg=\"entry recorded\" entry_id=%s owner_id=%s channel=%s external_reference=%s status=%s", entry.ID, entry.OwnerID, entry.Channel, entry.ExternalReferenceID, entry.Status)
			s.notifyConfirmed(ctx, entry)
			return entry, nil
		}
		if !errors.Is(err, store.ErrDuplicateExternalReference) {
			log.Printf("level=error component=service flow=reconcile msg=\"insert failed\" owner_id=%s channel=%s external_reference=%s err=%v", in.OwnerID, in.Channel, in.ExternalReferenceID, err)
			return nil, fmt.Errorf("failed to record payment: %w", err)
		}
		log.Printf("level=info component=service flow=reconcile msg=\"lost insert race; reading winner\" channel=%s external_reference=%s", in.Channel, in.ExternalReferenceID)
	}
	return nil, fmt.Errorf("%w: %s %s", store.ErrConcurrencyConflict, in.Channel, in.ExternalReferenceID)
}

func (s *Service) settleExisting(ctx context.Context, existing *domain.LedgerEntry, in domain.PaymentApplication) (*domain.LedgerEntry, error) {
	if existing.OwnerID != in.OwnerID {
		log.Printf("level=warn component=service flow=reconcile msg=\"reference belongs to another owner\" owner_id=%s channel=%s external_reference=%s", in.OwnerID, in.Channel, in.ExternalReferenceID)
		return nil, ErrNotAuthorized
	}
	if existing.Status != domain.StatusPending || in.Status != domain.StatusConfirmed {
		return existing, nil
	}
	return s.confirmPending(ctx, existing, in.SubscriptionReference, in.VerifiedExpiry)
}

// confirmPending moves a pending entry to confirmed, computing its expiry at confirmation time.
func (s *Service) confirmPending(ctx context.Context, entry *domain.LedgerEntry, subscriptionReference string, expiry *time.Time) (*domain.LedgerEntry, error) {
	now := s.now()
	product := productFromEntry(entry)
	if expiry == nil {
		expiry = product.ExpiryFrom(now)
	}
	confirmed, err := s.repo.TransitionEntry(ctx, entry.ID, store.Transition{
		To:                    domain.StatusConfirmed,
		ExpiresAt:             expiry,
		SubscriptionReference: subscriptionReference,
		Description:           product.DescriptionAt(now.In(s.location)),
		At:                    now,
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		// Settled concurrently; report the stored outcome.
		return s.repo.FindEntryByID(ctx, entry.ID)
	}
	if err != nil {
		log.Printf("level=error component=service flow=reconcile msg=\"confirm failed\" entry_id=%s owner_id=%s channel=%s external_reference=%s err=%v", entry.ID, entry.OwnerID, entry.Channel, entry.ExternalReferenceID, err)
		return nil, fmt.Errorf("failed to confirm payment: %w", err)
	}
	log.Printf("level=info component=service flow=reconcile msg=\"pending entry confirmed\" entry_id=%s owner_id=%s channel=%s external_reference=%s", confirmed.ID, confirmed.OwnerID, confirmed.Channel, confirmed.ExternalReferenceID)
	s.notifyConfirmed(ctx, confirmed)
	return confirmed, nil
}

func (s *Service) newCreditEntry(in domain.PaymentApplication) (*domain.LedgerEntry, error) {
	now := s.now()
	p := in.Product

	amount, currency := in.AmountMinorUnits, in.Currency
	if amount <= 0 {
		amount = p.PriceMinorUnits
	}
	if currency == "" {
		currency = p.Currency
	}
	description := in.Description
	if description == "" {
		description = p.DescriptionAt(now.In(s.location))
	}

	entry := &domain.LedgerEntry{
		ID:                    uuid.New(),
		OwnerID:               in.OwnerID,
		OwnerEmail:            in.OwnerEmail,
		Quantity:              p.Quantity,
		Unlimited:             p.Unlimited,
		AmountMinorUnits:      amount,
		Currency:              strings.ToLower(currency),
		Channel:               in.Channel,
		ExternalReferenceID:   in.ExternalReferenceID,
		SubscriptionReference: in.SubscriptionReference,
		ProductID:             p.ProductID,
		Description:           description,
		Recurring:             p.Recurring,
		RecurringInterval:     p.RecurringInterval,
		Status:                in.Status,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if in.Status == domain.StatusConfirmed {
		entry.ExpiresAt = in.VerifiedExpiry
		if entry.ExpiresAt == nil {
			entry.ExpiresAt = p.ExpiryFrom(now)
		}
	}
	if err := entry.Validate(); err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}
	return entry, nil
}

// productFromEntry rebuilds the product terms an entry was sold under.
func productFromEntry(e *domain.LedgerEntry) domain.Product {
	return domain.Product{
		ProductID:         e.ProductID,
		Quantity:          e.Quantity,
		Unlimited:         e.Unlimited,
		PriceMinorUnits:   e.AmountMinorUnits,
		Currency:          e.Currency,
		Recurring:         e.Recurring,
		RecurringInterval: e.RecurringInterval,
	}
}

// ApplyRenewal credits one billing cycle of an existing subscription. A second notice for
// the same subscription on the same calendar day does not credit again.
func (s *Service) ApplyRenewal(ctx context.Context, notice domain.RenewalNotice) (*domain.LedgerEntry, error) {
	if notice.SubscriptionReference == "" {
		return nil, validationErrorf("Subscription reference is required")
	}
	latest, err := s.repo.FindLatestBySubscriptionReference(ctx, notice.Channel, notice.SubscriptionReference)
	if errors.Is(err, store.ErrEntryNotFound) {
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownSubscription, notice.Channel, notice.SubscriptionReference)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up subscription: %w", err)
	}

	now := s.now()
	if sameCalendarDay(latest.UpdatedAt, now, s.location) {
		if latest.Status == domain.StatusPending {
			return s.confirmPending(ctx, latest, notice.SubscriptionReference, nil)
		}
		log.Printf("level=info component=service flow=renewal msg=\"cycle already credited today\" entry_id=%s channel=%s subscription_reference=%s", latest.ID, notice.Channel, notice.SubscriptionReference)
		return latest, nil
	}

	cycleRef := notice.CycleReferenceID
	if cycleRef == "" {
		cycleRef = fmt.Sprintf("%s:%s", notice.SubscriptionReference, now.In(s.location).Format("2006-01-02"))
	}
	return s.ApplyVerifiedPayment(ctx, domain.PaymentApplication{
		OwnerID:               latest.OwnerID,
		OwnerEmail:            latest.OwnerEmail,
		Channel:               notice.Channel,
		ExternalReferenceID:   cycleRef,
		SubscriptionReference: notice.SubscriptionReference,
		Product:               productFromEntry(latest),
		Status:                domain.StatusConfirmed,
		AmountMinorUnits:      notice.AmountMinorUnits,
		Currency:              notice.Currency,
	})
}

func sameCalendarDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// MarkPaymentFailed moves a pending entry to failed. Settled entries are left untouched.
func (s *Service) MarkPaymentFailed(ctx context.Context, ch domain.Channel, externalReferenceID, reason string) (*domain.LedgerEntry, error) {
	entry, err := s.repo.FindEntryByExternalReference(ctx, ch, externalReferenceID)
	if err != nil {
		return nil, err
	}
	if entry.Status != domain.StatusPending {
		return entry, nil
	}
	failed, err := s.repo.TransitionEntry(ctx, entry.ID, store.Transition{To: domain.StatusFailed, At: s.now()})
	if errors.Is(err, store.ErrInvalidTransition) {
		return s.repo.FindEntryByID(ctx, entry.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark payment failed: %w", err)
	}
	log.Printf("level=info component=service flow=reconcile msg=\"pending entry failed\" entry_id=%s owner_id=%s channel=%s external_reference=%s reason=%q", failed.ID, failed.OwnerID, ch, externalReferenceID, reason)
	return failed, nil
}

// CheckoutRequest starts a hosted card checkout for a web product.
type CheckoutRequest struct {
	OwnerID    string
	OwnerEmail string
	ProductID  string
	SuccessURL string
	CancelURL  string
}

// CreateCheckout creates a hosted checkout session and records a pending entry keyed by
// the session id. The checkout webhook or the recheck job settles it.
func (s *Service) CreateCheckout(ctx context.Context, req CheckoutRequest) (*domain.CheckoutSession, error) {
	if s.checkout == nil {
		return nil, ErrProviderNotConfigured
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		return nil, validationErrorf("success_url and cancel_url are required")
	}
	product, err := s.productFor(domain.ChannelStripeCheckout, req.ProductID)
	if err != nil {
		return nil, err
	}
	if product.StripePriceID == "" {
		return nil, validationErrorf("Product %s is not sold by card", product.ProductID)
	}
	if err := s.enforcePurchaseLimit(ctx, req.OwnerID); err != nil {
		return nil, err
	}

	session, err := s.checkout.CreateCheckoutSession(ctx, stripeclient.CheckoutRequest{
		OwnerID:    req.OwnerID,
		OwnerEmail: req.OwnerEmail,
		ProductID:  product.ProductID,
		PriceID:    product.StripePriceID,
		Recurring:  product.Recurring,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		log.Printf("level=error component=service flow=checkout msg=\"checkout session create failed\" owner_id=%s product_id=%s err=%v", req.OwnerID, product.ProductID, err)
		return nil, fmt.Errorf("%w: %v", verifier.ErrProviderUnavailable, err)
	}

	ch := domain.ChannelStripeCheckout
	if product.Recurring {
		ch = domain.ChannelStripeSubscription
	}
	if _, err := s.ApplyVerifiedPayment(ctx, domain.PaymentApplication{
		OwnerID:             req.OwnerID,
		OwnerEmail:          req.OwnerEmail,
		Channel:             ch,
		ExternalReferenceID: session.ID,
		Product:             product,
		Status:              domain.StatusPending,
	}); err != nil {
		return nil, err
	}
	return &domain.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// GrantRequest is an internal promotional credit.
type GrantRequest struct {
	OwnerID    string
	OwnerEmail string
	Quantity   int
	Unlimited  bool
	Reference  string
	Note       string
	ExpiresAt  *time.Time
}

// GrantPromotional credits free units. The reference makes the grant idempotent.
func (s *Service) GrantPromotional(ctx context.Context, req GrantRequest) (*domain.LedgerEntry, error) {
	if req.OwnerID == "" || strings.TrimSpace(req.Reference) == "" {
		return nil, validationErrorf("owner_id and reference are required")
	}
	if req.Unlimited == (req.Quantity != 0) {
		return nil, validationErrorf("a grant carries either a positive quantity or unlimited")
	}
	if req.Quantity < 0 {
		return nil, validationErrorf("quantity must be positive")
	}
	qty := fmt.Sprintf("%d", req.Quantity)
	if req.Unlimited {
		qty = "∞"
	}
	description := req.Note
	if description == "" {
		description = fmt.Sprintf("Promotional grant of %s Istekhara requests", qty)
	}
	return s.ApplyVerifiedPayment(ctx, domain.PaymentApplication{
		OwnerID:             req.OwnerID,
		OwnerEmail:          req.OwnerEmail,
		Channel:             domain.ChannelPromotional,
		ExternalReferenceID: strings.TrimSpace(req.Reference),
		Product:             domain.Product{ProductID: "promotional", Quantity: req.Quantity, Unlimited: req.Unlimited, Currency: "usd"},
		Status:              domain.StatusConfirmed,
		Description:         description,
		VerifiedExpiry:      req.ExpiresAt,
	})
}
