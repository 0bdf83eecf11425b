package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/catalog"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/domain"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/store"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/verifier"
	"github.com/google/uuid"
)

type stubWallet struct {
	err       error
	cancelled []string
}

func (w *stubWallet) CancelSubscription(ctx context.Context, subscriptionID, reason string) error {
	w.cancelled = append(w.cancelled, subscriptionID)
	return w.err
}

func TestRedeemOneConcurrentOnSingleUnit(t *testing.T) {
	svc, repo, _, _ := newTestService(t, nil)
	ctx := context.Background()
	if _, err := svc.GrantPromotional(ctx, GrantRequest{OwnerID: "user-1", Quantity: 1, Reference: "one"}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	const workers = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.RedeemOne(ctx, "user-1", NewRequest{Question: "Is this a good time?"})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !errors.Is(err, store.ErrInsufficientBalance) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one redemption, got %d", successes)
	}
	balance, _ := repo.GetBalance(ctx, "user-1", svc.now())
	if balance.Remaining != 0 {
		t.Fatalf("expected balance 0, got %d", balance.Remaining)
	}
}

func TestRedeemOneLinksRequestAndDebit(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	ctx := context.Background()
	if _, err := svc.GrantPromotional(ctx, GrantRequest{OwnerID: "user-1", Quantity: 2, Reference: "two"}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	request, debit, err := svc.RedeemOne(ctx, "user-1", NewRequest{Question: "  Should I travel?  ", Language: "en"})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if request.Question != "Should I travel?" {
		t.Fatalf("expected trimmed question, got %q", request.Question)
	}
	if request.RedemptionEntryID != debit.ID || debit.RequestID == nil || *debit.RequestID != request.ID {
		t.Fatalf("request and debit are not linked: %+v %+v", request, debit)
	}
	if !debit.IsRedemption || debit.Quantity != -1 {
		t.Fatalf("unexpected debit %+v", debit)
	}
}

func TestRedeemOneValidatesQuestion(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	for _, q := range []string{"", "   ", strings.Repeat("a", maxQuestionLength+1)} {
		var verr *ValidationError
		if _, _, err := svc.RedeemOne(context.Background(), "user-1", NewRequest{Question: q}); !errors.As(err, &verr) {
			t.Fatalf("expected validation error for %d chars, got %v", len(q), err)
		}
	}
}

func TestCancelRecurring(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	ctx := context.Background()
	checkout := &stubCheckout{}
	wallet := &stubWallet{}
	svc.SetCheckoutProvider(checkout)
	svc.SetWalletSubscriptions(wallet)

	monthly := mustProduct(t, svc.catalogs.Web, catalog.ProductMonthly10)
	apply := func(ch domain.Channel, ref, subRef string, p domain.Product) *domain.LedgerEntry {
		t.Helper()
		e, err := svc.ApplyVerifiedPayment(ctx, domain.PaymentApplication{
			OwnerID:               "user-1",
			Channel:               ch,
			ExternalReferenceID:   ref,
			SubscriptionReference: subRef,
			Product:               p,
			Status:                domain.StatusConfirmed,
		})
		if err != nil {
			t.Fatalf("apply %s: %v", ref, err)
		}
		return e
	}
	stripeSub := apply(domain.ChannelStripeSubscription, "cs_1", "sub_1", monthly)
	paypalSub := apply(domain.ChannelPayPalSubscription, "I-1", "I-1", monthly)
	appleSub := apply(domain.ChannelAppStore, "2000001", "1000001", mustProduct(t, svc.catalogs.Mobile, catalog.ProductMonthly10))
	oneTime := apply(domain.ChannelPayPalOrder, "O-1", "", mustProduct(t, svc.catalogs.Web, catalog.ProductSingle))

	tests := []struct {
		name    string
		owner   string
		entryID uuid.UUID
		wantErr error
	}{
		{name: "stripe subscription", owner: "user-1", entryID: stripeSub.ID},
		{name: "paypal subscription", owner: "user-1", entryID: paypalSub.ID},
		{name: "app store subscription", owner: "user-1", entryID: appleSub.ID, wantErr: ErrManagedByStore},
		{name: "one-time purchase", owner: "user-1", entryID: oneTime.ID, wantErr: ErrNoActiveSubscription},
		{name: "someone else's entry", owner: "user-2", entryID: stripeSub.ID, wantErr: ErrNotAuthorized},
		{name: "missing entry", owner: "user-1", entryID: uuid.New(), wantErr: store.ErrEntryNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CancelRecurring(ctx, tt.owner, tt.entryID)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
	if len(checkout.cancelled) != 1 || checkout.cancelled[0] != "sub_1" {
		t.Fatalf("unexpected stripe cancellations %v", checkout.cancelled)
	}
	if len(wallet.cancelled) != 1 || wallet.cancelled[0] != "I-1" {
		t.Fatalf("unexpected paypal cancellations %v", wallet.cancelled)
	}

	// Credits already granted stay spendable after cancellation.
	balance, _ := svc.GetBalance(ctx, "user-1")
	if balance.Remaining != 31 {
		t.Fatalf("expected balance 31, got %d", balance.Remaining)
	}

	wallet.err = errors.New("paypal 500")
	if _, err := svc.CancelRecurring(ctx, "user-1", paypalSub.ID); !errors.Is(err, verifier.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestListPricingIsOrderedByPrice(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	products := svc.ListPricing()
	if len(products) == 0 {
		t.Fatalf("expected products")
	}
	for i := 1; i < len(products); i++ {
		if products[i].PriceMinorUnits < products[i-1].PriceMinorUnits {
			t.Fatalf("pricing is not ordered: %v", products)
		}
	}
}
