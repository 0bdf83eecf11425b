package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/domain"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/pkg/paypalclient"
)

type stubPayPal struct {
	order *paypalclient.Order
	sub   *paypalclient.Subscription
	err   error
}

func (s stubPayPal) GetOrder(ctx context.Context, id string) (*paypalclient.Order, error) {
	return s.order, s.err
}

func (s stubPayPal) GetSubscription(ctx context.Context, id string) (*paypalclient.Subscription, error) {
	return s.sub, s.err
}

func decodeOrder(t *testing.T, raw string) *paypalclient.Order {
	t.Helper()
	var o paypalclient.Order
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	return &o
}

func TestPayPalVerifier_OrderStatuses(t *testing.T) {
	single := domain.Product{ProductID: "istekhara_1", Quantity: 1, PriceMinorUnits: 199, Currency: "usd"}
	tests := []struct {
		status     string
		wantStatus domain.EntryStatus
		wantErr    error
	}{
		{status: "COMPLETED", wantStatus: domain.StatusConfirmed},
		{status: "APPROVED", wantStatus: domain.StatusPending},
		{status: "PAYER_ACTION_REQUIRED", wantStatus: domain.StatusPending},
		{status: "VOIDED", wantErr: ErrNotPurchased},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			order := decodeOrder(t, fmt.Sprintf(`{"id":"ORDER-1","status":%q,"purchase_units":[{"reference_id":"default","amount":{"currency_code":"USD","value":"1.99"}}]}`, tt.status))
			v := NewPayPalVerifier(stubPayPal{order: order})
			payment, err := v.Verify(context.Background(), Request{Channel: domain.ChannelPayPalOrder, Token: "ORDER-1", Product: single})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if payment.Status != tt.wantStatus || payment.ExternalReferenceID != "ORDER-1" || payment.AmountMinorUnits != 199 {
				t.Fatalf("unexpected payment %+v", payment)
			}
		})
	}
}

func TestPayPalVerifier_SubscriptionPlanMismatch(t *testing.T) {
	product := domain.Product{ProductID: "istekhara_monthly_10", Quantity: 10, Recurring: true, PayPalPlanID: "P-MONTHLY"}
	v := NewPayPalVerifier(stubPayPal{sub: &paypalclient.Subscription{ID: "I-1", Status: "ACTIVE", PlanID: "P-YEARLY"}})
	_, err := v.Verify(context.Background(), Request{Channel: domain.ChannelPayPalSubscription, Token: "I-1", Product: product})
	if !errors.Is(err, ErrProductMismatch) {
		t.Fatalf("expected ErrProductMismatch, got %v", err)
	}
}

func TestPayPalVerifier_ActiveSubscription(t *testing.T) {
	product := domain.Product{ProductID: "istekhara_monthly_10", Quantity: 10, Recurring: true, PayPalPlanID: "P-MONTHLY"}
	v := NewPayPalVerifier(stubPayPal{sub: &paypalclient.Subscription{ID: "I-1", Status: "ACTIVE", PlanID: "P-MONTHLY"}})
	payment, err := v.Verify(context.Background(), Request{Channel: domain.ChannelPayPalSubscription, Token: "I-1", Product: product})
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if payment.Status != domain.StatusConfirmed || payment.SubscriptionReference != "I-1" {
		t.Fatalf("unexpected payment %+v", payment)
	}
}

func TestMapPayPalError(t *testing.T) {
	ctx := context.Background()
	if err := mapPayPalError(ctx, fmt.Errorf("%w: x", paypalclient.ErrNotFound)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for missing resource, got %v", err)
	}
	if err := mapPayPalError(ctx, &paypalclient.APIError{StatusCode: http.StatusUnprocessableEntity}); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for 422, got %v", err)
	}
	if err := mapPayPalError(ctx, &paypalclient.APIError{StatusCode: http.StatusInternalServerError}); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable for 500, got %v", err)
	}
	if err := mapPayPalError(ctx, &paypalclient.APIError{StatusCode: http.StatusUnauthorized}); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable for bad credentials, got %v", err)
	}
}

func TestPayPalVerifier_OrderMustCoverProductPrice(t *testing.T) {
	unlimited := domain.Product{ProductID: "istekhara_unlimited", Unlimited: true, PriceMinorUnits: 9999, Currency: "usd"}
	tests := []struct {
		name  string
		order string
		want  error
	}{
		{
			name:  "one cent for unlimited",
			order: `{"id":"ORDER-2","status":"COMPLETED","purchase_units":[{"reference_id":"default","amount":{"currency_code":"USD","value":"0.01"}}]}`,
			want:  ErrProductMismatch,
		},
		{
			name:  "right number in another currency",
			order: `{"id":"ORDER-2","status":"COMPLETED","purchase_units":[{"reference_id":"default","amount":{"currency_code":"EUR","value":"99.99"}}]}`,
			want:  ErrProductMismatch,
		},
		{
			name:  "no purchase units",
			order: `{"id":"ORDER-2","status":"COMPLETED","purchase_units":[]}`,
			want:  ErrInvalidToken,
		},
		{
			name:  "full price",
			order: `{"id":"ORDER-2","status":"COMPLETED","purchase_units":[{"reference_id":"default","amount":{"currency_code":"USD","value":"99.99"}}]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewPayPalVerifier(stubPayPal{order: decodeOrder(t, tt.order)})
			payment, err := v.Verify(context.Background(), Request{Channel: domain.ChannelPayPalOrder, Token: "ORDER-2", Product: unlimited})
			if tt.want != nil {
				if !errors.Is(err, tt.want) {
					t.Fatalf("expected %v, got %v (payment %+v)", tt.want, err, payment)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if payment.Status != domain.StatusConfirmed || payment.AmountMinorUnits != 9999 {
				t.Fatalf("unexpected payment %+v", payment)
			}
		})
	}
}

func TestPayPalVerifier_RejectsOrderTaggedForAnotherAccount(t *testing.T) {
	single := domain.Product{ProductID: "istekhara_1", Quantity: 1, PriceMinorUnits: 199, Currency: "usd"}
	order := decodeOrder(t, `{"id":"ORDER-3","status":"COMPLETED","purchase_units":[{"reference_id":"default","custom_id":"victim","amount":{"currency_code":"USD","value":"1.99"}}]}`)
	v := NewPayPalVerifier(stubPayPal{order: order})

	if _, err := v.Verify(context.Background(), Request{Channel: domain.ChannelPayPalOrder, Token: "ORDER-3", OwnerID: "attacker", Product: single}); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for another account's order, got %v", err)
	}
	if _, err := v.Verify(context.Background(), Request{Channel: domain.ChannelPayPalOrder, Token: "ORDER-3", OwnerID: "victim", Product: single}); err != nil {
		t.Fatalf("expected the tagged owner to verify, got %v", err)
	}
}
