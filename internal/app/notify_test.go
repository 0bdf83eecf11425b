package app

import (
	"context"
	"errors"
	"testing"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/catalog"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/domain"
)

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		minor    int64
		currency string
		want     string
	}{
		{minor: 499, currency: "usd", want: "$4.99"},
		{minor: 9999, currency: "USD", want: "$99.99"},
		{minor: 5, currency: "usd", want: "$0.05"},
		{minor: 0, currency: "", want: "$0.00"},
		{minor: 1250, currency: "eur", want: "12.50 EUR"},
	}
	for _, tt := range tests {
		if got := FormatAmount(tt.minor, tt.currency); got != tt.want {
			t.Fatalf("FormatAmount(%d, %q) = %q, want %q", tt.minor, tt.currency, got, tt.want)
		}
	}
}

func TestConfirmationEventContent(t *testing.T) {
	svc, _, pub, _ := newTestService(t, nil)
	entry, err := svc.ApplyVerifiedPayment(context.Background(), domain.PaymentApplication{
		OwnerID:             "user-1",
		OwnerEmail:          "user@example.com",
		Channel:             domain.ChannelPayPalOrder,
		ExternalReferenceID: "O-1",
		Product:             mustProduct(t, svc.catalogs.Web, catalog.ProductUnlimited2Y),
		Status:              domain.StatusConfirmed,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if pub.count() != 1 {
		t.Fatalf("expected one event, got %d", pub.count())
	}
	event := pub.events[0]
	if event.EntryID != entry.ID.String() || event.OwnerEmail != "user@example.com" {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Subject != "IstekharaNow transaction of $99.99 successful" {
		t.Fatalf("unexpected subject %q", event.Subject)
	}
	if event.Description != "Purchase of ∞ Istekhara requests" {
		t.Fatalf("unexpected description %q", event.Description)
	}
}

func TestNotificationFailureDoesNotFailWrite(t *testing.T) {
	svc, repo, pub, _ := newTestService(t, nil)
	pub.err = errors.New("broker down")
	entry, err := svc.ApplyVerifiedPayment(context.Background(), domain.PaymentApplication{
		OwnerID:             "user-1",
		OwnerEmail:          "user@example.com",
		Channel:             domain.ChannelPlayStore,
		ExternalReferenceID: "tok",
		Product:             mustProduct(t, svc.catalogs.Mobile, catalog.ProductSingle),
		Status:              domain.StatusConfirmed,
	})
	if err != nil {
		t.Fatalf("apply should succeed despite broker failure: %v", err)
	}
	if _, err := repo.FindEntryByID(context.Background(), entry.ID); err != nil {
		t.Fatalf("entry not persisted: %v", err)
	}
}

func TestNoNotificationWithoutEmail(t *testing.T) {
	svc, _, pub, _ := newTestService(t, nil)
	if _, err := svc.ApplyVerifiedPayment(context.Background(), domain.PaymentApplication{
		OwnerID:             "user-1",
		Channel:             domain.ChannelPlayStore,
		ExternalReferenceID: "tok",
		Product:             mustProduct(t, svc.catalogs.Mobile, catalog.ProductSingle),
		Status:              domain.StatusConfirmed,
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if pub.count() != 0 {
		t.Fatalf("expected no event without an address")
	}
}
