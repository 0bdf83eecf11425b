package domain

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestFoldBalanceMatchesSignedSumOfLiveEntries(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	rng := rand.New(rand.NewSource(42))
	statuses := []EntryStatus{StatusPending, StatusConfirmed, StatusFailed}

	for round := 0; round < 200; round++ {
		n := rng.Intn(30)
		entries := make([]LedgerEntry, 0, n)
		want := 0
		for i := 0; i < n; i++ {
			e := LedgerEntry{ID: uuid.New(), OwnerID: "owner", Status: statuses[rng.Intn(len(statuses))]}
			if rng.Intn(3) == 0 {
				e.Quantity = -1
				e.IsRedemption = true
				e.Status = StatusConfirmed
			} else {
				e.Quantity = 1 + rng.Intn(50)
			}
			switch rng.Intn(3) {
			case 0:
				past := now.Add(-time.Duration(1+rng.Intn(1000)) * time.Hour)
				e.ExpiresAt = &past
			case 1:
				future := now.Add(time.Duration(1+rng.Intn(1000)) * time.Hour)
				e.ExpiresAt = &future
			}
			if e.IsRedemption {
				e.ExpiresAt = nil
			}
			if e.Status == StatusConfirmed && (e.ExpiresAt == nil || !e.ExpiresAt.Before(now)) {
				want += e.Quantity
			}
			entries = append(entries, e)
		}

		got := FoldBalance(entries, now)
		if got.Remaining != want {
			t.Fatalf("round %d: expected remaining %d, got %d", round, want, got.Remaining)
		}
		if got.Remaining != got.TotalCredited-got.TotalDebited {
			t.Fatalf("round %d: remaining %d disagrees with credited %d minus debited %d", round, got.Remaining, got.TotalCredited, got.TotalDebited)
		}
	}
}

func TestFoldBalanceUnlimitedTakesPrecedence(t *testing.T) {
	now := time.Now().UTC()
	until := now.AddDate(2, 0, 0)
	entries := []LedgerEntry{
		{Quantity: 0, Unlimited: true, Status: StatusConfirmed, ExpiresAt: &until},
		{Quantity: -1, IsRedemption: true, Status: StatusConfirmed},
		{Quantity: -1, IsRedemption: true, Status: StatusConfirmed},
	}

	b := FoldBalance(entries, now)
	if !b.Unlimited || !b.CanRedeem() {
		t.Fatalf("expected unlimited balance, got %+v", b)
	}
	if b.UnlimitedUntil == nil || !b.UnlimitedUntil.Equal(until) {
		t.Fatalf("expected unlimited until %v, got %v", until, b.UnlimitedUntil)
	}

	raw, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal returned error: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal returned error: %v", err)
	}
	if decoded["remaining"] != "unlimited" {
		t.Fatalf("expected remaining to render as unlimited, got %v", decoded["remaining"])
	}
}

func TestFoldBalanceExpiredUnlimitedFallsBackToSum(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	entries := []LedgerEntry{
		{Unlimited: true, Status: StatusConfirmed, ExpiresAt: &past},
		{Quantity: 3, Status: StatusConfirmed},
	}
	b := FoldBalance(entries, now)
	if b.Unlimited || b.Remaining != 3 {
		t.Fatalf("expected numeric balance of 3, got %+v", b)
	}
}

func TestValidate(t *testing.T) {
	future := time.Now().Add(time.Hour)
	tests := []struct {
		name    string
		entry   LedgerEntry
		wantErr bool
	}{
		{name: "credit", entry: LedgerEntry{OwnerID: "u", Quantity: 1, ExternalReferenceID: "ref", Status: StatusConfirmed}},
		{name: "zero without marker", entry: LedgerEntry{OwnerID: "u", ExternalReferenceID: "ref"}, wantErr: true},
		{name: "unlimited with quantity", entry: LedgerEntry{OwnerID: "u", Unlimited: true, Quantity: 5, ExternalReferenceID: "ref"}, wantErr: true},
		{name: "confirmed unlimited without expiry", entry: LedgerEntry{OwnerID: "u", Unlimited: true, ExternalReferenceID: "ref", Status: StatusConfirmed}, wantErr: true},
		{name: "confirmed unlimited", entry: LedgerEntry{OwnerID: "u", Unlimited: true, ExternalReferenceID: "ref", Status: StatusConfirmed, ExpiresAt: &future}},
		{name: "pending unlimited", entry: LedgerEntry{OwnerID: "u", Unlimited: true, ExternalReferenceID: "ref", Status: StatusPending}},
		{name: "credit without reference", entry: LedgerEntry{OwnerID: "u", Quantity: 1}, wantErr: true},
		{name: "negative credit", entry: LedgerEntry{OwnerID: "u", Quantity: -3, ExternalReferenceID: "ref"}, wantErr: true},
		{name: "redemption", entry: LedgerEntry{OwnerID: "u", Quantity: -1, IsRedemption: true, Status: StatusConfirmed, Channel: ChannelRedemption}},
		{name: "pending redemption", entry: LedgerEntry{OwnerID: "u", Quantity: -1, IsRedemption: true, Status: StatusPending, Channel: ChannelRedemption}, wantErr: true},
		{name: "missing owner", entry: LedgerEntry{Quantity: 1, ExternalReferenceID: "ref"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidEntry) {
				t.Fatalf("expected ErrInvalidEntry, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestProductExpiryAndDescription(t *testing.T) {
	now := time.Date(2025, 7, 4, 9, 0, 0, 0, time.UTC)

	unlimited := Product{Unlimited: true}
	if got := unlimited.ExpiryFrom(now); got == nil || !got.Equal(now.AddDate(0, 0, 730)) {
		t.Fatalf("expected two-year horizon, got %v", got)
	}
	if got := unlimited.DescriptionAt(now); got != "Purchase of ∞ Istekhara requests" {
		t.Fatalf("unexpected description %q", got)
	}

	monthly := Product{Quantity: 10, Recurring: true, RecurringInterval: "month"}
	if got := monthly.ExpiryFrom(now); got == nil || !got.Equal(now.AddDate(0, 0, 365)) {
		t.Fatalf("expected one-year horizon, got %v", got)
	}
	if got := monthly.DescriptionAt(now); got != "Subscription payment of 10 Istekharas for the month July" {
		t.Fatalf("unexpected description %q", got)
	}

	single := Product{Quantity: 1}
	if got := single.ExpiryFrom(now); got != nil {
		t.Fatalf("expected one-time product to never expire, got %v", got)
	}
}

func TestParseChannel(t *testing.T) {
	if _, err := ParseChannel("app_store"); err != nil {
		t.Fatalf("expected app_store to parse, got %v", err)
	}
	if _, err := ParseChannel("redemption"); err == nil {
		t.Fatalf("expected redemption to be rejected as an input channel")
	}
}
