/**
 * @description
 * This file defines the core data structures of the quota ledger. A ledger entry is a
 * single credit or debit of request units for an account. Balances are always derived
 * from entries, never stored.
 *
 * @dependencies
 * - time: Standard Go library.
 * - github.com/google/uuid: For entry and request identifiers.
 */

package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel is the payment pathway that produced a ledger entry.
type Channel string

const (
	ChannelStripeCheckout     Channel = "stripe_checkout"
	ChannelStripeSubscription Channel = "stripe_subscription"
	ChannelPayPalOrder        Channel = "paypal_order"
	ChannelPayPalSubscription Channel = "paypal_subscription"
	ChannelAppStore           Channel = "app_store"
	ChannelPlayStore          Channel = "play_store"
	ChannelPromotional        Channel = "promotional"
	// ChannelRedemption is only used for debit entries; they carry no external reference.
	ChannelRedemption Channel = "redemption"
)

// PaymentChannels lists every channel that is funded by an external provider.
var PaymentChannels = []Channel{
	ChannelStripeCheckout,
	ChannelStripeSubscription,
	ChannelPayPalOrder,
	ChannelPayPalSubscription,
	ChannelAppStore,
	ChannelPlayStore,
}

// ParseChannel validates a raw channel string.
func ParseChannel(raw string) (Channel, error) {
	switch c := Channel(raw); c {
	case ChannelStripeCheckout, ChannelStripeSubscription, ChannelPayPalOrder, ChannelPayPalSubscription,
		ChannelAppStore, ChannelPlayStore, ChannelPromotional:
		return c, nil
	}
	return "", fmt.Errorf("unsupported channel %q", raw)
}

// IsMobile reports whether the channel is an app-store in-app purchase.
func (c Channel) IsMobile() bool {
	return c == ChannelAppStore || c == ChannelPlayStore
}

// IsSubscription reports whether the channel's external reference is a recurring agreement.
func (c Channel) IsSubscription() bool {
	return c == ChannelStripeSubscription || c == ChannelPayPalSubscription
}

// EntryStatus is the settlement state of an entry.
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusConfirmed EntryStatus = "confirmed"
	StatusFailed    EntryStatus = "failed"
)

var ErrInvalidEntry = errors.New("invalid ledger entry")

// LedgerEntry is one accounting record of a credit or debit of quota units.
//
// Unlimited grants are stored with Quantity 0 and Unlimited set. A zero quantity
// without the flag is rejected by Validate.
type LedgerEntry struct {
	ID                    uuid.UUID   `json:"id"`
	OwnerID               string      `json:"owner_id"`
	OwnerEmail            string      `json:"-"`
	Quantity              int         `json:"quantity"`
	Unlimited             bool        `json:"unlimited"`
	AmountMinorUnits      int64       `json:"amount"`
	Currency              string      `json:"currency"`
	Channel               Channel     `json:"channel"`
	ExternalReferenceID   string      `json:"external_reference_id,omitempty"`
	SubscriptionReference string      `json:"subscription_reference,omitempty"`
	ProductID             string      `json:"product_id,omitempty"`
	Description           string      `json:"description"`
	Recurring             bool        `json:"recurring"`
	RecurringInterval     string      `json:"recurring_interval,omitempty"`
	Status                EntryStatus `json:"status"`
	IsRedemption          bool        `json:"redeem"`
	ExpiresAt             *time.Time  `json:"expires_at,omitempty"`
	RequestID             *uuid.UUID  `json:"request_id,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
}

// Validate checks the structural rules every persisted entry must satisfy.
func (e *LedgerEntry) Validate() error {
	if e.OwnerID == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidEntry)
	}
	if e.Unlimited && e.Quantity != 0 {
		return fmt.Errorf("%w: unlimited grants carry no quantity", ErrInvalidEntry)
	}
	if !e.Unlimited && e.Quantity == 0 {
		return fmt.Errorf("%w: quantity must not be zero", ErrInvalidEntry)
	}
	if e.Unlimited && e.Status == StatusConfirmed && e.ExpiresAt == nil {
		return fmt.Errorf("%w: confirmed unlimited grants must expire", ErrInvalidEntry)
	}
	if e.IsRedemption {
		if e.Quantity != -1 || e.Status != StatusConfirmed || e.Channel != ChannelRedemption {
			return fmt.Errorf("%w: redemptions are confirmed single-unit debits", ErrInvalidEntry)
		}
		return nil
	}
	if e.Quantity < 0 {
		return fmt.Errorf("%w: only redemptions may debit", ErrInvalidEntry)
	}
	if e.ExternalReferenceID == "" {
		return fmt.Errorf("%w: external reference is required for channel %s", ErrInvalidEntry, e.Channel)
	}
	return nil
}

// Live reports whether the entry counts toward balance at the given instant.
func (e *LedgerEntry) Live(now time.Time) bool {
	if e.Status != StatusConfirmed {
		return false
	}
	return e.ExpiresAt == nil || !e.ExpiresAt.Before(now)
}

// Balance is the derived quota position of an account.
type Balance struct {
	Remaining      int        `json:"-"`
	Unlimited      bool       `json:"-"`
	TotalCredited  int        `json:"total_purchased"`
	TotalDebited   int        `json:"total_used"`
	UnlimitedUntil *time.Time `json:"unlimited_until,omitempty"`
}

// CanRedeem reports whether one more unit may be consumed.
func (b Balance) CanRedeem() bool {
	return b.Unlimited || b.Remaining > 0
}

// MarshalJSON renders remaining as the string "unlimited" when an unlimited grant is live.
func (b Balance) MarshalJSON() ([]byte, error) {
	type alias Balance
	var remaining interface{} = b.Remaining
	if b.Unlimited {
		remaining = "unlimited"
	}
	return json.Marshal(struct {
		Remaining interface{} `json:"remaining"`
		alias
	}{Remaining: remaining, alias: alias(b)})
}

// FoldBalance computes a balance from a set of entries in a single pass.
// Remaining is the signed sum of live quantities; unlimited takes precedence.
// Debits are counted in TotalDebited whether or not the credit they consumed has since expired.
func FoldBalance(entries []LedgerEntry, now time.Time) Balance {
	var b Balance
	for i := range entries {
		e := &entries[i]
		if !e.Live(now) {
			continue
		}
		b.Remaining += e.Quantity
		switch {
		case e.Unlimited:
			b.Unlimited = true
			if e.ExpiresAt != nil && (b.UnlimitedUntil == nil || e.ExpiresAt.After(*b.UnlimitedUntil)) {
				until := *e.ExpiresAt
				b.UnlimitedUntil = &until
			}
		case e.Quantity > 0:
			b.TotalCredited += e.Quantity
		case e.IsRedemption:
			b.TotalDebited -= e.Quantity
		}
	}
	return b
}

// ConsultationRequest is the consuming record funded by exactly one redemption entry.
type ConsultationRequest struct {
	ID                uuid.UUID `json:"id"`
	OwnerID           string    `json:"owner_id"`
	Question          string    `json:"question"`
	Language          string    `json:"language,omitempty"`
	RedemptionEntryID uuid.UUID `json:"quota_used_id"`
	CreatedAt         time.Time `json:"created_at"`
}

// EntryFilter narrows an entry listing.
type EntryFilter struct {
	Recurring *bool
}
