package domain

import "time"

// VerifiedPayment is what a provider verifier reports for a presented payment token.
type VerifiedPayment struct {
	ProductID             string
	ExternalReferenceID   string
	SubscriptionReference string
	Status                EntryStatus
	ExpiresAt             *time.Time
	AmountMinorUnits      int64
	Currency              string
}

// PaymentApplication is the input of the reconciliation step that turns a verified
// payment into a ledger entry.
type PaymentApplication struct {
	OwnerID               string
	OwnerEmail            string
	Channel               Channel
	ExternalReferenceID   string
	SubscriptionReference string
	Product               Product
	Status                EntryStatus
	// AmountMinorUnits and Currency record what the provider charged. When unset the
	// catalog price is recorded.
	AmountMinorUnits int64
	Currency         string
	// Description overrides the generated audit text.
	Description string
	// VerifiedExpiry overrides the catalog horizon. Only explicit grants set it.
	VerifiedExpiry *time.Time
}

// RenewalNotice describes a periodic subscription charge reported by a provider.
type RenewalNotice struct {
	Channel               Channel
	SubscriptionReference string
	// CycleReferenceID is the provider id of this billing cycle (invoice, sale, order).
	CycleReferenceID string
	AmountMinorUnits int64
	Currency         string
	ExpiresAt        *time.Time
}

// PaymentConfirmedEvent is published for the email worker once an entry is confirmed.
type PaymentConfirmedEvent struct {
	EntryID          string    `json:"entry_id"`
	OwnerID          string    `json:"owner_id"`
	OwnerEmail       string    `json:"owner_email"`
	Description      string    `json:"description"`
	AmountMinorUnits int64     `json:"amount_minor_units"`
	Currency         string    `json:"currency"`
	FormattedAmount  string    `json:"formatted_amount"`
	Subject          string    `json:"subject"`
	Timestamp        time.Time `json:"timestamp"`
}

// CheckoutSession is the client-facing result of starting a hosted card checkout.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
