package domain

import (
	"fmt"
	"time"
)

// Product is a sellable bundle of quota units.
type Product struct {
	ProductID         string `json:"product_id"`
	Name              string `json:"name"`
	Quantity          int    `json:"quantity"`
	Unlimited         bool   `json:"unlimited"`
	PriceMinorUnits   int64  `json:"amount"`
	Currency          string `json:"currency"`
	Recurring         bool   `json:"recurring"`
	RecurringInterval string `json:"recurring_interval,omitempty"`
	StripePriceID     string `json:"stripe_price_id,omitempty"`
	PayPalPlanID      string `json:"paypal_plan_id,omitempty"`
}

// ExpiryFrom returns the expiry a credit for this product receives when confirmed at now.
// Unlimited passes run two years, recurring credits one year, one-time credits never expire.
func (p Product) ExpiryFrom(now time.Time) *time.Time {
	var expires time.Time
	switch {
	case p.Unlimited:
		expires = now.AddDate(0, 0, 730)
	case p.Recurring:
		expires = now.AddDate(0, 0, 365)
	default:
		return nil
	}
	return &expires
}

// DescriptionAt renders the audit description for a credit of this product.
func (p Product) DescriptionAt(now time.Time) string {
	qty := fmt.Sprintf("%d", p.Quantity)
	if p.Unlimited {
		qty = "∞"
	}
	if p.Recurring {
		return fmt.Sprintf("Subscription payment of %s Istekharas for the month %s", qty, now.Month().String())
	}
	return fmt.Sprintf("Purchase of %s Istekhara requests", qty)
}
