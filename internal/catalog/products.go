package catalog

import (
	"strings"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/domain"
)

const (
	ProductSingle      = "istekhara_1"
	ProductMonthly10   = "istekhara_monthly_10"
	ProductYearly50    = "istekhara_yearly_50"
	ProductUnlimited2Y = "istekhara_unlimited_2y"
)

func baseProducts() []domain.Product {
	return []domain.Product{
		{ProductID: ProductSingle, Name: "1 Istekhara", Quantity: 1, PriceMinorUnits: 199, Currency: "usd"},
		{ProductID: ProductMonthly10, Name: "10 Istekharas per month", Quantity: 10, PriceMinorUnits: 699, Currency: "usd", Recurring: true, RecurringInterval: "month"},
		{ProductID: ProductYearly50, Name: "50 Istekharas per year", Quantity: 50, PriceMinorUnits: 2499, Currency: "usd", Recurring: true, RecurringInterval: "year"},
		{ProductID: ProductUnlimited2Y, Name: "Unlimited Istekharas for 2 years", Unlimited: true, PriceMinorUnits: 9999, Currency: "usd"},
	}
}

// Mobile returns the in-app purchase catalog. Store product ids and their legacy aliases
// must match App Store Connect and the Play Console.
func Mobile() *Catalog {
	c, err := New("mobile", baseProducts(), map[string]string{
		"1_istekhara":            ProductSingle,
		"10_istekhara_monthly":   ProductMonthly10,
		"10_istekhara_per_month": ProductMonthly10,
		"50_istekhara_yearly":    ProductYearly50,
		"50_istekhara_per_year":  ProductYearly50,
		"unlimited_istekhara_2y": ProductUnlimited2Y,
	})
	if err != nil {
		panic(err)
	}
	return c
}

// ProviderIDs carries the provider-side identifiers of web products, keyed by product id.
type ProviderIDs struct {
	StripePrices map[string]string
	PayPalPlans  map[string]string
}

// Web returns the checkout catalog with provider identifiers attached.
func Web(ids ProviderIDs) *Catalog {
	products := baseProducts()
	for i := range products {
		products[i].StripePriceID = strings.TrimSpace(ids.StripePrices[products[i].ProductID])
		if products[i].Recurring {
			products[i].PayPalPlanID = strings.TrimSpace(ids.PayPalPlans[products[i].ProductID])
		}
	}
	c, err := New("web", products, nil)
	if err != nil {
		panic(err)
	}
	return c
}

// ParseProviderIDs reads "product=id,product=id" pairs as found in configuration.
func ParseProviderIDs(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
