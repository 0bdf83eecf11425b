/**
 * @description
 * Static product catalogs. The web catalog backs card and wallet checkout, the mobile
 * catalog backs the app-store channels. Product ids must match the store consoles exactly;
 * alternate ids published over time resolve to the same product.
 *
 * @dependencies
 * - internal/domain: Product model.
 */

package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/domain"
)

var (
	ErrUnknownProduct      = errors.New("unknown product")
	ErrUnsupportedChannel  = errors.New("channel has no catalog")
	ErrInvalidCatalogEntry = errors.New("invalid catalog entry")
)

// Catalog maps product ids and their aliases to products.
type Catalog struct {
	name     string
	products map[string]domain.Product
	aliases  map[string]string
}

// New builds a catalog. Every alias must point to a declared product.
func New(name string, products []domain.Product, aliases map[string]string) (*Catalog, error) {
	c := &Catalog{
		name:     name,
		products: make(map[string]domain.Product, len(products)),
		aliases:  make(map[string]string, len(aliases)),
	}
	for _, p := range products {
		if err := validateProduct(p); err != nil {
			return nil, err
		}
		if _, dup := c.products[p.ProductID]; dup {
			return nil, fmt.Errorf("%w: duplicate product %s", ErrInvalidCatalogEntry, p.ProductID)
		}
		c.products[p.ProductID] = p
	}
	for alias, canonical := range aliases {
		if _, ok := c.products[canonical]; !ok {
			return nil, fmt.Errorf("%w: alias %s points to unknown product %s", ErrInvalidCatalogEntry, alias, canonical)
		}
		c.aliases[alias] = canonical
	}
	return c, nil
}

func validateProduct(p domain.Product) error {
	switch {
	case strings.TrimSpace(p.ProductID) == "":
		return fmt.Errorf("%w: product id is required", ErrInvalidCatalogEntry)
	case p.Unlimited && p.Quantity != 0:
		return fmt.Errorf("%w: unlimited product %s must not declare a quantity", ErrInvalidCatalogEntry, p.ProductID)
	case !p.Unlimited && p.Quantity <= 0:
		return fmt.Errorf("%w: product %s needs a positive quantity", ErrInvalidCatalogEntry, p.ProductID)
	case p.Recurring && p.RecurringInterval == "":
		return fmt.Errorf("%w: recurring product %s needs an interval", ErrInvalidCatalogEntry, p.ProductID)
	case p.PriceMinorUnits < 0 || p.Currency == "":
		return fmt.Errorf("%w: product %s needs a price", ErrInvalidCatalogEntry, p.ProductID)
	}
	return nil
}

// Name identifies the catalog in logs.
func (c *Catalog) Name() string { return c.name }

// Lookup resolves a product id or alias.
func (c *Catalog) Lookup(productID string) (domain.Product, error) {
	id := strings.TrimSpace(productID)
	if canonical, ok := c.aliases[id]; ok {
		id = canonical
	}
	p, ok := c.products[id]
	if !ok {
		return domain.Product{}, fmt.Errorf("%w: %q in %s catalog", ErrUnknownProduct, productID, c.name)
	}
	return p, nil
}

// LookupStripePrice resolves a product by its card-processor price id.
func (c *Catalog) LookupStripePrice(priceID string) (domain.Product, error) {
	for _, p := range c.products {
		if p.StripePriceID != "" && p.StripePriceID == priceID {
			return p, nil
		}
	}
	return domain.Product{}, fmt.Errorf("%w: price %q", ErrUnknownProduct, priceID)
}

// LookupPayPalPlan resolves a recurring product by its wallet billing plan id.
func (c *Catalog) LookupPayPalPlan(planID string) (domain.Product, error) {
	for _, p := range c.products {
		if p.PayPalPlanID != "" && p.PayPalPlanID == planID {
			return p, nil
		}
	}
	return domain.Product{}, fmt.Errorf("%w: plan %q", ErrUnknownProduct, planID)
}

// List returns the canonical products ordered by price.
func (c *Catalog) List() []domain.Product {
	out := make([]domain.Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriceMinorUnits == out[j].PriceMinorUnits {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].PriceMinorUnits < out[j].PriceMinorUnits
	})
	return out
}

// Set pairs the web and mobile catalogs.
type Set struct {
	Web    *Catalog
	Mobile *Catalog
}

// ForChannel returns the catalog products for a channel are sold from.
func (s Set) ForChannel(ch domain.Channel) (*Catalog, error) {
	switch ch {
	case domain.ChannelStripeCheckout, domain.ChannelStripeSubscription,
		domain.ChannelPayPalOrder, domain.ChannelPayPalSubscription:
		return s.Web, nil
	case domain.ChannelAppStore, domain.ChannelPlayStore:
		return s.Mobile, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, ch)
}
