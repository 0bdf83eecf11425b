package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/domain"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/pkg/appstoreclient"
)

var errNoStoreResponse = errors.New("empty app store response")

// ReceiptVerifier submits an App Store receipt for verification.
type ReceiptVerifier interface {
	VerifyReceipt(ctx context.Context, receipt string) (*appstoreclient.VerifyResponse, error)
}

// ProductResolver resolves store product ids, including aliases, to catalog products.
type ProductResolver interface {
	Lookup(productID string) (domain.Product, error)
}

// AppleVerifier verifies App Store receipts.
type AppleVerifier struct {
	receipts ReceiptVerifier
	products ProductResolver
	bundleID string
	now      func() time.Time
}

func NewAppleVerifier(receipts ReceiptVerifier, products ProductResolver) *AppleVerifier {
	return &AppleVerifier{receipts: receipts, products: products, now: time.Now}
}

// SetBundleID restricts verification to receipts issued for this app.
func (v *AppleVerifier) SetBundleID(bundleID string) {
	v.bundleID = bundleID
}

func (v *AppleVerifier) Verify(ctx context.Context, req Request) (domain.VerifiedPayment, error) {
	res, err := v.receipts.VerifyReceipt(ctx, req.Token)
	if err != nil {
		return domain.VerifiedPayment{}, unavailable(ctx, "app store", err)
	}
	if res == nil {
		return domain.VerifiedPayment{}, unavailable(ctx, "app store", errNoStoreResponse)
	}
	if err := receiptStatusError(res); err != nil {
		return domain.VerifiedPayment{}, err
	}
	if v.bundleID != "" && res.Receipt.BundleID != v.bundleID {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: receipt issued for %q", ErrInvalidToken, res.Receipt.BundleID)
	}

	all := res.Transactions()
	if len(all) == 0 {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: receipt carries no transactions", ErrInvalidToken)
	}
	tx, ok := v.latestFor(req.Product, all)
	if !ok {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: receipt has no purchase of %s", ErrProductMismatch, req.Product.ProductID)
	}
	if tx.TransactionID == "" {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: no transaction id in receipt", ErrInvalidToken)
	}
	if tx.Cancelled() {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: transaction %s was refunded", ErrNotPurchased, tx.TransactionID)
	}

	expiresAt := tx.ExpiresAt()
	if req.Product.Recurring && expiresAt != nil && expiresAt.Before(v.now()) {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: subscription ended %s", ErrExpired, expiresAt.Format(time.RFC3339))
	}

	payment := domain.VerifiedPayment{
		ProductID:           req.Product.ProductID,
		ExternalReferenceID: tx.TransactionID,
		Status:              domain.StatusConfirmed,
		ExpiresAt:           expiresAt,
		AmountMinorUnits:    req.Product.PriceMinorUnits,
		Currency:            req.Product.Currency,
	}
	if req.Product.Recurring {
		payment.SubscriptionReference = tx.OriginalTransactionID
	}
	return payment, nil
}

// latestFor picks the most recently purchased transaction of the product.
func (v *AppleVerifier) latestFor(p domain.Product, txs []appstoreclient.Transaction) (appstoreclient.Transaction, bool) {
	var (
		best  appstoreclient.Transaction
		found bool
	)
	for _, tx := range txs {
		if !v.matches(p, tx.ProductID) {
			continue
		}
		if !found || tx.PurchasedAt().After(best.PurchasedAt()) {
			best, found = tx, true
		}
	}
	return best, found
}

func (v *AppleVerifier) matches(p domain.Product, storeProductID string) bool {
	if storeProductID == p.ProductID {
		return true
	}
	if v.products == nil {
		return false
	}
	resolved, err := v.products.Lookup(storeProductID)
	return err == nil && resolved.ProductID == p.ProductID
}

func receiptStatusError(res *appstoreclient.VerifyResponse) error {
	switch status := res.Status; {
	case status == appstoreclient.StatusValid:
		return nil
	case status == 21006:
		return fmt.Errorf("%w: subscription receipt has expired", ErrExpired)
	case status == 21004, status == 21005, status >= 21100 && status <= 21199, res.IsRetryable:
		return fmt.Errorf("%w: app store status %d", ErrProviderUnavailable, status)
	default:
		return fmt.Errorf("%w: app store status %d", ErrInvalidToken, status)
	}
}
