/**
 * @description
 * This package provides a client for Apple's verifyReceipt endpoint. It posts the
 * base64 receipt with the app's shared secret and falls back to the sandbox endpoint
 * when production reports a sandbox receipt.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http, time: Standard Go libraries.
 */
package appstoreclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	ProductionURL = "https://buy.itunes.apple.com/verifyReceipt"
	SandboxURL    = "https://sandbox.itunes.apple.com/verifyReceipt"

	// StatusValid is returned for a receipt that verified successfully.
	StatusValid = 0
	// StatusSandboxReceipt means a test receipt was sent to the production endpoint.
	StatusSandboxReceipt = 21007
)

// Client is a client for the App Store receipt verification API.
type Client struct {
	ProductionURL string
	SandboxURL    string
	SharedSecret  string
	HTTPClient    *http.Client
}

// NewClient creates a new receipt verification client.
func NewClient(sharedSecret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		ProductionURL: ProductionURL,
		SandboxURL:    SandboxURL,
		SharedSecret:  sharedSecret,
		HTTPClient:    &http.Client{Timeout: timeout},
	}
}

type verifyRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password,omitempty"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

// Transaction is one in-app purchase line of a receipt.
type Transaction struct {
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	PurchaseDateMS        string `json:"purchase_date_ms"`
	ExpiresDateMS         string `json:"expires_date_ms"`
	CancellationDateMS    string `json:"cancellation_date_ms"`
}

// PurchasedAt parses the purchase instant.
func (t Transaction) PurchasedAt() time.Time {
	return millisToTime(t.PurchaseDateMS)
}

// ExpiresAt parses the expiry instant. It returns nil for non-expiring purchases.
func (t Transaction) ExpiresAt() *time.Time {
	if t.ExpiresDateMS == "" {
		return nil
	}
	at := millisToTime(t.ExpiresDateMS)
	if at.IsZero() {
		return nil
	}
	return &at
}

// Cancelled reports whether Apple refunded or revoked the transaction.
func (t Transaction) Cancelled() bool {
	return t.CancellationDateMS != ""
}

func millisToTime(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// VerifyResponse is the subset of the verifyReceipt response the ledger reads.
type VerifyResponse struct {
	Status            int           `json:"status"`
	Environment       string        `json:"environment"`
	IsRetryable       bool          `json:"is-retryable"`
	LatestReceiptInfo []Transaction `json:"latest_receipt_info"`
	Receipt           struct {
		BundleID string        `json:"bundle_id"`
		InApp    []Transaction `json:"in_app"`
	} `json:"receipt"`
}

// Transactions returns every transaction in the response, latest receipt info first.
func (r *VerifyResponse) Transactions() []Transaction {
	out := make([]Transaction, 0, len(r.LatestReceiptInfo)+len(r.Receipt.InApp))
	out = append(out, r.LatestReceiptInfo...)
	out = append(out, r.Receipt.InApp...)
	return out
}

// StatusError is returned when the endpoint answers with a non-2xx HTTP status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("app store verify receipt returned http %d: %s", e.StatusCode, e.Body)
}

// VerifyReceipt submits a receipt to production and retries once against the sandbox
// when production reports a sandbox receipt.
func (c *Client) VerifyReceipt(ctx context.Context, receipt string) (*VerifyResponse, error) {
	res, err := c.post(ctx, c.ProductionURL, receipt)
	if err != nil {
		return nil, err
	}
	if res.Status == StatusSandboxReceipt {
		return c.post(ctx, c.SandboxURL, receipt)
	}
	return res, nil
}

func (c *Client) post(ctx context.Context, url, receipt string) (*VerifyResponse, error) {
	payload, err := json.Marshal(verifyRequest{ReceiptData: receipt, Password: c.SharedSecret, ExcludeOldTransactions: true})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call verify receipt: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read verify response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out VerifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode verify response: %w", err)
	}
	return &out, nil
}
