/**
 * @description
 * This package wraps the Stripe API client for the calls the quota ledger makes:
 * reading and creating checkout sessions, flagging subscriptions for cancellation at
 * period end, and authenticating webhook deliveries.
 *
 * A dedicated client.API instance is used instead of the package-level globals so that
 * tests and multiple keys never share state.
 *
 * @dependencies
 * - github.com/stripe/stripe-go/v79: Stripe API client and webhook helpers.
 */
package stripeclient

import (
	"context"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

var ErrWebhookSecretMissing = errors.New("stripe webhook secret is not configured")

// Client is a thin wrapper around a Stripe API client.
type Client struct {
	api           *client.API
	webhookSecret string
}

// NewClient creates a new Stripe client with its own key.
func NewClient(apiKey, webhookSecret string) *Client {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &Client{api: sc, webhookSecret: strings.TrimSpace(webhookSecret)}
}

// GetCheckoutSession fetches a session with its line items and subscription expanded.
func (c *Client) GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("line_items")
	params.AddExpand("subscription")
	return c.api.CheckoutSessions.Get(sessionID, params)
}

// CheckoutRequest describes a hosted checkout for one catalog product.
type CheckoutRequest struct {
	OwnerID    string
	OwnerEmail string
	ProductID  string
	PriceID    string
	Recurring  bool
	SuccessURL string
	CancelURL  string
}

// CreateCheckoutSession starts a hosted checkout. The owner travels as the client
// reference and the product id as metadata so the webhook can be reconciled.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*stripe.CheckoutSession, error) {
	mode := stripe.CheckoutSessionModePayment
	if req.Recurring {
		mode = stripe.CheckoutSessionModeSubscription
	}
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(mode)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.PriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.OwnerID),
	}
	if req.OwnerEmail != "" {
		params.CustomerEmail = stripe.String(req.OwnerEmail)
	}
	params.AddMetadata("product_id", req.ProductID)
	params.AddMetadata("owner_id", req.OwnerID)
	params.Context = ctx
	return c.api.CheckoutSessions.New(params)
}

// CancelAtPeriodEnd flags a subscription to stop renewing after the current period.
func (c *Client) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	_, err := c.api.Subscriptions.Update(subscriptionID, params)
	return err
}

// ConstructEvent authenticates a webhook payload against the Stripe-Signature header.
func (c *Client) ConstructEvent(payload []byte, signatureHeader string) (stripe.Event, error) {
	if c.webhookSecret == "" {
		return stripe.Event{}, ErrWebhookSecretMissing
	}
	return webhook.ConstructEventWithOptions(payload, signatureHeader, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}
