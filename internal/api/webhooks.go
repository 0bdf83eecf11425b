package api

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/app"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/pkg/paypalclient"
	"github.com/stripe/stripe-go/v79"
)

// StripeEventVerifier authenticates a card processor webhook payload.
type StripeEventVerifier interface {
	ConstructEvent(payload []byte, signatureHeader string) (stripe.Event, error)
}

// PayPalSignatureVerifier authenticates a wallet webhook with the provider.
type PayPalSignatureVerifier interface {
	VerifyWebhookSignature(ctx context.Context, webhookID string, headers paypalclient.WebhookHeaders, body []byte) (bool, error)
}

// WebhookHandlers receive provider notifications. Once a payload is authenticated the
// response is 200 whatever the outcome, so providers do not retry events the ledger
// already holds or cannot attribute.
type WebhookHandlers struct {
	service         *app.Service
	stripe          StripeEventVerifier
	paypal          PayPalSignatureVerifier
	paypalWebhookID string
	googlePushToken string
}

func NewWebhookHandlers(service *app.Service, stripeEvents StripeEventVerifier, paypal PayPalSignatureVerifier, paypalWebhookID, googlePushToken string) *WebhookHandlers {
	return &WebhookHandlers{
		service:         service,
		stripe:          stripeEvents,
		paypal:          paypal,
		paypalWebhookID: paypalWebhookID,
		googlePushToken: googlePushToken,
	}
}

func readWebhookBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		return nil, false
	}
	return body, true
}

func acknowledge(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, "received", nil)
}

// Stripe handles card processor events.
func (h *WebhookHandlers) Stripe(w http.ResponseWriter, r *http.Request) {
	if h.stripe == nil {
		writeError(w, http.StatusServiceUnavailable, "Stripe is not configured")
		return
	}
	body, ok := readWebhookBody(w, r)
	if !ok {
		return
	}
	event, err := h.stripe.ConstructEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		log.Printf("level=warn component=api endpoint=stripe_webhook outcome=reject reason=signature err=%v", err)
		writeError(w, http.StatusBadRequest, "Webhook signature verification failed")
		return
	}
	if err := h.service.HandleStripeEvent(r.Context(), event); err != nil {
		log.Printf("level=error component=api endpoint=stripe_webhook outcome=error event_id=%s type=%s err=%v", event.ID, event.Type, err)
	}
	acknowledge(w)
}

// PayPal handles wallet events.
func (h *WebhookHandlers) PayPal(w http.ResponseWriter, r *http.Request) {
	if h.paypal == nil || h.paypalWebhookID == "" {
		writeError(w, http.StatusServiceUnavailable, "PayPal is not configured")
		return
	}
	body, ok := readWebhookBody(w, r)
	if !ok {
		return
	}
	verified, err := h.paypal.VerifyWebhookSignature(r.Context(), h.paypalWebhookID, paypalclient.WebhookHeadersFromRequest(r.Header), body)
	if err != nil {
		log.Printf("level=error component=api endpoint=paypal_webhook outcome=unavailable err=%v", err)
		writeError(w, http.StatusServiceUnavailable, "Unable to verify webhook")
		return
	}
	if !verified {
		log.Printf("level=warn component=api endpoint=paypal_webhook outcome=reject reason=signature")
		writeError(w, http.StatusBadRequest, "Webhook signature verification failed")
		return
	}

	var event app.PayPalEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=api endpoint=paypal_webhook outcome=ignored reason=decode err=%v", err)
		acknowledge(w)
		return
	}
	if err := h.service.HandlePayPalEvent(r.Context(), event); err != nil {
		log.Printf("level=error component=api endpoint=paypal_webhook outcome=error event_id=%s type=%s err=%v", event.ID, event.EventType, err)
	}
	acknowledge(w)
}

type pubsubPush struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// Google handles Play real-time developer notifications delivered by Pub/Sub push.
func (h *WebhookHandlers) Google(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if h.googlePushToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.googlePushToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	body, ok := readWebhookBody(w, r)
	if !ok {
		return
	}

	var push pubsubPush
	if err := json.Unmarshal(body, &push); err != nil {
		log.Printf("level=warn component=api endpoint=google_webhook outcome=ignored reason=decode err=%v", err)
		acknowledge(w)
		return
	}
	data, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		log.Printf("level=warn component=api endpoint=google_webhook outcome=ignored reason=base64 message_id=%s", push.Message.MessageID)
		acknowledge(w)
		return
	}
	var notification app.PlayNotification
	if err := json.Unmarshal(data, &notification); err != nil {
		log.Printf("level=warn component=api endpoint=google_webhook outcome=ignored reason=payload message_id=%s", push.Message.MessageID)
		acknowledge(w)
		return
	}
	if err := h.service.HandlePlayNotification(r.Context(), notification); err != nil {
		log.Printf("level=error component=api endpoint=google_webhook outcome=error message_id=%s err=%v", push.Message.MessageID, err)
	}
	acknowledge(w)
}
