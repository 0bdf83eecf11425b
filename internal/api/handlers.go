/**
 * @description
 * HTTP handlers for the quota API. Handlers parse requests, call the ledger service
 * and write the JSON envelope `{message, result, status, status_code}` the mobile and
 * web clients expect.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/store, internal/verifier: Service logic and error classes.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/app"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/domain"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/store"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/verifier"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 16

// Handlers holds the ledger service the quota endpoints use.
type Handlers struct {
	service *app.Service
}

func NewHandlers(service *app.Service) *Handlers {
	return &Handlers{service: service}
}

type envelope struct {
	Message    string      `json:"message"`
	Result     interface{} `json:"result"`
	Status     bool        `json:"status"`
	StatusCode int         `json:"status_code"`
}

func writeJSON(w http.ResponseWriter, status int, message string, result interface{}) {
	if result == nil {
		result = struct{}{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{
		Message:    message,
		Result:     result,
		Status:     status < http.StatusBadRequest,
		StatusCode: status,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, message, nil)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// writeServiceError maps ledger errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	var (
		validationErr *app.ValidationError
		rateErr       *app.RateLimitError
	)
	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Message)
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, rateErr.Error())
	case errors.Is(err, store.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, "You have no Istekhara requests remaining")
	case errors.Is(err, verifier.ErrProviderUnavailable), errors.Is(err, app.ErrProviderNotConfigured),
		errors.Is(err, verifier.ErrChannelNotVerifiable):
		log.Printf("level=warn component=api endpoint=%s outcome=unavailable err=%v", endpoint, err)
		writeError(w, http.StatusServiceUnavailable, "Payment provider is unavailable, please retry shortly")
	case verifier.IsVerificationError(err):
		writeError(w, http.StatusPaymentRequired, "Payment could not be verified: "+err.Error())
	case errors.Is(err, store.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "Purchase not found")
	case errors.Is(err, app.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "Not allowed to access this purchase")
	case errors.Is(err, app.ErrNoActiveSubscription):
		writeError(w, http.StatusBadRequest, "No active subscription found for this purchase")
	case errors.Is(err, app.ErrManagedByStore):
		writeError(w, http.StatusConflict, "This subscription is managed in the App Store or Google Play")
	case errors.Is(err, store.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, "Request conflicted with a concurrent update, please retry")
	default:
		log.Printf("level=error component=api endpoint=%s outcome=error err=%v", endpoint, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func requireOwner(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	id, email, ok := OwnerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
	}
	return id, email, ok
}

// GetPricing lists the web catalog.
func (h *Handlers) GetPricing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "Pricing list", h.service.ListPricing())
}

type purchaseRequest struct {
	Channel       string `json:"channel"`
	ProductID     string `json:"product_id"`
	ProviderToken string `json:"provider_token"`
}

// Purchase verifies a card or wallet payment and credits the account.
func (h *Handlers) Purchase(w http.ResponseWriter, r *http.Request) {
	ownerID, email, ok := requireOwner(w, r)
	if !ok {
		return
	}
	var req purchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ch, err := domain.ParseChannel(strings.TrimSpace(req.Channel))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Payment provider not supported")
		return
	}
	entry, err := h.service.Purchase(r.Context(), app.PurchaseRequest{
		OwnerID:       ownerID,
		OwnerEmail:    email,
		Channel:       ch,
		ProductID:     req.ProductID,
		ProviderToken: req.ProviderToken,
	})
	if err != nil {
		writeServiceError(w, "purchase", err)
		return
	}
	writePurchaseResult(w, entry)
}

func writePurchaseResult(w http.ResponseWriter, entry *domain.LedgerEntry) {
	switch entry.Status {
	case domain.StatusPending:
		writeJSON(w, http.StatusAccepted, "Payment is pending confirmation", entry)
	case domain.StatusFailed:
		writeJSON(w, http.StatusPaymentRequired, "Payment failed", entry)
	default:
		writeJSON(w, http.StatusOK, "Quota purchased successfully", entry)
	}
}

type iapRequest struct {
	Platform      string `json:"platform"`
	ProductID     string `json:"productId"`
	PurchaseToken string `json:"purchaseToken"`
	Receipt       string `json:"receipt"`
}

// PurchaseInApp verifies an App Store receipt or Play purchase token.
func (h *Handlers) PurchaseInApp(w http.ResponseWriter, r *http.Request) {
	ownerID, email, ok := requireOwner(w, r)
	if !ok {
		return
	}
	var req iapRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token := req.PurchaseToken
	if token == "" {
		token = req.Receipt
	}
	entry, err := h.service.PurchaseInApp(r.Context(), app.IAPRequest{
		OwnerID:    ownerID,
		OwnerEmail: email,
		Platform:   req.Platform,
		ProductID:  req.ProductID,
		Token:      token,
	})
	if err != nil {
		writeServiceError(w, "iap_purchase", err)
		return
	}
	writePurchaseResult(w, entry)
}

type checkoutRequest struct {
	ProductID  string `json:"product_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// CreateCheckout starts a hosted card checkout.
func (h *Handlers) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	ownerID, email, ok := requireOwner(w, r)
	if !ok {
		return
	}
	var req checkoutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session, err := h.service.CreateCheckout(r.Context(), app.CheckoutRequest{
		OwnerID:    ownerID,
		OwnerEmail: email,
		ProductID:  req.ProductID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		writeServiceError(w, "checkout", err)
		return
	}
	writeJSON(w, http.StatusCreated, "Checkout session created", session)
}

// GetRemaining returns the caller's balance.
func (h *Handlers) GetRemaining(w http.ResponseWriter, r *http.Request) {
	ownerID, _, ok := requireOwner(w, r)
	if !ok {
		return
	}
	balance, err := h.service.GetBalance(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, "remaining", err)
		return
	}
	writeJSON(w, http.StatusOK, "Remaining quota", balance)
}

// ListPurchases lists the caller's one-time entries, or subscriptions with ?subscription=true.
func (h *Handlers) ListPurchases(w http.ResponseWriter, r *http.Request) {
	ownerID, _, ok := requireOwner(w, r)
	if !ok {
		return
	}
	recurring := false
	if raw := r.URL.Query().Get("subscription"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "subscription must be true or false")
			return
		}
		recurring = parsed
	}
	filter := domain.EntryFilter{Recurring: &recurring}
	entries, err := h.service.ListEntries(r.Context(), ownerID, filter)
	if err != nil {
		writeServiceError(w, "list_purchases", err)
		return
	}
	writeJSON(w, http.StatusOK, "Purchases", entries)
}

// CancelSubscription stops renewals of the subscription behind a purchase.
func (h *Handlers) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	ownerID, _, ok := requireOwner(w, r)
	if !ok {
		return
	}
	entryID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid purchase id")
		return
	}
	entry, err := h.service.CancelRecurring(r.Context(), ownerID, entryID)
	if err != nil {
		writeServiceError(w, "cancel_subscription", err)
		return
	}
	writeJSON(w, http.StatusOK, "Subscription cancelled successfully", entry)
}

type consultationRequest struct {
	Question string `json:"question"`
	Language string `json:"language"`
}

type consultationResponse struct {
	Request *domain.ConsultationRequest `json:"request"`
	Entry   *domain.LedgerEntry         `json:"quota"`
}

// CreateRequest submits a consultation and consumes one unit.
func (h *Handlers) CreateRequest(w http.ResponseWriter, r *http.Request) {
	ownerID, _, ok := requireOwner(w, r)
	if !ok {
		return
	}
	var req consultationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	request, debit, err := h.service.RedeemOne(r.Context(), ownerID, app.NewRequest{Question: req.Question, Language: req.Language})
	if err != nil {
		writeServiceError(w, "create_request", err)
		return
	}
	writeJSON(w, http.StatusCreated, "Istekhara request submitted", consultationResponse{Request: request, Entry: debit})
}

type grantRequest struct {
	OwnerID    string     `json:"owner_id"`
	OwnerEmail string     `json:"owner_email"`
	Quantity   int        `json:"quantity"`
	Unlimited  bool       `json:"unlimited"`
	Reference  string     `json:"reference"`
	Note       string     `json:"note"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

// GrantPromotional credits free units to an account. Internal only.
func (h *Handlers) GrantPromotional(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	entry, err := h.service.GrantPromotional(r.Context(), app.GrantRequest{
		OwnerID:    strings.TrimSpace(req.OwnerID),
		OwnerEmail: req.OwnerEmail,
		Quantity:   req.Quantity,
		Unlimited:  req.Unlimited,
		Reference:  req.Reference,
		Note:       req.Note,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		writeServiceError(w, "grant", err)
		return
	}
	writeJSON(w, http.StatusCreated, "Grant recorded", entry)
}

// ListPaidPurchases lists recent paid credits across all accounts. Internal only.
func (h *Handlers) ListPaidPurchases(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.service.ListPaidEntries(r.Context(), limit)
	if err != nil {
		writeServiceError(w, "list_paid", err)
		return
	}
	writeJSON(w, http.StatusOK, "Paid purchases", entries)
}
