/**
 * @description
 * This file sets up the HTTP router for the quota service. It defines the API
 * endpoints, associates them with their handlers, and applies middleware for
 * logging, CORS, and authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for the web client.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the quota service router.
func NewRouter(h *Handlers, wh *WebhookHandlers, auth AuthConfig, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Id-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/quota", func(r chi.Router) {
		r.Get("/pricing", h.GetPricing)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(auth))
			r.Post("/purchases", h.Purchase)
			r.Post("/pricing/purchase", h.Purchase)
			r.Post("/checkout", h.CreateCheckout)
			r.Post("/iap/purchases", h.PurchaseInApp)
			r.Get("/remaining", h.GetRemaining)
			r.Get("/purchases", h.ListPurchases)
			r.Delete("/purchases/{id}/cancel-subscription", h.CancelSubscription)
			r.Post("/requests", h.CreateRequest)
		})

		r.Route("/internal", func(r chi.Router) {
			r.Use(InternalAuthMiddleware(internalKey))
			r.Post("/grants", h.GrantPromotional)
			r.Get("/purchases", h.ListPaidPurchases)
		})
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/stripe", wh.Stripe)
		r.Post("/paypal", wh.PayPal)
		r.Post("/google", wh.Google)
	})

	return r
}
