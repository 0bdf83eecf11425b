package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/app"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/catalog"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/domain"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/store"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/verifier"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/pkg/paypalclient"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/pkg/rabbitmq"
	"github.com/golang-jwt/jwt/v5"
)

const testKid = "test-key"

type jwksServer struct {
	*httptest.Server
	key   *rsa.PrivateKey
	hits  atomic.Int32
	delay time.Duration
}

func newJWKSServer(t *testing.T) *jwksServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s := &jwksServer{key: key}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": testKid,
				"kty": "RSA",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) token(t *testing.T, sub, aud string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":   sub,
		"email": sub + "@example.com",
		"aud":   aud,
		"exp":   exp.Unix(),
	})
	tok.Header["kid"] = testKid
	signed, err := tok.SignedString(s.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestKeySetCachesAndCollapsesRefreshes(t *testing.T) {
	srv := newJWKSServer(t)
	srv.delay = 50 * time.Millisecond
	keys := NewKeySet(srv.URL, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := keys.Key(context.Background(), testKid); err != nil {
				t.Errorf("key: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := srv.hits.Load(); got != 1 {
		t.Fatalf("expected one JWKS fetch, got %d", got)
	}

	if _, err := keys.Key(context.Background(), testKid); err != nil {
		t.Fatalf("cached key: %v", err)
	}
	if got := srv.hits.Load(); got != 1 {
		t.Fatalf("expected cached key to be reused, got %d fetches", got)
	}

	if _, err := keys.Key(context.Background(), "rotated"); err == nil {
		t.Fatalf("expected unknown kid to fail")
	}
	if got := srv.hits.Load(); got != 2 {
		t.Fatalf("expected unknown kid to force a refresh, got %d fetches", got)
	}
}

func TestKeySetServesStaleKeyWhenRefreshFails(t *testing.T) {
	srv := newJWKSServer(t)
	keys := NewKeySet(srv.URL, time.Minute)
	now := time.Now()
	keys.now = func() time.Time { return now }
	if _, err := keys.Key(context.Background(), testKid); err != nil {
		t.Fatalf("key: %v", err)
	}

	srv.Close()
	now = now.Add(2 * time.Minute)
	if _, err := keys.Key(context.Background(), testKid); err != nil {
		t.Fatalf("expected stale key to be served, got %v", err)
	}
}

type testEnv struct {
	jwks     *jwksServer
	router   http.Handler
	service  *app.Service
	verified []verifier.Request
	mu       sync.Mutex
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{jwks: newJWKSServer(t)}
	verify := verifierFunc(func(ctx context.Context, req verifier.Request) (domain.VerifiedPayment, error) {
		env.mu.Lock()
		env.verified = append(env.verified, req)
		env.mu.Unlock()
		if req.Token == "bad-token" {
			return domain.VerifiedPayment{}, verifier.ErrInvalidToken
		}
		if req.Token == "slow-provider" {
			return domain.VerifiedPayment{}, verifier.ErrProviderUnavailable
		}
		return domain.VerifiedPayment{ExternalReferenceID: req.Token, Status: domain.StatusConfirmed}, nil
	})
	env.service = app.NewService(store.NewMemoryRepository(), catalog.Set{
		Web:    catalog.Web(catalog.ProviderIDs{}),
		Mobile: catalog.Mobile(),
	}, verify, &rabbitmq.EventProducerFallback{})

	handlers := NewHandlers(env.service)
	webhooks := NewWebhookHandlers(env.service, nil, stubPayPalVerifier{ok: true}, "WH-ID", "push-secret")
	env.router = NewRouter(handlers, webhooks, AuthConfig{Keys: NewKeySet(env.jwks.URL, time.Minute), Audience: "istekhara-app"}, "internal-key")
	return env
}

type verifierFunc func(ctx context.Context, req verifier.Request) (domain.VerifiedPayment, error)

func (f verifierFunc) Verify(ctx context.Context, req verifier.Request) (domain.VerifiedPayment, error) {
	return f(ctx, req)
}

type stubPayPalVerifier struct {
	ok  bool
	err error
}

func (s stubPayPalVerifier) VerifyWebhookSignature(ctx context.Context, webhookID string, headers paypalclient.WebhookHeaders, body []byte) (bool, error) {
	return s.ok, s.err
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, env
}

func (e *testEnv) userToken(t *testing.T, sub string) string {
	return e.jwks.token(t, sub, "istekhara-app", time.Now().Add(time.Hour))
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name  string
		token string
		want  int
	}{
		{name: "missing token", token: "", want: http.StatusUnauthorized},
		{name: "garbage token", token: "not-a-jwt", want: http.StatusUnauthorized},
		{name: "expired token", token: env.jwks.token(t, "user-1", "istekhara-app", time.Now().Add(-time.Hour)), want: http.StatusUnauthorized},
		{name: "wrong audience", token: env.jwks.token(t, "user-1", "someone-else", time.Now().Add(time.Hour)), want: http.StatusUnauthorized},
		{name: "valid token", token: env.userToken(t, "user-1"), want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := env.do(t, http.MethodGet, "/quota/remaining", tt.token, nil, nil)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if body.StatusCode != tt.want {
				t.Fatalf("expected envelope status_code %d, got %d", tt.want, body.StatusCode)
			}
		})
	}
}

func TestPurchaseRedeemAndBalanceFlow(t *testing.T) {
	env := newTestEnv(t)
	token := env.userToken(t, "user-1")

	rec, body := env.do(t, http.MethodPost, "/quota/requests", token, map[string]string{"question": "Should I move?"}, nil)
	if rec.Code != http.StatusPaymentRequired || body.Status {
		t.Fatalf("expected 402 with no balance, got %d %+v", rec.Code, body)
	}

	rec, _ = env.do(t, http.MethodPost, "/quota/iap/purchases", token, map[string]string{
		"platform": "android", "productId": "10_istekhara_monthly", "purchaseToken": "play-token-1",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected purchase to succeed, got %d: %s", rec.Code, rec.Body.String())
	}

	rec, _ = env.do(t, http.MethodPost, "/quota/requests", token, map[string]string{"question": "Should I move?", "language": "en"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected request to be created, got %d: %s", rec.Code, rec.Body.String())
	}

	rec, body = env.do(t, http.MethodGet, "/quota/remaining", token, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("remaining: %d", rec.Code)
	}
	result := body.Result.(map[string]interface{})
	if result["remaining"] != float64(9) || result["total_purchased"] != float64(10) || result["total_used"] != float64(1) {
		t.Fatalf("unexpected balance %v", result)
	}

	rec, body = env.do(t, http.MethodGet, "/quota/purchases?subscription=true", token, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	if entries := body.Result.([]interface{}); len(entries) != 1 {
		t.Fatalf("expected one subscription entry, got %d", len(entries))
	}

	rec, _ = env.do(t, http.MethodPost, "/quota/iap/purchases", token, map[string]string{
		"platform": "android", "productId": "1_istekhara", "purchaseToken": "play-token-2",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected one-time purchase to succeed, got %d: %s", rec.Code, rec.Body.String())
	}
	rec, body = env.do(t, http.MethodGet, "/quota/purchases", token, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	entries := body.Result.([]interface{})
	found := false
	for _, raw := range entries {
		entry := raw.(map[string]interface{})
		if entry["recurring"] != false {
			t.Fatalf("expected only one-time entries without a filter, got %v", entry)
		}
		if entry["external_reference_id"] == "play-token-2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the one-time purchase in %v", entries)
	}
}

func TestPurchaseErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	token := env.userToken(t, "user-1")
	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{name: "unknown channel", body: map[string]string{"channel": "cash", "product_id": catalog.ProductSingle, "provider_token": "x"}, want: http.StatusBadRequest},
		{name: "unknown product", body: map[string]string{"channel": "paypal_order", "product_id": "nope", "provider_token": "x"}, want: http.StatusBadRequest},
		{name: "rejected token", body: map[string]string{"channel": "paypal_order", "product_id": catalog.ProductSingle, "provider_token": "bad-token"}, want: http.StatusPaymentRequired},
		{name: "provider down", body: map[string]string{"channel": "paypal_order", "product_id": catalog.ProductSingle, "provider_token": "slow-provider"}, want: http.StatusServiceUnavailable},
		{name: "ok", body: map[string]string{"channel": "paypal_order", "product_id": catalog.ProductSingle, "provider_token": "O-1"}, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := env.do(t, http.MethodPost, "/quota/purchases", token, tt.body, nil)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if body.Message == "" {
				t.Fatalf("expected a message in the envelope")
			}
		})
	}
}

func TestCancelSubscriptionRoute(t *testing.T) {
	env := newTestEnv(t)
	token := env.userToken(t, "user-1")

	rec, _ := env.do(t, http.MethodDelete, "/quota/purchases/not-a-uuid/cancel-subscription", token, nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	_, body := env.do(t, http.MethodPost, "/quota/iap/purchases", token, map[string]string{
		"platform": "ios", "productId": catalog.ProductMonthly10, "receipt": "apple-tx-1",
	}, nil)
	id := body.Result.(map[string]interface{})["id"].(string)
	rec, _ = env.do(t, http.MethodDelete, "/quota/purchases/"+id+"/cancel-subscription", token, nil, nil)
	if rec.Code != http.StatusBadRequest && rec.Code != http.StatusConflict {
		t.Fatalf("expected store-managed subscription to be refused, got %d", rec.Code)
	}

	other := env.userToken(t, "user-2")
	rec, _ = env.do(t, http.MethodDelete, "/quota/purchases/"+id+"/cancel-subscription", other, nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another user's purchase, got %d", rec.Code)
	}
}

func TestInternalGrantRoute(t *testing.T) {
	env := newTestEnv(t)
	grant := map[string]interface{}{"owner_id": "user-7", "quantity": 2, "reference": "support-ticket-42"}

	rec, _ := env.do(t, http.MethodPost, "/quota/internal/grants", "", grant, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	rec, _ = env.do(t, http.MethodPost, "/quota/internal/grants", "", grant, map[string]string{"X-Internal-API-Key": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rec.Code)
	}
	rec, _ = env.do(t, http.MethodPost, "/quota/internal/grants", "", grant, map[string]string{"X-Internal-API-Key": "internal-key"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	balance, _ := env.service.GetBalance(context.Background(), "user-7")
	if balance.Remaining != 2 {
		t.Fatalf("expected balance 2, got %d", balance.Remaining)
	}
}

func TestPricingIsPublic(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.do(t, http.MethodGet, "/quota/pricing", "", nil, nil)
	if rec.Code != http.StatusOK || !body.Status {
		t.Fatalf("expected public pricing, got %d", rec.Code)
	}
	if products := body.Result.([]interface{}); len(products) != 4 {
		t.Fatalf("expected 4 products, got %d", len(products))
	}
}
