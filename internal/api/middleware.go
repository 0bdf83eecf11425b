/**
 * @description
 * HTTP middleware: bearer token authentication against the identity provider's JWKS,
 * and the shared-key guard for internal routes.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: For RS256 token verification.
 */

package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ownerContextKey string

const (
	ownerIDKey    ownerContextKey = "ownerID"
	ownerEmailKey ownerContextKey = "ownerEmail"
)

// AuthConfig configures token verification.
type AuthConfig struct {
	Keys     *KeySet
	Audience string
	Issuer   string
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token := strings.TrimPrefix(h, "Bearer "); token != h {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(r.Header.Get("X-Id-Token"))
}

// AuthMiddleware validates RS256 identity tokens and puts the subject and email claims
// into the request context.
func AuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"}), jwt.WithExpirationRequired()}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "Authentication required")
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
				kid, ok := token.Header["kid"].(string)
				if !ok || kid == "" {
					return nil, fmt.Errorf("kid not found in token header")
				}
				return cfg.Keys.Key(r.Context(), kid)
			}, opts...)
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			sub, _ := claims.GetSubject()
			if sub == "" {
				writeError(w, http.StatusUnauthorized, "Token has no subject")
				return
			}
			email, _ := claims["email"].(string)

			ctx := context.WithValue(r.Context(), ownerIDKey, sub)
			ctx = context.WithValue(ctx, ownerEmailKey, email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OwnerFromContext returns the authenticated subject and email.
func OwnerFromContext(ctx context.Context) (id, email string, ok bool) {
	id, ok = ctx.Value(ownerIDKey).(string)
	email, _ = ctx.Value(ownerEmailKey).(string)
	return id, email, ok && id != ""
}

// InternalAuthMiddleware guards service-to-service routes with a shared key. An empty
// key disables the routes entirely.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Internal-API-Key")
			if requiredKey == "" || provided == "" ||
				subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
