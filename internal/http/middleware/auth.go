package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wellnest/marketplace-api/internal/identity"
)

// Claims are the JWT claims issued by the identity provider. The subject is
// the user id.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// accessTokenParam carries the token for websocket upgrades, which cannot set
// headers from browsers.
const accessTokenParam = "access_token"

// Authenticate verifies an HMAC-signed bearer token and stores the caller's
// principal in the request context.
func Authenticate(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				jsonError(w, "auth disabled", http.StatusUnauthorized)
				return
			}
			raw := bearerToken(r)
			if raw == "" {
				jsonError(w, "missing authorization", http.StatusUnauthorized)
				return
			}
			claims := &Claims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			}, jwt.WithExpirationRequired())
			if err != nil || !token.Valid || strings.TrimSpace(claims.Subject) == "" {
				jsonError(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := identity.WithPrincipal(r.Context(), identity.Principal{
				UserID: claims.Subject,
				Role:   claims.Role,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects callers without role. Must run after Authenticate.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := identity.FromContext(r.Context())
			if !ok {
				jsonError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if p.Role != role {
				jsonError(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if !strings.HasPrefix(auth, "Bearer ") {
			return ""
		}
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if websocketUpgrade(r) {
		return r.URL.Query().Get(accessTokenParam)
	}
	return ""
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}
