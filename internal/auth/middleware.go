package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// MethodOIDC indicates authentication via an OIDC-issued bearer JWT.
const MethodOIDC = "oidc"

// MethodStaticToken indicates authentication via the operator-configured
// static admin token.
const MethodStaticToken = "static_token"

// Identity is the authenticated caller of an admin HTTP request, carried
// in the request context for handlers and audit logging to read.
type Identity struct {
	Subject string
	Email   string
	Method  string
}

type identityKey struct{}

// NewContext attaches identity to ctx.
func NewContext(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// FromContext retrieves the Identity set by Middleware, or nil if none.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// Middleware authenticates admin HTTP requests via an OIDC bearer token or
// the static admin token, storing the resulting Identity in the request
// context. oidcAuth may be nil when OIDC is not configured; staticToken
// may be empty to disable that fallback entirely.
func Middleware(oidcAuth *OIDCAuthenticator, staticToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			rawToken := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(authHeader, "Bearer "), "bearer "))

			var identity *Identity

			if staticToken != "" && rawToken == staticToken {
				identity = &Identity{Subject: "static-token", Method: MethodStaticToken}
			}

			if identity == nil && rawToken != "" && oidcAuth != nil {
				claims, err := oidcAuth.Authenticate(r.Context(), authHeader)
				if err != nil {
					logger.Warn("OIDC authentication failed", "error", err)
					respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid token")
					return
				}
				identity = &Identity{Subject: claims.Subject, Email: claims.Email, Method: MethodOIDC}
			}

			if identity == nil {
				respondErr(w, http.StatusUnauthorized, "unauthorized", "no valid authentication provided")
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), identity)))
		})
	}
}

func respondErr(w http.ResponseWriter, status int, errStr, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errStr,
		"message": message,
	})
}
