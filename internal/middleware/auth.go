package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"

	apierrors "github.com/omniforge/zonemind/internal/pkg/errors"
	"github.com/omniforge/zonemind/internal/pkg/response"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// PrincipalKey is the context key for the authenticated principal name.
const PrincipalKey contextKey = "principal"

// APIKeyAuth validates the X-API-Key header against the configured key set
// and stores the bound principal name in the request context. Keys map to
// principal names; the principal is recorded as created_by on tasks.
func APIKeyAuth(keys map[string]string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get("X-API-Key")
			if presented == "" {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}

			principal, ok := matchKey(keys, presented)
			if !ok {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), PrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// matchKey compares the presented key against every configured key in
// constant time.
func matchKey(keys map[string]string, presented string) (string, bool) {
	for key, principal := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
			return principal, true
		}
	}
	return "", false
}

// GetPrincipal retrieves the authenticated principal name from context.
// Returns an empty string when the request was not authenticated.
func GetPrincipal(ctx context.Context) string {
	if v, ok := ctx.Value(PrincipalKey).(string); ok {
		return v
	}
	return ""
}
