package core

import (
	"net/http"
	"strings"

	"classpay/internal/types"
)

// authPublicPaths lists URL paths that are exempt from tenant
// authentication. Gateway webhooks authenticate with an HMAC signature
// instead of a session token, and the health endpoint is public.
var authPublicPaths = map[string]bool{
	"/health":              true,
	"/v1/webhooks/payment": true,
}

// TenantAuthMiddleware resolves the Bearer token to a tenant and injects the
// tenant ID into the request context. Every billing operation downstream
// scopes its queries by this identity; request bodies and query parameters
// never carry a trusted tenant ID.
//
// Returns 401 with distinct error codes:
//   - auth_tenant_missing: no Authorization header or empty Bearer token
//   - whatever code the Authenticator reports for invalid or expired tokens
//
// If the Authenticator field on Server is nil (tests that don't inject
// one), the middleware passes through without authentication.
func (s *Server) TenantAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil {
			next.ServeHTTP(w, r)
			return
		}

		if authPublicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			Error(w, r, types.NewAppError(
				types.ErrCodeAuthTenantMissing,
				"Authorization header is required",
				nil,
			))
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			Error(w, r, types.NewAppError(
				types.ErrCodeAuthTenantMissing,
				"Bearer token is required",
				nil,
			))
			return
		}

		tenantID, err := s.Authenticator.ResolveToken(r.Context(), token)
		if err != nil {
			Error(w, r, err)
			return
		}
		if tenantID == "" {
			Error(w, r, types.NewAppError(
				types.ErrCodeAuthTenantMissing,
				"token does not resolve to a tenant",
				nil,
			))
			return
		}

		ctx := types.WithTenantID(r.Context(), tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken parses the Authorization header value and returns the
// token string. It expects the format "Bearer <token>" (case-insensitive
// scheme per RFC 7235). Returns empty string if the format is invalid.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
