package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/af-corp/operator-gateway/internal/httputil"
)

// Middleware returns a chi middleware that authenticates requests via a
// Bearer token or the X-API-Key header.
func Middleware(store KeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := httputil.RequestID(r.Context())
			if reqID == "" {
				reqID = w.Header().Get("X-Request-ID")
			}

			token, msg := extractToken(r)
			if msg != "" {
				httputil.WriteAuthError(w, reqID, msg)
				return
			}

			keyHash := HashKey(token)
			meta, err := store.Lookup(r.Context(), keyHash)
			if err != nil {
				slog.Error("token lookup failed", "error", err, "key_prefix", safePrefix(token))
				httputil.WriteInternalError(w, reqID, "Internal error during authentication")
				return
			}
			if meta == nil {
				slog.Warn("auth failed: token not found", "key_prefix", safePrefix(token))
				httputil.WriteAuthError(w, reqID, "Invalid API token")
				return
			}

			info := &AuthInfo{
				KeyID:            meta.ID,
				AccountID:        meta.AccountID,
				Name:             meta.Name,
				RPMLimit:         meta.RPMLimit,
				AllowedProviders: meta.AllowedProviders,
			}

			ctx := ContextWithAuth(r.Context(), info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractToken(r *http.Request) (string, string) {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, ""
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", "Missing Authorization header. Use: Authorization: Bearer <api-token>"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		return "", "Invalid Authorization format. Use: Authorization: Bearer <api-token>"
	}
	if token == "" {
		return "", "Empty API token"
	}
	return token, ""
}

// safePrefix returns a safe-to-log prefix of an API token (never the full token).
func safePrefix(key string) string {
	if len(key) > 16 {
		return key[:16] + "..."
	}
	return key
}
