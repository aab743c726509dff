package auth

import (
	"context"
	"slices"
)

type contextKey string

const authContextKey contextKey = "gateway_auth"

// AuthInfo holds the caller identity extracted from an API token.
type AuthInfo struct {
	KeyID            string
	AccountID        string
	Name             string
	RPMLimit         *int
	AllowedProviders []string
}

// Allows reports whether the caller may operate on providerID.
func (a *AuthInfo) Allows(providerID string) bool {
	return len(a.AllowedProviders) == 0 || slices.Contains(a.AllowedProviders, providerID)
}

func ContextWithAuth(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authContextKey, info)
}

func AuthFromContext(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authContextKey).(*AuthInfo)
	return info, ok
}

// KeyID returns the caller's token id, or "" for unauthenticated contexts.
func KeyID(ctx context.Context) string {
	if info, ok := AuthFromContext(ctx); ok {
		return info.KeyID
	}
	return ""
}
