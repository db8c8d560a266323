package middleware

import (
	"context"
	"net/http"
	"strings"

	"mediatrans/internal/auth"
	"mediatrans/internal/store"
)

type contextKey string

const userIDKey contextKey = "user_id"

func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

func contextWithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// APIKeyStore resolves a presented API key to the owning user.
type APIKeyStore interface {
	GetByAPIKeyDigest(ctx context.Context, digest string) (store.User, error)
}

func resolveIdentity(r *http.Request, secret string, keys APIKeyStore) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", false
		}
		claims, err := auth.ParseToken(secret, parts[1])
		if err != nil {
			return "", false
		}
		return claims.UserID, true
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		user, err := keys.GetByAPIKeyDigest(r.Context(), auth.DigestAPIKey(key))
		if err != nil {
			return "", false
		}
		return user.ID, true
	}
	return "", false
}

// Auth requires either a bearer token or an API key and rejects requests
// carrying neither.
func Auth(secret string, keys APIKeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" && r.Header.Get("X-API-Key") == "" {
				http.Error(w, "missing credentials", http.StatusUnauthorized)
				return
			}
			userID, ok := resolveIdentity(r, secret, keys)
			if !ok {
				http.Error(w, "invalid credentials", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(contextWithUser(r.Context(), userID)))
		})
	}
}

// OptionalAuth attaches the user identity when credentials are present
// and valid, and lets anonymous requests through untouched. Presented but
// invalid credentials are still rejected rather than silently downgraded.
func OptionalAuth(secret string, keys APIKeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" && r.Header.Get("X-API-Key") == "" {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := resolveIdentity(r, secret, keys)
			if !ok {
				http.Error(w, "invalid credentials", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(contextWithUser(r.Context(), userID)))
		})
	}
}
