// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// callerIDKey is the context key for the authenticated caller ID.
type callerIDKey struct{}

// Auth validates the static API key and attaches the caller identity
// to the request context. The caller ID scopes job ownership and the
// progress event topic.
func Auth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := bearerToken(r)
			if key == "" {
				key = r.Header.Get("X-API-Key")
			}
			if apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
				http.Error(w, "invalid API key", http.StatusUnauthorized)
				return
			}

			callerID := r.Header.Get("X-Caller-ID")
			if callerID == "" {
				http.Error(w, "missing caller ID", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), callerIDKey{}, callerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallerIDFromContext extracts the authenticated caller ID.
func CallerIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(callerIDKey{}).(string)
	return v, ok && v != ""
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, found := strings.CutPrefix(auth, "Bearer "); found {
		return after
	}
	return ""
}
