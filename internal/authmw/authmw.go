// Package authmw provides HTTP middleware for webhook token authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// tokenHeader is the fallback header for callers that cannot set an
// Authorization header (OpsGenie webhook integrations).
const tokenHeader = "X-Inquest-Token"

// Token returns middleware that validates the request carries the expected
// token, either as "Authorization: Bearer <token>" or in the X-Inquest-Token
// header. Comparison uses constant-time equality to prevent timing
// side-channel attacks.
func Token(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := extractToken(r)
			if got == nil {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			if subtle.ConstantTimeCompare(got, expected) != 1 {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func extractToken(r *http.Request) []byte {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if !strings.HasPrefix(auth, "Bearer ") {
			return nil
		}
		return []byte(auth[len("Bearer "):])
	}
	if v := r.Header.Get(tokenHeader); v != "" {
		return []byte(v)
	}
	return nil
}
