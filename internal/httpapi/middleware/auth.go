package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type Keys struct {
	Public []string
	Admin  []string
}

// APIKey returns the key presented by the request, from either
// "Authorization: Bearer <key>" or "X-API-Key".
func APIKey(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return strings.TrimSpace(k)
	}
	return ""
}

func hasKey(given string, set []string) bool {
	if given == "" {
		return false
	}
	found := 0
	for _, k := range set {
		found |= subtle.ConstantTimeCompare([]byte(k), []byte(given))
	}
	return found == 1
}

func deny(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// RequireAny allows requests that present either a public or admin key.
// If no keys are configured, it allows all requests (handy for local dev).
func RequireAny(keys Keys, log *zap.Logger) func(http.Handler) http.Handler {
	enabled := len(keys.Public) > 0 || len(keys.Admin) > 0
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := APIKey(r)
			if hasKey(key, keys.Public) || hasKey(key, keys.Admin) {
				next.ServeHTTP(w, r)
				return
			}
			if log != nil {
				log.Info("auth_rejected", zap.String("path", r.URL.Path), zap.Bool("key_present", key != ""))
			}
			deny(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

// RequireAdmin only permits requests that present an admin key. A missing
// key is 401, a non-admin key 403. With no admin keys configured all
// requests pass (dev).
func RequireAdmin(keys Keys, log *zap.Logger) func(http.Handler) http.Handler {
	enabled := len(keys.Admin) > 0
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := APIKey(r)
			if hasKey(key, keys.Admin) {
				next.ServeHTTP(w, r)
				return
			}
			if log != nil {
				log.Info("admin_rejected", zap.String("path", r.URL.Path), zap.Bool("key_present", key != ""))
			}
			if key == "" {
				deny(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			deny(w, http.StatusForbidden, "forbidden")
		})
	}
}
