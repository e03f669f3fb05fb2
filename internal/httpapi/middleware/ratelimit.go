package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// tokenBucket: simple per-key token bucket (max tokens = burst, refill rate per second).
type tokenBucket struct {
	tokens float64
	last   time.Time
}

type limiter struct {
	rate  float64 // tokens per second
	burst float64
	mu    sync.Mutex
	m     map[string]*tokenBucket
	ttl   time.Duration
	sweep time.Time
	now   func() time.Time
}

func newLimiter(rps float64, burst int, ttl time.Duration) *limiter {
	if burst < 1 {
		burst = 1
	}
	return &limiter{
		rate:  rps,
		burst: float64(burst),
		m:     make(map[string]*tokenBucket),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (l *limiter) allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.sweep) > l.ttl {
		for k, b := range l.m {
			if now.Sub(b.last) > l.ttl {
				delete(l.m, k)
			}
		}
		l.sweep = now
	}

	tb := l.m[key]
	if tb == nil {
		tb = &tokenBucket{tokens: l.burst, last: now}
		l.m[key] = tb
	}
	// refill
	elapsed := now.Sub(tb.last).Seconds()
	tb.tokens = min(l.burst, tb.tokens+elapsed*l.rate)
	tb.last = now

	if tb.tokens < 1.0 {
		return false
	}
	tb.tokens -= 1.0
	return true
}

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(*http.Request) string

// ByAPIKey charges requests to the presented API key, falling back to the
// client IP for anonymous callers. Keys are hashed so they never sit in memory
// as map keys.
func ByAPIKey(r *http.Request) string {
	if k := APIKey(r); k != "" {
		sum := sha256.Sum256([]byte(k))
		return "key:" + hex.EncodeToString(sum[:8])
	}
	return "ip:" + ClientIP(r)
}

// RateLimit returns a middleware that rate-limits by remote IP.
// Example: RateLimit(120, 60) => 120 req/min with burst 60
func RateLimit(reqPerMin int, burst int) func(http.Handler) http.Handler {
	return RateLimitBy(reqPerMin, burst, ClientIP)
}

// RateLimitBy is RateLimit with a custom bucket key. reqPerMin <= 0 disables it.
func RateLimitBy(reqPerMin int, burst int, key KeyFunc) func(http.Handler) http.Handler {
	if reqPerMin <= 0 {
		// disabled
		return func(next http.Handler) http.Handler { return next }
	}
	l := newLimiter(float64(reqPerMin)/60.0, burst, 10*time.Minute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(key(r)) {
				w.Header().Set("Retry-After", "60")
				deny(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ClientIP(r *http.Request) string {
	// honor X-Forwarded-For if behind a proxy
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
