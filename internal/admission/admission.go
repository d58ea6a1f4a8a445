// Package admission implements the HTTP-facing gatekeeping of spec.md §4.7:
// per-IP API rate limiting, security headers, and CORS — plus ClientIP, which
// the WireLayer uses to key the per-IP WebSocket cap (the cap itself is
// enforced by registry.Registry.Accept).
package admission

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/cors"
	"golang.org/x/time/rate"
)

// exemptPaths never count against the per-IP rate limit (spec.md §4.7).
var exemptPaths = map[string]struct{}{
	"/api/stats":                 {},
	"/api/health":                {},
	"/api/analytics":             {},
	"/api/interests/suggestions": {},
	"/api/poll":                  {},
}

// RateLimiter enforces a sliding-window-equivalent per-IP request budget
// using a token bucket per IP (golang.org/x/time/rate), refilled over
// window so that max requests per window is the steady-state rate.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	max      int
	every    rate.Limit
}

// NewRateLimiter builds a limiter allowing max requests per window per IP
// (spec.md §6.3 RATE_LIMIT_MAX / RATE_LIMIT_WINDOW, default 100/15min).
func NewRateLimiter(max int, window float64) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		max:      max,
		every:    rate.Limit(float64(max) / window),
	}
}

func (l *RateLimiter) limiterFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.every, l.max)
		l.limiters[ip] = lim
	}
	return lim
}

// Middleware rejects requests over budget with 429, except for paths in
// exemptPaths.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, exempt := exemptPaths[r.URL.Path]; exempt {
			next.ServeHTTP(w, r)
			return
		}
		ip := ClientIP(r)
		if !l.limiterFor(ip).Allow() {
			http.Error(w, `{"error":"rate_limited"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the request's remote IP, preferring X-Forwarded-For's
// first hop the way the teacher's own request logging does.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SecurityHeaders sets the fixed response headers spec.md §4.7 requires.
// tlsTerminated controls whether HSTS is emitted (only meaningful behind a
// TLS-terminating proxy).
func SecurityHeaders(tlsTerminated bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Content-Security-Policy", "default-src 'self'; connect-src 'self' ws: wss:")
			h.Set("Permissions-Policy", "camera=*, microphone=*, geolocation=()")
			if tlsTerminated {
				h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS builds the go-chi/cors middleware for the configured comma-separated
// origin list (spec.md §6.3 CORS_ORIGIN).
func CORS(origins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}
