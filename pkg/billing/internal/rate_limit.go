package internal

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

// RateLimit admits at most config.Max requests per client IP within
// config.Window. Limiter errors fail open.
func RateLimit(limiter credit.RateLimiter, config credit.RateLimitConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := GetClientIP(r)
		allowed, info, err := limiter.Check(r.Context(), ip, config)
		if err == nil && !allowed {
			wait := (&credit.RateLimitedError{Wait: info.Wait}).WaitSeconds()
			w.Header().Set("Retry-After", strconv.Itoa(wait))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if err == nil {
			_ = limiter.Record(r.Context(), ip)
		}
		next.ServeHTTP(w, r)
	})
}

// GetClientIP extracts the client IP address from the request.
// Checks X-Forwarded-For header first (set by proxies/load balancers),
// then falls back to RemoteAddr.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// first hop is the client
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	return r.RemoteAddr
}
