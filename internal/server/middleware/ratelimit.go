package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit allows each client IP rps requests per second with the given
// burst. Limiters idle for ten minutes are dropped.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	type visitor struct {
		lim  *rate.Limiter
		seen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
		swept    = time.Now()
	)
	limiter := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		if now.Sub(swept) > time.Minute {
			for k, v := range visitors {
				if now.Sub(v.seen) > 10*time.Minute {
					delete(visitors, k)
				}
			}
			swept = now
		}
		v, ok := visitors[ip]
		if !ok {
			v = &visitor{lim: rate.NewLimiter(rate.Limit(rps), burst)}
			visitors[ip] = v
		}
		v.seen = now
		return v.lim
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter(clientIP(r)).Allow() {
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP prefers proxy headers and falls back to the remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
