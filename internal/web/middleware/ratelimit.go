package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/btouchard/larder/internal/api"
	"github.com/btouchard/larder/internal/config"
)

const visitorIdle = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter keeps one token bucket per client address.
type IPLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

// NewIPLimiter allows perMinute requests per address with the given burst.
func NewIPLimiter(perMinute, burst int) *IPLimiter {
	return &IPLimiter{
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    max(burst, 1),
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

// Allow reports whether a request from ip may proceed.
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	allowed := v.limiter.AllowN(now, 1)

	for key, other := range l.visitors {
		if now.Sub(other.lastSeen) > visitorIdle {
			delete(l.visitors, key)
		}
	}
	return allowed
}

// Handler rejects requests over the limit with 429.
func (l *IPLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientIP(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: api.CodeRateLimited, Description: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit builds limiter middleware from config. A zero rate disables it.
func RateLimit(cfg config.RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.RequestsPerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return NewIPLimiter(cfg.RequestsPerMinute, cfg.Burst).Handler
}

// clientIP relies on chi's RealIP having rewritten RemoteAddr when the
// server sits behind a proxy or tunnel.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
