package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per client address.
type RateLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	limiters sync.Map // client -> *cachedLimiter
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithTTL sets how long an unused client limiter is kept.
func WithTTL(ttl time.Duration) Option {
	return func(rl *RateLimiter) { rl.ttl = ttl }
}

// NewRateLimiter allows perSecond requests per client with the given burst.
// A non-positive perSecond disables limiting.
func NewRateLimiter(perSecond float64, burst int, opts ...Option) *RateLimiter {
	rl := &RateLimiter{
		limit: rate.Limit(perSecond),
		burst: burst,
		ttl:   5 * time.Minute,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Middleware returns the HTTP middleware.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.limit > 0 && !rl.limiterFor(clientKey(r)).Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	now := rl.now()
	if v, ok := rl.limiters.Load(key); ok {
		cached := v.(*cachedLimiter)
		if now.Before(cached.expiresAt) {
			return cached.limiter
		}
		// expired, need to create new
	}

	limiter := rate.NewLimiter(rl.limit, rl.burst)
	rl.limiters.Store(key, &cachedLimiter{
		limiter:   limiter,
		expiresAt: now.Add(rl.ttl),
	})
	return limiter
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
