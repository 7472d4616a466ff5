package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/querymesh/querymesh/internal/config"
)

// RateLimiter keeps one token bucket per owner. Buckets idle for longer than
// the configured expiry are dropped.
type RateLimiter struct {
	limiters *cache.Cache
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	expiry   time.Duration
}

func NewRateLimiter(perSecond float64, burst int, idleExpiry time.Duration) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if idleExpiry <= 0 {
		idleExpiry = 15 * time.Minute
	}
	return &RateLimiter{
		limiters: cache.New(idleExpiry, 2*idleExpiry),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		expiry:   idleExpiry,
	}
}

// NewRateLimiterFromConfig returns nil when rate limiting is disabled.
func NewRateLimiterFromConfig(cfg config.RateLimitConfig) *RateLimiter {
	if !cfg.Enabled || cfg.RequestsPerSec <= 0 {
		return nil
	}
	return NewRateLimiter(cfg.RequestsPerSec, cfg.Burst, cfg.IdleExpiry)
}

func (l *RateLimiter) limiter(owner string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cached, ok := l.limiters.Get(owner); ok {
		limiter := cached.(*rate.Limiter)
		l.limiters.Set(owner, limiter, l.expiry)
		return limiter
	}
	limiter := rate.NewLimiter(l.rate, l.burst)
	l.limiters.Set(owner, limiter, l.expiry)
	return limiter
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reservation := l.limiter(ownerFromRequest(r)).Reserve()
		if delay := reservation.Delay(); delay > 0 {
			reservation.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			writeError(r.Context(), w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", true, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
