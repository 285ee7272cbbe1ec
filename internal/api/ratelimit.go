package api

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/saveenergy/latbench/internal/config"
)

// RateLimiter hands each client IP its own token bucket. Buckets idle for
// longer than the TTL are evicted on the next cleanup pass.
type RateLimiter struct {
	limit            rate.Limit
	burst            int
	buckets          map[string]*ipBucket
	mu               sync.Mutex
	lastCleanup      time.Time
	cleanupInterval  time.Duration
	idleTTL          time.Duration
	clientIPResolver *ClientIPResolver
	now              func() time.Time
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(cfg *config.Config) *RateLimiter {
	burst := cfg.RateLimitBurst
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:            rate.Limit(cfg.RateLimitPerIP),
		burst:            burst,
		buckets:          make(map[string]*ipBucket),
		lastCleanup:      time.Now(),
		cleanupInterval:  5 * time.Minute,
		idleTTL:          10 * time.Minute,
		clientIPResolver: NewClientIPResolver(cfg),
		now:              time.Now,
	}
}

func (rl *RateLimiter) Allow(ip string) bool {
	now := rl.now()

	rl.mu.Lock()
	if rl.cleanupInterval > 0 && rl.idleTTL > 0 && now.Sub(rl.lastCleanup) >= rl.cleanupInterval {
		for key, b := range rl.buckets {
			if now.Sub(b.lastSeen) >= rl.idleTTL {
				delete(rl.buckets, key)
			}
		}
		rl.lastCleanup = now
	}
	b, ok := rl.buckets[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) ClientIP(r *http.Request) string {
	return rl.clientIPResolver.FromRequest(r)
}

// SetCleanupPolicy overrides cleanup interval and TTL (mainly for tests).
func (rl *RateLimiter) SetCleanupPolicy(cleanupInterval, idleTTL time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.cleanupInterval = cleanupInterval
	rl.idleTTL = idleTTL
	rl.lastCleanup = rl.now()
}

// Tracked returns the number of IPs currently holding a bucket.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// applyRateLimit wraps a handler with rate limit checking.
func applyRateLimit(limiter *RateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow(limiter.ClientIP(r)) {
			w.Header().Set("Retry-After", "1")
			respondJSON(w, map[string]string{"error": "rate limit exceeded"}, http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
