package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimitConfig holds per-client rate limiting configuration.
type RateLimitConfig struct {
	// RPS is the sustained request rate allowed per client IP.
	// Zero disables rate limiting.
	RPS int
	// Burst is the extra capacity a client may consume in a spike.
	Burst int
	// StaleAfter bounds how long an idle client bucket is retained.
	StaleAfter time.Duration
}

// DefaultRateLimitConfig returns the default per-IP limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RPS:        50,
		Burst:      100,
		StaleAfter: 10 * time.Minute,
	}
}

type tokenBucket struct {
	tokens   float64
	lastSeen time.Time
}

// rateLimiter is a token-bucket limiter keyed by client IP. Buckets refill
// continuously at RPS and cap at Burst; idle buckets are pruned.
type rateLimiter struct {
	config RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*tokenBucket
	sweep   time.Time
}

func newRateLimiter(config RateLimitConfig) *rateLimiter {
	if config.Burst < config.RPS {
		config.Burst = config.RPS
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 10 * time.Minute
	}
	return &rateLimiter{
		config:  config,
		buckets: make(map[string]*tokenBucket),
		sweep:   time.Now(),
	}
}

func (rl *rateLimiter) allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.sweep) > rl.config.StaleAfter {
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) > rl.config.StaleAfter {
				delete(rl.buckets, k)
			}
		}
		rl.sweep = now
	}

	b, exists := rl.buckets[key]
	if !exists {
		b = &tokenBucket{tokens: float64(rl.config.Burst)}
		rl.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastSeen).Seconds()
		b.tokens += elapsed * float64(rl.config.RPS)
		if b.tokens > float64(rl.config.Burst) {
			b.tokens = float64(rl.config.Burst)
		}
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RateLimitMiddleware rejects clients that exceed the configured per-IP
// rate with 429 and a Retry-After hint.
func RateLimitMiddleware(config RateLimitConfig) gin.HandlerFunc {
	if config.RPS <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := newRateLimiter(config)

	return func(c *gin.Context) {
		if limiter.allow(c.ClientIP()) {
			c.Next()
			return
		}

		c.Header("Retry-After", strconv.Itoa(1))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, APIResponse{
			Success: false,
			Error: &APIError{
				Code:    "RATE_LIMIT_EXCEEDED",
				Message: "too many requests",
			},
			RequestID: requestID(c),
			Timestamp: time.Now(),
		})
	}
}
