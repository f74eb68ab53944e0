package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	Rate            rate.Limit
	Burst           int
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig allows 120 requests per minute per user.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(120.0 / 60.0),
		Burst:           120,
		CleanupInterval: 5 * time.Minute,
	}
}

type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// UserRateLimiter keeps one token bucket per user. Idle buckets are swept
// on access once CleanupInterval has passed.
type UserRateLimiter struct {
	config RateLimitConfig
	now    func() time.Time

	mu        sync.Mutex
	limiters  map[string]*userLimiter
	lastSweep time.Time
}

func NewUserRateLimiter(config RateLimitConfig) *UserRateLimiter {
	defaults := DefaultRateLimitConfig()
	if config.Rate <= 0 {
		config.Rate = defaults.Rate
	}
	if config.Burst <= 0 {
		config.Burst = defaults.Burst
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	return &UserRateLimiter{
		config:   config,
		now:      time.Now,
		limiters: map[string]*userLimiter{},
	}
}

func (l *UserRateLimiter) Allow(userID string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.config.CleanupInterval {
		l.sweep(now)
	}
	entry, ok := l.limiters[userID]
	if !ok {
		entry = &userLimiter{limiter: rate.NewLimiter(l.config.Rate, l.config.Burst)}
		l.limiters[userID] = entry
	}
	entry.lastAccess = now
	return entry.limiter.AllowN(now, 1)
}

// RetryAfter estimates the wait until one token is available again.
func (l *UserRateLimiter) RetryAfter() time.Duration {
	if l.config.Rate <= 0 {
		return time.Second
	}
	wait := time.Duration(float64(time.Second) / float64(l.config.Rate))
	if wait < time.Second {
		return time.Second
	}
	return wait
}

func (l *UserRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *UserRateLimiter) sweep(now time.Time) {
	ttl := l.config.CleanupInterval * 2
	for userID, entry := range l.limiters {
		if now.Sub(entry.lastAccess) > ttl {
			delete(l.limiters, userID)
		}
	}
	l.lastSweep = now
}
