package adapter

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterRegistry hands out one token-bucket limiter per exchange name,
// evolved from the teacher's ad-hoc time.Sleep pacing in exec/client.go's
// retry loop into a proper cooperative token bucket per spec.md §4.1/§5.
type RateLimiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	defaults RateLimitConfig
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultRateLimitConfig matches spec.md §5: 10 req/s with a 10s burst
// window of 50.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 10, Burst: 50}
}

func NewRateLimiterRegistry(defaults RateLimitConfig) *RateLimiterRegistry {
	return &RateLimiterRegistry{
		limiters: make(map[string]*rate.Limiter),
		defaults: defaults,
	}
}

// Configure overrides the limiter for one exchange (from <EXCHANGE>_RATE_LIMIT).
func (r *RateLimiterRegistry) Configure(exchange string, reqPerSec float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[exchange] = rate.NewLimiter(rate.Limit(reqPerSec), r.defaults.Burst)
}

func (r *RateLimiterRegistry) get(exchange string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[exchange]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r.defaults.RequestsPerSecond), r.defaults.Burst)
		r.limiters[exchange] = lim
	}
	return lim
}

// Acquire blocks cooperatively until a slot opens for the given exchange,
// or ctx is cancelled. Every RPC an adapter makes must go through this.
func (r *RateLimiterRegistry) Acquire(ctx context.Context, exchange string) error {
	return r.get(exchange).Wait(ctx)
}
