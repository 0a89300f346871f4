// ratelimit.go implements token-bucket rate limiting for the broker API.
//
// Indian retail broker APIs publish per-second request budgets with separate
// buckets for market data and order management. The buckets refill
// continuously rather than in one-second bursts so sustained load never
// clips the hard limit.
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a rate limiter with continuous refill. Callers block in
// Wait until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewTokenBucket creates a limiter with the given burst capacity and refill
// rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups buckets by broker API category. Every request waits on
// its bucket before the HTTP call.
type RateLimiter struct {
	Quote *TokenBucket // quotes, chains, contract discovery
	Order *TokenBucket // place, cancel, status
}

// NewRateLimiter builds buckets from the configured requests-per-second
// budgets, with a small burst allowance of 2x the per-second rate.
func NewRateLimiter(quoteRPS, orderRPS float64) *RateLimiter {
	return &RateLimiter{
		Quote: NewTokenBucket(quoteRPS*2, quoteRPS),
		Order: NewTokenBucket(orderRPS*2, orderRPS),
	}
}
