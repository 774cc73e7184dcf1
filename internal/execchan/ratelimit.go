// ratelimit.go implements token-bucket rate limiting for the execution
// channel. Three buckets are maintained, one per op category, each
// refilling continuously rather than in bursty windows. The three
// categories are order placement, cancel/stop control, and read-only
// snapshot polling.
package execchan

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

// NewTokenBucket creates a rate limiter with the given burst capacity and
// refill rate (tokens per second).
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

// RateLimiter groups token buckets by execution-channel op category.
type RateLimiter struct {
	Orders    *TokenBucket // new, trade, chase_start, scalper_start, twap_start, ...
	Cancels   *TokenBucket // cancel, cancel_order, *_cancel, *_stop
	Snapshots *TokenBucket // REST fallback snapshot polling
}

// NewRateLimiter creates rate limiters with fixed, generous defaults; the
// bucket sizes are not configurable.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Orders:    NewTokenBucket(350, 50),
		Cancels:   NewTokenBucket(300, 30),
		Snapshots: NewTokenBucket(150, 15),
	}
}

// bucketFor routes an op to its rate-limit category.
func (r *RateLimiter) bucketFor(op string) *TokenBucket {
	switch op {
	case "cancel", "cancel_order", "chase_cancel", "scalper_cancel", "twap_stop",
		"basket_stop", "trail_cancel", "smart_order_stop", "agent_stop",
		"close", "close_position", "close_all", "close_all_positions":
		return r.Cancels
	default:
		return r.Orders
	}
}
