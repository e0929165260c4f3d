// ratelimit.go implements token-bucket rate limiting for the Bybit V5 API.
//
// Bybit enforces per-endpoint-group limits measured in requests per second.
// This file provides a smooth token-bucket implementation that refills
// continuously rather than in one-second bursts, so sustained call volume
// never trips the hard limit.
//
// Three buckets are maintained:
//   - Order:  20 burst / 10 per sec — order create
//   - Cancel: 20 burst / 10 per sec — order cancel
//   - Read:   60 burst / 20 per sec — market data, positions, balances
package venue

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
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
			// retry
		}
	}
}

// RateLimiter groups token buckets by Bybit API endpoint group. Each call
// waits on the appropriate bucket before making the HTTP request.
type RateLimiter struct {
	Order  *TokenBucket // POST /v5/order/create
	Cancel *TokenBucket // POST /v5/order/cancel
	Read   *TokenBucket // all GETs: tickers, positions, balances, orders
}

// NewRateLimiter creates rate limiters tuned below Bybit's published
// per-second limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(20, 10),
		Cancel: NewTokenBucket(20, 10),
		Read:   NewTokenBucket(60, 20),
	}
}
