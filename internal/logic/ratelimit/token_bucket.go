// Package ratelimit throttles event ingestion per storefront client.
//
// Each client gets a token bucket: bursts up to the bucket capacity are
// admitted, and the sustained rate is bounded by the refill rate.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// TokenBucket is a thread-safe token bucket.
//
// Each event consumes one token. Tokens refill continuously, fractions
// included, at refillRate per second until the bucket holds capacity tokens
// again. An empty bucket rejects events until enough time has passed.
//
// Example usage:
//
//	bucket := NewTokenBucket(50, 5) // bursts of 50, then 5 events/second
//	if !bucket.Allow() {
//	    // reply 429
//	}
type TokenBucket struct {
	capacity   float64          // most tokens the bucket holds (burst size)
	tokens     float64          // tokens available now, possibly fractional
	refillRate float64          // tokens credited per second
	lastRefill time.Time        // when tokens were last credited
	now        func() time.Time // clock, replaced in tests
	mu         sync.Mutex       // guards every field above and the counters
	hitCount   int64            // requests rejected
	totalCount int64            // requests seen
}

// NewTokenBucket creates a bucket that starts full.
//
// Parameters:
//   - capacity: the burst a client may send at once
//   - refillRate: tokens added per second, the sustained rate; zero means
//     the bucket never refills
func NewTokenBucket(capacity, refillRate int) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes one token.
//
// Returns true when a token was available and the event may proceed, false
// when the client is over its rate. Rejections are counted for Stats.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.totalCount++
	tb.refill()

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	tb.hitCount++
	return false
}

// refill credits fractional tokens so slow refill rates still make progress
// between closely spaced calls.
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = math.Min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// Stats returns how many requests were rejected (hits) and how many were
// seen in total since the bucket was created.
func (tb *TokenBucket) Stats() (hits, total int64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.hitCount, tb.totalCount
}

// idleSince reports when the bucket last refilled.
func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastRefill
}
