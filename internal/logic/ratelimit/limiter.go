package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/patrickwarner/convertrelay/internal/observability"
)

// ClientLimiter keeps one token bucket per storefront client, created lazily
// on the client's first event.
//
//	limiter := NewClientLimiter(Config{Capacity: 50, RefillRate: 5, Enabled: true}, metrics)
//	if !limiter.Allow(ev.ClientID) {
//	    // reject with 429
//	}
type ClientLimiter struct {
	buckets map[string]*TokenBucket
	mu      sync.RWMutex
	config  Config
	metrics observability.MetricsRegistry
	now     func() time.Time
}

// Config holds the configuration for rate limiting.
type Config struct {
	Capacity   int  // burst allowance
	RefillRate int  // tokens added per second
	Enabled    bool // false admits everything
}

// NewClientLimiter creates a limiter with the given configuration.
func NewClientLimiter(config Config, metrics observability.MetricsRegistry) *ClientLimiter {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &ClientLimiter{
		buckets: make(map[string]*TokenBucket),
		config:  config,
		metrics: metrics,
		now:     time.Now,
	}
}

// Allow reports whether an event from clientID may be processed.
//
// Parameters:
//   - clientID: the storefront client the event came from; each id gets its
//     own bucket on first use
//
// Returns true when the client's bucket had a token or rate limiting is
// disabled, false when the client is over its rate.
func (cl *ClientLimiter) Allow(clientID string) bool {
	if !cl.config.Enabled {
		return true
	}

	cl.metrics.IncrementRateLimitRequests(clientID)

	cl.mu.RLock()
	bucket, exists := cl.buckets[clientID]
	cl.mu.RUnlock()

	if !exists {
		cl.mu.Lock()
		bucket, exists = cl.buckets[clientID]
		if !exists {
			bucket = newTokenBucket(cl.config.Capacity, cl.config.RefillRate, cl.now)
			cl.buckets[clientID] = bucket
		}
		cl.mu.Unlock()
	}

	allowed := bucket.Allow()
	if !allowed {
		cl.metrics.IncrementRateLimitHits(clientID)
	}
	return allowed
}

// Prune drops buckets that have not been touched for idle. A dropped client
// starts again with a full bucket. It returns the number removed.
func (cl *ClientLimiter) Prune(idle time.Duration) int {
	cutoff := cl.now().Add(-idle)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	removed := 0
	for id, bucket := range cl.buckets {
		if bucket.idleSince().Before(cutoff) {
			delete(cl.buckets, id)
			removed++
		}
	}
	return removed
}

// GetStats returns a snapshot of per-client statistics.
func (cl *ClientLimiter) GetStats() map[string]RateLimitStats {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	stats := make(map[string]RateLimitStats, len(cl.buckets))
	for clientID, bucket := range cl.buckets {
		hits, total := bucket.Stats()
		hitRate := 0.0
		if total > 0 {
			hitRate = float64(hits) / float64(total)
		}
		stats[clientID] = RateLimitStats{
			ClientID: clientID,
			Hits:     hits,
			Total:    total,
			HitRate:  hitRate,
		}
	}
	return stats
}

// RateLimitStats contains statistics about rate limiting for a single client.
type RateLimitStats struct {
	ClientID string  `json:"client_id"`
	Hits     int64   `json:"hits"`
	Total    int64   `json:"total"`
	HitRate  float64 `json:"hit_rate"` // 0.0-1.0
}

// String returns a human-readable representation of the statistics.
func (rls RateLimitStats) String() string {
	return fmt.Sprintf("client %s: %d/%d limited (%.2f%%)",
		rls.ClientID, rls.Hits, rls.Total, rls.HitRate*100)
}
