package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/patrickwarner/convertrelay/internal/observability"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_Allow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	bucket := newTokenBucket(5, 1, clock.Now)

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected request %d to be allowed", i+1)
		}
	}
	if bucket.Allow() {
		t.Error("Expected 6th request to be blocked")
	}

	hits, total := bucket.Stats()
	if hits != 1 {
		t.Errorf("Expected 1 hit, got %d", hits)
	}
	if total != 6 {
		t.Errorf("Expected 6 total requests, got %d", total)
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	bucket := newTokenBucket(2, 10, clock.Now)

	bucket.Allow()
	bucket.Allow()
	if bucket.Allow() {
		t.Error("Expected request to be blocked")
	}

	clock.Advance(200 * time.Millisecond)
	if !bucket.Allow() {
		t.Error("Expected request to be allowed after refill")
	}
}

func TestTokenBucket_FractionalRefill(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	bucket := newTokenBucket(1, 1, clock.Now)
	assert.True(t, bucket.Allow())

	for i := 0; i < 3; i++ {
		clock.Advance(300 * time.Millisecond)
		assert.False(t, bucket.Allow(), "step %d", i)
	}
	clock.Advance(200 * time.Millisecond)
	assert.True(t, bucket.Allow(), "partial refills accumulate")
}

func TestClientLimiter_PerClientBuckets(t *testing.T) {
	metrics := observability.NewMockMetricsRegistry()
	clock := &fakeClock{t: time.Unix(0, 0)}
	limiter := NewClientLimiter(Config{Capacity: 1, RefillRate: 1, Enabled: true}, metrics)
	limiter.now = clock.Now

	assert.True(t, limiter.Allow("shop-a"))
	assert.False(t, limiter.Allow("shop-a"))
	assert.True(t, limiter.Allow("shop-b"), "clients do not share a bucket")

	assert.Equal(t, 1, metrics.Count("ratelimit_hits", "shop-a"))
	assert.Equal(t, 2, metrics.Count("ratelimit_requests", "shop-a"))

	stats := limiter.GetStats()
	assert.Equal(t, int64(1), stats["shop-a"].Hits)
	assert.InDelta(t, 0.5, stats["shop-a"].HitRate, 1e-9)
}

func TestClientLimiter_Disabled(t *testing.T) {
	limiter := NewClientLimiter(Config{Capacity: 0, Enabled: false}, nil)
	for i := 0; i < 10; i++ {
		assert.True(t, limiter.Allow("shop"))
	}
	assert.Empty(t, limiter.GetStats())
}

func TestClientLimiter_Prune(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	limiter := NewClientLimiter(Config{Capacity: 1, RefillRate: 1, Enabled: true}, nil)
	limiter.now = clock.Now

	limiter.Allow("old")
	clock.Advance(time.Hour)
	limiter.Allow("new")

	assert.Equal(t, 1, limiter.Prune(30*time.Minute))
	stats := limiter.GetStats()
	assert.Contains(t, stats, "new")
	assert.NotContains(t, stats, "old")
}
