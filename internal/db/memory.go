package db

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value   string
	expires time.Time
}

// MemoryStore is an in-process KeyValueStore for single-instance deployments
// and tests. A mutex makes SetIfAbsent atomic.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

// lookup returns the live entry for key, evicting it when expired.
// Callers must hold m.mu.
func (m *MemoryStore) lookup(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	return e.value, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: value, expires: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.entries[key] = memoryEntry{value: value, expires: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryStore) IncrByFloat(_ context.Context, key string, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := 0.0
	e, ok := m.lookup(key)
	if ok {
		v, err := strconv.ParseFloat(e.value, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %s is not a float: %w", key, err)
		}
		cur = v
	}
	sum := cur + delta
	m.entries[key] = memoryEntry{value: strconv.FormatFloat(sum, 'f', -1, 64), expires: e.expires}
	return sum, nil
}

// Prune deletes every expired entry and returns how many were removed.
// Expired keys are otherwise only dropped when read, so long-running
// processes should call it periodically.
//
// Entries written without a TTL, such as first-sale flags and upsell totals,
// are never pruned.
func (m *MemoryStore) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for key, e := range m.entries {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
