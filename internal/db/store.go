package db

import (
	"context"
	"errors"
	"time"
)

// ErrNilStore is returned when a store pointer is nil or uninitialized.
var ErrNilStore = errors.New("key-value store is nil")

// Storage keys kept per visitor alongside the attribution record.
const (
	KeyFirstSaleReported = "first_sale_reported"
	KeyUpsellTotal       = "upsell_total"
)

// KeyValueStore is the visitor storage the relay reads attribution records
// from and keeps the first-sale flag and upsell total in.
type KeyValueStore interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key. A zero ttl keeps the key forever.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetIfAbsent stores value only when key does not exist yet and reports
	// whether it did. It is atomic with respect to other callers.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// IncrByFloat adds delta to the numeric value under key and returns the sum.
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)
}

// ClientKey namespaces key to one storefront client so visitors never share
// state.
func ClientKey(clientID, key string) string {
	return "relay:" + clientID + ":" + key
}
