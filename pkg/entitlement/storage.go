package entitlement

import (
	"context"
	"time"
)

// Store is the single-key store backing the entitlement cache and usage
// counters. Every mutation touches exactly one key; no multi-key
// transactions are required.
type Store interface {
	// Get returns the raw value, or ErrNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value without expiry.
	Set(ctx context.Context, key string, value []byte) error

	// SetWithTTL stores value and expires it after ttl.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsentWithTTL stores value only when key is absent.
	// Returns true when this call wrote the key.
	SetIfAbsentWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// IncrementFloat atomically adds amount to the float at key, creating it
	// at zero first, and returns the new value. A positive ttl is (re)armed
	// on every call.
	IncrementFloat(ctx context.Context, key string, amount float64, ttl time.Duration) (float64, error)

	// GetFloat returns the float at key, or ErrNotFound.
	GetFloat(ctx context.Context, key string) (float64, error)
}
