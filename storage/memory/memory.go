// Package memory provides an in-memory implementation of the entitlement.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/vikram2000b/sage-billing-engine/pkg/entitlement"
)

type entry struct {
	value      []byte
	expiration time.Time // zero = no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiration.IsZero() && !now.Before(e.expiration)
}

// Storage implements entitlement.Store using an in-memory map
type Storage struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

var _ entitlement.Store = (*Storage)(nil)

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// NewWithClock creates a storage adapter that reads time from now.
func NewWithClock(now func() time.Time) *Storage {
	s := New()
	s.now = now
	return s
}

// live returns the entry at key, dropping it if expired. Caller holds mu.
func (s *Storage) live(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

func (s *Storage) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Get implements entitlement.Store
func (s *Storage) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return nil, entitlement.ErrNotFound
	}
	// Return a copy to prevent external mutations
	return append([]byte(nil), e.value...), nil
}

// Set implements entitlement.Store
func (s *Storage) Set(ctx context.Context, key string, value []byte) error {
	return s.SetWithTTL(ctx, key, value, 0)
}

// SetWithTTL implements entitlement.Store
func (s *Storage) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = entry{value: append([]byte(nil), value...), expiration: s.expiry(ttl)}
	return nil
}

// SetIfAbsentWithTTL implements entitlement.Store
func (s *Storage) SetIfAbsentWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.entries[key] = entry{value: append([]byte(nil), value...), expiration: s.expiry(ttl)}
	return true, nil
}

// Delete implements entitlement.Store
func (s *Storage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// IncrementFloat implements entitlement.Store
func (s *Storage) IncrementFloat(_ context.Context, key string, amount float64, ttl time.Duration) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current float64
	e, ok := s.live(key)
	if ok {
		v, err := strconv.ParseFloat(string(e.value), 64)
		if err != nil {
			return 0, err
		}
		current = v
	}
	current += amount

	exp := e.expiration
	if ttl > 0 {
		exp = s.expiry(ttl)
	}
	s.entries[key] = entry{value: []byte(strconv.FormatFloat(current, 'f', -1, 64)), expiration: exp}
	return current, nil
}

// GetFloat implements entitlement.Store
func (s *Storage) GetFloat(_ context.Context, key string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return 0, entitlement.ErrNotFound
	}
	return strconv.ParseFloat(string(e.value), 64)
}

// Len returns the number of live keys.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	now := s.now()
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}
