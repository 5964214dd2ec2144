// Package redis provides a Redis implementation of the entitlement.Store interface.
// Counter increments use a Lua script so the value and its TTL change atomically.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vikram2000b/sage-billing-engine/pkg/entitlement"
)

// Storage implements entitlement.Store using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
	incr   *redis.Script
}

var _ entitlement.Store = (*Storage)(nil)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: none)
	KeyPrefix string

	// OperationTimeout bounds each command when the caller's context has no
	// deadline (0 = no bound)
	OperationTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		OperationTimeout: 2 * time.Second,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	return &Storage{
		client: client,
		config: config,
		incr: redis.NewScript(`
			local v = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
			local ttl = tonumber(ARGV[2])
			if ttl > 0 then
				redis.call('PEXPIRE', KEYS[1], ttl)
			end
			return v
		`),
	}, nil
}

// Client returns the underlying Redis client.
func (s *Storage) Client() redis.UniversalClient {
	return s.client
}

func (s *Storage) key(k string) string {
	return s.config.KeyPrefix + k
}

func (s *Storage) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.OperationTimeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

// translate maps redis.Nil to entitlement.ErrNotFound and tags transport
// failures as entitlement.ErrStoreUnavailable. Context errors pass through
// only when the caller's ctx ended; the store's own operation timeout counts
// as unavailability.
func translate(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return entitlement.ErrNotFound
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %v", entitlement.ErrStoreUnavailable, err)
	}
}

// Get implements entitlement.Store
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	v, err := s.client.Get(opCtx, s.key(key)).Bytes()
	if err != nil {
		return nil, translate(ctx, err)
	}
	return v, nil
}

// Set implements entitlement.Store
func (s *Storage) Set(ctx context.Context, key string, value []byte) error {
	return s.SetWithTTL(ctx, key, value, 0)
}

// SetWithTTL implements entitlement.Store
func (s *Storage) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	return translate(ctx, s.client.Set(opCtx, s.key(key), value, ttl).Err())
}

// SetIfAbsentWithTTL implements entitlement.Store
func (s *Storage) SetIfAbsentWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	ok, err := s.client.SetNX(opCtx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, translate(ctx, err)
	}
	return ok, nil
}

// Delete implements entitlement.Store
func (s *Storage) Delete(ctx context.Context, key string) error {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	return translate(ctx, s.client.Del(opCtx, s.key(key)).Err())
}

// IncrementFloat implements entitlement.Store
func (s *Storage) IncrementFloat(ctx context.Context, key string, amount float64, ttl time.Duration) (float64, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.incr.Run(opCtx, s.client,
		[]string{s.key(key)},
		strconv.FormatFloat(amount, 'f', -1, 64),
		ttl.Milliseconds(),
	).Text()
	if err != nil {
		return 0, translate(ctx, err)
	}
	v, err := strconv.ParseFloat(res, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %q: %w", key, err)
	}
	return v, nil
}

// GetFloat implements entitlement.Store
func (s *Storage) GetFloat(ctx context.Context, key string) (float64, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	v, err := s.client.Get(opCtx, s.key(key)).Float64()
	if err != nil {
		return 0, translate(ctx, err)
	}
	return v, nil
}
