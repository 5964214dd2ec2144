package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikram2000b/sage-billing-engine/pkg/entitlement"
)

// setupTestRedis starts an in-process Redis and returns a client for it.
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func setupStorage(t *testing.T, config Config) (*miniredis.Miniredis, *Storage) {
	t.Helper()
	mr, client := setupTestRedis(t)
	s, err := New(client, config)
	require.NoError(t, err)
	return mr, s
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	_, client := setupTestRedis(t)
	s, err := New(client, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, client, s.Client())
}

func TestStorage_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	mr, s := setupStorage(t, Config{KeyPrefix: "test:"})

	_, err := s.Get(ctx, "entitlements:ws_1")
	assert.ErrorIs(t, err, entitlement.ErrNotFound)

	require.NoError(t, s.Set(ctx, "entitlements:ws_1", []byte(`{"plan_tier":"growth"}`)))
	v, err := s.Get(ctx, "entitlements:ws_1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"plan_tier":"growth"}`, string(v))
	assert.True(t, mr.Exists("test:entitlements:ws_1"))

	require.NoError(t, s.Delete(ctx, "entitlements:ws_1"))
	_, err = s.Get(ctx, "entitlements:ws_1")
	assert.ErrorIs(t, err, entitlement.ErrNotFound)

	// Deleting again is fine.
	assert.NoError(t, s.Delete(ctx, "entitlements:ws_1"))
}

func TestStorage_SetWithTTL(t *testing.T) {
	ctx := context.Background()
	mr, s := setupStorage(t, DefaultConfig())

	require.NoError(t, s.SetWithTTL(ctx, "k", []byte("v"), 2*time.Minute))
	assert.Equal(t, 2*time.Minute, mr.TTL("k"))

	mr.FastForward(3 * time.Minute)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, entitlement.ErrNotFound)
}

func TestStorage_SetIfAbsentWithTTL(t *testing.T) {
	ctx := context.Background()
	_, s := setupStorage(t, DefaultConfig())

	ok, err := s.SetIfAbsentWithTTL(ctx, "usage:applied:ws_1:evt_1", []byte("ws_1"), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetIfAbsentWithTTL(ctx, "usage:applied:ws_1:evt_1", []byte("ws_1"), time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorage_IncrementFloat(t *testing.T) {
	ctx := context.Background()
	mr, s := setupStorage(t, DefaultConfig())

	v, err := s.IncrementFloat(ctx, "usage:ws_1:ai_credits", 1.5, 35*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	v, err = s.IncrementFloat(ctx, "usage:ws_1:ai_credits", 2, 35*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3.5, v)
	assert.Equal(t, 35*24*time.Hour, mr.TTL("usage:ws_1:ai_credits"))

	got, err := s.GetFloat(ctx, "usage:ws_1:ai_credits")
	require.NoError(t, err)
	assert.Equal(t, 3.5, got)
}

func TestStorage_IncrementFloat_NoTTL(t *testing.T) {
	ctx := context.Background()
	mr, s := setupStorage(t, DefaultConfig())

	_, err := s.IncrementFloat(ctx, "c", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), mr.TTL("c"))
}

func TestStorage_GetFloat_Missing(t *testing.T) {
	_, s := setupStorage(t, DefaultConfig())
	_, err := s.GetFloat(context.Background(), "usage:ws_1:email_send")
	assert.ErrorIs(t, err, entitlement.ErrNotFound)
}

func TestStorage_Unavailable(t *testing.T) {
	mr, s := setupStorage(t, Config{OperationTimeout: 200 * time.Millisecond})
	mr.Close()

	// The store's own timeout is an outage, not a caller deadline.
	_, err := s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, entitlement.ErrStoreUnavailable)
	_, err = s.IncrementFloat(context.Background(), "c", 1, time.Hour)
	assert.ErrorIs(t, err, entitlement.ErrStoreUnavailable)
}

func TestStorage_CallerCancellation(t *testing.T) {
	mr, s := setupStorage(t, DefaultConfig())
	mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, entitlement.ErrStoreUnavailable)
}

func TestCounters_ConcurrentIncrements(t *testing.T) {
	_, s := setupStorage(t, DefaultConfig())
	counters, err := entitlement.NewCounters(s, entitlement.CountersConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := counters.Increment(ctx, "ws_1", "ai_credits", 2.5)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, err := counters.Get(ctx, "ws_1", "ai_credits")
	require.NoError(t, err)
	assert.Equal(t, workers*2.5, v)
}

func TestCounters_ConcurrentIncrementOnce(t *testing.T) {
	_, s := setupStorage(t, DefaultConfig())
	counters, err := entitlement.NewCounters(s, entitlement.CountersConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	var applied atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := counters.IncrementOnce(ctx, "ws_1", "sms_send", 1, "evt_1")
			assert.NoError(t, err)
			if ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	v, err := counters.Get(ctx, "ws_1", "sms_send")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
}
