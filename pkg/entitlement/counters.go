package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
)

// DefaultCounterTTL outlives the longest billing period so counters survive
// until the rollover event resets them.
const DefaultCounterTTL = 35 * 24 * time.Hour

// CountersConfig holds the counter store configuration.
type CountersConfig struct {
	// TTL is re-armed on every increment and reset. Defaults to DefaultCounterTTL.
	TTL time.Duration

	// KeyPrefix is prepended to every key.
	KeyPrefix string

	Metrics Metrics
	Logger  logging.Logger
}

// Counters is the per-workspace, per-meter running usage total.
type Counters struct {
	store   Store
	keys    Keys
	ttl     time.Duration
	metrics Metrics
	logger  logging.Logger
}

// NewCounters creates a counter store over store.
func NewCounters(store Store, config CountersConfig) (*Counters, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}
	if config.TTL <= 0 {
		config.TTL = DefaultCounterTTL
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &Counters{
		store:   store,
		keys:    Keys{Prefix: config.KeyPrefix},
		ttl:     config.TTL,
		metrics: config.Metrics,
		logger:  logging.OrNoop(config.Logger),
	}, nil
}

func validate(workspaceID, meter string) error {
	if workspaceID == "" {
		return ErrInvalidWorkspace
	}
	if meter == "" {
		return ErrInvalidMeter
	}
	return nil
}

// Increment atomically adds amount and returns the new total.
func (c *Counters) Increment(ctx context.Context, workspaceID, meter string, amount float64) (float64, error) {
	if err := validate(workspaceID, meter); err != nil {
		return 0, err
	}
	total, err := c.store.IncrementFloat(ctx, c.keys.Counter(workspaceID, meter), amount, c.ttl)
	if err != nil {
		return 0, fmt.Errorf("increment %s counter: %w", meter, err)
	}
	c.metrics.RecordCounterIncrement(meter, amount)
	c.logger.Debug("usage counter incremented",
		logging.Workspace(workspaceID),
		logging.Meter(meter),
		logging.F("amount", amount),
		logging.F("total", total),
	)
	return total, nil
}

// IncrementOnce increments the counter only if idempotencyKey has not been
// applied before. An empty key always increments. The second return value
// is false when the key was already applied and nothing changed.
func (c *Counters) IncrementOnce(ctx context.Context, workspaceID, meter string, amount float64, idempotencyKey string) (float64, bool, error) {
	if idempotencyKey == "" {
		total, err := c.Increment(ctx, workspaceID, meter, amount)
		return total, err == nil, err
	}
	if err := validate(workspaceID, meter); err != nil {
		return 0, false, err
	}
	first, err := c.store.SetIfAbsentWithTTL(ctx, c.keys.Applied(workspaceID, idempotencyKey), []byte(workspaceID), c.ttl)
	if err != nil {
		return 0, false, fmt.Errorf("mark %s applied: %w", idempotencyKey, err)
	}
	if !first {
		total, err := c.Get(ctx, workspaceID, meter)
		return total, false, err
	}
	total, err := c.Increment(ctx, workspaceID, meter, amount)
	if err != nil {
		// Release the marker so a redelivery can count it.
		if delErr := c.store.Delete(ctx, c.keys.Applied(workspaceID, idempotencyKey)); delErr != nil {
			c.logger.Warn("failed to release idempotency marker",
				logging.F("idempotency_key", idempotencyKey),
				logging.Err(delErr),
			)
		}
		return 0, false, err
	}
	return total, true, nil
}

// Reset overwrites the counter with value.
func (c *Counters) Reset(ctx context.Context, workspaceID, meter string, value float64) error {
	if err := validate(workspaceID, meter); err != nil {
		return err
	}
	raw := []byte(formatFloat(value))
	if err := c.store.SetWithTTL(ctx, c.keys.Counter(workspaceID, meter), raw, c.ttl); err != nil {
		return fmt.Errorf("reset %s counter: %w", meter, err)
	}
	c.metrics.RecordCounterReset(meter)
	return nil
}

// Get returns the current total; a missing counter reads as zero.
func (c *Counters) Get(ctx context.Context, workspaceID, meter string) (float64, error) {
	if err := validate(workspaceID, meter); err != nil {
		return 0, err
	}
	v, err := c.store.GetFloat(ctx, c.keys.Counter(workspaceID, meter))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s counter: %w", meter, err)
	}
	return v, nil
}

// Exceeded reports whether the counter has reached limit. A nil limit is
// unlimited and never exceeded.
func (c *Counters) Exceeded(ctx context.Context, workspaceID, meter string, limit *float64) (bool, error) {
	if limit == nil {
		return false, nil
	}
	v, err := c.Get(ctx, workspaceID, meter)
	if err != nil {
		return false, err
	}
	return v >= *limit, nil
}
