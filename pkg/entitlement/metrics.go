package entitlement

import "time"

// Metrics defines the interface for tracking cache and counter operations.
type Metrics interface {
	// RecordCacheHit records a snapshot served from the store.
	RecordCacheHit()

	// RecordCacheMiss records a snapshot rebuilt from the provider.
	// refresh is true when the caller bypassed a live entry.
	RecordCacheMiss(refresh bool)

	// RecordRebuild records the duration and outcome of a provider rebuild.
	RecordRebuild(duration time.Duration, err error)

	// RecordInvalidation records an explicit cache invalidation.
	RecordInvalidation()

	// RecordCounterIncrement records a usage counter increment.
	RecordCounterIncrement(meter string, amount float64)

	// RecordCounterReset records a usage counter reset.
	RecordCounterReset(meter string)

	// RecordStorageOperation records the duration and status of a store operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordCacheHit()                                                            {}
func (n *NoopMetrics) RecordCacheMiss(refresh bool)                                               {}
func (n *NoopMetrics) RecordRebuild(duration time.Duration, err error)                            {}
func (n *NoopMetrics) RecordInvalidation()                                                        {}
func (n *NoopMetrics) RecordCounterIncrement(meter string, amount float64)                        {}
func (n *NoopMetrics) RecordCounterReset(meter string)                                            {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
