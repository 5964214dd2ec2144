package entitlement

import (
	"context"

	"github.com/vikram2000b/sage-billing-engine/internal/tracing"
)

// Service is the read path: entitlement, feature and usage-limit checks.
type Service struct {
	cache    *Cache
	counters *Counters
}

// NewService creates a read-path service.
func NewService(cache *Cache, counters *Counters) *Service {
	return &Service{cache: cache, counters: counters}
}

// Cache returns the underlying snapshot cache.
func (s *Service) Cache() *Cache { return s.cache }

// Counters returns the underlying counter store.
func (s *Service) Counters() *Counters { return s.counters }

// Entitlements returns the workspace's snapshot.
func (s *Service) Entitlements(ctx context.Context, workspaceID string, opts ...GetOption) (*Snapshot, error) {
	return s.cache.Get(ctx, workspaceID, opts...)
}

// Invalidate drops the workspace's cached snapshot.
func (s *Service) Invalidate(ctx context.Context, workspaceID string) error {
	return s.cache.Invalidate(ctx, workspaceID)
}

// HasFeature reports whether the workspace has an active subscription whose
// plan lists feature.
func (s *Service) HasFeature(ctx context.Context, workspaceID, feature string) (bool, error) {
	snap, err := s.cache.Get(ctx, workspaceID)
	if err != nil {
		return false, err
	}
	return snap.HasActiveSubscription && snap.HasFeature(feature), nil
}

// UsageExceeded compares the live counter against the plan limit from the
// snapshot. Meters without a limit are never exceeded.
func (s *Service) UsageExceeded(ctx context.Context, workspaceID, meter string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "entitlement.usage_exceeded",
		tracing.WorkspaceID(workspaceID),
		tracing.Meter(meter),
	)
	exceeded, err := s.usageExceeded(ctx, workspaceID, meter)
	tracing.End(span, err)
	return exceeded, err
}

func (s *Service) usageExceeded(ctx context.Context, workspaceID, meter string) (bool, error) {
	if meter == "" {
		return false, ErrInvalidMeter
	}
	snap, err := s.cache.Get(ctx, workspaceID)
	if err != nil {
		return false, err
	}
	return s.counters.Exceeded(ctx, workspaceID, meter, snap.Limit(meter))
}
