// Package subscription manages a workspace's subscription lifecycle on the
// billing provider. Every mutation invalidates the workspace's cached
// entitlements so the next read reflects it.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vikram2000b/sage-billing-engine/internal/tracing"
	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
	"github.com/vikram2000b/sage-billing-engine/pkg/entitlement"
	"github.com/vikram2000b/sage-billing-engine/pkg/events"
	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
)

// DefaultInvoiceLimit caps ListInvoices when no limit is given.
const DefaultInvoiceLimit = 50

// Invalidator drops a workspace's cached entitlement snapshot.
type Invalidator interface {
	Invalidate(ctx context.Context, workspaceID string) error
}

// View is a subscription as returned to callers.
type View struct {
	SubscriptionID     string                     `json:"subscription_id"`
	WorkspaceID        string                     `json:"workspace_id"`
	CustomerID         string                     `json:"customer_id"`
	Tier               billing.PlanTier           `json:"plan_tier"`
	Status             billing.SubscriptionStatus `json:"status"`
	CollectionMethod   billing.CollectionMethod   `json:"collection_method"`
	PreferredGateway   billing.PaymentGateway     `json:"preferred_gateway"`
	CurrentPeriodStart time.Time                  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time                  `json:"current_period_end"`
	CancelAtPeriodEnd  bool                       `json:"cancel_at_period_end"`
	Paused             bool                       `json:"paused"`
	TrialEnd           *time.Time                 `json:"trial_end,omitempty"`
	Metadata           map[string]string          `json:"metadata,omitempty"`
}

func newView(sub *billing.SubscriptionView, workspaceID string) *View {
	v := &View{
		SubscriptionID:     sub.ID,
		WorkspaceID:        workspaceID,
		CustomerID:         sub.CustomerID,
		Tier:               sub.PrimaryProduct().Tier(),
		Status:             sub.Status,
		CollectionMethod:   sub.CollectionMethod,
		PreferredGateway:   sub.PreferredGateway,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		Paused:             sub.Paused,
		TrialEnd:           sub.TrialEnd,
	}
	if v.CollectionMethod == "" {
		v.CollectionMethod = billing.ChargeAutomatically
	}
	if v.PreferredGateway == "" {
		v.PreferredGateway = billing.GatewayStripe
	}
	if len(sub.Metadata) > 0 {
		v.Metadata = make(map[string]string, len(sub.Metadata))
		for k, val := range sub.Metadata {
			if k == billing.MetadataPreferredGateway {
				continue
			}
			v.Metadata[k] = val
		}
	}
	return v
}

// CreateRequest describes a new subscription.
type CreateRequest struct {
	WorkspaceID      string                   `json:"workspace_id"`
	UserID           string                   `json:"user_id"`
	Email            string                   `json:"email"`
	PriceID          string                   `json:"plan_price_id"`
	CollectionMethod billing.CollectionMethod `json:"collection_method"`
	PreferredGateway billing.PaymentGateway   `json:"preferred_gateway"`
	TrialDays        int                      `json:"trial_days"`
	Metadata         map[string]string        `json:"metadata,omitempty"`
}

// Service implements the subscription lifecycle operations.
type Service struct {
	provider billing.Provider
	cache    Invalidator
	logger   logging.Logger
}

// NewService creates a subscription service.
func NewService(provider billing.Provider, cache Invalidator, logger logging.Logger) (*Service, error) {
	if provider == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	if cache == nil {
		return nil, errors.New("subscription: cache is required")
	}
	return &Service{provider: provider, cache: cache, logger: logging.OrNoop(logger)}, nil
}

// Get returns the workspace's current subscription.
func (s *Service) Get(ctx context.Context, workspaceID string) (*View, error) {
	ctx, span := tracing.StartSpan(ctx, "subscription.get", tracing.WorkspaceID(workspaceID))
	sub, err := s.active(ctx, workspaceID)
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}
	return newView(sub, workspaceID), nil
}

// Create finds or creates the workspace's customer and subscribes it to
// the requested price.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*View, error) {
	if req.WorkspaceID == "" {
		return nil, entitlement.ErrInvalidWorkspace
	}
	if req.PriceID == "" {
		return nil, fmt.Errorf("%w: missing plan_price_id", events.ErrMalformed)
	}
	if req.CollectionMethod == "" {
		req.CollectionMethod = billing.ChargeAutomatically
	}
	if req.PreferredGateway == "" {
		req.PreferredGateway = billing.GatewayStripe
	}

	ctx, span := tracing.StartSpan(ctx, "subscription.create", tracing.WorkspaceID(req.WorkspaceID))
	view, err := s.create(ctx, req)
	tracing.End(span, err)
	return view, err
}

func (s *Service) create(ctx context.Context, req CreateRequest) (*View, error) {
	customerMeta := map[string]string{}
	if req.UserID != "" {
		customerMeta[billing.MetadataUserID] = req.UserID
	}
	customer, err := s.provider.GetOrCreateCustomer(ctx, billing.CustomerParams{
		WorkspaceID: req.WorkspaceID,
		Email:       req.Email,
		Metadata:    customerMeta,
	})
	if err != nil {
		return nil, err
	}

	meta := map[string]string{billing.MetadataWorkspaceID: req.WorkspaceID}
	if req.UserID != "" {
		meta[billing.MetadataUserID] = req.UserID
	}
	for k, v := range req.Metadata {
		meta[k] = v
	}

	sub, err := s.provider.CreateSubscription(ctx, billing.SubscriptionParams{
		WorkspaceID:      req.WorkspaceID,
		CustomerID:       customer.ID,
		PriceID:          req.PriceID,
		CollectionMethod: req.CollectionMethod,
		PreferredGateway: req.PreferredGateway,
		TrialDays:        req.TrialDays,
		Metadata:         meta,
	})
	if err != nil {
		return nil, err
	}
	if err := s.invalidate(ctx, req.WorkspaceID); err != nil {
		return nil, err
	}

	s.logger.Info("subscription created",
		logging.Workspace(req.WorkspaceID),
		logging.F("subscription_id", sub.ID),
	)
	return newView(sub, req.WorkspaceID), nil
}

// Cancel cancels the active subscription, at period end unless immediately.
func (s *Service) Cancel(ctx context.Context, workspaceID string, immediately bool) (*View, error) {
	return s.mutate(ctx, "subscription.cancel", workspaceID, s.active,
		func(ctx context.Context, id string) (*billing.SubscriptionView, error) {
			return s.provider.CancelSubscription(ctx, id, immediately)
		})
}

// ChangePlan moves the active subscription to a new price.
func (s *Service) ChangePlan(ctx context.Context, workspaceID, priceID string, proration billing.ProrationBehavior) (*View, error) {
	if priceID == "" {
		return nil, fmt.Errorf("%w: missing new_price_id", events.ErrMalformed)
	}
	if proration == "" {
		proration = billing.ProrationCreate
	}
	return s.mutate(ctx, "subscription.change_plan", workspaceID, s.active,
		func(ctx context.Context, id string) (*billing.SubscriptionView, error) {
			return s.provider.ChangePrice(ctx, id, priceID, proration)
		})
}

// RevokeCancellation clears a pending end-of-period cancellation.
func (s *Service) RevokeCancellation(ctx context.Context, workspaceID string) (*View, error) {
	return s.mutate(ctx, "subscription.revoke_cancellation", workspaceID, s.active, s.provider.RevokeCancellation)
}

// Pause pauses collection on the active subscription.
func (s *Service) Pause(ctx context.Context, workspaceID string) (*View, error) {
	return s.mutate(ctx, "subscription.pause", workspaceID, s.active, s.provider.PauseSubscription)
}

// Resume resumes the workspace's most recent subscription. A paused
// subscription is not necessarily active, so status is not considered.
func (s *Service) Resume(ctx context.Context, workspaceID string) (*View, error) {
	return s.mutate(ctx, "subscription.resume", workspaceID, s.latest, s.provider.ResumeSubscription)
}

type lookupFunc func(ctx context.Context, workspaceID string) (*billing.SubscriptionView, error)

type mutateFunc func(ctx context.Context, subscriptionID string) (*billing.SubscriptionView, error)

func (s *Service) mutate(ctx context.Context, op, workspaceID string, lookup lookupFunc, fn mutateFunc) (*View, error) {
	ctx, span := tracing.StartSpan(ctx, op, tracing.WorkspaceID(workspaceID))
	view, err := func() (*View, error) {
		sub, err := lookup(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		updated, err := fn(ctx, sub.ID)
		if err != nil {
			return nil, err
		}
		if err := s.invalidate(ctx, workspaceID); err != nil {
			return nil, err
		}
		s.logger.Info(op,
			logging.Workspace(workspaceID),
			logging.F("subscription_id", updated.ID),
			logging.F("status", string(updated.Status)),
		)
		return newView(updated, workspaceID), nil
	}()
	tracing.End(span, err)
	return view, err
}

func (s *Service) customer(ctx context.Context, workspaceID string) (*billing.Customer, error) {
	if workspaceID == "" {
		return nil, entitlement.ErrInvalidWorkspace
	}
	return s.provider.GetCustomerByWorkspace(ctx, workspaceID)
}

func (s *Service) active(ctx context.Context, workspaceID string) (*billing.SubscriptionView, error) {
	customer, err := s.customer(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return s.provider.GetActiveSubscription(ctx, customer.ID)
}

func (s *Service) latest(ctx context.Context, workspaceID string) (*billing.SubscriptionView, error) {
	customer, err := s.customer(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	subs, err := s.provider.ListSubscriptions(ctx, customer.ID, 1)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("%w: workspace %s", billing.ErrSubscriptionNotFound, workspaceID)
	}
	return subs[0], nil
}

func (s *Service) invalidate(ctx context.Context, workspaceID string) error {
	if err := s.cache.Invalidate(ctx, workspaceID); err != nil {
		return fmt.Errorf("invalidate %s: %w", workspaceID, err)
	}
	return nil
}

// ListInvoices returns the workspace's invoices, newest first. A workspace
// without a billing customer has none.
func (s *Service) ListInvoices(ctx context.Context, workspaceID string, status billing.InvoiceStatus, limit int) ([]*billing.Invoice, error) {
	if limit <= 0 {
		limit = DefaultInvoiceLimit
	}
	customer, err := s.customer(ctx, workspaceID)
	if errors.Is(err, billing.ErrCustomerNotFound) {
		return []*billing.Invoice{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.provider.ListInvoices(ctx, customer.ID, status, limit)
}

// GetInvoice returns one invoice.
func (s *Service) GetInvoice(ctx context.Context, invoiceID string) (*billing.Invoice, error) {
	return s.provider.GetInvoice(ctx, invoiceID)
}

// SendInvoice finalizes and emails an open invoice to the customer.
func (s *Service) SendInvoice(ctx context.Context, invoiceID string) (*billing.Invoice, error) {
	inv, err := s.provider.SendInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("invoice sent", logging.F("invoice_id", invoiceID))
	return inv, nil
}

// VoidInvoice voids an invoice that will not be collected.
func (s *Service) VoidInvoice(ctx context.Context, invoiceID string) (*billing.Invoice, error) {
	inv, err := s.provider.VoidInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("invoice voided", logging.F("invoice_id", invoiceID))
	return inv, nil
}
