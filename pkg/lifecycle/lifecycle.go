// Package lifecycle consumes billing provider events and keeps the
// entitlement cache and usage counters in step with subscription and
// invoice state.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vikram2000b/sage-billing-engine/internal/tracing"
	"github.com/vikram2000b/sage-billing-engine/pkg/events"
	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
	"github.com/vikram2000b/sage-billing-engine/pkg/notify"
	"github.com/vikram2000b/sage-billing-engine/pkg/queue"
)

const source = "stripe"

// Invalidator drops a workspace's cached entitlement snapshot.
type Invalidator interface {
	Invalidate(ctx context.Context, workspaceID string) error
}

// CounterResetter overwrites a workspace's usage counter.
type CounterResetter interface {
	Reset(ctx context.Context, workspaceID, meter string, value float64) error
}

// Config holds the handler configuration.
type Config struct {
	// Meters are the counters reset on a billing period rollover
	// (default: events.Meters()).
	Meters []string

	Notifier notify.Notifier
	Logger   logging.Logger
}

// Handler processes billing provider events.
type Handler struct {
	cache    Invalidator
	counters CounterResetter
	meters   []string
	notifier notify.Notifier
	logger   logging.Logger
}

// NewHandler creates a billing event handler.
func NewHandler(cache Invalidator, counters CounterResetter, config Config) (*Handler, error) {
	if cache == nil || counters == nil {
		return nil, errors.New("lifecycle: cache and counters are required")
	}
	meters := config.Meters
	if len(meters) == 0 {
		meters = events.Meters()
	}
	return &Handler{
		cache:    cache,
		counters: counters,
		meters:   meters,
		notifier: notify.OrNoop(config.Notifier),
		logger:   logging.OrNoop(config.Logger),
	}, nil
}

// Handle is the billing queue handler.
func (h *Handler) Handle(ctx context.Context, body []byte) queue.Result {
	e, err := events.ParseBillingEvent(body)
	if err != nil {
		h.logger.Warn("invalid billing event, skipping", logging.Err(err))
		return queue.Drop(err.Error())
	}
	return h.HandleEvent(ctx, e)
}

// HandleEvent processes one decoded event. It is also the inline path used
// when webhooks are not forwarded through a queue.
func (h *Handler) HandleEvent(ctx context.Context, e *events.BillingEvent) queue.Result {
	ctx, span := tracing.StartSpan(ctx, "consumer.billing_event",
		tracing.EventType(e.EventType),
		attribute.String("billing.event_id", e.EventID),
	)
	h.logger.Info("processing billing event",
		logging.EventType(e.EventType),
		logging.F("event_id", e.EventID),
	)

	res := h.dispatch(ctx, e)

	var spanErr error
	if res.Outcome == queue.OutcomeRetry {
		spanErr = res.Err
	}
	tracing.End(span, spanErr)
	return res
}

func (h *Handler) dispatch(ctx context.Context, e *events.BillingEvent) queue.Result {
	switch kind := e.Kind(); kind {
	case events.KindSubscriptionCreated, events.KindSubscriptionDeleted:
		sub, ws, res, ok := h.subscription(e)
		if !ok {
			return res
		}
		if err := h.invalidate(ctx, ws); err != nil {
			return queue.Retry(err)
		}
		h.logger.Info("subscription "+kindVerb(kind),
			logging.Workspace(ws),
			logging.F("subscription_id", sub.ID),
		)
		return queue.Ack()

	case events.KindSubscriptionUpdated:
		return h.subscriptionUpdated(ctx, e)

	case events.KindTrialWillEnd:
		sub, ws, res, ok := h.subscription(e)
		if !ok {
			return res
		}
		n := notify.Notification{Kind: notify.TrialEnding, WorkspaceID: ws, ObjectID: sub.ID}
		if sub.TrialEnd > 0 {
			n.Details = map[string]string{"trial_end": time.Unix(sub.TrialEnd, 0).UTC().Format(time.RFC3339)}
		}
		h.notify(ctx, e, n)
		return queue.Ack()

	case events.KindInvoicePaid, events.KindInvoicePaymentFailed:
		inv, ws, res, ok := h.invoice(e)
		if !ok {
			return res
		}
		if err := h.invalidate(ctx, ws); err != nil {
			return queue.Retry(err)
		}
		fields := []logging.Field{
			logging.Workspace(ws),
			logging.F("invoice_id", inv.ID),
			logging.F("currency", inv.Currency),
		}
		if kind == events.KindInvoicePaid {
			h.logger.Info("invoice paid", append(fields, logging.F("amount_paid", inv.AmountPaid))...)
			return queue.Ack()
		}
		h.logger.Warn("invoice payment failed", append(fields, logging.F("attempt", inv.AttemptCount))...)
		h.notify(ctx, e, notify.Notification{
			Kind:        notify.InvoicePaymentFailed,
			WorkspaceID: ws,
			ObjectID:    inv.ID,
			Details: map[string]string{
				"amount_due":    strconv.FormatInt(inv.AmountDue, 10),
				"currency":      inv.Currency,
				"attempt_count": strconv.Itoa(inv.AttemptCount),
			},
		})
		return queue.Ack()

	case events.KindInvoiceUpcoming:
		inv, ws, res, ok := h.invoice(e)
		if !ok {
			return res
		}
		h.notify(ctx, e, notify.Notification{
			Kind:        notify.InvoiceUpcoming,
			WorkspaceID: ws,
			ObjectID:    inv.ID,
			Details: map[string]string{
				"amount_due": strconv.FormatInt(inv.AmountDue, 10),
				"currency":   inv.Currency,
			},
		})
		return queue.Ack()

	case events.KindMeterUsageReported:
		// Provider-side aggregation; counters are not reconciled against it.
		h.logger.Info("meter usage reported by provider", logging.F("event_id", e.EventID))
		return queue.Ack()

	default:
		h.logger.Info("unhandled billing event type", logging.EventType(e.EventType))
		return queue.Drop("unhandled event type " + e.EventType)
	}
}

func (h *Handler) subscriptionUpdated(ctx context.Context, e *events.BillingEvent) queue.Result {
	sub, ws, res, ok := h.subscription(e)
	if !ok {
		return res
	}
	if err := h.invalidate(ctx, ws); err != nil {
		return queue.Retry(err)
	}

	rollover, err := periodRolledOver(e, sub)
	if err != nil {
		h.logger.Warn("invalid previous attributes, skipping", logging.Workspace(ws), logging.Err(err))
		return queue.Drop(err.Error())
	}
	if rollover {
		h.logger.Info("billing period renewed, resetting usage counters", logging.Workspace(ws))
		for _, meter := range h.meters {
			if err := h.counters.Reset(ctx, ws, meter, 0); err != nil {
				return queue.Retry(fmt.Errorf("reset %s counter: %w", meter, err))
			}
		}
	}

	h.logger.Info("subscription updated",
		logging.Workspace(ws),
		logging.F("subscription_id", sub.ID),
		logging.F("status", sub.Status),
		logging.F("rollover", rollover),
	)
	return queue.Ack()
}

// periodRolledOver checks the event-level diff first, then a diff carried
// on the object itself.
func periodRolledOver(e *events.BillingEvent, sub *subscriptionObject) (bool, error) {
	if raw := e.Data.PreviousAttributes; len(raw) > 0 && string(raw) != "null" {
		var prev previousAttributes
		if err := json.Unmarshal(raw, &prev); err != nil {
			return false, fmt.Errorf("%w: previous_attributes: %v", events.ErrMalformed, err)
		}
		if prev.periodChanged() {
			return true, nil
		}
	}
	return sub.PreviousAttributes.periodChanged(), nil
}

// subscription decodes the event object. ok is false when res should be
// returned as-is.
func (h *Handler) subscription(e *events.BillingEvent) (sub *subscriptionObject, ws string, res queue.Result, ok bool) {
	sub = &subscriptionObject{}
	if err := decodeObject(e, sub); err != nil {
		h.logger.Warn("invalid subscription object, skipping", logging.EventType(e.EventType), logging.Err(err))
		return nil, "", queue.Drop(err.Error()), false
	}
	if ws = sub.workspaceID(); ws == "" {
		h.logger.Warn("no workspace on subscription event, skipping",
			logging.EventType(e.EventType),
			logging.F("subscription_id", sub.ID),
		)
		return nil, "", queue.Drop("no workspace id"), false
	}
	return sub, ws, queue.Result{}, true
}

func (h *Handler) invoice(e *events.BillingEvent) (inv *invoiceObject, ws string, res queue.Result, ok bool) {
	inv = &invoiceObject{}
	if err := decodeObject(e, inv); err != nil {
		h.logger.Warn("invalid invoice object, skipping", logging.EventType(e.EventType), logging.Err(err))
		return nil, "", queue.Drop(err.Error()), false
	}
	if ws = inv.workspaceID(); ws == "" {
		h.logger.Warn("no workspace on invoice event, skipping",
			logging.EventType(e.EventType),
			logging.F("invoice_id", inv.ID),
		)
		return nil, "", queue.Drop("no workspace id"), false
	}
	return inv, ws, queue.Result{}, true
}

func decodeObject(e *events.BillingEvent, v interface{}) error {
	if len(e.Data.Object) == 0 {
		return fmt.Errorf("%w: missing data.object", events.ErrMalformed)
	}
	if err := json.Unmarshal(e.Data.Object, v); err != nil {
		return fmt.Errorf("%w: data.object: %v", events.ErrMalformed, err)
	}
	return nil
}

func (h *Handler) invalidate(ctx context.Context, workspaceID string) error {
	if err := h.cache.Invalidate(ctx, workspaceID); err != nil {
		h.logger.Error("failed to invalidate entitlements", logging.Workspace(workspaceID), logging.Err(err))
		return fmt.Errorf("invalidate %s: %w", workspaceID, err)
	}
	return nil
}

func (h *Handler) notify(ctx context.Context, e *events.BillingEvent, n notify.Notification) {
	n.Source = source
	n.OccurredAt = e.Created.Time
	if err := h.notifier.Notify(ctx, n); err != nil {
		h.logger.Warn("notification failed",
			logging.Workspace(n.WorkspaceID),
			logging.F("kind", string(n.Kind)),
			logging.Err(err),
		)
	}
}

func kindVerb(k events.BillingKind) string {
	if k == events.KindSubscriptionDeleted {
		return "deleted"
	}
	return "created"
}
