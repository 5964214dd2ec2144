// Package notify carries customer-facing billing notifications out of the
// event handlers. Delivery (WhatsApp, email) lives outside this module.
package notify

import (
	"context"
	"time"

	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
)

// Kind identifies what the workspace is being told about.
type Kind string

const (
	TrialEnding           Kind = "trial_ending"
	InvoiceUpcoming       Kind = "invoice_upcoming"
	InvoicePaymentFailed  Kind = "invoice_payment_failed"
	ExternalPaymentFailed Kind = "external_payment_failed"
)

// Notification is passed to the Notifier after an event has been handled.
type Notification struct {
	Kind Kind

	// WorkspaceID is the workspace the notification is addressed to
	WorkspaceID string

	// ObjectID is the provider object that triggered it (subscription,
	// invoice or gateway payment id)
	ObjectID string

	// Source is where the event came from ("stripe", "razorpay", ...)
	Source string

	// OccurredAt is the event time reported by the source
	OccurredAt time.Time

	// Details holds source-specific extras such as amount or attempt count
	Details map[string]string
}

// Notifier delivers notifications. Errors are logged by callers and never
// cause the triggering event to be redelivered.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NoopNotifier discards every notification.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, Notification) error { return nil }

// LogNotifier writes each notification to a logger.
type LogNotifier struct {
	Logger logging.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	fields := []logging.Field{
		logging.F("kind", string(n.Kind)),
		logging.Workspace(n.WorkspaceID),
		logging.F("object_id", n.ObjectID),
		logging.F("source", n.Source),
	}
	for k, v := range n.Details {
		fields = append(fields, logging.F(k, v))
	}
	logging.OrNoop(l.Logger).Info("billing notification", fields...)
	return nil
}

// OrNoop returns n, or a NoopNotifier when n is nil.
func OrNoop(n Notifier) Notifier {
	if n == nil {
		return NoopNotifier{}
	}
	return n
}
