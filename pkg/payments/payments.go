// Package payments reconciles payments collected outside the billing
// provider (alternate gateway, bank transfer, accounting ledger) against
// provider invoices.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vikram2000b/sage-billing-engine/internal/tracing"
	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
	"github.com/vikram2000b/sage-billing-engine/pkg/events"
	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
	"github.com/vikram2000b/sage-billing-engine/pkg/notify"
	"github.com/vikram2000b/sage-billing-engine/pkg/queue"
)

// Razorpay note keys carrying the reconciliation target.
const (
	NoteInvoiceID   = "stripe_invoice_id"
	NoteWorkspaceID = "workspace_id"
)

// ErrMissingInvoice is returned when a payment names no provider invoice.
var ErrMissingInvoice = errors.New("payment has no invoice reference")

// InvoiceMarker marks provider invoices paid out of band.
type InvoiceMarker interface {
	MarkInvoicePaidOutOfBand(ctx context.Context, invoiceID string) (*billing.Invoice, error)
}

// Invalidator drops a workspace's cached entitlement snapshot.
type Invalidator interface {
	Invalidate(ctx context.Context, workspaceID string) error
}

// AuditHook observes every reconciled payment.
type AuditHook interface {
	RecordPayment(ctx context.Context, event *events.PaymentEvent, invoice *billing.Invoice)
}

// NoopAudit discards audit records.
type NoopAudit struct{}

func (NoopAudit) RecordPayment(context.Context, *events.PaymentEvent, *billing.Invoice) {}

// Config holds the handler configuration.
type Config struct {
	Notifier notify.Notifier
	Audit    AuditHook
	Logger   logging.Logger
}

// Handler processes external payment events.
type Handler struct {
	invoices InvoiceMarker
	cache    Invalidator
	notifier notify.Notifier
	audit    AuditHook
	logger   logging.Logger
}

// NewHandler creates a payment event handler.
func NewHandler(invoices InvoiceMarker, cache Invalidator, config Config) (*Handler, error) {
	if invoices == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	if cache == nil {
		return nil, errors.New("payments: cache is required")
	}
	audit := config.Audit
	if audit == nil {
		audit = NoopAudit{}
	}
	return &Handler{
		invoices: invoices,
		cache:    cache,
		notifier: notify.OrNoop(config.Notifier),
		audit:    audit,
		logger:   logging.OrNoop(config.Logger),
	}, nil
}

// Handle is the payment queue handler.
func (h *Handler) Handle(ctx context.Context, body []byte) queue.Result {
	e, err := events.ParsePaymentEvent(body)
	if err != nil {
		h.logger.Warn("invalid payment event, skipping", logging.Err(err))
		return queue.Drop(err.Error())
	}
	return h.HandleEvent(ctx, e)
}

// HandleEvent processes one decoded event. It is also the inline path used
// when webhooks are not forwarded through a queue.
func (h *Handler) HandleEvent(ctx context.Context, e *events.PaymentEvent) queue.Result {
	ctx, span := tracing.StartSpan(ctx, "consumer.payment_event",
		attribute.String("payment.source", string(e.Source)),
		tracing.EventType(e.EventType),
	)
	h.logger.Info("processing payment event",
		logging.F("source", string(e.Source)),
		logging.EventType(e.EventType),
	)

	var res queue.Result
	switch e.Source {
	case events.SourceRazorpay:
		res = h.razorpay(ctx, e)
	case events.SourceManual:
		res = h.manual(ctx, e)
	case events.SourceZohoBooks:
		// Ledger reconciliation is not wired yet; record the event only.
		h.logger.Info("zoho books event", logging.EventType(e.EventType))
		res = queue.Ack()
	case events.SourceStripe:
		h.logger.Info("provider-native payment event, nothing to reconcile", logging.EventType(e.EventType))
		res = queue.Ack()
	default:
		h.logger.Warn("unknown payment source", logging.F("source", string(e.Source)))
		res = queue.Drop("unknown payment source " + strconv.Quote(string(e.Source)))
	}

	var spanErr error
	if res.Outcome == queue.OutcomeRetry {
		spanErr = res.Err
	}
	tracing.End(span, spanErr)
	return res
}

func (h *Handler) razorpay(ctx context.Context, e *events.PaymentEvent) queue.Result {
	notes, paymentID := e.RazorpayNotes()
	ws := notes[NoteWorkspaceID]
	if ws == "" {
		ws = e.WorkspaceID
	}

	switch e.EventType {
	case events.PaymentCaptured:
		invoiceID := notes[NoteInvoiceID]
		if invoiceID == "" {
			h.logger.Error("razorpay payment has no invoice in notes",
				logging.F("payment_id", paymentID),
				logging.Workspace(ws),
			)
			return queue.Drop(ErrMissingInvoice.Error())
		}
		return h.settle(ctx, e, invoiceID, ws,
			logging.F("payment_id", paymentID),
		)

	case events.PaymentFailed:
		h.logger.Warn("razorpay payment failed",
			logging.Workspace(ws),
			logging.F("payment_id", paymentID),
		)
		n := notify.Notification{
			Kind:        notify.ExternalPaymentFailed,
			WorkspaceID: ws,
			ObjectID:    paymentID,
			Source:      string(e.Source),
			Details:     map[string]string{"currency": e.Currency},
		}
		if e.Amount > 0 {
			n.Details["amount"] = strconv.FormatFloat(e.Amount, 'f', -1, 64)
		}
		if e.Timestamp != nil {
			n.OccurredAt = *e.Timestamp
		}
		if err := h.notifier.Notify(ctx, n); err != nil {
			h.logger.Warn("notification failed", logging.Workspace(ws), logging.Err(err))
		}
		return queue.Ack()

	default:
		h.logger.Info("unhandled razorpay event", logging.EventType(e.EventType))
		return queue.Ack()
	}
}

func (h *Handler) manual(ctx context.Context, e *events.PaymentEvent) queue.Result {
	if e.InvoiceID == "" {
		h.logger.Error("manual reconciliation has no invoice",
			logging.Workspace(e.WorkspaceID),
			logging.F("bank_reference", e.BankReference),
		)
		return queue.Drop(ErrMissingInvoice.Error())
	}
	return h.settle(ctx, e, e.InvoiceID, e.WorkspaceID,
		logging.F("bank_reference", e.BankReference),
	)
}

// settle marks the invoice paid and then invalidates the workspace. Either
// failure is retried; marking an already paid invoice again is harmless.
func (h *Handler) settle(ctx context.Context, e *events.PaymentEvent, invoiceID, workspaceID string, extra ...logging.Field) queue.Result {
	fields := append([]logging.Field{
		logging.F("source", string(e.Source)),
		logging.F("invoice_id", invoiceID),
		logging.Workspace(workspaceID),
	}, extra...)

	inv, err := h.invoices.MarkInvoicePaidOutOfBand(ctx, invoiceID)
	if err != nil {
		h.logger.Error("failed to mark invoice paid", append(fields, logging.Err(err))...)
		return queue.Retry(fmt.Errorf("mark invoice %s paid: %w", invoiceID, err))
	}

	if workspaceID != "" {
		if err := h.cache.Invalidate(ctx, workspaceID); err != nil {
			h.logger.Error("failed to invalidate entitlements", append(fields, logging.Err(err))...)
			return queue.Retry(fmt.Errorf("invalidate %s: %w", workspaceID, err))
		}
	}

	h.audit.RecordPayment(ctx, e, inv)
	h.logger.Info("payment reconciled", fields...)
	return queue.Ack()
}

// ReconcileRequest is an operator-confirmed bank transfer.
type ReconcileRequest struct {
	WorkspaceID    string    `json:"workspace_id"`
	InvoiceID      string    `json:"stripe_invoice_id"`
	Amount         float64   `json:"amount"`
	Currency       string    `json:"currency"`
	TransferMethod string    `json:"transfer_method"`
	BankReference  string    `json:"bank_reference"`
	TransferDate   time.Time `json:"transfer_date"`
	Notes          string    `json:"notes,omitempty"`
}

// Event converts the request into a manual reconciliation payment event.
func (r ReconcileRequest) Event() *events.PaymentEvent {
	e := &events.PaymentEvent{
		Source:        events.SourceManual,
		EventType:     events.PaymentReconciled,
		WorkspaceID:   r.WorkspaceID,
		Amount:        r.Amount,
		Currency:      r.Currency,
		InvoiceID:     r.InvoiceID,
		BankReference: r.BankReference,
		Metadata: map[string]interface{}{
			"transfer_method": r.TransferMethod,
		},
	}
	if r.Notes != "" {
		e.Metadata["notes"] = r.Notes
	}
	if !r.TransferDate.IsZero() {
		t := r.TransferDate.UTC()
		e.Timestamp = &t
	}
	return e
}

// ReconcileResult reports the invoice state after a synchronous reconcile.
type ReconcileResult struct {
	Status         string                `json:"status"`
	InvoiceID      string                `json:"invoice_id"`
	InvoiceStatus  billing.InvoiceStatus `json:"invoice_status"`
	TransferMethod string                `json:"transfer_method"`
	BankReference  string                `json:"bank_reference"`
}

// Reconcile marks the invoice paid and invalidates the workspace right away.
func (h *Handler) Reconcile(ctx context.Context, req ReconcileRequest) (*ReconcileResult, error) {
	if req.InvoiceID == "" {
		return nil, fmt.Errorf("%w: %w", events.ErrMalformed, ErrMissingInvoice)
	}
	if req.WorkspaceID == "" {
		return nil, fmt.Errorf("%w: missing workspace_id", events.ErrMalformed)
	}

	ctx, span := tracing.StartSpan(ctx, "payments.reconcile", tracing.WorkspaceID(req.WorkspaceID))
	res, err := h.reconcile(ctx, req)
	tracing.End(span, err)
	return res, err
}

func (h *Handler) reconcile(ctx context.Context, req ReconcileRequest) (*ReconcileResult, error) {
	inv, err := h.invoices.MarkInvoicePaidOutOfBand(ctx, req.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("mark invoice %s paid: %w", req.InvoiceID, err)
	}
	if err := h.cache.Invalidate(ctx, req.WorkspaceID); err != nil {
		return nil, fmt.Errorf("invalidate %s: %w", req.WorkspaceID, err)
	}
	h.audit.RecordPayment(ctx, req.Event(), inv)
	h.logger.Info("manual payment reconciled",
		logging.Workspace(req.WorkspaceID),
		logging.F("invoice_id", req.InvoiceID),
		logging.F("transfer_method", req.TransferMethod),
		logging.F("bank_reference", req.BankReference),
	)
	return &ReconcileResult{
		Status:         "reconciled",
		InvoiceID:      req.InvoiceID,
		InvoiceStatus:  inv.Status,
		TransferMethod: req.TransferMethod,
		BankReference:  req.BankReference,
	}, nil
}
