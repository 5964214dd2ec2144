// Package usage records metered activity: it pushes each event to the
// provider's meter and mirrors it into the local usage counter.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/vikram2000b/sage-billing-engine/internal/tracing"
	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
	"github.com/vikram2000b/sage-billing-engine/pkg/entitlement"
	"github.com/vikram2000b/sage-billing-engine/pkg/events"
	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
	"github.com/vikram2000b/sage-billing-engine/pkg/queue"
)

var (
	// ErrMalformed is returned for events missing required fields.
	ErrMalformed = events.ErrMalformed

	// ErrUnknownMeter is returned when an event type has no provider meter.
	// It is always wrapped together with ErrMalformed.
	ErrUnknownMeter = errors.New("unknown usage meter")

	// ErrQueueNotConfigured is returned by Publish without a publisher.
	ErrQueueNotConfigured = errors.New("usage queue not configured")
)

// StatusRecorded is the status of a successfully recorded event.
const StatusRecorded = "recorded"

// DefaultMeters maps usage types to provider meter event names.
func DefaultMeters() map[events.UsageEventType]string {
	return map[events.UsageEventType]string{
		events.UsageAICredits:       "ai_credits",
		events.UsageWhatsAppMessage: "whatsapp_messages",
		events.UsageEmailSend:       "email_sends",
		events.UsageSMSSend:         "sms_sends",
	}
}

// AuditHook observes every usage event that was recorded.
type AuditHook interface {
	RecordUsage(ctx context.Context, event *events.UsageEvent, result *RecordResult)
}

// NoopAudit discards audit records.
type NoopAudit struct{}

func (NoopAudit) RecordUsage(context.Context, *events.UsageEvent, *RecordResult) {}

// Config holds recorder configuration.
type Config struct {
	// Queue is the usage queue Publish writes to.
	Queue string

	// Meters maps usage types to provider meter names (default: DefaultMeters()).
	Meters map[events.UsageEventType]string

	Audit  AuditHook
	Logger logging.Logger
}

// RecordResult is the outcome of a synchronous record.
type RecordResult struct {
	Status          string  `json:"status"`
	ProviderEventID string  `json:"meter_event_id,omitempty"`
	CurrentTotal    float64 `json:"current_total"`
}

// Recorder implements the usage write path.
type Recorder struct {
	provider  billing.Provider
	counters  *entitlement.Counters
	publisher queue.Publisher
	config    Config
	logger    logging.Logger
}

// NewRecorder creates a recorder. publisher may be nil when only the
// synchronous path is used.
func NewRecorder(provider billing.Provider, counters *entitlement.Counters, publisher queue.Publisher, config Config) (*Recorder, error) {
	if provider == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	if counters == nil {
		return nil, entitlement.ErrStoreUnavailable
	}
	if config.Meters == nil {
		config.Meters = DefaultMeters()
	}
	if config.Audit == nil {
		config.Audit = NoopAudit{}
	}
	return &Recorder{
		provider:  provider,
		counters:  counters,
		publisher: publisher,
		config:    config,
		logger:    logging.OrNoop(config.Logger),
	}, nil
}

func (r *Recorder) meterFor(t events.UsageEventType) (string, error) {
	name, ok := r.config.Meters[t]
	if !ok || name == "" {
		return "", fmt.Errorf("%w: %w: %q", ErrMalformed, ErrUnknownMeter, t)
	}
	return name, nil
}

// Record pushes the event to the provider and then increments the local
// counter. A failed push leaves the counter untouched.
func (r *Recorder) Record(ctx context.Context, e *events.UsageEvent) (*RecordResult, error) {
	ctx, span := tracing.StartSpan(ctx, "usage.record",
		tracing.WorkspaceID(e.WorkspaceID),
		tracing.EventType(string(e.EventType)),
		tracing.Value(e.Value),
	)
	res, err := r.record(ctx, e)
	tracing.End(span, err)
	return res, err
}

func (r *Recorder) record(ctx context.Context, e *events.UsageEvent) (*RecordResult, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	meter, err := r.meterFor(e.EventType)
	if err != nil {
		return nil, err
	}

	eventID, err := r.push(ctx, e, meter)
	if err != nil {
		return nil, err
	}

	total, _, err := r.counters.IncrementOnce(ctx, e.WorkspaceID, string(e.EventType), e.Value, e.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	res := &RecordResult{Status: StatusRecorded, ProviderEventID: eventID, CurrentTotal: total}
	r.config.Audit.RecordUsage(ctx, e, res)
	r.logger.Info("usage recorded",
		logging.Workspace(e.WorkspaceID),
		logging.EventType(string(e.EventType)),
		logging.F("value", e.Value),
		logging.F("total", total),
	)
	return res, nil
}

// push resolves the billing customer and reports the meter event.
func (r *Recorder) push(ctx context.Context, e *events.UsageEvent, meter string) (string, error) {
	customer, err := r.provider.GetCustomerByWorkspace(ctx, e.WorkspaceID)
	if err != nil {
		return "", err
	}
	event := billing.MeterEvent{
		EventName:  meter,
		CustomerID: customer.ID,
		Value:      e.Value,
		Identifier: e.IdempotencyKey,
	}
	if e.Timestamp != nil {
		event.Timestamp = *e.Timestamp
	}
	id, err := r.provider.ReportMeterEvent(ctx, event)
	if err != nil {
		return "", fmt.Errorf("report meter event: %w", err)
	}
	return id, nil
}

// Publish validates the event and enqueues it for asynchronous recording.
// Events for one workspace share a message group; the idempotency key is
// the deduplication id.
func (r *Recorder) Publish(ctx context.Context, e *events.UsageEvent) (string, error) {
	if r.publisher == nil || r.config.Queue == "" {
		return "", ErrQueueNotConfigured
	}
	if err := e.Validate(); err != nil {
		return "", err
	}
	if _, err := r.meterFor(e.EventType); err != nil {
		return "", err
	}

	msg := *e
	if msg.Timestamp == nil {
		now := time.Now().UTC()
		msg.Timestamp = &now
	}
	body, err := json.Marshal(&msg)
	if err != nil {
		return "", fmt.Errorf("encode usage event: %w", err)
	}

	ctx, span := tracing.StartSpan(ctx, "usage.publish", tracing.WorkspaceID(e.WorkspaceID))
	id, err := r.publisher.Publish(ctx, r.config.Queue, body, queue.PublishOptions{
		GroupID:         e.WorkspaceID,
		DeduplicationID: e.IdempotencyKey,
	})
	tracing.End(span, err)
	if err != nil {
		return "", fmt.Errorf("publish usage event: %w", err)
	}
	r.logger.Debug("usage event published",
		logging.Workspace(e.WorkspaceID),
		logging.F("message_id", id),
	)
	return id, nil
}

// Handle is the usage queue handler. The provider push decides the outcome;
// a failed counter update is logged and the message still acked.
func (r *Recorder) Handle(ctx context.Context, body []byte) queue.Result {
	e, err := events.ParseUsageEvent(body)
	if err != nil {
		r.logger.Warn("invalid usage event, skipping", logging.Err(err))
		return queue.Drop(err.Error())
	}

	ctx, span := tracing.StartSpan(ctx, "consumer.usage_event",
		tracing.WorkspaceID(e.WorkspaceID),
		tracing.EventType(string(e.EventType)),
	)
	res := r.handle(ctx, e)
	var spanErr error
	if res.Outcome == queue.OutcomeRetry {
		spanErr = res.Err
	}
	tracing.End(span, spanErr)
	return res
}

func (r *Recorder) handle(ctx context.Context, e *events.UsageEvent) queue.Result {
	fields := []logging.Field{logging.Workspace(e.WorkspaceID), logging.EventType(string(e.EventType))}

	meter, err := r.meterFor(e.EventType)
	if err != nil {
		r.logger.Error("unknown usage event type", append(fields, logging.Err(err))...)
		return queue.Drop(err.Error())
	}

	eventID, err := r.push(ctx, e, meter)
	switch {
	case errors.Is(err, billing.ErrCustomerNotFound):
		r.logger.Error("no billing customer, cannot meter usage", fields...)
		return queue.Drop(err.Error())
	case err != nil:
		return queue.Retry(err)
	}

	total, applied, err := r.counters.IncrementOnce(ctx, e.WorkspaceID, string(e.EventType), e.Value, e.IdempotencyKey)
	if err != nil {
		r.logger.Warn("failed to update usage counter", append(fields, logging.Err(err))...)
	} else if !applied {
		r.logger.Info("usage already counted, skipping counter", append(fields, logging.F("idempotency_key", e.IdempotencyKey))...)
	}

	r.config.Audit.RecordUsage(ctx, e, &RecordResult{Status: StatusRecorded, ProviderEventID: eventID, CurrentTotal: total})
	r.logger.Info("usage event processed", append(fields, logging.F("value", e.Value), logging.F("total", total))...)
	return queue.Ack()
}

// Report is a workspace's provider-side usage over a period.
type Report struct {
	WorkspaceID string                              `json:"workspace_id"`
	PeriodStart time.Time                           `json:"period_start"`
	PeriodEnd   time.Time                           `json:"period_end"`
	Meters      map[string]entitlement.UsageSummary `json:"meters"`
}

// Report aggregates provider meter summaries for the workspace. Nil bounds
// default to the active subscription's current period. A meter whose
// summary cannot be fetched reports zero.
func (r *Recorder) Report(ctx context.Context, workspaceID string, start, end *time.Time) (*Report, error) {
	ctx, span := tracing.StartSpan(ctx, "usage.report", tracing.WorkspaceID(workspaceID))
	rep, err := r.report(ctx, workspaceID, start, end)
	tracing.End(span, err)
	return rep, err
}

func (r *Recorder) report(ctx context.Context, workspaceID string, start, end *time.Time) (*Report, error) {
	if workspaceID == "" {
		return nil, entitlement.ErrInvalidWorkspace
	}
	customer, err := r.provider.GetCustomerByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	sub, err := r.provider.GetActiveSubscription(ctx, customer.ID)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		WorkspaceID: workspaceID,
		PeriodStart: sub.CurrentPeriodStart,
		PeriodEnd:   sub.CurrentPeriodEnd,
		Meters:      make(map[string]entitlement.UsageSummary, len(r.config.Meters)),
	}
	if start != nil {
		rep.PeriodStart = *start
	}
	if end != nil {
		rep.PeriodEnd = *end
	}

	types := make([]string, 0, len(r.config.Meters))
	for t := range r.config.Meters {
		types = append(types, string(t))
	}
	sort.Strings(types)

	for _, t := range types {
		meter := r.config.Meters[events.UsageEventType(t)]
		v, err := r.provider.MeterSummary(ctx, meter, customer.ID, rep.PeriodStart, rep.PeriodEnd)
		if err != nil {
			r.logger.Warn("could not fetch meter summary",
				logging.Workspace(workspaceID),
				logging.Meter(meter),
				logging.Err(err),
			)
			v = 0
		}
		rep.Meters[t] = entitlement.UsageSummary{Used: v}
	}
	return rep, nil
}
