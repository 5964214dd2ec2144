package usage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
	"github.com/vikram2000b/sage-billing-engine/pkg/billing/billingtest"
	"github.com/vikram2000b/sage-billing-engine/pkg/entitlement"
	"github.com/vikram2000b/sage-billing-engine/pkg/events"
	"github.com/vikram2000b/sage-billing-engine/pkg/queue"
	qmemory "github.com/vikram2000b/sage-billing-engine/pkg/queue/memory"
	"github.com/vikram2000b/sage-billing-engine/storage/memory"
)

const usageQueue = "usage-events"

type recordingAudit struct {
	events []*events.UsageEvent
}

func (a *recordingAudit) RecordUsage(_ context.Context, e *events.UsageEvent, _ *RecordResult) {
	a.events = append(a.events, e)
}

type brokenStore struct {
	entitlement.Store
}

func (brokenStore) IncrementFloat(context.Context, string, float64, time.Duration) (float64, error) {
	return 0, entitlement.ErrStoreUnavailable
}

type fixture struct {
	provider *billingtest.Provider
	counters *entitlement.Counters
	queue    *qmemory.Transport
	audit    *recordingAudit
	recorder *Recorder
}

func newFixture(t *testing.T, store entitlement.Store) *fixture {
	t.Helper()
	if store == nil {
		store = memory.New()
	}
	f := &fixture{
		provider: billingtest.New(),
		queue:    qmemory.New(),
		audit:    &recordingAudit{},
	}
	var err error
	f.counters, err = entitlement.NewCounters(store, entitlement.CountersConfig{})
	require.NoError(t, err)
	f.recorder, err = NewRecorder(f.provider, f.counters, f.queue, Config{Queue: usageQueue, Audit: f.audit})
	require.NoError(t, err)
	return f
}

func event(value float64) *events.UsageEvent {
	return &events.UsageEvent{WorkspaceID: "ws_1", EventType: events.UsageAICredits, Value: value}
}

func TestNewRecorder_Validation(t *testing.T) {
	counters, err := entitlement.NewCounters(memory.New(), entitlement.CountersConfig{})
	require.NoError(t, err)

	_, err = NewRecorder(nil, counters, nil, Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
	_, err = NewRecorder(billingtest.New(), nil, nil, Config{})
	assert.ErrorIs(t, err, entitlement.ErrStoreUnavailable)
}

func TestRecord(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.provider.AddCustomer("ws_1", "cus_1")

	res, err := f.recorder.Record(ctx, event(2.5))
	require.NoError(t, err)
	assert.Equal(t, StatusRecorded, res.Status)
	assert.NotEmpty(t, res.ProviderEventID)
	assert.Equal(t, 2.5, res.CurrentTotal)

	res, err = f.recorder.Record(ctx, event(1))
	require.NoError(t, err)
	assert.Equal(t, 3.5, res.CurrentTotal)

	pushed := f.provider.MeterEvents()
	require.Len(t, pushed, 2)
	assert.Equal(t, "ai_credits", pushed[0].EventName)
	assert.Equal(t, "cus_1", pushed[0].CustomerID)
	assert.Len(t, f.audit.events, 2)
}

func TestRecord_UsesProviderMeterName(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.AddCustomer("ws_1", "cus_1")
	ts := time.Date(2026, 2, 17, 10, 30, 0, 0, time.UTC)

	_, err := f.recorder.Record(context.Background(), &events.UsageEvent{
		WorkspaceID:    "ws_1",
		EventType:      events.UsageWhatsAppMessage,
		Value:          1,
		IdempotencyKey: "msg_1",
		Timestamp:      &ts,
	})
	require.NoError(t, err)

	pushed := f.provider.MeterEvents()
	require.Len(t, pushed, 1)
	assert.Equal(t, "whatsapp_messages", pushed[0].EventName)
	assert.Equal(t, "msg_1", pushed[0].Identifier)
	assert.True(t, ts.Equal(pushed[0].Timestamp))

	v, err := f.counters.Get(context.Background(), "ws_1", "whatsapp_message")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
}

func TestRecord_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("malformed", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.recorder.Record(ctx, event(0))
		assert.ErrorIs(t, err, ErrMalformed)
		assert.Equal(t, 0, f.provider.TotalCalls())
	})

	t.Run("unknown meter", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.recorder.Record(ctx, &events.UsageEvent{WorkspaceID: "ws_1", EventType: "fax_send", Value: 1})
		assert.ErrorIs(t, err, ErrUnknownMeter)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("no customer", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.recorder.Record(ctx, event(1))
		assert.ErrorIs(t, err, billing.ErrCustomerNotFound)
	})

	t.Run("push failure leaves counter untouched", func(t *testing.T) {
		f := newFixture(t, nil)
		f.provider.AddCustomer("ws_1", "cus_1")
		f.provider.FailOn("ReportMeterEvent", billing.ErrProviderAPIError)

		_, err := f.recorder.Record(ctx, event(1))
		assert.ErrorIs(t, err, billing.ErrProviderAPIError)
		v, err := f.counters.Get(ctx, "ws_1", "ai_credits")
		require.NoError(t, err)
		assert.Equal(t, 0.0, v)
	})

	t.Run("counter failure propagates", func(t *testing.T) {
		f := newFixture(t, brokenStore{Store: memory.New()})
		f.provider.AddCustomer("ws_1", "cus_1")

		_, err := f.recorder.Record(ctx, event(1))
		assert.ErrorIs(t, err, entitlement.ErrStoreUnavailable)
	})
}

func TestPublish(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	e := event(2)
	e.IdempotencyKey = "msg_1"
	id, err := f.recorder.Publish(ctx, e)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// Same idempotency key deduplicates.
	id2, err := f.recorder.Publish(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	bodies := f.queue.Bodies(usageQueue)
	require.Len(t, bodies, 1)
	var got events.UsageEvent
	require.NoError(t, json.Unmarshal(bodies[0], &got))
	assert.Equal(t, "ws_1", got.WorkspaceID)
	assert.Equal(t, 2.0, got.Value)
	assert.NotNil(t, got.Timestamp)
	assert.Nil(t, e.Timestamp, "caller's event is not mutated")

	// Nothing was pushed synchronously.
	assert.Equal(t, 0, f.provider.TotalCalls())
}

func TestPublish_Errors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.recorder.Publish(ctx, event(-1))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = f.recorder.Publish(ctx, &events.UsageEvent{WorkspaceID: "ws_1", EventType: "fax_send", Value: 1})
	assert.ErrorIs(t, err, ErrUnknownMeter)

	noQueue, err := NewRecorder(f.provider, f.counters, nil, Config{})
	require.NoError(t, err)
	_, err = noQueue.Publish(ctx, event(1))
	assert.ErrorIs(t, err, ErrQueueNotConfigured)
}

func body(t *testing.T, e *events.UsageEvent) []byte {
	t.Helper()
	b, err := json.Marshal(e)
	require.NoError(t, err)
	return b
}

func TestHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("records and acks", func(t *testing.T) {
		f := newFixture(t, nil)
		f.provider.AddCustomer("ws_1", "cus_1")

		res := f.recorder.Handle(ctx, body(t, event(3)))
		assert.Equal(t, queue.OutcomeAck, res.Outcome)
		v, err := f.counters.Get(ctx, "ws_1", "ai_credits")
		require.NoError(t, err)
		assert.Equal(t, 3.0, v)
		assert.Len(t, f.audit.events, 1)
	})

	t.Run("malformed drops", func(t *testing.T) {
		f := newFixture(t, nil)
		assert.Equal(t, queue.OutcomeDrop, f.recorder.Handle(ctx, []byte(`{"workspace_id":"ws_1"}`)).Outcome)
		assert.Equal(t, queue.OutcomeDrop, f.recorder.Handle(ctx, []byte(`garbage`)).Outcome)
		assert.Equal(t, 0, f.provider.TotalCalls())
	})

	t.Run("unknown meter drops", func(t *testing.T) {
		f := newFixture(t, nil)
		f.provider.AddCustomer("ws_1", "cus_1")
		res := f.recorder.Handle(ctx, []byte(`{"workspace_id":"ws_1","event_type":"fax_send","value":1}`))
		assert.Equal(t, queue.OutcomeDrop, res.Outcome)
	})

	t.Run("no customer drops", func(t *testing.T) {
		f := newFixture(t, nil)
		assert.Equal(t, queue.OutcomeDrop, f.recorder.Handle(ctx, body(t, event(1))).Outcome)
	})

	t.Run("provider failure retries", func(t *testing.T) {
		f := newFixture(t, nil)
		f.provider.AddCustomer("ws_1", "cus_1")
		f.provider.FailOn("ReportMeterEvent", errors.New("stripe 500"))

		res := f.recorder.Handle(ctx, body(t, event(1)))
		assert.Equal(t, queue.OutcomeRetry, res.Outcome)
		v, err := f.counters.Get(ctx, "ws_1", "ai_credits")
		require.NoError(t, err)
		assert.Equal(t, 0.0, v)
	})

	t.Run("customer lookup failure retries", func(t *testing.T) {
		f := newFixture(t, nil)
		f.provider.FailOn("GetCustomerByWorkspace", billing.ErrProviderAPIError)
		assert.Equal(t, queue.OutcomeRetry, f.recorder.Handle(ctx, body(t, event(1))).Outcome)
	})

	t.Run("counter failure still acks", func(t *testing.T) {
		f := newFixture(t, brokenStore{Store: memory.New()})
		f.provider.AddCustomer("ws_1", "cus_1")

		res := f.recorder.Handle(ctx, body(t, event(1)))
		assert.Equal(t, queue.OutcomeAck, res.Outcome)
		assert.Len(t, f.provider.MeterEvents(), 1)
	})

	t.Run("redelivery does not double count", func(t *testing.T) {
		f := newFixture(t, nil)
		f.provider.AddCustomer("ws_1", "cus_1")
		e := event(2)
		e.IdempotencyKey = "msg_7"

		for i := 0; i < 3; i++ {
			assert.Equal(t, queue.OutcomeAck, f.recorder.Handle(ctx, body(t, e)).Outcome)
		}
		v, err := f.counters.Get(ctx, "ws_1", "ai_credits")
		require.NoError(t, err)
		assert.Equal(t, 2.0, v)
	})
}

func TestReport(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.provider.AddCustomer("ws_1", "cus_1")
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	f.provider.AddSubscription(&billing.SubscriptionView{
		ID:                 "sub_1",
		CustomerID:         "cus_1",
		Status:             billing.StatusActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
	})

	inPeriod := start.Add(24 * time.Hour)
	for _, e := range []*events.UsageEvent{
		{WorkspaceID: "ws_1", EventType: events.UsageAICredits, Value: 4, Timestamp: &inPeriod},
		{WorkspaceID: "ws_1", EventType: events.UsageAICredits, Value: 1, Timestamp: &inPeriod},
		{WorkspaceID: "ws_1", EventType: events.UsageEmailSend, Value: 10, Timestamp: &inPeriod},
	} {
		_, err := f.recorder.Record(ctx, e)
		require.NoError(t, err)
	}

	rep, err := f.recorder.Report(ctx, "ws_1", nil, nil)
	require.NoError(t, err)
	assert.True(t, rep.PeriodStart.Equal(start))
	assert.True(t, rep.PeriodEnd.Equal(end))
	assert.Equal(t, 5.0, rep.Meters["ai_credits"].Used)
	assert.Equal(t, 10.0, rep.Meters["email_send"].Used)
	assert.Equal(t, 0.0, rep.Meters["sms_send"].Used)
	assert.Len(t, rep.Meters, 4)
}

func TestReport_DegradesPerMeter(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.provider.AddCustomer("ws_1", "cus_1")
	f.provider.AddSubscription(&billing.SubscriptionView{ID: "sub_1", CustomerID: "cus_1", Status: billing.StatusActive})
	f.provider.FailOn("MeterSummary", billing.ErrMeterNotFound)

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rep, err := f.recorder.Report(ctx, "ws_1", &from, nil)
	require.NoError(t, err)
	assert.True(t, rep.PeriodStart.Equal(from))
	for _, m := range rep.Meters {
		assert.Equal(t, 0.0, m.Used)
	}
}

func TestReport_Errors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.recorder.Report(ctx, "", nil, nil)
	assert.ErrorIs(t, err, entitlement.ErrInvalidWorkspace)

	_, err = f.recorder.Report(ctx, "ws_1", nil, nil)
	assert.ErrorIs(t, err, billing.ErrCustomerNotFound)

	f.provider.AddCustomer("ws_1", "cus_1")
	_, err = f.recorder.Report(ctx, "ws_1", nil, nil)
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
}
