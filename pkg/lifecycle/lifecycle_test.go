package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
	"github.com/vikram2000b/sage-billing-engine/pkg/billing/billingtest"
	"github.com/vikram2000b/sage-billing-engine/pkg/entitlement"
	"github.com/vikram2000b/sage-billing-engine/pkg/events"
	"github.com/vikram2000b/sage-billing-engine/pkg/notify"
	"github.com/vikram2000b/sage-billing-engine/pkg/queue"
	"github.com/vikram2000b/sage-billing-engine/storage/memory"
)

type fakeCache struct {
	invalidated []string
	err         error
}

func (c *fakeCache) Invalidate(_ context.Context, ws string) error {
	if c.err != nil {
		return c.err
	}
	c.invalidated = append(c.invalidated, ws)
	return nil
}

type failingResetter struct{}

func (failingResetter) Reset(context.Context, string, string, float64) error {
	return entitlement.ErrStoreUnavailable
}

type recordingNotifier struct {
	sent []notify.Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Notification) error {
	n.sent = append(n.sent, msg)
	return n.err
}

type fixture struct {
	cache    *fakeCache
	counters *entitlement.Counters
	notifier *recordingNotifier
	handler  *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	counters, err := entitlement.NewCounters(memory.New(), entitlement.CountersConfig{})
	require.NoError(t, err)
	f := &fixture{cache: &fakeCache{}, counters: counters, notifier: &recordingNotifier{}}
	f.handler, err = NewHandler(f.cache, counters, Config{Notifier: f.notifier})
	require.NoError(t, err)
	return f
}

func (f *fixture) seedCounters(t *testing.T, ws string) {
	t.Helper()
	for _, m := range events.Meters() {
		_, err := f.counters.Increment(context.Background(), ws, m, 7)
		require.NoError(t, err)
	}
}

func (f *fixture) counter(t *testing.T, ws, meter string) float64 {
	t.Helper()
	v, err := f.counters.Get(context.Background(), ws, meter)
	require.NoError(t, err)
	return v
}

func TestNewHandler_RequiresDependencies(t *testing.T) {
	_, err := NewHandler(nil, failingResetter{}, Config{})
	assert.Error(t, err)
	_, err = NewHandler(&fakeCache{}, nil, Config{})
	assert.Error(t, err)
}

func TestHandle_SubscriptionEvents(t *testing.T) {
	tests := []struct {
		name string
		body string
		ws   string
	}{
		{
			name: "created with subscription metadata",
			body: `{"event_id":"evt_1","event_type":"customer.subscription.created","data":{"object":{"id":"sub_1","metadata":{"workspace_id":"ws_1"}}},"created":1708000000}`,
			ws:   "ws_1",
		},
		{
			name: "deleted falls back to expanded customer",
			body: `{"event_id":"evt_2","event_type":"customer.subscription.deleted","data":{"object":{"id":"sub_1","metadata":{},"customer":{"id":"cus_1","metadata":{"workspace_id":"ws_2"}}}}}`,
			ws:   "ws_2",
		},
		{
			name: "updated without rollover",
			body: `{"event_id":"evt_3","event_type":"customer.subscription.updated","data":{"object":{"id":"sub_1","status":"past_due","metadata":{"workspace_id":"ws_3"}},"previous_attributes":{"status":"active"}}}`,
			ws:   "ws_3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedCounters(t, tt.ws)

			res := f.handler.Handle(context.Background(), []byte(tt.body))
			assert.Equal(t, queue.OutcomeAck, res.Outcome)
			assert.Equal(t, []string{tt.ws}, f.cache.invalidated)
			assert.Equal(t, 7.0, f.counter(t, tt.ws, "ai_credits"))
		})
	}
}

func TestHandle_PeriodRollover(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "event level previous attributes",
			body: `{"event_id":"evt_1","event_type":"customer.subscription.updated","data":{"object":{"id":"sub_1","metadata":{"workspace_id":"ws_1"}},"previous_attributes":{"current_period_start":1705000000}}}`,
		},
		{
			name: "item level previous attributes",
			body: `{"event_id":"evt_1","event_type":"customer.subscription.updated","data":{"object":{"id":"sub_1","metadata":{"workspace_id":"ws_1"}},"previous_attributes":{"items":{"data":[{"current_period_start":1705000000}]}}}}`,
		},
		{
			name: "object level previous attributes",
			body: `{"event_id":"evt_1","event_type":"customer.subscription.updated","data":{"object":{"id":"sub_1","metadata":{"workspace_id":"ws_1"},"previous_attributes":{"current_period_start":1705000000}}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedCounters(t, "ws_1")
			f.seedCounters(t, "ws_other")

			res := f.handler.Handle(context.Background(), []byte(tt.body))
			require.Equal(t, queue.OutcomeAck, res.Outcome)
			for _, m := range events.Meters() {
				assert.Equal(t, 0.0, f.counter(t, "ws_1", m), m)
				assert.Equal(t, 7.0, f.counter(t, "ws_other", m), m)
			}
			assert.Equal(t, []string{"ws_1"}, f.cache.invalidated)
		})
	}
}

func TestHandle_RolloverResetFailureRetries(t *testing.T) {
	cache := &fakeCache{}
	h, err := NewHandler(cache, failingResetter{}, Config{})
	require.NoError(t, err)

	body := `{"event_id":"evt_1","event_type":"customer.subscription.updated","data":{"object":{"id":"sub_1","metadata":{"workspace_id":"ws_1"}},"previous_attributes":{"current_period_start":1705000000}}}`
	res := h.Handle(context.Background(), []byte(body))
	assert.Equal(t, queue.OutcomeRetry, res.Outcome)
	assert.ErrorIs(t, res.Err, entitlement.ErrStoreUnavailable)
}

func TestHandle_InvoiceWorkspaceExtraction(t *testing.T) {
	tests := []struct {
		name   string
		object string
	}{
		{"invoice metadata", `{"id":"in_1","metadata":{"workspace_id":"ws_1"}}`},
		{"expanded subscription", `{"id":"in_1","metadata":{},"subscription":{"id":"sub_1","metadata":{"workspace_id":"ws_1"}}}`},
		{"subscription details", `{"id":"in_1","subscription":"sub_1","subscription_details":{"metadata":{"workspace_id":"ws_1"}}}`},
		{"parent subscription details", `{"id":"in_1","parent":{"subscription_details":{"metadata":{"workspace_id":"ws_1"}}}}`},
		{"line items", `{"id":"in_1","lines":{"data":[{"metadata":{}},{"metadata":{"workspace_id":"ws_1"}}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			body := `{"event_id":"evt_1","event_type":"invoice.paid","data":{"object":` + tt.object + `}}`

			res := f.handler.Handle(context.Background(), []byte(body))
			assert.Equal(t, queue.OutcomeAck, res.Outcome)
			assert.Equal(t, []string{"ws_1"}, f.cache.invalidated)
		})
	}
}

func TestHandle_PaymentFailedRebuildsSnapshot(t *testing.T) {
	ctx := context.Background()
	provider := billingtest.New()
	provider.AddCustomer("ws_3", "cus_3")
	sub := &billing.SubscriptionView{
		ID:         "sub_3",
		CustomerID: "cus_3",
		Status:     billing.StatusActive,
		Items: []billing.SubscriptionItem{{
			ID:      "si_1",
			PriceID: "price_growth",
			Product: &billing.Product{ID: "prod_growth", Metadata: map[string]string{billing.MetadataTier: "growth"}},
		}},
		Metadata: map[string]string{billing.MetadataWorkspaceID: "ws_3"},
	}
	provider.AddSubscription(sub)

	store := memory.New()
	counters, err := entitlement.NewCounters(store, entitlement.CountersConfig{})
	require.NoError(t, err)
	cache, err := entitlement.NewCache(store, provider, counters, entitlement.CacheConfig{})
	require.NoError(t, err)
	handler, err := NewHandler(cache, counters, Config{})
	require.NoError(t, err)

	snap, err := cache.Get(ctx, "ws_3")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, snap.SubscriptionStatus)
	snap, err = cache.Get(ctx, "ws_3")
	require.NoError(t, err)
	require.True(t, snap.Cached)
	built := provider.Calls("GetActiveSubscription")

	// The provider marks the subscription past due and reports the failure.
	sub.Status = billing.StatusPastDue
	body := `{"event_id":"evt_3","event_type":"invoice.payment_failed","data":{"object":{"id":"in_3","amount_due":4900,"currency":"inr","attempt_count":1,"metadata":{"workspace_id":"ws_3"}}},"created":1708000000}`
	res := handler.Handle(ctx, []byte(body))
	require.Equal(t, queue.OutcomeAck, res.Outcome, res.String())

	snap, err = cache.Get(ctx, "ws_3")
	require.NoError(t, err)
	assert.False(t, snap.Cached)
	assert.Equal(t, billing.StatusPastDue, snap.SubscriptionStatus)
	assert.Equal(t, built+1, provider.Calls("GetActiveSubscription"))
}

func TestHandle_InvoicePaymentFailed(t *testing.T) {
	f := newFixture(t)
	body := `{"event_id":"evt_1","event_type":"invoice.payment_failed","data":{"object":{"id":"in_1","amount_due":4900,"currency":"inr","attempt_count":2,"metadata":{"workspace_id":"ws_1"}}},"created":1708000000}`

	res := f.handler.Handle(context.Background(), []byte(body))
	assert.Equal(t, queue.OutcomeAck, res.Outcome)
	assert.Equal(t, []string{"ws_1"}, f.cache.invalidated)
	require.Len(t, f.notifier.sent, 1)
	n := f.notifier.sent[0]
	assert.Equal(t, notify.InvoicePaymentFailed, n.Kind)
	assert.Equal(t, "in_1", n.ObjectID)
	assert.Equal(t, "2", n.Details["attempt_count"])
	assert.Equal(t, int64(1708000000), n.OccurredAt.Unix())
}

func TestHandle_NotificationOnlyEvents(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind notify.Kind
	}{
		{
			name: "trial ending",
			body: `{"event_id":"evt_1","event_type":"customer.subscription.trial_will_end","data":{"object":{"id":"sub_1","trial_end":1708000000,"metadata":{"workspace_id":"ws_1"}}}}`,
			kind: notify.TrialEnding,
		},
		{
			name: "invoice upcoming",
			body: `{"event_id":"evt_2","event_type":"invoice.upcoming","data":{"object":{"id":"in_1","metadata":{"workspace_id":"ws_1"}}}}`,
			kind: notify.InvoiceUpcoming,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.notifier.err = errors.New("smtp down")

			res := f.handler.Handle(context.Background(), []byte(tt.body))
			assert.Equal(t, queue.OutcomeAck, res.Outcome, "notification failure never redelivers")
			assert.Empty(t, f.cache.invalidated)
			require.Len(t, f.notifier.sent, 1)
			assert.Equal(t, tt.kind, f.notifier.sent[0].Kind)
			assert.Equal(t, "ws_1", f.notifier.sent[0].WorkspaceID)
		})
	}
}

func TestHandle_MeterUsageReported(t *testing.T) {
	f := newFixture(t)
	body := `{"event_id":"evt_1","event_type":"billing.meter.usage_reported","data":{"object":{"id":"mtr_1"}}}`
	assert.Equal(t, queue.OutcomeAck, f.handler.Handle(context.Background(), []byte(body)).Outcome)
	assert.Empty(t, f.cache.invalidated)
}

func TestHandle_Drops(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `nope`},
		{"missing event type", `{"event_id":"evt_1","data":{"object":{}}}`},
		{"unknown event type", `{"event_id":"evt_1","event_type":"customer.discount.created","data":{"object":{}}}`},
		{"subscription without workspace", `{"event_id":"evt_1","event_type":"customer.subscription.created","data":{"object":{"id":"sub_1","customer":"cus_1"}}}`},
		{"invoice without workspace", `{"event_id":"evt_1","event_type":"invoice.paid","data":{"object":{"id":"in_1","lines":{"data":[]}}}}`},
		{"missing object", `{"event_id":"evt_1","event_type":"invoice.paid","data":{}}`},
		{"object of wrong shape", `{"event_id":"evt_1","event_type":"invoice.paid","data":{"object":["in_1"]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			res := f.handler.Handle(context.Background(), []byte(tt.body))
			assert.Equal(t, queue.OutcomeDrop, res.Outcome)
			assert.Empty(t, f.cache.invalidated)
		})
	}
}

func TestHandle_InvalidateFailureRetries(t *testing.T) {
	f := newFixture(t)
	f.cache.err = entitlement.ErrStoreUnavailable
	f.seedCounters(t, "ws_1")

	body := `{"event_id":"evt_1","event_type":"customer.subscription.updated","data":{"object":{"id":"sub_1","metadata":{"workspace_id":"ws_1"}},"previous_attributes":{"current_period_start":1705000000}}}`
	res := f.handler.Handle(context.Background(), []byte(body))
	assert.Equal(t, queue.OutcomeRetry, res.Outcome)
	assert.ErrorIs(t, res.Err, entitlement.ErrStoreUnavailable)
	assert.Equal(t, 7.0, f.counter(t, "ws_1", "ai_credits"), "no reset before invalidation succeeds")
}

func TestHandle_ConfiguredMeters(t *testing.T) {
	counters, err := entitlement.NewCounters(memory.New(), entitlement.CountersConfig{})
	require.NoError(t, err)
	h, err := NewHandler(&fakeCache{}, counters, Config{Meters: []string{"ai_credits"}})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = counters.Increment(ctx, "ws_1", "ai_credits", 3)
	require.NoError(t, err)
	_, err = counters.Increment(ctx, "ws_1", "sms_send", 3)
	require.NoError(t, err)

	body := `{"event_id":"evt_1","event_type":"customer.subscription.updated","data":{"object":{"id":"sub_1","metadata":{"workspace_id":"ws_1"}},"previous_attributes":{"current_period_start":1705000000}}}`
	require.Equal(t, queue.OutcomeAck, h.Handle(ctx, []byte(body)).Outcome)

	v, err := counters.Get(ctx, "ws_1", "ai_credits")
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)
	v, err = counters.Get(ctx, "ws_1", "sms_send")
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)
}
