package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikram2000b/sage-billing-engine/pkg/queue"
	"github.com/vikram2000b/sage-billing-engine/pkg/queue/memory"
)

func TestUnwrapEnvelope(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "notification envelope",
			body: `{"Type":"Notification","TopicArn":"arn:aws:sns:us-east-1:1:billing","Message":"{\"workspace_id\":\"ws_1\"}"}`,
			want: `{"workspace_id":"ws_1"}`,
		},
		{
			name: "plain payload",
			body: `{"workspace_id":"ws_1"}`,
			want: `{"workspace_id":"ws_1"}`,
		},
		{
			name: "envelope without type",
			body: `{"TopicArn":"arn:aws:sns:us-east-1:1:billing","Message":"{\"event_type\":\"invoice.paid\"}"}`,
			want: `{"event_type":"invoice.paid"}`,
		},
		{
			name: "message without topic",
			body: `{"Type":"Notification","Message":"x"}`,
			want: `{"Type":"Notification","Message":"x"}`,
		},
		{
			name: "other envelope type",
			body: `{"Type":"SubscriptionConfirmation","Message":"x"}`,
			want: `{"Type":"SubscriptionConfirmation","Message":"x"}`,
		},
		{
			name: "not json",
			body: `hello`,
			want: `hello`,
		},
		{
			name: "only one level",
			body: `{"TopicArn":"arn:1","Message":"{\"TopicArn\":\"arn:2\",\"Message\":\"inner\"}"}`,
			want: `{"TopicArn":"arn:2","Message":"inner"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(queue.UnwrapEnvelope([]byte(tt.body))))
		})
	}
}

func TestFromError(t *testing.T) {
	assert.Equal(t, queue.OutcomeAck, queue.FromError(nil).Outcome)

	drop := queue.FromError(queue.Dropf("missing %s", "workspace_id"))
	assert.Equal(t, queue.OutcomeDrop, drop.Outcome)
	assert.Contains(t, drop.Reason, "missing workspace_id")
	assert.True(t, drop.Deletes())

	boom := errors.New("provider down")
	retry := queue.FromError(boom)
	assert.Equal(t, queue.OutcomeRetry, retry.Outcome)
	assert.ErrorIs(t, retry.Err, boom)
	assert.False(t, retry.Deletes())
	assert.Equal(t, "retry: provider down", retry.String())
}

type countingTransport struct {
	*memory.Transport
	receives atomic.Int32
}

func (c *countingTransport) Receive(ctx context.Context, name string, opts queue.ReceiveOptions) ([]queue.Message, error) {
	c.receives.Add(1)
	return c.Transport.Receive(ctx, name, opts)
}

func newConsumer(t *testing.T, tr queue.Transport, h queue.Handler) *queue.Consumer {
	t.Helper()
	c, err := queue.NewConsumer(tr, queue.ConsumerConfig{
		Queue:             "q",
		Handler:           h,
		WaitTime:          10 * time.Millisecond,
		VisibilityTimeout: time.Minute,
		PollBackoff:       5 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestNewConsumer_Validation(t *testing.T) {
	h := func(context.Context, []byte) queue.Result { return queue.Ack() }

	_, err := queue.NewConsumer(nil, queue.ConsumerConfig{Queue: "q", Handler: h})
	assert.Error(t, err)
	_, err = queue.NewConsumer(memory.New(), queue.ConsumerConfig{Handler: h})
	assert.Error(t, err)
	_, err = queue.NewConsumer(memory.New(), queue.ConsumerConfig{Queue: "q"})
	assert.Error(t, err)
	_, err = queue.NewConsumer(memory.New(), queue.ConsumerConfig{Queue: "q", Handler: h, WaitTime: -time.Second})
	assert.ErrorContains(t, err, "must not be negative")

	c, err := queue.NewConsumer(memory.New(), queue.ConsumerConfig{Queue: "q", Handler: h})
	require.NoError(t, err)
	assert.Equal(t, "q", c.Queue())
}

func TestConsumer_RunIdlesOnEmptyQueue(t *testing.T) {
	tr := &countingTransport{Transport: memory.New()}
	c := newConsumer(t, tr, func(context.Context, []byte) queue.Result { return queue.Ack() })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	// Each empty receive long-polls for the wait time instead of spinning.
	assert.LessOrEqual(t, tr.receives.Load(), int32(30))
}

func TestConsumer_ProcessSettlement(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		result     queue.Result
		panics     bool
		wantLen    int
		wantResult queue.Outcome
	}{
		{name: "ack deletes", result: queue.Ack(), wantLen: 0, wantResult: queue.OutcomeAck},
		{name: "drop deletes", result: queue.Drop("malformed"), wantLen: 0, wantResult: queue.OutcomeDrop},
		{name: "retry keeps", result: queue.Retry(errors.New("x")), wantLen: 1, wantResult: queue.OutcomeRetry},
		{name: "panic retries", panics: true, wantLen: 1, wantResult: queue.OutcomeRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := memory.New()
			_, err := tr.Publish(ctx, "q", []byte(`{}`), queue.PublishOptions{})
			require.NoError(t, err)

			c := newConsumer(t, tr, func(context.Context, []byte) queue.Result {
				if tt.panics {
					panic("boom")
				}
				return tt.result
			})

			msgs, err := tr.Receive(ctx, "q", queue.ReceiveOptions{MaxMessages: 1, VisibilityTimeout: time.Minute})
			require.NoError(t, err)
			require.Len(t, msgs, 1)

			res := c.Process(ctx, msgs[0])
			assert.Equal(t, tt.wantResult, res.Outcome)
			assert.Equal(t, tt.wantLen, tr.Len("q"))
		})
	}
}

func TestConsumer_ProcessUnwrapsEnvelope(t *testing.T) {
	var got []byte
	c := newConsumer(t, memory.New(), func(_ context.Context, body []byte) queue.Result {
		got = body
		return queue.Retry(errors.New("keep"))
	})

	c.Process(context.Background(), queue.Message{
		ID:   "m1",
		Body: []byte(`{"Type":"Notification","TopicArn":"arn:aws:sns:us-east-1:1:billing","Message":"{\"k\":1}"}`),
	})
	assert.Equal(t, `{"k":1}`, string(got))
}

func TestConsumer_ProcessDetachesFromCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var handlerErr error
	c := newConsumer(t, memory.New(), func(ctx context.Context, _ []byte) queue.Result {
		handlerErr = ctx.Err()
		return queue.Retry(errors.New("keep"))
	})
	c.Process(ctx, queue.Message{ID: "m1", Body: []byte(`{}`)})
	assert.NoError(t, handlerErr)
}

func TestConsumer_RunDrainsAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := memory.New()
	for i := 0; i < 25; i++ {
		_, err := tr.Publish(ctx, "q", []byte(`{}`), queue.PublishOptions{})
		require.NoError(t, err)
	}

	var handled atomic.Int32
	c := newConsumer(t, tr, func(context.Context, []byte) queue.Result {
		if handled.Add(1) == 25 {
			cancel()
		}
		return queue.Ack()
	})

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, int32(25), handled.Load())
	assert.Equal(t, 0, tr.Len("q"))
}

func TestConsumer_RunAbandonsRestOfBatchOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := memory.New()
	for i := 0; i < 5; i++ {
		_, err := tr.Publish(ctx, "q", []byte(`{}`), queue.PublishOptions{})
		require.NoError(t, err)
	}

	var handled atomic.Int32
	c := newConsumer(t, tr, func(context.Context, []byte) queue.Result {
		handled.Add(1)
		cancel()
		return queue.Ack()
	})

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, int32(1), handled.Load())
	assert.Equal(t, 4, tr.Len("q"))
}

type flakyTransport struct {
	queue.Transport
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyTransport) Receive(ctx context.Context, name string, opts queue.ReceiveOptions) ([]queue.Message, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return f.Transport.Receive(ctx, name, opts)
}

func TestConsumer_RunBacksOffOnPollError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inner := memory.New()
	_, err := inner.Publish(ctx, "q", []byte(`{}`), queue.PublishOptions{})
	require.NoError(t, err)
	tr := &flakyTransport{Transport: inner, failures: 2}

	c := newConsumer(t, tr, func(context.Context, []byte) queue.Result {
		cancel()
		return queue.Ack()
	})

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, 0, inner.Len("q"))
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, 3, tr.calls)
}
