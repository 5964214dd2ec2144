package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vikram2000b/sage-billing-engine/internal/tracing"
	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
)

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	// Queue is the transport-specific queue name (URL, stream key, ...).
	Queue string

	// Handler settles each message. Required.
	Handler Handler

	// BatchSize is the maximum messages per receive (default: 10)
	BatchSize int

	// WaitTime is the long-poll duration (default: 20s)
	WaitTime time.Duration

	// VisibilityTimeout hides received messages and bounds handling of each
	// one (default: 60s)
	VisibilityTimeout time.Duration

	// PollBackoff is the pause after a failed receive (default: 5s)
	PollBackoff time.Duration

	Logger  logging.Logger
	Metrics Metrics
}

// DefaultConsumerConfig returns a ConsumerConfig with the default timings.
func DefaultConsumerConfig(queue string, handler Handler) ConsumerConfig {
	return ConsumerConfig{
		Queue:             queue,
		Handler:           handler,
		BatchSize:         10,
		WaitTime:          20 * time.Second,
		VisibilityTimeout: 60 * time.Second,
		PollBackoff:       5 * time.Second,
	}
}

// Consumer pulls messages from one queue and dispatches them to a Handler.
type Consumer struct {
	transport Transport
	config    ConsumerConfig
	logger    logging.Logger
	metrics   Metrics
}

// NewConsumer creates a consumer over transport.
func NewConsumer(transport Transport, config ConsumerConfig) (*Consumer, error) {
	if transport == nil {
		return nil, errors.New("queue transport is required")
	}
	if config.Queue == "" {
		return nil, errors.New("queue name is required")
	}
	if config.Handler == nil {
		return nil, errors.New("queue handler is required")
	}

	defaults := DefaultConsumerConfig(config.Queue, config.Handler)
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.WaitTime < 0 {
		return nil, fmt.Errorf("queue wait time must not be negative (got %s)", config.WaitTime)
	}
	if config.WaitTime == 0 {
		config.WaitTime = defaults.WaitTime
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = defaults.VisibilityTimeout
	}
	if config.PollBackoff <= 0 {
		config.PollBackoff = defaults.PollBackoff
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}

	return &Consumer{
		transport: transport,
		config:    config,
		logger:    logging.OrNoop(config.Logger),
		metrics:   metrics,
	}, nil
}

// Queue returns the queue the consumer reads from.
func (c *Consumer) Queue() string {
	return c.config.Queue
}

// Run polls until ctx is cancelled and then returns nil. A message already
// handed to the handler is settled before Run returns; the rest of its batch
// is left for redelivery.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started",
		logging.Queue(c.config.Queue),
		logging.F("batch_size", c.config.BatchSize),
	)
	defer c.logger.Info("consumer stopped", logging.Queue(c.config.Queue))

	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := c.transport.Receive(ctx, c.config.Queue, ReceiveOptions{
			MaxMessages:       c.config.BatchSize,
			WaitTime:          c.config.WaitTime,
			VisibilityTimeout: c.config.VisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.metrics.RecordPollError(c.config.Queue)
			c.logger.Error("queue receive failed",
				logging.Queue(c.config.Queue),
				logging.Err(err),
			)
			if !sleep(ctx, c.config.PollBackoff) {
				return nil
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		c.metrics.RecordReceived(c.config.Queue, len(msgs))
		for i, msg := range msgs {
			if ctx.Err() != nil {
				c.logger.Info("shutdown mid-batch, leaving messages for redelivery",
					logging.Queue(c.config.Queue),
					logging.F("abandoned", len(msgs)-i),
				)
				return nil
			}
			c.Process(ctx, msg)
		}
	}
}

// Process handles and settles a single message. Handling runs on a context
// detached from ctx's cancellation and bounded by the visibility timeout.
func (c *Consumer) Process(ctx context.Context, msg Message) Result {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.VisibilityTimeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "queue.process")
	start := time.Now()
	res := c.invoke(ctx, UnwrapEnvelope(msg.Body))
	c.metrics.RecordHandlerDuration(c.config.Queue, time.Since(start))
	c.metrics.RecordOutcome(c.config.Queue, res.Outcome)

	fields := []logging.Field{
		logging.Queue(c.config.Queue),
		logging.F("message_id", msg.ID),
	}
	switch res.Outcome {
	case OutcomeAck:
		c.logger.Debug("message processed", fields...)
	case OutcomeDrop:
		c.logger.Warn("message dropped", append(fields, logging.F("reason", res.Reason))...)
	case OutcomeRetry:
		c.logger.Error("message failed, will retry", append(fields, logging.Err(res.Err))...)
	}

	var spanErr error
	if res.Outcome == OutcomeRetry {
		spanErr = res.Err
	}
	if res.Deletes() {
		if err := c.transport.Delete(ctx, c.config.Queue, msg.Handle); err != nil {
			c.metrics.RecordDeleteError(c.config.Queue)
			c.logger.Error("failed to delete message", append(fields, logging.Err(err))...)
			spanErr = err
		}
	}
	tracing.End(span, spanErr)
	return res
}

// invoke calls the handler, converting a panic into a retry.
func (c *Consumer) invoke(ctx context.Context, body []byte) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Retry(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return c.config.Handler(ctx, body)
}

// sleep waits for d or until ctx is done; it reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
