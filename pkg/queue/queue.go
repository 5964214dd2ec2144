// Package queue provides the event consumer loop and the transports it pulls
// from. A Consumer receives a batch, unwraps any notification envelope, hands
// each body to a Handler and deletes the message unless the handler asks for
// a retry.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidHandle is returned by Delete when the receipt handle is unknown or stale.
var ErrInvalidHandle = errors.New("invalid receipt handle")

// Message is one received queue message.
type Message struct {
	// ID is the transport's message id.
	ID string
	// Body is the raw payload, possibly wrapped in a notification envelope.
	Body []byte
	// Handle is the receipt used to delete the message.
	Handle string
	// ReceiveCount is how many times the message has been delivered, when known.
	ReceiveCount int
}

// PublishOptions carry ordering and deduplication hints.
type PublishOptions struct {
	// GroupID orders messages sharing the same value (FIFO transports).
	GroupID string
	// DeduplicationID suppresses repeats published within the transport's window.
	DeduplicationID string
}

// ReceiveOptions control a single receive call.
type ReceiveOptions struct {
	MaxMessages       int
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
}

// Transport is a queue backend with at-least-once delivery.
type Transport interface {
	// Publish enqueues body and returns the transport's message id.
	Publish(ctx context.Context, queue string, body []byte, opts PublishOptions) (string, error)

	// Receive long-polls for up to opts.MaxMessages messages. Received messages
	// stay invisible for opts.VisibilityTimeout and reappear unless deleted.
	Receive(ctx context.Context, queue string, opts ReceiveOptions) ([]Message, error)

	// Delete removes a received message by its handle.
	Delete(ctx context.Context, queue, handle string) error
}

// Publisher is the publishing half of a Transport.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte, opts PublishOptions) (string, error)
}
