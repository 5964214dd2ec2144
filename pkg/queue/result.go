package queue

import (
	"context"
	"errors"
	"fmt"
)

// ErrDrop marks an error as permanent: the message is deleted, not retried.
var ErrDrop = errors.New("drop message")

// Dropf returns an error wrapping ErrDrop.
func Dropf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrDrop, fmt.Sprintf(format, args...))
}

// Outcome is what the consumer does with a handled message.
type Outcome int

const (
	// OutcomeAck deletes the message.
	OutcomeAck Outcome = iota
	// OutcomeRetry leaves the message for redelivery.
	OutcomeRetry
	// OutcomeDrop deletes a message that can never succeed.
	OutcomeDrop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRetry:
		return "retry"
	case OutcomeDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Result is a handler's verdict on one message.
type Result struct {
	Outcome Outcome
	// Err is the cause of a retry.
	Err error
	// Reason explains a drop.
	Reason string
}

// Ack acknowledges successful processing.
func Ack() Result { return Result{Outcome: OutcomeAck} }

// Retry leaves the message for redelivery.
func Retry(err error) Result { return Result{Outcome: OutcomeRetry, Err: err} }

// Drop discards a message that will never succeed.
func Drop(reason string) Result { return Result{Outcome: OutcomeDrop, Reason: reason} }

// Deletes reports whether the message should be removed from the queue.
func (r Result) Deletes() bool {
	return r.Outcome == OutcomeAck || r.Outcome == OutcomeDrop
}

func (r Result) String() string {
	switch r.Outcome {
	case OutcomeRetry:
		if r.Err != nil {
			return "retry: " + r.Err.Error()
		}
	case OutcomeDrop:
		if r.Reason != "" {
			return "drop: " + r.Reason
		}
	}
	return r.Outcome.String()
}

// Handler processes one unwrapped message body.
type Handler func(ctx context.Context, body []byte) Result

// HandlerFunc adapts an error-returning function: nil acks, an error wrapping
// ErrDrop drops, and any other error retries.
func HandlerFunc(fn func(ctx context.Context, body []byte) error) Handler {
	return func(ctx context.Context, body []byte) Result {
		return FromError(fn(ctx, body))
	}
}

// FromError converts an error into a Result using the HandlerFunc rules.
func FromError(err error) Result {
	switch {
	case err == nil:
		return Ack()
	case errors.Is(err, ErrDrop):
		return Drop(err.Error())
	default:
		return Retry(err)
	}
}
