package queue

import "time"

// Metrics defines the interface for tracking consumer activity.
type Metrics interface {
	// RecordReceived records a batch of n messages pulled from queue.
	RecordReceived(queue string, n int)

	// RecordOutcome records how a message was settled.
	RecordOutcome(queue string, outcome Outcome)

	// RecordHandlerDuration records time spent in the handler for one message.
	RecordHandlerDuration(queue string, duration time.Duration)

	// RecordPollError records a failed receive call.
	RecordPollError(queue string)

	// RecordDeleteError records a failed delete after ack or drop.
	RecordDeleteError(queue string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordReceived(queue string, count int)                     {}
func (n *NoopMetrics) RecordOutcome(queue string, outcome Outcome)                {}
func (n *NoopMetrics) RecordHandlerDuration(queue string, duration time.Duration) {}
func (n *NoopMetrics) RecordPollError(queue string)                               {}
func (n *NoopMetrics) RecordDeleteError(queue string)                             {}
