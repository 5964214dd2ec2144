package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vikram2000b/sage-billing-engine/pkg/queue"
)

// Metrics implements queue.Metrics using Prometheus.
type Metrics struct {
	receivedTotal     *prometheus.CounterVec
	outcomesTotal     *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	pollErrorsTotal   *prometheus.CounterVec
	deleteErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		receivedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_received_total",
			Help:      "Total number of messages received.",
		}, []string{"queue"}),

		outcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_settled_total",
			Help:      "Total number of messages settled, by outcome (ack, retry, drop).",
		}, []string{"queue", "outcome"}),

		handlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "handler_duration_seconds",
			Help:      "Time spent handling a single message.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),

		pollErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "poll_errors_total",
			Help:      "Total number of failed receive calls.",
		}, []string{"queue"}),

		deleteErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "delete_errors_total",
			Help:      "Total number of failed message deletions.",
		}, []string{"queue"}),
	}
}

func (m *Metrics) RecordReceived(queueName string, n int) {
	m.receivedTotal.WithLabelValues(queueName).Add(float64(n))
}

func (m *Metrics) RecordOutcome(queueName string, outcome queue.Outcome) {
	m.outcomesTotal.WithLabelValues(queueName, outcome.String()).Inc()
}

func (m *Metrics) RecordHandlerDuration(queueName string, duration time.Duration) {
	m.handlerDuration.WithLabelValues(queueName).Observe(duration.Seconds())
}

func (m *Metrics) RecordPollError(queueName string) {
	m.pollErrorsTotal.WithLabelValues(queueName).Inc()
}

func (m *Metrics) RecordDeleteError(queueName string) {
	m.deleteErrorsTotal.WithLabelValues(queueName).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) queue.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
