package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vikram2000b/sage-billing-engine/pkg/entitlement"
)

// Metrics implements entitlement.Metrics using Prometheus.
type Metrics struct {
	cacheHitsTotal        prometheus.Counter
	cacheMissesTotal      *prometheus.CounterVec
	rebuildDuration       *prometheus.HistogramVec
	invalidationsTotal    prometheus.Counter
	counterIncrements     *prometheus.CounterVec
	counterAmount         *prometheus.CounterVec
	counterResetsTotal    *prometheus.CounterVec
	storageOpsDuration    *prometheus.HistogramVec
	storageOpsErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		cacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "cache_hits_total",
			Help:      "Total number of entitlement snapshots served from cache.",
		}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "cache_misses_total",
			Help:      "Total number of entitlement snapshots rebuilt from the provider.",
		}, []string{"refresh"}),

		rebuildDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "rebuild_duration_seconds",
			Help:      "Latency of entitlement rebuilds from the provider.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"success"}),

		invalidationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "invalidations_total",
			Help:      "Total number of entitlement cache invalidations.",
		}),

		counterIncrements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "counter_increments_total",
			Help:      "Total number of usage counter increments.",
		}, []string{"meter"}),

		counterAmount: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "counter_amount_total",
			Help:      "Sum of amounts added to usage counters.",
		}, []string{"meter"}),

		counterResetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "counter_resets_total",
			Help:      "Total number of usage counter resets.",
		}, []string{"meter"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of store operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordCacheHit() {
	m.cacheHitsTotal.Inc()
}

func (m *Metrics) RecordCacheMiss(refresh bool) {
	m.cacheMissesTotal.WithLabelValues(strconv.FormatBool(refresh)).Inc()
}

func (m *Metrics) RecordRebuild(duration time.Duration, err error) {
	m.rebuildDuration.WithLabelValues(strconv.FormatBool(err == nil)).Observe(duration.Seconds())
}

func (m *Metrics) RecordInvalidation() {
	m.invalidationsTotal.Inc()
}

func (m *Metrics) RecordCounterIncrement(meter string, amount float64) {
	m.counterIncrements.WithLabelValues(meter).Inc()
	m.counterAmount.WithLabelValues(meter).Add(amount)
}

func (m *Metrics) RecordCounterReset(meter string) {
	m.counterResetsTotal.WithLabelValues(meter).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrorsTotal.WithLabelValues(operation).Inc()
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) entitlement.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
