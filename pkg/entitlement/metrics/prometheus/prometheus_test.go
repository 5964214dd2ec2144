package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikram2000b/sage-billing-engine/pkg/entitlement"
)

var _ entitlement.Metrics = (*Metrics)(nil)

func TestMetrics_Cache(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheMiss(false)
	m.RecordCacheMiss(true)
	m.RecordInvalidation()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheHitsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheMissesTotal.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invalidationsTotal))
}

func TestMetrics_Rebuild(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordRebuild(10*time.Millisecond, nil)
	m.RecordRebuild(10*time.Millisecond, errors.New("provider down"))

	families, err := reg.Gather()
	require.NoError(t, err)

	var hist *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "test_entitlement_rebuild_duration_seconds" {
			hist = f
		}
	}
	require.NotNil(t, hist)
	assert.Len(t, hist.GetMetric(), 2)
}

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordCounterIncrement("ai_credits", 1.5)
	m.RecordCounterIncrement("ai_credits", 2)
	m.RecordCounterReset("ai_credits")
	m.RecordStorageOperation("incr", time.Millisecond, errors.New("timeout"))
	m.RecordStorageOperation("incr", time.Millisecond, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.counterIncrements.WithLabelValues("ai_credits")))
	assert.Equal(t, 3.5, testutil.ToFloat64(m.counterAmount.WithLabelValues("ai_credits")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.counterResetsTotal.WithLabelValues("ai_credits")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storageOpsErrorsTotal.WithLabelValues("incr")))
}
