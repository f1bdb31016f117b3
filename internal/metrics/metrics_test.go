package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveReading("recorded", time.Now())
	m.ConditionFired("cumulative", "create_work_order", "once")
	m.Dispatched("work_order", errors.New("boom"))
	m.Dispatched("notify", nil)
	m.IngestEntry("invalid")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.readingsTotal.WithLabelValues("recorded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.firedTotal.WithLabelValues("cumulative", "create_work_order", "once")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchErrors.WithLabelValues("work_order")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.dispatchErrors.WithLabelValues("notify")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingestTotal.WithLabelValues("invalid")))
}

func TestMetrics_DoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveReading("recorded", time.Now())
		m.ConditionFired("absolute", "notify", "every_time")
		m.Dispatched("notify", errors.New("x"))
		m.IngestEntry("valid")
	})
}
