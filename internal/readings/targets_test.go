package readings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/septivank/meter-rule-engine/internal/rules"
)

var base = time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)

func reading(i int, value float64) rules.Reading {
	return rules.Reading{
		MeterID:    "m1",
		AssetID:    "a1",
		Value:      value,
		RecordedAt: base.Add(time.Duration(i) * time.Minute),
	}
}

func TestTargets_FirstReading(t *testing.T) {
	var agg Aggregate
	tg := agg.Targets(42)

	assert.Equal(t, 42.0, tg.Absolute)
	assert.Equal(t, 42.0, tg.Cumulative)
	assert.False(t, tg.HasHistory)

	_, ok := tg.Pick(rules.TargetChanged)
	assert.False(t, ok, "changed is undefined without a prior reading")
	_, ok = tg.Pick(rules.TargetCumulative)
	assert.False(t, ok, "cumulative is undefined without a prior reading")
	v, ok := tg.Pick(rules.TargetAbsolute)
	assert.True(t, ok)
	assert.Equal(t, 42.0, v)
}

func TestTargets_Changed(t *testing.T) {
	agg := Aggregate{}.Apply(reading(0, 100))
	tg := agg.Targets(130)

	v, ok := tg.Pick(rules.TargetChanged)
	require.True(t, ok)
	assert.Equal(t, 30.0, v)

	v, ok = tg.Pick(rules.TargetCumulative)
	require.True(t, ok)
	assert.Equal(t, 230.0, v)
}

func TestTargets_UnknownTarget(t *testing.T) {
	_, ok := Targets{}.Pick(rules.Target("bogus"))
	assert.False(t, ok)
}

func TestComputeTargets_MatchesIncremental(t *testing.T) {
	history := make([]rules.Reading, 0, 1200)
	var agg Aggregate

	for i := 0; i < 1200; i++ {
		next := reading(i, float64(i)*0.1+0.37)

		full := ComputeTargets(history, next)
		fast := agg.Targets(next.Value)
		require.Equal(t, full, fast, "reading %d", i)

		history = append(history, next)
		agg = agg.Apply(next)
	}

	var sum float64
	for _, r := range history {
		sum += r.Value
	}
	assert.Equal(t, sum, agg.RunningSum)
	assert.Equal(t, int64(len(history)), agg.Count)
	assert.Equal(t, FromHistory(history), agg)
}

func TestAggregate_Precedes(t *testing.T) {
	var agg Aggregate
	assert.False(t, agg.Precedes(base), "empty aggregate accepts any time")

	agg = agg.Apply(reading(5, 1))
	assert.True(t, agg.Precedes(base))
	assert.False(t, agg.Precedes(base.Add(5*time.Minute)), "equal timestamps are allowed")
	assert.False(t, agg.Precedes(base.Add(6*time.Minute)))
}

func TestSortReadings_StableTies(t *testing.T) {
	r1 := reading(1, 1)
	r1.ID = "first"
	r2 := reading(1, 2)
	r2.ID = "second"
	r0 := reading(0, 0)
	r0.ID = "zero"

	list := []rules.Reading{r1, r2, r0}
	SortReadings(list)

	assert.Equal(t, "zero", list[0].ID)
	assert.Equal(t, "first", list[1].ID)
	assert.Equal(t, "second", list[2].ID)
}
