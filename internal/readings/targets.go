package readings

import (
	"sort"
	"time"

	"github.com/septivank/meter-rule-engine/internal/rules"
)

// Aggregate caches what is needed to derive targets for one (meter, asset) pair
// without rescanning its reading history.
type Aggregate struct {
	MeterID        string    `json:"meter_id"`
	AssetID        string    `json:"asset_id"`
	LastValue      float64   `json:"last_value"`
	RunningSum     float64   `json:"running_sum"`
	Count          int64     `json:"count"`
	LastRecordedAt time.Time `json:"last_recorded_at"`
}

// Targets holds the quantities a condition target can reference for one reading
type Targets struct {
	Absolute   float64 `json:"absolute"`
	Changed    float64 `json:"changed"`
	Cumulative float64 `json:"cumulative"`
	HasHistory bool    `json:"has_history"`
}

// Pick returns the quantity for the target. Changed and Cumulative are
// undefined on the first reading of a pair, so ok is false then.
func (t Targets) Pick(target rules.Target) (float64, bool) {
	switch target {
	case rules.TargetAbsolute:
		return t.Absolute, true
	case rules.TargetChanged:
		return t.Changed, t.HasHistory
	case rules.TargetCumulative:
		return t.Cumulative, t.HasHistory
	}
	return 0, false
}

// Targets derives the target quantities for a new value in O(1)
func (a Aggregate) Targets(value float64) Targets {
	t := Targets{
		Absolute:   value,
		Cumulative: a.RunningSum + value,
		HasHistory: a.Count > 0,
	}
	if t.HasHistory {
		t.Changed = value - a.LastValue
	}
	return t
}

// Apply returns the aggregate advanced past the reading
func (a Aggregate) Apply(r rules.Reading) Aggregate {
	a.MeterID = r.MeterID
	a.AssetID = r.AssetID
	a.LastValue = r.Value
	a.RunningSum += r.Value
	a.Count++
	if r.RecordedAt.After(a.LastRecordedAt) {
		a.LastRecordedAt = r.RecordedAt
	}
	return a
}

// Precedes reports whether a reading recorded at t would be older than the last one
func (a Aggregate) Precedes(t time.Time) bool {
	return a.Count > 0 && t.Before(a.LastRecordedAt)
}

// FromHistory rebuilds an aggregate from a full history, oldest first
func FromHistory(history []rules.Reading) Aggregate {
	var a Aggregate
	for _, r := range history {
		a = a.Apply(r)
	}
	return a
}

// ComputeTargets derives targets for next from the full preceding history.
// It is the reference form of Aggregate.Targets and must agree with it.
func ComputeTargets(history []rules.Reading, next rules.Reading) Targets {
	return FromHistory(history).Targets(next.Value)
}

// SortReadings orders readings by RecordedAt, breaking ties by CreatedAt and
// then by their original position.
func SortReadings(history []rules.Reading) {
	sort.SliceStable(history, func(i, j int) bool {
		if !history[i].RecordedAt.Equal(history[j].RecordedAt) {
			return history[i].RecordedAt.Before(history[j].RecordedAt)
		}
		return history[i].CreatedAt.Before(history[j].CreatedAt)
	})
}
