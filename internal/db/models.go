package db

import (
	"time"

	"github.com/septivank/meter-rule-engine/internal/readings"
	"github.com/septivank/meter-rule-engine/internal/rules"
)

// MeterRow represents a meter in the database
type MeterRow struct {
	ID            string
	Name          string
	UnitOfMeasure string
	GroupID       *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// ConditionRow represents a meter condition in the database
type ConditionRow struct {
	ID        string
	MeterID   string
	Position  int
	Target    string
	Operator  string
	Threshold float64
	Action    string
	Mode      string
}

// ReadingRow represents a meter reading in the database
type ReadingRow struct {
	ID            string
	MeterID       string
	AssetID       string
	RecordedBy    string
	RecordedAt    time.Time
	Value         float64
	UnitOfMeasure string
	Notes         *string
	MeterDeleted  bool
	CreatedAt     time.Time
}

// AggregateRow represents the running aggregate of a (meter, asset) pair
type AggregateRow struct {
	MeterID        string
	AssetID        string
	LastValue      float64
	RunningSum     float64
	Count          int64
	LastRecordedAt time.Time
}

// ToMeter converts the row and its ordered conditions into a domain meter
func (r MeterRow) ToMeter(conditions []ConditionRow) rules.Meter {
	m := rules.Meter{
		ID:            r.ID,
		Name:          r.Name,
		UnitOfMeasure: r.UnitOfMeasure,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		DeletedAt:     r.DeletedAt,
		Conditions:    make([]rules.Condition, 0, len(conditions)),
	}
	if r.GroupID != nil {
		m.GroupID = *r.GroupID
	}
	for _, c := range conditions {
		m.Conditions = append(m.Conditions, c.ToCondition())
	}
	return m
}

// ToCondition converts the row into a domain condition
func (c ConditionRow) ToCondition() rules.Condition {
	return rules.Condition{
		ID:        c.ID,
		Target:    rules.Target(c.Target),
		Operator:  rules.Operator(c.Operator),
		Threshold: c.Threshold,
		Action:    rules.Action(c.Action),
		Mode:      rules.Mode(c.Mode),
	}
}

// ConditionRows flattens a meter's conditions, keeping their order as position
func ConditionRows(m *rules.Meter) []ConditionRow {
	rows := make([]ConditionRow, len(m.Conditions))
	for i, c := range m.Conditions {
		rows[i] = ConditionRow{
			ID:        c.ID,
			MeterID:   m.ID,
			Position:  i,
			Target:    string(c.Target),
			Operator:  string(c.Operator),
			Threshold: c.Threshold,
			Action:    string(c.Action),
			Mode:      string(c.Mode),
		}
	}
	return rows
}

// ToReading converts the row into a domain reading
func (r ReadingRow) ToReading() rules.Reading {
	out := rules.Reading{
		ID:            r.ID,
		MeterID:       r.MeterID,
		AssetID:       r.AssetID,
		RecordedBy:    r.RecordedBy,
		RecordedAt:    r.RecordedAt,
		Value:         r.Value,
		UnitOfMeasure: r.UnitOfMeasure,
		MeterDeleted:  r.MeterDeleted,
		CreatedAt:     r.CreatedAt,
	}
	if r.Notes != nil {
		out.Notes = *r.Notes
	}
	return out
}

// ToAggregate converts the row into a domain aggregate
func (a AggregateRow) ToAggregate() readings.Aggregate {
	return readings.Aggregate{
		MeterID:        a.MeterID,
		AssetID:        a.AssetID,
		LastValue:      a.LastValue,
		RunningSum:     a.RunningSum,
		Count:          a.Count,
		LastRecordedAt: a.LastRecordedAt,
	}
}

// NullString returns nil for an empty string
func NullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
