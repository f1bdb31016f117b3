package rules

import (
	"time"
)

// Target selects which quantity derived from a reading a condition compares
type Target string

const (
	TargetAbsolute   Target = "absolute"
	TargetChanged    Target = "changed"
	TargetCumulative Target = "cumulative"
)

// Valid reports whether t is part of the closed target vocabulary
func (t Target) Valid() bool {
	switch t {
	case TargetAbsolute, TargetChanged, TargetCumulative:
		return true
	}
	return false
}

// Operator is a numeric comparison applied between a quantity and a threshold
type Operator string

const (
	OpEqual          Operator = "="
	OpNotEqual       Operator = "!="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
)

// Valid reports whether o is part of the closed operator vocabulary
func (o Operator) Valid() bool {
	switch o {
	case OpEqual, OpNotEqual, OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual:
		return true
	}
	return false
}

// Compare applies the operator to quantity and threshold.
// Equality is exact: no tolerance is applied to floating point values.
func (o Operator) Compare(quantity, threshold float64) bool {
	switch o {
	case OpEqual:
		return quantity == threshold
	case OpNotEqual:
		return quantity != threshold
	case OpLess:
		return quantity < threshold
	case OpLessOrEqual:
		return quantity <= threshold
	case OpGreater:
		return quantity > threshold
	case OpGreaterOrEqual:
		return quantity >= threshold
	}
	return false
}

// Action is the side effect requested when a condition fires
type Action string

const (
	ActionNone              Action = "none"
	ActionNotify            Action = "notify"
	ActionCreateWorkOrder   Action = "create_work_order"
	ActionCreateWorkRequest Action = "create_work_request"
)

// Valid reports whether a is part of the closed action vocabulary
func (a Action) Valid() bool {
	switch a {
	case ActionNone, ActionNotify, ActionCreateWorkOrder, ActionCreateWorkRequest:
		return true
	}
	return false
}

// Mode controls how often a satisfied condition dispatches its action
type Mode string

const (
	ModeOnce      Mode = "once"
	ModeEveryTime Mode = "every_time"
)

// Valid reports whether m is part of the closed mode vocabulary
func (m Mode) Valid() bool {
	switch m {
	case ModeOnce, ModeEveryTime:
		return true
	}
	return false
}

// Condition is a validated boundary rule attached to a meter
type Condition struct {
	ID        string   `json:"id"`
	Target    Target   `json:"target"`
	Operator  Operator `json:"operator"`
	Threshold float64  `json:"threshold"`
	Action    Action   `json:"action"`
	Mode      Mode     `json:"mode"`
}

// Meter is a measurable quantity owning an ordered list of conditions
type Meter struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	UnitOfMeasure string      `json:"unit_of_measure"`
	GroupID       string      `json:"group_id,omitempty"`
	Conditions    []Condition `json:"conditions"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	DeletedAt     *time.Time  `json:"deleted_at,omitempty"`
}

// Deleted reports whether the meter has been removed and kept only as a tombstone
func (m *Meter) Deleted() bool {
	return m.DeletedAt != nil
}

// ConditionIndex returns the position of a condition, or -1
func (m *Meter) ConditionIndex(conditionID string) int {
	for i := range m.Conditions {
		if m.Conditions[i].ID == conditionID {
			return i
		}
	}
	return -1
}

// Reading is a single recorded value for a meter on an asset
type Reading struct {
	ID            string    `json:"id"`
	MeterID       string    `json:"meter_id"`
	AssetID       string    `json:"asset_id"`
	RecordedBy    string    `json:"recorded_by"`
	RecordedAt    time.Time `json:"recorded_at"`
	Value         float64   `json:"value"`
	UnitOfMeasure string    `json:"unit_of_measure"`
	Notes         string    `json:"notes,omitempty"`
	MeterDeleted  bool      `json:"meter_deleted"`
	CreatedAt     time.Time `json:"created_at"`
}
