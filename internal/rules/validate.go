package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

var (
	ErrInvalidThreshold   = errors.New("invalid threshold")
	ErrUnknownEnum        = errors.New("unknown enum value")
	ErrEmptyUnitOfMeasure = errors.New("empty unit of measure")
	ErrDuplicateCondition = errors.New("duplicate condition id")
)

// ConfigError describes a meter or condition that cannot be saved
type ConfigError struct {
	Kind        error
	Field       string
	ConditionID string
	Value       string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	if e.ConditionID != "" {
		fmt.Fprintf(&b, "condition %s: ", e.ConditionID)
	}
	b.WriteString(e.Kind.Error())
	if e.Field != "" {
		fmt.Fprintf(&b, " for %s", e.Field)
	}
	if e.Value != "" {
		fmt.Fprintf(&b, " %q", e.Value)
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error {
	return e.Kind
}

// RawThreshold is a threshold as authored. JSON numbers and strings are both accepted.
type RawThreshold string

// UnmarshalJSON accepts `15`, `"15"` and `null`
func (t *RawThreshold) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*t = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*t = RawThreshold(str)
		return nil
	}
	*t = RawThreshold(s)
	return nil
}

// MarshalJSON emits the threshold as a number when it parses, otherwise as a string
func (t RawThreshold) MarshalJSON() ([]byte, error) {
	if v, err := ParseThreshold(string(t)); err == nil {
		return json.Marshal(v)
	}
	return json.Marshal(string(t))
}

// ThresholdOf formats a float for use as a RawThreshold
func ThresholdOf(v float64) RawThreshold {
	return RawThreshold(strconv.FormatFloat(v, 'g', -1, 64))
}

// ConditionInput is an unvalidated condition as submitted by an operator
type ConditionInput struct {
	ID        string       `json:"id,omitempty"`
	Target    Target       `json:"target"`
	Operator  Operator     `json:"operator"`
	Threshold RawThreshold `json:"threshold"`
	Action    Action       `json:"action"`
	Mode      Mode         `json:"mode"`
}

// MeterInput is an unvalidated meter as submitted by an operator
type MeterInput struct {
	ID            string           `json:"id,omitempty"`
	Name          string           `json:"name"`
	UnitOfMeasure string           `json:"unit_of_measure"`
	GroupID       string           `json:"group_id,omitempty"`
	Conditions    []ConditionInput `json:"conditions"`
}

// InputOf converts a validated condition back to its authoring shape
func InputOf(c Condition) ConditionInput {
	return ConditionInput{
		ID:        c.ID,
		Target:    c.Target,
		Operator:  c.Operator,
		Threshold: ThresholdOf(c.Threshold),
		Action:    c.Action,
		Mode:      c.Mode,
	}
}

// ParseThreshold parses a threshold into a finite number
func ParseThreshold(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, ErrInvalidThreshold
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidThreshold, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrInvalidThreshold
	}
	return v, nil
}

// ValidateCondition checks a condition against the closed vocabularies and
// parses its threshold. Every problem found is returned, combined.
func ValidateCondition(in ConditionInput) (Condition, error) {
	label := strings.TrimSpace(in.ID)

	var errs error
	enum := func(ok bool, field, value string) {
		if !ok {
			errs = multierr.Append(errs, &ConfigError{Kind: ErrUnknownEnum, Field: field, ConditionID: label, Value: value})
		}
	}
	enum(in.Target.Valid(), "target", string(in.Target))
	enum(in.Operator.Valid(), "operator", string(in.Operator))
	enum(in.Action.Valid(), "action", string(in.Action))
	enum(in.Mode.Valid(), "mode", string(in.Mode))

	threshold, err := ParseThreshold(string(in.Threshold))
	if err != nil {
		errs = multierr.Append(errs, &ConfigError{Kind: ErrInvalidThreshold, Field: "threshold", ConditionID: label, Value: string(in.Threshold)})
	}

	if errs != nil {
		return Condition{}, errs
	}

	id := label
	if id == "" {
		id = uuid.NewString()
	}

	return Condition{
		ID:        id,
		Target:    in.Target,
		Operator:  in.Operator,
		Threshold: threshold,
		Action:    in.Action,
		Mode:      in.Mode,
	}, nil
}

// ValidateMeter validates the meter and all of its conditions, aggregating errors
func ValidateMeter(in MeterInput) (Meter, error) {
	var errs error

	if strings.TrimSpace(in.UnitOfMeasure) == "" {
		errs = multierr.Append(errs, &ConfigError{Kind: ErrEmptyUnitOfMeasure, Field: "unit_of_measure"})
	}

	conditions := make([]Condition, 0, len(in.Conditions))
	seen := make(map[string]struct{}, len(in.Conditions))
	for _, ci := range in.Conditions {
		c, err := ValidateCondition(ci)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if _, dup := seen[c.ID]; dup {
			errs = multierr.Append(errs, &ConfigError{Kind: ErrDuplicateCondition, Field: "id", ConditionID: c.ID})
			continue
		}
		seen[c.ID] = struct{}{}
		conditions = append(conditions, c)
	}

	if errs != nil {
		return Meter{}, errs
	}

	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}

	return Meter{
		ID:            id,
		Name:          strings.TrimSpace(in.Name),
		UnitOfMeasure: strings.TrimSpace(in.UnitOfMeasure),
		GroupID:       strings.TrimSpace(in.GroupID),
		Conditions:    conditions,
	}, nil
}

// Messages flattens a validation error into one message per problem
func Messages(err error) []string {
	if err == nil {
		return nil
	}
	errs := multierr.Errors(err)
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Error())
	}
	return out
}

// IsConfigError reports whether err carries at least one configuration problem
func IsConfigError(err error) bool {
	for _, e := range multierr.Errors(err) {
		var ce *ConfigError
		if errors.As(e, &ce) {
			return true
		}
	}
	return false
}
