package seed

import (
	"context"
	"fmt"
	"os"

	"github.com/septivank/meter-rule-engine/internal/rules"
	"github.com/septivank/meter-rule-engine/internal/service"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// File mirrors a meter seed file:
//
//	meters:
//	  - id: engine-hours
//	    name: Engine hours
//	    unit_of_measure: hrs
//	    group_id: fleet
//	    conditions:
//	      - id: service-500
//	        target: cumulative
//	        operator: ">="
//	        threshold: 500
//	        action: create_work_order
//	        mode: once
type File struct {
	Meters []Meter `yaml:"meters"`
}

// Meter is one meter definition of a seed file
type Meter struct {
	ID            string      `yaml:"id"`
	Name          string      `yaml:"name"`
	UnitOfMeasure string      `yaml:"unit_of_measure"`
	GroupID       string      `yaml:"group_id"`
	Conditions    []Condition `yaml:"conditions"`
}

// Condition is one condition of a seed meter
type Condition struct {
	ID        string    `yaml:"id"`
	Target    string    `yaml:"target"`
	Operator  string    `yaml:"operator"`
	Threshold Threshold `yaml:"threshold"`
	Action    string    `yaml:"action"`
	Mode      string    `yaml:"mode"`
}

// Threshold keeps the scalar exactly as written so it is parsed by the same
// rules as thresholds submitted over HTTP
type Threshold string

func (t *Threshold) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: threshold must be a scalar", value.Line)
	}
	*t = Threshold(value.Value)
	return nil
}

// Input converts the seed entry into a meter input
func (m Meter) Input() rules.MeterInput {
	in := rules.MeterInput{
		ID:            m.ID,
		Name:          m.Name,
		UnitOfMeasure: m.UnitOfMeasure,
		GroupID:       m.GroupID,
		Conditions:    make([]rules.ConditionInput, 0, len(m.Conditions)),
	}
	for _, c := range m.Conditions {
		in.Conditions = append(in.Conditions, rules.ConditionInput{
			ID:        c.ID,
			Target:    rules.Target(c.Target),
			Operator:  rules.Operator(c.Operator),
			Threshold: rules.RawThreshold(c.Threshold),
			Action:    rules.Action(c.Action),
			Mode:      rules.Mode(c.Mode),
		})
	}
	return in
}

// LoadYAML reads a seed file. Every meter needs an id so reloading is idempotent.
func LoadYAML(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return File{}, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	for i, m := range f.Meters {
		if m.ID == "" {
			return File{}, fmt.Errorf("seed file %s: meter %d has no id", path, i)
		}
	}
	return f, nil
}

// Apply upserts every meter of the file. Invalid meters are reported together
// and do not stop the others from loading.
func Apply(ctx context.Context, svc *service.MeterService, f File, logger *zap.Logger) error {
	var errs error
	created, updated := 0, 0
	for _, m := range f.Meters {
		_, isNew, err := svc.UpsertMeter(ctx, m.Input())
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("meter %s: %w", m.ID, err))
			continue
		}
		if isNew {
			created++
		} else {
			updated++
		}
	}
	logger.Info("meter seed applied",
		zap.Int("created", created),
		zap.Int("updated", updated),
		zap.Int("failed", len(multierr.Errors(errs))),
	)
	return errs
}
