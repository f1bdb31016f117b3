package engine

import (
	"github.com/septivank/meter-rule-engine/internal/readings"
	"github.com/septivank/meter-rule-engine/internal/rules"
)

// FiringHistory tracks which Once conditions already fired for an asset
type FiringHistory interface {
	Has(conditionID, assetID string) bool
	Mark(conditionID, assetID string)
}

type firingKey struct {
	conditionID string
	assetID     string
}

// FiringSet is an in-memory FiringHistory that also remembers the marks it
// gained, so they can be persisted after an evaluation.
type FiringSet struct {
	fired  map[firingKey]struct{}
	marked []firingKey
}

// NewFiringSet creates a set seeded with condition ids already fired for assetID
func NewFiringSet(assetID string, conditionIDs ...string) *FiringSet {
	s := &FiringSet{fired: make(map[firingKey]struct{}, len(conditionIDs))}
	for _, id := range conditionIDs {
		s.fired[firingKey{id, assetID}] = struct{}{}
	}
	return s
}

func (s *FiringSet) Has(conditionID, assetID string) bool {
	_, ok := s.fired[firingKey{conditionID, assetID}]
	return ok
}

func (s *FiringSet) Mark(conditionID, assetID string) {
	k := firingKey{conditionID, assetID}
	if _, ok := s.fired[k]; ok {
		return
	}
	s.fired[k] = struct{}{}
	s.marked = append(s.marked, k)
}

// Marked returns the condition ids marked since the set was created, in order
func (s *FiringSet) Marked() []string {
	out := make([]string, len(s.marked))
	for i, k := range s.marked {
		out[i] = k.conditionID
	}
	return out
}

// Evaluator decides which conditions of a meter fire for one reading
type Evaluator struct{}

// Evaluate walks the meter's conditions in declaration order and returns the
// ones that fire. Once conditions are marked in history as they fire.
func (Evaluator) Evaluate(meter *rules.Meter, assetID string, targets readings.Targets, history FiringHistory) []rules.Condition {
	if meter == nil || meter.Deleted() {
		return nil
	}

	var fired []rules.Condition
	for _, c := range meter.Conditions {
		quantity, ok := targets.Pick(c.Target)
		if !ok {
			continue
		}
		if !c.Operator.Compare(quantity, c.Threshold) {
			continue
		}
		if c.Mode == rules.ModeOnce && history.Has(c.ID, assetID) {
			continue
		}
		fired = append(fired, c)
		if c.Mode == rules.ModeOnce {
			history.Mark(c.ID, assetID)
		}
	}
	return fired
}
