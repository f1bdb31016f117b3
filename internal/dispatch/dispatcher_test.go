package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/meter-rule-engine/internal/readings"
	"github.com/septivank/meter-rule-engine/internal/rules"
)

var testMeter = &rules.Meter{ID: "m1", Name: "Temperature", UnitOfMeasure: "C"}

func fire(t *testing.T, rec *Recorder, action rules.Action) []Error {
	t.Helper()
	d := NewDispatcher(rec, nil, zap.NewNop())
	c := rules.Condition{
		ID:        "c1",
		Target:    rules.TargetAbsolute,
		Operator:  rules.OpLess,
		Threshold: 15,
		Action:    action,
		Mode:      rules.ModeEveryTime,
	}
	r := rules.Reading{ID: "r1", MeterID: "m1", AssetID: "a1", Value: 10, RecordedAt: time.Now()}
	return d.Dispatch(context.Background(), c, testMeter, r, readings.Targets{Absolute: 10})
}

func TestDispatch_Mapping(t *testing.T) {
	tests := []struct {
		action rules.Action
		steps  []Step
	}{
		{rules.ActionNone, []Step{}},
		{rules.ActionNotify, []Step{StepNotify}},
		{rules.ActionCreateWorkOrder, []Step{StepCreateWorkOrder, StepNotify}},
		{rules.ActionCreateWorkRequest, []Step{StepCreateWorkRequest, StepNotify}},
		{rules.Action("page"), []Step{}},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			rec := NewRecorder()
			errs := fire(t, rec, tt.action)
			assert.Empty(t, errs)
			assert.Equal(t, tt.steps, rec.Steps())
		})
	}
}

func TestDispatch_NotifiesWhenWorkOrderFails(t *testing.T) {
	rec := NewRecorder()
	rec.FailOn(StepCreateWorkOrder, errors.New("cmms unavailable"))

	errs := fire(t, rec, rules.ActionCreateWorkOrder)

	require.Len(t, errs, 1)
	assert.Equal(t, StepCreateWorkOrder, errs[0].Step)
	assert.Equal(t, "c1", errs[0].ConditionID)
	assert.EqualError(t, errors.Unwrap(errs[0]), "cmms unavailable")
	assert.Equal(t, []Step{StepCreateWorkOrder, StepNotify}, rec.Steps())
}

func TestDispatch_BothStepsFail(t *testing.T) {
	rec := NewRecorder()
	rec.FailOn(StepCreateWorkRequest, errors.New("down"))
	rec.FailOn(StepNotify, errors.New("smtp down"))

	errs := fire(t, rec, rules.ActionCreateWorkRequest)

	require.Len(t, errs, 2)
	assert.Equal(t, StepCreateWorkRequest, errs[0].Step)
	assert.Equal(t, StepNotify, errs[1].Step)
}

func TestDispatch_Payload(t *testing.T) {
	rec := NewRecorder()
	fire(t, rec, rules.ActionNotify)

	calls := rec.Calls()
	require.Len(t, calls, 1)
	p := calls[0].Payload
	assert.Equal(t, "a1", p.AssetID)
	assert.Equal(t, "m1", p.MeterID)
	assert.Equal(t, "c1", p.ConditionID)
	assert.Equal(t, "r1", p.Reading.ID)
	assert.Equal(t, 10.0, p.Quantity)
	assert.Equal(t, "Temperature absolute 10 < 15 C", p.Message)
}

func TestMessage_FallsBackToMeterID(t *testing.T) {
	c := rules.Condition{Target: rules.TargetCumulative, Operator: rules.OpGreaterOrEqual, Threshold: 500}
	msg := Message(c, &rules.Meter{ID: "m9", UnitOfMeasure: "hrs"}, 600)
	assert.Equal(t, "m9 cumulative 600 >= 500 hrs", msg)
}
