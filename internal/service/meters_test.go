package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/meter-rule-engine/internal/dispatch"
	"github.com/septivank/meter-rule-engine/internal/engine"
	"github.com/septivank/meter-rule-engine/internal/repository"
	"github.com/septivank/meter-rule-engine/internal/rules"
)

func notifyAbove(id string, threshold string, mode rules.Mode) rules.ConditionInput {
	return rules.ConditionInput{
		ID:        id,
		Target:    rules.TargetAbsolute,
		Operator:  rules.OpGreater,
		Threshold: rules.RawThreshold(threshold),
		Action:    rules.ActionNotify,
		Mode:      mode,
	}
}

func newMeterService() (*MeterService, *repository.Memory) {
	store := repository.NewMemory()
	return NewMeterService(store, zap.NewNop()), store
}

func TestMeterService_CreateAndGet(t *testing.T) {
	svc, _ := newMeterService()
	ctx := context.Background()

	m, err := svc.CreateMeter(ctx, rules.MeterInput{
		Name:          " Engine hours ",
		UnitOfMeasure: "hrs",
		Conditions:    []rules.ConditionInput{notifyAbove("", "500", rules.ModeOnce)},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "Engine hours", m.Name)
	require.Len(t, m.Conditions, 1)
	assert.NotEmpty(t, m.Conditions[0].ID)
	assert.False(t, m.CreatedAt.IsZero())

	got, err := svc.GetMeter(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Conditions, got.Conditions)
}

func TestMeterService_CreateRejectsInvalidConfig(t *testing.T) {
	svc, store := newMeterService()
	ctx := context.Background()

	_, err := svc.CreateMeter(ctx, rules.MeterInput{
		ID:         "bad",
		Conditions: []rules.ConditionInput{notifyAbove("c1", "abc", rules.ModeOnce)},
	})
	require.Error(t, err)
	assert.True(t, rules.IsConfigError(err))
	assert.Len(t, rules.Messages(err), 2)

	_, err = store.GetMeter(ctx, "bad")
	assert.ErrorIs(t, err, engine.ErrMeterNotFound, "invalid meters are never saved")
}

func TestMeterService_ConditionEdits(t *testing.T) {
	svc, _ := newMeterService()
	ctx := context.Background()

	m, err := svc.CreateMeter(ctx, rules.MeterInput{
		ID:            "m",
		UnitOfMeasure: "C",
		Conditions:    []rules.ConditionInput{notifyAbove("a", "1", rules.ModeOnce), notifyAbove("b", "2", rules.ModeOnce)},
	})
	require.NoError(t, err)

	m, err = svc.AddCondition(ctx, m.ID, notifyAbove("c", "3", rules.ModeEveryTime))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, conditionIDs(m))

	m, err = svc.UpdateCondition(ctx, m.ID, "b", notifyAbove("ignored", "20", rules.ModeEveryTime))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, conditionIDs(m))
	assert.Equal(t, 20.0, m.Conditions[1].Threshold)

	m, err = svc.RemoveCondition(ctx, m.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, conditionIDs(m))

	_, err = svc.RemoveCondition(ctx, m.ID, "a")
	assert.ErrorIs(t, err, engine.ErrConditionNotFound)

	_, err = svc.AddCondition(ctx, m.ID, notifyAbove("b", "1", rules.ModeOnce))
	assert.ErrorIs(t, err, rules.ErrDuplicateCondition)

	_, err = svc.UpdateCondition(ctx, m.ID, "c", notifyAbove("", "NaN", rules.ModeOnce))
	assert.ErrorIs(t, err, rules.ErrInvalidThreshold)

	got, err := svc.GetMeter(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 20.0, got.Conditions[0].Threshold, "failed edits leave the meter untouched")
}

func TestMeterService_RemovedConditionForgetsFiring(t *testing.T) {
	svc, store := newMeterService()
	ctx := context.Background()
	rec := dispatch.NewRecorder()
	eng := engine.NewEngine(store, dispatch.NewDispatcher(rec, nil, zap.NewNop()), nil, zap.NewNop())

	_, err := svc.CreateMeter(ctx, rules.MeterInput{
		ID: "m", UnitOfMeasure: "C",
		Conditions: []rules.ConditionInput{notifyAbove("c", "0", rules.ModeOnce)},
	})
	require.NoError(t, err)

	record := func(h int) {
		_, err := eng.RecordReading(ctx, engine.RecordRequest{
			MeterID: "m", AssetID: "a", Value: 1, RecordedAt: time.Date(2025, 1, 1, h, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}

	record(0)
	record(1)
	require.Len(t, rec.Calls(), 1)

	// editing keeps history
	_, err = svc.UpdateCondition(ctx, "m", "c", notifyAbove("", "0.5", rules.ModeOnce))
	require.NoError(t, err)
	record(2)
	assert.Len(t, rec.Calls(), 1)

	// remove and re-add under the same id starts over
	_, err = svc.RemoveCondition(ctx, "m", "c")
	require.NoError(t, err)
	_, err = svc.AddCondition(ctx, "m", notifyAbove("c", "0", rules.ModeOnce))
	require.NoError(t, err)
	record(3)
	assert.Len(t, rec.Calls(), 2)
}

func TestMeterService_MoveMeter(t *testing.T) {
	svc, _ := newMeterService()
	ctx := context.Background()
	_, err := svc.CreateMeter(ctx, rules.MeterInput{ID: "m", UnitOfMeasure: "kWh", GroupID: "g1"})
	require.NoError(t, err)

	m, err := svc.MoveMeter(ctx, "m", "g2")
	require.NoError(t, err)
	assert.Equal(t, "g2", m.GroupID)

	_, err = svc.MoveMeter(ctx, "m", " ")
	assert.ErrorIs(t, err, ErrGroupRequired)
}

func TestMeterService_DeleteMeter(t *testing.T) {
	svc, _ := newMeterService()
	ctx := context.Background()
	_, err := svc.CreateMeter(ctx, rules.MeterInput{ID: "m", UnitOfMeasure: "kWh"})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteMeter(ctx, "m", false))

	_, err = svc.GetMeter(ctx, "m")
	assert.ErrorIs(t, err, engine.ErrMeterNotFound)
	_, err = svc.AddCondition(ctx, "m", notifyAbove("", "1", rules.ModeOnce))
	assert.ErrorIs(t, err, engine.ErrMeterNotFound)

	readings, err := svc.ListReadings(ctx, "m", "")
	require.NoError(t, err, "readings of deleted meters stay listable")
	assert.Empty(t, readings)

	assert.ErrorIs(t, svc.DeleteMeter(ctx, "m", true), engine.ErrMeterNotFound)

	meters, err := svc.ListMeters(ctx)
	require.NoError(t, err)
	assert.Empty(t, meters)
}

func TestMeterService_UpsertMeter(t *testing.T) {
	svc, _ := newMeterService()
	ctx := context.Background()

	_, created, err := svc.UpsertMeter(ctx, rules.MeterInput{ID: "m", UnitOfMeasure: "hrs"})
	require.NoError(t, err)
	assert.True(t, created)

	m, created, err := svc.UpsertMeter(ctx, rules.MeterInput{ID: "m", Name: "renamed", UnitOfMeasure: "hrs"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "renamed", m.Name)

	require.NoError(t, svc.DeleteMeter(ctx, "m", true))
	_, _, err = svc.UpsertMeter(ctx, rules.MeterInput{ID: "m", UnitOfMeasure: "hrs"})
	assert.ErrorIs(t, err, engine.ErrMeterExists)
}

func conditionIDs(m *rules.Meter) []string {
	out := make([]string, 0, len(m.Conditions))
	for _, c := range m.Conditions {
		out = append(out, c.ID)
	}
	return out
}
