package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/meter-rule-engine/internal/dispatch"
	"github.com/septivank/meter-rule-engine/internal/engine"
	"github.com/septivank/meter-rule-engine/internal/repository"
	"github.com/septivank/meter-rule-engine/internal/rules"
	"github.com/septivank/meter-rule-engine/internal/validator"
)

type failingStore struct {
	*repository.Memory
}

func (failingStore) WithinPair(context.Context, string, string, func(engine.ReadingTx) error) error {
	return errors.New("[DATABASE] connection reset")
}

func newProcessor(t *testing.T, store engine.Store) (*ProcessorService, *dispatch.Recorder) {
	t.Helper()
	svc := NewMeterService(store, zap.NewNop())
	_, err := svc.CreateMeter(context.Background(), rules.MeterInput{
		ID:            "temp",
		UnitOfMeasure: "C",
		Conditions: []rules.ConditionInput{{
			ID: "cold", Target: rules.TargetAbsolute, Operator: rules.OpLess,
			Threshold: "15", Action: rules.ActionNotify, Mode: rules.ModeEveryTime,
		}},
	})
	require.NoError(t, err)

	rec := dispatch.NewRecorder()
	eng := engine.NewEngine(store, dispatch.NewDispatcher(rec, nil, zap.NewNop()), nil, zap.NewNop())
	return NewProcessorService(eng, validator.NewValidator(60), nil, zap.NewNop()), rec
}

const ingestBody = `{
  "request_id": "req-1",
  "recorded_by": "gateway-3",
  "received_at": "2025-12-29T10:32:00Z",
  "readings": [
    {"meter_id": "temp", "asset_id": "freezer-1", "date": "2025-12-29T10:00:00Z", "data": "10"},
    {"meter_id": "temp", "asset_id": "freezer-1", "date": "2025-12-29T10:10:00Z", "data": "[20]"},
    {"meter_id": "temp", "asset_id": "freezer-1", "date": "2025-12-29T10:20:00Z", "data": "abc"},
    {"meter_id": "ghost", "asset_id": "freezer-1", "date": "2025-12-29T10:20:00Z", "data": "1"},
    {"meter_id": "temp", "asset_id": "freezer-1", "date": "2025-12-29T09:00:00Z", "data": "1"},
    {"meter_id": "temp", "asset_id": "freezer-1", "date": "2025-12-29T10:30:00Z", "data": "5", "notes": "door open"}
  ]
}`

func TestProcess_RecordsValidEntries(t *testing.T) {
	store := repository.NewMemory()
	p, rec := newProcessor(t, store)

	summary, err := p.Process(context.Background(), []byte(ingestBody))
	require.NoError(t, err)

	assert.Equal(t, ProcessSummary{Recorded: 3, Rejected: 3, Fired: 2}, summary)
	assert.Len(t, rec.Calls(), 2)

	stored, err := store.ListReadings(context.Background(), "temp", "freezer-1")
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, "gateway-3", stored[0].RecordedBy)
	assert.Equal(t, "door open", stored[2].Notes)
	assert.Equal(t, time.Date(2025, 12, 29, 10, 30, 0, 0, time.UTC), stored[2].RecordedAt)
}

func TestProcess_SkipsDeletedMeter(t *testing.T) {
	store := repository.NewMemory()
	p, rec := newProcessor(t, store)
	require.NoError(t, store.DeleteMeter(context.Background(), "temp", false, time.Now()))

	summary, err := p.Process(context.Background(), []byte(`{"readings":[{"meter_id":"temp","asset_id":"a","data":"1"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, rec.Calls())
}

func TestProcessMessage_MalformedJSON(t *testing.T) {
	p, _ := newProcessor(t, repository.NewMemory())

	err := p.ProcessMessage(context.Background(), []byte(`{"readings":`))
	assert.ErrorContains(t, err, "failed to unmarshal message")
}

func TestProcessMessage_StorageFailureIsReturned(t *testing.T) {
	p, _ := newProcessor(t, failingStore{repository.NewMemory()})

	err := p.ProcessMessage(context.Background(), []byte(`{"readings":[{"meter_id":"temp","asset_id":"a","data":"1"}]}`))
	assert.ErrorContains(t, err, "[DATABASE]")
}

func TestIsRejection(t *testing.T) {
	assert.True(t, isRejection(engine.ErrOutOfOrderReading))
	assert.True(t, isRejection(errors.Join(errors.New("x"), engine.ErrMeterNotFound)))
	assert.False(t, isRejection(errors.New("timeout")))
}
