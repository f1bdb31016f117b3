package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/meter-rule-engine/internal/dispatch"
	"github.com/septivank/meter-rule-engine/internal/logging"
	"github.com/septivank/meter-rule-engine/internal/metrics"
	"github.com/septivank/meter-rule-engine/internal/readings"
	"github.com/septivank/meter-rule-engine/internal/rules"
	"go.uber.org/zap"
)

// SkipReason explains why a reading produced no evaluation
type SkipReason string

const (
	SkipMeterDeleted SkipReason = "meter_deleted"
)

// RecordRequest is a reading submitted by the host
type RecordRequest struct {
	MeterID       string    `json:"meter_id"`
	AssetID       string    `json:"asset_id"`
	Value         float64   `json:"value"`
	RecordedAt    time.Time `json:"recorded_at"`
	RecordedBy    string    `json:"recorded_by"`
	Notes         string    `json:"notes,omitempty"`
	UnitOfMeasure string    `json:"unit_of_measure,omitempty"`
}

// EvaluationResult is what one recorded reading produced
type EvaluationResult struct {
	Reading         rules.Reading     `json:"reading"`
	Targets         readings.Targets  `json:"targets"`
	FiredConditions []rules.Condition `json:"fired_conditions"`
	DispatchErrors  []dispatch.Error  `json:"dispatch_errors,omitempty"`
	Skipped         SkipReason        `json:"skipped,omitempty"`
}

// Engine records readings, evaluates meter conditions and dispatches actions
type Engine struct {
	store      Store
	evaluator  Evaluator
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger
	locks      *keyLock
	now        func() time.Time
}

// NewEngine creates an engine over the given store and dispatcher
func NewEngine(store Store, dispatcher *dispatch.Dispatcher, m *metrics.Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
		locks:      newKeyLock(),
		now:        time.Now,
	}
}

// RecordReading stores a reading and evaluates the owning meter's conditions
// against it. Evaluation of one (meter, asset) pair is serialized. Fired
// conditions are dispatched after the reading and firing marks are committed;
// dispatch failures are reported in the result and never undo the commit.
func (e *Engine) RecordReading(ctx context.Context, req RecordRequest) (EvaluationResult, error) {
	started := e.now()

	if err := checkRequest(req); err != nil {
		e.metrics.ObserveReading("rejected", started)
		return EvaluationResult{}, err
	}

	recordedAt := req.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = started
	}

	reading := rules.Reading{
		ID:         uuid.NewString(),
		MeterID:    req.MeterID,
		AssetID:    req.AssetID,
		RecordedBy: req.RecordedBy,
		RecordedAt: recordedAt.UTC(),
		Value:      req.Value,
		Notes:      req.Notes,
		CreatedAt:  started.UTC(),
	}

	var (
		meter   *rules.Meter
		targets readings.Targets
		fired   []rules.Condition
		skipped SkipReason
	)

	err := e.withPairLock(req.MeterID, req.AssetID, func() error {
		return e.store.WithinPair(ctx, req.MeterID, req.AssetID, func(tx ReadingTx) error {
			var err error
			meter, err = tx.Meter(ctx)
			if err != nil {
				return err
			}
			if meter.Deleted() {
				skipped = SkipMeterDeleted
				return nil
			}
			if req.UnitOfMeasure != "" && !strings.EqualFold(strings.TrimSpace(req.UnitOfMeasure), meter.UnitOfMeasure) {
				return fmt.Errorf("%w: got %q, meter uses %q", ErrUnitMismatch, req.UnitOfMeasure, meter.UnitOfMeasure)
			}
			reading.UnitOfMeasure = meter.UnitOfMeasure

			agg, err := tx.Aggregate(ctx)
			if err != nil {
				return err
			}
			if agg.Precedes(reading.RecordedAt) {
				return fmt.Errorf("%w: %s is before %s", ErrOutOfOrderReading,
					reading.RecordedAt.Format(time.RFC3339), agg.LastRecordedAt.Format(time.RFC3339))
			}
			targets = agg.Targets(reading.Value)

			var already []string
			if ids := onceConditionIDs(meter); len(ids) > 0 {
				already, err = tx.FiredConditions(ctx, ids)
				if err != nil {
					return err
				}
			}
			history := NewFiringSet(req.AssetID, already...)
			fired = e.evaluator.Evaluate(meter, req.AssetID, targets, history)

			if err := tx.InsertReading(ctx, &reading); err != nil {
				return err
			}
			if err := tx.SaveAggregate(ctx, agg.Apply(reading)); err != nil {
				return err
			}
			for _, id := range history.Marked() {
				if err := tx.MarkFired(ctx, id, reading.CreatedAt); err != nil {
					return err
				}
			}
			return nil
		})
	})

	if err != nil {
		e.metrics.ObserveReading("error", started)
		return EvaluationResult{}, fmt.Errorf("failed to record reading: %w", err)
	}

	logger := logging.WithReading(e.logger, req.MeterID, req.AssetID)

	if skipped != "" {
		logger.Debug("reading skipped", zap.String("reason", string(skipped)))
		e.metrics.ObserveReading("skipped", started)
		return EvaluationResult{Skipped: skipped}, nil
	}

	result := EvaluationResult{
		Reading:         reading,
		Targets:         targets,
		FiredConditions: fired,
	}

	for _, c := range fired {
		e.metrics.ConditionFired(string(c.Target), string(c.Action), string(c.Mode))
		result.DispatchErrors = append(result.DispatchErrors, e.dispatcher.Dispatch(ctx, c, meter, reading, targets)...)
	}

	logger.Info("reading recorded",
		zap.String("reading_id", reading.ID),
		zap.Float64("value", reading.Value),
		zap.Int("fired", len(fired)),
		zap.Int("dispatch_errors", len(result.DispatchErrors)),
	)
	e.metrics.ObserveReading("recorded", started)

	return result, nil
}

// DeleteReading hard deletes a reading and rebuilds the pair's aggregate from
// what remains.
func (e *Engine) DeleteReading(ctx context.Context, readingID string) error {
	r, err := e.store.GetReading(ctx, readingID)
	if err != nil {
		return err
	}

	return e.withPairLock(r.MeterID, r.AssetID, func() error {
		return e.store.WithinPair(ctx, r.MeterID, r.AssetID, func(tx ReadingTx) error {
			if err := tx.DeleteReading(ctx, readingID); err != nil {
				return err
			}
			meter, err := tx.Meter(ctx)
			if err != nil {
				return err
			}
			if meter.Deleted() {
				return nil
			}
			history, err := tx.History(ctx)
			if err != nil {
				return err
			}
			readings.SortReadings(history)
			agg := readings.FromHistory(history)
			agg.MeterID, agg.AssetID = r.MeterID, r.AssetID
			return tx.SaveAggregate(ctx, agg)
		})
	})
}

// ResetFiring clears Once history so the condition may fire again. An empty
// assetID resets every asset.
func (e *Engine) ResetFiring(ctx context.Context, meterID, conditionID, assetID string) error {
	meter, err := e.store.GetMeter(ctx, meterID)
	if err != nil {
		return err
	}
	if meter.Deleted() {
		return ErrMeterNotFound
	}
	if meter.ConditionIndex(conditionID) < 0 {
		return ErrConditionNotFound
	}
	if err := e.store.ResetFiring(ctx, meterID, conditionID, assetID); err != nil {
		return err
	}
	e.logger.Info("firing history reset",
		zap.String("meter_id", meterID),
		zap.String("condition_id", conditionID),
		zap.String("asset_id", assetID),
	)
	return nil
}

// withPairLock runs fn holding the in-process lock of one (meter, asset) pair
func (e *Engine) withPairLock(meterID, assetID string, fn func() error) error {
	unlock := e.locks.Lock(pairKey(meterID, assetID))
	defer unlock()
	return fn()
}

func checkRequest(req RecordRequest) error {
	if strings.TrimSpace(req.MeterID) == "" {
		return fmt.Errorf("%w: empty meter id", ErrInvalidReading)
	}
	if strings.TrimSpace(req.AssetID) == "" {
		return fmt.Errorf("%w: empty asset id", ErrInvalidReading)
	}
	if math.IsNaN(req.Value) || math.IsInf(req.Value, 0) {
		return fmt.Errorf("%w: value must be finite", ErrInvalidReading)
	}
	return nil
}

func onceConditionIDs(m *rules.Meter) []string {
	var ids []string
	for _, c := range m.Conditions {
		if c.Mode == rules.ModeOnce {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
