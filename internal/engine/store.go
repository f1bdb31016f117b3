package engine

import (
	"context"
	"errors"
	"time"

	"github.com/septivank/meter-rule-engine/internal/readings"
	"github.com/septivank/meter-rule-engine/internal/rules"
)

var (
	ErrMeterNotFound     = errors.New("meter not found")
	ErrReadingNotFound   = errors.New("reading not found")
	ErrMeterExists       = errors.New("meter already exists")
	ErrOutOfOrderReading = errors.New("reading is older than the latest recorded reading")
	ErrUnitMismatch      = errors.New("reading unit does not match meter unit")
	ErrConditionNotFound = errors.New("condition not found")
	ErrInvalidReading    = errors.New("invalid reading")
)

// ReadingTx is the transactional view of one (meter, asset) pair while a
// reading is being recorded or removed.
type ReadingTx interface {
	// Meter loads the owning meter, tombstones included
	Meter(ctx context.Context) (*rules.Meter, error)
	Aggregate(ctx context.Context) (readings.Aggregate, error)
	SaveAggregate(ctx context.Context, agg readings.Aggregate) error
	InsertReading(ctx context.Context, r *rules.Reading) error
	DeleteReading(ctx context.Context, readingID string) error
	History(ctx context.Context) ([]rules.Reading, error)
	FiredConditions(ctx context.Context, conditionIDs []string) ([]string, error)
	MarkFired(ctx context.Context, conditionID string, firedAt time.Time) error
}

// Store persists meters, readings, aggregates and firing history
type Store interface {
	CreateMeter(ctx context.Context, m *rules.Meter) error
	// UpdateMeter replaces the meter and its condition list. Firing history of
	// conditions no longer present is dropped.
	UpdateMeter(ctx context.Context, m *rules.Meter) error
	GetMeter(ctx context.Context, meterID string) (*rules.Meter, error)
	ListMeters(ctx context.Context) ([]rules.Meter, error)
	// DeleteMeter tombstones the meter and drops its aggregates and firing
	// history. Readings are removed, or kept and flagged meter_deleted.
	DeleteMeter(ctx context.Context, meterID string, deleteReadings bool, at time.Time) error

	GetReading(ctx context.Context, readingID string) (*rules.Reading, error)
	ListReadings(ctx context.Context, meterID, assetID string) ([]rules.Reading, error)

	// ResetFiring removes Once history for one of a meter's conditions; an
	// empty assetID means every asset
	ResetFiring(ctx context.Context, meterID, conditionID, assetID string) error

	// WithinPair runs fn in one transaction scoped to (meterID, assetID)
	WithinPair(ctx context.Context, meterID, assetID string, fn func(tx ReadingTx) error) error
}
