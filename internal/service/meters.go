package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/septivank/meter-rule-engine/internal/engine"
	"github.com/septivank/meter-rule-engine/internal/rules"
	"go.uber.org/zap"
)

// ErrGroupRequired is returned when a meter is moved without a target group
var ErrGroupRequired = errors.New("group id is required")

// MeterService manages the meter catalogue. Every change is validated as a
// whole meter before it is saved, so the evaluator only sees valid conditions.
type MeterService struct {
	store  engine.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewMeterService creates a new meter service
func NewMeterService(store engine.Store, logger *zap.Logger) *MeterService {
	return &MeterService{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// CreateMeter validates and stores a new meter
func (s *MeterService) CreateMeter(ctx context.Context, in rules.MeterInput) (*rules.Meter, error) {
	m, err := rules.ValidateMeter(in)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	if err := s.store.CreateMeter(ctx, &m); err != nil {
		return nil, fmt.Errorf("failed to create meter: %w", err)
	}

	s.logger.Info("meter created",
		zap.String("meter_id", m.ID),
		zap.String("unit_of_measure", m.UnitOfMeasure),
		zap.Int("conditions", len(m.Conditions)),
	)
	return &m, nil
}

// UpdateMeter replaces a meter's definition. Conditions keep their firing
// history when their id survives the edit.
func (s *MeterService) UpdateMeter(ctx context.Context, meterID string, in rules.MeterInput) (*rules.Meter, error) {
	current, err := s.GetMeter(ctx, meterID)
	if err != nil {
		return nil, err
	}
	in.ID = current.ID
	return s.save(ctx, current, in)
}

// UpsertMeter creates the meter or replaces it when its id already exists
func (s *MeterService) UpsertMeter(ctx context.Context, in rules.MeterInput) (*rules.Meter, bool, error) {
	if id := strings.TrimSpace(in.ID); id != "" {
		current, err := s.store.GetMeter(ctx, id)
		switch {
		case err == nil && !current.Deleted():
			m, err := s.save(ctx, current, in)
			return m, false, err
		case err == nil:
			return nil, false, fmt.Errorf("failed to upsert meter %s: %w", id, engine.ErrMeterExists)
		case !errors.Is(err, engine.ErrMeterNotFound):
			return nil, false, err
		}
	}
	m, err := s.CreateMeter(ctx, in)
	return m, err == nil, err
}

// GetMeter returns a live meter
func (s *MeterService) GetMeter(ctx context.Context, meterID string) (*rules.Meter, error) {
	m, err := s.store.GetMeter(ctx, meterID)
	if err != nil {
		return nil, err
	}
	if m.Deleted() {
		return nil, engine.ErrMeterNotFound
	}
	return m, nil
}

// ListMeters returns every live meter
func (s *MeterService) ListMeters(ctx context.Context) ([]rules.Meter, error) {
	return s.store.ListMeters(ctx)
}

// AddCondition appends a condition to the end of the meter's list
func (s *MeterService) AddCondition(ctx context.Context, meterID string, in rules.ConditionInput) (*rules.Meter, error) {
	current, err := s.GetMeter(ctx, meterID)
	if err != nil {
		return nil, err
	}
	next := inputOf(current)
	next.Conditions = append(next.Conditions, in)
	return s.save(ctx, current, next)
}

// UpdateCondition replaces one condition in place, keeping its position
func (s *MeterService) UpdateCondition(ctx context.Context, meterID, conditionID string, in rules.ConditionInput) (*rules.Meter, error) {
	current, err := s.GetMeter(ctx, meterID)
	if err != nil {
		return nil, err
	}
	i := current.ConditionIndex(conditionID)
	if i < 0 {
		return nil, engine.ErrConditionNotFound
	}
	in.ID = conditionID
	next := inputOf(current)
	next.Conditions[i] = in
	return s.save(ctx, current, next)
}

// RemoveCondition drops a condition and its firing history
func (s *MeterService) RemoveCondition(ctx context.Context, meterID, conditionID string) (*rules.Meter, error) {
	current, err := s.GetMeter(ctx, meterID)
	if err != nil {
		return nil, err
	}
	i := current.ConditionIndex(conditionID)
	if i < 0 {
		return nil, engine.ErrConditionNotFound
	}
	next := inputOf(current)
	next.Conditions = append(next.Conditions[:i], next.Conditions[i+1:]...)
	return s.save(ctx, current, next)
}

// MoveMeter moves the meter into another group
func (s *MeterService) MoveMeter(ctx context.Context, meterID, groupID string) (*rules.Meter, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, ErrGroupRequired
	}
	current, err := s.GetMeter(ctx, meterID)
	if err != nil {
		return nil, err
	}
	next := inputOf(current)
	next.GroupID = groupID
	return s.save(ctx, current, next)
}

// DeleteMeter tombstones a meter. Its readings are removed when
// deleteReadings is set and kept flagged meter_deleted otherwise.
func (s *MeterService) DeleteMeter(ctx context.Context, meterID string, deleteReadings bool) error {
	if err := s.store.DeleteMeter(ctx, meterID, deleteReadings, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to delete meter: %w", err)
	}
	s.logger.Info("meter deleted",
		zap.String("meter_id", meterID),
		zap.Bool("delete_readings", deleteReadings),
	)
	return nil
}

// ListReadings returns the stored readings of a meter, deleted meters included
func (s *MeterService) ListReadings(ctx context.Context, meterID, assetID string) ([]rules.Reading, error) {
	if _, err := s.store.GetMeter(ctx, meterID); err != nil {
		return nil, err
	}
	return s.store.ListReadings(ctx, meterID, strings.TrimSpace(assetID))
}

func (s *MeterService) save(ctx context.Context, current *rules.Meter, in rules.MeterInput) (*rules.Meter, error) {
	m, err := rules.ValidateMeter(in)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = current.CreatedAt
	m.UpdatedAt = s.now().UTC()

	if err := s.store.UpdateMeter(ctx, &m); err != nil {
		return nil, fmt.Errorf("failed to update meter: %w", err)
	}

	s.logger.Info("meter updated",
		zap.String("meter_id", m.ID),
		zap.Int("conditions", len(m.Conditions)),
	)
	return &m, nil
}

func inputOf(m *rules.Meter) rules.MeterInput {
	in := rules.MeterInput{
		ID:            m.ID,
		Name:          m.Name,
		UnitOfMeasure: m.UnitOfMeasure,
		GroupID:       m.GroupID,
		Conditions:    make([]rules.ConditionInput, 0, len(m.Conditions)),
	}
	for _, c := range m.Conditions {
		in.Conditions = append(in.Conditions, rules.InputOf(c))
	}
	return in
}
