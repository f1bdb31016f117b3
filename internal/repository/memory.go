package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/septivank/meter-rule-engine/internal/engine"
	"github.com/septivank/meter-rule-engine/internal/readings"
	"github.com/septivank/meter-rule-engine/internal/rules"
)

var _ engine.Store = (*Memory)(nil)

type pair struct {
	meterID string
	assetID string
}

// fired keys Once history; condition ids are only unique within one meter
type fired struct {
	meterID     string
	conditionID string
	assetID     string
}

// Memory is an in-process Store. Transactions are serialized by a single
// mutex and applied on a staged copy, so a failed fn leaves no trace.
type Memory struct {
	mu         sync.Mutex
	meters     map[string]rules.Meter
	readings   []rules.Reading
	aggregates map[pair]readings.Aggregate
	fired      map[fired]time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		meters:     make(map[string]rules.Meter),
		aggregates: make(map[pair]readings.Aggregate),
		fired:      make(map[fired]time.Time),
	}
}

func cloneMeter(m rules.Meter) *rules.Meter {
	m.Conditions = append([]rules.Condition(nil), m.Conditions...)
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		m.DeletedAt = &t
	}
	return &m
}

// CreateMeter stores a new meter
func (s *Memory) CreateMeter(_ context.Context, m *rules.Meter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meters[m.ID]; ok {
		return engine.ErrMeterExists
	}
	s.meters[m.ID] = *cloneMeter(*m)
	return nil
}

// UpdateMeter replaces a live meter and drops firing history of removed conditions
func (s *Memory) UpdateMeter(_ context.Context, m *rules.Meter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.meters[m.ID]
	if !ok || old.Deleted() {
		return engine.ErrMeterNotFound
	}

	keep := make(map[string]struct{}, len(m.Conditions))
	for _, c := range m.Conditions {
		keep[c.ID] = struct{}{}
	}
	for _, c := range old.Conditions {
		if _, ok := keep[c.ID]; !ok {
			s.resetFiringLocked(m.ID, c.ID, "")
		}
	}

	s.meters[m.ID] = *cloneMeter(*m)
	return nil
}

// GetMeter returns a meter, tombstones included
func (s *Memory) GetMeter(_ context.Context, meterID string) (*rules.Meter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meters[meterID]
	if !ok {
		return nil, engine.ErrMeterNotFound
	}
	return cloneMeter(m), nil
}

// ListMeters returns live meters ordered by name then id
func (s *Memory) ListMeters(_ context.Context) ([]rules.Meter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rules.Meter, 0, len(s.meters))
	for _, m := range s.meters {
		if m.Deleted() {
			continue
		}
		out = append(out, *cloneMeter(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteMeter tombstones a meter and either removes or flags its readings
func (s *Memory) DeleteMeter(_ context.Context, meterID string, deleteReadings bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meters[meterID]
	if !ok || m.Deleted() {
		return engine.ErrMeterNotFound
	}

	for _, c := range m.Conditions {
		s.resetFiringLocked(meterID, c.ID, "")
	}
	for k := range s.aggregates {
		if k.meterID == meterID {
			delete(s.aggregates, k)
		}
	}

	kept := s.readings[:0]
	for _, r := range s.readings {
		if r.MeterID == meterID {
			if deleteReadings {
				continue
			}
			r.MeterDeleted = true
		}
		kept = append(kept, r)
	}
	s.readings = kept

	m.DeletedAt = &at
	s.meters[meterID] = m
	return nil
}

// GetReading returns one reading by id
func (s *Memory) GetReading(_ context.Context, readingID string) (*rules.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.readings {
		if r.ID == readingID {
			r := r
			return &r, nil
		}
	}
	return nil, engine.ErrReadingNotFound
}

// ListReadings returns a meter's readings, oldest first. An empty assetID lists every asset.
func (s *Memory) ListReadings(_ context.Context, meterID, assetID string) ([]rules.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.historyLocked(meterID, assetID)
	readings.SortReadings(out)
	return out, nil
}

// ResetFiring removes Once history for a meter's condition
func (s *Memory) ResetFiring(_ context.Context, meterID, conditionID, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetFiringLocked(meterID, conditionID, assetID)
	return nil
}

// WithinPair runs fn against a staged view of the pair and applies it if fn succeeds
func (s *Memory) WithinPair(ctx context.Context, meterID, assetID string, fn func(tx engine.ReadingTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s, key: pair{meterID, assetID}}
	if err := fn(tx); err != nil {
		return err
	}
	tx.apply()
	return nil
}

func (s *Memory) historyLocked(meterID, assetID string) []rules.Reading {
	var out []rules.Reading
	for _, r := range s.readings {
		if r.MeterID == meterID && (assetID == "" || r.AssetID == assetID) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Memory) resetFiringLocked(meterID, conditionID, assetID string) {
	for k := range s.fired {
		if k.meterID == meterID && k.conditionID == conditionID && (assetID == "" || k.assetID == assetID) {
			delete(s.fired, k)
		}
	}
}

// memoryTx stages writes until the transaction function returns
type memoryTx struct {
	store    *Memory
	key      pair
	inserted []rules.Reading
	deleted  map[string]struct{}
	agg      *readings.Aggregate
	marks    map[string]time.Time
}

func (tx *memoryTx) Meter(_ context.Context) (*rules.Meter, error) {
	m, ok := tx.store.meters[tx.key.meterID]
	if !ok {
		return nil, engine.ErrMeterNotFound
	}
	return cloneMeter(m), nil
}

func (tx *memoryTx) Aggregate(_ context.Context) (readings.Aggregate, error) {
	if tx.agg != nil {
		return *tx.agg, nil
	}
	agg, ok := tx.store.aggregates[tx.key]
	if !ok {
		return readings.Aggregate{MeterID: tx.key.meterID, AssetID: tx.key.assetID}, nil
	}
	return agg, nil
}

func (tx *memoryTx) SaveAggregate(_ context.Context, agg readings.Aggregate) error {
	tx.agg = &agg
	return nil
}

func (tx *memoryTx) InsertReading(_ context.Context, r *rules.Reading) error {
	tx.inserted = append(tx.inserted, *r)
	return nil
}

func (tx *memoryTx) DeleteReading(_ context.Context, readingID string) error {
	for _, r := range tx.store.readings {
		if r.ID == readingID && r.MeterID == tx.key.meterID && r.AssetID == tx.key.assetID {
			if tx.deleted == nil {
				tx.deleted = make(map[string]struct{})
			}
			tx.deleted[readingID] = struct{}{}
			return nil
		}
	}
	return engine.ErrReadingNotFound
}

func (tx *memoryTx) History(_ context.Context) ([]rules.Reading, error) {
	var out []rules.Reading
	for _, r := range tx.store.historyLocked(tx.key.meterID, tx.key.assetID) {
		if _, gone := tx.deleted[r.ID]; !gone {
			out = append(out, r)
		}
	}
	return append(out, tx.inserted...), nil
}

func (tx *memoryTx) FiredConditions(_ context.Context, conditionIDs []string) ([]string, error) {
	var out []string
	for _, id := range conditionIDs {
		if _, ok := tx.store.fired[fired{tx.key.meterID, id, tx.key.assetID}]; ok {
			out = append(out, id)
			continue
		}
		if _, ok := tx.marks[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (tx *memoryTx) MarkFired(_ context.Context, conditionID string, firedAt time.Time) error {
	if tx.marks == nil {
		tx.marks = make(map[string]time.Time)
	}
	tx.marks[conditionID] = firedAt
	return nil
}

func (tx *memoryTx) apply() {
	s := tx.store
	if len(tx.deleted) > 0 {
		kept := s.readings[:0]
		for _, r := range s.readings {
			if _, gone := tx.deleted[r.ID]; !gone {
				kept = append(kept, r)
			}
		}
		s.readings = kept
	}
	s.readings = append(s.readings, tx.inserted...)
	if tx.agg != nil {
		s.aggregates[tx.key] = *tx.agg
	}
	for id, at := range tx.marks {
		k := fired{tx.key.meterID, id, tx.key.assetID}
		if _, ok := s.fired[k]; !ok {
			s.fired[k] = at
		}
	}
}
