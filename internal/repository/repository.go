package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/meter-rule-engine/internal/db"
	"github.com/septivank/meter-rule-engine/internal/engine"
	"github.com/septivank/meter-rule-engine/internal/readings"
	"github.com/septivank/meter-rule-engine/internal/rules"
)

//go:embed schema.sql
var schema string

var _ engine.Store = (*Repository)(nil)

// querier is satisfied by both the pool and a transaction
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Migrate creates the tables used by the engine if they do not exist
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("[DATABASE] failed to apply schema: %w", err)
	}
	return nil
}

// CreateMeter inserts a meter with its conditions
func (r *Repository) CreateMeter(ctx context.Context, m *rules.Meter) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO meters (id, name, unit_of_measure, group_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
		`, m.ID, m.Name, m.UnitOfMeasure, db.NullString(m.GroupID), m.CreatedAt, m.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert meter: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return engine.ErrMeterExists
		}
		return insertConditions(ctx, tx, m)
	})
}

// UpdateMeter replaces a live meter's fields and condition list
func (r *Repository) UpdateMeter(ctx context.Context, m *rules.Meter) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE meters
			SET name = $2, unit_of_measure = $3, group_id = $4, updated_at = $5
			WHERE id = $1 AND deleted_at IS NULL
		`, m.ID, m.Name, m.UnitOfMeasure, db.NullString(m.GroupID), m.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to update meter: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return engine.ErrMeterNotFound
		}

		keep := make([]string, len(m.Conditions))
		for i, c := range m.Conditions {
			keep[i] = c.ID
		}
		_, err = tx.Exec(ctx, `
			DELETE FROM condition_firings
			WHERE meter_id = $1 AND NOT (condition_id = ANY($2))
		`, m.ID, keep)
		if err != nil {
			return fmt.Errorf("failed to drop firing history: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM meter_conditions WHERE meter_id = $1`, m.ID); err != nil {
			return fmt.Errorf("failed to replace conditions: %w", err)
		}
		return insertConditions(ctx, tx, m)
	})
}

func insertConditions(ctx context.Context, tx pgx.Tx, m *rules.Meter) error {
	rows := db.ConditionRows(m)
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range rows {
		batch.Queue(`
			INSERT INTO meter_conditions (id, meter_id, position, target, operator, threshold, action, mode)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, c.ID, c.MeterID, c.Position, c.Target, c.Operator, c.Threshold, c.Action, c.Mode)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert conditions: %w", err)
	}
	return nil
}

// GetMeter loads a meter and its ordered conditions, tombstones included
func (r *Repository) GetMeter(ctx context.Context, meterID string) (*rules.Meter, error) {
	return getMeter(ctx, r.pool, meterID, false)
}

func getMeter(ctx context.Context, q querier, meterID string, lock bool) (*rules.Meter, error) {
	query := `
		SELECT id, name, unit_of_measure, group_id, created_at, updated_at, deleted_at
		FROM meters
		WHERE id = $1
	`
	if lock {
		query += " FOR SHARE"
	}

	var row db.MeterRow
	err := q.QueryRow(ctx, query, meterID).Scan(
		&row.ID,
		&row.Name,
		&row.UnitOfMeasure,
		&row.GroupID,
		&row.CreatedAt,
		&row.UpdatedAt,
		&row.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engine.ErrMeterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query meter: %w", err)
	}

	conditions, err := listConditions(ctx, q, meterID)
	if err != nil {
		return nil, err
	}

	m := row.ToMeter(conditions)
	return &m, nil
}

func listConditions(ctx context.Context, q querier, meterID string) ([]db.ConditionRow, error) {
	rows, err := q.Query(ctx, `
		SELECT id, meter_id, position, target, operator, threshold, action, mode
		FROM meter_conditions
		WHERE meter_id = $1
		ORDER BY position
	`, meterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conditions: %w", err)
	}
	defer rows.Close()

	var out []db.ConditionRow
	for rows.Next() {
		var c db.ConditionRow
		if err := rows.Scan(&c.ID, &c.MeterID, &c.Position, &c.Target, &c.Operator, &c.Threshold, &c.Action, &c.Mode); err != nil {
			return nil, fmt.Errorf("failed to scan condition: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// ListMeters returns all live meters with their conditions
func (r *Repository) ListMeters(ctx context.Context) ([]rules.Meter, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id
		FROM meters
		WHERE deleted_at IS NULL
		ORDER BY name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query meters: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan meters: %w", err)
	}

	out := make([]rules.Meter, 0, len(ids))
	for _, id := range ids {
		m, err := r.GetMeter(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

// DeleteMeter tombstones a meter, dropping its aggregates and firing history
// and either deleting or flagging its readings.
func (r *Repository) DeleteMeter(ctx context.Context, meterID string, deleteReadings bool, at time.Time) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE meters SET deleted_at = $2, updated_at = $2
			WHERE id = $1 AND deleted_at IS NULL
		`, meterID, at)
		if err != nil {
			return fmt.Errorf("failed to delete meter: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return engine.ErrMeterNotFound
		}

		if _, err := tx.Exec(ctx, `DELETE FROM condition_firings WHERE meter_id = $1`, meterID); err != nil {
			return fmt.Errorf("failed to drop firing history: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM meter_aggregates WHERE meter_id = $1`, meterID); err != nil {
			return fmt.Errorf("failed to drop aggregates: %w", err)
		}

		if deleteReadings {
			_, err = tx.Exec(ctx, `DELETE FROM meter_readings WHERE meter_id = $1`, meterID)
		} else {
			_, err = tx.Exec(ctx, `UPDATE meter_readings SET meter_deleted = TRUE WHERE meter_id = $1`, meterID)
		}
		if err != nil {
			return fmt.Errorf("failed to update meter readings: %w", err)
		}
		return nil
	})
}

const readingColumns = `id, meter_id, asset_id, recorded_by, recorded_at, value, unit_of_measure, notes, meter_deleted, created_at`

func scanReading(row pgx.Row) (rules.Reading, error) {
	var rr db.ReadingRow
	err := row.Scan(
		&rr.ID,
		&rr.MeterID,
		&rr.AssetID,
		&rr.RecordedBy,
		&rr.RecordedAt,
		&rr.Value,
		&rr.UnitOfMeasure,
		&rr.Notes,
		&rr.MeterDeleted,
		&rr.CreatedAt,
	)
	if err != nil {
		return rules.Reading{}, err
	}
	return rr.ToReading(), nil
}

// GetReading loads one reading
func (r *Repository) GetReading(ctx context.Context, readingID string) (*rules.Reading, error) {
	reading, err := scanReading(r.pool.QueryRow(ctx, `SELECT `+readingColumns+` FROM meter_readings WHERE id = $1`, readingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engine.ErrReadingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query reading: %w", err)
	}
	return &reading, nil
}

// ListReadings returns a meter's readings oldest first; an empty assetID lists every asset
func (r *Repository) ListReadings(ctx context.Context, meterID, assetID string) ([]rules.Reading, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+readingColumns+`
		FROM meter_readings
		WHERE meter_id = $1 AND ($2 = '' OR asset_id = $2)
		ORDER BY recorded_at, seq
	`, meterID, assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	return collectReadings(rows)
}

func collectReadings(rows pgx.Rows) ([]rules.Reading, error) {
	defer rows.Close()

	var out []rules.Reading
	for rows.Next() {
		reading, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		out = append(out, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// ResetFiring removes Once history for a meter's condition; an empty assetID clears every asset
func (r *Repository) ResetFiring(ctx context.Context, meterID, conditionID, assetID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM condition_firings
		WHERE meter_id = $1 AND condition_id = $2 AND ($3 = '' OR asset_id = $3)
	`, meterID, conditionID, assetID)
	if err != nil {
		return fmt.Errorf("failed to reset firing history: %w", err)
	}
	return nil
}

// WithinPair runs fn in a transaction holding an advisory lock on the pair,
// so concurrent engine processes serialize on the same (meter, asset).
func (r *Repository) WithinPair(ctx context.Context, meterID, assetID string, fn func(tx engine.ReadingTx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))`, meterID, assetID); err != nil {
			return fmt.Errorf("failed to lock meter asset pair: %w", err)
		}
		return fn(&pairTx{tx: tx, meterID: meterID, assetID: assetID})
	})
}

// pairTx implements engine.ReadingTx on a pgx transaction
type pairTx struct {
	tx      pgx.Tx
	meterID string
	assetID string
}

func (p *pairTx) Meter(ctx context.Context) (*rules.Meter, error) {
	return getMeter(ctx, p.tx, p.meterID, true)
}

func (p *pairTx) Aggregate(ctx context.Context) (readings.Aggregate, error) {
	row := db.AggregateRow{MeterID: p.meterID, AssetID: p.assetID}
	err := p.tx.QueryRow(ctx, `
		SELECT last_value, running_sum, reading_count, last_recorded_at
		FROM meter_aggregates
		WHERE meter_id = $1 AND asset_id = $2
	`, p.meterID, p.assetID).Scan(&row.LastValue, &row.RunningSum, &row.Count, &row.LastRecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return readings.Aggregate{MeterID: p.meterID, AssetID: p.assetID}, nil
	}
	if err != nil {
		return readings.Aggregate{}, fmt.Errorf("failed to query aggregate: %w", err)
	}
	return row.ToAggregate(), nil
}

func (p *pairTx) SaveAggregate(ctx context.Context, agg readings.Aggregate) error {
	if agg.Count == 0 {
		_, err := p.tx.Exec(ctx, `DELETE FROM meter_aggregates WHERE meter_id = $1 AND asset_id = $2`, p.meterID, p.assetID)
		if err != nil {
			return fmt.Errorf("failed to clear aggregate: %w", err)
		}
		return nil
	}
	_, err := p.tx.Exec(ctx, `
		INSERT INTO meter_aggregates (meter_id, asset_id, last_value, running_sum, reading_count, last_recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (meter_id, asset_id) DO UPDATE
		SET last_value = EXCLUDED.last_value,
			running_sum = EXCLUDED.running_sum,
			reading_count = EXCLUDED.reading_count,
			last_recorded_at = EXCLUDED.last_recorded_at
	`, p.meterID, p.assetID, agg.LastValue, agg.RunningSum, agg.Count, agg.LastRecordedAt)
	if err != nil {
		return fmt.Errorf("failed to save aggregate: %w", err)
	}
	return nil
}

func (p *pairTx) InsertReading(ctx context.Context, reading *rules.Reading) error {
	_, err := p.tx.Exec(ctx, `
		INSERT INTO meter_readings (`+readingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		reading.ID,
		reading.MeterID,
		reading.AssetID,
		reading.RecordedBy,
		reading.RecordedAt,
		reading.Value,
		reading.UnitOfMeasure,
		db.NullString(reading.Notes),
		reading.MeterDeleted,
		reading.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert meter reading: %w", err)
	}
	return nil
}

func (p *pairTx) DeleteReading(ctx context.Context, readingID string) error {
	tag, err := p.tx.Exec(ctx, `
		DELETE FROM meter_readings
		WHERE id = $1 AND meter_id = $2 AND asset_id = $3
	`, readingID, p.meterID, p.assetID)
	if err != nil {
		return fmt.Errorf("failed to delete meter reading: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrReadingNotFound
	}
	return nil
}

func (p *pairTx) History(ctx context.Context) ([]rules.Reading, error) {
	rows, err := p.tx.Query(ctx, `
		SELECT `+readingColumns+`
		FROM meter_readings
		WHERE meter_id = $1 AND asset_id = $2
		ORDER BY recorded_at, seq
	`, p.meterID, p.assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return collectReadings(rows)
}

func (p *pairTx) FiredConditions(ctx context.Context, conditionIDs []string) ([]string, error) {
	rows, err := p.tx.Query(ctx, `
		SELECT condition_id
		FROM condition_firings
		WHERE meter_id = $1 AND asset_id = $2 AND condition_id = ANY($3)
	`, p.meterID, p.assetID, conditionIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query firing history: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan firing history: %w", err)
	}
	return ids, nil
}

func (p *pairTx) MarkFired(ctx context.Context, conditionID string, firedAt time.Time) error {
	_, err := p.tx.Exec(ctx, `
		INSERT INTO condition_firings (meter_id, condition_id, asset_id, fired_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (meter_id, condition_id, asset_id) DO NOTHING
	`, p.meterID, conditionID, p.assetID, firedAt)
	if err != nil {
		return fmt.Errorf("failed to record firing: %w", err)
	}
	return nil
}
