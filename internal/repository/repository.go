package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/meter-tariff-worker/internal/db"
)

// DB is the subset of pgxpool.Pool the repository needs
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var _ DB = (*pgxpool.Pool)(nil)

// Schema creates the reading and tariff tables when missing
const Schema = `
CREATE TABLE IF NOT EXISTS meter_readings (
	id          UUID PRIMARY KEY,
	meter_id    TEXT NOT NULL,
	source      TEXT NOT NULL,
	reading     DOUBLE PRECISION NOT NULL,
	unit        TEXT NOT NULL,
	read_at     TIMESTAMPTZ NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS meter_readings_meter_time ON meter_readings (meter_id, read_at DESC);

CREATE TABLE IF NOT EXISTS meter_tariffs (
	id          UUID PRIMARY KEY,
	meter_id    TEXT NOT NULL,
	name        TEXT NOT NULL,
	amount      DOUBLE PRECISION NOT NULL,
	tariff      TEXT NOT NULL,
	tax         TEXT NOT NULL,
	rate_id     TEXT NOT NULL,
	type        TEXT NOT NULL,
	source      TEXT NOT NULL,
	charged_at  TIMESTAMPTZ NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS meter_tariffs_meter_time ON meter_tariffs (meter_id, charged_at DESC);
`

// Repository handles database operations
type Repository struct {
	db DB
}

// NewRepository creates a new repository
func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// EnsureSchema creates the tables used by the postgres sink
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// InsertReading inserts a meter reading
func (r *Repository) InsertReading(ctx context.Context, row *db.ReadingRow) error {
	query := `
		INSERT INTO meter_readings (id, meter_id, source, reading, unit, read_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.Exec(ctx, query,
		row.ID,
		row.MeterID,
		row.Source,
		row.Reading,
		row.Unit,
		row.ReadAt,
		row.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert meter reading: %w", err)
	}
	return nil
}

// InsertTariff inserts a tariff charge
func (r *Repository) InsertTariff(ctx context.Context, row *db.TariffRow) error {
	query := `
		INSERT INTO meter_tariffs (id, meter_id, name, amount, tariff, tax, rate_id, type, source, charged_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.Exec(ctx, query,
		row.ID,
		row.MeterID,
		row.Name,
		row.Amount,
		row.Tariff,
		row.Tax,
		row.RateID,
		row.Type,
		row.Source,
		row.ChargedAt,
		row.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert meter tariff: %w", err)
	}
	return nil
}

// RecentReadings returns the newest readings for a meter
func (r *Repository) RecentReadings(ctx context.Context, meterID string, limit int) ([]db.ReadingRow, error) {
	query := `
		SELECT id, meter_id, source, reading, unit, read_at, received_at
		FROM meter_readings
		WHERE meter_id = $1
		ORDER BY read_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, meterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent readings: %w", err)
	}
	defer rows.Close()

	var out []db.ReadingRow
	for rows.Next() {
		var row db.ReadingRow
		if err := rows.Scan(&row.ID, &row.MeterID, &row.Source, &row.Reading, &row.Unit, &row.ReadAt, &row.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// RecentTariffs returns the newest tariff charges for a meter
func (r *Repository) RecentTariffs(ctx context.Context, meterID string, limit int) ([]db.TariffRow, error) {
	query := `
		SELECT id, meter_id, name, amount, tariff, tax, rate_id, type, source, charged_at, received_at
		FROM meter_tariffs
		WHERE meter_id = $1
		ORDER BY charged_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, meterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent tariffs: %w", err)
	}
	defer rows.Close()

	var out []db.TariffRow
	for rows.Next() {
		var row db.TariffRow
		if err := rows.Scan(&row.ID, &row.MeterID, &row.Name, &row.Amount, &row.Tariff, &row.Tax,
			&row.RateID, &row.Type, &row.Source, &row.ChargedAt, &row.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tariff: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}
