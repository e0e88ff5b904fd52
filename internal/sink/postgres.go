package sink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/septivank/meter-tariff-worker/internal/db"
	"github.com/septivank/meter-tariff-worker/internal/model"
	"github.com/septivank/meter-tariff-worker/internal/repository"
	"go.uber.org/zap"
)

// recordNamespace seeds the row ids so a retried write maps onto the same row
var recordNamespace = uuid.MustParse("5b0f3c1e-8a4d-4f7e-9a51-2d6c0e7b9f13")

// Postgres stores readings and charges in PostgreSQL tables
type Postgres struct {
	repo   *repository.Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewPostgres creates the postgres sink on top of a repository
func NewPostgres(repo *repository.Repository, logger *zap.Logger) *Postgres {
	return &Postgres{repo: repo, logger: logger, now: time.Now}
}

func (s *Postgres) Name() string { return "postgres" }

// ReadingRowID derives a stable row id for a reading
func ReadingRowID(r model.MeterReading) uuid.UUID {
	return uuid.NewSHA1(recordNamespace, []byte(strings.Join([]string{
		"reading", r.Source, r.ID, strconv.FormatInt(r.Time, 10),
	}, "|")))
}

// TariffRowID derives a stable row id for a tariff charge
func TariffRowID(c model.MeterTariffCharge) uuid.UUID {
	return uuid.NewSHA1(recordNamespace, []byte(strings.Join([]string{
		"tariff", c.Source, c.ID, c.Name, strconv.FormatInt(c.Time, 10),
	}, "|")))
}

func (s *Postgres) WriteReading(ctx context.Context, r model.MeterReading) error {
	row := &db.ReadingRow{
		ID:         ReadingRowID(r),
		MeterID:    r.ID,
		Source:     r.Source,
		Reading:    r.Reading,
		Unit:       r.Unit,
		ReadAt:     r.Timestamp(),
		ReceivedAt: s.now().UTC(),
	}
	return classifyPostgres(s.repo.InsertReading(ctx, row))
}

func (s *Postgres) WriteTariff(ctx context.Context, c model.MeterTariffCharge) error {
	row := &db.TariffRow{
		ID:         TariffRowID(c),
		MeterID:    c.ID,
		Name:       c.Name,
		Amount:     c.Amount,
		Tariff:     c.TariffLabel,
		Tax:        c.Tax,
		RateID:     c.RateID,
		Type:       string(c.Type),
		Source:     c.Source,
		ChargedAt:  c.Timestamp(),
		ReceivedAt: s.now().UTC(),
	}
	return classifyPostgres(s.repo.InsertTariff(ctx, row))
}

// Readings returns the newest readings for a meter, newest first
func (s *Postgres) Readings(ctx context.Context, meterID string, limit int) ([]model.MeterReading, error) {
	rows, err := s.repo.RecentReadings(ctx, meterID, limit)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	out := make([]model.MeterReading, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.MeterReading{
			Time:    row.ReadAt.UnixMilli(),
			Source:  row.Source,
			ID:      row.MeterID,
			Reading: row.Reading,
			Unit:    row.Unit,
		})
	}
	return out, nil
}

// Tariffs returns the newest charges for a meter, newest first
func (s *Postgres) Tariffs(ctx context.Context, meterID string, limit int) ([]model.MeterTariffCharge, error) {
	rows, err := s.repo.RecentTariffs(ctx, meterID, limit)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	out := make([]model.MeterTariffCharge, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.MeterTariffCharge{
			Time:        row.ChargedAt.UnixMilli(),
			ID:          row.MeterID,
			Name:        row.Name,
			Amount:      row.Amount,
			TariffLabel: row.Tariff,
			Tax:         row.Tax,
			RateID:      row.RateID,
			Type:        model.TariffType(row.Type),
			Source:      row.Source,
		})
	}
	return out, nil
}

// Close is a no-op; the pool is closed by its lifecycle hook
func (s *Postgres) Close() error { return nil }

// classifyPostgres treats connection failures, timeouts and SQLSTATE classes
// 08 (connection exception), 53 (insufficient resources) and 57P0x (server
// shutting down) as transient.
func classifyPostgres(err error) error {
	if err == nil {
		return nil
	}
	err = fmt.Errorf("[DATABASE] %w", err)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57P0"),
			pgErr.Code == "40001", pgErr.Code == "40P01":
			return Transient(err)
		default:
			return Permanent(err)
		}
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.SafeToRetry(err) || pgconn.Timeout(err) || isNetworkError(err) {
		return Transient(err)
	}
	return Permanent(err)
}
