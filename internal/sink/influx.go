package sink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	influxdb3 "github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
	"github.com/septivank/meter-tariff-worker/internal/model"
	"go.uber.org/zap"
)

const (
	readingTable = "reading"
	tariffTable  = "tariff"
)

// InfluxConfig holds InfluxDB v3 connection settings
type InfluxConfig struct {
	URL      string
	Token    string
	Database string
}

// Influx writes readings and charges to an InfluxDB v3 database
type Influx struct {
	client   *influxdb3.Client
	database string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewInflux creates the InfluxDB client. No connection is made until the
// first write.
func NewInflux(cfg InfluxConfig, logger *zap.Logger) (*Influx, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("[INFLUX] INFLUXDB_URL is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("[INFLUX] INFLUXDB_DATABASE is required")
	}

	clientConfig := influxdb3.ClientConfig{
		Host:     cfg.URL,
		Database: cfg.Database,
	}
	if cfg.Token != "" {
		clientConfig.Token = cfg.Token
	}

	client, err := influxdb3.New(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("[INFLUX] failed to create client: %w", err)
	}

	logger.Info("influx sink initialized",
		zap.String("url", cfg.URL),
		zap.String("database", cfg.Database),
		zap.String("token", maskToken(cfg.Token)))

	return &Influx{
		client:   client,
		database: cfg.Database,
		timeout:  30 * time.Second,
		logger:   logger,
	}, nil
}

func (s *Influx) Name() string { return "influx" }

func (s *Influx) WriteReading(ctx context.Context, r model.MeterReading) error {
	return s.write(ctx, readingPoint(r))
}

func (s *Influx) WriteTariff(ctx context.Context, c model.MeterTariffCharge) error {
	return s.write(ctx, tariffPoint(c))
}

func (s *Influx) write(ctx context.Context, p *influxdb3.Point) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.WritePoints(ctx, []*influxdb3.Point{p}); err != nil {
		return classifyInflux(fmt.Errorf("[INFLUX] write to %s failed: %w", s.database, err))
	}
	return nil
}

func readingPoint(r model.MeterReading) *influxdb3.Point {
	return influxdb3.NewPoint(
		readingTable,
		map[string]string{
			"id":     r.ID,
			"source": r.Source,
			"unit":   r.Unit,
		},
		map[string]interface{}{
			"reading": r.Reading,
		},
		r.Timestamp(),
	)
}

func tariffPoint(c model.MeterTariffCharge) *influxdb3.Point {
	return influxdb3.NewPoint(
		tariffTable,
		map[string]string{
			"id":     c.ID,
			"name":   c.Name,
			"tariff": c.TariffLabel,
			"tax":    c.Tax,
			"rateid": c.RateID,
			"type":   string(c.Type),
			"source": c.Source,
		},
		map[string]interface{}{
			"amount": c.Amount,
		},
		c.Timestamp(),
	)
}

// Readings returns the newest readings for a meter, newest first
func (s *Influx) Readings(ctx context.Context, meterID string, limit int) ([]model.MeterReading, error) {
	iterator, err := s.client.Query(ctx, recentQuery(readingTable, meterID, limit))
	if err != nil {
		return nil, classifyInflux(fmt.Errorf("[INFLUX] reading query failed: %w", err))
	}
	return scanReadings(iterator)
}

// Tariffs returns the newest charges for a meter, newest first
func (s *Influx) Tariffs(ctx context.Context, meterID string, limit int) ([]model.MeterTariffCharge, error) {
	iterator, err := s.client.Query(ctx, recentQuery(tariffTable, meterID, limit))
	if err != nil {
		return nil, classifyInflux(fmt.Errorf("[INFLUX] tariff query failed: %w", err))
	}
	return scanTariffs(iterator)
}

// rowIterator is the part of *influxdb3.QueryIterator used to read rows
type rowIterator interface {
	Next() bool
	Value() map[string]interface{}
	Err() error
}

// scanReadings drains rows into readings. A stream that fails partway
// returns the error instead of a truncated result.
func scanReadings(iterator rowIterator) ([]model.MeterReading, error) {
	var out []model.MeterReading
	for iterator.Next() {
		v := iterator.Value()
		out = append(out, model.MeterReading{
			Time:    timeValue(v, "time"),
			Source:  stringValue(v, "source"),
			ID:      stringValue(v, "id"),
			Reading: floatValue(v, "reading"),
			Unit:    stringValue(v, "unit"),
		})
	}
	if err := iterator.Err(); err != nil {
		return nil, classifyInflux(fmt.Errorf("[INFLUX] reading query stream failed: %w", err))
	}
	return out, nil
}

func scanTariffs(iterator rowIterator) ([]model.MeterTariffCharge, error) {
	var out []model.MeterTariffCharge
	for iterator.Next() {
		v := iterator.Value()
		out = append(out, model.MeterTariffCharge{
			Time:        timeValue(v, "time"),
			ID:          stringValue(v, "id"),
			Name:        stringValue(v, "name"),
			Amount:      floatValue(v, "amount"),
			TariffLabel: stringValue(v, "tariff"),
			Tax:         stringValue(v, "tax"),
			RateID:      stringValue(v, "rateid"),
			Type:        model.TariffType(stringValue(v, "type")),
			Source:      stringValue(v, "source"),
		})
	}
	if err := iterator.Err(); err != nil {
		return nil, classifyInflux(fmt.Errorf("[INFLUX] tariff query stream failed: %w", err))
	}
	return out, nil
}

func recentQuery(table, meterID string, limit int) string {
	query := fmt.Sprintf("SELECT * FROM %s WHERE id = '%s' ORDER BY time DESC", table, escapeLiteral(meterID))
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return query
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func (s *Influx) Close() error {
	return s.client.Close()
}

// classifyInflux marks server-side 5xx, throttling and network errors as
// transient. Anything else, such as a 400 on a malformed write, is permanent.
func classifyInflux(err error) error {
	var serverErr *influxdb3.ServerError
	if errors.As(err, &serverErr) {
		if serverErr.StatusCode >= 500 || serverErr.StatusCode == 429 {
			return Transient(err)
		}
		return Permanent(err)
	}
	if isNetworkError(err) {
		return Transient(err)
	}
	return Permanent(err)
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func stringValue(data map[string]interface{}, key string) string {
	if val, ok := data[key].(string); ok {
		return val
	}
	return ""
}

func floatValue(data map[string]interface{}, key string) float64 {
	switch val := data[key].(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int64:
		return float64(val)
	case int:
		return float64(val)
	default:
		return 0
	}
}

func timeValue(data map[string]interface{}, key string) int64 {
	if ts, ok := data[key].(time.Time); ok {
		return ts.UnixMilli()
	}
	return 0
}

func maskToken(token string) string {
	if token == "" {
		return "(not set)"
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
