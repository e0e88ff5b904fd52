package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid marks configuration errors. They are fatal at startup.
var ErrInvalid = errors.New("invalid configuration")

// Sink names accepted in SINKS
const (
	SinkInflux   = "influx"
	SinkPostgres = "postgres"
	SinkAMQP     = "amqp"
	SinkMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	ServiceName     string
	HTTPPort        int
	MeterConfigPath string
	Sinks           []string
	Database        DatabaseConfig
	Influx          InfluxConfig
	RabbitMQ        RabbitMQConfig
	Pipeline        PipelineConfig
	Validation      ValidationConfig
	Anomaly         AnomalyConfig
	Logging         LoggingConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// InfluxConfig holds InfluxDB v3 connection settings
type InfluxConfig struct {
	URL      string
	Token    string
	Database string
}

// RabbitMQConfig holds RabbitMQ connection and exchange settings
type RabbitMQConfig struct {
	URL             string
	SinkExchange    string
	ReadingsRouting string
	TariffsRouting  string
	DLQQueue        string
	PrefetchCount   int
}

// PipelineConfig holds queue, writer and supervisor settings
type PipelineConfig struct {
	MaxQueueSize    int
	MonitorInterval time.Duration
	SinkRetryDelay  time.Duration
	ShutdownTimeout time.Duration
}

// ValidationConfig holds validation settings
type ValidationConfig struct {
	FutureToleranceMinutes int
}

// AnomalyConfig holds spurious reading detection settings
type AnomalyConfig struct {
	MaxAbsReading             float64
	SpikeThreshold            float64
	MinDataPointsForDetection int
	HistorySize               int
}

// LoggingConfig holds log level and rotation settings
type LoggingConfig struct {
	Level      string
	Directory  string
	MaxAgeDays int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName:     getEnv("SERVICE_NAME", "meter-tariff-worker"),
		HTTPPort:        getEnvAsInt("HTTP_PORT", 8081),
		MeterConfigPath: getEnv("METER_CONFIG", ""),
		Sinks:           getEnvAsList("SINKS", []string{SinkInflux}),
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Influx: InfluxConfig{
			URL:      getEnv("INFLUXDB_URL", ""),
			Token:    getEnv("INFLUXDB_TOKEN", ""),
			Database: getEnv("INFLUXDB_DATABASE", "energy"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:             getEnv("RABBITMQ_URL", ""),
			SinkExchange:    getEnv("RABBITMQ_SINK_EXCHANGE", "meter-tariff.events.exchange"),
			ReadingsRouting: getEnv("RABBITMQ_READING_ROUTING_KEY", "meter.reading.stored"),
			TariffsRouting:  getEnv("RABBITMQ_TARIFF_ROUTING_KEY", "meter.tariff.stored"),
			DLQQueue:        getEnv("RABBITMQ_DLQ_QUEUE", "meter-tariff.ingest.dlq"),
			PrefetchCount:   getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Pipeline: PipelineConfig{
			MaxQueueSize:    getEnvAsInt("MAX_QUEUE_SIZE", 1000),
			MonitorInterval: getEnvAsDuration("MONITOR_INTERVAL", 10*time.Second),
			SinkRetryDelay:  getEnvAsDuration("SINK_RETRY_DELAY", 5*time.Second),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Validation: ValidationConfig{
			FutureToleranceMinutes: getEnvAsInt("READING_FUTURE_TOLERANCE_MINUTES", 5),
		},
		Anomaly: AnomalyConfig{
			MaxAbsReading:             getEnvAsFloat("READING_MAX_ABS", 250000),
			SpikeThreshold:            getEnvAsFloat("ANOMALY_SPIKE_THRESHOLD", 0),
			MinDataPointsForDetection: getEnvAsInt("ANOMALY_MIN_DATA_POINTS", 3),
			HistorySize:               getEnvAsInt("ANOMALY_HISTORY_SIZE", 10),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Directory:  getEnv("LOG_DIRECTORY", ""),
			MaxAgeDays: getEnvAsInt("LOG_FILE_MAX_AGE", 2),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields for the configured sinks
func (c *Config) Validate() error {
	if c.MeterConfigPath == "" {
		return fmt.Errorf("%w: METER_CONFIG is required but not set in environment variables", ErrInvalid)
	}
	if len(c.Sinks) == 0 {
		return fmt.Errorf("%w: SINKS must name at least one sink", ErrInvalid)
	}
	if c.Pipeline.MaxQueueSize <= 0 {
		return fmt.Errorf("%w: MAX_QUEUE_SIZE must be positive", ErrInvalid)
	}
	if c.Pipeline.MonitorInterval <= 0 {
		return fmt.Errorf("%w: MONITOR_INTERVAL must be positive", ErrInvalid)
	}

	for _, sink := range c.Sinks {
		switch sink {
		case SinkInflux:
			if c.Influx.URL == "" {
				return fmt.Errorf("%w: INFLUXDB_URL is required by the influx sink", ErrInvalid)
			}
		case SinkPostgres:
			if c.Database.URL == "" {
				return fmt.Errorf("%w: DATABASE_URL is required by the postgres sink", ErrInvalid)
			}
		case SinkAMQP:
			if c.RabbitMQ.URL == "" {
				return fmt.Errorf("%w: RABBITMQ_URL is required by the amqp sink", ErrInvalid)
			}
		case SinkMemory:
		default:
			return fmt.Errorf("%w: unknown sink %q in SINKS", ErrInvalid, sink)
		}
	}
	return nil
}

// HasSink reports whether a sink is configured
func (c *Config) HasSink(name string) bool {
	for _, s := range c.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
