package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls level and optional rotating file output
type Options struct {
	Level      string
	Directory  string
	MaxAgeDays int
}

// NewLogger creates a new structured logger
func NewLogger(serviceName string) (*zap.Logger, error) {
	return NewLoggerWithOptions(serviceName, Options{})
}

// NewLoggerWithOptions creates a structured logger that writes JSON to stdout
// and, when a directory is given, to an hourly rotated file as well.
func NewLoggerWithOptions(serviceName string, opts Options) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	level := zap.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}
	config.Level = zap.NewAtomicLevelAt(level)

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	if opts.Directory == "" {
		return logger, nil
	}

	writer, err := newRotatingWriter(serviceName, opts)
	if err != nil {
		return nil, err
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(config.EncoderConfig),
		zapcore.AddSync(writer),
		config.Level,
	)

	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore.With([]zapcore.Field{zap.String("service", serviceName)}))
	})), nil
}

func newRotatingWriter(serviceName string, opts Options) (*rotatelogs.RotateLogs, error) {
	if err := os.MkdirAll(opts.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	maxAge := opts.MaxAgeDays
	if maxAge <= 0 {
		maxAge = 2
	}

	base := filepath.Join(opts.Directory, serviceName+".log")
	return rotatelogs.New(
		base+".%Y%m%d%H",
		rotatelogs.WithLinkName(base),
		rotatelogs.WithRotationTime(time.Hour),
		rotatelogs.WithMaxAge(time.Duration(maxAge)*24*time.Hour),
	)
}

// WithRequestID returns a logger with request_id field
func WithRequestID(logger *zap.Logger, requestID string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID))
}

// WithUnit returns a logger tagged with the concurrent unit it belongs to
func WithUnit(logger *zap.Logger, unit string) *zap.Logger {
	return logger.With(zap.String("unit", unit))
}

// WithMeter returns a logger with meter_id field
func WithMeter(logger *zap.Logger, meterID string) *zap.Logger {
	return logger.With(zap.String("meter_id", meterID))
}
