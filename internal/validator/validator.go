package validator

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/meter-tariff-worker/internal/model"
	"github.com/septivank/meter-tariff-worker/tools/timeparser"
)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid       bool
	AnomalyReason string
}

func invalid(format string, args ...any) ValidationResult {
	return ValidationResult{IsValid: false, AnomalyReason: fmt.Sprintf(format, args...)}
}

// MetricData is a reading as sent by a remote collector, with the value and
// timestamp still in text form
type MetricData struct {
	ID   string `json:"id"`
	Date string `json:"date"`
	Data string `json:"data"`
	Unit string `json:"unit"`
}

// Validator checks readings before they reach the tariff engine
type Validator struct {
	futureToleranceMinutes int
}

// NewValidator creates a validator that rejects readings stamped more than
// futureToleranceMinutes ahead of the time they were received
func NewValidator(futureToleranceMinutes int) *Validator {
	return &Validator{futureToleranceMinutes: futureToleranceMinutes}
}

// ValidateReading checks identity fields, the value and the timestamp
func (v *Validator) ValidateReading(r model.MeterReading, receivedAt time.Time) ValidationResult {
	switch {
	case r.ID == "":
		return invalid("empty meter id")
	case r.Source == "":
		return invalid("empty source")
	case r.Unit == "":
		return invalid("empty unit")
	case math.IsNaN(r.Reading) || math.IsInf(r.Reading, 0):
		return invalid("non-finite reading")
	case r.Time <= 0:
		return invalid("missing timestamp")
	}

	if !v.notInFuture(r.Timestamp(), receivedAt) {
		return invalid("timestamp more than %d minutes in the future", v.futureToleranceMinutes)
	}
	return ValidationResult{IsValid: true}
}

func (v *Validator) notInFuture(readingTime, receivedAt time.Time) bool {
	return !readingTime.After(receivedAt) ||
		timeparser.IsWithinTolerance(readingTime, receivedAt, v.futureToleranceMinutes)
}

// ValidateMetricData parses a collector metric into a reading for source and
// validates it
func (v *Validator) ValidateMetricData(source string, metric MetricData, receivedAt time.Time) (model.MeterReading, ValidationResult) {
	if metric.ID == "" {
		return model.MeterReading{}, invalid("empty meter id")
	}

	// Some collectors wrap the value in square brackets
	value, err := strconv.ParseFloat(strings.Trim(strings.TrimSpace(metric.Data), "[]"), 64)
	if err != nil {
		return model.MeterReading{}, invalid("invalid metric value: %v", err)
	}

	readingTime, err := timeparser.ParseMeterTimestamp(metric.Date)
	if err != nil {
		return model.MeterReading{}, invalid("invalid timestamp format: %v", err)
	}

	r := model.MeterReading{
		Time:    readingTime.UnixMilli(),
		Source:  source,
		ID:      metric.ID,
		Reading: value,
		Unit:    metric.Unit,
	}
	return r, v.ValidateReading(r, receivedAt)
}
