package model

import (
	"fmt"
	"time"
)

// MeterReading is a single timestamped sample taken from a meter or inverter.
// Time is milliseconds since the Unix epoch.
type MeterReading struct {
	Time    int64   `json:"time"`
	Source  string  `json:"source"`
	ID      string  `json:"id"`
	Reading float64 `json:"reading"`
	Unit    string  `json:"unit"`
}

// Timestamp returns the reading time as a time.Time in UTC
func (r MeterReading) Timestamp() time.Time {
	return time.UnixMilli(r.Time).UTC()
}

// TariffType tells whether a tariff is a cost (import) or a revenue (export).
type TariffType string

const (
	TariffExpense TariffType = "expense"
	TariffIncome  TariffType = "income"
)

// ParseTariffType validates a configured tariff type
func ParseTariffType(s string) (TariffType, error) {
	switch TariffType(s) {
	case TariffExpense, TariffIncome:
		return TariffType(s), nil
	default:
		return "", fmt.Errorf("unknown tariff type %q", s)
	}
}

// MeterValuesPolicy selects which reading polarity a tariff applies to.
type MeterValuesPolicy string

const (
	PolicyPositive MeterValuesPolicy = "positive"
	PolicyNegative MeterValuesPolicy = "negative"
	PolicyBoth     MeterValuesPolicy = "both"
)

// ParseMeterValuesPolicy validates a configured polarity policy.
// An empty value means both.
func ParseMeterValuesPolicy(s string) (MeterValuesPolicy, error) {
	switch MeterValuesPolicy(s) {
	case "":
		return PolicyBoth, nil
	case PolicyPositive, PolicyNegative, PolicyBoth:
		return MeterValuesPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown meter values policy %q", s)
	}
}

// Accepts reports whether a reading value has the polarity this policy covers
func (p MeterValuesPolicy) Accepts(value float64) bool {
	switch p {
	case PolicyPositive:
		return value >= 0
	case PolicyNegative:
		return value < 0
	default:
		return true
	}
}

// RateWindow is a sub-period of a day with a fixed price. StartOfDay is the
// offset from midnight at which the window begins.
type RateWindow struct {
	StartOfDay    time.Duration
	AmountPerUnit float64
	TaxPercent    float64
	RateID        string
}

// EffectiveRatePerSecond is the tax-inclusive monetary rate per second for a
// reading of one unit (kW when readings are in watts).
func (w RateWindow) EffectiveRatePerSecond() float64 {
	return w.AmountPerUnit / 3600 * (1 + w.TaxPercent/100)
}

// TariffDefinition is a time-of-day pricing policy attached to one meter.
// ID is the meter id and Module the name of the poller producing that meter's
// readings. Source is the power type label copied onto charges.
type TariffDefinition struct {
	ID                string
	Module            string
	Name              string
	Type              TariffType
	Source            string
	MeterValuesPolicy MeterValuesPolicy
	Rates             []RateWindow
}

// MeterTariffCharge is the monetary amount accrued by a meter since its
// previous reading.
type MeterTariffCharge struct {
	Time        int64      `json:"time"`
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Amount      float64    `json:"amount"`
	TariffLabel string     `json:"tariff"`
	Tax         string     `json:"tax"`
	RateID      string     `json:"rateid"`
	Type        TariffType `json:"type"`
	Source      string     `json:"source"`
}

// Timestamp returns the charge time as a time.Time in UTC
func (c MeterTariffCharge) Timestamp() time.Time {
	return time.UnixMilli(c.Time).UTC()
}

// Entry is one item on the ingestion queue. Exactly one of Reading and
// Charge is set.
type Entry struct {
	Reading *MeterReading
	Charge  *MeterTariffCharge
}

// ReadingEntry wraps a reading for the ingestion queue
func ReadingEntry(r MeterReading) Entry {
	return Entry{Reading: &r}
}

// ChargeEntry wraps a tariff charge for the ingestion queue
func ChargeEntry(c MeterTariffCharge) Entry {
	return Entry{Charge: &c}
}

// Kind names the entry variant for logging
func (e Entry) Kind() string {
	switch {
	case e.Reading != nil:
		return "reading"
	case e.Charge != nil:
		return "tariff"
	default:
		return "empty"
	}
}

// MeterID returns the meter the entry belongs to
func (e Entry) MeterID() string {
	switch {
	case e.Reading != nil:
		return e.Reading.ID
	case e.Charge != nil:
		return e.Charge.ID
	default:
		return ""
	}
}
