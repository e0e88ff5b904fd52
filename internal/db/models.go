package db

import (
	"time"

	"github.com/google/uuid"
)

// ReadingRow is a meter reading as stored in meter_readings
type ReadingRow struct {
	ID         uuid.UUID
	MeterID    string
	Source     string
	Reading    float64
	Unit       string
	ReadAt     time.Time
	ReceivedAt time.Time
}

// TariffRow is a tariff charge as stored in meter_tariffs
type TariffRow struct {
	ID         uuid.UUID
	MeterID    string
	Name       string
	Amount     float64
	Tariff     string
	Tax        string
	RateID     string
	Type       string
	Source     string
	ChargedAt  time.Time
	ReceivedAt time.Time
}
