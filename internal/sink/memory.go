package sink

import (
	"context"
	"sync"

	"github.com/septivank/meter-tariff-worker/internal/model"
)

// Memory keeps records in process memory. Used for dry runs and tests.
type Memory struct {
	mu       sync.RWMutex
	readings []model.MeterReading
	charges  []model.MeterTariffCharge
}

// NewMemory creates an empty memory sink
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) WriteReading(_ context.Context, r model.MeterReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings = append(m.readings, r)
	return nil
}

func (m *Memory) WriteTariff(_ context.Context, c model.MeterTariffCharge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.charges = append(m.charges, c)
	return nil
}

// Readings returns the newest readings for a meter, newest first
func (m *Memory) Readings(_ context.Context, meterID string, limit int) ([]model.MeterReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.MeterReading
	for i := len(m.readings) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if m.readings[i].ID == meterID {
			out = append(out, m.readings[i])
		}
	}
	return out, nil
}

// Tariffs returns the newest charges for a meter, newest first
func (m *Memory) Tariffs(_ context.Context, meterID string, limit int) ([]model.MeterTariffCharge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.MeterTariffCharge
	for i := len(m.charges) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if m.charges[i].ID == meterID {
			out = append(out, m.charges[i])
		}
	}
	return out, nil
}

// Len returns the number of readings and charges held
func (m *Memory) Len() (readings, charges int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.readings), len(m.charges)
}

func (m *Memory) Close() error { return nil }
