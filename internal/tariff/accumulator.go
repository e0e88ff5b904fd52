package tariff

import (
	"math"
	"sync"
	"time"

	"github.com/septivank/meter-tariff-worker/internal/model"
)

// State is the last reading seen for a meter and the rate that has been in
// force since that reading.
type State struct {
	Time                 int64
	Reading              float64
	ReadAt               time.Time
	EffectiveRatePerUnit float64
	RateLabel            string
	TaxLabel             string
	TaxPercent           float64
	TariffType           model.TariffType
	TariffName           string
	RateID               string
	Source               string
}

type meterState struct {
	mu    sync.Mutex
	state State
}

// Accumulator owns the per-meter tariff state. Each meter has its own lock so
// readings for different meters never contend; readings for the same meter
// are applied one at a time.
type Accumulator struct {
	mu     sync.Mutex
	meters map[string]*meterState
	now    func() time.Time
}

// NewAccumulator creates an empty accumulator
func NewAccumulator() *Accumulator {
	return &Accumulator{
		meters: make(map[string]*meterState),
		now:    time.Now,
	}
}

func (a *Accumulator) meter(id string) (*meterState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.meters[id]
	if !ok {
		m = &meterState{}
		a.meters[id] = m
	}
	return m, ok
}

// Accumulate applies a reading to the meter's state and returns the charge
// accrued since the previous reading, if any.
//
// The charge is priced with the rate selected at the previous reading, i.e.
// the rate in force during the interval that just elapsed. After pricing, every
// matching definition selects the rate for the next interval; when more than
// one matches the last one wins.
func (a *Accumulator) Accumulate(meterID string, reading model.MeterReading, defs []model.TariffDefinition) *model.MeterTariffCharge {
	m, existed := a.meter(meterID)

	m.mu.Lock()
	defer m.mu.Unlock()

	var charge *model.MeterTariffCharge
	if existed {
		last := m.state
		deltaSeconds := float64(reading.Time-last.Time) / 1000
		amount := math.Abs(reading.Reading / 1000 * last.EffectiveRatePerUnit * deltaSeconds)
		if amount > 0 {
			charge = &model.MeterTariffCharge{
				Time:        reading.Time,
				ID:          meterID,
				Name:        last.TariffName,
				Amount:      amount,
				TariffLabel: last.RateLabel,
				Tax:         last.TaxLabel,
				RateID:      last.RateID,
				Type:        last.TariffType,
				Source:      last.Source,
			}
		}
	}

	m.state.Time = reading.Time
	m.state.Reading = reading.Reading
	m.state.ReadAt = a.now()

	for _, def := range Match(reading, defs) {
		rate, ok := SelectRateAt(def, reading.Time)
		if !ok {
			continue
		}
		m.state.EffectiveRatePerUnit = rate.EffectiveRatePerSecond()
		m.state.RateLabel = RateLabel(rate)
		m.state.TaxLabel = TaxLabel(rate)
		m.state.TaxPercent = rate.TaxPercent
		m.state.TariffType = def.Type
		m.state.TariffName = def.Name
		m.state.RateID = rate.RateID
		m.state.Source = def.Source
	}

	return charge
}

// Last returns a copy of the meter's state
func (a *Accumulator) Last(meterID string) (State, bool) {
	a.mu.Lock()
	m, ok := a.meters[meterID]
	a.mu.Unlock()
	if !ok {
		return State{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, true
}

// Meters returns the number of meters with state
func (a *Accumulator) Meters() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.meters)
}
