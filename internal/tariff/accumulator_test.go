package tariff

import (
	"math"
	"sync"
	"testing"

	"github.com/septivank/meter-tariff-worker/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatTariff() []model.TariffDefinition {
	return []model.TariffDefinition{{
		ID:                "grid",
		Module:            "inverter",
		Name:              "flat",
		Type:              model.TariffExpense,
		Source:            "grid",
		MeterValuesPolicy: model.PolicyBoth,
		Rates:             []model.RateWindow{{StartOfDay: 0, AmountPerUnit: 10, TaxPercent: 20, RateID: "std"}},
	}}
}

func reading(ms int64, value float64) model.MeterReading {
	return model.MeterReading{Time: ms, Source: "inverter", ID: "grid", Reading: value, Unit: "watts"}
}

func TestAccumulate_FirstReadingHasNoCharge(t *testing.T) {
	a := NewAccumulator()

	charge := a.Accumulate("grid", reading(0, 1000), flatTariff())
	assert.Nil(t, charge)

	state, ok := a.Last("grid")
	require.True(t, ok)
	assert.Equal(t, int64(0), state.Time)
	assert.InDelta(t, 10.0/3600*1.2, state.EffectiveRatePerUnit, 1e-15)
	assert.Equal(t, "flat", state.TariffName)
}

func TestAccumulate_OneHourAtOneKilowattRate(t *testing.T) {
	a := NewAccumulator()
	defs := flatTariff()

	require.Nil(t, a.Accumulate("grid", reading(0, 1000), defs))
	charge := a.Accumulate("grid", reading(3600000, 2000), defs)

	require.NotNil(t, charge)
	assert.InDelta(t, 24.0, charge.Amount, 1e-9)
	assert.Equal(t, int64(3600000), charge.Time)
	assert.Equal(t, "grid", charge.ID)
	assert.Equal(t, "flat", charge.Name)
	assert.Equal(t, "10", charge.TariffLabel)
	assert.Equal(t, "20%", charge.Tax)
	assert.Equal(t, "std", charge.RateID)
	assert.Equal(t, model.TariffExpense, charge.Type)
	assert.Equal(t, "grid", charge.Source)
}

func TestAccumulate_AmountMatchesTrapezoidFormulaExactly(t *testing.T) {
	a := NewAccumulator()
	defs := flatTariff()
	rate := defs[0].Rates[0].EffectiveRatePerSecond()

	t1, t2 := int64(1_700_000_000_000), int64(1_700_000_017_250)
	r2 := 1734.5

	a.Accumulate("grid", reading(t1, 900), defs)
	charge := a.Accumulate("grid", reading(t2, r2), defs)

	require.NotNil(t, charge)
	assert.Equal(t, math.Abs(r2/1000*rate*(float64(t2-t1)/1000)), charge.Amount)
}

func TestAccumulate_UsesPreviousIntervalRate(t *testing.T) {
	defs := []model.TariffDefinition{{
		ID: "grid", Module: "inverter", Name: "tou", Type: model.TariffExpense,
		MeterValuesPolicy: model.PolicyPositive,
		Rates: []model.RateWindow{
			{StartOfDay: 0, AmountPerUnit: 10, RateID: "night"},
			{StartOfDay: hms(7, 0, 0), AmountPerUnit: 30, RateID: "day"},
		},
	}}
	a := NewAccumulator()

	sixAM := int64(6 * 3600 * 1000)
	eightAM := int64(8 * 3600 * 1000)

	a.Accumulate("grid", reading(sixAM, 1000), defs)
	charge := a.Accumulate("grid", reading(eightAM, 1000), defs)

	require.NotNil(t, charge)
	assert.Equal(t, "night", charge.RateID)
	assert.InDelta(t, 20.0, charge.Amount, 1e-9)

	state, _ := a.Last("grid")
	assert.Equal(t, "day", state.RateID)
}

func TestAccumulate_ZeroAmountNotEmitted(t *testing.T) {
	a := NewAccumulator()
	defs := flatTariff()

	a.Accumulate("grid", reading(0, 1000), defs)
	assert.Nil(t, a.Accumulate("grid", reading(1000, 0), defs), "zero reading")
	assert.Nil(t, a.Accumulate("grid", reading(1000, 500), defs), "duplicate timestamp")
}

func TestAccumulate_NoMatchingTariffKeepsZeroRate(t *testing.T) {
	a := NewAccumulator()
	defs := []model.TariffDefinition{{
		ID: "grid", Module: "inverter", Name: "import",
		MeterValuesPolicy: model.PolicyPositive,
		Rates:             []model.RateWindow{{AmountPerUnit: 10}},
	}}

	a.Accumulate("grid", reading(0, -1000), defs)
	assert.Nil(t, a.Accumulate("grid", reading(60000, -1000), defs))
}

// Out-of-order readings produce a negative interval which abs() turns into a
// positive charge. This documents the behaviour rather than endorsing it.
func TestAccumulate_OutOfOrderReadingProducesPositiveCharge(t *testing.T) {
	a := NewAccumulator()
	defs := flatTariff()

	a.Accumulate("grid", reading(3600000, 1000), defs)
	charge := a.Accumulate("grid", reading(0, 1000), defs)

	require.NotNil(t, charge)
	assert.InDelta(t, 12.0, charge.Amount, 1e-9)
}

func TestAccumulate_MultipleMatchesLastWins(t *testing.T) {
	defs := []model.TariffDefinition{
		{ID: "grid", Module: "inverter", Name: "first", MeterValuesPolicy: model.PolicyBoth,
			Rates: []model.RateWindow{{AmountPerUnit: 10, RateID: "a"}}},
		{ID: "grid", Module: "inverter", Name: "second", MeterValuesPolicy: model.PolicyBoth,
			Rates: []model.RateWindow{{AmountPerUnit: 50, RateID: "b"}}},
	}
	a := NewAccumulator()

	a.Accumulate("grid", reading(0, 1000), defs)
	charge := a.Accumulate("grid", reading(3600000, 1000), defs)

	require.NotNil(t, charge)
	assert.Equal(t, "second", charge.Name)
	assert.InDelta(t, 50.0, charge.Amount, 1e-9)
}

func TestAccumulate_ConcurrentMetersAreIndependent(t *testing.T) {
	a := NewAccumulator()
	ids := []string{"m1", "m2", "m3", "m4"}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defs := []model.TariffDefinition{{ID: id, Module: "inverter", MeterValuesPolicy: model.PolicyBoth,
				Rates: []model.RateWindow{{AmountPerUnit: 36}}}}
			for i := int64(0); i < 100; i++ {
				a.Accumulate(id, model.MeterReading{ID: id, Source: "inverter", Time: i * 1000, Reading: 1000}, defs)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, len(ids), a.Meters())
	for _, id := range ids {
		state, ok := a.Last(id)
		require.True(t, ok)
		assert.Equal(t, int64(99000), state.Time)
	}
}
