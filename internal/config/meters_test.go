package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/septivank/meter-tariff-worker/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTopology = `
pollers:
  - name: inverter
    type: goodwe
    host: 192.168.1.255/24
    port: 8899
    interval: 10s
    offline_timeout: 30s
    meters:
      - id: grid
        reading: grid
        unit: watts
        tariffs:
          - name: import
            type: expense
            source: grid
            meter_values: positive
            rates:
              - start: "17:30:00"
                amount: 40
                tax: "5%"
                rate_id: peak
              - start: "00:00:00"
                amount: 10
                tax: "20%"
                rate_id: std
          - name: export
            type: income
            source: grid
            meter_values: negative
            rates:
              - start: "00:00:00"
                amount: 5
      - id: pv1
        reading: pv1
        unit: watts
  - name: meters
    type: enistic
    port: 7000
    meters:
      - id: kitchen
        channel: 3
        unit: watts
`

func TestParseTopology_Valid(t *testing.T) {
	topo, err := ParseTopology([]byte(sampleTopology))
	require.NoError(t, err)

	require.Len(t, topo.Pollers, 2)
	assert.Equal(t, 10*time.Second, topo.Pollers[0].Interval)
	assert.Equal(t, 30*time.Second, topo.Pollers[0].OfflineTimeout)
	assert.NotEmpty(t, topo.Hash)
	assert.Empty(t, topo.Warnings)

	defs := topo.TariffDefinitions()
	require.Len(t, defs, 2)

	imp := defs[0]
	assert.Equal(t, "grid", imp.ID)
	assert.Equal(t, "inverter", imp.Module)
	assert.Equal(t, model.TariffExpense, imp.Type)
	assert.Equal(t, model.PolicyPositive, imp.MeterValuesPolicy)
	require.Len(t, imp.Rates, 2)
	assert.Equal(t, "std", imp.Rates[0].RateID, "rates are sorted by start")
	assert.Equal(t, 20.0, imp.Rates[0].TaxPercent)
	assert.Equal(t, 17*time.Hour+30*time.Minute, imp.Rates[1].StartOfDay)

	assert.Equal(t, model.TariffIncome, defs[1].Type)
	assert.Equal(t, 0.0, defs[1].Rates[0].TaxPercent)
}

func TestParseTopology_Errors(t *testing.T) {
	cases := map[string]string{
		"no pollers": `pollers: []`,
		"duplicate poller": `
pollers:
  - {name: a, type: goodwe}
  - {name: a, type: enistic}`,
		"duplicate meter": `
pollers:
  - {name: a, type: goodwe, meters: [{id: m}]}
  - {name: b, type: enistic, meters: [{id: m}]}`,
		"malformed start": `
pollers:
  - name: a
    type: goodwe
    meters:
      - id: m
        tariffs:
          - {name: t, type: expense, rates: [{start: "7am", amount: 1}]}`,
		"bad tax": `
pollers:
  - name: a
    type: goodwe
    meters:
      - id: m
        tariffs:
          - {name: t, type: expense, rates: [{start: "00:00:00", amount: 1, tax: "lots"}]}`,
		"bad type": `
pollers:
  - name: a
    type: goodwe
    meters:
      - id: m
        tariffs:
          - {name: t, type: gift, rates: [{start: "00:00:00", amount: 1}]}`,
		"bad policy": `
pollers:
  - name: a
    type: goodwe
    meters:
      - id: m
        tariffs:
          - {name: t, type: expense, meter_values: sideways, rates: [{start: "00:00:00", amount: 1}]}`,
		"no rates": `
pollers:
  - name: a
    type: goodwe
    meters:
      - id: m
        tariffs:
          - {name: t, type: expense}`,
		"duplicate tariff": `
pollers:
  - name: a
    type: goodwe
    meters:
      - id: m
        tariffs:
          - {name: t, type: expense, rates: [{start: "00:00:00", amount: 1}]}
          - {name: t, type: income, rates: [{start: "00:00:00", amount: 1}]}`,
		"unknown field": `
pollers:
  - {name: a, type: goodwe, colour: blue}`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTopology([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestParseTopology_MissingMidnightWarns(t *testing.T) {
	topo, err := ParseTopology([]byte(`
pollers:
  - name: a
    type: goodwe
    meters:
      - id: m
        tariffs:
          - {name: t, type: expense, rates: [{start: "07:00:00", amount: 1}]}`))
	require.NoError(t, err)
	assert.Len(t, topo.Warnings, 1)
}

func TestLoadTopology_HashTracksContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meters.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTopology), 0o600))

	topo, err := LoadTopology(path)
	require.NoError(t, err)

	hash, err := FileHash(path)
	require.NoError(t, err)
	assert.Equal(t, topo.Hash, hash)

	require.NoError(t, os.WriteFile(path, []byte(sampleTopology+"\n# edited\n"), 0o600))
	changed, err := FileHash(path)
	require.NoError(t, err)
	assert.NotEqual(t, topo.Hash, changed)
}

func TestParseTaxPercent(t *testing.T) {
	for in, want := range map[string]float64{"20%": 20, "20": 20, " 5.5 % ": 5.5, "": 0} {
		got, err := ParseTaxPercent(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseTaxPercent("-1")
	assert.Error(t, err)
}

func TestLoadTopology_ExampleFile(t *testing.T) {
	topo, err := LoadTopology(filepath.Join("..", "..", "config", "meters.example.yaml"))
	require.NoError(t, err)

	require.Len(t, topo.Pollers, 3)
	assert.Empty(t, topo.Warnings)
	assert.Len(t, topo.TariffDefinitions(), 5)

	remote, ok := topo.Poller("remote")
	require.True(t, ok)
	assert.Equal(t, "remote.readings", remote.Param("queue", ""))
}
