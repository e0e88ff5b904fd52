package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/meter-tariff-worker/internal/model"
	"github.com/septivank/meter-tariff-worker/tools/timeparser"
	"gopkg.in/yaml.v3"
)

// Topology is the device, meter and tariff layout read from the meter
// configuration file.
type Topology struct {
	Pollers []PollerConfig `yaml:"pollers"`

	// Hash is the sha256 of the file content the topology was read from
	Hash string `yaml:"-"`
	// Warnings are non-fatal findings from validation
	Warnings []string `yaml:"-"`

	tariffs []model.TariffDefinition
}

// PollerConfig describes one device poller and the meters it produces
type PollerConfig struct {
	Name           string            `yaml:"name"`
	Type           string            `yaml:"type"`
	Host           string            `yaml:"host"`
	Port           int               `yaml:"port"`
	Interval       time.Duration     `yaml:"interval"`
	OfflineTimeout time.Duration     `yaml:"offline_timeout"`
	Params         map[string]string `yaml:"params"`
	Meters         []MeterConfig     `yaml:"meters"`
}

// MeterConfig maps a device value onto a meter id
type MeterConfig struct {
	ID      string         `yaml:"id"`
	Reading string         `yaml:"reading"`
	Channel int            `yaml:"channel"`
	Unit    string         `yaml:"unit"`
	Tariffs []TariffConfig `yaml:"tariffs"`
}

// TariffConfig is the file form of a tariff definition
type TariffConfig struct {
	Name        string       `yaml:"name"`
	Type        string       `yaml:"type"`
	Source      string       `yaml:"source"`
	MeterValues string       `yaml:"meter_values"`
	Rates       []RateConfig `yaml:"rates"`
}

// RateConfig is the file form of a rate window
type RateConfig struct {
	Start  string  `yaml:"start"`
	Amount float64 `yaml:"amount"`
	Tax    string  `yaml:"tax"`
	RateID string  `yaml:"rate_id"`
}

// LoadTopology reads and validates the meter configuration file
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("[CONFIG] failed to read meter configuration %s: %w", path, err)
	}
	return ParseTopology(data)
}

// ParseTopology decodes and validates meter configuration content
func ParseTopology(data []byte) (*Topology, error) {
	var topo Topology
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&topo); err != nil {
		return nil, fmt.Errorf("%w: failed to decode meter configuration: %v", ErrInvalid, err)
	}

	topo.Hash = ContentHash(data)
	if err := topo.build(); err != nil {
		return nil, err
	}
	return &topo, nil
}

// ContentHash returns the hex sha256 of configuration content
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileHash hashes the current content of a configuration file
func FileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return ContentHash(data), nil
}

// TariffDefinitions returns every tariff definition in the topology
func (t *Topology) TariffDefinitions() []model.TariffDefinition {
	return t.tariffs
}

// Poller returns the named poller configuration
func (t *Topology) Poller(name string) (PollerConfig, bool) {
	for _, p := range t.Pollers {
		if p.Name == name {
			return p, true
		}
	}
	return PollerConfig{}, false
}

// Param returns a poller parameter or a default
func (p PollerConfig) Param(key, defaultValue string) string {
	if v, ok := p.Params[key]; ok && v != "" {
		return v
	}
	return defaultValue
}

func (t *Topology) build() error {
	if len(t.Pollers) == 0 {
		return fmt.Errorf("%w: no pollers defined", ErrInvalid)
	}

	pollerNames := make(map[string]bool)
	meterIDs := make(map[string]string)

	for _, p := range t.Pollers {
		if p.Name == "" {
			return fmt.Errorf("%w: poller without a name", ErrInvalid)
		}
		if pollerNames[p.Name] {
			return fmt.Errorf("%w: duplicate poller %q", ErrInvalid, p.Name)
		}
		pollerNames[p.Name] = true
		if p.Type == "" {
			return fmt.Errorf("%w: poller %q has no type", ErrInvalid, p.Name)
		}

		for _, m := range p.Meters {
			if m.ID == "" {
				return fmt.Errorf("%w: poller %q has a meter without an id", ErrInvalid, p.Name)
			}
			if owner, ok := meterIDs[m.ID]; ok {
				return fmt.Errorf("%w: meter %q is defined by both %q and %q", ErrInvalid, m.ID, owner, p.Name)
			}
			meterIDs[m.ID] = p.Name

			tariffNames := make(map[string]bool)
			for _, tc := range m.Tariffs {
				if tariffNames[tc.Name] {
					return fmt.Errorf("%w: duplicate tariff %q on meter %q", ErrInvalid, tc.Name, m.ID)
				}
				tariffNames[tc.Name] = true

				def, warning, err := tc.definition(m.ID, p.Name)
				if err != nil {
					return err
				}
				if warning != "" {
					t.Warnings = append(t.Warnings, warning)
				}
				t.tariffs = append(t.tariffs, def)
			}
		}
	}
	return nil
}

func (tc TariffConfig) definition(meterID, module string) (model.TariffDefinition, string, error) {
	where := fmt.Sprintf("tariff %q on meter %q", tc.Name, meterID)

	if tc.Name == "" {
		return model.TariffDefinition{}, "", fmt.Errorf("%w: tariff without a name on meter %q", ErrInvalid, meterID)
	}
	tariffType, err := model.ParseTariffType(tc.Type)
	if err != nil {
		return model.TariffDefinition{}, "", fmt.Errorf("%w: %s: %v", ErrInvalid, where, err)
	}
	policy, err := model.ParseMeterValuesPolicy(tc.MeterValues)
	if err != nil {
		return model.TariffDefinition{}, "", fmt.Errorf("%w: %s: %v", ErrInvalid, where, err)
	}
	if len(tc.Rates) == 0 {
		return model.TariffDefinition{}, "", fmt.Errorf("%w: %s has no rates", ErrInvalid, where)
	}

	rates := make([]model.RateWindow, 0, len(tc.Rates))
	hasMidnight := false
	for _, rc := range tc.Rates {
		start, err := timeparser.ParseTimeOfDay(rc.Start)
		if err != nil {
			return model.TariffDefinition{}, "", fmt.Errorf("%w: %s: %v", ErrInvalid, where, err)
		}
		tax, err := ParseTaxPercent(rc.Tax)
		if err != nil {
			return model.TariffDefinition{}, "", fmt.Errorf("%w: %s: %v", ErrInvalid, where, err)
		}
		if start == 0 {
			hasMidnight = true
		}
		rates = append(rates, model.RateWindow{
			StartOfDay:    start,
			AmountPerUnit: rc.Amount,
			TaxPercent:    tax,
			RateID:        rc.RateID,
		})
	}
	sort.SliceStable(rates, func(i, j int) bool { return rates[i].StartOfDay < rates[j].StartOfDay })

	var warning string
	if !hasMidnight {
		warning = fmt.Sprintf("%s has no 00:00:00 rate; the last rate applies before the first start", where)
	}

	return model.TariffDefinition{
		ID:                meterID,
		Module:            module,
		Name:              tc.Name,
		Type:              tariffType,
		Source:            tc.Source,
		MeterValuesPolicy: policy,
		Rates:             rates,
	}, warning, nil
}

// ParseTaxPercent accepts "20%", "20" or "" (no tax)
func ParseTaxPercent(s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid tax %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid tax %q: negative", s)
	}
	return v, nil
}
