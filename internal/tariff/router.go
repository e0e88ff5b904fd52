package tariff

import (
	"github.com/septivank/meter-tariff-worker/internal/model"
)

type routeKey struct {
	id     string
	module string
}

// Router maps readings to the tariff definitions configured for their meter.
// It holds no mutable state and is safe for concurrent use.
type Router struct {
	defs map[routeKey][]model.TariffDefinition
}

// NewRouter indexes tariff definitions by meter id and producing module
func NewRouter(defs []model.TariffDefinition) *Router {
	r := &Router{defs: make(map[routeKey][]model.TariffDefinition)}
	for _, def := range defs {
		key := routeKey{id: def.ID, module: def.Module}
		r.defs[key] = append(r.defs[key], def)
	}
	return r
}

// Definitions returns every definition configured for the reading's meter
func (r *Router) Definitions(reading model.MeterReading) []model.TariffDefinition {
	return r.defs[routeKey{id: reading.ID, module: reading.Source}]
}

// Route returns the definitions whose polarity policy accepts the reading.
// An empty result means the reading does not take part in tariff computation.
func (r *Router) Route(reading model.MeterReading) []model.TariffDefinition {
	return Match(reading, r.Definitions(reading))
}

// Match filters definitions down to those configured for the reading's meter
// and module whose polarity policy accepts the reading value.
func Match(reading model.MeterReading, defs []model.TariffDefinition) []model.TariffDefinition {
	var matched []model.TariffDefinition
	for _, def := range defs {
		if def.ID != reading.ID || def.Module != reading.Source {
			continue
		}
		if !def.MeterValuesPolicy.Accepts(reading.Reading) {
			continue
		}
		matched = append(matched, def)
	}
	return matched
}
