package tariff

import (
	"strconv"
	"time"

	"github.com/septivank/meter-tariff-worker/internal/model"
	"github.com/septivank/meter-tariff-worker/tools/timeparser"
)

// SelectRate picks the rate window in force at the given offset into the day.
// Windows are scanned from the latest start backwards and the first one that
// has already started wins. Before the earliest start the last window in the
// list is still in force from the previous day.
func SelectRate(def model.TariffDefinition, at time.Duration) (model.RateWindow, bool) {
	if len(def.Rates) == 0 {
		return model.RateWindow{}, false
	}
	for i := len(def.Rates) - 1; i >= 0; i-- {
		if def.Rates[i].StartOfDay <= at {
			return def.Rates[i], true
		}
	}
	return def.Rates[len(def.Rates)-1], true
}

// SelectRateAt is SelectRate for a millisecond epoch timestamp
func SelectRateAt(def model.TariffDefinition, epochMillis int64) (model.RateWindow, bool) {
	return SelectRate(def, timeparser.TimeOfDay(epochMillis))
}

// RateLabel renders the configured per-unit amount of a window
func RateLabel(w model.RateWindow) string {
	return strconv.FormatFloat(w.AmountPerUnit, 'f', -1, 64)
}

// TaxLabel renders the tax percentage of a window, e.g. "20%"
func TaxLabel(w model.RateWindow) string {
	return strconv.FormatFloat(w.TaxPercent, 'f', -1, 64) + "%"
}
