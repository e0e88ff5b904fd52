package anomaly

import (
	"fmt"
	"math"
	"sync"
)

// Detector flags spurious readings. It keeps a short history of accepted
// absolute values per meter for spike detection.
type Detector struct {
	maxAbs                    float64
	spikeThreshold            float64
	minDataPointsForDetection int
	historySize               int

	mu      sync.Mutex
	history map[string][]float64
}

// Config holds detector thresholds. A zero SpikeThreshold disables spike
// detection and a zero MaxAbs disables the absolute ceiling.
type Config struct {
	MaxAbs                    float64
	SpikeThreshold            float64
	MinDataPointsForDetection int
	HistorySize               int
}

// NewDetector creates a new anomaly detector with the specified thresholds
func NewDetector(cfg Config) *Detector {
	if cfg.HistorySize < cfg.MinDataPointsForDetection {
		cfg.HistorySize = cfg.MinDataPointsForDetection
	}
	return &Detector{
		maxAbs:                    cfg.MaxAbs,
		spikeThreshold:            cfg.SpikeThreshold,
		minDataPointsForDetection: cfg.MinDataPointsForDetection,
		historySize:               cfg.HistorySize,
		history:                   make(map[string][]float64),
	}
}

// Check tests value against the meter's history and records it when it is
// not anomalous
func (d *Detector) Check(meterID string, value float64) (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	hist := d.history[meterID]
	if isAnomaly, reason := d.DetectAnomaly(value, hist); isAnomaly {
		return true, reason
	}

	if d.historySize > 0 {
		hist = append(hist, math.Abs(value))
		if len(hist) > d.historySize {
			hist = hist[len(hist)-d.historySize:]
		}
		d.history[meterID] = hist
	}
	return false, ""
}

// DetectAnomaly checks if the value is anomalous given historical absolute
// values
func (d *Detector) DetectAnomaly(value float64, historicalValues []float64) (bool, string) {
	abs := math.Abs(value)
	if d.maxAbs > 0 && abs >= d.maxAbs {
		return true, fmt.Sprintf("spurious value %.2f exceeds limit %.0f", value, d.maxAbs)
	}

	if d.spikeThreshold <= 0 || len(historicalValues) < d.minDataPointsForDetection {
		return false, ""
	}

	sum := 0.0
	for _, v := range historicalValues {
		sum += v
	}
	average := sum / float64(len(historicalValues))

	if average > 0 && abs > d.spikeThreshold*average {
		return true, fmt.Sprintf("sudden spike detected: value %.2f exceeds %.1fx rolling average %.2f",
			value, d.spikeThreshold, average)
	}

	return false, ""
}
