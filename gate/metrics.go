// Package gate implements the quality gate that decides whether a candidate
// segmentation model may replace the current production baseline.
package gate

import "math"

// MetricSet maps a metric name to its score, e.g. "val_dice" -> 0.931.
// A MetricSet is produced once per training attempt and never mutated.
type MetricSet map[string]float64

// Clone returns an independent copy of the set.
func (m MetricSet) Clone() MetricSet {
	if m == nil {
		return nil
	}
	out := make(MetricSet, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Valid reports whether every score is a finite number.
func (m MetricSet) Valid() bool {
	for _, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Attempt is one training attempt's identifier plus its final metrics.
type Attempt struct {
	ID      string    `json:"id"`
	Metrics MetricSet `json:"metrics"`
}

// Band classifies a dice score into the quality bands used across the
// project's reports.
type Band string

const (
	BandExcellent Band = "excellent"
	BandGood      Band = "good"
	BandMediocre  Band = "mediocre"
	BandPoor      Band = "poor"
)

const (
	excellentDice = 0.85
	goodDice      = 0.70
	mediocreDice  = 0.50
)

// BandFor returns the quality band for a dice score.
func BandFor(dice float64) Band {
	switch {
	case dice >= excellentDice:
		return BandExcellent
	case dice >= goodDice:
		return BandGood
	case dice >= mediocreDice:
		return BandMediocre
	default:
		return BandPoor
	}
}
