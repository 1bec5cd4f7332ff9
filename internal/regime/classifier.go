package regime

import (
	"github.com/sawpanic/forecastrun/internal/domain"
)

// RealizedVol is a point-in-time realized volatility sample with its
// trailing distribution, used for the volatility-driven regime branch.
type RealizedVol struct {
	Current      float64 `json:"current"`
	TrailingMean float64 `json:"trailing_mean"`
	TrailingStd  float64 `json:"trailing_std"`
}

// ZScore returns how many trailing standard deviations the current sample
// sits above the trailing mean. Zero std yields zero, not infinity.
func (rv RealizedVol) ZScore() float64 {
	if rv.TrailingStd <= 0 {
		return 0
	}
	return (rv.Current - rv.TrailingMean) / rv.TrailingStd
}

// Config holds classifier thresholds
type Config struct {
	HighSeverity  float64 `yaml:"high_severity"`   // Event severity cutoff (default: 75)
	VolZThreshold float64 `yaml:"vol_z_threshold"` // Realized vol z-score cutoff (default: 2.0)
}

// DefaultConfig returns the default classifier thresholds
func DefaultConfig() Config {
	return Config{
		HighSeverity:  75.0,
		VolZThreshold: 2.0,
	}
}

// Classifier maps active events plus recent realized volatility onto a
// discrete regime label. The priority order is fixed policy, not learned:
// event-driven first, volatility-driven second, normal last.
type Classifier struct {
	config Config
}

// NewClassifier creates a regime classifier
func NewClassifier(config Config) *Classifier {
	return &Classifier{config: config}
}

// Classify is deterministic: identical inputs always yield the same label.
// A single high-severity event maps to that event's type; concurrent
// high-severity events of distinct types get their own composite label so
// interaction effects get their own weight vector.
func (c *Classifier) Classify(activeEvents []domain.MarketEvent, vol RealizedVol) domain.Regime {
	var highTypes []domain.EventType
	for _, ev := range activeEvents {
		if ev.Resolved {
			continue
		}
		if ev.Severity >= c.config.HighSeverity {
			highTypes = append(highTypes, ev.Type)
		}
	}

	if len(highTypes) > 0 {
		return domain.CompositeRegime(highTypes)
	}

	if vol.ZScore() > c.config.VolZThreshold {
		return domain.RegimeHighVol
	}

	return domain.RegimeNormal
}
