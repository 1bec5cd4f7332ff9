package ensemble

import (
	"math"
)

// IntervalConfig holds the uncertainty aggregator's knobs
type IntervalConfig struct {
	Z                float64 `yaml:"z"`                 // Normal quantile for the confidence level (default: 95% -> 1.959964)
	NoveltyCoef      float64 `yaml:"novelty_coef"`      // Widening for rarely observed regimes (default: 0.5)
	DisagreementCoef float64 `yaml:"disagreement_coef"` // Widening for member disagreement (default: 1.0)
}

// DefaultIntervalConfig returns the default 95% configuration
func DefaultIntervalConfig() IntervalConfig {
	return IntervalConfig{
		Z:                1.959964,
		NoveltyCoef:      0.5,
		DisagreementCoef: 1.0,
	}
}

// IntervalBuilder turns combined variance into a calibrated confidence
// interval under an approximately-normal assumption. Width is strictly
// increasing in combined variance, in regime novelty (few observations of
// this regime), and in member disagreement.
type IntervalBuilder struct {
	config IntervalConfig
}

// NewIntervalBuilder creates an uncertainty aggregator
func NewIntervalBuilder(config IntervalConfig) *IntervalBuilder {
	return &IntervalBuilder{config: config}
}

// Interval returns (lower, upper) around the combined point estimate.
// observations is the learning-update count for the forecast's regime.
func (b *IntervalBuilder) Interval(point, combinedVar, disagreement float64, observations int64) (float64, float64) {
	if combinedVar < 0 {
		combinedVar = 0
	}
	if disagreement < 0 {
		disagreement = 0
	}
	if observations < 0 {
		observations = 0
	}

	base := b.config.Z * math.Sqrt(combinedVar)
	novelty := 1 + b.config.NoveltyCoef/math.Sqrt(1+float64(observations))
	spread := 1 + b.config.DisagreementCoef*math.Sqrt(disagreement)

	half := base * novelty * spread

	// Disagreement must widen the interval even when every member reports
	// near-zero self-variance; an additive term keeps the derivative
	// positive at combinedVar == 0.
	half += b.config.Z * b.config.DisagreementCoef * math.Sqrt(disagreement) * novelty

	return point - half, point + half
}
