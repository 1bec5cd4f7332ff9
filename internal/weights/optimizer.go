package weights

import (
	"fmt"
	"math"
	"time"

	"github.com/sawpanic/forecastrun/internal/domain"
)

// Attribution is one model's contribution to a completed forecast paired
// with its individual error against the realized outcome.
type Attribution struct {
	ModelID  string  `json:"model_id"`
	Point    float64 `json:"point"`     // The model's own point estimate
	AbsError float64 `json:"abs_error"` // |point - realized|
}

// UpdateConfig bounds a single learning step
type UpdateConfig struct {
	Eta          float64 `yaml:"eta"`            // Learning rate (default: 0.35)
	MinWeight    float64 `yaml:"min_weight"`     // Per-model floor (default: 0.02)
	MaxStepDelta float64 `yaml:"max_step_delta"` // Largest single-step move (default: 0.10)
	Epsilon      float64 `yaml:"epsilon"`        // Sum tolerance (default: 1e-6)
}

// DefaultUpdateConfig returns the default learning-step bounds
func DefaultUpdateConfig() UpdateConfig {
	return UpdateConfig{
		Eta:          0.35,
		MinWeight:    0.02,
		MaxStepDelta: 0.10,
		Epsilon:      1e-6,
	}
}

// UpdateWeights is the pure learning step: it shifts mass toward lower-error
// models using a multiplicative-weights target, then bounds the actual move.
//
// Only models with an attribution this cycle are touched; the mass they held
// collectively is preserved, so models absent from the cycle keep their
// weight untouched. Guarantees, in order of application:
//   - losses are normalized by the worst absolute error, so one noisy
//     outcome cannot blow up the exponent
//   - every updated weight stays at or above the floor (no model is zeroed
//     in one step)
//   - no weight moves more than MaxStepDelta (the whole step is scaled
//     down, which keeps the sum exact since the move is affine)
//   - the vector still sums to 1 within tolerance
func UpdateWeights(old domain.WeightVector, attrs []Attribution, cfg UpdateConfig) (domain.WeightVector, error) {
	if len(old.Weights) == 0 {
		return old, fmt.Errorf("cannot update empty weight vector for regime %s", old.Regime)
	}
	if len(attrs) == 0 {
		return old, fmt.Errorf("no attributions for regime %s", old.Regime)
	}

	next := old.Clone()
	next.Version++
	next.Observations++
	next.State = domain.WeightStateActive
	next.UpdatedAt = time.Now().UTC()

	maxErr := 0.0
	for _, a := range attrs {
		if _, ok := old.Weights[a.ModelID]; !ok {
			return old, fmt.Errorf("attribution for unknown model %s in regime %s", a.ModelID, old.Regime)
		}
		if a.AbsError > maxErr {
			maxErr = a.AbsError
		}
	}

	// Every model nailed it: nothing to learn, but the observation counts.
	if maxErr == 0 {
		return next, nil
	}

	// Multiplicative-weights target within the attributed models' mass
	mass := 0.0
	for _, a := range attrs {
		mass += old.Weights[a.ModelID]
	}

	target := make(map[string]float64, len(attrs))
	targetSum := 0.0
	for _, a := range attrs {
		loss := a.AbsError / maxErr
		w := old.Weights[a.ModelID] * math.Exp(-cfg.Eta*loss)
		target[a.ModelID] = w
		targetSum += w
	}
	for id := range target {
		target[id] = target[id] / targetSum * mass
	}
	floorAndNormalize(target, mass, cfg.MinWeight)

	// Bound the realized step: scale the whole move so the largest per-model
	// delta is at most MaxStepDelta.
	maxDelta := 0.0
	for id, tw := range target {
		d := math.Abs(tw - old.Weights[id])
		if d > maxDelta {
			maxDelta = d
		}
	}
	scale := 1.0
	if maxDelta > cfg.MaxStepDelta {
		scale = cfg.MaxStepDelta / maxDelta
	}

	for id, tw := range target {
		next.Weights[id] = old.Weights[id] + scale*(tw-old.Weights[id])
	}

	if err := ValidateVector(next, cfg.MinWeight, math.Max(cfg.Epsilon, 1e-9)); err != nil {
		return old, fmt.Errorf("update produced invalid vector: %w", err)
	}

	return next, nil
}

// DecayTowardPrior pulls a disused regime's weights back toward its prior by
// lambda per sweep, so stale confidence erodes instead of compounding.
func DecayTowardPrior(wv domain.WeightVector, prior map[string]float64, lambda float64) domain.WeightVector {
	next := wv.Clone()
	next.Version++
	next.State = domain.WeightStateDecaying
	next.UpdatedAt = time.Now().UTC()

	lambda = clamp(lambda, 0, 1)
	for id, w := range next.Weights {
		p, ok := prior[id]
		if !ok {
			p = w
		}
		next.Weights[id] = w + lambda*(p-w)
	}
	return next
}
