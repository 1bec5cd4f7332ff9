package models

import (
	"context"
	"math"

	"github.com/sawpanic/forecastrun/internal/domain"
)

// PredictRequest carries everything a model may need for one forecast call.
// Event is nil for base models; event models fail without it.
type PredictRequest struct {
	Asset     string
	Horizon   domain.Horizon
	LastPrice float64
	Returns   []float64 // Trailing signed log returns, oldest first
	Event     *domain.MarketEvent
}

// Prediction is a single model's point/interval output
type Prediction struct {
	Point    float64
	Variance float64
}

// Model is the single capability every base and event model implements.
// New model types join the ensemble by satisfying this interface; the
// combiner never changes.
type Model interface {
	ID() string
	Predict(ctx context.Context, req PredictRequest) (Prediction, error)
}

// EventDriven marks models that are only valid while a triggering event of
// their type is active.
type EventDriven interface {
	TriggerType() domain.EventType
}

// horizonSteps converts a horizon into trailing-return steps, assuming the
// return series is sampled roughly hourly.
func horizonSteps(h domain.Horizon) float64 {
	steps := h.Duration().Hours()
	if steps < 1 {
		steps = 1
	}
	return steps
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func varianceOf(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mean := meanOf(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return sum / float64(len(xs)-1)
}

// squaredMean is the second moment of the return series, a robust realized
// variance estimate when the mean is noisy.
func squaredMean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x * x
	}
	return sum / float64(len(xs))
}

func clampFinite(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
