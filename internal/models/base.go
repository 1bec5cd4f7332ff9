package models

import (
	"context"
	"fmt"
	"math"
)

// Base model identifiers
const (
	ModelRandomWalkDrift = "rwdrift"
	ModelEWTrend         = "ewtrend"
	ModelMeanReversion   = "meanrev"
	ModelVolCarry        = "volcarry"
)

// minHistory is the fewest trailing returns any base model accepts. A model
// short on history is absent from the cycle, not a combiner failure.
const minHistory = 3

// DefaultBasePool returns the in-repo general-purpose models
func DefaultBasePool() []Model {
	return []Model{
		&RandomWalkDrift{},
		&EWTrend{Lambda: 0.94},
		&MeanReversion{Phi: 0.85},
		&VolCarry{},
	}
}

func checkBaseRequest(req PredictRequest) error {
	if req.LastPrice <= 0 {
		return fmt.Errorf("no price observed for %s", req.Asset)
	}
	if len(req.Returns) < minHistory {
		return fmt.Errorf("insufficient history for %s: %d returns", req.Asset, len(req.Returns))
	}
	return nil
}

// RandomWalkDrift projects the last price forward with the trailing mean
// return as drift. The classic null model the rest of the ensemble must beat.
type RandomWalkDrift struct{}

func (m *RandomWalkDrift) ID() string { return ModelRandomWalkDrift }

func (m *RandomWalkDrift) Predict(_ context.Context, req PredictRequest) (Prediction, error) {
	if err := checkBaseRequest(req); err != nil {
		return Prediction{}, err
	}

	steps := horizonSteps(req.Horizon)
	drift := meanOf(req.Returns)
	point := req.LastPrice * math.Exp(drift*steps)
	variance := req.LastPrice * req.LastPrice * varianceOf(req.Returns) * steps

	return Prediction{
		Point:    clampFinite(point, req.LastPrice),
		Variance: clampFinite(variance, 0),
	}, nil
}

// EWTrend extrapolates an exponentially weighted trend so recent returns
// dominate the drift estimate.
type EWTrend struct {
	Lambda float64 // Decay factor, newer returns weigh more as Lambda falls
}

func (m *EWTrend) ID() string { return ModelEWTrend }

func (m *EWTrend) Predict(_ context.Context, req PredictRequest) (Prediction, error) {
	if err := checkBaseRequest(req); err != nil {
		return Prediction{}, err
	}

	lambda := m.Lambda
	if lambda <= 0 || lambda >= 1 {
		lambda = 0.94
	}

	// Newest-last series: weight w_i = lambda^(n-1-i)
	ewMean := 0.0
	ewVar := 0.0
	wsum := 0.0
	n := len(req.Returns)
	for i, r := range req.Returns {
		w := math.Pow(lambda, float64(n-1-i))
		ewMean += w * r
		wsum += w
	}
	ewMean /= wsum
	for i, r := range req.Returns {
		w := math.Pow(lambda, float64(n-1-i))
		d := r - ewMean
		ewVar += w * d * d
	}
	ewVar /= wsum

	steps := horizonSteps(req.Horizon)
	point := req.LastPrice * math.Exp(ewMean*steps)
	variance := req.LastPrice * req.LastPrice * ewVar * steps

	return Prediction{
		Point:    clampFinite(point, req.LastPrice),
		Variance: clampFinite(variance, 0),
	}, nil
}

// MeanReversion shrinks the last price toward the trailing mean price,
// reconstructing the recent price path from the return series.
type MeanReversion struct {
	Phi float64 // Per-step persistence; lower reverts faster
}

func (m *MeanReversion) ID() string { return ModelMeanReversion }

func (m *MeanReversion) Predict(_ context.Context, req PredictRequest) (Prediction, error) {
	if err := checkBaseRequest(req); err != nil {
		return Prediction{}, err
	}

	phi := m.Phi
	if phi <= 0 || phi >= 1 {
		phi = 0.85
	}

	// Walk the return series backwards from the last price
	prices := make([]float64, len(req.Returns)+1)
	prices[len(prices)-1] = req.LastPrice
	for i := len(req.Returns) - 1; i >= 0; i-- {
		prices[i] = prices[i+1] / math.Exp(req.Returns[i])
	}

	anchor := meanOf(prices)
	persistence := math.Pow(phi, horizonSteps(req.Horizon))
	point := anchor + persistence*(req.LastPrice-anchor)

	// Stationary AR(1) variance around the anchor
	variance := varianceOf(prices) * (1 - persistence*persistence)

	return Prediction{
		Point:    clampFinite(point, req.LastPrice),
		Variance: clampFinite(variance, 0),
	}, nil
}

// VolCarry holds the price flat net of volatility drag; its value to the
// ensemble is a realistic variance estimate in turbulent stretches.
type VolCarry struct{}

func (m *VolCarry) ID() string { return ModelVolCarry }

func (m *VolCarry) Predict(_ context.Context, req PredictRequest) (Prediction, error) {
	if err := checkBaseRequest(req); err != nil {
		return Prediction{}, err
	}

	steps := horizonSteps(req.Horizon)
	sigma2 := squaredMean(req.Returns)
	point := req.LastPrice * math.Exp(-0.5*sigma2*steps)
	variance := req.LastPrice * req.LastPrice * sigma2 * steps

	return Prediction{
		Point:    clampFinite(point, req.LastPrice),
		Variance: clampFinite(variance, 0),
	}, nil
}
