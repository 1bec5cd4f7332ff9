package weights

import (
	"fmt"
	"math"

	"github.com/sawpanic/forecastrun/internal/domain"
)

// ValidateVector checks the structural invariants every stored weight vector
// must satisfy: non-negative weights, floor respected, sum equal to 1 within
// tolerance.
func ValidateVector(wv domain.WeightVector, floor, epsilon float64) error {
	if len(wv.Weights) == 0 {
		return fmt.Errorf("weight vector for regime %s is empty", wv.Regime)
	}

	for id, w := range wv.Weights {
		if w < 0 {
			return fmt.Errorf("negative weight not allowed: %s = %f (regime %s)", id, w, wv.Regime)
		}
		if w < floor-epsilon {
			return fmt.Errorf("weight %s = %.6f below floor %.6f for regime %s", id, w, floor, wv.Regime)
		}
	}

	total := wv.Sum()
	if math.Abs(total-1.0) > epsilon {
		return fmt.Errorf("weights sum to %.6f, must equal 1.000000 (±%.0e) for regime %s",
			total, epsilon, wv.Regime)
	}

	return nil
}

// floorAndNormalize clamps each weight up to the floor and rescales the rest
// so the map sums to mass. Deterministic: mass above the floors is always
// redistributed proportionally.
func floorAndNormalize(w map[string]float64, mass, floor float64) {
	n := float64(len(w))
	if n == 0 || mass <= 0 {
		return
	}

	// Infeasible floor for this many models degrades to an even split
	if floor*n >= mass {
		for id := range w {
			w[id] = mass / n
		}
		return
	}

	excessTotal := 0.0
	for id, v := range w {
		if v < floor {
			v = floor
			w[id] = v
		}
		excessTotal += v - floor
	}

	spare := mass - floor*n
	for id, v := range w {
		if excessTotal > 0 {
			w[id] = floor + (v-floor)/excessTotal*spare
		} else {
			w[id] = mass / n
		}
	}
}

func clamp(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}
