package ensemble

import (
	"fmt"
	"sort"

	"github.com/sawpanic/forecastrun/internal/domain"
)

// CovarianceProvider supplies pairwise covariances between model errors when
// a calibration source is wired. Combination assumes independence when the
// pair is unknown, which upper-bounds the true combined variance.
type CovarianceProvider interface {
	Cov(modelA, modelB string) (float64, bool)
}

// CombineResult is the raw combination output before the uncertainty
// aggregator turns it into an interval.
type CombineResult struct {
	Point               float64
	Variance            float64
	Disagreement        float64            // Weighted variance of points around the combined mean
	Contributions       map[string]float64 // Realized post-renormalization weights
	InputIDs            []string           // AgentForecast ids, sorted for stable audit rows
	IndependenceAssumed bool
}

// Combiner computes the ensemble forecast as a weighted combination of the
// model forecasts present this cycle.
type Combiner struct {
	cov CovarianceProvider // nil means independence is always assumed
}

// NewCombiner creates a combiner. cov may be nil.
func NewCombiner(cov CovarianceProvider) *Combiner {
	return &Combiner{cov: cov}
}

// Combine blends the forecasts over the intersection of forecasts and
// weights. Weights of models absent this cycle (expired event, timeout) are
// dropped and the survivors renormalized proportionally; the renormalization
// is mandatory and deterministic. Fails with ErrEmptyEnsemble when the
// intersection is empty.
func (c *Combiner) Combine(forecasts map[string]domain.AgentForecast, wv domain.WeightVector) (CombineResult, error) {
	present := make([]string, 0, len(forecasts))
	presentMass := 0.0
	for id := range forecasts {
		w, ok := wv.Weights[id]
		if !ok {
			continue // Forecast from a model the regime's vector has never seen
		}
		present = append(present, id)
		presentMass += w
	}
	sort.Strings(present)

	if len(present) == 0 || presentMass <= 0 {
		return CombineResult{}, fmt.Errorf("%w: no forecasts for regime %s", domain.ErrEmptyEnsemble, wv.Regime)
	}

	contributions := make(map[string]float64, len(present))
	point := 0.0
	inputIDs := make([]string, 0, len(present))
	for _, id := range present {
		w := wv.Weights[id] / presentMass
		contributions[id] = w
		point += w * forecasts[id].PointEstimate
		inputIDs = append(inputIDs, forecasts[id].ID)
	}
	sort.Strings(inputIDs)

	// Weighted sum of individual variances, plus pairwise covariance terms
	// when a provider is wired for the pair.
	variance := 0.0
	independence := true
	for _, id := range present {
		// Conservative Σ w·var rather than Σ w²·var: agreement between
		// members must not shrink the reported variance on its own.
		variance += contributions[id] * forecasts[id].VarianceEstimate
	}
	if c.cov != nil {
		for i, a := range present {
			for _, b := range present[i+1:] {
				if cov, ok := c.cov.Cov(a, b); ok {
					variance += 2 * contributions[a] * contributions[b] * cov
					independence = false
				}
			}
		}
	}
	if variance < 0 {
		variance = 0
	}

	// Disagreement: spread of the member points around the combined mean.
	// Drives interval widening even when every member self-reports low
	// variance, so shared blind spots cannot masquerade as confidence.
	disagreement := 0.0
	for _, id := range present {
		d := forecasts[id].PointEstimate - point
		disagreement += contributions[id] * d * d
	}

	return CombineResult{
		Point:               point,
		Variance:            variance,
		Disagreement:        disagreement,
		Contributions:       contributions,
		InputIDs:            inputIDs,
		IndependenceAssumed: independence,
	}, nil
}
