package weights

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/forecastrun/internal/domain"
)

func activeVector(weights map[string]float64) domain.WeightVector {
	return domain.WeightVector{
		Regime:  domain.RegimeNormal,
		Weights: weights,
		Version: 3,
		State:   domain.WeightStateActive,
	}
}

func TestUpdateWeights_ShiftsTowardAccurateModel(t *testing.T) {
	old := activeVector(map[string]float64{"a": 0.5, "b": 0.5})
	attrs := []Attribution{
		{ModelID: "a", Point: 100, AbsError: 1},
		{ModelID: "b", Point: 120, AbsError: 21},
	}

	next, err := UpdateWeights(old, attrs, DefaultUpdateConfig())
	require.NoError(t, err)

	assert.Greater(t, next.Weights["a"], old.Weights["a"], "lower error gains weight")
	assert.Less(t, next.Weights["b"], old.Weights["b"], "higher error loses weight")
	assert.Equal(t, old.Version+1, next.Version)
	assert.Equal(t, old.Observations+1, next.Observations)
}

func TestUpdateWeights_SumPreserved(t *testing.T) {
	old := activeVector(map[string]float64{"a": 0.4, "b": 0.35, "c": 0.25})
	attrs := []Attribution{
		{ModelID: "a", AbsError: 5},
		{ModelID: "b", AbsError: 1},
		{ModelID: "c", AbsError: 10},
	}

	next, err := UpdateWeights(old, attrs, DefaultUpdateConfig())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, next.Sum(), 1e-9)
}

func TestUpdateWeights_MaxStepDeltaBound(t *testing.T) {
	cfg := DefaultUpdateConfig()
	cfg.Eta = 2.0 // Aggressive rate so the raw step wants far more than the cap
	old := activeVector(map[string]float64{"a": 0.5, "b": 0.5})
	attrs := []Attribution{
		{ModelID: "a", AbsError: 0.001},
		{ModelID: "b", AbsError: 1000},
	}

	next, err := UpdateWeights(old, attrs, cfg)
	require.NoError(t, err)

	for id, w := range next.Weights {
		delta := math.Abs(w - old.Weights[id])
		assert.LessOrEqual(t, delta, cfg.MaxStepDelta+1e-9,
			"single-step move for %s exceeds the cap", id)
	}
	assert.InDelta(t, cfg.MaxStepDelta, math.Abs(next.Weights["b"]-old.Weights["b"]), 1e-9,
		"capped step realizes exactly the cap on the largest mover")
}

func TestUpdateWeights_FloorRespected(t *testing.T) {
	cfg := DefaultUpdateConfig()
	old := activeVector(map[string]float64{"a": 0.9, "b": 0.06, "c": 0.04})
	attrs := []Attribution{
		{ModelID: "a", AbsError: 0},
		{ModelID: "b", AbsError: 50},
		{ModelID: "c", AbsError: 50},
	}

	// Repeated bad outcomes must never push a model to zero
	next := old
	var err error
	for i := 0; i < 25; i++ {
		next, err = UpdateWeights(next, attrs, cfg)
		require.NoError(t, err)
	}
	for id, w := range next.Weights {
		assert.GreaterOrEqual(t, w, cfg.MinWeight-1e-9, "model %s fell below the floor", id)
	}
	assert.InDelta(t, 1.0, next.Sum(), 1e-6)
}

func TestUpdateWeights_UntouchedModelsKeepMass(t *testing.T) {
	old := activeVector(map[string]float64{"a": 0.3, "b": 0.3, "idle": 0.4})
	attrs := []Attribution{
		{ModelID: "a", AbsError: 1},
		{ModelID: "b", AbsError: 10},
	}

	next, err := UpdateWeights(old, attrs, DefaultUpdateConfig())
	require.NoError(t, err)

	assert.Equal(t, 0.4, next.Weights["idle"], "models absent from the cycle keep their weight")
	assert.InDelta(t, 0.6, next.Weights["a"]+next.Weights["b"], 1e-9,
		"attributed models redistribute only their own mass")
}

func TestUpdateWeights_ZeroErrorCountsObservationOnly(t *testing.T) {
	old := activeVector(map[string]float64{"a": 0.5, "b": 0.5})
	attrs := []Attribution{
		{ModelID: "a", AbsError: 0},
		{ModelID: "b", AbsError: 0},
	}

	next, err := UpdateWeights(old, attrs, DefaultUpdateConfig())
	require.NoError(t, err)
	assert.Equal(t, old.Weights, next.Weights, "nothing to learn from a perfect cycle")
	assert.Equal(t, old.Observations+1, next.Observations)
}

func TestUpdateWeights_UnknownModelRejected(t *testing.T) {
	old := activeVector(map[string]float64{"a": 1.0})
	attrs := []Attribution{{ModelID: "ghost", AbsError: 1}}

	_, err := UpdateWeights(old, attrs, DefaultUpdateConfig())
	assert.Error(t, err)
}

func TestUpdateWeights_EmptyInputsRejected(t *testing.T) {
	_, err := UpdateWeights(domain.WeightVector{Regime: domain.RegimeNormal}, []Attribution{{ModelID: "a"}}, DefaultUpdateConfig())
	assert.Error(t, err)

	_, err = UpdateWeights(activeVector(map[string]float64{"a": 1}), nil, DefaultUpdateConfig())
	assert.Error(t, err)
}

func TestDecayTowardPrior_MovesFractionally(t *testing.T) {
	wv := activeVector(map[string]float64{"a": 0.8, "b": 0.2})
	prior := map[string]float64{"a": 0.5, "b": 0.5}

	next := DecayTowardPrior(wv, prior, 0.25)

	assert.InDelta(t, 0.725, next.Weights["a"], 1e-9)
	assert.InDelta(t, 0.275, next.Weights["b"], 1e-9)
	assert.Equal(t, domain.WeightStateDecaying, next.State)
	assert.InDelta(t, 1.0, next.Sum(), 1e-9)
}

func TestDecayTowardPrior_ConvergesOverSweeps(t *testing.T) {
	wv := activeVector(map[string]float64{"a": 0.9, "b": 0.1})
	prior := map[string]float64{"a": 0.5, "b": 0.5}

	for i := 0; i < 50; i++ {
		wv = DecayTowardPrior(wv, prior, 0.25)
	}
	assert.InDelta(t, 0.5, wv.Weights["a"], 1e-4)
	assert.InDelta(t, 0.5, wv.Weights["b"], 1e-4)
}

func TestValidateVector(t *testing.T) {
	ok := activeVector(map[string]float64{"a": 0.6, "b": 0.4})
	assert.NoError(t, ValidateVector(ok, 0.02, 1e-6))

	negative := activeVector(map[string]float64{"a": 1.2, "b": -0.2})
	assert.Error(t, ValidateVector(negative, 0.02, 1e-6))

	belowFloor := activeVector(map[string]float64{"a": 0.99, "b": 0.01})
	assert.Error(t, ValidateVector(belowFloor, 0.02, 1e-6))

	badSum := activeVector(map[string]float64{"a": 0.6, "b": 0.6})
	assert.Error(t, ValidateVector(badSum, 0.02, 1e-6))

	assert.Error(t, ValidateVector(domain.WeightVector{Regime: "x"}, 0.02, 1e-6))
}

func TestDefaultPrior_EvenSplit(t *testing.T) {
	p := DefaultPrior(domain.RegimeNormal, []string{"a", "b", "c", "d"})
	for _, w := range p {
		assert.InDelta(t, 0.25, w, 1e-9)
	}
}

func TestDefaultPrior_TiltsTowardNamedEventModels(t *testing.T) {
	ids := []string{"rwdrift", "ewtrend", "event_earnings", "event_monetary_policy"}

	p := DefaultPrior(domain.Regime("earnings"), ids)
	assert.Greater(t, p["event_earnings"], p["rwdrift"], "regime's own event model starts favored")
	assert.InDelta(t, p["rwdrift"], p["event_monetary_policy"], 1e-9,
		"event models outside the label get no tilt")

	sum := 0.0
	for _, w := range p {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestDefaultPrior_CompositeRegimeTiltsAllNamedTypes(t *testing.T) {
	ids := []string{"rwdrift", "event_earnings", "event_monetary_policy"}
	p := DefaultPrior(domain.Regime("earnings+monetary_policy"), ids)
	assert.Equal(t, p["event_earnings"], p["event_monetary_policy"])
	assert.Greater(t, p["event_earnings"], p["rwdrift"])
}
