package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/forecastrun/internal/cache"
	"github.com/sawpanic/forecastrun/internal/domain"
	"github.com/sawpanic/forecastrun/internal/ensemble"
	"github.com/sawpanic/forecastrun/internal/models"
	"github.com/sawpanic/forecastrun/internal/regime"
	"github.com/sawpanic/forecastrun/internal/registry"
	"github.com/sawpanic/forecastrun/internal/weights"
)

type harness struct {
	orch   *Orchestrator
	events *registry.Registry
	store  *weights.Store
	vols   *regime.VolTracker
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	events := registry.New(registry.DefaultConfig(), nil)
	vols := regime.NewVolTracker(32)
	store := weights.NewStore(weights.DefaultStoreConfig(), weights.DefaultPrior, nil)
	pool := models.NewPool(models.DefaultPoolConfig(),
		append(models.DefaultBasePool(), models.DefaultEventModels()...)...)

	orch := New(DefaultConfig(), Deps{
		Events:    events,
		Classify:  regime.NewClassifier(regime.DefaultConfig()),
		Vols:      vols,
		Pool:      pool,
		Store:     store,
		Combiner:  ensemble.NewCombiner(nil),
		Intervals: ensemble.NewIntervalBuilder(ensemble.DefaultIntervalConfig()),
		UpdateCfg: weights.DefaultUpdateConfig(),
		Cache:     cache.NewForecastCache(cache.New(), 0),
	})

	return &harness{orch: orch, events: events, store: store, vols: vols}
}

func (h *harness) seedPrices(asset string, prices ...float64) {
	for _, p := range prices {
		h.vols.Observe(asset, p)
	}
}

func TestOrchestrator_RunCycle_EmitsForecast(t *testing.T) {
	h := newHarness(t)
	h.seedPrices("BTCUSD", 64000, 64100, 63950, 64200, 64150, 64300)

	ef, err := h.orch.RunCycle(context.Background(), "BTCUSD", domain.Horizon1H)
	require.NoError(t, err)

	assert.NotEmpty(t, ef.ID)
	assert.Equal(t, "BTCUSD", ef.Asset)
	assert.Equal(t, domain.RegimeNormal, ef.Regime)
	assert.False(t, ef.Degraded)
	assert.Greater(t, ef.Value, 0.0)
	assert.Less(t, ef.Lower, ef.Value)
	assert.Greater(t, ef.Upper, ef.Value)
	assert.Len(t, ef.Contributions, 4, "quiet market runs the four base models")
	assert.Len(t, ef.InputIDs, 4)
	assert.Equal(t, 1, h.orch.PendingOutcomes(), "emitted forecast awaits its outcome")

	reg, ok := h.orch.CurrentRegime("BTCUSD")
	assert.True(t, ok)
	assert.Equal(t, domain.RegimeNormal, reg)
}

func TestOrchestrator_RunCycle_EventRegime(t *testing.T) {
	h := newHarness(t)
	h.seedPrices("BTCUSD", 64000, 64100, 63950, 64200, 64150)
	now := time.Now().UTC()

	_, err := h.events.Submit(context.Background(), domain.MarketEvent{
		Type:           domain.EventMonetaryPolicy,
		Severity:       90,
		DetectionTime:  now,
		ImpactTime:     now.Add(2 * time.Hour),
		AffectedAssets: []string{"BTCUSD"},
		Impact:         domain.ExpectedImpact{PriceDelta: -0.03, VolDelta: 0.4, Confidence: 0.9},
	})
	require.NoError(t, err)

	ef, err := h.orch.RunCycle(context.Background(), "BTCUSD", domain.Horizon1H)
	require.NoError(t, err)

	assert.Equal(t, domain.Regime("monetary_policy"), ef.Regime)
	assert.Contains(t, ef.Contributions, "event_monetary_policy", "triggered event model joins the ensemble")
	assert.Len(t, ef.Contributions, 5)
}

func TestOrchestrator_RunCycle_NoPriceHistoryErrors(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.RunCycle(context.Background(), "NOHIST", domain.Horizon1H)
	require.Error(t, err, "a pair with no price and no cached forecast has nothing to emit")
	assert.ErrorIs(t, err, domain.ErrEmptyEnsemble)
}

func TestOrchestrator_RunCycle_DegradedFromCache(t *testing.T) {
	h := newHarness(t)
	h.seedPrices("BTCUSD", 64000, 64100, 63950, 64200, 64150)

	good, err := h.orch.RunCycle(context.Background(), "BTCUSD", domain.Horizon1H)
	require.NoError(t, err)

	// Replace the tracker wholesale: the next cycle sees no price history
	h.orch.vols = regime.NewVolTracker(32)

	degraded, err := h.orch.RunCycle(context.Background(), "BTCUSD", domain.Horizon1H)
	require.NoError(t, err, "degraded emission is not an error while a last good forecast exists")

	assert.True(t, degraded.Degraded)
	assert.Contains(t, degraded.DegradedReason, "no price history")
	assert.Contains(t, degraded.DegradedReason, good.EmittedAt.Format(time.RFC3339),
		"degraded reason names the last good forecast's timestamp")
	assert.Equal(t, good.Value, degraded.Value, "degraded forecast carries the last good value")
	assert.NotEqual(t, good.ID, degraded.ID, "degraded emission gets its own id")
}

func TestOrchestrator_ReportOutcome_LearnsWeights(t *testing.T) {
	h := newHarness(t)
	h.seedPrices("BTCUSD", 64000, 64100, 63950, 64200, 64150, 64300)

	ef, err := h.orch.RunCycle(context.Background(), "BTCUSD", domain.Horizon1H)
	require.NoError(t, err)
	before, ok := h.store.Get(ef.Regime)
	require.True(t, ok)

	err = h.orch.ReportOutcome(context.Background(), domain.RealizedOutcome{
		Asset:       "BTCUSD",
		Horizon:     domain.Horizon1H,
		Timestamp:   ef.EmittedAt.Add(time.Hour),
		ActualValue: 64500,
	})
	require.NoError(t, err)

	after, ok := h.store.Get(ef.Regime)
	require.True(t, ok)
	assert.Equal(t, before.Version+1, after.Version, "learning step bumps the vector version")
	assert.Equal(t, before.Observations+1, after.Observations)
	assert.InDelta(t, 1.0, after.Sum(), 1e-6)
	assert.Equal(t, 0, h.orch.PendingOutcomes(), "matched forecast leaves the journal")
}

func TestOrchestrator_ReportOutcome_NoPendingMatch(t *testing.T) {
	h := newHarness(t)

	err := h.orch.ReportOutcome(context.Background(), domain.RealizedOutcome{
		Asset:       "BTCUSD",
		Horizon:     domain.Horizon1H,
		Timestamp:   time.Now().UTC(),
		ActualValue: 64000,
	})
	assert.Error(t, err)
}

func TestOrchestrator_ReportOutcome_OnePerCycle(t *testing.T) {
	h := newHarness(t)
	h.seedPrices("BTCUSD", 64000, 64100, 63950, 64200, 64150)

	ef, err := h.orch.RunCycle(context.Background(), "BTCUSD", domain.Horizon1H)
	require.NoError(t, err)

	outcome := domain.RealizedOutcome{
		Asset:       "BTCUSD",
		Horizon:     domain.Horizon1H,
		Timestamp:   ef.EmittedAt.Add(time.Hour),
		ActualValue: 64500,
	}
	require.NoError(t, h.orch.ReportOutcome(context.Background(), outcome))
	assert.Error(t, h.orch.ReportOutcome(context.Background(), outcome),
		"a forecast cycle is attributed at most once")
}

func TestOrchestrator_ExpireUnlearned_LeavesWeightsUntouched(t *testing.T) {
	h := newHarness(t)
	h.seedPrices("BTCUSD", 64000, 64100, 63950, 64200, 64150)

	ef, err := h.orch.RunCycle(context.Background(), "BTCUSD", domain.Horizon1H)
	require.NoError(t, err)
	before, _ := h.store.Get(ef.Regime)

	// 1h horizon: timeout is max(30m, 2h) = 2h
	expired := h.orch.ExpireUnlearned(context.Background(), ef.EmittedAt.Add(3*time.Hour))
	assert.Equal(t, 1, expired)
	assert.Equal(t, 0, h.orch.PendingOutcomes())

	after, _ := h.store.Get(ef.Regime)
	assert.Equal(t, before.Version, after.Version, "expiry must not train the weights")

	err = h.orch.ReportOutcome(context.Background(), domain.RealizedOutcome{
		Asset:       "BTCUSD",
		Horizon:     domain.Horizon1H,
		Timestamp:   ef.EmittedAt.Add(time.Hour),
		ActualValue: 64500,
	})
	assert.Error(t, err, "an expired forecast can no longer be attributed")
}

func TestOrchestrator_ExternalForecastJoinsCycle(t *testing.T) {
	h := newHarness(t)
	h.seedPrices("BTCUSD", 64000, 64100, 63950, 64200, 64150)

	require.NoError(t, h.orch.SubmitExternal(domain.AgentForecast{
		ID:               "ext-1",
		AgentID:          "macro-agent-1",
		Asset:            "BTCUSD",
		Horizon:          domain.Horizon1H,
		PointEstimate:    65000,
		VarianceEstimate: 1e6,
		ProducedAt:       time.Now().UTC(),
	}))

	ef, err := h.orch.RunCycle(context.Background(), "BTCUSD", domain.Horizon1H)
	require.NoError(t, err)
	assert.Contains(t, ef.Contributions, "macro-agent-1",
		"buffered external forecast is merged at the cycle boundary")
}

func TestOrchestrator_StaleExternalForecastAgesOut(t *testing.T) {
	h := newHarness(t)
	h.seedPrices("BTCUSD", 64000, 64100, 63950, 64200, 64150)

	require.NoError(t, h.orch.SubmitExternal(domain.AgentForecast{
		ID:               "ext-old",
		AgentID:          "macro-agent-1",
		Asset:            "BTCUSD",
		Horizon:          domain.Horizon1H,
		PointEstimate:    65000,
		VarianceEstimate: 1e6,
		ProducedAt:       time.Now().UTC().Add(-time.Hour), // past the 15m TTL
	}))

	ef, err := h.orch.RunCycle(context.Background(), "BTCUSD", domain.Horizon1H)
	require.NoError(t, err)
	assert.NotContains(t, ef.Contributions, "macro-agent-1")
}

func TestOrchestrator_ExternalForecastReservedIDRejected(t *testing.T) {
	h := newHarness(t)
	h.seedPrices("BTCUSD", 64000, 64100, 63950, 64200, 64150)

	// An external agent must not be able to impersonate a pool model:
	// submissions share the contribution namespace with in-process models.
	err := h.orch.SubmitExternal(domain.AgentForecast{
		ID:               "ext-imposter",
		AgentID:          "rwdrift",
		Asset:            "BTCUSD",
		Horizon:          domain.Horizon1H,
		PointEstimate:    1e9,
		VarianceEstimate: 1e6,
		ProducedAt:       time.Now().UTC(),
	})
	require.ErrorIs(t, err, ErrReservedAgentID)

	ef, err := h.orch.RunCycle(context.Background(), "BTCUSD", domain.Horizon1H)
	require.NoError(t, err)
	assert.Len(t, ef.Contributions, 4, "rejected submission never reaches the ensemble")
	assert.InDelta(t, 64150, ef.Value, 64150*0.05, "pool model's own estimate survives")
}

func TestOrchestrator_SubscribersNotified(t *testing.T) {
	h := newHarness(t)
	h.seedPrices("BTCUSD", 64000, 64100, 63950, 64200, 64150)

	var received []domain.EnsembleForecast
	h.orch.Subscribe(func(ef domain.EnsembleForecast) {
		received = append(received, ef)
	})

	ef, err := h.orch.RunCycle(context.Background(), "BTCUSD", domain.Horizon1H)
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, ef.ID, received[0].ID)
}

func TestOrchestrator_LatestForecastServedFromCache(t *testing.T) {
	h := newHarness(t)
	h.seedPrices("BTCUSD", 64000, 64100, 63950, 64200, 64150)

	ef, err := h.orch.RunCycle(context.Background(), "BTCUSD", domain.Horizon1H)
	require.NoError(t, err)

	cached, ok := h.orch.LatestForecast("BTCUSD", domain.Horizon1H)
	require.True(t, ok)
	assert.Equal(t, ef.ID, cached.ID)

	_, ok = h.orch.LatestForecast("BTCUSD", domain.Horizon1D)
	assert.False(t, ok, "cache is per pair")
}

func TestOutcomeJournal_FIFOWithinPair(t *testing.T) {
	j := newOutcomeJournal()
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		j.Add(pendingForecast{
			Forecast: domain.EnsembleForecast{
				ID:        string(rune('a' + i)),
				Asset:     "BTCUSD",
				Horizon:   domain.Horizon1H,
				EmittedAt: base.Add(time.Duration(i) * time.Minute),
			},
			Deadline: base.Add(time.Hour),
		})
	}

	p, ok := j.Match("BTCUSD", domain.Horizon1H, base.Add(10*time.Minute))
	require.True(t, ok)
	assert.Equal(t, "a", p.Forecast.ID, "oldest eligible forecast matches first")

	p, ok = j.Match("BTCUSD", domain.Horizon1H, base.Add(10*time.Minute))
	require.True(t, ok)
	assert.Equal(t, "b", p.Forecast.ID)

	_, ok = j.Match("BTCUSD", domain.Horizon1D, base.Add(10*time.Minute))
	assert.False(t, ok, "pairs do not share queues")
}

func TestOutcomeJournal_MatchRespectsTimestamp(t *testing.T) {
	j := newOutcomeJournal()
	base := time.Now().UTC()
	j.Add(pendingForecast{
		Forecast: domain.EnsembleForecast{
			ID: "future", Asset: "BTCUSD", Horizon: domain.Horizon1H,
			EmittedAt: base.Add(time.Hour),
		},
		Deadline: base.Add(3 * time.Hour),
	})

	_, ok := j.Match("BTCUSD", domain.Horizon1H, base)
	assert.False(t, ok, "an outcome cannot match a forecast emitted after it")
}
