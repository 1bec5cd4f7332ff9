package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/forecastrun/internal/cache"
	"github.com/sawpanic/forecastrun/internal/domain"
	"github.com/sawpanic/forecastrun/internal/ensemble"
	"github.com/sawpanic/forecastrun/internal/metrics"
	"github.com/sawpanic/forecastrun/internal/models"
	"github.com/sawpanic/forecastrun/internal/persistence"
	"github.com/sawpanic/forecastrun/internal/regime"
	"github.com/sawpanic/forecastrun/internal/registry"
	"github.com/sawpanic/forecastrun/internal/weights"
)

// Stage labels for the per-cycle state machine
const (
	StageClassifying = "classifying"
	StagePredicting  = "predicting"
	StageCombining   = "combining"
	StageEmitting    = "emitting"
)

// Config holds orchestrator knobs
type Config struct {
	OutcomeTimeoutMin    time.Duration `yaml:"outcome_timeout_min"`    // Floor for the outcome wait (default: 30m)
	OutcomeTimeoutFactor float64       `yaml:"outcome_timeout_factor"` // × horizon duration (default: 2.0)
	ExternalForecastTTL  time.Duration `yaml:"external_forecast_ttl"`  // Freshness window for submitted agent forecasts (default: 15m)
	CacheTTL             time.Duration `yaml:"cache_ttl"`              // Latest-forecast cache TTL, 0 = no expiry
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() Config {
	return Config{
		OutcomeTimeoutMin:    30 * time.Minute,
		OutcomeTimeoutFactor: 2.0,
		ExternalForecastTTL:  15 * time.Minute,
	}
}

// Orchestrator drives the forecast pipeline end to end: detect, classify,
// predict, combine, quantify uncertainty, emit, and later learn from the
// realized outcome. Cycles for the same (asset, horizon) pair are strictly
// serialized; distinct pairs run concurrently.
type Orchestrator struct {
	config    Config
	events    *registry.Registry
	classify  *regime.Classifier
	vols      *regime.VolTracker
	pool      *models.Pool
	store     *weights.Store
	combiner  *ensemble.Combiner
	intervals *ensemble.IntervalBuilder
	updateCfg weights.UpdateConfig

	fcache    *cache.ForecastCache
	forecasts persistence.ForecastsRepo // nil for memory-only operation
	metrics   *metrics.MetricsRegistry  // nil disables instrumentation

	journal *outcomeJournal

	pairMu sync.Mutex
	pairs  map[string]*sync.Mutex

	extMu    sync.RWMutex
	external map[string]map[string]domain.AgentForecast // pair key -> agent id -> latest

	regimeMu    sync.Mutex
	lastRegimes map[string]domain.Regime

	emitMu sync.RWMutex
	emit   []func(domain.EnsembleForecast)
}

// Deps bundles the orchestrator's collaborators
type Deps struct {
	Events    *registry.Registry
	Classify  *regime.Classifier
	Vols      *regime.VolTracker
	Pool      *models.Pool
	Store     *weights.Store
	Combiner  *ensemble.Combiner
	Intervals *ensemble.IntervalBuilder
	UpdateCfg weights.UpdateConfig
	Cache     *cache.ForecastCache
	Forecasts persistence.ForecastsRepo
	Metrics   *metrics.MetricsRegistry
}

// New creates an orchestrator
func New(config Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		config:      config,
		events:      deps.Events,
		classify:    deps.Classify,
		vols:        deps.Vols,
		pool:        deps.Pool,
		store:       deps.Store,
		combiner:    deps.Combiner,
		intervals:   deps.Intervals,
		updateCfg:   deps.UpdateCfg,
		fcache:      deps.Cache,
		forecasts:   deps.Forecasts,
		metrics:     deps.Metrics,
		journal:     newOutcomeJournal(),
		pairs:       make(map[string]*sync.Mutex),
		external:    make(map[string]map[string]domain.AgentForecast),
		lastRegimes: make(map[string]domain.Regime),
	}
}

// Subscribe registers a hook invoked for every emitted forecast (including
// degraded ones). Hooks must not block.
func (o *Orchestrator) Subscribe(fn func(domain.EnsembleForecast)) {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	o.emit = append(o.emit, fn)
}

// Observe feeds a market price update into the volatility tracker
func (o *Orchestrator) Observe(asset string, price float64) {
	o.vols.Observe(asset, price)
}

// ErrReservedAgentID rejects an external submission whose agent id collides
// with an in-process model id. Contributions are keyed by id, so letting the
// collision through would silently replace the pool model's forecast.
var ErrReservedAgentID = errors.New("agent id reserved by an in-process model")

// SubmitExternal buffers a normalized out-of-process agent forecast for the
// pair's next cycle boundary. Submissions never preempt an in-flight cycle.
func (o *Orchestrator) SubmitExternal(f domain.AgentForecast) error {
	if o.pool != nil {
		for _, id := range o.pool.ModelIDs() {
			if f.AgentID == id {
				return fmt.Errorf("%w: %s", ErrReservedAgentID, f.AgentID)
			}
		}
	}

	key := pairKey(f.Asset, f.Horizon)

	o.extMu.Lock()
	defer o.extMu.Unlock()
	if o.external[key] == nil {
		o.external[key] = make(map[string]domain.AgentForecast)
	}
	o.external[key][f.AgentID] = f
	return nil
}

// RunCycle executes one forecast cycle for a pair. A failure at any stage
// emits a degraded forecast from the last good combination rather than
// nothing; only a pair with no forecast history at all returns an error.
func (o *Orchestrator) RunCycle(ctx context.Context, asset string, horizon domain.Horizon) (domain.EnsembleForecast, error) {
	mu := o.pairLock(asset, horizon)
	mu.Lock()
	defer mu.Unlock()

	o.metrics.CycleStarted()
	defer o.metrics.CycleFinished()

	now := time.Now().UTC()

	// Classifying: consistent event snapshot, then the regime label
	timer := o.metrics.StartStageTimer(StageClassifying)
	o.events.ResolveDue(ctx, now)
	activeEvents := o.events.ActiveEvents(asset, now)
	vol := o.vols.Snapshot(asset)
	reg := o.classify.Classify(activeEvents, vol)
	timer.Stop("success")
	o.trackRegime(asset, reg)

	// Predicting: in-process pool plus buffered external agent forecasts
	timer = o.metrics.StartStageTimer(StagePredicting)
	lastPrice, ok := o.vols.LastPrice(asset)
	if !ok {
		timer.Stop("error")
		o.metrics.RecordCycleError(StagePredicting, "no_price")
		return o.degrade(asset, horizon, reg, "no price history")
	}

	req := models.PredictRequest{
		Asset:     asset,
		Horizon:   horizon,
		LastPrice: lastPrice,
		Returns:   o.vols.History(asset),
	}
	forecasts := o.pool.Collect(ctx, req, activeEvents)
	external := o.takeExternal(asset, horizon, now)
	for id, f := range external {
		forecasts[id] = f
	}
	timer.Stop("success")

	modelIDs := o.pool.ModelIDs()
	for id := range external {
		modelIDs = append(modelIDs, id)
	}

	wv, stale, err := o.store.Snapshot(ctx, reg, modelIDs)
	if err != nil {
		// Store-level failure: already retried with backoff inside the
		// store, so surface the health alert and degrade this cycle.
		log.Error().Err(err).Str("asset", asset).Str("regime", string(reg)).Msg("Weight store unavailable")
		o.metrics.RecordCycleError(StageCombining, "store_unavailable")
		return o.degrade(asset, horizon, reg, "weight store unavailable")
	}

	// Combining
	timer = o.metrics.StartStageTimer(StageCombining)
	combined, err := o.combiner.Combine(forecasts, wv)
	if err != nil {
		timer.Stop("error")
		if errors.Is(err, domain.ErrEmptyEnsemble) {
			o.metrics.RecordCycleError(StageCombining, "empty_ensemble")
			return o.degrade(asset, horizon, reg, "empty ensemble")
		}
		o.metrics.RecordCycleError(StageCombining, "combine_failed")
		return o.degrade(asset, horizon, reg, "combine failed")
	}
	timer.Stop("success")

	lower, upper := o.intervals.Interval(combined.Point, combined.Variance, combined.Disagreement, wv.Observations)

	// Emitting
	timer = o.metrics.StartStageTimer(StageEmitting)
	ef := domain.EnsembleForecast{
		ID:                  uuid.New().String(),
		Asset:               asset,
		Horizon:             horizon,
		Value:               combined.Point,
		Lower:               lower,
		Upper:               upper,
		Contributions:       combined.Contributions,
		Regime:              reg,
		WeightsVersion:      wv.Version,
		InputIDs:            combined.InputIDs,
		StaleWeights:        stale,
		IndependenceAssumed: combined.IndependenceAssumed,
		EmittedAt:           now,
	}
	if stale {
		if o.metrics != nil {
			o.metrics.StaleWeightFlags.Inc()
		}
		log.Warn().Str("asset", asset).Str("regime", string(reg)).Msg("Forecast emitted with stale weight vector")
	}

	points := make(map[string]float64, len(combined.Contributions))
	for id := range combined.Contributions {
		points[id] = forecasts[id].PointEstimate
	}
	o.journal.Add(pendingForecast{
		Forecast: ef,
		Points:   points,
		Deadline: now.Add(o.outcomeTimeout(horizon)),
	})

	o.fcache.Put(ef)
	if o.forecasts != nil {
		if err := o.forecasts.Insert(ctx, ef); err != nil {
			log.Error().Err(err).Str("forecast_id", ef.ID).Msg("Failed to persist forecast")
		}
	}
	o.broadcast(ef)
	timer.Stop("success")

	log.Info().
		Str("asset", asset).
		Str("horizon", string(horizon)).
		Str("regime", string(reg)).
		Float64("value", ef.Value).
		Int("models", len(combined.Contributions)).
		Msg("Forecast emitted")

	return ef, nil
}

// ReportOutcome feeds realized ground truth back into the weight optimizer.
// The matched forecast's regime vector gets one bounded learning step.
func (o *Orchestrator) ReportOutcome(ctx context.Context, outcome domain.RealizedOutcome) error {
	p, ok := o.journal.Match(outcome.Asset, outcome.Horizon, outcome.Timestamp)
	if !ok {
		return fmt.Errorf("no pending forecast for %s/%s at %s",
			outcome.Asset, outcome.Horizon, outcome.Timestamp.Format(time.RFC3339))
	}

	attrs := make([]weights.Attribution, 0, len(p.Points))
	for id, point := range p.Points {
		attrs = append(attrs, weights.Attribution{
			ModelID:  id,
			Point:    point,
			AbsError: math.Abs(point - outcome.ActualValue),
		})
	}

	var maxDelta float64
	err := o.store.Update(ctx, p.Forecast.Regime, func(old domain.WeightVector) (domain.WeightVector, error) {
		next, err := weights.UpdateWeights(old, attrs, o.updateCfg)
		if err != nil {
			return old, err
		}
		for id, w := range next.Weights {
			if d := math.Abs(w - old.Weights[id]); d > maxDelta {
				maxDelta = d
			}
		}
		return next, nil
	})
	if err != nil {
		return fmt.Errorf("learning step failed for regime %s: %w", p.Forecast.Regime, err)
	}

	o.metrics.RecordLearned(string(p.Forecast.Regime), maxDelta)
	log.Info().
		Str("asset", outcome.Asset).
		Str("regime", string(p.Forecast.Regime)).
		Float64("forecast", p.Forecast.Value).
		Float64("actual", outcome.ActualValue).
		Float64("max_delta", maxDelta).
		Msg("Outcome learned")

	return nil
}

// ExpireUnlearned marks forecasts whose outcome never arrived within the
// timeout. They are excluded from training; the weight vector is untouched.
func (o *Orchestrator) ExpireUnlearned(ctx context.Context, now time.Time) int {
	expired := o.journal.ExpireDue(now)
	for _, p := range expired {
		o.metrics.RecordUnlearned(string(p.Forecast.Regime))
		if o.forecasts != nil {
			if err := o.forecasts.MarkUnlearned(ctx, p.Forecast.ID); err != nil {
				log.Error().Err(err).Str("forecast_id", p.Forecast.ID).Msg("Failed to flag unlearned forecast")
			}
		}
		log.Warn().
			Str("forecast_id", p.Forecast.ID).
			Str("asset", p.Forecast.Asset).
			Str("regime", string(p.Forecast.Regime)).
			Msg("Forecast expired unlearned")
	}
	return len(expired)
}

// PendingOutcomes reports the number of forecasts awaiting ground truth
func (o *Orchestrator) PendingOutcomes() int {
	return o.journal.PendingCount()
}

// LatestForecast returns the cached latest forecast for a pair
func (o *Orchestrator) LatestForecast(asset string, horizon domain.Horizon) (domain.EnsembleForecast, bool) {
	return o.fcache.Latest(asset, horizon)
}

// degrade emits the last successfully combined forecast with a degraded flag
// instead of emitting nothing. A pair with no history at all yields an error.
func (o *Orchestrator) degrade(asset string, horizon domain.Horizon, reg domain.Regime, reason string) (domain.EnsembleForecast, error) {
	o.metrics.RecordDegraded(reason)

	last, ok := o.fcache.Latest(asset, horizon)
	if !ok {
		return domain.EnsembleForecast{}, fmt.Errorf("%w: %s/%s (%s)", domain.ErrEmptyEnsemble, asset, horizon, reason)
	}

	ef := last
	ef.ID = uuid.New().String()
	ef.Regime = reg
	ef.Degraded = true
	ef.DegradedReason = fmt.Sprintf("%s; last good forecast from %s", reason, last.EmittedAt.Format(time.RFC3339))
	ef.EmittedAt = time.Now().UTC()

	o.broadcast(ef)
	log.Warn().
		Str("asset", asset).
		Str("horizon", string(horizon)).
		Str("reason", reason).
		Time("last_good", last.EmittedAt).
		Msg("Degraded forecast emitted")

	return ef, nil
}

func (o *Orchestrator) broadcast(ef domain.EnsembleForecast) {
	o.emitMu.RLock()
	hooks := o.emit
	o.emitMu.RUnlock()
	for _, fn := range hooks {
		fn(ef)
	}
}

// takeExternal returns the fresh buffered external forecasts for a pair.
// Stale submissions age out instead of contaminating the ensemble.
func (o *Orchestrator) takeExternal(asset string, horizon domain.Horizon, now time.Time) map[string]domain.AgentForecast {
	key := pairKey(asset, horizon)

	o.extMu.Lock()
	defer o.extMu.Unlock()

	buffered := o.external[key]
	if len(buffered) == 0 {
		return nil
	}

	fresh := make(map[string]domain.AgentForecast, len(buffered))
	for id, f := range buffered {
		if now.Sub(f.ProducedAt) > o.config.ExternalForecastTTL {
			delete(buffered, id)
			continue
		}
		fresh[id] = f
	}
	return fresh
}

func (o *Orchestrator) trackRegime(asset string, reg domain.Regime) {
	o.regimeMu.Lock()
	prev, ok := o.lastRegimes[asset]
	o.lastRegimes[asset] = reg
	o.regimeMu.Unlock()

	if ok && prev != reg {
		o.metrics.RecordRegimeSwitch(string(prev), string(reg))
		log.Info().Str("asset", asset).Str("from", string(prev)).Str("to", string(reg)).Msg("Regime switch")
	}
}

// CurrentRegime returns the last classified regime for an asset
func (o *Orchestrator) CurrentRegime(asset string) (domain.Regime, bool) {
	o.regimeMu.Lock()
	defer o.regimeMu.Unlock()
	reg, ok := o.lastRegimes[asset]
	return reg, ok
}

func (o *Orchestrator) outcomeTimeout(horizon domain.Horizon) time.Duration {
	t := time.Duration(o.config.OutcomeTimeoutFactor * float64(horizon.Duration()))
	if t < o.config.OutcomeTimeoutMin {
		t = o.config.OutcomeTimeoutMin
	}
	return t
}

func (o *Orchestrator) pairLock(asset string, horizon domain.Horizon) *sync.Mutex {
	key := pairKey(asset, horizon)

	o.pairMu.Lock()
	defer o.pairMu.Unlock()
	mu, ok := o.pairs[key]
	if !ok {
		mu = &sync.Mutex{}
		o.pairs[key] = mu
	}
	return mu
}
