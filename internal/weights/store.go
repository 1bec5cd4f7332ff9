package weights

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/forecastrun/internal/breakers"
	"github.com/sawpanic/forecastrun/internal/domain"
	"github.com/sawpanic/forecastrun/internal/persistence"
)

// StoreConfig holds weight store lifecycle knobs
type StoreConfig struct {
	MinWeight   float64       `yaml:"min_weight"`   // Per-model floor carried into priors
	Epsilon     float64       `yaml:"epsilon"`      // Sum tolerance
	StaleAfter  time.Duration `yaml:"stale_after"`  // Freshness threshold for the stale flag
	DecayAfter  time.Duration `yaml:"decay_after"`  // Disuse threshold before decay kicks in
	DecayLambda float64       `yaml:"decay_lambda"` // Pull toward prior per sweep
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MinWeight:   0.02,
		Epsilon:     1e-6,
		StaleAfter:  7 * 24 * time.Hour,
		DecayAfter:  14 * 24 * time.Hour,
		DecayLambda: 0.25,
	}
}

// Store is the injectable per-regime weight vector store. Reads hand out
// clones under a shared lock; an optimizer update holds the regime's
// exclusive lock for the whole read-modify-write. Vectors are never deleted,
// only decayed toward their prior when a regime goes unused.
type Store struct {
	mu      sync.RWMutex
	entries map[domain.Regime]*storeEntry

	prior   PriorFunc
	config  StoreConfig
	repo    persistence.WeightsRepo // nil for memory-only operation
	breaker *breakers.Breaker
}

type storeEntry struct {
	mu       sync.RWMutex
	wv       domain.WeightVector
	prior    map[string]float64
	lastUsed time.Time
}

// NewStore creates a weight store. repo may be nil for memory-only use.
func NewStore(config StoreConfig, prior PriorFunc, repo persistence.WeightsRepo) *Store {
	if prior == nil {
		prior = DefaultPrior
	}
	return &Store{
		entries: make(map[domain.Regime]*storeEntry),
		prior:   prior,
		config:  config,
		repo:    repo,
		breaker: breakers.New("weights-store"),
	}
}

// Hydrate reloads persisted vectors after a restart. Priors are rebuilt
// lazily on first use since they depend on the live model set.
func (s *Store) Hydrate(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}

	vectors, err := s.repo.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to hydrate weight store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wv := range vectors {
		s.entries[wv.Regime] = &storeEntry{
			wv:       wv.Clone(),
			prior:    s.prior(wv.Regime, wv.ModelIDs()),
			lastUsed: wv.UpdatedAt,
		}
	}

	log.Info().Int("regimes", len(vectors)).Msg("Weight store hydrated")
	return nil
}

// Snapshot returns a clone of the regime's vector, creating it from the
// prior on first observation and extending it when new models appear. The
// second return flags a vector older than the freshness threshold; stale
// vectors are still used, since a conservative stale prior beats no forecast.
func (s *Store) Snapshot(ctx context.Context, regime domain.Regime, modelIDs []string) (domain.WeightVector, bool, error) {
	e, created, err := s.entry(ctx, regime, modelIDs)
	if err != nil {
		return domain.WeightVector{}, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.ensureModels(ctx, e, regime, modelIDs); err != nil {
		return domain.WeightVector{}, false, err
	}

	now := time.Now().UTC()
	e.lastUsed = now
	stale := !created && now.Sub(e.wv.UpdatedAt) > s.config.StaleAfter

	return e.wv.Clone(), stale, nil
}

// Update runs the optimizer's atomic read-modify-write for one regime:
// exclusive per-regime lock, invariant validation, persistence behind the
// breaker. A vector that cannot be written is not committed.
func (s *Store) Update(ctx context.Context, regime domain.Regime, fn func(domain.WeightVector) (domain.WeightVector, error)) error {
	s.mu.RLock()
	e, ok := s.entries[regime]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no weight vector for regime %s", regime)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := fn(e.wv.Clone())
	if err != nil {
		return err
	}
	if err := ValidateVector(next, s.config.MinWeight, math.Max(s.config.Epsilon, 1e-3)); err != nil {
		return fmt.Errorf("rejected weight update for regime %s: %w", regime, err)
	}

	if err := s.persist(ctx, next); err != nil {
		return err
	}

	e.wv = next
	e.lastUsed = time.Now().UTC()
	return nil
}

// DecaySweep pulls every regime unused past DecayAfter toward its prior.
// Returns the regimes decayed this sweep.
func (s *Store) DecaySweep(ctx context.Context, now time.Time) []domain.Regime {
	s.mu.RLock()
	entries := make(map[domain.Regime]*storeEntry, len(s.entries))
	for r, e := range s.entries {
		entries[r] = e
	}
	s.mu.RUnlock()

	var decayed []domain.Regime
	for regime, e := range entries {
		e.mu.Lock()
		if now.Sub(e.lastUsed) < s.config.DecayAfter {
			e.mu.Unlock()
			continue
		}

		next := DecayTowardPrior(e.wv, e.prior, s.config.DecayLambda)
		if err := s.persist(ctx, next); err != nil {
			log.Error().Err(err).Str("regime", string(regime)).Msg("Decay sweep persist failed")
			e.mu.Unlock()
			continue
		}
		e.wv = next
		e.mu.Unlock()

		decayed = append(decayed, regime)
		log.Info().Str("regime", string(regime)).Msg("Disused regime weights decayed toward prior")
	}

	sort.Slice(decayed, func(i, j int) bool { return decayed[i] < decayed[j] })
	return decayed
}

// Get returns a clone of one regime's vector without touching lastUsed
func (s *Store) Get(regime domain.Regime) (domain.WeightVector, bool) {
	s.mu.RLock()
	e, ok := s.entries[regime]
	s.mu.RUnlock()
	if !ok {
		return domain.WeightVector{}, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.wv.Clone(), true
}

// All returns clones of every stored vector, sorted by regime
func (s *Store) All() []domain.WeightVector {
	s.mu.RLock()
	entries := make([]*storeEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]domain.WeightVector, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		out = append(out, e.wv.Clone())
		e.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Regime < out[j].Regime })
	return out
}

// BreakerState reports the persistence breaker state for health checks
func (s *Store) BreakerState() string {
	return s.breaker.State()
}

// entry returns the regime's entry, creating it from the prior on first
// observation. The bool reports whether it was created now.
func (s *Store) entry(ctx context.Context, regime domain.Regime, modelIDs []string) (*storeEntry, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[regime]
	s.mu.RUnlock()
	if ok {
		return e, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[regime]; ok {
		return e, false, nil
	}

	prior := s.prior(regime, modelIDs)
	wv := domain.WeightVector{
		Regime:    regime,
		Weights:   cloneWeights(prior),
		Version:   1,
		State:     domain.WeightStateActive,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.persist(ctx, wv); err != nil {
		return nil, false, err
	}

	e = &storeEntry{wv: wv, prior: prior, lastUsed: time.Now().UTC()}
	s.entries[regime] = e
	log.Info().Str("regime", string(regime)).Int("models", len(modelIDs)).Msg("New regime observed, prior weights created")
	return e, true, nil
}

// ensureModels extends a vector when models appear that the stored prior
// never saw (e.g. a new model type deployed after the regime was first
// observed). New models enter at the floor; the admission mass comes only
// from weight above the floor, so a model already sitting at the floor
// keeps it exactly and the vector stays valid under the optimizer's strict
// tolerance. Caller holds the entry's exclusive lock.
func (s *Store) ensureModels(ctx context.Context, e *storeEntry, regime domain.Regime, modelIDs []string) error {
	var missing []string
	for _, id := range modelIDs {
		if _, ok := e.wv.Weights[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	next := e.wv.Clone()
	next.Version++
	next.UpdatedAt = time.Now().UTC()

	if s.config.MinWeight*float64(len(next.Weights)+len(missing)) >= 1 {
		return fmt.Errorf("cannot admit %d new models to regime %s at floor %.3f", len(missing), regime, s.config.MinWeight)
	}
	for _, id := range missing {
		next.Weights[id] = s.config.MinWeight
	}
	floorAndNormalize(next.Weights, 1.0, s.config.MinWeight)

	if err := s.persist(ctx, next); err != nil {
		return err
	}

	e.wv = next
	e.prior = s.prior(regime, next.ModelIDs())
	log.Info().Str("regime", string(regime)).Strs("models", missing).Msg("Weight vector extended for new models")
	return nil
}

// persist writes through the breaker with jittered retries. Store-level write
// failure is the one fatal error class in the pipeline, so it is surfaced
// rather than swallowed.
func (s *Store) persist(ctx context.Context, wv domain.WeightVector) error {
	if s.repo == nil {
		return nil
	}

	const attempts = 3
	backoff := 100 * time.Millisecond

	var lastErr error
	for i := 0; i < attempts; i++ {
		_, err := s.breaker.Execute(func() (any, error) {
			return nil, s.repo.Upsert(ctx, wv)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
	}

	log.Error().Err(lastErr).Str("regime", string(wv.Regime)).Msg("Weight store write failed after retries")
	return fmt.Errorf("weight store write failed for regime %s: %w", wv.Regime, lastErr)
}

func cloneWeights(w map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(w))
	for id, v := range w {
		out[id] = v
	}
	return out
}
