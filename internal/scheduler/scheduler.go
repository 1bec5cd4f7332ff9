package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/forecastrun/internal/domain"
	"github.com/sawpanic/forecastrun/internal/orchestrator"
	"github.com/sawpanic/forecastrun/internal/registry"
	"github.com/sawpanic/forecastrun/internal/weights"
)

const maintenanceInterval = 5 * time.Minute

// Pair is one scheduled forecasting target.
type Pair struct {
	Asset    string
	Horizons []domain.Horizon
	Interval time.Duration
}

// Status summarizes the running loops.
type Status struct {
	Running   bool          `json:"running"`
	Pairs     int           `json:"pairs"`
	Loops     int           `json:"loops"`
	LastCycle time.Time     `json:"last_cycle"`
	Uptime    time.Duration `json:"uptime"`
}

// Scheduler drives forecast cycles on fixed tickers, one loop per
// asset/horizon pair, plus a maintenance loop for event resolution,
// retention sweeps, weight decay, and outcome timeouts.
type Scheduler struct {
	pairs  []Pair
	orch   *orchestrator.Orchestrator
	events *registry.Registry
	store  *weights.Store

	mu        sync.Mutex
	running   bool
	startTime time.Time
	lastCycle time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(pairs []Pair, orch *orchestrator.Orchestrator, events *registry.Registry, store *weights.Store) *Scheduler {
	return &Scheduler{pairs: pairs, orch: orch, events: events, store: store}
}

// Start launches the cycle loops. No-op when already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.startTime = time.Now()

	loops := 0
	for _, pair := range s.pairs {
		for _, horizon := range pair.Horizons {
			interval := pair.Interval
			if interval <= 0 {
				interval = time.Minute
			}
			s.wg.Add(1)
			go s.cycleLoop(ctx, pair.Asset, horizon, interval)
			loops++
		}
	}
	s.wg.Add(1)
	go s.maintenanceLoop(ctx)

	log.Info().Int("pairs", len(s.pairs)).Int("loops", loops).Msg("scheduler started")
}

// Stop cancels the loops and waits for them to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) cycleLoop(ctx context.Context, asset string, horizon domain.Horizon, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.orch.RunCycle(ctx, asset, horizon); err != nil {
				log.Warn().Err(err).
					Str("asset", asset).
					Str("horizon", string(horizon)).
					Msg("forecast cycle failed")
			}
			s.mu.Lock()
			s.lastCycle = time.Now()
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			resolved := s.events.ResolveDue(ctx, now)
			swept := s.events.Sweep(now)
			decayed := s.store.DecaySweep(ctx, now)
			expired := s.orch.ExpireUnlearned(ctx, now)
			if resolved+swept+expired > 0 || len(decayed) > 0 {
				log.Info().
					Int("resolved", resolved).
					Int("swept", swept).
					Int("decayed_regimes", len(decayed)).
					Int("expired_outcomes", expired).
					Msg("maintenance sweep")
			}
		}
	}
}

// GetStatus reports loop counts and uptime.
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	loops := 0
	for _, p := range s.pairs {
		loops += len(p.Horizons)
	}
	st := Status{
		Running:   s.running,
		Pairs:     len(s.pairs),
		Loops:     loops,
		LastCycle: s.lastCycle,
	}
	if s.running {
		st.Uptime = time.Since(s.startTime)
	}
	return st
}
