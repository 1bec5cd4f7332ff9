package models

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/forecastrun/internal/domain"
)

// PoolConfig holds pool execution knobs
type PoolConfig struct {
	PredictTimeout time.Duration `yaml:"predict_timeout"` // Per-model call budget (default: 2s)
}

// DefaultPoolConfig returns the default pool configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{PredictTimeout: 2 * time.Second}
}

// Pool runs every eligible model concurrently for one cycle. A model that
// errors or exceeds its per-call timeout is simply absent from the returned
// forecast set; exclusion is handled downstream by weight renormalization.
type Pool struct {
	models []Model
	config PoolConfig
}

// NewPool creates a model pool
func NewPool(config PoolConfig, models ...Model) *Pool {
	return &Pool{models: models, config: config}
}

// ModelIDs returns the identifiers of all registered models
func (p *Pool) ModelIDs() []string {
	ids := make([]string, 0, len(p.models))
	for _, m := range p.models {
		ids = append(ids, m.ID())
	}
	return ids
}

// Collect gathers one AgentForecast per eligible model. Base models always
// run; an event model runs only when an unresolved event of its trigger type
// is active, and is handed the highest-severity such event.
func (p *Pool) Collect(ctx context.Context, req PredictRequest, activeEvents []domain.MarketEvent) map[string]domain.AgentForecast {
	type result struct {
		forecast domain.AgentForecast
		ok       bool
	}

	results := make(chan result, len(p.models))
	var wg sync.WaitGroup

	for _, m := range p.models {
		modelReq := req
		modelReq.Event = nil

		if ed, ok := m.(EventDriven); ok {
			ev, found := pickTrigger(activeEvents, ed.TriggerType())
			if !found {
				continue // Event model without an active trigger sits out
			}
			modelReq.Event = &ev
		}

		wg.Add(1)
		go func(m Model, modelReq PredictRequest) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, p.config.PredictTimeout)
			defer cancel()

			pred, err := predictWithContext(callCtx, m, modelReq)
			if err != nil {
				level := log.Warn()
				if errors.Is(err, context.DeadlineExceeded) {
					level = log.Warn().Str("reason", "timeout")
				}
				level.Err(err).
					Str("model", m.ID()).
					Str("asset", modelReq.Asset).
					Msg("Model excluded from cycle")
				results <- result{}
				return
			}

			eventID := ""
			if modelReq.Event != nil {
				eventID = modelReq.Event.ID
			}

			results <- result{
				forecast: domain.AgentForecast{
					ID:               uuid.New().String(),
					AgentID:          m.ID(),
					EventID:          eventID,
					Asset:            modelReq.Asset,
					Horizon:          modelReq.Horizon,
					PointEstimate:    pred.Point,
					VarianceEstimate: pred.Variance,
					ProducedAt:       time.Now().UTC(),
				},
				ok: true,
			}
		}(m, modelReq)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	forecasts := make(map[string]domain.AgentForecast)
	for r := range results {
		if r.ok {
			forecasts[r.forecast.AgentID] = r.forecast
		}
	}
	return forecasts
}

// predictWithContext runs a (possibly blocking) predict call and honors
// context cancellation even when the model itself ignores the context.
func predictWithContext(ctx context.Context, m Model, req PredictRequest) (Prediction, error) {
	type outcome struct {
		pred Prediction
		err  error
	}

	done := make(chan outcome, 1)
	go func() {
		pred, err := m.Predict(ctx, req)
		done <- outcome{pred: pred, err: err}
	}()

	select {
	case out := <-done:
		return out.pred, out.err
	case <-ctx.Done():
		return Prediction{}, ctx.Err()
	}
}

// pickTrigger selects the highest-severity unresolved event of the given type
func pickTrigger(events []domain.MarketEvent, t domain.EventType) (domain.MarketEvent, bool) {
	best := domain.MarketEvent{}
	found := false
	for _, ev := range events {
		if ev.Resolved || ev.Type != t {
			continue
		}
		if !found || ev.Severity > best.Severity {
			best = ev
			found = true
		}
	}
	return best, found
}
