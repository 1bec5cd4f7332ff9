package adapter

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sawpanic/forecastrun/internal/domain"
)

// RawAgentOutput is the wire shape event agents and base-model runners submit.
// Estimates are pointers so an absent field is distinguishable from zero; the
// adapter never substitutes defaults for a missing point estimate.
type RawAgentOutput struct {
	AgentID          string     `json:"agent_id" validate:"required"`
	EventID          string     `json:"event_id,omitempty"`
	Asset            string     `json:"asset" validate:"required"`
	Horizon          string     `json:"horizon" validate:"required"`
	PointEstimate    *float64   `json:"point_estimate" validate:"required"`
	VarianceEstimate *float64   `json:"variance_estimate" validate:"required"`
	ProducedAt       *time.Time `json:"produced_at,omitempty"`
}

// Adapter normalizes heterogeneous agent outputs into AgentForecast records
type Adapter struct {
	validate *validator.Validate
}

// New creates an agent output adapter
func New() *Adapter {
	return &Adapter{validate: validator.New()}
}

// Normalize converts a raw agent payload into an immutable AgentForecast.
// Missing required fields, an unknown horizon, or a negative variance fail
// with ErrMalformedAgentOutput; the payload is rejected, never coerced.
func (a *Adapter) Normalize(raw RawAgentOutput) (domain.AgentForecast, error) {
	if err := a.validate.Struct(raw); err != nil {
		return domain.AgentForecast{}, fmt.Errorf("%w: %v", domain.ErrMalformedAgentOutput, err)
	}

	horizon, err := domain.ParseHorizon(raw.Horizon)
	if err != nil {
		return domain.AgentForecast{}, fmt.Errorf("%w: %v", domain.ErrMalformedAgentOutput, err)
	}

	if *raw.VarianceEstimate < 0 {
		return domain.AgentForecast{}, fmt.Errorf("%w: variance estimate %.6f is negative",
			domain.ErrMalformedAgentOutput, *raw.VarianceEstimate)
	}

	producedAt := time.Now().UTC()
	if raw.ProducedAt != nil && !raw.ProducedAt.IsZero() {
		producedAt = raw.ProducedAt.UTC()
	}

	return domain.AgentForecast{
		ID:               uuid.New().String(),
		AgentID:          raw.AgentID,
		EventID:          raw.EventID,
		Asset:            raw.Asset,
		Horizon:          horizon,
		PointEstimate:    *raw.PointEstimate,
		VarianceEstimate: *raw.VarianceEstimate,
		ProducedAt:       producedAt,
	}, nil
}
