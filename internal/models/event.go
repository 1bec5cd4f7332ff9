package models

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sawpanic/forecastrun/internal/domain"
)

// EventShock is an event-specific model: it anchors on the last price and
// applies the triggering event's expected impact, scaled by severity,
// confidence, and proximity to the impact time. Only valid while an event of
// its trigger type is active.
type EventShock struct {
	Trigger  domain.EventType
	HalfLife time.Duration // Proximity decay; zero uses the 24h default
}

// DefaultEventModels returns one event model per known event type
func DefaultEventModels() []Model {
	return []Model{
		&EventShock{Trigger: domain.EventMonetaryPolicy},
		&EventShock{Trigger: domain.EventEarnings},
		&EventShock{Trigger: domain.EventDerivativesExpiration},
	}
}

func (m *EventShock) ID() string {
	return "event_" + string(m.Trigger)
}

// TriggerType marks the model as event-driven for pool eligibility
func (m *EventShock) TriggerType() domain.EventType {
	return m.Trigger
}

func (m *EventShock) Predict(_ context.Context, req PredictRequest) (Prediction, error) {
	if req.Event == nil {
		return Prediction{}, fmt.Errorf("%w: %s invoked without a triggering event",
			domain.ErrMissingEventContext, m.ID())
	}
	if req.Event.Type != m.Trigger {
		return Prediction{}, fmt.Errorf("%w: %s invoked with %s event",
			domain.ErrMissingEventContext, m.ID(), req.Event.Type)
	}
	if err := checkBaseRequest(req); err != nil {
		return Prediction{}, err
	}

	halfLife := m.HalfLife
	if halfLife <= 0 {
		halfLife = 24 * time.Hour
	}

	// Impact strength fades with distance from the impact time either way:
	// far-future events barely move the forecast, long-past ones are spent.
	tti := req.Event.TimeToImpact(time.Now().UTC())
	proximity := math.Exp(-math.Ln2 * math.Abs(float64(tti)) / float64(halfLife))
	strength := (req.Event.Severity / 100.0) * req.Event.Impact.Confidence * proximity

	point := req.LastPrice * (1 + req.Event.Impact.PriceDelta*strength)

	// Event variance: realized variance inflated by the expected vol shift
	steps := horizonSteps(req.Horizon)
	sigma2 := squaredMean(req.Returns)
	inflation := 1 + math.Abs(req.Event.Impact.VolDelta)*strength
	variance := req.LastPrice * req.LastPrice * sigma2 * steps * inflation

	return Prediction{
		Point:    clampFinite(point, req.LastPrice),
		Variance: clampFinite(variance, 0),
	}, nil
}
