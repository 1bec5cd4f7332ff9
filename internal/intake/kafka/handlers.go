package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/forecastrun/internal/adapter"
	"github.com/sawpanic/forecastrun/internal/domain"
	"github.com/sawpanic/forecastrun/internal/metrics"
	"github.com/sawpanic/forecastrun/internal/orchestrator"
	"github.com/sawpanic/forecastrun/internal/regime"
	"github.com/sawpanic/forecastrun/internal/registry"
)

// EventHandler feeds detected market events from the bus into the
// registry, going through the same dedup path as the HTTP endpoint.
type EventHandler struct {
	topic   string
	events  *registry.Registry
	metrics *metrics.MetricsRegistry
}

func NewEventHandler(topic string, events *registry.Registry, m *metrics.MetricsRegistry) *EventHandler {
	return &EventHandler{topic: topic, events: events, metrics: m}
}

func (h *EventHandler) Topic() string { return h.topic }

func (h *EventHandler) Handle(ctx context.Context, payload []byte) error {
	var event domain.MarketEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.metrics.RecordEventSubmission("rejected")
		return fmt.Errorf("decode event: %w", err)
	}

	outcome, err := h.events.Submit(ctx, event)
	if err != nil {
		h.metrics.RecordEventSubmission("rejected")
		return fmt.Errorf("submit event: %w", err)
	}
	h.metrics.RecordEventSubmission(string(outcome))
	log.Debug().
		Str("type", string(event.Type)).
		Strs("assets", event.AffectedAssets).
		Str("outcome", string(outcome)).
		Msg("event consumed from bus")
	return nil
}

// ForecastHandler normalizes agent forecasts from the bus and hands
// them to the orchestrator for the next cycle.
type ForecastHandler struct {
	topic string
	adapt *adapter.Adapter
	orch  *orchestrator.Orchestrator
}

func NewForecastHandler(topic string, adapt *adapter.Adapter, orch *orchestrator.Orchestrator) *ForecastHandler {
	return &ForecastHandler{topic: topic, adapt: adapt, orch: orch}
}

func (h *ForecastHandler) Topic() string { return h.topic }

func (h *ForecastHandler) Handle(ctx context.Context, payload []byte) error {
	var raw adapter.RawAgentOutput
	if err := json.Unmarshal(payload, &raw); err != nil {
		return fmt.Errorf("decode agent forecast: %w", err)
	}

	forecast, err := h.adapt.Normalize(raw)
	if err != nil {
		// Malformed payloads are terminal; retrying cannot fix them.
		log.Warn().Err(err).Str("agent", raw.AgentID).Msg("rejecting malformed agent forecast")
		return nil
	}

	if err := h.orch.SubmitExternal(forecast); err != nil {
		// Reserved agent id is terminal for this payload; retrying cannot fix it.
		log.Warn().Err(err).Str("agent", forecast.AgentID).Msg("rejecting agent forecast")
	}
	return nil
}

// TickHandler streams price observations into the volatility tracker
// so the regime classifier sees fresh realized-vol statistics.
type TickHandler struct {
	topic string
	vol   *regime.VolTracker
}

func NewTickHandler(topic string, vol *regime.VolTracker) *TickHandler {
	return &TickHandler{topic: topic, vol: vol}
}

func (h *TickHandler) Topic() string { return h.topic }

func (h *TickHandler) Handle(_ context.Context, payload []byte) error {
	var tick struct {
		Asset string  `json:"asset"`
		Price float64 `json:"price"`
	}
	if err := json.Unmarshal(payload, &tick); err != nil {
		return fmt.Errorf("decode tick: %w", err)
	}
	if tick.Asset == "" || tick.Price <= 0 {
		return nil
	}
	h.vol.Observe(tick.Asset, tick.Price)
	return nil
}

var (
	_ MessageHandler = (*EventHandler)(nil)
	_ MessageHandler = (*ForecastHandler)(nil)
	_ MessageHandler = (*TickHandler)(nil)
)
