package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/forecastrun/internal/adapter"
	"github.com/sawpanic/forecastrun/internal/domain"
	"github.com/sawpanic/forecastrun/internal/metrics"
	"github.com/sawpanic/forecastrun/internal/orchestrator"
	"github.com/sawpanic/forecastrun/internal/ratelimit"
	"github.com/sawpanic/forecastrun/internal/registry"
	"github.com/sawpanic/forecastrun/internal/weights"
)

// Handlers holds the external-interface handlers and their collaborators
type Handlers struct {
	events  *registry.Registry
	adapt   *adapter.Adapter
	orch    *orchestrator.Orchestrator
	store   *weights.Store
	limiter *ratelimit.Limiter
	metrics *metrics.MetricsRegistry
	health  HealthInfo
}

// HealthInfo supplies component status for the health endpoint
type HealthInfo struct {
	Version      string
	CacheMode    string
	DBEnabled    bool
	PingDB       func() error // nil when persistence is disabled
	KafkaEnabled bool
}

// NewHandlers creates the handler set
func NewHandlers(events *registry.Registry, adapt *adapter.Adapter, orch *orchestrator.Orchestrator,
	store *weights.Store, limiter *ratelimit.Limiter, m *metrics.MetricsRegistry, health HealthInfo) *Handlers {
	return &Handlers{
		events:  events,
		adapt:   adapt,
		orch:    orch,
		store:   store,
		limiter: limiter,
		metrics: m,
		health:  health,
	}
}

// SubmitEvent accepts a market event from an external detection agent.
// 202 accepted, 200 merged duplicate, 400 rejected.
func (h *Handlers) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var event domain.MarketEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.metrics.RecordEventSubmission("rejected")
		writeError(w, http.StatusBadRequest, "invalid event payload: "+err.Error())
		return
	}

	outcome, err := h.events.Submit(r.Context(), event)
	if err != nil {
		h.metrics.RecordEventSubmission("rejected")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.metrics.RecordEventSubmission(string(outcome))
	if h.metrics != nil {
		h.metrics.ActiveEvents.Set(float64(h.events.Count()))
	}

	status := http.StatusAccepted
	if outcome == registry.OutcomeDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]string{"outcome": string(outcome)})
}

// ListEvents returns active events for an asset: /events?asset=X&as_of=RFC3339
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		writeError(w, http.StatusBadRequest, "asset query parameter is required")
		return
	}

	asOf := time.Now().UTC()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "as_of must be RFC3339")
			return
		}
		asOf = t
	}

	events := h.events.ActiveEvents(asset, asOf)
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":  asset,
		"as_of":  asOf.Format(time.RFC3339),
		"count":  len(events),
		"events": events,
	})
}

// SubmitAgentForecast accepts a forecast from an out-of-process agent or
// base-model runner. Malformed payloads are rejected at the boundary.
func (h *Handlers) SubmitAgentForecast(w http.ResponseWriter, r *http.Request) {
	var raw adapter.RawAgentOutput
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid forecast payload: "+err.Error())
		return
	}

	if raw.AgentID != "" && !h.limiter.Allow(raw.AgentID) {
		writeError(w, http.StatusTooManyRequests, "agent submission rate exceeded")
		return
	}

	forecast, err := h.adapt.Normalize(raw)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedAgentOutput) {
			log.Warn().Err(err).Str("agent_id", raw.AgentID).Msg("Malformed agent output dropped")
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := h.orch.SubmitExternal(forecast); err != nil {
		log.Warn().Err(err).Str("agent_id", forecast.AgentID).Msg("External forecast rejected")
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"forecast_id": forecast.ID})
}

// GetForecast returns the latest ensemble forecast for a pair
func (h *Handlers) GetForecast(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	horizon, err := domain.ParseHorizon(vars["horizon"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ef, ok := h.orch.LatestForecast(vars["asset"], horizon)
	if !ok {
		writeError(w, http.StatusNotFound, "no forecast for pair")
		return
	}
	writeJSON(w, http.StatusOK, ef)
}

// ReportOutcome ingests realized ground truth for a completed forecast cycle
func (h *Handlers) ReportOutcome(w http.ResponseWriter, r *http.Request) {
	var outcome domain.RealizedOutcome
	if err := json.NewDecoder(r.Body).Decode(&outcome); err != nil {
		writeError(w, http.StatusBadRequest, "invalid outcome payload: "+err.Error())
		return
	}
	if outcome.Asset == "" || outcome.Horizon == "" {
		writeError(w, http.StatusBadRequest, "asset and horizon are required")
		return
	}
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = time.Now().UTC()
	}

	if err := h.orch.ReportOutcome(r.Context(), outcome); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "learned"})
}

// Explain returns the per-model contribution breakdown of the latest forecast
func (h *Handlers) Explain(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	horizon, err := domain.ParseHorizon(vars["horizon"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ef, ok := h.orch.LatestForecast(vars["asset"], horizon)
	if !ok {
		writeError(w, http.StatusNotFound, "no forecast for pair")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"forecast_id":          ef.ID,
		"asset":                ef.Asset,
		"horizon":              ef.Horizon,
		"value":                ef.Value,
		"interval":             map[string]float64{"lower": ef.Lower, "upper": ef.Upper},
		"regime":               ef.Regime,
		"weights_version":      ef.WeightsVersion,
		"contributions":        ef.Contributions,
		"input_ids":            ef.InputIDs,
		"degraded":             ef.Degraded,
		"stale_weights":        ef.StaleWeights,
		"independence_assumed": ef.IndependenceAssumed,
		"emitted_at":           ef.EmittedAt.Format(time.RFC3339),
	})
}

// Regime returns the asset's current regime and classifier inputs
func (h *Handlers) Regime(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]

	reg, ok := h.orch.CurrentRegime(asset)
	if !ok {
		writeError(w, http.StatusNotFound, "no cycle has classified this asset yet")
		return
	}

	resp := map[string]any{"asset": asset, "regime": reg}
	if wv, ok := h.store.Get(reg); ok {
		resp["weights_version"] = wv.Version
		resp["weights_state"] = wv.State
		resp["observations"] = wv.Observations
	}
	writeJSON(w, http.StatusOK, resp)
}

// Weights returns the stored weight vector snapshot for a regime
func (h *Handlers) Weights(w http.ResponseWriter, r *http.Request) {
	regime := domain.Regime(mux.Vars(r)["regime"])

	wv, ok := h.store.Get(regime)
	if !ok {
		writeError(w, http.StatusNotFound, "regime not yet observed")
		return
	}
	writeJSON(w, http.StatusOK, wv)
}

// NotFound handles unknown routes
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeError(w, http.StatusNotFound, "route not found")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
