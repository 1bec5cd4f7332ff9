package http

import (
	"net/http"
	"time"
)

// Health reports component status: weight store breaker, cache mode,
// database connectivity, intake mode, and the training-feed ratio.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"

	db := map[string]any{"enabled": h.health.DBEnabled}
	if h.health.DBEnabled && h.health.PingDB != nil {
		if err := h.health.PingDB(); err != nil {
			db["error"] = err.Error()
			status = "degraded"
		}
	}

	breaker := h.store.BreakerState()
	if breaker == "open" {
		status = "degraded"
	}
	if h.metrics != nil {
		open := 0.0
		if breaker == "open" {
			open = 1
		}
		h.metrics.StoreBreakerOpen.Set(open)
	}

	regimes := make([]string, 0)
	for _, wv := range h.store.All() {
		regimes = append(regimes, string(wv.Regime))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"version":   h.health.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"components": map[string]any{
			"weight_store_breaker": breaker,
			"cache_mode":           h.health.CacheMode,
			"database":             db,
			"kafka_intake":         h.health.KafkaEnabled,
		},
		"events_active":    h.events.Count(),
		"pending_outcomes": h.orch.PendingOutcomes(),
		"regimes":          regimes,
		"learned_ratio":    h.metrics.LearnedRatio(regimes),
	})
}
