package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/forecastrun/internal/adapter"
	"github.com/sawpanic/forecastrun/internal/cache"
	"github.com/sawpanic/forecastrun/internal/domain"
	"github.com/sawpanic/forecastrun/internal/ensemble"
	"github.com/sawpanic/forecastrun/internal/models"
	"github.com/sawpanic/forecastrun/internal/orchestrator"
	"github.com/sawpanic/forecastrun/internal/ratelimit"
	"github.com/sawpanic/forecastrun/internal/regime"
	"github.com/sawpanic/forecastrun/internal/registry"
	"github.com/sawpanic/forecastrun/internal/weights"
)

type testAPI struct {
	server *Server
	events *registry.Registry
	orch   *orchestrator.Orchestrator
	vols   *regime.VolTracker
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	events := registry.New(registry.DefaultConfig(), nil)
	vols := regime.NewVolTracker(32)
	store := weights.NewStore(weights.DefaultStoreConfig(), weights.DefaultPrior, nil)
	orch := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Deps{
		Events:    events,
		Classify:  regime.NewClassifier(regime.DefaultConfig()),
		Vols:      vols,
		Pool:      models.NewPool(models.DefaultPoolConfig(), models.DefaultBasePool()...),
		Store:     store,
		Combiner:  ensemble.NewCombiner(nil),
		Intervals: ensemble.NewIntervalBuilder(ensemble.DefaultIntervalConfig()),
		UpdateCfg: weights.DefaultUpdateConfig(),
		Cache:     cache.NewForecastCache(cache.New(), 0),
	})

	handlers := NewHandlers(events, adapter.New(), orch, store,
		ratelimit.NewLimiter(100, 100), nil,
		HealthInfo{Version: "test", CacheMode: "memory"})

	return &testAPI{
		server: NewServer(ServerConfig{Host: "127.0.0.1", Port: 0}, handlers, nil),
		events: events,
		orch:   orch,
		vols:   vols,
	}
}

func (a *testAPI) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	a.server.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) runCycle(t *testing.T) domain.EnsembleForecast {
	t.Helper()
	for _, p := range []float64{64000, 64100, 63950, 64200, 64150} {
		a.vols.Observe("BTCUSD", p)
	}
	ef, err := a.orch.RunCycle(context.Background(), "BTCUSD", domain.Horizon1H)
	require.NoError(t, err)
	return ef
}

func eventBody(asset string) string {
	now := time.Now().UTC()
	return fmt.Sprintf(`{
		"type": "earnings",
		"severity": 80,
		"detection_time": %q,
		"impact_time": %q,
		"affected_assets": [%q],
		"expected_impact": {"price_delta": 0.02, "vol_delta": 0.3, "confidence": 0.8}
	}`, now.Format(time.RFC3339), now.Add(2*time.Hour).Format(time.RFC3339), asset)
}

func TestSubmitEvent_AcceptedThenMerged(t *testing.T) {
	api := newTestAPI(t)

	w := api.do("POST", "/events", eventBody("AAPL"))
	assert.Equal(t, http.StatusAccepted, w.Code)

	// Same event again inside the dedup window merges with 200
	w = api.do("POST", "/events", eventBody("AAPL"))
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "duplicate", resp["outcome"])
	assert.Equal(t, 1, api.events.Count())
}

func TestSubmitEvent_RejectsInvalid(t *testing.T) {
	api := newTestAPI(t)

	w := api.do("POST", "/events", `{"type":"earnings","severity":500}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do("POST", "/events", "{broken")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListEvents_FiltersByAsset(t *testing.T) {
	api := newTestAPI(t)
	require.Equal(t, http.StatusAccepted, api.do("POST", "/events", eventBody("AAPL")).Code)

	w := api.do("GET", "/events?asset=AAPL", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Count  int                  `json:"count"`
		Events []domain.MarketEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	w = api.do("GET", "/events?asset=MSFT", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)

	assert.Equal(t, http.StatusBadRequest, api.do("GET", "/events", "").Code,
		"asset parameter is mandatory")
}

func TestSubmitAgentForecast(t *testing.T) {
	api := newTestAPI(t)

	body := fmt.Sprintf(`{
		"agent_id": "macro-1",
		"asset": "BTCUSD",
		"horizon": "1h",
		"point_estimate": 65000,
		"variance_estimate": 1000000,
		"produced_at": %q
	}`, time.Now().UTC().Format(time.RFC3339))

	w := api.do("POST", "/forecasts/agent", body)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["forecast_id"])
}

func TestSubmitAgentForecast_ReservedAgentIDConflicts(t *testing.T) {
	api := newTestAPI(t)

	body := fmt.Sprintf(`{
		"agent_id": "rwdrift",
		"asset": "BTCUSD",
		"horizon": "1h",
		"point_estimate": 65000,
		"variance_estimate": 1000000,
		"produced_at": %q
	}`, time.Now().UTC().Format(time.RFC3339))

	w := api.do("POST", "/forecasts/agent", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "reserved")
}

func TestSubmitAgentForecast_MalformedRejected(t *testing.T) {
	api := newTestAPI(t)

	w := api.do("POST", "/forecasts/agent", `{"agent_id":"macro-1","asset":"BTCUSD","horizon":"1h"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "malformed")
}

func TestSubmitAgentForecast_RateLimited(t *testing.T) {
	api := newTestAPI(t)
	// Tight limiter: one token, no refill to speak of
	api.server.handlers.limiter = ratelimit.NewLimiter(0.001, 1)

	body := fmt.Sprintf(`{
		"agent_id": "chatty-1",
		"asset": "BTCUSD",
		"horizon": "1h",
		"point_estimate": 65000,
		"variance_estimate": 1000000,
		"produced_at": %q
	}`, time.Now().UTC().Format(time.RFC3339))

	assert.Equal(t, http.StatusAccepted, api.do("POST", "/forecasts/agent", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, api.do("POST", "/forecasts/agent", body).Code)
}

func TestGetForecast(t *testing.T) {
	api := newTestAPI(t)

	assert.Equal(t, http.StatusNotFound, api.do("GET", "/forecast/BTCUSD/1h", "").Code)

	ef := api.runCycle(t)

	w := api.do("GET", "/forecast/BTCUSD/1h", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got domain.EnsembleForecast
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, ef.ID, got.ID)

	assert.Equal(t, http.StatusBadRequest, api.do("GET", "/forecast/BTCUSD/2h", "").Code,
		"unknown horizon")
}

func TestReportOutcome_Endpoint(t *testing.T) {
	api := newTestAPI(t)
	ef := api.runCycle(t)

	body := fmt.Sprintf(`{"asset":"BTCUSD","horizon":"1h","timestamp":%q,"actual_value":64500}`,
		ef.EmittedAt.Add(time.Hour).Format(time.RFC3339))

	w := api.do("POST", "/outcomes", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "learned")

	// Second report has nothing left to match
	assert.Equal(t, http.StatusConflict, api.do("POST", "/outcomes", body).Code)

	assert.Equal(t, http.StatusBadRequest, api.do("POST", "/outcomes", `{"actual_value":1}`).Code)
}

func TestExplain_Endpoint(t *testing.T) {
	api := newTestAPI(t)
	ef := api.runCycle(t)

	w := api.do("GET", "/explain/BTCUSD/1h", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ForecastID    string             `json:"forecast_id"`
		Contributions map[string]float64 `json:"contributions"`
		Regime        string             `json:"regime"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ef.ID, resp.ForecastID)
	assert.Equal(t, "normal", resp.Regime)

	sum := 0.0
	for _, c := range resp.Contributions {
		sum += c
	}
	assert.InDelta(t, 1.0, sum, 1e-9, "contributions expose the renormalized weights")
}

func TestRegimeAndWeights_Endpoints(t *testing.T) {
	api := newTestAPI(t)

	assert.Equal(t, http.StatusNotFound, api.do("GET", "/regime/BTCUSD", "").Code)
	assert.Equal(t, http.StatusNotFound, api.do("GET", "/weights/normal", "").Code)

	api.runCycle(t)

	w := api.do("GET", "/regime/BTCUSD", "")
	require.Equal(t, http.StatusOK, w.Code)
	var reg map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reg))
	assert.Equal(t, "normal", reg["regime"])

	w = api.do("GET", "/weights/normal", "")
	require.Equal(t, http.StatusOK, w.Code)
	var wv domain.WeightVector
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wv))
	assert.Equal(t, int64(1), wv.Version)
	assert.InDelta(t, 1.0, wv.Sum(), 1e-9)
}

func TestHealth_Endpoint(t *testing.T) {
	api := newTestAPI(t)

	w := api.do("GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp struct {
		Status     string         `json:"status"`
		Components map[string]any `json:"components"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "memory", resp.Components["cache_mode"])
}

func TestHealth_DegradedOnDBFailure(t *testing.T) {
	api := newTestAPI(t)
	api.server.handlers.health.DBEnabled = true
	api.server.handlers.health.PingDB = func() error { return fmt.Errorf("connection refused") }

	w := api.do("GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
}

func TestUnknownRoute(t *testing.T) {
	api := newTestAPI(t)

	w := api.do("GET", "/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "route not found")
}

func TestRequestIDHeader(t *testing.T) {
	api := newTestAPI(t)

	w := api.do("GET", "/health", "")
	assert.Len(t, w.Header().Get("X-Request-ID"), 8)
}
