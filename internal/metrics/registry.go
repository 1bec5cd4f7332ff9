package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// MetricsRegistry holds all Prometheus metrics for ForecastRun
type MetricsRegistry struct {
	// Cycle metrics
	StageDuration *prometheus.HistogramVec
	CycleStages   *prometheus.CounterVec
	CycleErrors   *prometheus.CounterVec
	ActiveCycles  prometheus.Gauge
	TotalCycles   prometheus.Counter

	// Event registry metrics
	EventsSubmitted *prometheus.CounterVec // outcome: accepted|duplicate|rejected
	ActiveEvents    prometheus.Gauge

	// Learning metrics
	OutcomesLearned   *prometheus.CounterVec // regime
	OutcomesUnlearned *prometheus.CounterVec // regime
	WeightStepDelta   *prometheus.HistogramVec
	RegimeSwitches    *prometheus.CounterVec

	// Output metrics
	DegradedForecasts *prometheus.CounterVec // reason
	StaleWeightFlags  prometheus.Counter
	WSClients         prometheus.Gauge

	// Store health
	StoreBreakerOpen prometheus.Gauge
}

// NewMetricsRegistry creates a metrics registry with all ForecastRun metrics
func NewMetricsRegistry() *MetricsRegistry {
	registry := &MetricsRegistry{
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forecastrun_stage_duration_seconds",
				Help:    "Duration of each cycle stage in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"stage", "result"},
		),

		CycleStages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecastrun_cycle_stages_total",
				Help: "Total number of cycle stages executed",
			},
			[]string{"stage", "status"},
		),

		CycleErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecastrun_cycle_errors_total",
				Help: "Total number of cycle errors by stage",
			},
			[]string{"stage", "error_type"},
		),

		ActiveCycles: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forecastrun_active_cycles",
				Help: "Number of currently running forecast cycles",
			},
		),

		TotalCycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "forecastrun_cycles_total",
				Help: "Total number of forecast cycles started",
			},
		),

		EventsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecastrun_events_submitted_total",
				Help: "Total event submissions by outcome",
			},
			[]string{"outcome"},
		),

		ActiveEvents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forecastrun_active_events",
				Help: "Number of events in the registry working set",
			},
		),

		OutcomesLearned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecastrun_outcomes_learned_total",
				Help: "Realized outcomes applied to weight vectors by regime",
			},
			[]string{"regime"},
		),

		OutcomesUnlearned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecastrun_outcomes_unlearned_total",
				Help: "Forecasts whose outcome never arrived within the timeout",
			},
			[]string{"regime"},
		),

		WeightStepDelta: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forecastrun_weight_step_delta",
				Help:    "Largest per-model weight move of each learning step",
				Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
			[]string{"regime"},
		),

		RegimeSwitches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecastrun_regime_switches_total",
				Help: "Regime transitions by from/to label",
			},
			[]string{"from_regime", "to_regime"},
		),

		DegradedForecasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecastrun_degraded_forecasts_total",
				Help: "Forecasts emitted through the degraded path by reason",
			},
			[]string{"reason"},
		),

		StaleWeightFlags: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "forecastrun_stale_weight_flags_total",
				Help: "Forecasts emitted with a stale weight vector flag",
			},
		),

		WSClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forecastrun_ws_clients",
				Help: "Connected websocket forecast subscribers",
			},
		),

		StoreBreakerOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forecastrun_store_breaker_open",
				Help: "1 when the weight store circuit breaker is open",
			},
		),
	}

	prometheus.MustRegister(
		registry.StageDuration,
		registry.CycleStages,
		registry.CycleErrors,
		registry.ActiveCycles,
		registry.TotalCycles,
		registry.EventsSubmitted,
		registry.ActiveEvents,
		registry.OutcomesLearned,
		registry.OutcomesUnlearned,
		registry.WeightStepDelta,
		registry.RegimeSwitches,
		registry.DegradedForecasts,
		registry.StaleWeightFlags,
		registry.WSClients,
		registry.StoreBreakerOpen,
	)

	return registry
}

// StageTimer tracks execution time for cycle stages
type StageTimer struct {
	metrics *MetricsRegistry
	stage   string
	start   time.Time
}

// StartStageTimer begins timing a cycle stage. Safe on a nil registry.
func (m *MetricsRegistry) StartStageTimer(stage string) *StageTimer {
	return &StageTimer{metrics: m, stage: stage, start: time.Now()}
}

// Stop completes the stage timing and records the metric
func (st *StageTimer) Stop(result string) {
	if st == nil || st.metrics == nil {
		return
	}
	duration := time.Since(st.start)
	st.metrics.StageDuration.WithLabelValues(st.stage, result).Observe(duration.Seconds())
	st.metrics.CycleStages.WithLabelValues(st.stage, result).Inc()

	log.Debug().
		Str("stage", st.stage).
		Str("result", result).
		Dur("duration", duration).
		Msg("Cycle stage completed")
}

// RecordCycleError records a stage failure
func (m *MetricsRegistry) RecordCycleError(stage, errorType string) {
	if m == nil {
		return
	}
	m.CycleErrors.WithLabelValues(stage, errorType).Inc()
	log.Warn().
		Str("stage", stage).
		Str("error_type", errorType).
		Msg("Cycle error recorded")
}

// RecordEventSubmission counts an event submission by outcome
func (m *MetricsRegistry) RecordEventSubmission(outcome string) {
	if m == nil {
		return
	}
	m.EventsSubmitted.WithLabelValues(outcome).Inc()
}

// RecordLearned counts a completed learning step and its largest weight move
func (m *MetricsRegistry) RecordLearned(regime string, maxDelta float64) {
	if m == nil {
		return
	}
	m.OutcomesLearned.WithLabelValues(regime).Inc()
	m.WeightStepDelta.WithLabelValues(regime).Observe(maxDelta)
}

// RecordUnlearned counts a forecast that expired without ground truth
func (m *MetricsRegistry) RecordUnlearned(regime string) {
	if m == nil {
		return
	}
	m.OutcomesUnlearned.WithLabelValues(regime).Inc()
}

// RecordRegimeSwitch records a regime transition
func (m *MetricsRegistry) RecordRegimeSwitch(from, to string) {
	if m == nil {
		return
	}
	m.RegimeSwitches.WithLabelValues(from, to).Inc()
}

// RecordDegraded counts a degraded-path emission
func (m *MetricsRegistry) RecordDegraded(reason string) {
	if m == nil {
		return
	}
	m.DegradedForecasts.WithLabelValues(reason).Inc()
}

// CycleStarted marks a cycle as in flight
func (m *MetricsRegistry) CycleStarted() {
	if m == nil {
		return
	}
	m.ActiveCycles.Inc()
	m.TotalCycles.Inc()
}

// CycleFinished marks a cycle as done
func (m *MetricsRegistry) CycleFinished() {
	if m == nil {
		return
	}
	m.ActiveCycles.Dec()
}

// LearnedRatio reads back learned vs unlearned counters across regimes.
// Exposed on the health endpoint as a coarse training-feed indicator.
func (m *MetricsRegistry) LearnedRatio(regimes []string) float64 {
	if m == nil {
		return 0
	}

	metric := &io_prometheus_client.Metric{}
	learned := 0.0
	unlearned := 0.0

	for _, regime := range regimes {
		if c, err := m.OutcomesLearned.GetMetricWithLabelValues(regime); err == nil {
			if err := c.Write(metric); err == nil {
				learned += metric.GetCounter().GetValue()
			}
		}
		if c, err := m.OutcomesUnlearned.GetMetricWithLabelValues(regime); err == nil {
			if err := c.Write(metric); err == nil {
				unlearned += metric.GetCounter().GetValue()
			}
		}
	}

	total := learned + unlearned
	if total == 0 {
		return 0
	}
	return learned / total
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func (m *MetricsRegistry) MetricsHandler() http.Handler {
	return promhttp.Handler()
}
