package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// EventType classifies the market event driving an event model
type EventType string

const (
	EventMonetaryPolicy        EventType = "monetary_policy"
	EventEarnings              EventType = "earnings"
	EventDerivativesExpiration EventType = "derivatives_expiration"
	EventOther                 EventType = "other"
)

// ValidEventType reports whether t is one of the known event types
func ValidEventType(t EventType) bool {
	switch t {
	case EventMonetaryPolicy, EventEarnings, EventDerivativesExpiration, EventOther:
		return true
	}
	return false
}

// ExpectedImpact captures an event agent's structured impact estimate
type ExpectedImpact struct {
	PriceDelta  float64 `json:"price_delta"`  // Expected relative price move
	VolDelta    float64 `json:"vol_delta"`    // Expected volatility shift
	VolumeDelta float64 `json:"volume_delta"` // Expected volume shift
	Confidence  float64 `json:"confidence"`   // 0.0-1.0 agent confidence
}

// MarketEvent represents a single detected market event.
// Written once to the registry; only Resolved mutates afterwards.
type MarketEvent struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	Severity       float64        `json:"severity"` // 0-100
	DetectionTime  time.Time      `json:"detection_time"`
	ImpactTime     time.Time      `json:"impact_time"`
	AffectedAssets []string       `json:"affected_assets"`
	Impact         ExpectedImpact `json:"expected_impact"`
	Resolved       bool           `json:"resolved"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TimeToImpact returns the signed duration until the event's impact time,
// negative once the impact has passed.
func (e MarketEvent) TimeToImpact(asOf time.Time) time.Duration {
	return e.ImpactTime.Sub(asOf)
}

// Affects reports whether the event targets the given asset
func (e MarketEvent) Affects(asset string) bool {
	for _, a := range e.AffectedAssets {
		if a == asset {
			return true
		}
	}
	return false
}

// Horizon is the forecast lookahead window
type Horizon string

const (
	Horizon1H Horizon = "1h"
	Horizon1D Horizon = "1d"
	Horizon1W Horizon = "1w"
	Horizon1M Horizon = "1m"
)

// ParseHorizon maps a wire string onto a known horizon
func ParseHorizon(s string) (Horizon, error) {
	switch Horizon(strings.ToLower(s)) {
	case Horizon1H:
		return Horizon1H, nil
	case Horizon1D:
		return Horizon1D, nil
	case Horizon1W:
		return Horizon1W, nil
	case Horizon1M:
		return Horizon1M, nil
	}
	return "", fmt.Errorf("unknown horizon: %q", s)
}

// Duration returns the nominal length of the horizon window
func (h Horizon) Duration() time.Duration {
	switch h {
	case Horizon1H:
		return time.Hour
	case Horizon1D:
		return 24 * time.Hour
	case Horizon1W:
		return 7 * 24 * time.Hour
	case Horizon1M:
		return 30 * 24 * time.Hour
	}
	return 0
}

// AgentForecast is one model's (base or event) forecast for a single cycle.
// Never mutated after creation; a new cycle produces new records.
type AgentForecast struct {
	ID               string    `json:"id"`
	AgentID          string    `json:"agent_id"`
	EventID          string    `json:"event_id,omitempty"` // Empty for base models
	Asset            string    `json:"asset"`
	Horizon          Horizon   `json:"horizon"`
	PointEstimate    float64   `json:"point_estimate"`
	VarianceEstimate float64   `json:"variance_estimate"`
	ProducedAt       time.Time `json:"produced_at"`
}

// Regime is a discrete market-state label used as the lookup key into
// per-regime weight vectors. Recomputed every cycle, never stored as an entity.
type Regime string

const (
	RegimeNormal  Regime = "normal"
	RegimeHighVol Regime = "highvol"
)

// CompositeRegime builds the deterministic label for concurrent high-severity
// events of distinct types: sorted event types joined with "+".
func CompositeRegime(types []EventType) Regime {
	labels := make([]string, 0, len(types))
	seen := make(map[EventType]bool, len(types))
	for _, t := range types {
		if !seen[t] {
			seen[t] = true
			labels = append(labels, string(t))
		}
	}
	sort.Strings(labels)
	return Regime(strings.Join(labels, "+"))
}

// WeightState tracks the per-regime weight vector lifecycle
type WeightState string

const (
	WeightStateUninitialized WeightState = "uninitialized"
	WeightStateActive        WeightState = "active"
	WeightStateDecaying      WeightState = "decaying"
)

// WeightVector holds the ensemble weights for one regime.
// Weights are non-negative and sum to 1 within tolerance.
type WeightVector struct {
	Regime       Regime             `json:"regime"`
	Weights      map[string]float64 `json:"weights"` // model id -> weight
	Version      int64              `json:"version"` // Monotonic per regime
	State        WeightState        `json:"state"`
	UpdatedAt    time.Time          `json:"updated_at"`
	Observations int64              `json:"observations"` // Completed learning updates
}

// Clone returns a deep copy so snapshots handed to a cycle never alias
// store-internal state.
func (wv WeightVector) Clone() WeightVector {
	out := wv
	out.Weights = make(map[string]float64, len(wv.Weights))
	for id, w := range wv.Weights {
		out.Weights[id] = w
	}
	return out
}

// Sum returns the total weight mass
func (wv WeightVector) Sum() float64 {
	total := 0.0
	for _, w := range wv.Weights {
		total += w
	}
	return total
}

// ModelIDs returns the sorted model identifiers carried by the vector
func (wv WeightVector) ModelIDs() []string {
	ids := make([]string, 0, len(wv.Weights))
	for id := range wv.Weights {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EnsembleForecast is the final output of one forecast cycle.
// Immutable once emitted; traceable to the exact weight vector version and
// input forecast ids that produced it.
type EnsembleForecast struct {
	ID            string             `json:"id"`
	Asset         string             `json:"asset"`
	Horizon       Horizon            `json:"horizon"`
	Value         float64            `json:"value"`
	Lower         float64            `json:"lower"`
	Upper         float64            `json:"upper"`
	Contributions map[string]float64 `json:"contributions"` // model id -> realized weight
	Regime        Regime             `json:"regime"`
	WeightsVersion int64             `json:"weights_version"`
	InputIDs      []string           `json:"input_ids"` // AgentForecast ids used

	Degraded            bool   `json:"degraded"`
	DegradedReason      string `json:"degraded_reason,omitempty"`
	StaleWeights        bool   `json:"stale_weights"`
	IndependenceAssumed bool   `json:"independence_assumed"`

	EmittedAt time.Time `json:"emitted_at"`
}

// RealizedOutcome pairs a forecast cycle with the later-observed ground truth
type RealizedOutcome struct {
	Asset       string    `json:"asset"`
	Horizon     Horizon   `json:"horizon"`
	Timestamp   time.Time `json:"timestamp"`
	ActualValue float64   `json:"actual_value"`
}
