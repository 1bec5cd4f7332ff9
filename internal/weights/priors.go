package weights

import (
	"strings"

	"github.com/sawpanic/forecastrun/internal/domain"
)

// PriorFunc builds the initial weight map for a regime observed for the
// first time. Must return non-negative weights summing to 1.
type PriorFunc func(regime domain.Regime, modelIDs []string) map[string]float64

// eventModelPrefix ties event model identifiers to their trigger type so the
// prior can recognise which models the regime label names.
const eventModelPrefix = "event_"

// DefaultPrior spreads mass evenly over the model set, with a tilt toward
// event models whose trigger type appears in the regime label. An earnings
// regime starts trusting the earnings model more than the base pool, yet no
// model starts excluded.
func DefaultPrior(regime domain.Regime, modelIDs []string) map[string]float64 {
	const eventTilt = 2.0

	raw := make(map[string]float64, len(modelIDs))
	total := 0.0
	for _, id := range modelIDs {
		w := 1.0
		if trigger, ok := strings.CutPrefix(id, eventModelPrefix); ok {
			if regimeNames(regime, trigger) {
				w = eventTilt
			}
		}
		raw[id] = w
		total += w
	}

	if total <= 0 {
		return raw
	}
	for id := range raw {
		raw[id] /= total
	}
	return raw
}

// regimeNames reports whether a composite or plain regime label contains the
// given event type.
func regimeNames(regime domain.Regime, eventType string) bool {
	for _, part := range strings.Split(string(regime), "+") {
		if part == eventType {
			return true
		}
	}
	return false
}
