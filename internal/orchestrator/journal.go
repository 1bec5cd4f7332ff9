package orchestrator

import (
	"sync"
	"time"

	"github.com/sawpanic/forecastrun/internal/domain"
)

// pendingForecast holds the attribution material a forecast needs until its
// realized outcome arrives: the per-model points behind it and the deadline
// past which it is marked unlearned.
type pendingForecast struct {
	Forecast domain.EnsembleForecast
	Points   map[string]float64 // model id -> individual point estimate
	Deadline time.Time
}

// outcomeJournal tracks forecasts awaiting ground truth, FIFO per pair.
// In-memory only: an unmatched forecast after a restart simply expires
// unlearned, which is the safe direction.
type outcomeJournal struct {
	mu     sync.Mutex
	byPair map[string][]pendingForecast
}

func newOutcomeJournal() *outcomeJournal {
	return &outcomeJournal{byPair: make(map[string][]pendingForecast)}
}

func (j *outcomeJournal) Add(p pendingForecast) {
	key := pairKey(p.Forecast.Asset, p.Forecast.Horizon)
	j.mu.Lock()
	defer j.mu.Unlock()
	j.byPair[key] = append(j.byPair[key], p)
}

// Match pops the oldest pending forecast for the pair that was emitted at or
// before the outcome's timestamp. Attribution is strictly one outcome per
// forecast cycle.
func (j *outcomeJournal) Match(asset string, horizon domain.Horizon, ts time.Time) (pendingForecast, bool) {
	key := pairKey(asset, horizon)
	j.mu.Lock()
	defer j.mu.Unlock()

	queue := j.byPair[key]
	for i, p := range queue {
		if !p.Forecast.EmittedAt.After(ts) {
			j.byPair[key] = append(queue[:i], queue[i+1:]...)
			return p, true
		}
	}
	return pendingForecast{}, false
}

// ExpireDue pops every pending forecast past its deadline
func (j *outcomeJournal) ExpireDue(now time.Time) []pendingForecast {
	j.mu.Lock()
	defer j.mu.Unlock()

	var expired []pendingForecast
	for key, queue := range j.byPair {
		var keep []pendingForecast
		for _, p := range queue {
			if now.After(p.Deadline) {
				expired = append(expired, p)
			} else {
				keep = append(keep, p)
			}
		}
		j.byPair[key] = keep
	}
	return expired
}

// PendingCount returns the number of forecasts awaiting an outcome
func (j *outcomeJournal) PendingCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	n := 0
	for _, queue := range j.byPair {
		n += len(queue)
	}
	return n
}

func pairKey(asset string, horizon domain.Horizon) string {
	return asset + "|" + string(horizon)
}
