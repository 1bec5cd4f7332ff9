package regime

import (
	"math"
	"sync"
)

// VolTracker maintains per-asset realized volatility from price updates and
// exposes the trailing distribution the classifier needs. Bounded ring
// buffers keep memory flat regardless of uptime.
type VolTracker struct {
	mu     sync.RWMutex
	window int
	series map[string]*assetSeries
}

type assetSeries struct {
	lastPrice float64
	hasPrice  bool
	returns   []float64 // ring buffer of signed log returns
	next      int
	filled    bool
}

// NewVolTracker creates a tracker with the given trailing window length
func NewVolTracker(window int) *VolTracker {
	if window < 2 {
		window = 2
	}
	return &VolTracker{
		window: window,
		series: make(map[string]*assetSeries),
	}
}

// Observe records a price update for an asset
func (t *VolTracker) Observe(asset string, price float64) {
	if price <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.series[asset]
	if !ok {
		s = &assetSeries{returns: make([]float64, t.window)}
		t.series[asset] = s
	}

	if s.hasPrice {
		s.returns[s.next] = math.Log(price / s.lastPrice)
		s.next = (s.next + 1) % t.window
		if s.next == 0 {
			s.filled = true
		}
	}
	s.lastPrice = price
	s.hasPrice = true
}

// Snapshot returns the current realized vol sample for an asset, computed on
// absolute returns: the current value is the magnitude of the latest return,
// mean and std come from the trailing window. An asset with fewer than two
// returns yields a zero sample, which the classifier treats as quiet.
func (t *VolTracker) Snapshot(asset string) RealizedVol {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.series[asset]
	if !ok {
		return RealizedVol{}
	}

	n := s.next
	if s.filled {
		n = t.window
	}
	if n < 2 {
		return RealizedVol{}
	}

	sum := 0.0
	for i := 0; i < n; i++ {
		sum += math.Abs(s.returns[i])
	}
	mean := sum / float64(n)

	varSum := 0.0
	for i := 0; i < n; i++ {
		d := math.Abs(s.returns[i]) - mean
		varSum += d * d
	}
	std := math.Sqrt(varSum / float64(n-1))

	latest := math.Abs(s.returns[(s.next-1+t.window)%t.window])

	return RealizedVol{
		Current:      latest,
		TrailingMean: mean,
		TrailingStd:  std,
	}
}

// History returns the trailing returns for an asset, oldest first. Used by
// base models that need recent price behavior.
func (t *VolTracker) History(asset string) []float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.series[asset]
	if !ok {
		return nil
	}

	n := s.next
	start := 0
	if s.filled {
		n = t.window
		start = s.next
	}

	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s.returns[(start+i)%t.window])
	}
	return out
}

// LastPrice returns the most recent observed price for an asset
func (t *VolTracker) LastPrice(asset string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.series[asset]
	if !ok || !s.hasPrice {
		return 0, false
	}
	return s.lastPrice, true
}
