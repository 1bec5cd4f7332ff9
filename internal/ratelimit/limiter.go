package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter provides per-agent submission rate limiting using token buckets,
// so one chatty event agent cannot starve the intake path.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewLimiter creates a rate limiter with the specified per-agent RPS and burst
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

// getLimiter returns or creates the limiter for one agent
func (l *Limiter) getLimiter(agentID string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[agentID]
	l.mu.RUnlock()
	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := l.limiters[agentID]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[agentID] = limiter
	return limiter
}

// Allow reports whether a submission from the agent is allowed right now
func (l *Limiter) Allow(agentID string) bool {
	return l.getLimiter(agentID).Allow()
}

// Wait blocks until a submission is allowed or the context is cancelled
func (l *Limiter) Wait(ctx context.Context, agentID string) error {
	return l.getLimiter(agentID).Wait(ctx)
}
