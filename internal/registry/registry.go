package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/forecastrun/internal/domain"
	"github.com/sawpanic/forecastrun/internal/persistence"
)

// Outcome is the result of an event submission
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
)

// Config holds registry tuning knobs
type Config struct {
	DedupWindow time.Duration `yaml:"dedup_window"` // Detection-time rounding for dedup (default: 15m)
	Retention   time.Duration `yaml:"retention"`    // Trailing window past impact (default: 90 days)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		DedupWindow: 15 * time.Minute,
		Retention:   90 * 24 * time.Hour,
	}
}

// Registry stores and deduplicates detected market events. Working set lives
// in memory; writes are mirrored to the events repo so state survives restarts.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[string]string              // dedup key -> event id
	events map[string]*domain.MarketEvent // event id -> event
	config Config
	repo   persistence.EventsRepo // nil for memory-only operation
}

// New creates an event registry. repo may be nil for memory-only use (tests).
func New(config Config, repo persistence.EventsRepo) *Registry {
	return &Registry{
		byKey:  make(map[string]string),
		events: make(map[string]*domain.MarketEvent),
		config: config,
		repo:   repo,
	}
}

// Hydrate rebuilds the working set from the events repo after a restart
func (r *Registry) Hydrate(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}

	events, err := r.repo.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to hydrate event registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range events {
		ev := events[i]
		r.events[ev.ID] = &ev
		r.byKey[r.dedupKey(ev)] = ev.ID
	}

	log.Info().Int("events", len(events)).Msg("Event registry hydrated")
	return nil
}

// Submit stores a new event or merges it into an existing one under the dedup
// key (type, sorted assets, detection time rounded to the dedup window). A
// merge keeps the higher-severity record and widens assets to the union.
func (r *Registry) Submit(ctx context.Context, event domain.MarketEvent) (Outcome, error) {
	if err := validateEvent(event); err != nil {
		return "", fmt.Errorf("invalid event: %w", err)
	}

	now := time.Now().UTC()
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	sort.Strings(event.AffectedAssets)
	event.CreatedAt = now
	event.UpdatedAt = now

	r.mu.Lock()
	key := r.dedupKey(event)
	existingID, dup := r.byKey[key]
	if !dup {
		r.events[event.ID] = &event
		r.byKey[key] = event.ID
		r.mu.Unlock()

		r.persist(ctx, event)
		return OutcomeAccepted, nil
	}

	merged := mergeEvents(*r.events[existingID], event)
	merged.UpdatedAt = now
	r.events[existingID] = &merged
	r.mu.Unlock()

	r.persist(ctx, merged)
	log.Debug().
		Str("event_id", existingID).
		Str("type", string(merged.Type)).
		Float64("severity", merged.Severity).
		Msg("Duplicate event merged")
	return OutcomeDuplicate, nil
}

// ActiveEvents returns the unresolved events affecting an asset as of the
// given time, ordered by descending severity then ascending time-to-impact.
func (r *Registry) ActiveEvents(asset string, asOf time.Time) []domain.MarketEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []domain.MarketEvent
	for _, ev := range r.events {
		if ev.Resolved || !ev.Affects(asset) {
			continue
		}
		active = append(active, *ev)
	}

	sort.Slice(active, func(i, j int) bool {
		if active[i].Severity != active[j].Severity {
			return active[i].Severity > active[j].Severity
		}
		ti := active[i].TimeToImpact(asOf)
		tj := active[j].TimeToImpact(asOf)
		if ti != tj {
			return ti < tj
		}
		return active[i].ID < active[j].ID
	})

	return active
}

// Get returns one event by id
func (r *Registry) Get(id string) (domain.MarketEvent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ev, ok := r.events[id]
	if !ok {
		return domain.MarketEvent{}, false
	}
	return *ev, true
}

// ResolveDue flips the resolved flag on events whose impact time has passed.
// Returns the number of events resolved.
func (r *Registry) ResolveDue(ctx context.Context, asOf time.Time) int {
	r.mu.Lock()
	var resolved []domain.MarketEvent
	for _, ev := range r.events {
		if !ev.Resolved && ev.TimeToImpact(asOf) < 0 {
			ev.Resolved = true
			ev.UpdatedAt = asOf
			resolved = append(resolved, *ev)
		}
	}
	r.mu.Unlock()

	for _, ev := range resolved {
		r.persist(ctx, ev)
	}
	return len(resolved)
}

// Sweep prunes events whose impact time is beyond the retention window.
// Pruned rows stay archived in postgres; only the working set shrinks.
func (r *Registry) Sweep(asOf time.Time) int {
	cutoff := asOf.Add(-r.config.Retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for id, ev := range r.events {
		if ev.ImpactTime.Before(cutoff) {
			delete(r.byKey, r.dedupKey(*ev))
			delete(r.events, id)
			pruned++
		}
	}

	if pruned > 0 {
		log.Info().Int("pruned", pruned).Msg("Event registry sweep completed")
	}
	return pruned
}

// Count returns the working-set size
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

func (r *Registry) persist(ctx context.Context, event domain.MarketEvent) {
	if r.repo == nil {
		return
	}
	if err := r.repo.Upsert(ctx, event); err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to persist event")
	}
}

// dedupKey builds the merge key: type, sorted assets, detection window
func (r *Registry) dedupKey(event domain.MarketEvent) string {
	assets := append([]string(nil), event.AffectedAssets...)
	sort.Strings(assets)
	window := event.DetectionTime.UTC().Truncate(r.config.DedupWindow)
	return fmt.Sprintf("%s|%s|%d", event.Type, strings.Join(assets, ","), window.Unix())
}

// mergeEvents combines a duplicate submission into the stored record: higher
// severity wins, assets union, earlier detection time is kept.
func mergeEvents(stored, incoming domain.MarketEvent) domain.MarketEvent {
	out := stored
	if incoming.Severity > stored.Severity {
		out = incoming
		out.ID = stored.ID
		out.CreatedAt = stored.CreatedAt
	}

	seen := make(map[string]bool, len(stored.AffectedAssets))
	union := append([]string(nil), stored.AffectedAssets...)
	for _, a := range stored.AffectedAssets {
		seen[a] = true
	}
	for _, a := range incoming.AffectedAssets {
		if !seen[a] {
			seen[a] = true
			union = append(union, a)
		}
	}
	sort.Strings(union)
	out.AffectedAssets = union

	if incoming.DetectionTime.Before(stored.DetectionTime) {
		out.DetectionTime = incoming.DetectionTime
	} else {
		out.DetectionTime = stored.DetectionTime
	}

	return out
}

// validateEvent performs boundary validation on a submitted event
func validateEvent(event domain.MarketEvent) error {
	if !domain.ValidEventType(event.Type) {
		return fmt.Errorf("invalid event type: %s", event.Type)
	}
	if event.Severity < 0 || event.Severity > 100 {
		return fmt.Errorf("severity must be between 0 and 100, got %.2f", event.Severity)
	}
	if event.DetectionTime.IsZero() {
		return fmt.Errorf("detection time cannot be zero")
	}
	if event.ImpactTime.IsZero() {
		return fmt.Errorf("impact time cannot be zero")
	}
	if len(event.AffectedAssets) == 0 {
		return fmt.Errorf("affected assets cannot be empty")
	}
	if event.Impact.Confidence < 0 || event.Impact.Confidence > 1 {
		return fmt.Errorf("impact confidence must be between 0.0 and 1.0, got %.2f", event.Impact.Confidence)
	}
	return nil
}
