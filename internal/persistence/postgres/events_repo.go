package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/forecastrun/internal/domain"
	"github.com/sawpanic/forecastrun/internal/persistence"
)

// eventsRepo implements EventsRepo for PostgreSQL
type eventsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewEventsRepo creates a PostgreSQL events repository
func NewEventsRepo(db *sqlx.DB, timeout time.Duration) persistence.EventsRepo {
	return &eventsRepo{db: db, timeout: timeout}
}

// Upsert inserts or updates an event by id
func (r *eventsRepo) Upsert(ctx context.Context, event domain.MarketEvent) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	impactJSON, err := json.Marshal(event.Impact)
	if err != nil {
		return fmt.Errorf("failed to marshal expected impact: %w", err)
	}

	query := `
		INSERT INTO market_events
		(id, event_type, severity, detection_time, impact_time, affected_assets,
		 expected_impact, resolved, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			severity = EXCLUDED.severity,
			detection_time = EXCLUDED.detection_time,
			affected_assets = EXCLUDED.affected_assets,
			expected_impact = EXCLUDED.expected_impact,
			resolved = EXCLUDED.resolved,
			updated_at = EXCLUDED.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		event.ID, string(event.Type), event.Severity, event.DetectionTime, event.ImpactTime,
		pq.Array(event.AffectedAssets), impactJSON, event.Resolved,
		event.CreatedAt, event.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert event: %w", err)
	}

	return nil
}

// ListAll returns every stored event, newest detection first
func (r *eventsRepo) ListAll(ctx context.Context) ([]domain.MarketEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, event_type, severity, detection_time, impact_time, affected_assets,
		       expected_impact, resolved, created_at, updated_at
		FROM market_events
		ORDER BY detection_time DESC`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListByAsset retrieves events affecting an asset within a time range
func (r *eventsRepo) ListByAsset(ctx context.Context, asset string, tr persistence.TimeRange, limit int) ([]domain.MarketEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, event_type, severity, detection_time, impact_time, affected_assets,
		       expected_impact, resolved, created_at, updated_at
		FROM market_events
		WHERE $1 = ANY(affected_assets) AND detection_time >= $2 AND detection_time <= $3
		ORDER BY severity DESC, impact_time ASC
		LIMIT $4`

	rows, err := r.db.QueryxContext(ctx, query, asset, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by asset: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Count returns the number of stored events
func (r *eventsRepo) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	if err := r.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM market_events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func scanEvents(rows *sqlx.Rows) ([]domain.MarketEvent, error) {
	var events []domain.MarketEvent

	for rows.Next() {
		var (
			event      domain.MarketEvent
			eventType  string
			assets     pq.StringArray
			impactJSON []byte
		)

		err := rows.Scan(&event.ID, &eventType, &event.Severity, &event.DetectionTime,
			&event.ImpactTime, &assets, &impactJSON, &event.Resolved,
			&event.CreatedAt, &event.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		event.Type = domain.EventType(eventType)
		event.AffectedAssets = []string(assets)
		if len(impactJSON) > 0 {
			if err := json.Unmarshal(impactJSON, &event.Impact); err != nil {
				return nil, fmt.Errorf("failed to unmarshal expected impact: %w", err)
			}
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return events, nil
}
