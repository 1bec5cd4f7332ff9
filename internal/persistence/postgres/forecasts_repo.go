package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/forecastrun/internal/domain"
	"github.com/sawpanic/forecastrun/internal/persistence"
)

// forecastsRepo implements ForecastsRepo for PostgreSQL
type forecastsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewForecastsRepo creates a PostgreSQL forecasts repository
func NewForecastsRepo(db *sqlx.DB, timeout time.Duration) persistence.ForecastsRepo {
	return &forecastsRepo{db: db, timeout: timeout}
}

// Insert stores an emitted forecast. Rows are immutable except for the
// unlearned flag set when ground truth never arrives.
func (r *forecastsRepo) Insert(ctx context.Context, ef domain.EnsembleForecast) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	contribJSON, err := json.Marshal(ef.Contributions)
	if err != nil {
		return fmt.Errorf("failed to marshal contributions: %w", err)
	}

	query := `
		INSERT INTO ensemble_forecasts
		(id, asset, horizon, value, lower_bound, upper_bound, contributions,
		 regime, weights_version, input_ids, degraded, degraded_reason,
		 stale_weights, independence_assumed, unlearned, emitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, false, $15)`

	_, err = r.db.ExecContext(ctx, query,
		ef.ID, ef.Asset, string(ef.Horizon), ef.Value, ef.Lower, ef.Upper, contribJSON,
		string(ef.Regime), ef.WeightsVersion, pq.Array(ef.InputIDs), ef.Degraded,
		ef.DegradedReason, ef.StaleWeights, ef.IndependenceAssumed, ef.EmittedAt)
	if err != nil {
		return fmt.Errorf("failed to insert forecast: %w", err)
	}
	return nil
}

// Latest returns the most recent forecast for a pair, nil when none
func (r *forecastsRepo) Latest(ctx context.Context, asset string, horizon domain.Horizon) (*domain.EnsembleForecast, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := forecastColumns + `
		WHERE asset = $1 AND horizon = $2
		ORDER BY emitted_at DESC
		LIMIT 1`

	row := r.db.QueryRowxContext(ctx, query, asset, string(horizon))
	ef, err := scanForecast(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest forecast: %w", err)
	}
	return ef, nil
}

// ListRange retrieves forecasts for a pair within a time window
func (r *forecastsRepo) ListRange(ctx context.Context, asset string, horizon domain.Horizon, tr persistence.TimeRange) ([]domain.EnsembleForecast, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := forecastColumns + `
		WHERE asset = $1 AND horizon = $2 AND emitted_at >= $3 AND emitted_at <= $4
		ORDER BY emitted_at DESC`

	rows, err := r.db.QueryxContext(ctx, query, asset, string(horizon), tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to query forecast range: %w", err)
	}
	defer rows.Close()

	var out []domain.EnsembleForecast
	for rows.Next() {
		ef, err := scanForecast(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan forecast: %w", err)
		}
		out = append(out, *ef)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// MarkUnlearned flags a forecast whose outcome never arrived
func (r *forecastsRepo) MarkUnlearned(ctx context.Context, forecastID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE ensemble_forecasts SET unlearned = true WHERE id = $1`, forecastID)
	if err != nil {
		return fmt.Errorf("failed to mark forecast unlearned: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("forecast %s not found", forecastID)
	}
	return nil
}

const forecastColumns = `
		SELECT id, asset, horizon, value, lower_bound, upper_bound, contributions,
		       regime, weights_version, input_ids, degraded, degraded_reason,
		       stale_weights, independence_assumed, emitted_at
		FROM ensemble_forecasts`

func scanForecast(scan func(dest ...any) error) (*domain.EnsembleForecast, error) {
	var (
		ef          domain.EnsembleForecast
		horizonStr  string
		regimeStr   string
		contribJSON []byte
		inputIDs    pq.StringArray
	)

	err := scan(&ef.ID, &ef.Asset, &horizonStr, &ef.Value, &ef.Lower, &ef.Upper,
		&contribJSON, &regimeStr, &ef.WeightsVersion, &inputIDs, &ef.Degraded,
		&ef.DegradedReason, &ef.StaleWeights, &ef.IndependenceAssumed, &ef.EmittedAt)
	if err != nil {
		return nil, err
	}

	ef.Horizon = domain.Horizon(horizonStr)
	ef.Regime = domain.Regime(regimeStr)
	ef.InputIDs = []string(inputIDs)
	if err := json.Unmarshal(contribJSON, &ef.Contributions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal contributions: %w", err)
	}
	return &ef, nil
}
