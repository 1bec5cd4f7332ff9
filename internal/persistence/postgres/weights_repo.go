package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/forecastrun/internal/domain"
	"github.com/sawpanic/forecastrun/internal/persistence"
)

// weightsRepo implements WeightsRepo for PostgreSQL. The latest vector per
// regime lives in weight_vectors; every accepted version is also appended to
// weight_vector_history for the audit trail.
type weightsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewWeightsRepo creates a PostgreSQL weights repository
func NewWeightsRepo(db *sqlx.DB, timeout time.Duration) persistence.WeightsRepo {
	return &weightsRepo{db: db, timeout: timeout}
}

// Upsert stores the latest vector for a regime and appends to history
func (r *weightsRepo) Upsert(ctx context.Context, wv domain.WeightVector) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	weightsJSON, err := json.Marshal(wv.Weights)
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin weights tx: %w", err)
	}
	defer tx.Rollback()

	latest := `
		INSERT INTO weight_vectors
		(regime, weights, version, state, observations, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (regime) DO UPDATE SET
			weights = EXCLUDED.weights,
			version = EXCLUDED.version,
			state = EXCLUDED.state,
			observations = EXCLUDED.observations,
			updated_at = EXCLUDED.updated_at
		WHERE weight_vectors.version <= EXCLUDED.version`

	if _, err := tx.ExecContext(ctx, latest,
		string(wv.Regime), weightsJSON, wv.Version, string(wv.State),
		wv.Observations, wv.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert weight vector: %w", err)
	}

	history := `
		INSERT INTO weight_vector_history
		(regime, weights, version, state, observations, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (regime, version) DO NOTHING`

	if _, err := tx.ExecContext(ctx, history,
		string(wv.Regime), weightsJSON, wv.Version, string(wv.State),
		wv.Observations, wv.UpdatedAt); err != nil {
		return fmt.Errorf("failed to append weight history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit weights tx: %w", err)
	}
	return nil
}

// Get retrieves the latest vector for one regime, nil when unseen
func (r *weightsRepo) Get(ctx context.Context, regime domain.Regime) (*domain.WeightVector, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT regime, weights, version, state, observations, updated_at
		FROM weight_vectors
		WHERE regime = $1`

	row := r.db.QueryRowxContext(ctx, query, string(regime))
	wv, err := scanWeightVector(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get weight vector: %w", err)
	}
	return wv, nil
}

// ListAll returns the latest vector for every observed regime
func (r *weightsRepo) ListAll(ctx context.Context) ([]domain.WeightVector, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT regime, weights, version, state, observations, updated_at
		FROM weight_vectors
		ORDER BY regime`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query weight vectors: %w", err)
	}
	defer rows.Close()

	var out []domain.WeightVector
	for rows.Next() {
		wv, err := scanWeightVector(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan weight vector: %w", err)
		}
		out = append(out, *wv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// History returns archived versions for a regime, newest first
func (r *weightsRepo) History(ctx context.Context, regime domain.Regime, limit int) ([]domain.WeightVector, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT regime, weights, version, state, observations, updated_at
		FROM weight_vector_history
		WHERE regime = $1
		ORDER BY version DESC
		LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, query, string(regime), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query weight history: %w", err)
	}
	defer rows.Close()

	var out []domain.WeightVector
	for rows.Next() {
		wv, err := scanWeightVector(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan weight history row: %w", err)
		}
		out = append(out, *wv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func scanWeightVector(scan func(dest ...any) error) (*domain.WeightVector, error) {
	var (
		wv          domain.WeightVector
		regimeStr   string
		stateStr    string
		weightsJSON []byte
	)

	if err := scan(&regimeStr, &weightsJSON, &wv.Version, &stateStr, &wv.Observations, &wv.UpdatedAt); err != nil {
		return nil, err
	}

	wv.Regime = domain.Regime(regimeStr)
	wv.State = domain.WeightState(stateStr)
	if err := json.Unmarshal(weightsJSON, &wv.Weights); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weights: %w", err)
	}
	return &wv, nil
}
