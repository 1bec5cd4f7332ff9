package persistence

import (
	"context"
	"time"

	"github.com/sawpanic/forecastrun/internal/domain"
)

// TimeRange represents a time window for history queries
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// EventsRepo persists market events so the registry survives restarts.
// Rows beyond the working-set retention window stay archived here.
type EventsRepo interface {
	// Upsert inserts or updates an event by id
	Upsert(ctx context.Context, event domain.MarketEvent) error

	// ListAll returns every stored event inside the retention window
	ListAll(ctx context.Context) ([]domain.MarketEvent, error)

	// ListByAsset retrieves events affecting an asset within a time range
	ListByAsset(ctx context.Context, asset string, tr TimeRange, limit int) ([]domain.MarketEvent, error)

	// Count returns the number of stored events
	Count(ctx context.Context) (int64, error)
}

// WeightsRepo persists per-regime weight vectors with version history
type WeightsRepo interface {
	// Upsert stores the latest vector for a regime (unique per regime)
	Upsert(ctx context.Context, wv domain.WeightVector) error

	// Get retrieves the latest vector for one regime, nil when unseen
	Get(ctx context.Context, regime domain.Regime) (*domain.WeightVector, error)

	// ListAll returns the latest vector for every observed regime
	ListAll(ctx context.Context) ([]domain.WeightVector, error)

	// History returns archived versions for a regime, newest first
	History(ctx context.Context, regime domain.Regime, limit int) ([]domain.WeightVector, error)
}

// ForecastsRepo persists emitted ensemble forecasts for audit and attribution
type ForecastsRepo interface {
	// Insert stores an emitted forecast (immutable rows)
	Insert(ctx context.Context, ef domain.EnsembleForecast) error

	// Latest returns the most recent forecast for a pair, nil when none
	Latest(ctx context.Context, asset string, horizon domain.Horizon) (*domain.EnsembleForecast, error)

	// ListRange retrieves forecasts for a pair within a time window
	ListRange(ctx context.Context, asset string, horizon domain.Horizon, tr TimeRange) ([]domain.EnsembleForecast, error)

	// MarkUnlearned flags a forecast whose outcome never arrived
	MarkUnlearned(ctx context.Context, forecastID string) error
}

// Repository aggregates all persistence interfaces
type Repository struct {
	Events    EventsRepo
	Weights   WeightsRepo
	Forecasts ForecastsRepo
}

// RepositoryHealth provides health monitoring for the persistence layer
type RepositoryHealth interface {
	// Ping tests basic connectivity to the database
	Ping(ctx context.Context) error
}
