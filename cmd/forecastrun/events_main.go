package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/forecastrun/internal/config"
	"github.com/sawpanic/forecastrun/internal/domain"
	"github.com/sawpanic/forecastrun/internal/persistence"
	"github.com/sawpanic/forecastrun/internal/persistence/postgres"
	"github.com/sawpanic/forecastrun/internal/registry"
)

// runEventsList prints stored market events, optionally filtered by asset.
func runEventsList(cmd *cobra.Command, args []string) error {
	setupLogLevel(cmd)
	asset, _ := cmd.Flags().GetString("asset")
	limit, _ := cmd.Flags().GetInt("limit")

	repo, closeFn, err := eventsRepo(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var events []domain.MarketEvent
	if asset != "" {
		tr := persistence.TimeRange{From: time.Time{}, To: time.Now().UTC().Add(365 * 24 * time.Hour)}
		events, err = repo.ListByAsset(ctx, asset, tr, limit)
	} else {
		events, err = repo.ListAll(ctx)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(events)
}

// runEventsAdd submits one event through the registry's dedup path, so a
// re-run of the same command merges instead of inserting a second row.
func runEventsAdd(cmd *cobra.Command, args []string) error {
	setupLogLevel(cmd)

	eventType, _ := cmd.Flags().GetString("type")
	severity, _ := cmd.Flags().GetFloat64("severity")
	assets, _ := cmd.Flags().GetString("assets")
	impactIn, _ := cmd.Flags().GetDuration("impact-in")
	priceDelta, _ := cmd.Flags().GetFloat64("price-delta")
	volDelta, _ := cmd.Flags().GetFloat64("vol-delta")
	confidence, _ := cmd.Flags().GetFloat64("confidence")

	cfg, err := loadConfigFromFlags(cmd)
	if err != nil {
		return err
	}
	if !cfg.Database.Enabled {
		return fmt.Errorf("events command requires database.enabled: true")
	}
	manager, err := postgres.NewManager(cfg.Database)
	if err != nil {
		return err
	}
	defer manager.Close()

	reg := registry.New(cfg.Registry, manager.Repository().Events)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := reg.Hydrate(ctx); err != nil {
		return fmt.Errorf("hydrate event registry: %w", err)
	}

	now := time.Now().UTC()
	event := domain.MarketEvent{
		Type:           domain.EventType(eventType),
		Severity:       severity,
		DetectionTime:  now,
		ImpactTime:     now.Add(impactIn),
		AffectedAssets: strings.Split(assets, ","),
		Impact: domain.ExpectedImpact{
			PriceDelta: priceDelta,
			VolDelta:   volDelta,
			Confidence: confidence,
		},
	}

	outcome, err := reg.Submit(ctx, event)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", outcome)
	return nil
}

func eventsRepo(cmd *cobra.Command) (persistence.EventsRepo, func(), error) {
	cfg, err := loadConfigFromFlags(cmd)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Database.Enabled {
		return nil, nil, fmt.Errorf("events command requires database.enabled: true")
	}

	manager, err := postgres.NewManager(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return manager.Repository().Events, func() { manager.Close() }, nil
}

func loadConfigFromFlags(cmd *cobra.Command) (*config.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return config.Load(cfgPath)
}
