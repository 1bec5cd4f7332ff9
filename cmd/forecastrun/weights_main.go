package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/forecastrun/internal/config"
	"github.com/sawpanic/forecastrun/internal/domain"
	"github.com/sawpanic/forecastrun/internal/persistence/postgres"
)

// runWeights prints persisted weight vectors straight from the database.
func runWeights(cmd *cobra.Command, args []string) error {
	setupLogLevel(cmd)
	cfgPath, _ := cmd.Flags().GetString("config")
	regimeFilter, _ := cmd.Flags().GetString("regime")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if !cfg.Database.Enabled {
		return fmt.Errorf("weights command requires database.enabled: true")
	}

	manager, err := postgres.NewManager(cfg.Database)
	if err != nil {
		return err
	}
	defer manager.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	repo := manager.Repository().Weights
	var vectors []domain.WeightVector
	if regimeFilter != "" {
		wv, err := repo.Get(ctx, domain.Regime(regimeFilter))
		if err != nil {
			return fmt.Errorf("load weight vector for regime %q: %w", regimeFilter, err)
		}
		if wv == nil {
			return fmt.Errorf("no weight vector recorded for regime %q", regimeFilter)
		}
		vectors = append(vectors, *wv)
	} else {
		vectors, err = repo.ListAll(ctx)
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(vectors)
}
