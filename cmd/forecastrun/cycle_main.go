package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/forecastrun/internal/domain"
)

// runCycle wires the engine in process, seeds price history from the
// flag, runs one forecast cycle, and prints the result.
func runCycle(cmd *cobra.Command, args []string) error {
	setupLogLevel(cmd)
	cfgPath, _ := cmd.Flags().GetString("config")
	asset, _ := cmd.Flags().GetString("asset")
	rawHorizon, _ := cmd.Flags().GetString("horizon")
	rawPrices, _ := cmd.Flags().GetString("prices")

	horizon, err := domain.ParseHorizon(rawHorizon)
	if err != nil {
		return err
	}

	eng, err := buildEngine(cfgPath, false)
	if err != nil {
		return err
	}
	defer eng.manager.Close()

	if rawPrices != "" {
		for _, field := range strings.Split(rawPrices, ",") {
			price, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return fmt.Errorf("invalid price %q: %w", field, err)
			}
			eng.vols.Observe(asset, price)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	forecast, err := eng.orch.RunCycle(ctx, asset, horizon)
	if err != nil {
		return fmt.Errorf("cycle failed: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(forecast)
}
