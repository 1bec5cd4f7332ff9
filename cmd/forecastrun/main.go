package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "forecastrun"
	version = "v0.3.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = log.Output(os.Stderr)
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Event-driven forecast orchestration engine",
		Version: version,
		Long: `forecastrun runs ensembles of base and event-driven forecasting models,
classifies the prevailing market regime per asset, and learns per-regime
model weights from realized outcomes.`,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace|debug|info|warn|error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the forecast engine",
		Long:  "Starts the HTTP API, scheduled forecast cycles, and (when configured) the Kafka intake",
		RunE:  runServe,
	}

	cycleCmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run a single forecast cycle and print the result",
		Long:  "Executes one detect-classify-predict-combine cycle in process and prints the emitted forecast as JSON",
		RunE:  runCycle,
	}
	cycleCmd.Flags().String("asset", "", "Asset symbol (required)")
	cycleCmd.Flags().String("horizon", "1h", "Forecast horizon (1h|1d|1w|1m)")
	cycleCmd.Flags().String("prices", "", "Comma-separated price history, oldest first")
	cycleCmd.MarkFlagRequired("asset")

	weightsCmd := &cobra.Command{
		Use:   "weights",
		Short: "Show persisted weight vectors",
		Long:  "Reads weight vectors from the configured database and prints them as JSON",
		RunE:  runWeights,
	}
	weightsCmd.Flags().String("regime", "", "Limit output to one regime label")

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect or submit market events",
	}
	eventsListCmd := &cobra.Command{
		Use:   "list",
		Short: "Print stored market events as JSON",
		RunE:  runEventsList,
	}
	eventsListCmd.Flags().String("asset", "", "Limit output to events affecting one asset")
	eventsListCmd.Flags().Int("limit", 100, "Maximum events to return with --asset")
	eventsAddCmd := &cobra.Command{
		Use:   "add",
		Short: "Submit one market event through the dedup path",
		RunE:  runEventsAdd,
	}
	eventsAddCmd.Flags().String("type", "other", "Event type (monetary_policy|earnings|derivatives_expiration|other)")
	eventsAddCmd.Flags().Float64("severity", 50, "Severity 0-100")
	eventsAddCmd.Flags().String("assets", "", "Comma-separated affected assets (required)")
	eventsAddCmd.Flags().Duration("impact-in", time.Hour, "Time until expected impact")
	eventsAddCmd.Flags().Float64("price-delta", 0, "Expected relative price move")
	eventsAddCmd.Flags().Float64("vol-delta", 0, "Expected volatility shift")
	eventsAddCmd.Flags().Float64("confidence", 0.5, "Agent confidence 0-1")
	eventsAddCmd.MarkFlagRequired("assets")
	eventsCmd.AddCommand(eventsListCmd, eventsAddCmd)

	rootCmd.AddCommand(serveCmd, cycleCmd, weightsCmd, eventsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogLevel(cmd *cobra.Command) {
	raw, _ := cmd.Flags().GetString("log-level")
	level, err := zerolog.ParseLevel(raw)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
