package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/forecastrun/internal/ensemble"
	intakekafka "github.com/sawpanic/forecastrun/internal/intake/kafka"
	httpiface "github.com/sawpanic/forecastrun/internal/interfaces/http"
	"github.com/sawpanic/forecastrun/internal/models"
	"github.com/sawpanic/forecastrun/internal/orchestrator"
	"github.com/sawpanic/forecastrun/internal/persistence/postgres"
	"github.com/sawpanic/forecastrun/internal/regime"
	"github.com/sawpanic/forecastrun/internal/registry"
	"github.com/sawpanic/forecastrun/internal/weights"
)

// Pair is one scheduled asset/horizon forecasting target.
type Pair struct {
	Asset    string        `yaml:"asset" validate:"required"`
	Horizons []string      `yaml:"horizons" validate:"required,min=1,dive,oneof=1h 1d 1w 1m"`
	Interval time.Duration `yaml:"interval" default:"1m"`
}

// Agents limits out-of-process submitters.
type Agents struct {
	RateRPS   float64 `yaml:"rate_rps" default:"5"`
	RateBurst int     `yaml:"rate_burst" default:"10"`
}

// Kafka toggles the bus intake and names its topics.
type Kafka struct {
	Enabled        bool   `yaml:"enabled"`
	EventsTopic    string `yaml:"events_topic" default:"market.events"`
	ForecastsTopic string `yaml:"forecasts_topic" default:"agent.forecasts"`
	TicksTopic     string `yaml:"ticks_topic" default:"market.ticks"`
	intakekafka.Config `yaml:",inline"`
}

// Config is the full runtime configuration. Component sections default
// through their package defaults; the file only has to name overrides.
type Config struct {
	Server    httpiface.ServerConfig `yaml:"server"`
	Database  postgres.Config        `yaml:"database"`
	Kafka     Kafka                  `yaml:"kafka"`
	Agents    Agents                 `yaml:"agents"`
	VolWindow int                    `yaml:"vol_window" default:"64" validate:"min=2"`

	Registry     registry.Config         `yaml:"registry"`
	Classifier   regime.Config           `yaml:"classifier"`
	Pool         models.PoolConfig       `yaml:"pool"`
	Weights      weights.StoreConfig     `yaml:"weights"`
	Update       weights.UpdateConfig    `yaml:"update"`
	Interval     ensemble.IntervalConfig `yaml:"interval"`
	Orchestrator orchestrator.Config     `yaml:"orchestrator"`

	Pairs []Pair `yaml:"pairs" validate:"dive"`
}

// Load reads, defaults, and validates a configuration file. A missing
// path yields the built-in defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Registry:     registry.DefaultConfig(),
		Classifier:   regime.DefaultConfig(),
		Pool:         models.DefaultPoolConfig(),
		Weights:      weights.DefaultStoreConfig(),
		Update:       weights.DefaultUpdateConfig(),
		Interval:     ensemble.DefaultIntervalConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("invalid config: kafka enabled without brokers")
	}
	return cfg, nil
}
