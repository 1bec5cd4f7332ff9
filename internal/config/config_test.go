package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forecastrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_EmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.VolWindow)
	assert.Equal(t, 5.0, cfg.Agents.RateRPS)
	assert.Equal(t, "market.events", cfg.Kafka.EventsTopic)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, 75.0, cfg.Classifier.HighSeverity)
	assert.Equal(t, 90*24*time.Hour, cfg.Registry.Retention)
	assert.Empty(t, cfg.Pairs)
}

func TestLoad_FileOverridesOnlyNamedFields(t *testing.T) {
	path := writeConfig(t, `
vol_window: 128
agents:
  rate_rps: 2
pairs:
  - asset: BTCUSD
    horizons: [1h, 1d]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 128, cfg.VolWindow)
	assert.Equal(t, 2.0, cfg.Agents.RateRPS)
	assert.Equal(t, 10, cfg.Agents.RateBurst, "untouched fields keep their defaults")
	assert.Equal(t, "agent.forecasts", cfg.Kafka.ForecastsTopic)

	require.Len(t, cfg.Pairs, 1)
	assert.Equal(t, "BTCUSD", cfg.Pairs[0].Asset)
	assert.Equal(t, []string{"1h", "1d"}, cfg.Pairs[0].Horizons)
}

func TestLoad_RejectsUnknownHorizon(t *testing.T) {
	path := writeConfig(t, `
pairs:
  - asset: BTCUSD
    horizons: [2h]
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLoad_RejectsPairWithoutAsset(t *testing.T) {
	path := writeConfig(t, `
pairs:
  - horizons: [1h]
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_KafkaEnabledRequiresBrokers(t *testing.T) {
	path := writeConfig(t, `
kafka:
  enabled: true
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "brokers")
}

func TestLoad_KafkaBrokersAccepted(t *testing.T) {
	path := writeConfig(t, `
kafka:
  enabled: true
  brokers: ["localhost:9092"]
  group_id: custom-group
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "custom-group", cfg.Kafka.GroupID)
	assert.Equal(t, 4, cfg.Kafka.WorkerCount, "unset consumer knobs default")
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/forecastrun.yaml")
	assert.Error(t, err)
}

func TestLoad_VolWindowLowerBound(t *testing.T) {
	path := writeConfig(t, "vol_window: 1\n")

	_, err := Load(path)
	assert.Error(t, err)
}
