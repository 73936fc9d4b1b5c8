package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weatherguard/weatherguard/internal/types"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  backend: memory
engine:
  tick_interval: 5m
  lookback: 2h
neighbors:
  k: 6
rules:
  sudden_delta:
    temperature: 1.5
  wind:
    sustain_ticks: 3
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Database.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Engine.TickInterval.Std())
	assert.Equal(t, 2*time.Hour, cfg.Engine.Lookback.Std())
	assert.Equal(t, 6, cfg.Neighbors.K)
	assert.Equal(t, 1.5, cfg.Rules.SuddenDelta.Temperature)
	assert.Equal(t, 3, cfg.Rules.Wind.SustainTicks)

	// Untouched fields keep their defaults.
	assert.Equal(t, 50, cfg.Model.MinSamples)
	assert.Equal(t, 0.2, cfg.Rules.SuddenDelta.Rainfall)
}

func TestDurationAcceptsSeconds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  tick_interval: 120
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Engine.TickInterval.Std())
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Database.Backend = "oracle" }},
		{"sqlite without path", func(c *Config) { c.Database.Path = "" }},
		{"zero tick interval", func(c *Config) { c.Engine.TickInterval = 0 }},
		{"bad timezone", func(c *Config) { c.Engine.Timezone = "Mars/Olympus" }},
		{"unknown model", func(c *Config) { c.Model.Type = "autoencoder" }},
		{"buffer below min samples", func(c *Config) { c.Model.BufferSize = 10 }},
		{"k below one", func(c *Config) { c.Neighbors.K = 0 }},
		{"bad weight exponent", func(c *Config) { c.Neighbors.WeightExponent = 3 }},
		{"negative delta threshold", func(c *Config) { c.Rules.SuddenDelta.Humidity = -1 }},
		{"outlier threshold above one", func(c *Config) { c.Rules.ModelOutlier.Temperature = 1.5 }},
		{"hour out of range", func(c *Config) {
			c.Rules.TimeOfDay.Hours = map[int]HourRange{25: {Low: 0, High: 10}}
		}},
		{"inverted hour range", func(c *Config) {
			c.Rules.TimeOfDay.Hours = map[int]HourRange{3: {Low: 30, High: 10}}
		}},
		{"wind thresholds inverted", func(c *Config) { c.Rules.Wind.VeryStrongKn = 5 }},
		{"zero rain trend window", func(c *Config) { c.Rules.Rain.TrendTicks = 0 }},
		{"easing drop above one", func(c *Config) { c.Rules.Rain.EasingDrop = 1.2 }},
		{"zero rain stop window", func(c *Config) { c.Rules.Rain.StopWetTicks = 0 }},
		{"negative cooldown", func(c *Config) { c.Rules.Cooldown = Duration(-time.Minute) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMetricThresholdsForMetric(t *testing.T) {
	th := MetricThresholds{Temperature: 1, Rainfall: 2, Humidity: 3, WindDirection: 4, WindSpeed: 5}
	assert.Equal(t, 1.0, th.ForMetric(types.MetricTemperature))
	assert.Equal(t, 2.0, th.ForMetric(types.MetricRainfall))
	assert.Equal(t, 3.0, th.ForMetric(types.MetricHumidity))
	assert.Equal(t, 4.0, th.ForMetric(types.MetricWindDirection))
	assert.Equal(t, 5.0, th.ForMetric(types.MetricWindSpeed))
	assert.Zero(t, th.ForMetric(types.Metric("nope")))
}

func TestLocation(t *testing.T) {
	cfg := Default()
	assert.Equal(t, time.UTC, cfg.Location())

	cfg.Engine.Timezone = "Asia/Singapore"
	loc := cfg.Location()
	require.NotNil(t, loc)
	assert.Equal(t, "Asia/Singapore", loc.String())
}
