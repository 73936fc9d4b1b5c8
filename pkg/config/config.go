// Package config defines the weatherguard configuration structure, its
// built-in defaults, and eager startup validation. Threshold validation
// failures are fatal: the engine refuses to start a tick cycle rather than
// run with undefined thresholds.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/weatherguard/weatherguard/internal/types"
)

// Config is the complete weatherguard configuration.
type Config struct {
	Database  DatabaseConfig `yaml:"database"`
	HTTP      HTTPConfig     `yaml:"http"`
	Log       LogConfig      `yaml:"log"`
	Engine    EngineConfig   `yaml:"engine"`
	Model     ModelConfig    `yaml:"model"`
	Neighbors NeighborConfig `yaml:"neighbors"`
	Rules     RulesConfig    `yaml:"rules"`
}

// Database backends.
const (
	BackendSQLite      = "sqlite"
	BackendTimescaleDB = "timescaledb"
	BackendMemory      = "memory"
)

// DatabaseConfig selects and configures the storage backend.
type DatabaseConfig struct {
	// Backend is "sqlite", "timescaledb", or "memory".
	Backend string `yaml:"backend"`
	// Path is the SQLite database file (sqlite backend).
	Path string `yaml:"path"`
	// ConnectionString is the postgres DSN (timescaledb backend).
	ConnectionString string `yaml:"connection_string"`
}

// HTTPConfig configures the read-only REST server.
type HTTPConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// File enables an additional rotating log file when non-empty.
	File string `yaml:"file"`
}

// EngineConfig configures the tick cycle.
type EngineConfig struct {
	// TickInterval is the cadence of processing ticks.
	TickInterval Duration `yaml:"tick_interval"`
	// TickWindow bounds how far back a reading may be and still count as
	// "new" for the current tick.
	TickWindow Duration `yaml:"tick_window"`
	// Lookback is the historical window handed to feature extraction.
	Lookback Duration `yaml:"lookback"`
	// Timezone is the location used for time-of-day rules.
	Timezone string `yaml:"timezone"`
}

// ModelConfig configures the outlier model lifecycle.
type ModelConfig struct {
	// Type selects the scoring backend. Currently "isolation_forest".
	Type string `yaml:"type"`
	// MinSamples is the cold-start threshold: below it, scoring falls back
	// to the robust z method.
	MinSamples int `yaml:"min_samples"`
	// RetrainEvery is the retrain cadence, in ticks.
	RetrainEvery int `yaml:"retrain_every"`
	// Trees and SampleSize size the isolation forest.
	Trees      int `yaml:"trees"`
	SampleSize int `yaml:"sample_size"`
	// BufferSize caps the per-metric training buffer.
	BufferSize int `yaml:"buffer_size"`
	// Seed makes training deterministic.
	Seed int64 `yaml:"seed"`
}

// NeighborConfig configures the neighbor-consistency signal.
type NeighborConfig struct {
	// K is the number of nearest stations consulted.
	K int `yaml:"k"`
	// MinCount is the minimum neighbors with usable readings; below it the
	// neighbor gap is absent rather than fabricated.
	MinCount int `yaml:"min_count"`
	// Tolerance is the maximum timestamp skew for a neighbor reading to
	// count as simultaneous.
	Tolerance Duration `yaml:"tolerance"`
	// WeightExponent selects inverse-distance (1) or inverse-distance-
	// squared (2) weighting.
	WeightExponent int `yaml:"weight_exponent"`
	// MinDistanceKM clamps the distance used for weighting, avoiding
	// division by zero for co-located stations.
	MinDistanceKM float64 `yaml:"min_distance_km"`
}

// MetricThresholds carries one threshold per metric.
type MetricThresholds struct {
	Temperature   float64 `yaml:"temperature"`
	Rainfall      float64 `yaml:"rainfall"`
	Humidity      float64 `yaml:"humidity"`
	WindDirection float64 `yaml:"wind_direction"`
	WindSpeed     float64 `yaml:"wind_speed"`
}

// ForMetric returns the threshold for m.
func (t MetricThresholds) ForMetric(m types.Metric) float64 {
	switch m {
	case types.MetricTemperature:
		return t.Temperature
	case types.MetricRainfall:
		return t.Rainfall
	case types.MetricHumidity:
		return t.Humidity
	case types.MetricWindDirection:
		return t.WindDirection
	case types.MetricWindSpeed:
		return t.WindSpeed
	}
	return 0
}

// HourRange is an inclusive plausible value range for one hour-of-day bucket.
type HourRange struct {
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

// TimeOfDayConfig holds per-hour expected temperature ranges.
type TimeOfDayConfig struct {
	// Hours maps hour-of-day (0-23, local time) to a plausible range.
	// Missing hours fall back to the built-in defaults.
	Hours map[int]HourRange `yaml:"hours"`
}

// WindRuleConfig configures the sustained-wind rules.
type WindRuleConfig struct {
	StrongKn     float64 `yaml:"strong_kn"`
	VeryStrongKn float64 `yaml:"very_strong_kn"`
	SustainTicks int     `yaml:"sustain_ticks"`
}

// RainRuleConfig configures the rain event family: the per-tick spike rule
// plus trend-window onset, easing, and stop detection.
type RainRuleConfig struct {
	// SpikeMM fires rain_spike when a single tick reaches this much rain;
	// SpikeSumMM fires it when the trend-window total does.
	SpikeMM    float64 `yaml:"spike_mm"`
	SpikeSumMM float64 `yaml:"spike_sum_mm"`
	// TrendTicks is the rolling window the event rules reason over.
	TrendTicks int `yaml:"trend_ticks"`
	// OnsetTickMM and OnsetSumMM trigger rain_onset after a dry window.
	OnsetTickMM float64 `yaml:"onset_tick_mm"`
	OnsetSumMM  float64 `yaml:"onset_sum_mm"`
	// CalmMM is the accumulated rain at or below which a window counts as
	// dry.
	CalmMM float64 `yaml:"calm_mm"`
	// EasingDrop is the fractional fall between consecutive trend windows
	// that counts as easing.
	EasingDrop float64 `yaml:"easing_drop"`
	// StopQuietTicks dry ticks, preceded by a wet tick within the prior
	// StopWetTicks, fire rain_stop.
	StopQuietTicks int      `yaml:"stop_quiet_ticks"`
	StopWetTicks   int      `yaml:"stop_wet_ticks"`
	Cooldown       Duration `yaml:"cooldown"`
}

// RulesConfig carries every rule threshold, one enumerated field per
// metric x rule, with documented defaults.
type RulesConfig struct {
	SuddenDelta  MetricThresholds `yaml:"sudden_delta"`
	ModelOutlier MetricThresholds `yaml:"model_outlier"`
	TimeOfDay    TimeOfDayConfig  `yaml:"time_of_day"`
	Wind         WindRuleConfig   `yaml:"wind"`
	Rain         RainRuleConfig   `yaml:"rain"`
	// Cooldown is the minimum gap between alerts of the same type for the
	// same (station, metric). Physical-bound violations are exempt.
	Cooldown Duration `yaml:"cooldown"`
}

// Default returns the built-in configuration. Sudden-delta thresholds and
// cadences follow the deployed tuning for a 5-minute sensor feed.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Backend: BackendSQLite,
			Path:    "weatherguard.db",
		},
		HTTP: HTTPConfig{
			Enabled:    true,
			ListenAddr: ":8090",
		},
		Engine: EngineConfig{
			TickInterval: Duration(time.Minute),
			TickWindow:   Duration(10 * time.Minute),
			Lookback:     Duration(90 * time.Minute),
			Timezone:     "UTC",
		},
		Model: ModelConfig{
			Type:         "isolation_forest",
			MinSamples:   50,
			RetrainEvery: 30,
			Trees:        100,
			SampleSize:   256,
			BufferSize:   5000,
			Seed:         42,
		},
		Neighbors: NeighborConfig{
			K:              4,
			MinCount:       2,
			Tolerance:      Duration(5 * time.Minute),
			WeightExponent: 1,
			MinDistanceKM:  0.1,
		},
		Rules: RulesConfig{
			SuddenDelta: MetricThresholds{
				Temperature:   0.8,  // °C per tick
				Humidity:      5.0,  // %RH per tick
				WindSpeed:     3.0,  // knots per tick
				Rainfall:      0.2,  // mm per tick
				WindDirection: 35.0, // degrees per tick (angular)
			},
			ModelOutlier: MetricThresholds{
				Temperature:   0.7,
				Rainfall:      0.7,
				Humidity:      0.7,
				WindDirection: 0.8,
				WindSpeed:     0.7,
			},
			TimeOfDay: TimeOfDayConfig{},
			Wind: WindRuleConfig{
				StrongKn:     12.0,
				VeryStrongKn: 20.0,
				SustainTicks: 2,
			},
			Rain: RainRuleConfig{
				SpikeMM:        2.0,
				SpikeSumMM:     3.0,
				TrendTicks:     3,
				OnsetTickMM:    0.2,
				OnsetSumMM:     0.5,
				CalmMM:         0.05,
				EasingDrop:     0.5,
				StopQuietTicks: 2,
				StopWetTicks:   6,
				Cooldown:       Duration(20 * time.Minute),
			},
			Cooldown: Duration(10 * time.Minute),
		},
	}
}

// Load reads a YAML config file over the defaults and validates the result.
// A missing path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every threshold and parameter eagerly so that a bad
// config is rejected before the first tick.
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case BackendSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("config: database.path is required for the sqlite backend")
		}
	case BackendTimescaleDB:
		if c.Database.ConnectionString == "" {
			return fmt.Errorf("config: database.connection_string is required for the timescaledb backend")
		}
	case BackendMemory:
		// Volatile backend, used by the replay tool.
	default:
		return fmt.Errorf("config: unsupported database backend %q", c.Database.Backend)
	}

	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("config: engine.tick_interval must be positive")
	}
	if c.Engine.TickWindow <= 0 {
		return fmt.Errorf("config: engine.tick_window must be positive")
	}
	if c.Engine.Lookback <= 0 {
		return fmt.Errorf("config: engine.lookback must be positive")
	}
	if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
		return fmt.Errorf("config: engine.timezone: %w", err)
	}

	if c.Model.Type != "isolation_forest" {
		return fmt.Errorf("config: unsupported model type %q", c.Model.Type)
	}
	if c.Model.MinSamples < 1 {
		return fmt.Errorf("config: model.min_samples must be at least 1")
	}
	if c.Model.RetrainEvery < 1 {
		return fmt.Errorf("config: model.retrain_every must be at least 1")
	}
	if c.Model.Trees < 1 || c.Model.SampleSize < 2 {
		return fmt.Errorf("config: model.trees and model.sample_size must be positive")
	}
	if c.Model.BufferSize < c.Model.MinSamples {
		return fmt.Errorf("config: model.buffer_size must be at least model.min_samples")
	}

	if c.Neighbors.K < 1 {
		return fmt.Errorf("config: neighbors.k must be at least 1")
	}
	if c.Neighbors.MinCount < 1 {
		return fmt.Errorf("config: neighbors.min_count must be at least 1")
	}
	if c.Neighbors.Tolerance <= 0 {
		return fmt.Errorf("config: neighbors.tolerance must be positive")
	}
	if e := c.Neighbors.WeightExponent; e != 1 && e != 2 {
		return fmt.Errorf("config: neighbors.weight_exponent must be 1 or 2")
	}
	if c.Neighbors.MinDistanceKM <= 0 {
		return fmt.Errorf("config: neighbors.min_distance_km must be positive")
	}

	for _, m := range types.AllMetrics() {
		if c.Rules.SuddenDelta.ForMetric(m) <= 0 {
			return fmt.Errorf("config: rules.sudden_delta.%s must be positive", m)
		}
		if t := c.Rules.ModelOutlier.ForMetric(m); t <= 0 || t > 1 {
			return fmt.Errorf("config: rules.model_outlier.%s must be in (0, 1]", m)
		}
	}
	for hour, r := range c.Rules.TimeOfDay.Hours {
		if hour < 0 || hour > 23 {
			return fmt.Errorf("config: rules.time_of_day hour %d out of range", hour)
		}
		if r.Low >= r.High {
			return fmt.Errorf("config: rules.time_of_day hour %d: low must be below high", hour)
		}
	}
	if c.Rules.Wind.StrongKn <= 0 || c.Rules.Wind.VeryStrongKn <= c.Rules.Wind.StrongKn {
		return fmt.Errorf("config: rules.wind thresholds must satisfy 0 < strong_kn < very_strong_kn")
	}
	if c.Rules.Wind.SustainTicks < 1 {
		return fmt.Errorf("config: rules.wind.sustain_ticks must be at least 1")
	}
	if c.Rules.Rain.SpikeMM <= 0 || c.Rules.Rain.SpikeSumMM <= 0 {
		return fmt.Errorf("config: rules.rain spike thresholds must be positive")
	}
	if c.Rules.Rain.TrendTicks < 1 {
		return fmt.Errorf("config: rules.rain.trend_ticks must be at least 1")
	}
	if c.Rules.Rain.OnsetTickMM <= 0 || c.Rules.Rain.OnsetSumMM <= 0 {
		return fmt.Errorf("config: rules.rain onset thresholds must be positive")
	}
	if c.Rules.Rain.CalmMM < 0 {
		return fmt.Errorf("config: rules.rain.calm_mm must not be negative")
	}
	if d := c.Rules.Rain.EasingDrop; d <= 0 || d >= 1 {
		return fmt.Errorf("config: rules.rain.easing_drop must be in (0, 1)")
	}
	if c.Rules.Rain.StopQuietTicks < 1 || c.Rules.Rain.StopWetTicks < 1 {
		return fmt.Errorf("config: rules.rain stop windows must be at least 1 tick")
	}
	if c.Rules.Cooldown < 0 || c.Rules.Rain.Cooldown < 0 {
		return fmt.Errorf("config: cooldowns must not be negative")
	}

	return nil
}

// Location resolves the engine timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
