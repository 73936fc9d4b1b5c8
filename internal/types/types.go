// Package types holds the core data model shared by the collector, the
// scoring engine, and the storage backends.
package types

import (
	"fmt"
	"time"
)

// Metric identifies a sensor measurement type.
type Metric string

const (
	MetricTemperature   Metric = "temperature"
	MetricRainfall      Metric = "rainfall"
	MetricHumidity      Metric = "humidity"
	MetricWindDirection Metric = "wind_direction"
	MetricWindSpeed     Metric = "wind_speed"
)

// AllMetrics returns every supported metric, in a stable order.
func AllMetrics() []Metric {
	return []Metric{
		MetricTemperature,
		MetricRainfall,
		MetricHumidity,
		MetricWindDirection,
		MetricWindSpeed,
	}
}

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	m := Metric(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown metric %q", s)
	}
	return m, nil
}

// Valid reports whether m is one of the supported metrics.
func (m Metric) Valid() bool {
	switch m {
	case MetricTemperature, MetricRainfall, MetricHumidity, MetricWindDirection, MetricWindSpeed:
		return true
	}
	return false
}

// Circular reports whether the metric is angular (0° ≡ 360°).
func (m Metric) Circular() bool {
	return m == MetricWindDirection
}

// Station is a fixed sensor site. Stations are created by the collector and
// never mutated by the engine.
type Station struct {
	StationID string  `gorm:"primaryKey;column:station_id" json:"station_id"`
	Name      string  `gorm:"column:name" json:"name"`
	Latitude  float64 `gorm:"column:lat" json:"lat"`
	Longitude float64 `gorm:"column:lon" json:"lon"`
}

// TableName specifies the table name for Station
func (Station) TableName() string {
	return "stations"
}

// Reading is a single time-stamped sensor value. The primary key is
// (timestamp, station_id, metric); readings are append-only.
type Reading struct {
	Timestamp time.Time `gorm:"primaryKey;column:ts" json:"ts"`
	StationID string    `gorm:"primaryKey;column:station_id" json:"station_id"`
	Metric    Metric    `gorm:"primaryKey;column:metric" json:"metric"`
	Value     float64   `gorm:"column:value" json:"value"`
}

// TableName specifies the table name for Reading
func (Reading) TableName() string {
	return "readings"
}

// Score is one anomaly score produced for a reading by one scoring method.
// Scores are an immutable log: written once per tick per (station, metric,
// method), never updated.
type Score struct {
	Timestamp time.Time      `json:"ts"`
	StationID string         `json:"station_id"`
	Metric    Metric         `json:"metric"`
	Method    string         `json:"method"`
	Score     float64        `json:"score"`
	Extras    map[string]any `json:"extras,omitempty"`
}

// Key returns the primary-key tuple for duplicate detection.
func (s Score) Key() string {
	return fmt.Sprintf("%d|%s|%s|%s", s.Timestamp.UTC().Unix(), s.StationID, s.Metric, s.Method)
}

// Alert records a triggered anomaly condition. IDs are assigned by the store
// (monotonic); alerts are append-only.
type Alert struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"ts"`
	StationID string         `json:"station_id"`
	Metric    Metric         `json:"metric"`
	Type      string         `json:"type"`
	Severity  float64        `json:"severity"`
	Reason    string         `json:"reason"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// FeatureRecord is the output of feature extraction for one reading against
// its historical window. Pointer fields are absent signals (cold start,
// missing neighbors) and must not be conflated with zero.
type FeatureRecord struct {
	WindowSize int `json:"window_size"`

	Mean        float64 `json:"mean"`
	Std         float64 `json:"std"`
	Median      float64 `json:"median"`
	RobustSigma float64 `json:"robust_sigma"`
	ZRobust     float64 `json:"z_robust"`

	Delta      *float64 `json:"delta,omitempty"`
	RollingVol *float64 `json:"rolling_vol,omitempty"`

	NeighborGap   *float64 `json:"neighbor_gap,omitempty"`
	NeighborCount int      `json:"neighbor_count"`

	// Circular statistics, wind direction only.
	CircularMean *float64 `json:"circular_mean,omitempty"`
	CircularStd  *float64 `json:"circular_std,omitempty"`
}

// FeatureDim is the fixed dimensionality of a model input vector.
const FeatureDim = 4

// Vector flattens the record into the fixed-dimension model input:
// [|z_robust|, delta, rolling_vol, neighbor_gap]. Absent signals are
// substituted with zero; the same substitution applies during training and
// scoring.
func (f FeatureRecord) Vector() []float64 {
	v := make([]float64, FeatureDim)
	v[0] = abs(f.ZRobust)
	if f.Delta != nil {
		v[1] = *f.Delta
	}
	if f.RollingVol != nil {
		v[2] = *f.RollingVol
	}
	if f.NeighborGap != nil {
		v[3] = *f.NeighborGap
	}
	return v
}

// ZEff is the effective robust deviation used by the cold-start fallback.
func (f FeatureRecord) ZEff() float64 {
	return abs(f.ZRobust)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// Float64Ptr is a convenience for building optional feature fields.
func Float64Ptr(v float64) *float64 { return &v }
