package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// scoring engine.
type Metrics struct {
	TicksProcessed prometheus.Counter
	TickErrors     prometheus.Counter
	TickDuration   prometheus.Histogram
	EngineRunning  prometheus.Gauge

	// Per-tick pipeline volume.
	StationsScored prometheus.Histogram
	ScoresWritten  prometheus.Counter
	StationsFailed prometheus.Counter

	// Model lifecycle.
	ModelRetrains  *prometheus.CounterVec // labels: metric
	ScoresByMethod *prometheus.CounterVec // labels: method={z_robust,isolation_forest}

	AlertsFired *prometheus.CounterVec // labels: metric, type
}

// NewMetrics creates and registers all engine metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.TicksProcessed,
		m.TickErrors,
		m.TickDuration,
		m.EngineRunning,
		m.StationsScored,
		m.ScoresWritten,
		m.StationsFailed,
		m.ModelRetrains,
		m.ScoresByMethod,
		m.AlertsFired,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		TicksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weatherguard",
			Name:      "ticks_processed_total",
			Help:      "Total scoring ticks completed.",
		}),
		TickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weatherguard",
			Name:      "tick_errors_total",
			Help:      "Ticks that returned an aggregate error.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "weatherguard",
			Name:      "tick_duration_seconds",
			Help:      "Duration of a complete scoring tick.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		EngineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "weatherguard",
			Name:      "engine_running",
			Help:      "1 while the tick loop is active, 0 after shutdown.",
		}),
		StationsScored: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "weatherguard",
			Name:      "stations_scored",
			Help:      "Number of (station, metric) pairs scored per tick.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		ScoresWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weatherguard",
			Name:      "scores_written_total",
			Help:      "Score rows persisted.",
		}),
		StationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weatherguard",
			Name:      "stations_failed_total",
			Help:      "Station pipelines skipped due to errors or panics.",
		}),
		ModelRetrains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weatherguard",
			Name:      "model_retrains_total",
			Help:      "Model retrains by metric.",
		}, []string{"metric"}),
		ScoresByMethod: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weatherguard",
			Name:      "scores_by_method_total",
			Help:      "Scores produced by scoring method.",
		}, []string{"method"}),
		AlertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weatherguard",
			Name:      "alerts_fired_total",
			Help:      "Alerts recorded by metric and rule type.",
		}, []string{"metric", "type"}),
	}
}
