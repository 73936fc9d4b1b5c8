// Package storage defines the persistence interface consumed by the scoring
// engine and the collector side of the system. Backends hold no business
// logic: simple key-based reads and appends only.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/weatherguard/weatherguard/internal/types"
)

// ErrNotFound is returned for lookups of unknown keys.
var ErrNotFound = errors.New("storage: not found")

// StationReading pairs a station with one of its readings, as returned by
// timestamp-window queries used for neighbor lookups.
type StationReading struct {
	Station types.Station
	Reading types.Reading
}

// Store is the full persistence surface. The engine only reads stations and
// readings and appends scores and alerts; the write side for stations and
// readings belongs to collectors.
type Store interface {
	// Station accessors.
	GetStation(ctx context.Context, stationID string) (types.Station, error)
	ListStations(ctx context.Context) ([]types.Station, error)
	UpsertStations(ctx context.Context, stations []types.Station) error

	// Reading accessors. GetReadings returns readings in chronological
	// order for [since, until). LatestReadings returns, per station, the
	// newest reading for the metric at or after since.
	GetReadings(ctx context.Context, stationID string, metric types.Metric, since, until time.Time) ([]types.Reading, error)
	GetReadingsAt(ctx context.Context, metric types.Metric, ts time.Time, tolerance time.Duration) ([]StationReading, error)
	LatestReadings(ctx context.Context, metric types.Metric, since time.Time) ([]types.Reading, error)
	WriteReadings(ctx context.Context, readings []types.Reading) error

	// Score log. Writing a duplicate primary key (ts, station, metric,
	// method) is a no-op, which makes tick replay idempotent.
	WriteScore(ctx context.Context, score types.Score) error
	LatestScores(ctx context.Context, metric types.Metric, limit int) ([]types.Score, error)

	// Alert log. The store assigns the monotonic ID.
	WriteAlert(ctx context.Context, alert types.Alert) (int64, error)
	LatestAlerts(ctx context.Context, metric types.Metric, since time.Time, limit int) ([]types.Alert, error)

	Close() error
}
