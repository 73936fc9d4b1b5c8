// Package timescaledb implements storage.Store on TimescaleDB for
// multi-host deployments that already run a Postgres fleet.
package timescaledb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"go.uber.org/zap"

	"github.com/weatherguard/weatherguard/internal/log"
	"github.com/weatherguard/weatherguard/internal/storage"
	"github.com/weatherguard/weatherguard/internal/types"
)

// Store is a TimescaleDB-backed storage.Store.
type Store struct {
	db *gorm.DB
}

// scoreRow and alertRow carry JSON text columns because gorm cannot map
// the map[string]any fields on the public types.
type scoreRow struct {
	Timestamp time.Time    `gorm:"column:ts;primaryKey"`
	StationID string       `gorm:"column:station_id;primaryKey"`
	Metric    types.Metric `gorm:"column:metric;primaryKey"`
	Method    string       `gorm:"column:method;primaryKey"`
	Score     float64      `gorm:"column:score"`
	Extras    string       `gorm:"column:extras_json;type:text"`
}

func (scoreRow) TableName() string { return "scores" }

type alertRow struct {
	ID        int64        `gorm:"column:id;primaryKey;autoIncrement"`
	Timestamp time.Time    `gorm:"column:ts;index:idx_alerts_metric_ts,priority:2"`
	StationID string       `gorm:"column:station_id"`
	Metric    types.Metric `gorm:"column:metric;index:idx_alerts_metric_ts,priority:1"`
	Type      string       `gorm:"column:type"`
	Severity  float64      `gorm:"column:severity"`
	Reason    string       `gorm:"column:reason"`
	Payload   string       `gorm:"column:payload_json;type:text"`
}

func (alertRow) TableName() string { return "alerts" }

// New connects to TimescaleDB and migrates the schema.
func New(connectionString string) (*Store, error) {
	dbLogger := gormlogger.New(
		zap.NewStdLog(log.GetZapLogger()),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	log.Info("connecting to TimescaleDB...")
	db, err := gorm.Open(postgres.Open(connectionString), &gorm.Config{Logger: dbLogger})
	if err != nil {
		return nil, fmt.Errorf("unable to create a TimescaleDB connection: %w", err)
	}
	log.Info("TimescaleDB connection successful")

	if err := db.AutoMigrate(&types.Station{}, &types.Reading{}, &scoreRow{}, &alertRow{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) GetStation(ctx context.Context, stationID string) (types.Station, error) {
	var st types.Station
	err := s.db.WithContext(ctx).Where("station_id = ?", stationID).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Station{}, storage.ErrNotFound
	}
	if err != nil {
		return types.Station{}, fmt.Errorf("querying station %s: %w", stationID, err)
	}
	return st, nil
}

func (s *Store) ListStations(ctx context.Context) ([]types.Station, error) {
	var out []types.Station
	if err := s.db.WithContext(ctx).Order("station_id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing stations: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertStations(ctx context.Context, stations []types.Station) error {
	if len(stations) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "station_id"}},
		UpdateAll: true,
	}).Create(&stations).Error
	if err != nil {
		return fmt.Errorf("upserting stations: %w", err)
	}
	return nil
}

func (s *Store) GetReadings(ctx context.Context, stationID string, metric types.Metric, since, until time.Time) ([]types.Reading, error) {
	var out []types.Reading
	err := s.db.WithContext(ctx).
		Where("station_id = ? AND metric = ? AND ts >= ? AND ts < ?", stationID, metric, since, until).
		Order("ts").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("querying readings for %s/%s: %w", stationID, metric, err)
	}
	return out, nil
}

func (s *Store) GetReadingsAt(ctx context.Context, metric types.Metric, ts time.Time, tolerance time.Duration) ([]storage.StationReading, error) {
	lo := ts.Add(-tolerance)
	hi := ts.Add(tolerance)

	var readings []types.Reading
	err := s.db.WithContext(ctx).Raw(
		`SELECT DISTINCT ON (station_id) ts, station_id, metric, value
		 FROM readings
		 WHERE metric = ? AND ts >= ? AND ts <= ?
		 ORDER BY station_id, ts DESC`,
		metric, lo, hi).Scan(&readings).Error
	if err != nil {
		return nil, fmt.Errorf("querying readings at %v for %s: %w", ts, metric, err)
	}
	if len(readings) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(readings))
	for _, r := range readings {
		ids = append(ids, r.StationID)
	}
	var stations []types.Station
	if err := s.db.WithContext(ctx).Where("station_id IN ?", ids).Find(&stations).Error; err != nil {
		return nil, fmt.Errorf("querying stations for readings: %w", err)
	}
	byID := make(map[string]types.Station, len(stations))
	for _, st := range stations {
		byID[st.StationID] = st
	}

	out := make([]storage.StationReading, 0, len(readings))
	for _, r := range readings {
		st, ok := byID[r.StationID]
		if !ok {
			continue
		}
		out = append(out, storage.StationReading{Station: st, Reading: r})
	}
	return out, nil
}

func (s *Store) LatestReadings(ctx context.Context, metric types.Metric, since time.Time) ([]types.Reading, error) {
	var out []types.Reading
	err := s.db.WithContext(ctx).Raw(
		`SELECT DISTINCT ON (station_id) ts, station_id, metric, value
		 FROM readings
		 WHERE metric = ? AND ts >= ?
		 ORDER BY station_id, ts DESC`,
		metric, since).Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("querying latest readings for %s: %w", metric, err)
	}
	return out, nil
}

func (s *Store) WriteReadings(ctx context.Context, readings []types.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ts"}, {Name: "station_id"}, {Name: "metric"}},
		UpdateAll: true,
	}).Create(&readings).Error
	if err != nil {
		return fmt.Errorf("writing readings: %w", err)
	}
	return nil
}

func (s *Store) WriteScore(ctx context.Context, score types.Score) error {
	extras, err := json.Marshal(score.Extras)
	if err != nil {
		return fmt.Errorf("encoding score extras: %w", err)
	}
	row := scoreRow{
		Timestamp: score.Timestamp.UTC(),
		StationID: score.StationID,
		Metric:    score.Metric,
		Method:    score.Method,
		Score:     score.Score,
		Extras:    string(extras),
	}
	// Conflicts are skipped so tick replay leaves the score log unchanged.
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("writing score for %s/%s: %w", score.StationID, score.Metric, err)
	}
	return nil
}

func (s *Store) LatestScores(ctx context.Context, metric types.Metric, limit int) ([]types.Score, error) {
	if limit <= 0 {
		limit = 500
	}
	q := s.db.WithContext(ctx).Model(&scoreRow{})
	if metric != "" {
		q = q.Where("metric = ?", metric)
	}
	var rows []scoreRow
	if err := q.Order("ts DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying scores: %w", err)
	}

	out := make([]types.Score, 0, len(rows))
	for _, row := range rows {
		sc := types.Score{
			Timestamp: row.Timestamp.UTC(),
			StationID: row.StationID,
			Metric:    row.Metric,
			Method:    row.Method,
			Score:     row.Score,
		}
		if row.Extras != "" && row.Extras != "null" {
			if err := json.Unmarshal([]byte(row.Extras), &sc.Extras); err != nil {
				return nil, fmt.Errorf("decoding score extras: %w", err)
			}
		}
		out = append(out, sc)
	}
	return out, nil
}

func (s *Store) WriteAlert(ctx context.Context, alert types.Alert) (int64, error) {
	payload, err := json.Marshal(alert.Payload)
	if err != nil {
		return 0, fmt.Errorf("encoding alert payload: %w", err)
	}
	row := alertRow{
		Timestamp: alert.Timestamp.UTC(),
		StationID: alert.StationID,
		Metric:    alert.Metric,
		Type:      alert.Type,
		Severity:  alert.Severity,
		Reason:    alert.Reason,
		Payload:   string(payload),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("writing alert for %s/%s: %w", alert.StationID, alert.Metric, err)
	}
	return row.ID, nil
}

func (s *Store) LatestAlerts(ctx context.Context, metric types.Metric, since time.Time, limit int) ([]types.Alert, error) {
	if limit <= 0 {
		limit = 500
	}
	q := s.db.WithContext(ctx).Model(&alertRow{}).Where("ts >= ?", since)
	if metric != "" {
		q = q.Where("metric = ?", metric)
	}
	var rows []alertRow
	if err := q.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}

	out := make([]types.Alert, 0, len(rows))
	for _, row := range rows {
		a := types.Alert{
			ID:        row.ID,
			Timestamp: row.Timestamp.UTC(),
			StationID: row.StationID,
			Metric:    row.Metric,
			Type:      row.Type,
			Severity:  row.Severity,
			Reason:    row.Reason,
		}
		if row.Payload != "" && row.Payload != "null" {
			if err := json.Unmarshal([]byte(row.Payload), &a.Payload); err != nil {
				return nil, fmt.Errorf("decoding alert payload: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
