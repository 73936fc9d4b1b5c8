// Package sqlite implements storage.Store on an embedded SQLite database.
// It is the default backend for single-host deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/weatherguard/weatherguard/internal/storage"
	"github.com/weatherguard/weatherguard/internal/types"
)

// Timestamps are stored as integer unix seconds so range and tolerance
// queries stay simple integer comparisons.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS stations (
  station_id TEXT PRIMARY KEY,
  name TEXT,
  lat REAL,
  lon REAL
);

CREATE TABLE IF NOT EXISTS readings (
  ts INTEGER NOT NULL,
  station_id TEXT NOT NULL,
  metric TEXT NOT NULL,
  value REAL,
  PRIMARY KEY (ts, station_id, metric)
);
CREATE INDEX IF NOT EXISTS idx_readings_metric_ts ON readings(metric, ts);
CREATE INDEX IF NOT EXISTS idx_readings_station ON readings(station_id, metric, ts);

CREATE TABLE IF NOT EXISTS scores (
  ts INTEGER NOT NULL,
  station_id TEXT NOT NULL,
  metric TEXT NOT NULL,
  method TEXT NOT NULL,
  score REAL,
  extras_json TEXT,
  PRIMARY KEY (ts, station_id, metric, method)
);
CREATE INDEX IF NOT EXISTS idx_scores_metric_ts ON scores(metric, ts);

CREATE TABLE IF NOT EXISTS alerts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts INTEGER NOT NULL,
  station_id TEXT NOT NULL,
  metric TEXT NOT NULL,
  type TEXT NOT NULL,
  severity REAL,
  reason TEXT,
  payload_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_alerts_metric_ts ON alerts(metric, ts);
`

// Store is a SQLite-backed storage.Store.
type Store struct {
	db *sql.DB
}

// New opens (creating if necessary) the database at path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) GetStation(ctx context.Context, stationID string) (types.Station, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT station_id, name, lat, lon FROM stations WHERE station_id = ?", stationID)
	var st types.Station
	err := row.Scan(&st.StationID, &st.Name, &st.Latitude, &st.Longitude)
	if err == sql.ErrNoRows {
		return types.Station{}, storage.ErrNotFound
	}
	if err != nil {
		return types.Station{}, fmt.Errorf("querying station %s: %w", stationID, err)
	}
	return st, nil
}

func (s *Store) ListStations(ctx context.Context) ([]types.Station, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT station_id, name, lat, lon FROM stations ORDER BY station_id")
	if err != nil {
		return nil, fmt.Errorf("listing stations: %w", err)
	}
	defer rows.Close()

	var out []types.Station
	for rows.Next() {
		var st types.Station
		if err := rows.Scan(&st.StationID, &st.Name, &st.Latitude, &st.Longitude); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) UpsertStations(ctx context.Context, stations []types.Station) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO stations(station_id, name, lat, lon) VALUES (?,?,?,?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, st := range stations {
		if _, err := stmt.ExecContext(ctx, st.StationID, st.Name, st.Latitude, st.Longitude); err != nil {
			return fmt.Errorf("upserting station %s: %w", st.StationID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetReadings(ctx context.Context, stationID string, metric types.Metric, since, until time.Time) ([]types.Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, station_id, metric, value FROM readings
		 WHERE station_id = ? AND metric = ? AND ts >= ? AND ts < ?
		 ORDER BY ts`,
		stationID, string(metric), since.Unix(), until.Unix())
	if err != nil {
		return nil, fmt.Errorf("querying readings for %s/%s: %w", stationID, metric, err)
	}
	defer rows.Close()
	return scanReadings(rows)
}

func (s *Store) GetReadingsAt(ctx context.Context, metric types.Metric, ts time.Time, tolerance time.Duration) ([]storage.StationReading, error) {
	lo := ts.Add(-tolerance).Unix()
	hi := ts.Add(tolerance).Unix()

	// Newest in-tolerance reading per station.
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.ts, r.station_id, r.metric, r.value, s.name, s.lat, s.lon
		 FROM readings r
		 JOIN stations s ON s.station_id = r.station_id
		 WHERE r.metric = ? AND r.ts >= ? AND r.ts <= ?
		   AND r.ts = (SELECT MAX(ts) FROM readings
		               WHERE station_id = r.station_id AND metric = r.metric
		                 AND ts >= ? AND ts <= ?)
		 ORDER BY r.station_id`,
		string(metric), lo, hi, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("querying readings at %v for %s: %w", ts, metric, err)
	}
	defer rows.Close()

	var out []storage.StationReading
	for rows.Next() {
		var (
			sr   storage.StationReading
			unix int64
			m    string
		)
		if err := rows.Scan(&unix, &sr.Reading.StationID, &m, &sr.Reading.Value,
			&sr.Station.Name, &sr.Station.Latitude, &sr.Station.Longitude); err != nil {
			return nil, err
		}
		sr.Reading.Timestamp = time.Unix(unix, 0).UTC()
		sr.Reading.Metric = types.Metric(m)
		sr.Station.StationID = sr.Reading.StationID
		out = append(out, sr)
	}
	return out, rows.Err()
}

func (s *Store) LatestReadings(ctx context.Context, metric types.Metric, since time.Time) ([]types.Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, station_id, metric, value FROM readings r
		 WHERE metric = ? AND ts >= ?
		   AND ts = (SELECT MAX(ts) FROM readings
		             WHERE station_id = r.station_id AND metric = r.metric)
		 ORDER BY station_id`,
		string(metric), since.Unix())
	if err != nil {
		return nil, fmt.Errorf("querying latest readings for %s: %w", metric, err)
	}
	defer rows.Close()
	return scanReadings(rows)
}

func (s *Store) WriteReadings(ctx context.Context, readings []types.Reading) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO readings(ts, station_id, metric, value) VALUES (?,?,?,?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx, r.Timestamp.Unix(), r.StationID, string(r.Metric), r.Value); err != nil {
			return fmt.Errorf("writing reading %s/%s: %w", r.StationID, r.Metric, err)
		}
	}
	return tx.Commit()
}

func (s *Store) WriteScore(ctx context.Context, score types.Score) error {
	extras, err := json.Marshal(score.Extras)
	if err != nil {
		return fmt.Errorf("encoding score extras: %w", err)
	}
	// Duplicate primary keys are ignored: replaying a tick must not alter
	// the score log.
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO scores(ts, station_id, metric, method, score, extras_json)
		 VALUES (?,?,?,?,?,?)`,
		score.Timestamp.Unix(), score.StationID, string(score.Metric), score.Method, score.Score, string(extras))
	if err != nil {
		return fmt.Errorf("writing score for %s/%s: %w", score.StationID, score.Metric, err)
	}
	return nil
}

func (s *Store) LatestScores(ctx context.Context, metric types.Metric, limit int) ([]types.Score, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, station_id, metric, method, score, extras_json FROM scores
		 WHERE (? = '' OR metric = ?) ORDER BY ts DESC LIMIT ?`,
		string(metric), string(metric), limit)
	if err != nil {
		return nil, fmt.Errorf("querying scores: %w", err)
	}
	defer rows.Close()

	var out []types.Score
	for rows.Next() {
		var (
			sc     types.Score
			unix   int64
			m      string
			extras sql.NullString
		)
		if err := rows.Scan(&unix, &sc.StationID, &m, &sc.Method, &sc.Score, &extras); err != nil {
			return nil, err
		}
		sc.Timestamp = time.Unix(unix, 0).UTC()
		sc.Metric = types.Metric(m)
		if extras.Valid && extras.String != "" && extras.String != "null" {
			if err := json.Unmarshal([]byte(extras.String), &sc.Extras); err != nil {
				return nil, fmt.Errorf("decoding score extras: %w", err)
			}
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) WriteAlert(ctx context.Context, alert types.Alert) (int64, error) {
	payload, err := json.Marshal(alert.Payload)
	if err != nil {
		return 0, fmt.Errorf("encoding alert payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts(ts, station_id, metric, type, severity, reason, payload_json)
		 VALUES (?,?,?,?,?,?,?)`,
		alert.Timestamp.Unix(), alert.StationID, string(alert.Metric), alert.Type,
		alert.Severity, alert.Reason, string(payload))
	if err != nil {
		return 0, fmt.Errorf("writing alert for %s/%s: %w", alert.StationID, alert.Metric, err)
	}
	return res.LastInsertId()
}

func (s *Store) LatestAlerts(ctx context.Context, metric types.Metric, since time.Time, limit int) ([]types.Alert, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, station_id, metric, type, severity, reason, payload_json FROM alerts
		 WHERE (? = '' OR metric = ?) AND ts >= ?
		 ORDER BY id DESC LIMIT ?`,
		string(metric), string(metric), since.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()

	var out []types.Alert
	for rows.Next() {
		var (
			a       types.Alert
			unix    int64
			m       string
			payload sql.NullString
		)
		if err := rows.Scan(&a.ID, &unix, &a.StationID, &m, &a.Type, &a.Severity, &a.Reason, &payload); err != nil {
			return nil, err
		}
		a.Timestamp = time.Unix(unix, 0).UTC()
		a.Metric = types.Metric(m)
		if payload.Valid && payload.String != "" && payload.String != "null" {
			if err := json.Unmarshal([]byte(payload.String), &a.Payload); err != nil {
				return nil, fmt.Errorf("decoding alert payload: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }

func scanReadings(rows *sql.Rows) ([]types.Reading, error) {
	var out []types.Reading
	for rows.Next() {
		var (
			r    types.Reading
			unix int64
			m    string
		)
		if err := rows.Scan(&unix, &r.StationID, &m, &r.Value); err != nil {
			return nil, err
		}
		r.Timestamp = time.Unix(unix, 0).UTC()
		r.Metric = types.Metric(m)
		out = append(out, r)
	}
	return out, rows.Err()
}
