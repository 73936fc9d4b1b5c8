// Package memory implements storage.Store entirely in memory. It backs the
// replay tool and the test suite; nothing survives process exit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/weatherguard/weatherguard/internal/storage"
	"github.com/weatherguard/weatherguard/internal/types"
)

// Store is an in-memory storage.Store.
type Store struct {
	mu sync.RWMutex

	stations map[string]types.Station
	// readings per (stationID, metric), kept sorted by timestamp.
	readings map[readingKey][]types.Reading
	scores   []types.Score
	scoreSet map[string]struct{}
	alerts   []types.Alert
	nextID   int64
}

type readingKey struct {
	stationID string
	metric    types.Metric
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		stations: make(map[string]types.Station),
		readings: make(map[readingKey][]types.Reading),
		scoreSet: make(map[string]struct{}),
		nextID:   1,
	}
}

func (s *Store) GetStation(_ context.Context, stationID string) (types.Station, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stations[stationID]
	if !ok {
		return types.Station{}, storage.ErrNotFound
	}
	return st, nil
}

func (s *Store) ListStations(_ context.Context) ([]types.Station, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Station, 0, len(s.stations))
	for _, st := range s.stations {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StationID < out[j].StationID })
	return out, nil
}

func (s *Store) UpsertStations(_ context.Context, stations []types.Station) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range stations {
		s.stations[st.StationID] = st
	}
	return nil
}

func (s *Store) GetReadings(_ context.Context, stationID string, metric types.Metric, since, until time.Time) ([]types.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Reading
	for _, r := range s.readings[readingKey{stationID, metric}] {
		if !r.Timestamp.Before(since) && r.Timestamp.Before(until) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) GetReadingsAt(_ context.Context, metric types.Metric, ts time.Time, tolerance time.Duration) ([]storage.StationReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.StationReading
	for key, rs := range s.readings {
		if key.metric != metric {
			continue
		}
		st, ok := s.stations[key.stationID]
		if !ok {
			continue
		}
		// Newest reading within the tolerance wins.
		var best *types.Reading
		for i := range rs {
			r := rs[i]
			d := ts.Sub(r.Timestamp)
			if d < 0 {
				d = -d
			}
			if d <= tolerance && (best == nil || r.Timestamp.After(best.Timestamp)) {
				best = &rs[i]
			}
		}
		if best != nil {
			out = append(out, storage.StationReading{Station: st, Reading: *best})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Station.StationID < out[j].Station.StationID
	})
	return out, nil
}

func (s *Store) LatestReadings(_ context.Context, metric types.Metric, since time.Time) ([]types.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Reading
	for key, rs := range s.readings {
		if key.metric != metric || len(rs) == 0 {
			continue
		}
		newest := rs[len(rs)-1]
		if !newest.Timestamp.Before(since) {
			out = append(out, newest)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StationID < out[j].StationID })
	return out, nil
}

func (s *Store) WriteReadings(_ context.Context, readings []types.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range readings {
		key := readingKey{r.StationID, r.Metric}
		rs := s.readings[key]
		// Replace on duplicate primary key, otherwise insert sorted.
		idx := sort.Search(len(rs), func(i int) bool { return !rs[i].Timestamp.Before(r.Timestamp) })
		if idx < len(rs) && rs[idx].Timestamp.Equal(r.Timestamp) {
			rs[idx] = r
		} else {
			rs = append(rs, types.Reading{})
			copy(rs[idx+1:], rs[idx:])
			rs[idx] = r
		}
		s.readings[key] = rs
	}
	return nil
}

func (s *Store) WriteScore(_ context.Context, score types.Score) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := score.Key()
	if _, dup := s.scoreSet[key]; dup {
		return nil
	}
	s.scoreSet[key] = struct{}{}
	s.scores = append(s.scores, score)
	return nil
}

func (s *Store) LatestScores(_ context.Context, metric types.Metric, limit int) ([]types.Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Score
	for i := len(s.scores) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if metric == "" || s.scores[i].Metric == metric {
			out = append(out, s.scores[i])
		}
	}
	return out, nil
}

func (s *Store) WriteAlert(_ context.Context, alert types.Alert) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert.ID = s.nextID
	s.nextID++
	s.alerts = append(s.alerts, alert)
	return alert.ID, nil
}

func (s *Store) LatestAlerts(_ context.Context, metric types.Metric, since time.Time, limit int) ([]types.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Alert
	for i := len(s.alerts) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		a := s.alerts[i]
		if metric != "" && a.Metric != metric {
			continue
		}
		if a.Timestamp.Before(since) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Scores returns a copy of every stored score, for tests and replay output.
func (s *Store) Scores() []types.Score {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Score, len(s.scores))
	copy(out, s.scores)
	return out
}

// Alerts returns a copy of every stored alert, for tests and replay output.
func (s *Store) Alerts() []types.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

func (s *Store) Close() error { return nil }
