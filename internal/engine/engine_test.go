package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weatherguard/weatherguard/internal/model"
	"github.com/weatherguard/weatherguard/internal/neighbors"
	"github.com/weatherguard/weatherguard/internal/observability"
	"github.com/weatherguard/weatherguard/internal/rules"
	"github.com/weatherguard/weatherguard/internal/stations"
	"github.com/weatherguard/weatherguard/internal/storage/memory"
	"github.com/weatherguard/weatherguard/internal/types"
	"github.com/weatherguard/weatherguard/pkg/config"
)

var tickTime = time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

func testStations() []types.Station {
	return []types.Station{
		{StationID: "S1", Name: "Central", Latitude: 1.30, Longitude: 103.80},
		{StationID: "S2", Name: "East", Latitude: 1.30, Longitude: 103.85},
		{StationID: "S3", Name: "North", Latitude: 1.35, Longitude: 103.80},
		{StationID: "S4", Name: "West", Latitude: 1.35, Longitude: 103.85},
	}
}

func newTestEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	cfg := config.Default()
	store := memory.New()
	require.NoError(t, store.UpsertStations(context.Background(), testStations()))

	index := stations.NewIndex()
	compare := neighbors.NewComparer(index, store, neighbors.Config{
		K:              cfg.Neighbors.K,
		MinCount:       cfg.Neighbors.MinCount,
		Tolerance:      cfg.Neighbors.Tolerance.Std(),
		WeightExponent: cfg.Neighbors.WeightExponent,
		MinDistanceKM:  cfg.Neighbors.MinDistanceKM,
	})
	pool, err := model.NewPool(model.Config{
		Type:         cfg.Model.Type,
		MinSamples:   cfg.Model.MinSamples,
		RetrainEvery: cfg.Model.RetrainEvery,
		Trees:        cfg.Model.Trees,
		SampleSize:   cfg.Model.SampleSize,
		BufferSize:   cfg.Model.BufferSize,
		Seed:         cfg.Model.Seed,
	})
	require.NoError(t, err)
	eng := New(cfg, store, index, compare, pool, rules.NewEngine(cfg.Rules),
		observability.NewMetricsForTesting(), clockwork.NewFakeClockAt(tickTime))
	return eng, store
}

// seedHistory writes a steady temperature series for every station ending
// one tick before tickTime, plus the given current values at tickTime.
func seedHistory(t *testing.T, store *memory.Store, current map[string]float64) {
	t.Helper()
	var readings []types.Reading
	for _, st := range testStations() {
		for i := 18; i >= 1; i-- {
			readings = append(readings, types.Reading{
				Timestamp: tickTime.Add(-time.Duration(i) * 5 * time.Minute),
				StationID: st.StationID,
				Metric:    types.MetricTemperature,
				Value:     29.0 + 0.1*float64(i%3),
			})
		}
	}
	for sid, v := range current {
		readings = append(readings, types.Reading{
			Timestamp: tickTime,
			StationID: sid,
			Metric:    types.MetricTemperature,
			Value:     v,
		})
	}
	require.NoError(t, store.WriteReadings(context.Background(), readings))
}

func TestProcessTickQuietNetwork(t *testing.T) {
	eng, store := newTestEngine(t)
	seedHistory(t, store, map[string]float64{"S1": 29.0, "S2": 29.1, "S3": 28.9, "S4": 29.0})

	require.NoError(t, eng.ProcessTick(context.Background(), tickTime))

	scores := store.Scores()
	assert.Len(t, scores, 4)
	for _, sc := range scores {
		assert.Equal(t, model.MethodFallback, sc.Method)
		assert.Less(t, sc.Score, 0.7)
	}
	assert.Empty(t, store.Alerts())
}

func TestProcessTickRunawaySensor(t *testing.T) {
	eng, store := newTestEngine(t)
	seedHistory(t, store, map[string]float64{"S1": 95.0, "S2": 29.1, "S3": 28.9, "S4": 29.0})

	require.NoError(t, eng.ProcessTick(context.Background(), tickTime))

	var s1 *types.Score
	for _, sc := range store.Scores() {
		if sc.StationID == "S1" {
			s := sc
			s1 = &s
		}
	}
	require.NotNil(t, s1)
	assert.Greater(t, s1.Score, 0.9)
	assert.Greater(t, s1.Extras["neighbor_gap"].(float64), 60.0)
	assert.InDelta(t, 29.0, s1.Extras["neighbor_expected"].(float64), 0.5)

	fired := make(map[string]bool)
	for _, a := range store.Alerts() {
		if a.StationID == "S1" {
			fired[a.Type] = true
		}
	}
	assert.True(t, fired[rules.TypeSuddenDelta], "sudden delta should fire")
	assert.True(t, fired[rules.TypeModelOutlier], "model outlier should fire")
}

func TestProcessTickNegativeRainfall(t *testing.T) {
	eng, store := newTestEngine(t)
	// A single rainfall reading with no history at all.
	require.NoError(t, store.WriteReadings(context.Background(), []types.Reading{{
		Timestamp: tickTime,
		StationID: "S1",
		Metric:    types.MetricRainfall,
		Value:     -5,
	}}))

	require.NoError(t, eng.ProcessTick(context.Background(), tickTime))

	alerts := store.Alerts()
	require.NotEmpty(t, alerts)
	found := false
	for _, a := range alerts {
		if a.Type == rules.TypePhysicalBound && a.Metric == types.MetricRainfall {
			found = true
			assert.Equal(t, 1.0, a.Severity)
		}
	}
	assert.True(t, found, "physical bound must fire with no history")
}

func TestProcessTickIdempotentReplay(t *testing.T) {
	eng, store := newTestEngine(t)
	seedHistory(t, store, map[string]float64{"S1": 29.0, "S2": 29.1, "S3": 28.9, "S4": 29.0})

	require.NoError(t, eng.ProcessTick(context.Background(), tickTime))
	first := len(store.Scores())
	require.NoError(t, eng.ProcessTick(context.Background(), tickTime))

	assert.Equal(t, first, len(store.Scores()), "replaying a tick must not add score rows")
}

func TestProcessTickBrandNewStation(t *testing.T) {
	eng, store := newTestEngine(t)
	// One station, one reading, nothing else: degraded path, not an error.
	require.NoError(t, store.WriteReadings(context.Background(), []types.Reading{{
		Timestamp: tickTime,
		StationID: "S1",
		Metric:    types.MetricTemperature,
		Value:     29.0,
	}}))

	require.NoError(t, eng.ProcessTick(context.Background(), tickTime))

	scores := store.Scores()
	require.Len(t, scores, 1)
	sc := scores[0]
	assert.Equal(t, model.MethodFallback, sc.Method)
	assert.Zero(t, sc.Score)
	assert.Equal(t, "no_history", sc.Extras["degraded"])
	assert.Equal(t, true, sc.Extras["no_neighbor_signal"])
}

func TestProcessTickSkipsStaleStations(t *testing.T) {
	eng, store := newTestEngine(t)
	// S1 reported an hour ago, outside the tick window.
	require.NoError(t, store.WriteReadings(context.Background(), []types.Reading{{
		Timestamp: tickTime.Add(-time.Hour),
		StationID: "S1",
		Metric:    types.MetricTemperature,
		Value:     29.0,
	}}))

	require.NoError(t, eng.ProcessTick(context.Background(), tickTime))
	assert.Empty(t, store.Scores())
}

func TestProcessTickEmptyStore(t *testing.T) {
	eng, store := newTestEngine(t)
	require.NoError(t, eng.ProcessTick(context.Background(), tickTime))
	assert.Empty(t, store.Scores())
	assert.Empty(t, store.Alerts())
}

// discoveryFailingStore refuses active-station discovery while leaving the
// rest of the store working.
type discoveryFailingStore struct {
	*memory.Store
}

func (s *discoveryFailingStore) LatestReadings(ctx context.Context, metric types.Metric, since time.Time) ([]types.Reading, error) {
	return nil, errors.New("backend unavailable")
}

func TestProcessTickSurfacesDiscoveryFailure(t *testing.T) {
	cfg := config.Default()
	mem := memory.New()
	require.NoError(t, mem.UpsertStations(context.Background(), testStations()))
	store := &discoveryFailingStore{Store: mem}

	index := stations.NewIndex()
	compare := neighbors.NewComparer(index, store, neighbors.Config{
		K:              cfg.Neighbors.K,
		MinCount:       cfg.Neighbors.MinCount,
		Tolerance:      cfg.Neighbors.Tolerance.Std(),
		WeightExponent: cfg.Neighbors.WeightExponent,
		MinDistanceKM:  cfg.Neighbors.MinDistanceKM,
	})
	pool, err := model.NewPool(model.Config{
		Type:         cfg.Model.Type,
		MinSamples:   cfg.Model.MinSamples,
		RetrainEvery: cfg.Model.RetrainEvery,
		Trees:        cfg.Model.Trees,
		SampleSize:   cfg.Model.SampleSize,
		BufferSize:   cfg.Model.BufferSize,
		Seed:         cfg.Model.Seed,
	})
	require.NoError(t, err)
	eng := New(cfg, store, index, compare, pool, rules.NewEngine(cfg.Rules),
		observability.NewMetricsForTesting(), clockwork.NewFakeClockAt(tickTime))

	err = eng.ProcessTick(context.Background(), tickTime)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend unavailable")
}
