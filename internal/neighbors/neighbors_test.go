package neighbors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weatherguard/weatherguard/internal/stations"
	"github.com/weatherguard/weatherguard/internal/storage/memory"
	"github.com/weatherguard/weatherguard/internal/types"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		K:              4,
		MinCount:       2,
		Tolerance:      5 * time.Minute,
		WeightExponent: 1,
		MinDistanceKM:  0.1,
	}
}

func seed(t *testing.T, metric types.Metric, values map[string]float64) (*Comparer, *memory.Store) {
	t.Helper()
	store := memory.New()
	sts := []types.Station{
		{StationID: "S1", Latitude: 1.30, Longitude: 103.80},
		{StationID: "S2", Latitude: 1.30, Longitude: 103.85},
		{StationID: "S3", Latitude: 1.35, Longitude: 103.80},
		{StationID: "S4", Latitude: 1.35, Longitude: 103.85},
	}
	require.NoError(t, store.UpsertStations(context.Background(), sts))

	var readings []types.Reading
	for sid, v := range values {
		readings = append(readings, types.Reading{
			Timestamp: testTime,
			StationID: sid,
			Metric:    metric,
			Value:     v,
		})
	}
	require.NoError(t, store.WriteReadings(context.Background(), readings))

	ix := stations.NewIndex()
	ix.Rebuild(sts)
	return NewComparer(ix, store, testConfig()), store
}

func TestCompareAgreeingNeighbors(t *testing.T) {
	cmp, _ := seed(t, types.MetricTemperature, map[string]float64{
		"S1": 29.0, "S2": 28.5, "S3": 29.5, "S4": 29.0,
	})

	gap, err := cmp.Compare(context.Background(), "S1", types.MetricTemperature, testTime, 29.0)
	require.NoError(t, err)
	assert.Equal(t, 3, gap.Count)
	require.NotNil(t, gap.Value)
	assert.Less(t, *gap.Value, 0.6)
}

func TestCompareDivergentReading(t *testing.T) {
	cmp, _ := seed(t, types.MetricTemperature, map[string]float64{
		"S1": 95.0, "S2": 28.5, "S3": 29.5, "S4": 29.0,
	})

	gap, err := cmp.Compare(context.Background(), "S1", types.MetricTemperature, testTime, 95.0)
	require.NoError(t, err)
	require.NotNil(t, gap.Value)
	assert.Greater(t, *gap.Value, 60.0)
}

func TestCompareBelowMinCount(t *testing.T) {
	// Only one neighbor reported; gap must be nil but the count honest.
	cmp, _ := seed(t, types.MetricTemperature, map[string]float64{
		"S1": 29.0, "S2": 28.5,
	})

	gap, err := cmp.Compare(context.Background(), "S1", types.MetricTemperature, testTime, 29.0)
	require.NoError(t, err)
	assert.Nil(t, gap.Value)
	assert.Equal(t, 1, gap.Count)
}

func TestCompareIgnoresStaleReadings(t *testing.T) {
	cmp, store := seed(t, types.MetricTemperature, map[string]float64{
		"S1": 29.0, "S2": 28.5,
	})
	// A reading outside tolerance must not count.
	require.NoError(t, store.WriteReadings(context.Background(), []types.Reading{{
		Timestamp: testTime.Add(-30 * time.Minute),
		StationID: "S3",
		Metric:    types.MetricTemperature,
		Value:     29.5,
	}}))

	gap, err := cmp.Compare(context.Background(), "S1", types.MetricTemperature, testTime, 29.0)
	require.NoError(t, err)
	assert.Equal(t, 1, gap.Count)
	assert.Nil(t, gap.Value)
}

func TestCompareCircularMetric(t *testing.T) {
	// Neighbors around north; a reading of 90 should gap ~90 degrees, not
	// the linear difference against a meaningless arithmetic mean.
	cmp, _ := seed(t, types.MetricWindDirection, map[string]float64{
		"S1": 90.0, "S2": 350.0, "S3": 10.0, "S4": 0.0,
	})

	gap, err := cmp.Compare(context.Background(), "S1", types.MetricWindDirection, testTime, 90.0)
	require.NoError(t, err)
	require.NotNil(t, gap.Value)
	assert.InDelta(t, 90.0, *gap.Value, 15.0)
}

func TestCompareIndexNotReady(t *testing.T) {
	store := memory.New()
	ix := stations.NewIndex()
	cmp := NewComparer(ix, store, testConfig())

	gap, err := cmp.Compare(context.Background(), "S1", types.MetricTemperature, testTime, 29.0)
	require.NoError(t, err)
	assert.Nil(t, gap.Value)
	assert.Zero(t, gap.Count)
}
