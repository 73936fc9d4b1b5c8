package features

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weatherguard/weatherguard/internal/types"
)

func window(metric types.Metric, values ...float64) []types.Reading {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := make([]types.Reading, len(values))
	for i, v := range values {
		out[i] = types.Reading{
			Timestamp: base.Add(time.Duration(i) * 5 * time.Minute),
			StationID: "S1",
			Metric:    metric,
			Value:     v,
		}
	}
	return out
}

func TestExtractColdStart(t *testing.T) {
	for _, w := range [][]types.Reading{nil, window(types.MetricTemperature, 24.0)} {
		rec := Extract(types.MetricTemperature, 25.0, w)
		assert.Equal(t, len(w), rec.WindowSize)
		assert.Zero(t, rec.ZRobust)
		assert.Nil(t, rec.Delta)
		assert.Nil(t, rec.RollingVol)
	}
}

func TestExtractConstantWindow(t *testing.T) {
	// Identical history: MAD degenerates, the sigma floor keeps z finite,
	// and a reading equal to the window scores zero deviation.
	rec := Extract(types.MetricTemperature, 25.0, window(types.MetricTemperature, 25, 25, 25, 25, 25))
	assert.Equal(t, 5, rec.WindowSize)
	assert.InDelta(t, 25.0, rec.Mean, 1e-9)
	assert.InDelta(t, 25.0, rec.Median, 1e-9)
	assert.Zero(t, rec.ZRobust)
	require.NotNil(t, rec.Delta)
	assert.Zero(t, *rec.Delta)
	require.NotNil(t, rec.RollingVol)
	assert.Zero(t, *rec.RollingVol)
}

func TestExtractRobustZSpike(t *testing.T) {
	// Historical mean ~29, tight spread; a 95 degree reading must produce
	// an enormous robust z.
	w := window(types.MetricTemperature, 28.5, 29.0, 29.2, 28.8, 29.1, 29.0, 28.9, 29.3)
	rec := Extract(types.MetricTemperature, 95.0, w)
	assert.Greater(t, rec.ZRobust, 20.0)
	require.NotNil(t, rec.Delta)
	assert.InDelta(t, 95.0-29.3, *rec.Delta, 1e-9)
}

func TestExtractOutlierInWindowResistant(t *testing.T) {
	// A single wild value inside the window should barely move the robust
	// estimate, unlike the classical one.
	clean := Extract(types.MetricTemperature, 30.0, window(types.MetricTemperature, 29, 29.2, 28.8, 29.1, 28.9))
	dirty := Extract(types.MetricTemperature, 30.0, window(types.MetricTemperature, 29, 29.2, 80.0, 29.1, 28.9))
	assert.InDelta(t, clean.Median, dirty.Median, 0.3)
}

func TestExtractSigmaFloors(t *testing.T) {
	// Near-constant humidity: raw MAD sigma would be tiny, the floor caps
	// the z score.
	w := window(types.MetricHumidity, 70.0, 70.01, 70.0, 69.99, 70.0, 70.01)
	rec := Extract(types.MetricHumidity, 71.0, w)
	assert.GreaterOrEqual(t, rec.RobustSigma, SigmaFloor(types.MetricHumidity))
	assert.LessOrEqual(t, math.Abs(rec.ZRobust), 1.0/SigmaFloor(types.MetricHumidity)+1)
}

func TestExtractWindWraparoundInvariance(t *testing.T) {
	w1 := window(types.MetricWindDirection, 350, 355, 5, 10, 358)
	rec1 := Extract(types.MetricWindDirection, 15, w1)

	// Same angles shifted by +360 must give identical outputs.
	w2 := window(types.MetricWindDirection, 350+360, 355+360, 5+360, 10+360, 358+360)
	rec2 := Extract(types.MetricWindDirection, 15+360, w2)

	assert.InDelta(t, rec1.ZRobust, rec2.ZRobust, 1e-9)
	require.NotNil(t, rec1.Delta)
	require.NotNil(t, rec2.Delta)
	assert.InDelta(t, *rec1.Delta, *rec2.Delta, 1e-9)
	require.NotNil(t, rec1.CircularMean)
	require.NotNil(t, rec2.CircularMean)
	assert.InDelta(t, *rec1.CircularMean, *rec2.CircularMean, 1e-9)
}

func TestExtractWindCrossesNorth(t *testing.T) {
	// Directions clustered around north: circular mean must sit near 0/360,
	// not near 180 as a linear mean would.
	w := window(types.MetricWindDirection, 350, 355, 358, 2, 5, 8)
	rec := Extract(types.MetricWindDirection, 3, w)
	require.NotNil(t, rec.CircularMean)
	mu := *rec.CircularMean
	nearNorth := mu < 20 || mu > 340
	assert.True(t, nearNorth, "circular mean %v should be near north", mu)
	// Reading close to the mean: small deviation.
	assert.Less(t, math.Abs(rec.ZRobust), 3.0)
}

func TestAngularDiff(t *testing.T) {
	tests := []struct {
		a, b, want float64
	}{
		{10, 350, 20},
		{350, 10, -20},
		{180, 0, -180},
		{0, 180, -180},
		{90, 90, 0},
		{370, 10, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, AngularDiff(tt.a, tt.b), 1e-9, "AngularDiff(%v, %v)", tt.a, tt.b)
	}
}

func TestCircularMeanWeighted(t *testing.T) {
	// All weight on the second angle.
	mu := CircularMean([]float64{90, 180}, []float64{0, 1})
	assert.InDelta(t, 180, mu, 1e-6)

	// Symmetric around north.
	mu = CircularMean([]float64{350, 10}, nil)
	nearNorth := mu < 1e-6 || mu > 360-1e-6
	assert.True(t, nearNorth, "mean %v should be 0", mu)
}

func TestExtractRollingVol(t *testing.T) {
	// Steps of exactly 1.0 between each pair, including current reading.
	w := window(types.MetricTemperature, 20, 21, 22, 23)
	rec := Extract(types.MetricTemperature, 24, w)
	require.NotNil(t, rec.RollingVol)
	assert.InDelta(t, 1.0, *rec.RollingVol, 1e-9)
}

func TestVectorSubstitutesMissing(t *testing.T) {
	rec := types.FeatureRecord{ZRobust: -2.5}
	v := rec.Vector()
	require.Len(t, v, types.FeatureDim)
	assert.Equal(t, 2.5, v[0])
	assert.Zero(t, v[1])
	assert.Zero(t, v[2])
	assert.Zero(t, v[3])
}
