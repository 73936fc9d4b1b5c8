// Package features computes per-reading statistical features against a
// station's recent history. Extraction is a pure function so the same
// window always yields the same record regardless of tick scheduling.
package features

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/weatherguard/weatherguard/internal/types"
)

// madScale converts a median absolute deviation into a consistent
// estimator of the standard deviation for normal data.
const madScale = 1.4826

// sigmaFloors keep z scores finite when a window has near-zero variance,
// which is routine for rainfall and common for calm-weather wind.
var sigmaFloors = map[types.Metric]float64{
	types.MetricTemperature:   0.15,
	types.MetricHumidity:      0.5,
	types.MetricWindSpeed:     0.3,
	types.MetricRainfall:      0.01,
	types.MetricWindDirection: 5.0, // degrees
}

// SigmaFloor returns the minimum sigma used for the metric's z scores.
func SigmaFloor(m types.Metric) float64 {
	if f, ok := sigmaFloors[m]; ok {
		return f
	}
	return 1e-6
}

// Extract computes the feature record for value against window, the
// station's chronological prior readings for the same metric. The current
// reading must not be part of window. A window of fewer than two readings
// yields a neutral record, never an error.
func Extract(metric types.Metric, value float64, window []types.Reading) types.FeatureRecord {
	rec := types.FeatureRecord{WindowSize: len(window)}
	if len(window) < 2 {
		return rec
	}

	vals := make([]float64, len(window))
	for i, r := range window {
		vals[i] = r.Value
	}

	if metric.Circular() {
		extractCircular(&rec, value, vals)
	} else {
		extractLinear(&rec, metric, value, vals)
	}

	// Delta against the previous chronological value, shortest-path for
	// angular metrics.
	prev := vals[len(vals)-1]
	var delta float64
	if metric.Circular() {
		delta = angularDiff(value, prev)
	} else {
		delta = value - prev
	}
	rec.Delta = types.Float64Ptr(delta)

	// Mean absolute step across the window plus the current reading.
	var volSum float64
	n := 0
	for i := 1; i < len(vals); i++ {
		if metric.Circular() {
			volSum += math.Abs(angularDiff(vals[i], vals[i-1]))
		} else {
			volSum += math.Abs(vals[i] - vals[i-1])
		}
		n++
	}
	volSum += math.Abs(delta)
	n++
	rec.RollingVol = types.Float64Ptr(volSum / float64(n))

	return rec
}

func extractLinear(rec *types.FeatureRecord, metric types.Metric, value float64, vals []float64) {
	floor := SigmaFloor(metric)

	rec.Mean = stat.Mean(vals, nil)
	rec.Std = math.Max(stat.PopStdDev(vals, nil), floor)

	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	rec.Median = median(sorted)

	devs := make([]float64, len(vals))
	for i, v := range vals {
		devs[i] = math.Abs(v - rec.Median)
	}
	sort.Float64s(devs)
	mad := median(devs)

	if mad == 0 {
		// Degenerate MAD: fall back to the classical estimate.
		rec.RobustSigma = rec.Std
		rec.ZRobust = (value - rec.Mean) / rec.Std
		return
	}
	rec.RobustSigma = math.Max(madScale*mad, floor)
	rec.ZRobust = (value - rec.Median) / rec.RobustSigma
}

func extractCircular(rec *types.FeatureRecord, value float64, vals []float64) {
	var sinSum, cosSum float64
	for _, v := range vals {
		rad := v * math.Pi / 180
		sinSum += math.Sin(rad)
		cosSum += math.Cos(rad)
	}
	n := float64(len(vals))
	meanSin := sinSum / n
	meanCos := cosSum / n

	mu := math.Atan2(meanSin, meanCos) * 180 / math.Pi
	mu = math.Mod(mu+360, 360)

	// Resultant length near 1 means tightly clustered directions.
	r := math.Hypot(meanSin, meanCos)
	r = math.Min(math.Max(r, 1e-9), 1)
	circStd := math.Sqrt(-2*math.Log(r)) * 180 / math.Pi

	floor := SigmaFloor(types.MetricWindDirection)
	sigma := math.Max(circStd, floor)

	diff := angularDiff(value, mu)

	rec.Mean = mu
	rec.Median = mu
	rec.Std = sigma
	rec.RobustSigma = sigma
	rec.ZRobust = diff / sigma
	rec.CircularMean = types.Float64Ptr(mu)
	rec.CircularStd = types.Float64Ptr(circStd)
}

// angularDiff returns the shortest signed angular difference a-b in
// degrees, in [-180, 180).
func angularDiff(a, b float64) float64 {
	d := math.Mod(a-b+180, 360)
	if d < 0 {
		d += 360
	}
	return d - 180
}

// AngularDiff is the exported form used by the neighbor and rule layers.
func AngularDiff(a, b float64) float64 { return angularDiff(a, b) }

// CircularMean returns the circular mean of angles in degrees [0, 360).
// Weights may be nil for an unweighted mean.
func CircularMean(angles, weights []float64) float64 {
	var sinSum, cosSum float64
	for i, a := range angles {
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		rad := a * math.Pi / 180
		sinSum += w * math.Sin(rad)
		cosSum += w * math.Cos(rad)
	}
	mu := math.Atan2(sinSum, cosSum) * 180 / math.Pi
	return math.Mod(mu+360, 360)
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
