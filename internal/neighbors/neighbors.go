// Package neighbors computes the cross-station consistency signal: how far
// a reading sits from the inverse-distance weighted expectation of its
// nearest stations.
package neighbors

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/weatherguard/weatherguard/internal/features"
	"github.com/weatherguard/weatherguard/internal/stations"
	"github.com/weatherguard/weatherguard/internal/storage"
	"github.com/weatherguard/weatherguard/internal/types"
)

// Gap is the result of a neighbor comparison. Value is nil when fewer than
// the configured minimum of neighbors reported in tolerance; Count is the
// number that did.
type Gap struct {
	Value    *float64
	Expected *float64
	Count    int
}

// Config mirrors the neighbor section of the runtime configuration.
type Config struct {
	K              int
	MinCount       int
	Tolerance      time.Duration
	WeightExponent int
	MinDistanceKM  float64
}

// Comparer resolves neighbor gaps against a station index and a store.
type Comparer struct {
	index *stations.Index
	store storage.Store
	cfg   Config
}

func NewComparer(index *stations.Index, store storage.Store, cfg Config) *Comparer {
	return &Comparer{index: index, store: store, cfg: cfg}
}

// Compare computes the gap between value and the weighted neighbor
// expectation at ts. A station with no resolvable neighbors gets a nil
// gap, never a fabricated zero.
func (c *Comparer) Compare(ctx context.Context, stationID string, metric types.Metric, ts time.Time, value float64) (Gap, error) {
	if !c.index.Ready() {
		return Gap{}, nil
	}

	nearest := c.index.Neighbors(stationID, c.cfg.K)
	if len(nearest) == 0 {
		return Gap{}, nil
	}

	inTol, err := c.store.GetReadingsAt(ctx, metric, ts, c.cfg.Tolerance)
	if err != nil {
		return Gap{}, fmt.Errorf("fetching neighbor readings: %w", err)
	}
	byStation := make(map[string]float64, len(inTol))
	for _, sr := range inTol {
		if sr.Reading.StationID == stationID {
			continue
		}
		byStation[sr.Reading.StationID] = sr.Reading.Value
	}

	var (
		vals    []float64
		weights []float64
	)
	for _, nb := range nearest {
		v, ok := byStation[nb.Station.StationID]
		if !ok {
			continue
		}
		d := math.Max(nb.DistanceKM, c.cfg.MinDistanceKM)
		w := 1 / d
		if c.cfg.WeightExponent == 2 {
			w = 1 / (d * d)
		}
		vals = append(vals, v)
		weights = append(weights, w)
	}

	gap := Gap{Count: len(vals)}
	if len(vals) < c.cfg.MinCount {
		return gap, nil
	}

	var expected float64
	if metric.Circular() {
		expected = features.CircularMean(vals, weights)
	} else {
		var num, den float64
		for i, v := range vals {
			num += weights[i] * v
			den += weights[i]
		}
		expected = num / den
	}

	var diff float64
	if metric.Circular() {
		diff = math.Abs(features.AngularDiff(value, expected))
	} else {
		diff = math.Abs(value - expected)
	}
	gap.Expected = types.Float64Ptr(expected)
	gap.Value = types.Float64Ptr(diff)
	return gap, nil
}
