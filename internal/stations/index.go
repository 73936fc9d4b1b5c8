// Package stations maintains the spatial index used for neighbor lookups.
//
// Station coordinates are projected onto a local tangent plane before
// indexing. At the scale of a regional sensor network the planar
// approximation is well within the error of the sensors themselves.
package stations

import (
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/weatherguard/weatherguard/internal/types"
)

const kmPerDegree = 111.32

// Neighbor is a station paired with its distance from the query station.
type Neighbor struct {
	Station    types.Station
	DistanceKM float64
}

// stationPoint is a station projected to planar km coordinates.
type stationPoint struct {
	x, y    float64
	station types.Station
}

func (p stationPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(stationPoint)
	switch d {
	case 0:
		return p.x - q.x
	default:
		return p.y - q.y
	}
}

func (p stationPoint) Dims() int { return 2 }

// Distance returns the squared planar distance, matching the metric the
// tree uses internally.
func (p stationPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(stationPoint)
	dx := p.x - q.x
	dy := p.y - q.y
	return dx*dx + dy*dy
}

type stationPoints []stationPoint

func (p stationPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p stationPoints) Len() int                              { return len(p) }
func (p stationPoints) Pivot(d kdtree.Dim) int                { return plane{Dim: d, stationPoints: p}.Pivot() }
func (p stationPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

type plane struct {
	kdtree.Dim
	stationPoints
}

func (p plane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.stationPoints[i].x < p.stationPoints[j].x
	default:
		return p.stationPoints[i].y < p.stationPoints[j].y
	}
}

func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }

func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.stationPoints = p.stationPoints[start:end]
	return p
}

func (p plane) Swap(i, j int) {
	p.stationPoints[i], p.stationPoints[j] = p.stationPoints[j], p.stationPoints[i]
}

// Index answers k nearest neighbor queries over the known stations.
// Rebuild replaces the whole tree; lookups between rebuilds are
// read-only and safe for concurrent use.
type Index struct {
	mu     sync.RWMutex
	tree   *kdtree.Tree
	points map[string]stationPoint
}

func NewIndex() *Index {
	return &Index{points: make(map[string]stationPoint)}
}

// Rebuild replaces the index contents with the given stations. The
// projection origin is recomputed from the station centroid each time so
// a network that drifts geographically stays well conditioned.
func (ix *Index) Rebuild(stations []types.Station) {
	points := make(stationPoints, 0, len(stations))
	byID := make(map[string]stationPoint, len(stations))

	var lat0, lon0 float64
	if len(stations) > 0 {
		for _, st := range stations {
			lat0 += st.Latitude
			lon0 += st.Longitude
		}
		lat0 /= float64(len(stations))
		lon0 /= float64(len(stations))
	}
	cosLat := math.Cos(lat0 * math.Pi / 180)

	for _, st := range stations {
		p := stationPoint{
			x:       (st.Longitude - lon0) * cosLat * kmPerDegree,
			y:       (st.Latitude - lat0) * kmPerDegree,
			station: st,
		}
		points = append(points, p)
		byID[st.StationID] = p
	}

	var tree *kdtree.Tree
	if len(points) > 0 {
		tree = kdtree.New(points, true)
	}

	ix.mu.Lock()
	ix.tree = tree
	ix.points = byID
	ix.mu.Unlock()
}

// Ready reports whether the index holds enough stations to answer
// neighbor queries.
func (ix *Index) Ready() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.points) >= 2
}

// Len returns the number of indexed stations.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.points)
}

// Neighbors returns up to k stations nearest to stationID, sorted by
// ascending distance. The queried station itself is excluded. An
// unknown stationID returns nil.
func (ix *Index) Neighbors(stationID string, k int) []Neighbor {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if k <= 0 || ix.tree == nil {
		return nil
	}
	origin, ok := ix.points[stationID]
	if !ok {
		return nil
	}

	// Ask for one extra because the query station is in the tree.
	keeper := kdtree.NewNKeeper(k + 1)
	ix.tree.NearestSet(keeper, origin)

	out := make([]Neighbor, 0, k)
	for _, cd := range keeper.Heap {
		if cd.Comparable == nil {
			continue
		}
		p := cd.Comparable.(stationPoint)
		if p.station.StationID == stationID {
			continue
		}
		out = append(out, Neighbor{
			Station:    p.station,
			DistanceKM: math.Sqrt(cd.Dist),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKM < out[j].DistanceKM })
	if len(out) > k {
		out = out[:k]
	}
	return out
}
