package model

import (
	"math"
	"math/rand"
)

// IsolationForest is an ensemble of randomized binary partition trees.
// Points that isolate in few splits score close to 1; deep points score
// near 0. Deterministic for a given seed and training set.
type IsolationForest struct {
	numTrees   int
	sampleSize int
	seed       int64

	trees []*isoNode
	norm  float64 // c(sampleSize), expected path length of an unsuccessful BST search
}

var _ Model = (*IsolationForest)(nil)

type isoNode struct {
	left, right *isoNode
	splitDim    int
	splitVal    float64
	size        int
}

// NewIsolationForest returns an untrained forest. Fit must run before the
// forest can score.
func NewIsolationForest(numTrees, sampleSize int, seed int64) *IsolationForest {
	return &IsolationForest{
		numTrees:   numTrees,
		sampleSize: sampleSize,
		seed:       seed,
	}
}

// Fit trains numTrees trees, each on a random subsample of at most
// sampleSize vectors. Refitting replaces the previous ensemble.
func (f *IsolationForest) Fit(samples [][]float64) {
	sampleSize := f.sampleSize
	if sampleSize > len(samples) {
		sampleSize = len(samples)
	}
	if sampleSize < 2 {
		return
	}
	rng := rand.New(rand.NewSource(f.seed))
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))

	trees := make([]*isoNode, 0, f.numTrees)
	for t := 0; t < f.numTrees; t++ {
		idx := rng.Perm(len(samples))[:sampleSize]
		sub := make([][]float64, sampleSize)
		for i, j := range idx {
			sub[i] = samples[j]
		}
		trees = append(trees, buildTree(sub, 0, maxDepth, rng))
	}
	f.trees = trees
	f.norm = avgPathLength(sampleSize)
}

// Score returns the anomaly score of v in roughly [0, 1]; higher means
// more easily isolated. An unfitted forest scores everything 0.
func (f *IsolationForest) Score(v []float64) float64 {
	if len(f.trees) == 0 {
		return 0
	}
	var sum float64
	for _, t := range f.trees {
		sum += pathLength(t, v, 0)
	}
	mean := sum / float64(len(f.trees))
	return math.Pow(2, -mean/f.norm)
}

func buildTree(samples [][]float64, depth, maxDepth int, rng *rand.Rand) *isoNode {
	n := len(samples)
	if n <= 1 || depth >= maxDepth {
		return &isoNode{size: n}
	}

	dims := len(samples[0])
	// Pick a dimension with spread; give up after a few tries if the
	// subsample has collapsed to a point.
	var dim int
	var lo, hi float64
	found := false
	for attempt := 0; attempt < dims; attempt++ {
		dim = rng.Intn(dims)
		lo, hi = samples[0][dim], samples[0][dim]
		for _, s := range samples[1:] {
			if s[dim] < lo {
				lo = s[dim]
			}
			if s[dim] > hi {
				hi = s[dim]
			}
		}
		if hi > lo {
			found = true
			break
		}
	}
	if !found {
		return &isoNode{size: n}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, s := range samples {
		if s[dim] < split {
			left = append(left, s)
		} else {
			right = append(right, s)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isoNode{size: n}
	}
	return &isoNode{
		splitDim: dim,
		splitVal: split,
		left:     buildTree(left, depth+1, maxDepth, rng),
		right:    buildTree(right, depth+1, maxDepth, rng),
	}
}

func pathLength(node *isoNode, v []float64, depth int) float64 {
	if node.left == nil {
		// External node holding size points: credit the expected depth of
		// the subtree that was not built.
		return float64(depth) + avgPathLength(node.size)
	}
	if v[node.splitDim] < node.splitVal {
		return pathLength(node.left, v, depth+1)
	}
	return pathLength(node.right, v, depth+1)
}

const eulerGamma = 0.5772156649

// avgPathLength is c(n): the average path length of an unsuccessful
// search in a binary search tree over n points.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + eulerGamma
	return 2*h - 2*float64(n-1)/float64(n)
}
