// Package model manages the per-metric outlier models and their cold-start
// fallback. Scoring always reads an immutable snapshot; training publishes
// new snapshots atomically so a retrain never blocks a tick.
package model

import (
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"

	"github.com/weatherguard/weatherguard/internal/log"
	"github.com/weatherguard/weatherguard/internal/types"
)

// Method names recorded in score rows.
const (
	MethodFallback = "z_robust"
	MethodForest   = "isolation_forest"
)

// Model is the scoring capability the Pool trains and snapshots. Any
// implementation can back a metric; the Pool never depends on a concrete
// model type. Score must be safe for concurrent use after Fit returns.
type Model interface {
	Fit(samples [][]float64)
	Score(v []float64) float64
}

// Config holds the model lifecycle settings.
type Config struct {
	// Type selects which Model implementation the factory builds.
	Type         string
	MinSamples   int
	RetrainEvery int
	Trees        int
	SampleSize   int
	BufferSize   int
	Seed         int64
}

// Pool owns one model lifecycle per metric: a bounded training buffer, a
// retrain cadence, and an atomically swapped scoring snapshot.
type Pool struct {
	cfg    Config
	method string
	states map[types.Metric]*metricState
	ticks  atomic.Int64
}

type metricState struct {
	mu       sync.Mutex
	buffer   [][]float64 // ring, capped at cfg.BufferSize
	next     int
	observed int // lifetime count, not capped

	snapshot atomic.Pointer[Model]
}

// NewPool builds the per-metric lifecycle for the configured model type.
// An unknown type is an error here rather than a silent fallback forever.
func NewPool(cfg Config) (*Pool, error) {
	p := &Pool{cfg: cfg, states: make(map[types.Metric]*metricState)}
	for _, m := range types.AllMetrics() {
		p.states[m] = &metricState{}
	}

	switch cfg.Type {
	case MethodForest, "":
		p.method = MethodForest
	default:
		return nil, fmt.Errorf("unknown model type %q", cfg.Type)
	}
	return p, nil
}

// newModel builds an untrained model for the metric, seeded so the models
// differ across metrics but stay reproducible.
func (p *Pool) newModel(metric types.Metric) Model {
	switch p.method {
	case MethodForest:
		return NewIsolationForest(p.cfg.Trees, p.cfg.SampleSize, metricSeed(p.cfg.Seed, metric))
	}
	return nil
}

// Observe appends a training vector for the metric.
func (p *Pool) Observe(metric types.Metric, v []float64) {
	st, ok := p.states[metric]
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.buffer) < p.cfg.BufferSize {
		st.buffer = append(st.buffer, v)
	} else {
		st.buffer[st.next] = v
		st.next = (st.next + 1) % p.cfg.BufferSize
	}
	st.observed++
}

// Score scores the record with the metric's trained snapshot when one
// exists, or the robust-z fallback before enough samples have been seen.
// The returned method names which path produced the score.
func (p *Pool) Score(metric types.Metric, rec types.FeatureRecord) (float64, string) {
	st, ok := p.states[metric]
	if ok {
		if m := st.snapshot.Load(); m != nil {
			return (*m).Score(rec.Vector()), p.method
		}
	}
	return math.Tanh(rec.ZEff() / 3), MethodFallback
}

// Trained reports whether the metric currently scores with a model
// snapshot rather than the fallback.
func (p *Pool) Trained(metric types.Metric) bool {
	st, ok := p.states[metric]
	return ok && st.snapshot.Load() != nil
}

// SampleCount returns the lifetime number of observed vectors for the
// metric.
func (p *Pool) SampleCount(metric types.Metric) int {
	st, ok := p.states[metric]
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.observed
}

// TickDone advances the retrain cadence. Every RetrainEvery ticks it
// retrains each metric that has collected at least MinSamples vectors and
// publishes the new snapshots. Returns the metrics retrained.
func (p *Pool) TickDone() []types.Metric {
	n := p.ticks.Add(1)
	if p.cfg.RetrainEvery <= 0 || n%int64(p.cfg.RetrainEvery) != 0 {
		return nil
	}

	var retrained []types.Metric
	for _, metric := range types.AllMetrics() {
		st := p.states[metric]

		st.mu.Lock()
		if st.observed < p.cfg.MinSamples || len(st.buffer) < 2 {
			st.mu.Unlock()
			continue
		}
		samples := make([][]float64, len(st.buffer))
		copy(samples, st.buffer)
		st.mu.Unlock()

		m := p.newModel(metric)
		if m == nil {
			continue
		}
		m.Fit(samples)
		st.snapshot.Store(&m)
		retrained = append(retrained, metric)
		log.Debugf("retrained %s model on %d samples", metric, len(samples))
	}
	return retrained
}

// metricSeed derives a stable per-metric seed so the forests differ across
// metrics but stay reproducible for a given base seed.
func metricSeed(base int64, metric types.Metric) int64 {
	h := fnv.New64a()
	h.Write([]byte(metric))
	return base ^ int64(h.Sum64())
}
