// Package engine orchestrates the per-tick scoring pipeline: history
// features, neighbor consistency, model scoring, rule evaluation, and
// persistence. One Engine owns the tick loop for the whole station set.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/weatherguard/weatherguard/internal/features"
	"github.com/weatherguard/weatherguard/internal/log"
	"github.com/weatherguard/weatherguard/internal/model"
	"github.com/weatherguard/weatherguard/internal/neighbors"
	"github.com/weatherguard/weatherguard/internal/observability"
	"github.com/weatherguard/weatherguard/internal/rules"
	"github.com/weatherguard/weatherguard/internal/stations"
	"github.com/weatherguard/weatherguard/internal/storage"
	"github.com/weatherguard/weatherguard/internal/types"
	"github.com/weatherguard/weatherguard/pkg/config"
)

// Engine drives the scoring pipeline. Construct with New and drive either
// via Run (live ticker) or ProcessTick (replay and tests).
type Engine struct {
	cfg     *config.Config
	store   storage.Store
	index   *stations.Index
	compare *neighbors.Comparer
	pool    *model.Pool
	rules   *rules.Engine
	metrics *observability.Metrics
	clock   clockwork.Clock
	loc     *time.Location

	// stationKey of the set the index was last built from.
	indexedStations string
}

func New(cfg *config.Config, store storage.Store, index *stations.Index, compare *neighbors.Comparer, pool *model.Pool, ruleEngine *rules.Engine, metrics *observability.Metrics, clock clockwork.Clock) *Engine {
	return &Engine{
		cfg:     cfg,
		store:   store,
		index:   index,
		compare: compare,
		pool:    pool,
		rules:   ruleEngine,
		metrics: metrics,
		clock:   clock,
		loc:     cfg.Location(),
	}
}

// Run drives ProcessTick on the configured interval until ctx is
// cancelled. Ticks never overlap; if one overruns the interval the missed
// fire is dropped, not queued.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.Engine.TickInterval.Std()
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	e.metrics.EngineRunning.Set(1)
	defer e.metrics.EngineRunning.Set(0)

	log.Infof("scoring engine started, tick interval %s", interval)
	for {
		select {
		case <-ctx.Done():
			log.Info("scoring engine stopping")
			return ctx.Err()
		case <-ticker.Chan():
			ts := e.clock.Now().UTC()
			if err := e.ProcessTick(ctx, ts); err != nil {
				e.metrics.TickErrors.Inc()
				log.Errorf("tick at %s failed: %v", ts.Format(time.RFC3339), err)
			}
		}
	}
}

// ProcessTick scores every station that reported within the tick window
// ending at ts. Per-station failures are logged and skipped; an error is
// returned only when every active station fails, or when discovery itself
// fails for every metric.
func (e *Engine) ProcessTick(ctx context.Context, ts time.Time) error {
	tickID := uuid.New().String()[:8]
	start := e.clock.Now()

	if err := e.syncIndex(ctx); err != nil {
		return fmt.Errorf("syncing station index: %w", err)
	}

	var processed, failed, discoveryFailed int
	var firstErr error
	since := ts.Add(-e.cfg.Engine.TickWindow.Std())

	for _, metric := range types.AllMetrics() {
		active, err := e.store.LatestReadings(ctx, metric, since)
		if err != nil {
			log.Errorw("active station discovery failed", "tick_id", tickID, "metric", metric, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			discoveryFailed++
			continue
		}
		for _, reading := range active {
			processed++
			if err := e.processStation(ctx, tickID, reading); err != nil {
				failed++
				e.metrics.StationsFailed.Inc()
				if firstErr == nil {
					firstErr = err
				}
				log.Errorw("station skipped",
					"tick_id", tickID,
					"station_id", reading.StationID,
					"metric", reading.Metric,
					"error", err)
			}
		}
	}

	retrained := e.pool.TickDone()
	for _, m := range retrained {
		e.metrics.ModelRetrains.WithLabelValues(string(m)).Inc()
	}

	elapsed := e.clock.Now().Sub(start)
	e.metrics.TicksProcessed.Inc()
	e.metrics.TickDuration.Observe(elapsed.Seconds())
	e.metrics.StationsScored.Observe(float64(processed - failed))
	log.Infow("tick complete",
		"tick_id", tickID,
		"ts", ts.Format(time.RFC3339),
		"pairs", processed,
		"failed", failed,
		"discovery_failed", discoveryFailed,
		"retrained", len(retrained),
		"elapsed", elapsed)

	if discoveryFailed == len(types.AllMetrics()) {
		return fmt.Errorf("station discovery failed for every metric: %w", firstErr)
	}
	if processed > 0 && failed == processed {
		return fmt.Errorf("all %d station pipelines failed: %w", processed, firstErr)
	}
	return nil
}

// processStation runs the full pipeline for one (station, metric) reading.
// Panics inside the pipeline are contained here.
func (e *Engine) processStation(ctx context.Context, tickID string, reading types.Reading) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	metric := reading.Metric
	ts := reading.Timestamp

	window, err := e.store.GetReadings(ctx, reading.StationID, metric, ts.Add(-e.cfg.Engine.Lookback.Std()), ts)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	rec := features.Extract(metric, reading.Value, window)

	gap, err := e.compare.Compare(ctx, reading.StationID, metric, ts, reading.Value)
	if err != nil {
		// Neighbor signal is advisory; score without it.
		log.Warnw("neighbor comparison unavailable",
			"tick_id", tickID, "station_id", reading.StationID, "metric", metric, "error", err)
		gap = neighbors.Gap{}
	}
	rec.NeighborGap = gap.Value
	rec.NeighborCount = gap.Count

	score, method := e.pool.Score(metric, rec)
	e.metrics.ScoresByMethod.WithLabelValues(method).Inc()

	extras := map[string]any{
		"z_robust":       rec.ZRobust,
		"window_size":    rec.WindowSize,
		"neighbor_count": rec.NeighborCount,
	}
	if rec.WindowSize < 2 {
		extras["degraded"] = "no_history"
	}
	if rec.NeighborGap == nil {
		extras["no_neighbor_signal"] = true
	} else {
		extras["neighbor_gap"] = *rec.NeighborGap
	}
	if gap.Expected != nil {
		extras["neighbor_expected"] = *gap.Expected
	}

	if err := e.store.WriteScore(ctx, types.Score{
		Timestamp: ts,
		StationID: reading.StationID,
		Metric:    metric,
		Method:    method,
		Score:     score,
		Extras:    extras,
	}); err != nil {
		return fmt.Errorf("persisting score: %w", err)
	}
	e.metrics.ScoresWritten.Inc()

	station, err := e.store.GetStation(ctx, reading.StationID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("loading station: %w", err)
	}

	in := rules.Input{
		Reading:  reading,
		Station:  station,
		Features: rec,
		Score:    score,
		Method:   method,
		Hour:     ts.In(e.loc).Hour(),
		Recent:   append(window, reading),
	}
	verdicts, err := e.rules.FilterCooldowns(ctx, e.store, in, e.rules.Evaluate(in))
	if err != nil {
		return fmt.Errorf("applying cooldowns: %w", err)
	}
	for _, v := range verdicts {
		id, err := e.store.WriteAlert(ctx, types.Alert{
			Timestamp: ts,
			StationID: reading.StationID,
			Metric:    metric,
			Type:      v.Type,
			Severity:  v.Severity,
			Reason:    v.Reason,
			Payload:   v.Payload,
		})
		if err != nil {
			return fmt.Errorf("persisting %s alert: %w", v.Type, err)
		}
		e.metrics.AlertsFired.WithLabelValues(string(metric), v.Type).Inc()
		log.Infow("alert",
			"tick_id", tickID,
			"alert_id", id,
			"station_id", reading.StationID,
			"metric", metric,
			"type", v.Type,
			"severity", v.Severity,
			"reason", v.Reason)
	}

	e.pool.Observe(metric, rec.Vector())
	return nil
}

// syncIndex rebuilds the spatial index when the station set has changed.
// Rebuilds happen only here, before any station is processed.
func (e *Engine) syncIndex(ctx context.Context) error {
	all, err := e.store.ListStations(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, len(all))
	for i, st := range all {
		ids[i] = st.StationID
	}
	sort.Strings(ids)
	key := strings.Join(ids, ",")
	if key == e.indexedStations {
		return nil
	}
	e.index.Rebuild(all)
	e.indexedStations = key
	log.Infof("station index rebuilt with %d stations", len(all))
	return nil
}
