// Package rules implements the deterministic alert checks that run after
// model scoring. Every rule is a pure function of its input; cooldown
// suppression is the only stateful part and lives in the Engine wrapper.
package rules

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/weatherguard/weatherguard/internal/storage"
	"github.com/weatherguard/weatherguard/internal/types"
	"github.com/weatherguard/weatherguard/pkg/config"
)

// Alert type names.
const (
	TypePhysicalBound  = "physical_bound"
	TypeSuddenDelta    = "sudden_delta"
	TypeRainSpike      = "rain_spike"
	TypeRainOnset      = "rain_onset"
	TypeRainEasing     = "rain_easing"
	TypeRainStop       = "rain_stop"
	TypeWindStrong     = "wind_strong"
	TypeWindVeryStrong = "wind_very_strong"
	TypeTempTimeOfDay  = "temp_time_of_day"
	TypeModelOutlier   = "model_outlier"
)

// precedence breaks severity ties in Primary. Hard violations outrank
// learned signals.
var precedence = map[string]int{
	TypePhysicalBound:  0,
	TypeSuddenDelta:    1,
	TypeRainSpike:      2,
	TypeRainOnset:      3,
	TypeRainEasing:     4,
	TypeRainStop:       5,
	TypeWindVeryStrong: 6,
	TypeWindStrong:     7,
	TypeTempTimeOfDay:  8,
	TypeModelOutlier:   9,
}

// Verdict is one triggered rule.
type Verdict struct {
	Type     string
	Severity float64
	Reason   string
	Payload  map[string]any
}

// Input is everything a rule may consult for one reading.
type Input struct {
	Reading  types.Reading
	Station  types.Station
	Features types.FeatureRecord
	Score    float64
	Method   string
	// Hour is the local hour-of-day of the reading.
	Hour int
	// Recent holds the station's chronological recent readings for the
	// metric, ending with the current one. Sustained rules consume it.
	Recent []types.Reading
}

// Engine evaluates the rule families against configured thresholds.
type Engine struct {
	cfg config.RulesConfig
}

func NewEngine(cfg config.RulesConfig) *Engine {
	return &Engine{cfg: cfg}
}

type ruleFunc func(*Engine, Input) *Verdict

var allRules = []ruleFunc{
	(*Engine).physicalBound,
	(*Engine).suddenDelta,
	(*Engine).rainSpike,
	(*Engine).rainOnset,
	(*Engine).rainEasing,
	(*Engine).rainStop,
	(*Engine).windSustained,
	(*Engine).tempTimeOfDay,
	(*Engine).modelOutlier,
}

// Evaluate runs every rule family and returns all triggered verdicts.
// There is no first-match suppression.
func (e *Engine) Evaluate(in Input) []Verdict {
	var out []Verdict
	for _, r := range allRules {
		if v := r(e, in); v != nil {
			out = append(out, *v)
		}
	}
	return out
}

// FilterCooldowns drops verdicts whose (station, metric, type) fired within
// the type's cooldown window. Physical-bound violations always pass.
func (e *Engine) FilterCooldowns(ctx context.Context, store storage.Store, in Input, verdicts []Verdict) ([]Verdict, error) {
	if len(verdicts) == 0 {
		return nil, nil
	}

	maxCooldown := e.cfg.Cooldown.Std()
	if rc := e.cfg.Rain.Cooldown.Std(); rc > maxCooldown {
		maxCooldown = rc
	}
	recent, err := store.LatestAlerts(ctx, in.Reading.Metric, in.Reading.Timestamp.Add(-maxCooldown), 0)
	if err != nil {
		return nil, fmt.Errorf("fetching recent alerts for cooldown: %w", err)
	}

	lastByType := make(map[string]time.Time)
	for _, a := range recent {
		if a.StationID != in.Reading.StationID {
			continue
		}
		if prev, ok := lastByType[a.Type]; !ok || a.Timestamp.After(prev) {
			lastByType[a.Type] = a.Timestamp
		}
	}

	var out []Verdict
	for _, v := range verdicts {
		if v.Type == TypePhysicalBound {
			out = append(out, v)
			continue
		}
		if last, ok := lastByType[v.Type]; ok && in.Reading.Timestamp.Sub(last) < e.cooldownFor(v.Type) {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// cooldownFor returns the quiet period for an alert type. The rain event
// family shares the longer rain cooldown; everything else uses the default.
func (e *Engine) cooldownFor(alertType string) time.Duration {
	switch alertType {
	case TypeRainSpike, TypeRainOnset, TypeRainEasing, TypeRainStop:
		return e.cfg.Rain.Cooldown.Std()
	}
	return e.cfg.Cooldown.Std()
}

// Primary returns the verdict surfaced when only one slot is available:
// highest severity, ties broken by fixed type precedence. ok is false for
// an empty slice.
func Primary(verdicts []Verdict) (Verdict, bool) {
	if len(verdicts) == 0 {
		return Verdict{}, false
	}
	best := verdicts[0]
	for _, v := range verdicts[1:] {
		if v.Severity > best.Severity ||
			(v.Severity == best.Severity && precedence[v.Type] < precedence[best.Type]) {
			best = v
		}
	}
	return best, true
}

// metricBounds are hard physical limits. Values outside are instrument
// faults, not weather.
type bound struct{ lo, hi float64 }

var metricBounds = map[types.Metric]bound{
	types.MetricRainfall:      {0, math.Inf(1)},
	types.MetricHumidity:      {0, 100},
	types.MetricWindSpeed:     {0, math.Inf(1)},
	types.MetricTemperature:   {-90, 60},
	types.MetricWindDirection: {0, 360},
}

func (e *Engine) physicalBound(in Input) *Verdict {
	b, ok := metricBounds[in.Reading.Metric]
	if !ok {
		return nil
	}
	v := in.Reading.Value
	if v >= b.lo && v <= b.hi {
		return nil
	}
	return &Verdict{
		Type:     TypePhysicalBound,
		Severity: 1.0,
		Reason:   fmt.Sprintf("%s=%.2f outside physical range [%.0f, %.0f]", in.Reading.Metric, v, b.lo, b.hi),
		Payload:  map[string]any{"value": v, "low": b.lo, "high": b.hi},
	}
}

func (e *Engine) suddenDelta(in Input) *Verdict {
	if in.Features.Delta == nil {
		return nil
	}
	thr := e.cfg.SuddenDelta.ForMetric(in.Reading.Metric)
	if thr <= 0 {
		return nil
	}
	d := math.Abs(*in.Features.Delta)
	if d < thr {
		return nil
	}
	return &Verdict{
		Type:     TypeSuddenDelta,
		Severity: overshootSeverity(d, thr),
		Reason:   fmt.Sprintf("%s jumped %.2f in one tick (threshold %.2f)", in.Reading.Metric, d, thr),
		Payload:  map[string]any{"delta": *in.Features.Delta, "threshold": thr},
	}
}

// rainValues flattens the recent window into per-tick rainfall amounts.
// The window is chronological and ends with the current reading.
func rainValues(in Input) []float64 {
	vals := make([]float64, len(in.Recent))
	for i, r := range in.Recent {
		vals[i] = r.Value
	}
	return vals
}

func sumOf(vals []float64) float64 {
	var s float64
	for _, v := range vals {
		s += v
	}
	return s
}

func (e *Engine) rainSpike(in Input) *Verdict {
	if in.Reading.Metric != types.MetricRainfall {
		return nil
	}
	thr := e.cfg.Rain.SpikeMM
	if thr <= 0 {
		return nil
	}
	tick := in.Reading.Value

	w := e.cfg.Rain.TrendTicks
	var windowSum float64
	if vals := rainValues(in); w >= 1 && len(vals) >= w {
		windowSum = sumOf(vals[len(vals)-w:])
	}
	sumThr := e.cfg.Rain.SpikeSumMM
	sumHit := sumThr > 0 && windowSum >= sumThr
	if tick < thr && !sumHit {
		return nil
	}

	sev := tick / (2 * thr)
	if sumHit {
		sev = math.Max(sev, windowSum/(2*sumThr))
	}
	return &Verdict{
		Type:     TypeRainSpike,
		Severity: math.Min(sev, 1),
		Reason:   fmt.Sprintf("intense rainfall: %.2fmm this tick, %.2fmm over the last %d tick(s)", tick, windowSum, w),
		Payload:  map[string]any{"tick_mm": tick, "window_mm": windowSum, "threshold_mm": thr, "window_threshold_mm": sumThr},
	}
}

// rainOnset fires when meaningful rain follows a calm window: the trailing
// trend window is wet and the window before it was effectively dry.
func (e *Engine) rainOnset(in Input) *Verdict {
	if in.Reading.Metric != types.MetricRainfall {
		return nil
	}
	w := e.cfg.Rain.TrendTicks
	vals := rainValues(in)
	if w < 1 || len(vals) < 2*w {
		return nil
	}
	recent := vals[len(vals)-w:]
	prev := vals[len(vals)-2*w : len(vals)-w]

	prevSum := sumOf(prev)
	if prevSum > e.cfg.Rain.CalmMM {
		return nil
	}
	recentSum := sumOf(recent)
	tickHit := false
	for _, v := range recent {
		if v >= e.cfg.Rain.OnsetTickMM {
			tickHit = true
			break
		}
	}
	if !tickHit && recentSum < e.cfg.Rain.OnsetSumMM {
		return nil
	}
	return &Verdict{
		Type:     TypeRainOnset,
		Severity: math.Min(recentSum/(2*e.cfg.Rain.OnsetSumMM), 1),
		Reason:   fmt.Sprintf("rain onset: %.2fmm over %d tick(s) after a dry window", recentSum, w),
		Payload:  map[string]any{"window_mm": recentSum, "prev_window_mm": prevSum, "trend_ticks": w},
	}
}

// rainEasing fires when accumulation drops by at least the configured
// fraction between consecutive trend windows. Severity is the drop fraction.
func (e *Engine) rainEasing(in Input) *Verdict {
	if in.Reading.Metric != types.MetricRainfall {
		return nil
	}
	w := e.cfg.Rain.TrendTicks
	vals := rainValues(in)
	if w < 1 || len(vals) < 2*w {
		return nil
	}
	recentSum := sumOf(vals[len(vals)-w:])
	prevSum := sumOf(vals[len(vals)-2*w : len(vals)-w])
	if prevSum <= e.cfg.Rain.CalmMM || recentSum > prevSum*(1-e.cfg.Rain.EasingDrop) {
		return nil
	}
	drop := 1 - recentSum/prevSum
	return &Verdict{
		Type:     TypeRainEasing,
		Severity: drop,
		Reason:   fmt.Sprintf("rain easing: %.2fmm vs %.2fmm in the prior %d tick(s)", recentSum, prevSum, w),
		Payload:  map[string]any{"window_mm": recentSum, "prev_window_mm": prevSum, "drop": drop},
	}
}

// rainStop fires once a wet spell ends: a fully quiet trailing streak
// preceded by at least one wet tick. It is informational, severity 0.
func (e *Engine) rainStop(in Input) *Verdict {
	if in.Reading.Metric != types.MetricRainfall {
		return nil
	}
	q, k := e.cfg.Rain.StopQuietTicks, e.cfg.Rain.StopWetTicks
	vals := rainValues(in)
	if q < 1 || k < 1 || len(vals) < q+k {
		return nil
	}
	calm := e.cfg.Rain.CalmMM
	for _, v := range vals[len(vals)-q:] {
		if v > calm {
			return nil
		}
	}
	wasWet := false
	for _, v := range vals[len(vals)-q-k : len(vals)-q] {
		if v > calm {
			wasWet = true
			break
		}
	}
	if !wasWet {
		return nil
	}
	return &Verdict{
		Type:     TypeRainStop,
		Severity: 0,
		Reason:   fmt.Sprintf("rain stopped: last %d tick(s) at or below %.2fmm", q, calm),
		Payload:  map[string]any{"quiet_ticks": q, "calm_mm": calm},
	}
}

func (e *Engine) windSustained(in Input) *Verdict {
	if in.Reading.Metric != types.MetricWindSpeed {
		return nil
	}
	need := e.cfg.Wind.SustainTicks
	if need < 1 {
		need = 1
	}
	if len(in.Recent) < need {
		return nil
	}
	tail := in.Recent[len(in.Recent)-need:]

	above := func(thr float64) bool {
		for _, r := range tail {
			if r.Value < thr {
				return false
			}
		}
		return true
	}

	last := in.Reading.Value
	if above(e.cfg.Wind.VeryStrongKn) {
		return &Verdict{
			Type:     TypeWindVeryStrong,
			Severity: overshootSeverity(last, e.cfg.Wind.VeryStrongKn),
			Reason:   fmt.Sprintf("wind >= %.0f kn for %d tick(s), now %.1f kn", e.cfg.Wind.VeryStrongKn, need, last),
			Payload:  map[string]any{"last_kn": last, "threshold_kn": e.cfg.Wind.VeryStrongKn, "sustain_ticks": need},
		}
	}
	if above(e.cfg.Wind.StrongKn) {
		return &Verdict{
			Type:     TypeWindStrong,
			Severity: overshootSeverity(last, e.cfg.Wind.StrongKn),
			Reason:   fmt.Sprintf("wind >= %.0f kn for %d tick(s), now %.1f kn", e.cfg.Wind.StrongKn, need, last),
			Payload:  map[string]any{"last_kn": last, "threshold_kn": e.cfg.Wind.StrongKn, "sustain_ticks": need},
		}
	}
	return nil
}

// defaultHourRanges is the built-in plausible temperature envelope by local
// hour. Deliberately wide; site-specific curves belong in configuration.
var defaultHourRanges = [24]config.HourRange{
	{Low: -15, High: 35}, {Low: -15, High: 35}, {Low: -15, High: 35}, // 00-02
	{Low: -15, High: 35}, {Low: -15, High: 35}, {Low: -15, High: 35}, // 03-05
	{Low: -12, High: 40}, {Low: -12, High: 40}, {Low: -12, High: 40}, // 06-08
	{Low: -10, High: 48}, {Low: -10, High: 48}, {Low: -10, High: 48}, // 09-11
	{Low: -10, High: 48}, {Low: -10, High: 48}, {Low: -10, High: 48}, // 12-14
	{Low: -10, High: 48}, {Low: -10, High: 48}, {Low: -10, High: 48}, // 15-17
	{Low: -12, High: 42}, {Low: -12, High: 42}, {Low: -12, High: 42}, // 18-20
	{Low: -15, High: 38}, {Low: -15, High: 38}, {Low: -15, High: 38}, // 21-23
}

func (e *Engine) hourRange(hour int) config.HourRange {
	if r, ok := e.cfg.TimeOfDay.Hours[hour]; ok {
		return r
	}
	if hour >= 0 && hour < 24 {
		return defaultHourRanges[hour]
	}
	return config.HourRange{Low: -90, High: 60}
}

func (e *Engine) tempTimeOfDay(in Input) *Verdict {
	if in.Reading.Metric != types.MetricTemperature {
		return nil
	}
	r := e.hourRange(in.Hour)
	v := in.Reading.Value
	if v >= r.Low && v <= r.High {
		return nil
	}

	var excess float64
	if v > r.High {
		excess = v - r.High
	} else {
		excess = r.Low - v
	}
	return &Verdict{
		Type:     TypeTempTimeOfDay,
		Severity: math.Min(0.5+excess/10, 1),
		Reason:   fmt.Sprintf("%.1f°C implausible for hour %02d (expected %.0f..%.0f)", v, in.Hour, r.Low, r.High),
		Payload:  map[string]any{"value": v, "hour": in.Hour, "low": r.Low, "high": r.High},
	}
}

func (e *Engine) modelOutlier(in Input) *Verdict {
	thr := e.cfg.ModelOutlier.ForMetric(in.Reading.Metric)
	if thr <= 0 || in.Score < thr {
		return nil
	}
	return &Verdict{
		Type:     TypeModelOutlier,
		Severity: math.Min(in.Score, 1),
		Reason:   fmt.Sprintf("outlier score %.3f >= %.2f (%s)", in.Score, thr, in.Method),
		Payload:  map[string]any{"score": in.Score, "threshold": thr, "method": in.Method},
	}
}

// overshootSeverity maps a value at its threshold to 0.5 and twice the
// threshold to 1.
func overshootSeverity(v, thr float64) float64 {
	if thr <= 0 {
		return 1
	}
	return math.Min(0.5+0.5*(v-thr)/thr, 1)
}
