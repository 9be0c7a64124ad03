// Package evaluate implements the before/after experiment evaluator. Each
// applied parameter change is scored once its dwell window elapses: metric
// windows on both sides of the change are aggregated, weighted component
// scores are added to a neutral baseline of 50, and the total maps to a
// categorical recommendation.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"hearth/internal/logging"
	"hearth/internal/metric"
	"hearth/internal/store"
)

// Evaluation phases for one applied change.
const (
	PhasePending   = "pending"   // waiting for the settle offset
	PhaseActive    = "active"    // after-window accumulating
	PhaseCompleted = "completed" // scored (or inconclusive)
)

// Recommendation labels, ordered strongest-keep to revert.
const (
	RecKeepStrong   = "keep (strong)"
	RecKeepModerate = "keep (moderate)"
	RecNeutral      = "neutral"
	RecAdjust       = "adjust"
	RecRevert       = "revert"
	RecInconclusive = "inconclusive"
)

// ErrNotDue is returned when the after-window has not fully elapsed.
var ErrNotDue = errors.New("evaluate: after-window not yet elapsed")

// Weights for the five scoring components. Must sum to 1.0 for the documented
// point scales to hold, but this is a configuration surface, not a law.
type Weights struct {
	Efficiency float64 `yaml:"efficiency"`
	DeltaT     float64 `yaml:"delta_t"`
	Comfort    float64 `yaml:"comfort"`
	Cycling    float64 `yaml:"cycling"`
	Cost       float64 `yaml:"cost"`
}

// Config holds the evaluator's windows and thresholds.
type Config struct {
	BeforeWindow time.Duration // metric window ending at the change
	AfterWindow  time.Duration // metric window after the settle offset
	SettleOffset time.Duration // excluded transient right after the change
	MinSamples   int           // below this either window is inconclusive

	WeatherDivergenceC float64 // outdoor mean divergence that flags uncertainty
	DeltaTOptimalLow   float64
	DeltaTOptimalHigh  float64

	Weights Weights
}

// DefaultConfig returns the stock 48h dwell configuration.
func DefaultConfig() Config {
	return Config{
		BeforeWindow:       48 * time.Hour,
		AfterWindow:        48 * time.Hour,
		SettleOffset:       1 * time.Hour,
		MinSamples:         12,
		WeatherDivergenceC: 3.0,
		DeltaTOptimalLow:   5.0,
		DeltaTOptimalHigh:  7.0,
		Weights: Weights{
			Efficiency: 0.40,
			DeltaT:     0.20,
			Comfort:    0.20,
			Cycling:    0.10,
			Cost:       0.10,
		},
	}
}

// Breakdown is the component-level scoring of one before/after pair.
type Breakdown struct {
	Efficiency float64
	DeltaT     float64
	Comfort    float64
	Cycling    float64
	Cost       float64
	Total      float64 // 0-100, clamped

	ComfortDelta     float64 // |indoor after - indoor before|
	WeatherDivergent bool
}

// Score computes the weighted component scores for a before/after pair.
// Deterministic: the same snapshots always produce the same breakdown.
func Score(cfg Config, before, after *metric.Snapshot) Breakdown {
	var b Breakdown
	w := cfg.Weights

	// Efficiency: 2 points per percent change, times weight (+10% -> +8 at 0.40).
	if before.COP != 0 {
		effPct := (after.COP - before.COP) / before.COP * 100
		b.Efficiency = effPct * 2 * w.Efficiency
	}

	// Thermal differential: reward moving toward the optimum band midpoint,
	// 10 points per degree of improvement, times weight.
	optimum := (cfg.DeltaTOptimalLow + cfg.DeltaTOptimalHigh) / 2
	distBefore := math.Abs(before.DeltaT - optimum)
	distAfter := math.Abs(after.DeltaT - optimum)
	b.DeltaT = (distBefore - distAfter) * 10 * w.DeltaT

	// Comfort stability: stable comfort earns no points but loses none;
	// drift is penalized, hard once it reaches a full degree.
	b.ComfortDelta = math.Abs(after.IndoorTemp - before.IndoorTemp)
	switch {
	case b.ComfortDelta < 0.5:
		b.Comfort = 0
	case b.ComfortDelta < 1.0:
		b.Comfort = -10 * w.Comfort
	default:
		b.Comfort = -20 * w.Comfort
	}

	// Cycling: credit only when compressor starts decreased.
	if after.CycleCount < before.CycleCount {
		b.Cycling = 20 * w.Cycling
	}

	// Cost: same scaling as efficiency, on percentage cost reduction.
	if before.Cost != 0 {
		costPct := (before.Cost - after.Cost) / before.Cost * 100
		b.Cost = costPct * 2 * w.Cost
	}

	b.WeatherDivergent = math.Abs(before.OutdoorTemp-after.OutdoorTemp) > cfg.WeatherDivergenceC

	total := 50 + b.Efficiency + b.DeltaT + b.Comfort + b.Cycling + b.Cost
	b.Total = math.Max(0, math.Min(100, total))
	return b
}

// Recommend maps a breakdown to a recommendation label and summary text.
// The comfort override caps the band at "adjust" whenever comfort moved a
// full degree, regardless of the numeric score. Weather divergence appends a
// caveat but never suppresses the result.
func Recommend(b Breakdown) (string, string) {
	var rec string
	switch {
	case b.Total >= 70:
		rec = RecKeepStrong
	case b.Total >= 55:
		rec = RecKeepModerate
	case b.Total >= 45:
		rec = RecNeutral
	case b.Total >= 30:
		rec = RecAdjust
	default:
		rec = RecRevert
	}

	summary := fmt.Sprintf("score %.0f: %s", b.Total, rec)

	if b.ComfortDelta >= 1.0 && (rec == RecKeepStrong || rec == RecKeepModerate || rec == RecNeutral) {
		rec = RecAdjust
		summary = fmt.Sprintf("score %.0f: %s (comfort moved %.1fC; capped at %s)",
			b.Total, rec, b.ComfortDelta, RecAdjust)
	}

	if b.WeatherDivergent {
		summary += " (caveat: outdoor conditions diverged between windows; result uncertain)"
	}
	return rec, summary
}

// Evaluator scores applied changes against the metric source and persists
// the results.
type Evaluator struct {
	cfg Config
	src metric.Source
	st  store.Store
	log *slog.Logger
}

// New creates an Evaluator.
func New(cfg Config, src metric.Source, st store.Store) *Evaluator {
	return &Evaluator{cfg: cfg, src: src, st: st, log: logging.New("evaluate")}
}

// Phase reports where a change sits in the evaluation state machine at now.
func (e *Evaluator) Phase(change *store.ParameterChange, now time.Time) string {
	applied := change.AppliedTime()
	if now.Before(applied.Add(e.cfg.SettleOffset)) {
		return PhasePending
	}
	if now.Before(applied.Add(e.cfg.SettleOffset).Add(e.cfg.AfterWindow)) {
		return PhaseActive
	}
	return PhaseCompleted
}

// Due reports whether the after-window has fully elapsed.
func (e *Evaluator) Due(change *store.ParameterChange, now time.Time) bool {
	return e.Phase(change, now) == PhaseCompleted
}

// CaptureBaseline aggregates the before-window ending at the change's
// timestamp. Called when a change is applied so sample shortfalls surface
// early; Evaluate recomputes the same window deterministically later.
func (e *Evaluator) CaptureBaseline(ctx context.Context, change *store.ParameterChange) (*metric.Snapshot, error) {
	applied := change.AppliedTime()
	snap, err := e.src.Aggregate(ctx, applied.Add(-e.cfg.BeforeWindow), applied)
	if err != nil {
		return nil, fmt.Errorf("capture baseline: %w", err)
	}
	if snap.SampleCount < e.cfg.MinSamples {
		e.log.Warn("baseline window is short on samples",
			slog.Int64("change", change.ID),
			slog.Int("samples", snap.SampleCount),
			slog.Int("min", e.cfg.MinSamples))
	}
	return snap, nil
}

// Evaluate scores one applied change. Idempotent: if a result already exists
// for the change it is returned unchanged. Returns ErrNotDue before the
// after-window has elapsed. Insufficient samples in either window produce an
// inconclusive result, never a numeric score.
func (e *Evaluator) Evaluate(ctx context.Context, change *store.ParameterChange, now time.Time) (*store.ABTestResult, error) {
	if existing, err := e.st.GetResultByChange(change.ID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}
	if !e.Due(change, now) {
		return nil, ErrNotDue
	}

	applied := change.AppliedTime()
	before, err := e.src.Aggregate(ctx, applied.Add(-e.cfg.BeforeWindow), applied)
	if err != nil {
		return nil, fmt.Errorf("aggregate before-window: %w", err)
	}
	afterStart := applied.Add(e.cfg.SettleOffset)
	after, err := e.src.Aggregate(ctx, afterStart, afterStart.Add(e.cfg.AfterWindow))
	if err != nil {
		return nil, fmt.Errorf("aggregate after-window: %w", err)
	}

	result := &store.ABTestResult{
		ChangeID: change.ID,
		Before:   *before,
		After:    *after,
	}

	if before.SampleCount < e.cfg.MinSamples || after.SampleCount < e.cfg.MinSamples {
		result.Status = store.ResultInconclusive
		result.Recommendation = RecInconclusive
		result.Summary = fmt.Sprintf("insufficient samples (before %d, after %d, min %d)",
			before.SampleCount, after.SampleCount, e.cfg.MinSamples)
		e.log.Warn("evaluation inconclusive",
			slog.Int64("change", change.ID),
			slog.String("summary", result.Summary))
	} else {
		b := Score(e.cfg, before, after)
		rec, summary := Recommend(b)
		result.Status = store.ResultCompleted
		result.EfficiencyScore = b.Efficiency
		result.DeltaTScore = b.DeltaT
		result.ComfortScore = b.Comfort
		result.CyclingScore = b.Cycling
		result.CostScore = b.Cost
		result.TotalScore = b.Total
		result.WeatherDivergent = b.WeatherDivergent
		result.Recommendation = rec
		result.Summary = summary
		e.log.Info("change evaluated",
			slog.Int64("change", change.ID),
			slog.String("parameter", change.Parameter),
			slog.Float64("score", b.Total),
			slog.String("recommendation", rec))
	}

	if _, err := e.st.SaveResult(result); err != nil {
		return nil, fmt.Errorf("save result: %w", err)
	}
	return result, nil
}
