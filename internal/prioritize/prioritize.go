// Package prioritize maintains the ordered backlog of planned experiments.
// Candidates come from deterministic rules or the reasoning chain; both paths
// pass the same schema check and produce the same PlannedTest shape. A
// weighted priority score orders the backlog, with ties broken by the least
// invasive change.
package prioritize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"hearth/internal/logging"
	"hearth/internal/metric"
	"hearth/internal/param"
	"hearth/internal/reason"
	"hearth/internal/store"
)

// ErrActiveTest is returned when promotion would put a second change in
// flight for the same parameter.
var ErrActiveTest = errors.New("prioritize: parameter already has an active test")

// ErrBadTransition is returned for lifecycle transitions the state machine
// does not allow.
var ErrBadTransition = errors.New("prioritize: invalid status transition")

// Weights for the priority score. A configuration surface, not a law: the
// deployment may re-weight or extend without code changes.
type Weights struct {
	ExpectedGain float64 `yaml:"expected_gain"`
	Confidence   float64 `yaml:"confidence"`
	SafetyMargin float64 `yaml:"safety_margin"`
	Simplicity   float64 `yaml:"simplicity"`
}

// Config holds the prioritizer's tunables.
type Config struct {
	Weights Weights

	// GainNorm is the fractional gain treated as a full score (e.g. 0.10
	// means a 10% expected efficiency gain saturates the gain component).
	GainNorm float64

	// RepeatWindow and LowScoreThreshold drive the history penalty: a
	// hypothesis repeating a change that recently scored below the threshold
	// has its confidence multiplied by RepeatPenalty before queueing.
	RepeatWindow      time.Duration
	LowScoreThreshold float64
	RepeatPenalty     float64
}

// DefaultConfig returns the stock prioritizer settings.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			ExpectedGain: 0.30,
			Confidence:   0.20,
			SafetyMargin: 0.15,
			Simplicity:   0.10,
		},
		GainNorm:          0.10,
		RepeatWindow:      24 * time.Hour,
		LowScoreThreshold: 45,
		RepeatPenalty:     0.5,
	}
}

// Context is the observation bundle candidates are generated from.
type Context struct {
	State   *param.DeviceState
	Metrics *metric.Snapshot
}

// Prioritizer generates, scores, and orders planned tests.
type Prioritizer struct {
	cfg     Config
	catalog *param.Catalog
	st      store.Store
	chain   *reason.Chain // optional
	log     *slog.Logger
}

// New creates a Prioritizer. chain may be nil to disable reasoning-backed
// candidate generation.
func New(cfg Config, catalog *param.Catalog, st store.Store, chain *reason.Chain) *Prioritizer {
	return &Prioritizer{cfg: cfg, catalog: catalog, st: st, chain: chain, log: logging.New("prioritize")}
}

// Score computes the weighted priority score for a test, in 0-100.
func (p *Prioritizer) Score(t *store.PlannedTest) float64 {
	def := p.catalog.Get(t.Parameter)
	if def == nil {
		return 0
	}
	w := p.cfg.Weights
	gain := math.Min(1, math.Max(0, t.ExpectedGain/p.cfg.GainNorm))
	margin := def.SafetyMargin(t.CurrentValue, t.ProposedValue)
	// All current candidates are single-parameter changes and earn the full
	// simplicity bonus; multi-parameter experiments would score 0 here.
	simplicity := 1.0
	return 100 * (w.ExpectedGain*gain + w.Confidence*t.Confidence + w.SafetyMargin*margin + w.Simplicity*simplicity)
}

// Propose generates candidates from the rule set and, when a reasoning chain
// is configured, from the collaborator. Every candidate is soft-checked
// against its parameter bounds, penalized against recent history relative to
// now, scored, and persisted as a proposed test. Returns the queued tests in
// order.
func (p *Prioritizer) Propose(ctx context.Context, c Context, now time.Time) ([]*store.PlannedTest, error) {
	var candidates []*store.PlannedTest
	candidates = append(candidates, p.ruleCandidates(c)...)

	if p.chain != nil {
		rc := reason.Context{
			Metrics:     c.Metrics,
			State:       c.State,
			Definitions: p.catalog.All(),
		}
		prop, provider, err := p.chain.Propose(ctx, rc)
		if err != nil {
			p.log.Warn("reasoning chain produced no candidate", slog.String("error", err.Error()))
		} else if param.Action(prop.Action) == param.ActionAdjust {
			candidates = append(candidates, &store.PlannedTest{
				Parameter:     prop.Parameter,
				CurrentValue:  prop.CurrentValue,
				ProposedValue: prop.SuggestedValue,
				Hypothesis:    prop.Reasoning,
				ExpectedGain:  prop.ExpectedImpact,
				Confidence:    prop.Confidence,
				Origin:        string(param.OriginReasoning),
			})
			p.log.Info("reasoning candidate queued", slog.String("provider", provider))
		}
	}

	var queued []*store.PlannedTest
	for _, t := range candidates {
		def := p.catalog.Get(t.Parameter)
		if def == nil {
			p.log.Warn("dropping candidate for unknown parameter", slog.String("parameter", t.Parameter))
			continue
		}
		// Soft check at creation time. The validator re-checks at
		// application time and the hard check always wins.
		if !def.InBounds(t.ProposedValue) {
			p.log.Warn("dropping out-of-bounds candidate",
				slog.String("parameter", t.Parameter),
				slog.Float64("proposed", t.ProposedValue))
			continue
		}
		if err := p.penalizeRepeats(t, now); err != nil {
			return nil, err
		}
		t.Priority = p.Score(t)
		if _, err := p.st.CreatePlannedTest(t); err != nil {
			return nil, fmt.Errorf("queue planned test: %w", err)
		}
		queued = append(queued, t)
	}

	if len(queued) > 0 {
		if err := p.Reprioritize(); err != nil {
			return nil, err
		}
	}
	return queued, nil
}

// Enqueue adds an operator-supplied candidate to the backlog. Unlike Propose,
// which silently drops bad candidates, operator input fails loudly.
func (p *Prioritizer) Enqueue(t *store.PlannedTest, now time.Time) (*store.PlannedTest, error) {
	def := p.catalog.Get(t.Parameter)
	if def == nil {
		return nil, fmt.Errorf("unknown parameter %q", t.Parameter)
	}
	if !def.InBounds(t.ProposedValue) {
		return nil, fmt.Errorf("proposed value %g outside [%g, %g] for %s",
			t.ProposedValue, def.Min, def.Max, t.Parameter)
	}
	if t.Origin == "" {
		t.Origin = string(param.OriginManual)
	}
	if err := p.penalizeRepeats(t, now); err != nil {
		return nil, err
	}
	t.Priority = p.Score(t)
	if _, err := p.st.CreatePlannedTest(t); err != nil {
		return nil, fmt.Errorf("queue planned test: %w", err)
	}
	if err := p.Reprioritize(); err != nil {
		return nil, err
	}
	return t, nil
}

// ruleCandidates pattern-matches metric thresholds to known remedies.
func (p *Prioritizer) ruleCandidates(c Context) []*store.PlannedTest {
	var out []*store.PlannedTest
	m := c.Metrics
	if m == nil || c.State == nil {
		return nil
	}

	if def := p.catalog.Get(param.HeatingCurveOffset); def != nil && m.COP > 0 && m.COP < 3.0 {
		if cur, ok := c.State.Value(def.ID); ok && cur > def.Min {
			out = append(out, &store.PlannedTest{
				Parameter:     def.ID,
				CurrentValue:  cur,
				ProposedValue: def.Clamp(cur - math.Min(1.0, def.MaxStep)),
				Hypothesis:    fmt.Sprintf("COP %.2f below 3.0: a lower curve offset should cut overshoot losses", m.COP),
				ExpectedGain:  0.05,
				Confidence:    0.75,
				Origin:        string(param.OriginRule),
			})
		}
	}

	if def := p.catalog.Get(param.CurveSlope); def != nil && (m.DeltaT < 5.0 || m.DeltaT > 7.0) {
		if cur, ok := c.State.Value(def.ID); ok {
			dir := 1.0
			if m.DeltaT > 7.0 {
				dir = -1.0
			}
			proposed := def.Clamp(cur + dir*math.Min(0.5, def.MaxStep))
			if proposed != cur {
				out = append(out, &store.PlannedTest{
					Parameter:     def.ID,
					CurrentValue:  cur,
					ProposedValue: proposed,
					Hypothesis:    fmt.Sprintf("delta-T %.1fC outside optimum band: slope correction should improve transfer", m.DeltaT),
					ExpectedGain:  0.03,
					Confidence:    0.70,
					Origin:        string(param.OriginRule),
				})
			}
		}
	}

	if def := p.catalog.Get(param.CompressorThreshold); def != nil && m.CycleCount > 12 {
		if cur, ok := c.State.Value(def.ID); ok && cur < def.Max {
			out = append(out, &store.PlannedTest{
				Parameter:     def.ID,
				CurrentValue:  cur,
				ProposedValue: def.Clamp(cur + math.Min(10, def.MaxStep)),
				Hypothesis:    fmt.Sprintf("%d compressor starts: a deeper degree-minute threshold should lengthen cycles", m.CycleCount),
				ExpectedGain:  0.04,
				Confidence:    0.72,
				Origin:        string(param.OriginRule),
			})
		}
	}

	return out
}

// penalizeRepeats halves the confidence of a hypothesis that repeats a
// same-direction change on the same parameter which scored below the
// threshold within the repeat window ending at now. Rejections are data; so
// are failures.
func (p *Prioritizer) penalizeRepeats(t *store.PlannedTest, now time.Time) error {
	since := now.UTC().Add(-p.cfg.RepeatWindow).Format(time.RFC3339)
	results, err := p.st.ListResultsSince(since)
	if err != nil {
		return fmt.Errorf("load recent results: %w", err)
	}
	for _, r := range results {
		if r.Status != store.ResultCompleted || r.TotalScore >= p.cfg.LowScoreThreshold {
			continue
		}
		change, err := p.st.GetChange(r.ChangeID)
		if err != nil || change == nil {
			continue
		}
		if change.Parameter != t.Parameter {
			continue
		}
		sameDirection := (change.NewValue-change.OldValue > 0) == (t.ProposedValue-t.CurrentValue > 0)
		if sameDirection {
			t.Confidence *= p.cfg.RepeatPenalty
			t.Hypothesis += fmt.Sprintf(" [confidence penalized: similar change scored %.0f recently]", r.TotalScore)
			p.log.Info("repeat hypothesis penalized",
				slog.String("parameter", t.Parameter),
				slog.Float64("prior_score", r.TotalScore))
			break
		}
	}
	return nil
}

// Reprioritize rescores the whole backlog, orders it by priority descending
// with smaller change magnitude winning ties, and persists execution order.
func (p *Prioritizer) Reprioritize() error {
	backlog, err := p.st.ListBacklog()
	if err != nil {
		return fmt.Errorf("load backlog: %w", err)
	}
	for _, t := range backlog {
		t.Priority = p.Score(t)
	}
	sort.SliceStable(backlog, func(i, j int) bool {
		if backlog[i].Priority != backlog[j].Priority {
			return backlog[i].Priority > backlog[j].Priority
		}
		mi := math.Abs(backlog[i].ProposedValue - backlog[i].CurrentValue)
		mj := math.Abs(backlog[j].ProposedValue - backlog[j].CurrentValue)
		return mi < mj
	})
	for i, t := range backlog {
		t.ExecutionOrder = i + 1
		if err := p.st.UpdatePlannedTest(t); err != nil {
			return fmt.Errorf("persist order: %w", err)
		}
	}
	return nil
}

// Promote moves a proposed test to pending. Refused while another test is
// active for the same parameter: at most one change may be in flight per
// parameter at a time.
func (p *Prioritizer) Promote(id int64) (*store.PlannedTest, error) {
	t, err := p.st.GetPlannedTest(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("planned test %d not found", id)
	}
	if t.Status != store.TestProposed {
		return nil, fmt.Errorf("%w: %s -> pending", ErrBadTransition, t.Status)
	}
	active, err := p.st.ActiveTest(t.Parameter)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%w: test %d is active for %s", ErrActiveTest, active.ID, t.Parameter)
	}
	t.Status = store.TestPending
	if err := p.st.UpdatePlannedTest(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Cancel terminates a proposed or pending test. A first-class operator
// action between invocations, not an error path.
func (p *Prioritizer) Cancel(id int64) (*store.PlannedTest, error) {
	t, err := p.st.GetPlannedTest(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("planned test %d not found", id)
	}
	if t.Status != store.TestProposed && t.Status != store.TestPending {
		return nil, fmt.Errorf("%w: %s -> cancelled", ErrBadTransition, t.Status)
	}
	t.Status = store.TestCancelled
	if err := p.st.UpdatePlannedTest(t); err != nil {
		return nil, err
	}
	return t, nil
}
