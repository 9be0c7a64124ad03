package reason

import (
	"context"
	"fmt"

	"hearth/internal/param"
)

// RuleProvider is a deterministic heuristic provider. It never fails, which
// makes it the natural terminal element of a fallback chain: when every
// remote backend is down the engine still gets a sane, structured proposal.
type RuleProvider struct{}

func (RuleProvider) Name() string { return "rules" }

// Propose pattern-matches metric thresholds to known remedies.
func (RuleProvider) Propose(_ context.Context, rc Context) (*Proposal, error) {
	m := rc.Metrics
	if m == nil || rc.State == nil {
		return &Proposal{Action: "hold", Confidence: 0.5, Reasoning: "no metrics available"}, nil
	}

	defs := make(map[string]param.Definition, len(rc.Definitions))
	for _, d := range rc.Definitions {
		defs[d.ID] = d
	}

	// Low efficiency with the curve offset above its floor: the curve is
	// likely overshooting the demand; step the offset down.
	if def, ok := defs[param.HeatingCurveOffset]; ok && m.COP > 0 && m.COP < 3.0 {
		if cur, have := rc.State.Value(def.ID); have && cur > def.Min {
			suggested := def.Clamp(cur - min(1.0, def.MaxStep))
			return &Proposal{
				Action:         "adjust",
				Parameter:      def.ID,
				CurrentValue:   cur,
				SuggestedValue: suggested,
				Reasoning:      fmt.Sprintf("COP %.2f is low; lowering the heating curve offset should reduce overshoot", m.COP),
				Confidence:     0.72,
				ExpectedImpact: 0.05,
			}, nil
		}
	}

	// Thermal differential outside the 5-7C band: nudge the slope toward it.
	if def, ok := defs[param.CurveSlope]; ok && (m.DeltaT < 5.0 || m.DeltaT > 7.0) {
		if cur, have := rc.State.Value(def.ID); have {
			dir := 1.0
			if m.DeltaT > 7.0 {
				dir = -1.0
			}
			suggested := def.Clamp(cur + dir*min(0.5, def.MaxStep))
			if suggested != cur {
				return &Proposal{
					Action:         "adjust",
					Parameter:      def.ID,
					CurrentValue:   cur,
					SuggestedValue: suggested,
					Reasoning:      fmt.Sprintf("delta-T %.1fC is outside the 5-7C optimum band", m.DeltaT),
					Confidence:     0.70,
					ExpectedImpact: 0.03,
				}, nil
			}
		}
	}

	// Frequent compressor starts: raise the degree-minute threshold so the
	// regulator waits for a deeper deficit before starting.
	if def, ok := defs[param.CompressorThreshold]; ok && m.CycleCount > 12 {
		if cur, have := rc.State.Value(def.ID); have && cur < def.Max {
			suggested := def.Clamp(cur + min(10, def.MaxStep))
			return &Proposal{
				Action:         "adjust",
				Parameter:      def.ID,
				CurrentValue:   cur,
				SuggestedValue: suggested,
				Reasoning:      fmt.Sprintf("%d compressor starts in the window suggests short-cycling", m.CycleCount),
				Confidence:     0.71,
				ExpectedImpact: 0.04,
			}, nil
		}
	}

	return &Proposal{Action: "hold", Confidence: 0.6, Reasoning: "metrics within normal ranges"}, nil
}
