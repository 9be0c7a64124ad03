// Package validate implements the deterministic safety gate. Every proposed
// decision passes through Check before it may touch the device, regardless of
// whether it came from the scheduler, a rule, an operator, or a reasoning
// provider.
package validate

import (
	"fmt"
	"time"

	"hearth/internal/param"
)

// Rule identifiers, reported in Result.Rule on rejection.
const (
	RuleParameter  = "parameter"
	RuleBounds     = "bounds"
	RuleStep       = "step"
	RuleComfort    = "comfort"
	RuleConfidence = "confidence"
	RuleCooldown   = "cooldown"
)

// stepEpsilon is the slack applied to the step comparison; parameter steps
// are far coarser than this.
const stepEpsilon = 1e-9

// Config holds the validator's tunable thresholds. The comfort floor and the
// confidence threshold were re-tuned several times in production; both are
// configuration, not constants.
type Config struct {
	ComfortFloorC float64 `yaml:"comfort_floor_c"`
	MinConfidence float64 `yaml:"min_confidence"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		ComfortFloorC: 20.0,
		MinConfidence: 0.70,
	}
}

// Result is the outcome of gating one decision. Rejections carry the failed
// rule and a human-readable reason; they are logged, never silently dropped.
type Result struct {
	Accepted bool
	Rule     string
	Reason   string
}

func reject(rule, format string, args ...any) Result {
	return Result{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// Check gates one proposed decision against the parameter definition, the
// freshly-read device state, and the time of the most recent applied change
// for the same parameter (zero time if none). Rules run in a fixed order and
// the first failure short-circuits.
//
// Check is pure: no I/O, no clock reads. The caller supplies now.
func Check(cfg Config, dec param.Decision, def *param.Definition, state *param.DeviceState, lastChange, now time.Time) Result {
	if def == nil {
		return reject(RuleParameter, "unknown parameter %q", dec.Parameter)
	}

	current := dec.CurrentValue
	if v, ok := state.Value(def.ID); ok {
		// The device state read this cycle wins over whatever the proposal
		// believed the current value to be.
		current = v
	}

	// 1. Bounds.
	if !def.InBounds(dec.SuggestedValue) {
		return reject(RuleBounds, "%s: suggested %.2f outside bounds [%.2f, %.2f]",
			def.ID, dec.SuggestedValue, def.Min, def.Max)
	}

	// 2. Step limit. The epsilon absorbs float representation error so a
	// proposal at exactly the maximum step is not rejected (0.9 - 0.7 lands
	// a hair above 0.2 in binary).
	step := dec.SuggestedValue - current
	if step < 0 {
		step = -step
	}
	if step > def.MaxStep+stepEpsilon {
		return reject(RuleStep, "%s: step size %.2f exceeds max step %.2f",
			def.ID, step, def.MaxStep)
	}

	// 3. Comfort floor. Linear forward model: predicted indoor temperature
	// after the change must stay at or above the configured floor.
	if def.AffectsComfort && state != nil {
		predicted := state.IndoorTemp + def.ComfortGain*(dec.SuggestedValue-current)
		if predicted < cfg.ComfortFloorC {
			return reject(RuleComfort, "%s: predicted indoor %.1fC falls below comfort floor %.1fC",
				def.ID, predicted, cfg.ComfortFloorC)
		}
	}

	// 4. Confidence threshold.
	if dec.Confidence < cfg.MinConfidence {
		return reject(RuleConfidence, "confidence %.2f below minimum %.2f to apply",
			dec.Confidence, cfg.MinConfidence)
	}

	// 5. Per-parameter rate limit. MinInterval zero disables the rule, which
	// is how scheduler-driven parameters opt out of the A/B cooldown.
	// Reverts are exempt: undoing an applied change is not a new experiment,
	// and the dwell window that recommended it is shorter than the cooldown.
	if def.MinInterval > 0 && dec.Action != param.ActionRevert && !lastChange.IsZero() {
		elapsed := now.Sub(lastChange)
		if elapsed < def.MinInterval {
			return reject(RuleCooldown, "%s: last change %s ago, minimum interval is %s",
				def.ID, elapsed.Round(time.Minute), def.MinInterval)
		}
	}

	return Result{Accepted: true}
}
