// Package engine runs one complete tuning cycle: read device state, score
// any experiment whose dwell window has elapsed, plan a predictive move,
// promote the next backlog test, and gate every candidate through the safety
// validator before it may touch the device. The engine holds no state between
// invocations; everything it knows comes from the store.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"hearth/internal/device"
	"hearth/internal/evaluate"
	"hearth/internal/logging"
	"hearth/internal/param"
	"hearth/internal/prioritize"
	"hearth/internal/schedule"
	"hearth/internal/store"
	"hearth/internal/validate"
)

// Outcome is one decision's fate within a cycle.
type Outcome struct {
	Decision     param.Decision `json:"decision"`
	Applied      bool           `json:"applied"`
	RejectReason string         `json:"reject_reason,omitempty"`
	ChangeID     int64          `json:"change_id,omitempty"`
}

// CycleReport summarizes one engine invocation.
type CycleReport struct {
	CycleID   string                `json:"cycle_id"`
	State     *param.DeviceState    `json:"state"`
	Evaluated []*store.ABTestResult `json:"evaluated,omitempty"`
	Outcomes  []Outcome             `json:"outcomes,omitempty"`
}

// Engine wires the collaborators for one installation.
type Engine struct {
	validateCfg validate.Config
	catalog     *param.Catalog
	st          store.Store
	ctrl        device.Controller
	evaluator   *evaluate.Evaluator
	scheduler   *schedule.Scheduler
	prioritizer *prioritize.Prioritizer
	log         *slog.Logger
}

// New creates an Engine. scheduler and prioritizer may be nil to run an
// evaluation-only cycle.
func New(validateCfg validate.Config, catalog *param.Catalog, st store.Store, ctrl device.Controller,
	ev *evaluate.Evaluator, sched *schedule.Scheduler, pri *prioritize.Prioritizer) *Engine {
	return &Engine{
		validateCfg: validateCfg,
		catalog:     catalog,
		st:          st,
		ctrl:        ctrl,
		evaluator:   ev,
		scheduler:   sched,
		prioritizer: pri,
		log:         logging.New("engine"),
	}
}

// RunCycle executes one synchronous tuning cycle at now. Order matters:
// evaluation first, so a fresh revert recommendation can act in the same
// cycle; then the predictive scheduler; then at most one backlog promotion.
func (e *Engine) RunCycle(ctx context.Context, now time.Time) (*CycleReport, error) {
	report := &CycleReport{CycleID: uuid.NewString()}
	e.log.Info("cycle start", slog.String("cycle", report.CycleID))

	// Device state is read fresh every cycle, never cached across cycles.
	state, err := e.ctrl.ReadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("read device state: %w", err)
	}
	report.State = state

	if err := e.evaluateDue(ctx, report, state, now); err != nil {
		return nil, err
	}

	if e.scheduler != nil {
		dec, err := e.scheduler.Plan(ctx, state, now)
		if err != nil {
			return nil, fmt.Errorf("plan: %w", err)
		}
		out, err := e.gateAndApply(ctx, report.CycleID, *dec, state, now)
		if err != nil {
			return nil, err
		}
		report.Outcomes = append(report.Outcomes, out)
	}

	if e.prioritizer != nil {
		if err := e.promoteNext(ctx, report, state, now); err != nil {
			return nil, err
		}
	}

	e.log.Info("cycle done",
		slog.String("cycle", report.CycleID),
		slog.Int("evaluated", len(report.Evaluated)),
		slog.Int("decisions", len(report.Outcomes)))
	return report, nil
}

// evaluateDue scores every applied change whose after-window has elapsed,
// closes out the planned test it belonged to, and turns a revert
// recommendation into an immediate revert decision.
func (e *Engine) evaluateDue(ctx context.Context, report *CycleReport, state *param.DeviceState, now time.Time) error {
	changes, err := e.st.ListUnevaluatedChanges()
	if err != nil {
		return fmt.Errorf("list unevaluated changes: %w", err)
	}
	for _, change := range changes {
		result, err := e.evaluator.Evaluate(ctx, change, now)
		if err != nil {
			if err == evaluate.ErrNotDue {
				continue
			}
			return fmt.Errorf("evaluate change %d: %w", change.ID, err)
		}
		report.Evaluated = append(report.Evaluated, result)

		if err := e.completeTest(change, result); err != nil {
			return err
		}

		if result.Recommendation == evaluate.RecRevert {
			dec := param.Decision{
				Action:         param.ActionRevert,
				Parameter:      change.Parameter,
				CurrentValue:   change.NewValue,
				SuggestedValue: change.OldValue,
				Confidence:     0.90,
				Reasoning:      fmt.Sprintf("reverting change %d: %s", change.ID, result.Summary),
				Origin:         param.OriginRule,
			}
			out, err := e.gateAndApply(ctx, report.CycleID, dec, state, now)
			if err != nil {
				return err
			}
			report.Outcomes = append(report.Outcomes, out)
		}
	}
	return nil
}

// completeTest links a fresh result back to the active planned test that
// produced the change, moving it to completed.
func (e *Engine) completeTest(change *store.ParameterChange, result *store.ABTestResult) error {
	t, err := e.st.ActiveTest(change.Parameter)
	if err != nil {
		return fmt.Errorf("lookup active test: %w", err)
	}
	if t == nil || t.ChangeID != change.ID {
		return nil
	}
	t.Status = store.TestCompleted
	t.ResultID = result.ID
	if err := e.st.UpdatePlannedTest(t); err != nil {
		return fmt.Errorf("complete test %d: %w", t.ID, err)
	}
	e.log.Info("planned test completed",
		slog.Int64("test", t.ID),
		slog.String("recommendation", result.Recommendation))
	return nil
}

// promoteNext activates the highest-priority pending test whose parameter has
// no change in flight, and applies its change. One promotion per cycle.
func (e *Engine) promoteNext(ctx context.Context, report *CycleReport, state *param.DeviceState, now time.Time) error {
	backlog, err := e.st.ListBacklog()
	if err != nil {
		return fmt.Errorf("list backlog: %w", err)
	}
	for _, t := range backlog {
		if t.Status != store.TestPending {
			continue
		}
		inFlight, err := e.parameterInFlight(t.Parameter)
		if err != nil {
			return err
		}
		if inFlight {
			continue
		}

		dec := param.Decision{
			Action:         param.ActionAdjust,
			Parameter:      t.Parameter,
			CurrentValue:   t.CurrentValue,
			SuggestedValue: t.ProposedValue,
			Confidence:     t.Confidence,
			Reasoning:      t.Hypothesis,
			Origin:         param.Origin(t.Origin),
		}
		out, err := e.gateAndApply(ctx, report.CycleID, dec, state, now)
		if err != nil {
			return err
		}
		report.Outcomes = append(report.Outcomes, out)

		if out.Applied {
			t.Status = store.TestActive
			t.ChangeID = out.ChangeID
		} else {
			// A rejected promotion is terminal for the test; the rejection
			// stays in the decision log as the explanation.
			t.Status = store.TestCancelled
		}
		if err := e.st.UpdatePlannedTest(t); err != nil {
			return fmt.Errorf("update test %d: %w", t.ID, err)
		}
		return nil
	}
	return nil
}

// parameterInFlight reports whether the parameter already has an active test
// or an applied change still awaiting evaluation.
func (e *Engine) parameterInFlight(parameter string) (bool, error) {
	active, err := e.st.ActiveTest(parameter)
	if err != nil {
		return false, fmt.Errorf("lookup active test: %w", err)
	}
	if active != nil {
		return true, nil
	}
	pending, err := e.st.ListUnevaluatedChanges()
	if err != nil {
		return false, fmt.Errorf("list unevaluated changes: %w", err)
	}
	for _, c := range pending {
		if c.Parameter == parameter {
			return true, nil
		}
	}
	return false, nil
}

// gateAndApply runs one decision through the safety validator and, when
// accepted, through the device. Every decision is appended to the decision
// log exactly once, applied or not. The device write happens before the
// change record: an unconfirmed write must never look like an applied change.
func (e *Engine) gateAndApply(ctx context.Context, cycleID string, dec param.Decision, state *param.DeviceState, now time.Time) (Outcome, error) {
	out := Outcome{Decision: dec}

	if dec.Action == param.ActionHold {
		if err := e.appendDecision(cycleID, dec, false, "", 0, now); err != nil {
			return out, err
		}
		return out, nil
	}

	def := e.catalog.Get(dec.Parameter)
	var lastChange time.Time
	if def != nil {
		latest, err := e.st.LatestChange(dec.Parameter)
		if err != nil {
			return out, fmt.Errorf("lookup latest change: %w", err)
		}
		if latest != nil {
			lastChange = latest.AppliedTime()
		}
	}

	res := validate.Check(e.validateCfg, dec, def, state, lastChange, now)
	if !res.Accepted {
		out.RejectReason = res.Reason
		e.log.Info("decision rejected",
			slog.String("parameter", dec.Parameter),
			slog.String("rule", res.Rule),
			slog.String("reason", res.Reason))
		if err := e.appendDecision(cycleID, dec, false, res.Reason, 0, now); err != nil {
			return out, err
		}
		return out, nil
	}

	if err := e.ctrl.Apply(ctx, dec.Parameter, dec.SuggestedValue); err != nil {
		out.RejectReason = "device write failed: " + err.Error()
		e.log.Error("device write failed",
			slog.String("parameter", dec.Parameter),
			slog.String("error", err.Error()))
		if err := e.appendDecision(cycleID, dec, false, out.RejectReason, 0, now); err != nil {
			return out, err
		}
		return out, nil
	}

	change := &store.ParameterChange{
		Parameter: dec.Parameter,
		OldValue:  dec.CurrentValue,
		NewValue:  dec.SuggestedValue,
		Reason:    dec.Reasoning,
		Origin:    string(dec.Origin),
		AppliedAt: now.UTC().Format(time.RFC3339),
	}
	if v, ok := state.Value(dec.Parameter); ok {
		change.OldValue = v
	}
	changeID, err := e.st.CreateChange(change)
	if err != nil {
		return out, fmt.Errorf("record change: %w", err)
	}
	change.ID = changeID
	out.Applied = true
	out.ChangeID = changeID

	if err := e.appendDecision(cycleID, dec, true, "", changeID, now); err != nil {
		return out, err
	}

	if _, err := e.evaluator.CaptureBaseline(ctx, change); err != nil {
		// The baseline is recomputed at evaluation time; a capture failure
		// here is a warning, not a cycle failure.
		e.log.Warn("baseline capture failed",
			slog.Int64("change", changeID),
			slog.String("error", err.Error()))
	}

	e.log.Info("change applied",
		slog.String("parameter", dec.Parameter),
		slog.Float64("old", change.OldValue),
		slog.Float64("new", change.NewValue),
		slog.Int64("change", changeID))
	return out, nil
}

func (e *Engine) appendDecision(cycleID string, dec param.Decision, applied bool, rejectReason string, changeID int64, now time.Time) error {
	_, err := e.st.AppendDecision(&store.DecisionLogEntry{
		CycleID:        cycleID,
		Action:         string(dec.Action),
		Parameter:      dec.Parameter,
		OldValue:       dec.CurrentValue,
		SuggestedValue: dec.SuggestedValue,
		Confidence:     dec.Confidence,
		Reasoning:      dec.Reasoning,
		Origin:         string(dec.Origin),
		Applied:        applied,
		RejectReason:   rejectReason,
		ChangeID:       changeID,
		CreatedAt:      now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("append decision: %w", err)
	}
	return nil
}
