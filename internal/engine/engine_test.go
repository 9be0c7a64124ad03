package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"hearth/internal/device"
	"hearth/internal/evaluate"
	"hearth/internal/metric"
	"hearth/internal/param"
	"hearth/internal/prioritize"
	"hearth/internal/schedule"
	"hearth/internal/store"
	"hearth/internal/validate"
)

func testCatalog(t *testing.T) *param.Catalog {
	t.Helper()
	c, err := param.NewCatalog([]param.Definition{
		{ID: param.HeatingCurveOffset, Min: -5, Max: 5, MaxStep: 2},
		{ID: param.CurveSlope, Min: 0.2, Max: 1.2, MaxStep: 0.1, MinInterval: 96 * time.Hour},
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// metricStub serves one fixed snapshot for every window.
type metricStub struct {
	snap metric.Snapshot
}

func (m *metricStub) Aggregate(_ context.Context, start, end time.Time) (*metric.Snapshot, error) {
	s := m.snap
	s.WindowStart = start
	s.WindowEnd = end
	return &s, nil
}

// forecastStub serves one canned forecast.
type forecastStub struct {
	fc  *schedule.Forecast
	err error
}

func (f *forecastStub) Forecast(context.Context, int) (*schedule.Forecast, error) {
	return f.fc, f.err
}

func cheapFallingForecast(issued time.Time) *schedule.Forecast {
	fc := &schedule.Forecast{IssuedAt: issued}
	for h := 0; h < 12; h++ {
		fc.Price = append(fc.Price, schedule.PricePoint{HourOffset: h, Level: schedule.PriceCheap})
		fc.Outdoor = append(fc.Outdoor, schedule.TempPoint{HourOffset: h, TempC: 5 - float64(h)})
	}
	return fc
}

type fixture struct {
	st      *store.MemStore
	ctrl    *device.Mock
	catalog *param.Catalog
	metrics *metricStub
	eng     *Engine
}

func newFixture(t *testing.T, src schedule.Source) *fixture {
	t.Helper()
	st := store.NewMemStore()
	catalog := testCatalog(t)
	ctrl := device.NewMock(map[string]float64{
		param.HeatingCurveOffset: 0,
		param.CurveSlope:         0.7,
	})
	metrics := &metricStub{snap: metric.Snapshot{
		COP: 3.2, DeltaT: 6.0, IndoorTemp: 21.0, OutdoorTemp: 5.0, SampleCount: 100,
	}}

	ev := evaluate.New(evaluate.DefaultConfig(), metrics, st)
	var sched *schedule.Scheduler
	if src != nil {
		sched = schedule.New(schedule.DefaultConfig(), catalog, src, nil, nil)
	}
	pri := prioritize.New(prioritize.DefaultConfig(), catalog, st, nil)
	eng := New(validate.DefaultConfig(), catalog, st, ctrl, ev, sched, pri)
	return &fixture{st: st, ctrl: ctrl, catalog: catalog, metrics: metrics, eng: eng}
}

func decisions(t *testing.T, st store.Store) []*store.DecisionLogEntry {
	t.Helper()
	out, err := st.ListDecisionsSince("2000-01-01T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestRunCycleAppliesScheduledMove(t *testing.T) {
	now := time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)
	f := newFixture(t, &forecastStub{fc: cheapFallingForecast(now.Add(-10 * time.Minute))})

	report, err := f.eng.RunCycle(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if report.CycleID == "" {
		t.Error("report has no cycle id")
	}
	if len(report.Outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(report.Outcomes))
	}
	out := report.Outcomes[0]
	if !out.Applied || out.ChangeID == 0 {
		t.Fatalf("scheduled move not applied: %+v", out)
	}

	// Device, change record, and decision log all agree.
	state, err := f.ctrl.ReadState(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := state.Value(param.HeatingCurveOffset); v != 2 {
		t.Errorf("device value = %f, want 2 after the +2 cell", v)
	}
	change, err := f.st.GetChange(out.ChangeID)
	if err != nil || change == nil {
		t.Fatalf("change %d not recorded: %v", out.ChangeID, err)
	}
	if change.NewValue != 2 || change.OldValue != 0 {
		t.Errorf("change = %+v, want 0 -> 2", change)
	}

	log := decisions(t, f.st)
	if len(log) != 1 {
		t.Fatalf("decision log has %d entries, want exactly 1", len(log))
	}
	if !log[0].Applied || log[0].ChangeID != out.ChangeID || log[0].CycleID != report.CycleID {
		t.Errorf("log entry = %+v", log[0])
	}
}

func TestRunCycleLogsHold(t *testing.T) {
	now := time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)
	f := newFixture(t, &forecastStub{err: schedule.ErrStale})

	report, err := f.eng.RunCycle(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Outcomes) != 1 || report.Outcomes[0].Applied {
		t.Fatalf("outcomes = %+v, want one unapplied hold", report.Outcomes)
	}

	log := decisions(t, f.st)
	if len(log) != 1 {
		t.Fatalf("decision log has %d entries, want 1", len(log))
	}
	if log[0].Action != string(param.ActionHold) || log[0].Applied {
		t.Errorf("log entry = %+v, want unapplied hold", log[0])
	}
	if log[0].Reasoning == "" {
		t.Error("hold logged without a reason")
	}
}

func TestRunCycleRejectionLoggedOnce(t *testing.T) {
	now := time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)
	f := newFixture(t, nil)

	// A pending test whose step violates the limit; the soft check at propose
	// time is bypassed on purpose, the hard gate must catch it.
	pt := &store.PlannedTest{
		Parameter:     param.CurveSlope,
		CurrentValue:  0.7,
		ProposedValue: 1.1, // step 0.4 > max 0.1
		Confidence:    0.9,
		Status:        store.TestPending,
		Origin:        string(param.OriginRule),
	}
	if _, err := f.st.CreatePlannedTest(pt); err != nil {
		t.Fatal(err)
	}

	report, err := f.eng.RunCycle(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Outcomes) != 1 || report.Outcomes[0].Applied {
		t.Fatalf("outcomes = %+v, want one rejection", report.Outcomes)
	}
	if !strings.Contains(report.Outcomes[0].RejectReason, "step size") {
		t.Errorf("reject reason = %q", report.Outcomes[0].RejectReason)
	}

	log := decisions(t, f.st)
	if len(log) != 1 {
		t.Fatalf("decision log has %d entries, want exactly 1", len(log))
	}
	if log[0].Applied || log[0].RejectReason == "" {
		t.Errorf("log entry = %+v, want rejection with reason", log[0])
	}

	// No change record, device untouched, test closed out.
	if open, _ := f.st.ListUnevaluatedChanges(); len(open) != 0 {
		t.Errorf("changes recorded for a rejected decision: %+v", open)
	}
	state, _ := f.ctrl.ReadState(context.Background())
	if v, _ := state.Value(param.CurveSlope); v != 0.7 {
		t.Errorf("device value = %f, want untouched 0.7", v)
	}
	got, _ := f.st.GetPlannedTest(pt.ID)
	if got.Status != store.TestCancelled {
		t.Errorf("test status = %q, want cancelled after rejection", got.Status)
	}
}

func TestRunCycleDeviceFailureNotRecorded(t *testing.T) {
	now := time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)
	f := newFixture(t, &forecastStub{fc: cheapFallingForecast(now.Add(-10 * time.Minute))})
	f.ctrl.FailNextApply = context.DeadlineExceeded

	report, err := f.eng.RunCycle(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Outcomes) != 1 || report.Outcomes[0].Applied {
		t.Fatalf("outcomes = %+v, want unapplied", report.Outcomes)
	}
	if !strings.Contains(report.Outcomes[0].RejectReason, "device write failed") {
		t.Errorf("reject reason = %q", report.Outcomes[0].RejectReason)
	}
	if open, _ := f.st.ListUnevaluatedChanges(); len(open) != 0 {
		t.Errorf("unconfirmed write recorded as change: %+v", open)
	}
	log := decisions(t, f.st)
	if len(log) != 1 || log[0].Applied {
		t.Fatalf("log = %+v, want one unapplied entry", log)
	}
}

func TestRunCycleEvaluatesAndReverts(t *testing.T) {
	now := time.Date(2026, 2, 5, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, nil)

	// The change made everything worse; the fixed snapshot source yields
	// identical windows, so force the score down through a comfort crash plus
	// efficiency loss by using a per-window source instead.
	applied := now.Add(-100 * time.Hour)
	change := &store.ParameterChange{
		Parameter: param.HeatingCurveOffset,
		OldValue:  0,
		NewValue:  -2,
		Origin:    string(param.OriginRule),
		AppliedAt: applied.Format(time.RFC3339),
	}
	changeID, err := f.st.CreateChange(change)
	if err != nil {
		t.Fatal(err)
	}
	change.ID = changeID

	active := &store.PlannedTest{
		Parameter:     param.HeatingCurveOffset,
		CurrentValue:  0,
		ProposedValue: -2,
		Confidence:    0.8,
		Origin:        string(param.OriginRule),
	}
	if _, err := f.st.CreatePlannedTest(active); err != nil {
		t.Fatal(err)
	}
	active.Status = store.TestActive
	active.ChangeID = changeID
	if err := f.st.UpdatePlannedTest(active); err != nil {
		t.Fatal(err)
	}

	// Windows before the change look healthy; windows after are bad.
	badAfter := &windowedSource{
		cutoff: applied,
		before: metric.Snapshot{COP: 3.2, DeltaT: 6.0, IndoorTemp: 21.0, OutdoorTemp: 5.0, Cost: 10, SampleCount: 100},
		after:  metric.Snapshot{COP: 2.2, DeltaT: 10.0, IndoorTemp: 21.0, OutdoorTemp: 5.0, Cost: 14, SampleCount: 100},
	}
	ev := evaluate.New(evaluate.DefaultConfig(), badAfter, f.st)
	eng := New(validate.DefaultConfig(), f.catalog, f.st, f.ctrl, ev, nil, nil)

	// Put the device at the changed value so the revert has something to undo.
	if err := f.ctrl.Apply(context.Background(), param.HeatingCurveOffset, -2); err != nil {
		t.Fatal(err)
	}

	report, err := eng.RunCycle(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Evaluated) != 1 {
		t.Fatalf("evaluated %d changes, want 1", len(report.Evaluated))
	}
	result := report.Evaluated[0]
	if result.Recommendation != evaluate.RecRevert {
		t.Fatalf("recommendation = %q (score %.0f), want revert", result.Recommendation, result.TotalScore)
	}

	// The active test is closed out with the result attached.
	closed, err := f.st.GetPlannedTest(active.ID)
	if err != nil {
		t.Fatal(err)
	}
	if closed.Status != store.TestCompleted || closed.ResultID != result.ID {
		t.Errorf("test = %+v, want completed with result %d", closed, result.ID)
	}

	// The revert decision was applied in the same cycle.
	if len(report.Outcomes) != 1 {
		t.Fatalf("outcomes = %+v, want the revert", report.Outcomes)
	}
	out := report.Outcomes[0]
	if out.Decision.Action != param.ActionRevert || !out.Applied {
		t.Fatalf("outcome = %+v, want applied revert", out)
	}
	state, _ := f.ctrl.ReadState(context.Background())
	if v, _ := state.Value(param.HeatingCurveOffset); v != 0 {
		t.Errorf("device value = %f, want reverted to 0", v)
	}
}

func TestRunCycleRevertsInsideCooldown(t *testing.T) {
	now := time.Date(2026, 2, 5, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, nil)

	// curve_slope carries a 96h change interval, but its dwell window is only
	// 49h. The revert recommended at +50h must not wait out the cooldown:
	// there is exactly one evaluation pass per change, so a rejected revert
	// would leave the bad value on the device for good.
	applied := now.Add(-50 * time.Hour)
	change := &store.ParameterChange{
		Parameter: param.CurveSlope,
		OldValue:  0.7,
		NewValue:  0.6,
		Origin:    string(param.OriginRule),
		AppliedAt: applied.Format(time.RFC3339),
	}
	changeID, err := f.st.CreateChange(change)
	if err != nil {
		t.Fatal(err)
	}
	change.ID = changeID

	badAfter := &windowedSource{
		cutoff: applied,
		before: metric.Snapshot{COP: 3.2, DeltaT: 6.0, IndoorTemp: 21.0, OutdoorTemp: 5.0, Cost: 10, SampleCount: 100},
		after:  metric.Snapshot{COP: 2.2, DeltaT: 10.0, IndoorTemp: 21.0, OutdoorTemp: 5.0, Cost: 14, SampleCount: 100},
	}
	ev := evaluate.New(evaluate.DefaultConfig(), badAfter, f.st)
	eng := New(validate.DefaultConfig(), f.catalog, f.st, f.ctrl, ev, nil, nil)

	if err := f.ctrl.Apply(context.Background(), param.CurveSlope, 0.6); err != nil {
		t.Fatal(err)
	}

	report, err := eng.RunCycle(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Evaluated) != 1 || report.Evaluated[0].Recommendation != evaluate.RecRevert {
		t.Fatalf("evaluated = %+v, want one revert recommendation", report.Evaluated)
	}
	if len(report.Outcomes) != 1 {
		t.Fatalf("outcomes = %+v, want the revert", report.Outcomes)
	}
	out := report.Outcomes[0]
	if !out.Applied {
		t.Fatalf("revert rejected (%q), want applied despite the change interval", out.RejectReason)
	}
	state, _ := f.ctrl.ReadState(context.Background())
	if v, _ := state.Value(param.CurveSlope); v != 0.7 {
		t.Errorf("device value = %f, want reverted to 0.7", v)
	}
}

// windowedSource serves a healthy snapshot for windows before the cutoff and
// a degraded one after.
type windowedSource struct {
	cutoff        time.Time
	before, after metric.Snapshot
}

func (w *windowedSource) Aggregate(_ context.Context, start, end time.Time) (*metric.Snapshot, error) {
	s := w.before
	if start.After(w.cutoff) || start.Equal(w.cutoff) {
		s = w.after
	}
	s.WindowStart = start
	s.WindowEnd = end
	return &s, nil
}
