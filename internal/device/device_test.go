package device

import (
	"context"
	"errors"
	"testing"
)

func TestMockReadState(t *testing.T) {
	m := NewMock(map[string]float64{"heating_curve_offset": -1})
	state, err := m.ReadState(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := state.Value("heating_curve_offset"); !ok || v != -1 {
		t.Errorf("value = %f, %v", v, ok)
	}
	if state.ReadAt.IsZero() {
		t.Error("state has no read time")
	}

	// The returned map is a copy; mutating it must not leak into the device.
	state.Values["heating_curve_offset"] = 99
	again, _ := m.ReadState(context.Background())
	if v, _ := again.Value("heating_curve_offset"); v != -1 {
		t.Errorf("caller mutation leaked into the mock: %f", v)
	}
}

func TestMockApply(t *testing.T) {
	m := NewMock(map[string]float64{"curve_slope": 0.7})

	if err := m.Apply(context.Background(), "curve_slope", 0.8); err != nil {
		t.Fatal(err)
	}
	state, _ := m.ReadState(context.Background())
	if v, _ := state.Value("curve_slope"); v != 0.8 {
		t.Errorf("value = %f, want 0.8", v)
	}

	if err := m.Apply(context.Background(), "afterburner", 1); err == nil {
		t.Error("Apply accepted an unknown parameter")
	}
}

func TestMockFailNextApply(t *testing.T) {
	m := NewMock(map[string]float64{"curve_slope": 0.7})
	injected := errors.New("bridge offline")
	m.FailNextApply = injected

	if err := m.Apply(context.Background(), "curve_slope", 0.8); !errors.Is(err, injected) {
		t.Fatalf("err = %v, want injected failure", err)
	}
	// The failure is one-shot and the value is untouched.
	state, _ := m.ReadState(context.Background())
	if v, _ := state.Value("curve_slope"); v != 0.7 {
		t.Errorf("value = %f, want untouched 0.7", v)
	}
	if err := m.Apply(context.Background(), "curve_slope", 0.8); err != nil {
		t.Errorf("second apply failed: %v", err)
	}
}

func TestMockReadSample(t *testing.T) {
	m := NewMock(nil)
	m.IndoorTemp = 22.5
	sample, err := m.ReadSample(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sample.IndoorTemp != 22.5 {
		t.Errorf("indoor = %f, want 22.5", sample.IndoorTemp)
	}
	if sample.PowerInputKW <= 0 || sample.HeatOutputKW <= sample.PowerInputKW {
		t.Errorf("implausible synthetic sample: %+v", sample)
	}
	if sample.Time == "" {
		t.Error("sample has no timestamp")
	}
}
