package schedule

import (
	"context"
	"strings"
	"testing"
	"time"

	"hearth/internal/param"
)

func testCatalog(t *testing.T) *param.Catalog {
	t.Helper()
	c, err := param.NewCatalog([]param.Definition{{
		ID:      param.HeatingCurveOffset,
		Min:     -5,
		Max:     5,
		MaxStep: 2,
	}})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func testState(current float64) *param.DeviceState {
	return &param.DeviceState{
		Values:     map[string]float64{param.HeatingCurveOffset: current},
		IndoorTemp: 21.0,
		ReadAt:     time.Now().UTC(),
	}
}

// staticSource serves one canned forecast (or an error).
type staticSource struct {
	fc  *Forecast
	err error
}

func (s *staticSource) Forecast(context.Context, int) (*Forecast, error) {
	return s.fc, s.err
}

// flat builds a forecast with a uniform price level and a linear temperature
// ramp of totalDelta degrees over 12 hours.
func flat(issued time.Time, level PriceLevel, totalDelta float64) *Forecast {
	fc := &Forecast{IssuedAt: issued}
	for h := 0; h < 12; h++ {
		fc.Price = append(fc.Price, PricePoint{HourOffset: h, Level: level})
		fc.Outdoor = append(fc.Outdoor, TempPoint{HourOffset: h, TempC: 5 + totalDelta*float64(h)/11})
	}
	return fc
}

func TestPlanMatrix(t *testing.T) {
	now := time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		level     PriceLevel
		tempDelta float64
		wantSteps float64 // in StepUnit units; 0 means hold
	}{
		{"cheap and falling buffers hard", PriceCheap, -4, +2},
		{"cheap and stable buffers mildly", PriceCheap, 0, +1},
		{"cheap and rising holds", PriceCheap, +4, 0},
		{"normal and falling buffers mildly", PriceNormal, -4, +1},
		{"normal and stable holds", PriceNormal, 0, 0},
		{"normal and rising reduces mildly", PriceNormal, +4, -1},
		{"expensive and falling favors comfort", PriceExpensive, -4, -1},
		{"expensive and stable reduces mildly", PriceExpensive, 0, -1},
		{"expensive and rising reduces hard", PriceExpensive, +4, -2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			src := &staticSource{fc: flat(now.Add(-10*time.Minute), tt.level, tt.tempDelta)}
			s := New(cfg, testCatalog(t), src, nil, nil)

			dec, err := s.Plan(context.Background(), testState(0), now)
			if err != nil {
				t.Fatal(err)
			}
			if tt.wantSteps == 0 {
				if dec.Action != param.ActionHold {
					t.Fatalf("action = %q (%+v), want hold", dec.Action, dec)
				}
				return
			}
			if dec.Action != param.ActionAdjust {
				t.Fatalf("action = %q (reason %q), want adjust", dec.Action, dec.Reasoning)
			}
			want := tt.wantSteps * cfg.StepUnit
			if dec.SuggestedValue-dec.CurrentValue != want {
				t.Errorf("step = %f, want %f", dec.SuggestedValue-dec.CurrentValue, want)
			}
		})
	}
}

func TestPlanHoldsOnStaleForecast(t *testing.T) {
	now := time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()

	tests := []struct {
		name string
		src  Source
	}{
		{"source error", &staticSource{err: ErrStale}},
		{"stale issue time", &staticSource{fc: flat(now.Add(-3*time.Hour), PriceCheap, -4)}},
		{"empty forecast", &staticSource{fc: &Forecast{IssuedAt: now}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(cfg, testCatalog(t), tt.src, nil, nil)
			dec, err := s.Plan(context.Background(), testState(0), now)
			if err != nil {
				t.Fatal(err)
			}
			if dec.Action != param.ActionHold {
				t.Fatalf("action = %q, want hold", dec.Action)
			}
			if dec.Reasoning == "" {
				t.Error("hold decision carries no reason")
			}
		})
	}
}

func TestPlanWaitsBeyondLeadTime(t *testing.T) {
	now := time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)
	cfg := DefaultConfig() // 3h thermal lag

	// Expensive hours start at hour 8, well beyond the 3h lead.
	fc := &Forecast{IssuedAt: now.Add(-10 * time.Minute)}
	for h := 0; h < 12; h++ {
		level := PriceNormal
		if h >= 8 {
			level = PriceExpensive
		}
		fc.Price = append(fc.Price, PricePoint{HourOffset: h, Level: level})
		fc.Outdoor = append(fc.Outdoor, TempPoint{HourOffset: h, TempC: 5})
	}

	s := New(cfg, testCatalog(t), &staticSource{fc: fc}, nil, nil)
	dec, err := s.Plan(context.Background(), testState(0), now)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Action != param.ActionHold {
		t.Fatalf("action = %q, want hold until the trigger is within lead time", dec.Action)
	}
	if !strings.Contains(dec.Reasoning, "lead") {
		t.Errorf("reason %q does not mention the lead time", dec.Reasoning)
	}
}

func TestPlanClampsAtBounds(t *testing.T) {
	now := time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	src := &staticSource{fc: flat(now.Add(-10*time.Minute), PriceCheap, -4)}
	s := New(cfg, testCatalog(t), src, nil, nil)

	// Already at the max: the +2 cell has nowhere to go and degrades to hold.
	dec, err := s.Plan(context.Background(), testState(5), now)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Action != param.ActionHold {
		t.Fatalf("action = %q, want hold at the upper bound", dec.Action)
	}

	// One unit below the max: the +2 move is clamped to +1.
	dec, err = s.Plan(context.Background(), testState(4), now)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Action != param.ActionAdjust || dec.SuggestedValue != 5 {
		t.Fatalf("got %+v, want adjust clamped to 5", dec)
	}
}

func TestPlanHoldsWithoutStateValue(t *testing.T) {
	now := time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)
	s := New(DefaultConfig(), testCatalog(t), &staticSource{fc: flat(now, PriceCheap, -4)}, nil, nil)
	dec, err := s.Plan(context.Background(), &param.DeviceState{}, now)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Action != param.ActionHold {
		t.Fatalf("action = %q, want hold when the device omits the parameter", dec.Action)
	}
}

func TestOutdoorTrend(t *testing.T) {
	points := func(deltas ...float64) []TempPoint {
		var out []TempPoint
		for i, d := range deltas {
			out = append(out, TempPoint{HourOffset: i, TempC: 5 + d})
		}
		return out
	}
	tests := []struct {
		name string
		pts  []TempPoint
		want Trend
	}{
		{"falling", points(0, -0.5, -1.0, -1.6, -2.0, -2.4, -2.8), TrendFalling},
		{"rising", points(0, 0.5, 1.0, 1.6, 2.0, 2.4, 2.8), TrendRising},
		{"stable", points(0, 0.3, -0.2, 0.4, 0.1, -0.3, 0.2), TrendStable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outdoorTrend(tt.pts, 6, 1.5); got != tt.want {
				t.Errorf("outdoorTrend = %q, want %q", got, tt.want)
			}
		})
	}
}
