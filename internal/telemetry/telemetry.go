// Package telemetry implements the metric aggregator over raw appliance
// samples recorded in the store. The surrounding poller writes samples; the
// core asks for window summaries on demand. Aggregation is idempotent and
// side-effect-free for a given window.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"hearth/internal/metric"
	"hearth/internal/store"
)

// Aggregator turns telemetry samples into MetricSnapshots.
type Aggregator struct {
	st store.Store

	// SampleInterval is the poller's cadence, used to integrate energy cost
	// from instantaneous power readings.
	SampleInterval time.Duration
}

// New creates an Aggregator reading from st.
func New(st store.Store, sampleInterval time.Duration) *Aggregator {
	if sampleInterval <= 0 {
		sampleInterval = 5 * time.Minute
	}
	return &Aggregator{st: st, SampleInterval: sampleInterval}
}

// Aggregate summarizes the samples in [start, end).
func (a *Aggregator) Aggregate(_ context.Context, start, end time.Time) (*metric.Snapshot, error) {
	samples, err := a.st.ListSamples(
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("load samples: %w", err)
	}

	snap := &metric.Snapshot{
		WindowStart: start,
		WindowEnd:   end,
		SampleCount: len(samples),
	}
	if len(samples) == 0 {
		return snap, nil
	}

	var heat, power, deltaT, indoor, outdoor, cost float64
	cycles := 0
	prevOn := samples[0].CompressorOn
	intervalH := a.SampleInterval.Hours()

	for i, s := range samples {
		heat += s.HeatOutputKW
		power += s.PowerInputKW
		deltaT += s.SupplyTemp - s.ReturnTemp
		indoor += s.IndoorTemp
		outdoor += s.OutdoorTemp
		cost += s.PowerInputKW * s.PricePerKWh * intervalH
		if i > 0 && s.CompressorOn && !prevOn {
			cycles++
		}
		prevOn = s.CompressorOn
	}

	n := float64(len(samples))
	if power > 0 {
		snap.COP = heat / power
	}
	snap.DeltaT = deltaT / n
	snap.IndoorTemp = indoor / n
	snap.OutdoorTemp = outdoor / n
	snap.CycleCount = cycles
	snap.Cost = cost
	return snap, nil
}

var _ metric.Source = (*Aggregator)(nil)
