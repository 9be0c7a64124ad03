// Package metric defines the window-aggregated telemetry summary the tuning
// core consumes, and the Source interface the aggregator collaborator
// implements.
package metric

import (
	"context"
	"time"
)

// Snapshot is a fixed-shape summary of one time window. Snapshots are
// consumed transiently; they are only persisted when embedded inside an
// A/B test result.
type Snapshot struct {
	COP         float64   `json:"cop"`          // heat delivered / energy consumed
	DeltaT      float64   `json:"delta_t"`      // mean supply-return differential, degrees C
	IndoorTemp  float64   `json:"indoor_temp"`  // mean comfort temperature
	OutdoorTemp float64   `json:"outdoor_temp"` // mean exogenous temperature
	CycleCount  int       `json:"cycle_count"`  // compressor starts in the window
	Cost        float64   `json:"cost"`         // energy cost estimate for the window
	SampleCount int       `json:"sample_count"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// Source aggregates raw telemetry into a Snapshot for an arbitrary window.
// Implementations must be idempotent and side-effect-free for a given window.
type Source interface {
	Aggregate(ctx context.Context, start, end time.Time) (*Snapshot, error)
}
