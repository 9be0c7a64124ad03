// Package param holds the shared tuning data model: parameter reference data,
// the freshly-read device state, and the Decision shape that flows from the
// scheduler and reasoning providers through the safety gate.
package param

import (
	"fmt"
	"math"
	"time"
)

// Well-known parameter IDs for a typical heat-pump installation. Deployments
// define their own set in config; nothing below depends on these exact IDs.
const (
	HeatingCurveOffset  = "heating_curve_offset"
	CurveSlope          = "curve_slope"
	CompressorThreshold = "compressor_start_threshold"
	VentilationBoost    = "ventilation_boost"
)

// Origin tags where a decision came from.
type Origin string

const (
	OriginManual    Origin = "manual"
	OriginRule      Origin = "rule"
	OriginScheduler Origin = "scheduler"
	OriginReasoning Origin = "reasoning-service"
)

// Action is the kind of decision produced by the scheduler or a reasoning provider.
type Action string

const (
	ActionAdjust Action = "adjust"
	ActionHold   Action = "hold"
	ActionRevert Action = "revert"
)

// Definition is immutable reference data for one tunable parameter.
type Definition struct {
	ID      string  `yaml:"id" json:"id"`
	Name    string  `yaml:"name" json:"name"`
	Unit    string  `yaml:"unit" json:"unit"`
	Min     float64 `yaml:"min" json:"min"`
	Max     float64 `yaml:"max" json:"max"`
	MaxStep float64 `yaml:"max_step" json:"max_step"`

	// MinInterval is the minimum time between applied changes. Zero disables
	// rate limiting; parameters driven by the predictive scheduler set zero,
	// parameters evaluated only through the A/B cycle set the dwell length.
	MinInterval time.Duration `yaml:"-" json:"min_interval,omitempty"`

	// AffectsComfort marks parameters whose change moves indoor temperature.
	// ComfortGain is the linear forward-model slope: degrees C of indoor
	// temperature per unit of parameter change.
	AffectsComfort bool    `yaml:"affects_comfort" json:"affects_comfort"`
	ComfortGain    float64 `yaml:"comfort_gain" json:"comfort_gain"`
}

// InBounds reports whether v lies within [Min, Max].
func (d *Definition) InBounds(v float64) bool {
	return v >= d.Min && v <= d.Max
}

// Clamp limits v to [Min, Max].
func (d *Definition) Clamp(v float64) float64 {
	return math.Max(d.Min, math.Min(d.Max, v))
}

// SafetyMargin scores how far a proposed change sits from the hard limits,
// in [0,1]. 1 means the proposal is well inside bounds and uses little of the
// allowed step; 0 means it touches a bound or uses the full allowed step.
func (d *Definition) SafetyMargin(current, proposed float64) float64 {
	span := d.Max - d.Min
	if span <= 0 || d.MaxStep <= 0 {
		return 0
	}
	distBound := math.Min(proposed-d.Min, d.Max-proposed)
	if distBound < 0 {
		return 0
	}
	boundMargin := math.Min(1, distBound/(span/2))
	stepMargin := 1 - math.Min(1, math.Abs(proposed-current)/d.MaxStep)
	return (boundMargin + stepMargin) / 2
}

// Catalog is the set of parameter definitions for one installation.
type Catalog struct {
	defs []Definition
	byID map[string]*Definition
}

// NewCatalog validates the definitions and builds the lookup index.
func NewCatalog(defs []Definition) (*Catalog, error) {
	c := &Catalog{
		// Full capacity up front: byID stores pointers into defs, so the
		// backing array must never move.
		defs: make([]Definition, 0, len(defs)),
		byID: make(map[string]*Definition, len(defs)),
	}
	for _, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("param: definition with empty id")
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("param: duplicate definition %q", d.ID)
		}
		if d.Min >= d.Max {
			return nil, fmt.Errorf("param: %s: min %.2f must be below max %.2f", d.ID, d.Min, d.Max)
		}
		if d.MaxStep <= 0 {
			return nil, fmt.Errorf("param: %s: max_step must be positive", d.ID)
		}
		c.defs = append(c.defs, d)
		c.byID[d.ID] = &c.defs[len(c.defs)-1]
	}
	return c, nil
}

// Get returns the definition for id, or nil if unknown.
func (c *Catalog) Get(id string) *Definition {
	return c.byID[id]
}

// All returns the definitions in declaration order.
func (c *Catalog) All() []Definition {
	out := make([]Definition, len(c.defs))
	copy(out, c.defs)
	return out
}

// DeviceState is the appliance state read at the start of an invocation.
// It is owned by that invocation and must never be cached across cycles.
type DeviceState struct {
	Values      map[string]float64 `json:"values"`
	IndoorTemp  float64            `json:"indoor_temp"`
	OutdoorTemp float64            `json:"outdoor_temp"`
	ReadAt      time.Time          `json:"read_at"`
}

// Value returns the current value of a parameter, if the device reported it.
func (s *DeviceState) Value(id string) (float64, bool) {
	if s == nil || s.Values == nil {
		return 0, false
	}
	v, ok := s.Values[id]
	return v, ok
}

// Decision is one proposed setpoint action, whatever its origin. Every
// Decision is appended to the decision log whether or not it is applied.
type Decision struct {
	Action         Action  `json:"action"`
	Parameter      string  `json:"parameter"`
	CurrentValue   float64 `json:"current_value"`
	SuggestedValue float64 `json:"suggested_value"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	Origin         Origin  `json:"origin"`
}

// StepSize is the absolute magnitude of the proposed change.
func (d Decision) StepSize() float64 {
	return math.Abs(d.SuggestedValue - d.CurrentValue)
}
