// Package store is the persistence facade: parameter changes, A/B test
// results, the planned-test backlog, the append-only decision log, and raw
// telemetry samples. Domain and CLI use only the Store interface; the
// implementation is SQLite or in-memory.
package store

import (
	"time"

	"hearth/internal/metric"
)

// DefaultDBPath is the default relative path for the SQLite DB.
// Open() creates the parent dir (e.g. .hearth).
const DefaultDBPath = ".hearth/hearth.db"

// PlannedTest lifecycle states.
const (
	TestProposed  = "proposed"
	TestPending   = "pending"
	TestActive    = "active"
	TestCompleted = "completed"
	TestCancelled = "cancelled"
)

// ABTestResult statuses.
const (
	ResultCompleted    = "completed"
	ResultInconclusive = "inconclusive"
)

// ParameterChange is one applied adjustment. Immutable once written; at most
// one ABTestResult refers to it.
type ParameterChange struct {
	ID        int64   `json:"id"`
	Parameter string  `json:"parameter"`
	OldValue  float64 `json:"old_value"`
	NewValue  float64 `json:"new_value"`
	Reason    string  `json:"reason"`
	Origin    string  `json:"origin"`
	AppliedAt string  `json:"applied_at"` // RFC3339 UTC
}

// AppliedTime parses AppliedAt. Zero time if unset or malformed.
func (c *ParameterChange) AppliedTime() time.Time {
	t, err := time.Parse(time.RFC3339, c.AppliedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ABTestResult is the scored before/after comparison for one change.
// Created once after the dwell window elapses, never mutated.
type ABTestResult struct {
	ID       int64  `json:"id"`
	ChangeID int64  `json:"change_id"`
	Status   string `json:"status"` // completed | inconclusive

	Before metric.Snapshot `json:"before"`
	After  metric.Snapshot `json:"after"`

	EfficiencyScore float64 `json:"efficiency_score"`
	DeltaTScore     float64 `json:"delta_t_score"`
	ComfortScore    float64 `json:"comfort_score"`
	CyclingScore    float64 `json:"cycling_score"`
	CostScore       float64 `json:"cost_score"`
	TotalScore      float64 `json:"total_score"` // 0-100

	WeatherDivergent bool   `json:"weather_divergent"`
	Recommendation   string `json:"recommendation"`
	Summary          string `json:"summary"`
	EvaluatedAt      string `json:"evaluated_at"`
}

// PlannedTest is a candidate experiment in the prioritized backlog.
type PlannedTest struct {
	ID             int64   `json:"id"`
	Parameter      string  `json:"parameter"`
	CurrentValue   float64 `json:"current_value"`
	ProposedValue  float64 `json:"proposed_value"`
	Hypothesis     string  `json:"hypothesis"`
	ExpectedGain   float64 `json:"expected_gain"` // fractional efficiency gain estimate
	Confidence     float64 `json:"confidence"`    // 0-1
	Priority       float64 `json:"priority"`
	ExecutionOrder int     `json:"execution_order"`
	Status         string  `json:"status"`
	Origin         string  `json:"origin"`
	ChangeID       int64   `json:"change_id,omitempty"` // set when active
	ResultID       int64   `json:"result_id,omitempty"` // set when completed
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

// DecisionLogEntry records every decision produced, applied or not. This is
// the sole feedback channel for what has been tried and whether it worked.
type DecisionLogEntry struct {
	ID             int64   `json:"id"`
	CycleID        string  `json:"cycle_id"`
	Action         string  `json:"action"`
	Parameter      string  `json:"parameter"`
	OldValue       float64 `json:"old_value"`
	SuggestedValue float64 `json:"suggested_value"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	Origin         string  `json:"origin"`
	Applied        bool    `json:"applied"`
	RejectReason   string  `json:"reject_reason,omitempty"`
	ChangeID       int64   `json:"change_id,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// TelemetrySample is one raw appliance reading, written by the surrounding
// poller and aggregated on demand.
type TelemetrySample struct {
	ID           int64   `json:"id"`
	Time         string  `json:"time"` // RFC3339 UTC
	HeatOutputKW float64 `json:"heat_output_kw"`
	PowerInputKW float64 `json:"power_input_kw"`
	SupplyTemp   float64 `json:"supply_temp"`
	ReturnTemp   float64 `json:"return_temp"`
	IndoorTemp   float64 `json:"indoor_temp"`
	OutdoorTemp  float64 `json:"outdoor_temp"`
	CompressorOn bool    `json:"compressor_on"`
	PricePerKWh  float64 `json:"price_per_kwh"`
}

// Store is the persistence interface. Every write is independently atomic; a
// failed write must not corrupt previously committed records.
type Store interface {
	// Parameter changes
	CreateChange(c *ParameterChange) (int64, error)
	GetChange(id int64) (*ParameterChange, error)
	LatestChange(parameter string) (*ParameterChange, error)
	ListChangesSince(since string) ([]*ParameterChange, error)
	// ListUnevaluatedChanges returns applied changes with no A/B result yet.
	ListUnevaluatedChanges() ([]*ParameterChange, error)

	// A/B results. SaveResult is idempotent per change: saving a second
	// result for the same change returns the existing one unchanged.
	SaveResult(r *ABTestResult) (int64, error)
	GetResult(id int64) (*ABTestResult, error)
	GetResultByChange(changeID int64) (*ABTestResult, error)
	ListResultsSince(since string) ([]*ABTestResult, error)

	// Planned tests
	CreatePlannedTest(t *PlannedTest) (int64, error)
	GetPlannedTest(id int64) (*PlannedTest, error)
	UpdatePlannedTest(t *PlannedTest) error
	// ListBacklog returns proposed and pending tests ordered by execution order.
	ListBacklog() ([]*PlannedTest, error)
	// ActiveTest returns the active test for a parameter, nil if none.
	ActiveTest(parameter string) (*PlannedTest, error)

	// Decision log: append-only.
	AppendDecision(e *DecisionLogEntry) (int64, error)
	ListDecisionsSince(since string) ([]*DecisionLogEntry, error)

	// Telemetry
	AddSample(s *TelemetrySample) (int64, error)
	ListSamples(start, end string) ([]*TelemetrySample, error)

	Close() error
}
