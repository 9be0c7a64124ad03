package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// ErrWriterHeld is returned by Open when another live process holds the
// writer lease, and by write methods after the lease has been lost to a
// sibling. The persistence layer serializes writers; the core assumes it is
// the only writer during an invocation.
var ErrWriterHeld = errors.New("store: writer lease held by another process")

// ErrReadOnly is returned by write methods on a store opened with OpenReader.
var ErrReadOnly = errors.New("store: opened read-only")

// leaseTTL is how long a lease survives without renewal before it is
// considered abandoned (e.g. a crashed invocation). Live holders renew well
// inside the TTL, so only a dead process's lease can be stolen.
const (
	leaseTTL        = 15 * time.Minute
	leaseRenewEvery = leaseTTL / 3
)

// nowUTC returns the current UTC time as an ISO 8601 string.
func nowUTC() string { return time.Now().UTC().Format(time.RFC3339) }

func nullInt(ni sql.NullInt64) int64 {
	if ni.Valid {
		return ni.Int64
	}
	return 0
}

func nilIfZero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

// SqlStore implements Store with SQLite.
type SqlStore struct {
	db       *sql.DB
	owner    string
	readOnly bool

	leaseLost atomic.Bool
	stopRenew chan struct{}
	renewDone chan struct{}
}

// Open opens (or creates) the SQLite DB at path, applies the schema, and
// acquires the single-writer lease, renewing it in the background until
// Close. The parent directory is created if missing.
func Open(path string) (*SqlStore, error) {
	s, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := s.acquireLease(); err != nil {
		s.db.Close()
		return nil, err
	}
	s.stopRenew = make(chan struct{})
	s.renewDone = make(chan struct{})
	go s.renewLoop()
	return s, nil
}

// OpenReader opens the DB without taking the writer lease, for commands that
// only inspect it and must coexist with a live writer. Write methods return
// ErrReadOnly.
func OpenReader(path string) (*SqlStore, error) {
	s, err := open(path)
	if err != nil {
		return nil, err
	}
	s.readOnly = true
	return s, nil
}

func open(path string) (*SqlStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	s := &SqlStore{db: db, owner: fmt.Sprintf("pid-%d", os.Getpid())}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close stops lease renewal, releases the lease, and closes the DB.
func (s *SqlStore) Close() error {
	if s.stopRenew != nil {
		close(s.stopRenew)
		<-s.renewDone
	}
	if !s.readOnly {
		_, _ = s.db.Exec(`DELETE FROM writer_lease WHERE owner = ?`, s.owner)
	}
	return s.db.Close()
}

func (s *SqlStore) ensureSchema() error {
	if _, err := s.db.Exec(schemaV1); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.Exec(`INSERT INTO schema_version(version) VALUES(?)`, schemaVersion1); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion1 {
		return fmt.Errorf("unsupported schema version %d (want %d)", version, schemaVersion1)
	}
	return nil
}

// acquireLease claims the advisory single-writer lease, stealing it only
// when the previous owner's lease is older than the TTL.
func (s *SqlStore) acquireLease() error {
	cutoff := time.Now().UTC().Add(-leaseTTL).Format(time.RFC3339)
	res, err := s.db.Exec(
		`INSERT INTO writer_lease(id, owner, acquired_at) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET owner = excluded.owner, acquired_at = excluded.acquired_at
		 WHERE writer_lease.owner = excluded.owner OR writer_lease.acquired_at < ?`,
		s.owner, nowUTC(), cutoff,
	)
	if err != nil {
		return fmt.Errorf("acquire writer lease: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrWriterHeld
	}
	return nil
}

// renewLoop keeps the lease fresh while this process lives. A lost lease
// (stolen after this process stalled past the TTL) poisons all further
// writes rather than letting two writers interleave.
func (s *SqlStore) renewLoop() {
	defer close(s.renewDone)
	ticker := time.NewTicker(leaseRenewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopRenew:
			return
		case <-ticker.C:
			if err := s.renewLease(); err != nil {
				return
			}
		}
	}
}

// renewLease refreshes acquired_at while this process still owns the lease.
// Zero rows affected means a sibling stole it; the store marks itself
// lease-lost and refuses writes from then on.
func (s *SqlStore) renewLease() error {
	res, err := s.db.Exec(
		`UPDATE writer_lease SET acquired_at = ? WHERE id = 1 AND owner = ?`,
		nowUTC(), s.owner,
	)
	if err != nil {
		return fmt.Errorf("renew writer lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.leaseLost.Store(true)
		return fmt.Errorf("writer lease lost: %w", ErrWriterHeld)
	}
	return nil
}

// writeGuard gates every write: read-only handles never write, and a writer
// that lost its lease must not write alongside the thief.
func (s *SqlStore) writeGuard() error {
	if s.readOnly {
		return ErrReadOnly
	}
	if s.leaseLost.Load() {
		return fmt.Errorf("writer lease lost: %w", ErrWriterHeld)
	}
	return nil
}

// --- Parameter changes ---

func (s *SqlStore) CreateChange(c *ParameterChange) (int64, error) {
	if err := s.writeGuard(); err != nil {
		return 0, err
	}
	if c == nil {
		return 0, errors.New("change is nil")
	}
	if c.AppliedAt == "" {
		c.AppliedAt = nowUTC()
	}
	res, err := s.db.Exec(
		`INSERT INTO parameter_changes(parameter, old_value, new_value, reason, origin, applied_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		c.Parameter, c.OldValue, c.NewValue, c.Reason, c.Origin, c.AppliedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert change: %w", err)
	}
	return res.LastInsertId()
}

const changeCols = `id, parameter, old_value, new_value, reason, origin, applied_at`

func scanChange(row interface{ Scan(...any) error }) (*ParameterChange, error) {
	var c ParameterChange
	err := row.Scan(&c.ID, &c.Parameter, &c.OldValue, &c.NewValue, &c.Reason, &c.Origin, &c.AppliedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SqlStore) GetChange(id int64) (*ParameterChange, error) {
	c, err := scanChange(s.db.QueryRow(
		`SELECT `+changeCols+` FROM parameter_changes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get change: %w", err)
	}
	return c, nil
}

func (s *SqlStore) LatestChange(parameter string) (*ParameterChange, error) {
	c, err := scanChange(s.db.QueryRow(
		`SELECT `+changeCols+` FROM parameter_changes
		 WHERE parameter = ? ORDER BY applied_at DESC, id DESC LIMIT 1`, parameter))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest change: %w", err)
	}
	return c, nil
}

func (s *SqlStore) listChanges(query string, args ...any) ([]*ParameterChange, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()
	var out []*ParameterChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SqlStore) ListChangesSince(since string) ([]*ParameterChange, error) {
	return s.listChanges(
		`SELECT `+changeCols+` FROM parameter_changes WHERE applied_at >= ? ORDER BY applied_at`, since)
}

func (s *SqlStore) ListUnevaluatedChanges() ([]*ParameterChange, error) {
	return s.listChanges(
		`SELECT ` + changeCols + ` FROM parameter_changes c
		 WHERE NOT EXISTS (SELECT 1 FROM ab_results r WHERE r.change_id = c.id)
		 ORDER BY applied_at`)
}

// --- A/B results ---

func (s *SqlStore) SaveResult(r *ABTestResult) (int64, error) {
	if err := s.writeGuard(); err != nil {
		return 0, err
	}
	if r == nil {
		return 0, errors.New("result is nil")
	}
	if existing, err := s.GetResultByChange(r.ChangeID); err != nil {
		return 0, err
	} else if existing != nil {
		*r = *existing
		return existing.ID, nil
	}
	beforeJSON, err := json.Marshal(r.Before)
	if err != nil {
		return 0, fmt.Errorf("marshal before snapshot: %w", err)
	}
	afterJSON, err := json.Marshal(r.After)
	if err != nil {
		return 0, fmt.Errorf("marshal after snapshot: %w", err)
	}
	if r.EvaluatedAt == "" {
		r.EvaluatedAt = nowUTC()
	}
	res, err := s.db.Exec(
		`INSERT INTO ab_results(change_id, status, before_json, after_json,
			efficiency_score, delta_t_score, comfort_score, cycling_score, cost_score,
			total_score, weather_divergent, recommendation, summary, evaluated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ChangeID, r.Status, beforeJSON, afterJSON,
		r.EfficiencyScore, r.DeltaTScore, r.ComfortScore, r.CyclingScore, r.CostScore,
		r.TotalScore, boolInt(r.WeatherDivergent), r.Recommendation, r.Summary, r.EvaluatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert result: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	r.ID = id
	return id, nil
}

const resultCols = `id, change_id, status, before_json, after_json,
	efficiency_score, delta_t_score, comfort_score, cycling_score, cost_score,
	total_score, weather_divergent, recommendation, summary, evaluated_at`

func scanResult(row interface{ Scan(...any) error }) (*ABTestResult, error) {
	var r ABTestResult
	var beforeJSON, afterJSON []byte
	var divergent int
	err := row.Scan(&r.ID, &r.ChangeID, &r.Status, &beforeJSON, &afterJSON,
		&r.EfficiencyScore, &r.DeltaTScore, &r.ComfortScore, &r.CyclingScore, &r.CostScore,
		&r.TotalScore, &divergent, &r.Recommendation, &r.Summary, &r.EvaluatedAt)
	if err != nil {
		return nil, err
	}
	r.WeatherDivergent = divergent != 0
	if err := json.Unmarshal(beforeJSON, &r.Before); err != nil {
		return nil, fmt.Errorf("unmarshal before snapshot: %w", err)
	}
	if err := json.Unmarshal(afterJSON, &r.After); err != nil {
		return nil, fmt.Errorf("unmarshal after snapshot: %w", err)
	}
	return &r, nil
}

func (s *SqlStore) GetResult(id int64) (*ABTestResult, error) {
	r, err := scanResult(s.db.QueryRow(
		`SELECT `+resultCols+` FROM ab_results WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	return r, nil
}

func (s *SqlStore) GetResultByChange(changeID int64) (*ABTestResult, error) {
	r, err := scanResult(s.db.QueryRow(
		`SELECT `+resultCols+` FROM ab_results WHERE change_id = ?`, changeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get result by change: %w", err)
	}
	return r, nil
}

func (s *SqlStore) ListResultsSince(since string) ([]*ABTestResult, error) {
	rows, err := s.db.Query(
		`SELECT `+resultCols+` FROM ab_results WHERE evaluated_at >= ? ORDER BY evaluated_at`, since)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()
	var out []*ABTestResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Planned tests ---

func (s *SqlStore) CreatePlannedTest(t *PlannedTest) (int64, error) {
	if err := s.writeGuard(); err != nil {
		return 0, err
	}
	if t == nil {
		return 0, errors.New("test is nil")
	}
	now := nowUTC()
	if t.Status == "" {
		t.Status = TestProposed
	}
	if t.CreatedAt == "" {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	res, err := s.db.Exec(
		`INSERT INTO planned_tests(parameter, current_value, proposed_value, hypothesis,
			expected_gain, confidence, priority, execution_order, status, origin,
			change_id, result_id, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Parameter, t.CurrentValue, t.ProposedValue, t.Hypothesis,
		t.ExpectedGain, t.Confidence, t.Priority, t.ExecutionOrder, t.Status, t.Origin,
		nilIfZero(t.ChangeID), nilIfZero(t.ResultID), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert planned test: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	t.ID = id
	return id, nil
}

const testCols = `id, parameter, current_value, proposed_value, hypothesis,
	expected_gain, confidence, priority, execution_order, status, origin,
	change_id, result_id, created_at, updated_at`

func scanTest(row interface{ Scan(...any) error }) (*PlannedTest, error) {
	var t PlannedTest
	var changeID, resultID sql.NullInt64
	err := row.Scan(&t.ID, &t.Parameter, &t.CurrentValue, &t.ProposedValue, &t.Hypothesis,
		&t.ExpectedGain, &t.Confidence, &t.Priority, &t.ExecutionOrder, &t.Status, &t.Origin,
		&changeID, &resultID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.ChangeID = nullInt(changeID)
	t.ResultID = nullInt(resultID)
	return &t, nil
}

func (s *SqlStore) GetPlannedTest(id int64) (*PlannedTest, error) {
	t, err := scanTest(s.db.QueryRow(
		`SELECT `+testCols+` FROM planned_tests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get planned test: %w", err)
	}
	return t, nil
}

func (s *SqlStore) UpdatePlannedTest(t *PlannedTest) error {
	if err := s.writeGuard(); err != nil {
		return err
	}
	if t == nil || t.ID == 0 {
		return errors.New("test has no id")
	}
	t.UpdatedAt = nowUTC()
	res, err := s.db.Exec(
		`UPDATE planned_tests SET parameter = ?, current_value = ?, proposed_value = ?,
			hypothesis = ?, expected_gain = ?, confidence = ?, priority = ?,
			execution_order = ?, status = ?, origin = ?, change_id = ?, result_id = ?, updated_at = ?
		 WHERE id = ?`,
		t.Parameter, t.CurrentValue, t.ProposedValue,
		t.Hypothesis, t.ExpectedGain, t.Confidence, t.Priority,
		t.ExecutionOrder, t.Status, t.Origin, nilIfZero(t.ChangeID), nilIfZero(t.ResultID), t.UpdatedAt,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update planned test: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("planned test %d not found", t.ID)
	}
	return nil
}

func (s *SqlStore) ListBacklog() ([]*PlannedTest, error) {
	rows, err := s.db.Query(
		`SELECT `+testCols+` FROM planned_tests
		 WHERE status IN (?, ?) ORDER BY execution_order, id`, TestProposed, TestPending)
	if err != nil {
		return nil, fmt.Errorf("list backlog: %w", err)
	}
	defer rows.Close()
	var out []*PlannedTest
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan planned test: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SqlStore) ActiveTest(parameter string) (*PlannedTest, error) {
	t, err := scanTest(s.db.QueryRow(
		`SELECT `+testCols+` FROM planned_tests
		 WHERE parameter = ? AND status = ? LIMIT 1`, parameter, TestActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active test: %w", err)
	}
	return t, nil
}

// --- Decision log ---

func (s *SqlStore) AppendDecision(e *DecisionLogEntry) (int64, error) {
	if err := s.writeGuard(); err != nil {
		return 0, err
	}
	if e == nil {
		return 0, errors.New("entry is nil")
	}
	if e.CreatedAt == "" {
		e.CreatedAt = nowUTC()
	}
	res, err := s.db.Exec(
		`INSERT INTO decision_log(cycle_id, action, parameter, old_value, suggested_value,
			confidence, reasoning, origin, applied, reject_reason, change_id, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CycleID, e.Action, e.Parameter, e.OldValue, e.SuggestedValue,
		e.Confidence, e.Reasoning, e.Origin, boolInt(e.Applied), e.RejectReason,
		nilIfZero(e.ChangeID), e.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("append decision: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

func (s *SqlStore) ListDecisionsSince(since string) ([]*DecisionLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, cycle_id, action, parameter, old_value, suggested_value,
			confidence, reasoning, origin, applied, reject_reason, change_id, created_at
		 FROM decision_log WHERE created_at >= ? ORDER BY created_at, id`, since)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()
	var out []*DecisionLogEntry
	for rows.Next() {
		var e DecisionLogEntry
		var applied int
		var changeID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.CycleID, &e.Action, &e.Parameter, &e.OldValue,
			&e.SuggestedValue, &e.Confidence, &e.Reasoning, &e.Origin, &applied,
			&e.RejectReason, &changeID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.Applied = applied != 0
		e.ChangeID = nullInt(changeID)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Telemetry ---

func (s *SqlStore) AddSample(smp *TelemetrySample) (int64, error) {
	if err := s.writeGuard(); err != nil {
		return 0, err
	}
	if smp == nil {
		return 0, errors.New("sample is nil")
	}
	if smp.Time == "" {
		smp.Time = nowUTC()
	}
	res, err := s.db.Exec(
		`INSERT INTO telemetry_samples(time, heat_output, power_input, supply_temp,
			return_temp, indoor_temp, outdoor_temp, compressor_on, price_kwh)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		smp.Time, smp.HeatOutputKW, smp.PowerInputKW, smp.SupplyTemp,
		smp.ReturnTemp, smp.IndoorTemp, smp.OutdoorTemp, boolInt(smp.CompressorOn), smp.PricePerKWh,
	)
	if err != nil {
		return 0, fmt.Errorf("insert sample: %w", err)
	}
	return res.LastInsertId()
}

func (s *SqlStore) ListSamples(start, end string) ([]*TelemetrySample, error) {
	rows, err := s.db.Query(
		`SELECT id, time, heat_output, power_input, supply_temp, return_temp,
			indoor_temp, outdoor_temp, compressor_on, price_kwh
		 FROM telemetry_samples WHERE time >= ? AND time < ? ORDER BY time`, start, end)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer rows.Close()
	var out []*TelemetrySample
	for rows.Next() {
		var smp TelemetrySample
		var on int
		if err := rows.Scan(&smp.ID, &smp.Time, &smp.HeatOutputKW, &smp.PowerInputKW,
			&smp.SupplyTemp, &smp.ReturnTemp, &smp.IndoorTemp, &smp.OutdoorTemp,
			&on, &smp.PricePerKWh); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		smp.CompressorOn = on != 0
		out = append(out, &smp)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SqlStore)(nil)
