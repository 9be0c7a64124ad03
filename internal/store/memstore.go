package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-memory Store for tests and dry runs.
type MemStore struct {
	mu sync.Mutex

	changes    map[int64]*ParameterChange
	nextChange int64

	results       map[int64]*ABTestResult
	resultsByChg  map[int64]int64
	nextResult    int64

	tests    map[int64]*PlannedTest
	nextTest int64

	decisions    []*DecisionLogEntry
	nextDecision int64

	samples    []*TelemetrySample
	nextSample int64
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		changes:      make(map[int64]*ParameterChange),
		results:      make(map[int64]*ABTestResult),
		resultsByChg: make(map[int64]int64),
		tests:        make(map[int64]*PlannedTest),
	}
}

func (s *MemStore) Close() error { return nil }

// --- Parameter changes ---

func (s *MemStore) CreateChange(c *ParameterChange) (int64, error) {
	if c == nil {
		return 0, errors.New("change is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextChange++
	cp := *c
	cp.ID = s.nextChange
	if cp.AppliedAt == "" {
		cp.AppliedAt = nowUTC()
	}
	s.changes[cp.ID] = &cp
	c.ID = cp.ID
	c.AppliedAt = cp.AppliedAt
	return cp.ID, nil
}

func (s *MemStore) GetChange(id int64) (*ParameterChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.changes[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemStore) LatestChange(parameter string) (*ParameterChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *ParameterChange
	for _, c := range s.changes {
		if c.Parameter != parameter {
			continue
		}
		if latest == nil || c.AppliedAt > latest.AppliedAt ||
			(c.AppliedAt == latest.AppliedAt && c.ID > latest.ID) {
			latest = c
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *MemStore) ListChangesSince(since string) ([]*ParameterChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ParameterChange
	for _, c := range s.changes {
		if c.AppliedAt >= since {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppliedAt < out[j].AppliedAt })
	return out, nil
}

func (s *MemStore) ListUnevaluatedChanges() ([]*ParameterChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ParameterChange
	for _, c := range s.changes {
		if _, done := s.resultsByChg[c.ID]; !done {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppliedAt < out[j].AppliedAt })
	return out, nil
}

// --- A/B results ---

func (s *MemStore) SaveResult(r *ABTestResult) (int64, error) {
	if r == nil {
		return 0, errors.New("result is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.resultsByChg[r.ChangeID]; ok {
		*r = *s.results[id]
		return id, nil
	}
	s.nextResult++
	cp := *r
	cp.ID = s.nextResult
	if cp.EvaluatedAt == "" {
		cp.EvaluatedAt = nowUTC()
	}
	s.results[cp.ID] = &cp
	s.resultsByChg[cp.ChangeID] = cp.ID
	r.ID = cp.ID
	r.EvaluatedAt = cp.EvaluatedAt
	return cp.ID, nil
}

func (s *MemStore) GetResult(id int64) (*ABTestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) GetResultByChange(changeID int64) (*ABTestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.resultsByChg[changeID]
	if !ok {
		return nil, nil
	}
	cp := *s.results[id]
	return &cp, nil
}

func (s *MemStore) ListResultsSince(since string) ([]*ABTestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ABTestResult
	for _, r := range s.results {
		if r.EvaluatedAt >= since {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EvaluatedAt < out[j].EvaluatedAt })
	return out, nil
}

// --- Planned tests ---

func (s *MemStore) CreatePlannedTest(t *PlannedTest) (int64, error) {
	if t == nil {
		return 0, errors.New("test is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTest++
	cp := *t
	cp.ID = s.nextTest
	if cp.Status == "" {
		cp.Status = TestProposed
	}
	now := nowUTC()
	if cp.CreatedAt == "" {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.tests[cp.ID] = &cp
	t.ID = cp.ID
	t.Status = cp.Status
	return cp.ID, nil
}

func (s *MemStore) GetPlannedTest(id int64) (*PlannedTest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tests[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemStore) UpdatePlannedTest(t *PlannedTest) error {
	if t == nil || t.ID == 0 {
		return errors.New("test has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tests[t.ID]; !ok {
		return fmt.Errorf("planned test %d not found", t.ID)
	}
	cp := *t
	cp.UpdatedAt = nowUTC()
	s.tests[t.ID] = &cp
	t.UpdatedAt = cp.UpdatedAt
	return nil
}

func (s *MemStore) ListBacklog() ([]*PlannedTest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*PlannedTest
	for _, t := range s.tests {
		if t.Status == TestProposed || t.Status == TestPending {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExecutionOrder != out[j].ExecutionOrder {
			return out[i].ExecutionOrder < out[j].ExecutionOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemStore) ActiveTest(parameter string) (*PlannedTest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tests {
		if t.Parameter == parameter && t.Status == TestActive {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

// --- Decision log ---

func (s *MemStore) AppendDecision(e *DecisionLogEntry) (int64, error) {
	if e == nil {
		return 0, errors.New("entry is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDecision++
	cp := *e
	cp.ID = s.nextDecision
	if cp.CreatedAt == "" {
		cp.CreatedAt = nowUTC()
	}
	s.decisions = append(s.decisions, &cp)
	e.ID = cp.ID
	e.CreatedAt = cp.CreatedAt
	return cp.ID, nil
}

func (s *MemStore) ListDecisionsSince(since string) ([]*DecisionLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DecisionLogEntry
	for _, e := range s.decisions {
		if e.CreatedAt >= since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Telemetry ---

func (s *MemStore) AddSample(smp *TelemetrySample) (int64, error) {
	if smp == nil {
		return 0, errors.New("sample is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSample++
	cp := *smp
	cp.ID = s.nextSample
	if cp.Time == "" {
		cp.Time = nowUTC()
	}
	s.samples = append(s.samples, &cp)
	smp.ID = cp.ID
	return cp.ID, nil
}

func (s *MemStore) ListSamples(start, end string) ([]*TelemetrySample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*TelemetrySample
	for _, smp := range s.samples {
		if smp.Time >= start && smp.Time < end {
			cp := *smp
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out, nil
}

var _ Store = (*MemStore)(nil)
