// Package device abstracts the controlled appliance. The engine reads the
// full state fresh at the start of every invocation and applies at most one
// setpoint write per accepted decision; a write that does not confirm
// success must not be recorded as applied.
package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"hearth/internal/param"
)

// Controller is the device-control collaborator. Apply is synchronous: it
// returns only after the device confirmed (or refused) the write.
type Controller interface {
	ReadState(ctx context.Context) (*param.DeviceState, error)
	Apply(ctx context.Context, parameter string, value float64) error
}

// Mock is an in-memory Controller for tests and dry runs.
type Mock struct {
	mu     sync.Mutex
	values map[string]float64

	IndoorTemp  float64
	OutdoorTemp float64

	// FailNextApply, when set, is returned by the next Apply call and cleared.
	FailNextApply error
}

// NewMock creates a mock device with the given initial setpoints.
func NewMock(values map[string]float64) *Mock {
	cp := make(map[string]float64, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return &Mock{values: cp, IndoorTemp: 21.0, OutdoorTemp: 5.0}
}

func (m *Mock) ReadState(_ context.Context) (*param.DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	values := make(map[string]float64, len(m.values))
	for k, v := range m.values {
		values[k] = v
	}
	return &param.DeviceState{
		Values:      values,
		IndoorTemp:  m.IndoorTemp,
		OutdoorTemp: m.OutdoorTemp,
		ReadAt:      time.Now().UTC(),
	}, nil
}

func (m *Mock) Apply(_ context.Context, parameter string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNextApply != nil {
		err := m.FailNextApply
		m.FailNextApply = nil
		return err
	}
	if _, ok := m.values[parameter]; !ok {
		return errors.New("device: unknown parameter " + parameter)
	}
	m.values[parameter] = value
	return nil
}

var _ Controller = (*Mock)(nil)
