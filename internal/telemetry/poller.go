package telemetry

import (
	"context"
	"log/slog"
	"time"

	"hearth/internal/logging"
	"hearth/internal/store"
)

// SampleReader reads one raw appliance sample. Implemented by the device
// adapters.
type SampleReader interface {
	ReadSample(ctx context.Context) (*store.TelemetrySample, error)
}

// Poller records samples on a fixed cadence. Read failures are logged and
// skipped; the poller keeps its cadence rather than retrying hot.
type Poller struct {
	st       store.Store
	reader   SampleReader
	interval time.Duration
	log      *slog.Logger
}

// NewPoller creates a Poller writing to st.
func NewPoller(st store.Store, reader SampleReader, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Poller{st: st, reader: reader, interval: interval, log: logging.New("telemetry")}
}

// Run polls until ctx is cancelled. The first sample is taken immediately.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	sample, err := p.reader.ReadSample(ctx)
	if err != nil {
		p.log.Warn("sample read failed", slog.String("error", err.Error()))
		return
	}
	if sample.Time == "" {
		sample.Time = time.Now().UTC().Format(time.RFC3339)
	}
	if _, err := p.st.AddSample(sample); err != nil {
		p.log.Error("sample write failed", slog.String("error", err.Error()))
	}
}
