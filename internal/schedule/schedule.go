// Package schedule implements the predictive scheduler: once per invocation
// it decides whether to shift a setpoint now in anticipation of forecasted
// price and weather, using the building's thermal lag as the action lead
// time. A stale or missing forecast always degrades to hold.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"hearth/internal/logging"
	"hearth/internal/metric"
	"hearth/internal/param"
	"hearth/internal/store"
)

// PriceLevel classifies a forecast hour's energy price.
type PriceLevel string

const (
	PriceCheap     PriceLevel = "cheap"
	PriceNormal    PriceLevel = "normal"
	PriceExpensive PriceLevel = "expensive"
)

// Trend classifies the outdoor temperature direction over the lead window.
type Trend string

const (
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
	TrendRising  Trend = "rising"
)

// PricePoint is one forecast hour's price level.
type PricePoint struct {
	HourOffset int        `json:"hour_offset"`
	Level      PriceLevel `json:"level"`
}

// TempPoint is one forecast hour's outdoor temperature.
type TempPoint struct {
	HourOffset int     `json:"hour_offset"`
	TempC      float64 `json:"temp_c"`
}

// Forecast bundles the price and weather outlook from one fetch.
type Forecast struct {
	IssuedAt time.Time
	Price    []PricePoint
	Outdoor  []TempPoint
}

// ErrStale marks a forecast too old to act on. Adapters return it (wrapped)
// when their upstream serves cached or sentinel data.
var ErrStale = errors.New("schedule: forecast stale or unavailable")

// Source provides the combined forecast for the hours ahead.
type Source interface {
	Forecast(ctx context.Context, hoursAhead int) (*Forecast, error)
}

// Config holds the scheduler's tunables. The thermal lag is measured per
// building (typically 2-4h of residential thermal mass) and must come from
// configuration.
type Config struct {
	TargetParameter string        // parameter the scheduler steers
	ThermalLag      time.Duration // lead time between setpoint change and comfort effect
	MaxForecastAge  time.Duration // older forecasts degrade to hold
	HoursAhead      int           // forecast horizon to request
	StepUnit        float64       // size of one matrix step in parameter units
	TrendWindowH    int           // hours over which the outdoor trend is assessed
	TrendThresholdC float64       // temperature move that counts as a trend

	ShortHorizon time.Duration // fast feedback horizon; biases confidence only

	// HotWaterGating enables probability gating on the hot-water usage signal.
	// Disabled until that signal is validated; the recorded training window
	// contained zero usage events, which points at either a wrong source or a
	// genuinely absent behavior.
	HotWaterGating bool
}

// DefaultConfig returns stock scheduler settings.
func DefaultConfig() Config {
	return Config{
		TargetParameter: param.HeatingCurveOffset,
		ThermalLag:      3 * time.Hour,
		MaxForecastAge:  2 * time.Hour,
		HoursAhead:      12,
		StepUnit:        1.0,
		TrendWindowH:    6,
		TrendThresholdC: 1.5,
		ShortHorizon:    6 * time.Hour,
	}
}

// cell is one entry of the price x trend decision matrix.
type cell struct {
	steps      float64
	confidence float64
	rationale  string
}

// cellFor returns the matrix entry for a price level and outdoor trend.
// Comfort takes precedence over cost when the environment is getting
// harsher, so expensive+falling reduces only mildly.
func cellFor(level PriceLevel, trend Trend) cell {
	switch level {
	case PriceCheap:
		switch trend {
		case TrendFalling:
			return cell{+2, 0.80, "cheap energy before falling temperatures: buffer comfort aggressively"}
		case TrendStable:
			return cell{+1, 0.75, "cheap energy, stable temperatures: buffer comfort mildly"}
		default:
			return cell{0, 0.70, "cheap energy but temperatures rising: no buffering needed"}
		}
	case PriceExpensive:
		switch trend {
		case TrendRising:
			return cell{-2, 0.80, "expensive energy with rising temperatures: reduce aggressively"}
		case TrendStable:
			return cell{-1, 0.75, "expensive energy, stable temperatures: reduce mildly"}
		default:
			return cell{-1, 0.72, "expensive energy but falling temperatures: comfort first, reduce mildly"}
		}
	default:
		switch trend {
		case TrendFalling:
			return cell{+1, 0.72, "normal price, falling temperatures: small comfort buffer"}
		case TrendRising:
			return cell{-1, 0.72, "normal price, rising temperatures: small reduction"}
		default:
			return cell{0, 0.70, "normal price, stable temperatures: hold"}
		}
	}
}

// Scheduler plans anticipatory setpoint moves.
type Scheduler struct {
	cfg     Config
	catalog *param.Catalog
	src     Source
	metrics metric.Source
	st      store.Store
	log     *slog.Logger
}

// New creates a Scheduler. metrics and st feed the short-horizon confidence
// bias and may be nil, which disables it.
func New(cfg Config, catalog *param.Catalog, src Source, metrics metric.Source, st store.Store) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		catalog: catalog,
		src:     src,
		metrics: metrics,
		st:      st,
		log:     logging.New("schedule"),
	}
}

func hold(reason string) *param.Decision {
	return &param.Decision{
		Action:    param.ActionHold,
		Reasoning: reason,
		Origin:    param.OriginScheduler,
	}
}

// Plan produces one decision for this invocation. A hold decision (not nil)
// is returned whenever the scheduler declines to act, so the decision log
// records the inaction and its reason.
func (s *Scheduler) Plan(ctx context.Context, state *param.DeviceState, now time.Time) (*param.Decision, error) {
	def := s.catalog.Get(s.cfg.TargetParameter)
	if def == nil {
		return nil, errors.New("schedule: target parameter not in catalog")
	}
	current, ok := state.Value(def.ID)
	if !ok {
		return hold("device state does not report " + def.ID), nil
	}

	fc, err := s.src.Forecast(ctx, s.cfg.HoursAhead)
	if err != nil {
		s.log.Warn("forecast unavailable, holding", slog.String("error", err.Error()))
		return hold("forecast unavailable: holding rather than guessing"), nil
	}
	if !fc.IssuedAt.IsZero() && now.Sub(fc.IssuedAt) > s.cfg.MaxForecastAge {
		s.log.Warn("forecast stale, holding", slog.Time("issued_at", fc.IssuedAt))
		return hold("forecast stale: holding rather than guessing"), nil
	}
	if len(fc.Price) == 0 || len(fc.Outdoor) < 2 {
		return hold("forecast incomplete: holding rather than guessing"), nil
	}

	leadHours := int(s.cfg.ThermalLag.Hours())
	level, triggerHour := firstPriceTrigger(fc.Price, leadHours)
	trend := outdoorTrend(fc.Outdoor, s.cfg.TrendWindowH, s.cfg.TrendThresholdC)

	// Acting earlier than the thermal lag wastes the lead; a trigger beyond
	// it will still be there next cycle.
	if level != PriceNormal && triggerHour > leadHours {
		return hold("price trigger beyond lead time: waiting"), nil
	}

	c := cellFor(level, trend)
	if c.steps == 0 {
		return hold(c.rationale), nil
	}

	suggested := def.Clamp(current + c.steps*s.cfg.StepUnit)
	if maxStep := def.MaxStep; suggested > current+maxStep {
		suggested = current + maxStep
	} else if suggested < current-maxStep {
		suggested = current - maxStep
	}
	if suggested == current {
		return hold(c.rationale + " (already at limit)"), nil
	}

	confidence := c.confidence + s.shortTrendBias(ctx, now)
	if confidence > 0.95 {
		confidence = 0.95
	}
	if confidence < 0 {
		confidence = 0
	}

	return &param.Decision{
		Action:         param.ActionAdjust,
		Parameter:      def.ID,
		CurrentValue:   current,
		SuggestedValue: suggested,
		Confidence:     confidence,
		Reasoning:      c.rationale,
		Origin:         param.OriginScheduler,
	}, nil
}

// firstPriceTrigger scans the price forecast for the first non-normal hour.
// When none exists it reports the level at the lead hour (normal).
func firstPriceTrigger(points []PricePoint, leadHours int) (PriceLevel, int) {
	for _, p := range points {
		if p.Level != PriceNormal {
			return p.Level, p.HourOffset
		}
	}
	return PriceNormal, leadHours
}

// outdoorTrend compares the outdoor temperature now against the trend window.
func outdoorTrend(points []TempPoint, windowH int, thresholdC float64) Trend {
	first := points[0]
	last := points[len(points)-1]
	for _, p := range points {
		if p.HourOffset <= windowH {
			last = p
		}
	}
	delta := last.TempC - first.TempC
	switch {
	case delta <= -thresholdC:
		return TrendFalling
	case delta >= thresholdC:
		return TrendRising
	default:
		return TrendStable
	}
}

// shortTrendBias derives a small confidence adjustment from the fast
// feedback horizon: efficiency trending up after the most recent change
// nudges confidence up, trending down nudges it down. This signal never
// triggers a revert; the 48h evaluation owns keep/revert.
func (s *Scheduler) shortTrendBias(ctx context.Context, now time.Time) float64 {
	if s.metrics == nil || s.st == nil || s.cfg.ShortHorizon <= 0 {
		return 0
	}
	latest, err := s.st.LatestChange(s.cfg.TargetParameter)
	if err != nil || latest == nil {
		return 0
	}
	if now.Sub(latest.AppliedTime()) > 2*s.cfg.ShortHorizon {
		return 0
	}
	recent, err := s.metrics.Aggregate(ctx, now.Add(-s.cfg.ShortHorizon), now)
	if err != nil || recent.SampleCount == 0 {
		return 0
	}
	prior, err := s.metrics.Aggregate(ctx, now.Add(-2*s.cfg.ShortHorizon), now.Add(-s.cfg.ShortHorizon))
	if err != nil || prior.SampleCount == 0 {
		return 0
	}
	switch {
	case recent.COP > prior.COP*1.02:
		return +0.05
	case recent.COP < prior.COP*0.98:
		return -0.10
	default:
		return 0
	}
}
