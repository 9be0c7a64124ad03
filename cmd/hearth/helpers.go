package main

import (
	"encoding/json"
	"fmt"
	"os"

	"hearth/internal/config"
	"hearth/internal/device"
	"hearth/internal/engine"
	"hearth/internal/evaluate"
	"hearth/internal/forecast"
	"hearth/internal/param"
	"hearth/internal/prioritize"
	"hearth/internal/schedule"
	"hearth/internal/store"
	"hearth/internal/telemetry"
)

// app bundles the wired collaborators for one command invocation.
type app struct {
	cfg     *config.Config
	st      store.Store
	catalog *param.Catalog
	ctrl    device.Controller
	agg     *telemetry.Aggregator
	eval    *evaluate.Evaluator
	pri     *prioritize.Prioritizer

	closeFns []func()
}

// newApp loads configuration and opens the store and device adapter.
func newApp() (*app, error) {
	cfg, err := config.Load(rootFlags.config)
	if err != nil {
		return nil, err
	}
	if rootFlags.dbPath != "" {
		cfg.DBPath = rootFlags.dbPath
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", cfg.DBPath, err)
	}

	a := &app{cfg: cfg, st: st, catalog: catalog}
	a.closeFns = append(a.closeFns, func() { _ = st.Close() })

	a.agg = cfg.Aggregator(st)
	a.eval = evaluate.New(cfg.EvaluateConfig(), a.agg, st)

	chain, err := cfg.ReasonChain(catalog)
	if err != nil {
		a.close()
		return nil, err
	}
	a.pri = prioritize.New(cfg.PrioritizeConfig(), catalog, st, chain)

	switch cfg.Device.Kind {
	case "mqtt":
		ctrl, err := device.NewMQTT(cfg.MQTTConfig())
		if err != nil {
			a.close()
			return nil, err
		}
		a.ctrl = ctrl
		a.closeFns = append(a.closeFns, ctrl.Close)
	default:
		a.ctrl = device.NewMock(mockValues(catalog))
	}

	return a, nil
}

// newReadApp opens the store without the writer lease, for commands that
// only inspect it. It coexists with a live cycle or poller instead of
// blocking on ErrWriterHeld.
func newReadApp() (*app, error) {
	cfg, err := config.Load(rootFlags.config)
	if err != nil {
		return nil, err
	}
	if rootFlags.dbPath != "" {
		cfg.DBPath = rootFlags.dbPath
	}
	st, err := store.OpenReader(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", cfg.DBPath, err)
	}
	a := &app{cfg: cfg, st: st}
	a.closeFns = append(a.closeFns, func() { _ = st.Close() })
	return a, nil
}

// mockValues seeds the mock device with each parameter's range midpoint.
func mockValues(catalog *param.Catalog) map[string]float64 {
	values := make(map[string]float64)
	for _, d := range catalog.All() {
		values[d.ID] = (d.Min + d.Max) / 2
	}
	return values
}

// scheduler builds the predictive scheduler, nil when no forecast upstreams
// are configured.
func (a *app) scheduler() (*schedule.Scheduler, error) {
	if a.cfg.Forecast.PriceURL == "" || a.cfg.Forecast.WeatherURL == "" {
		return nil, nil
	}
	src, err := forecast.NewHTTPSource(a.cfg.ForecastConfig())
	if err != nil {
		return nil, err
	}
	return schedule.New(a.cfg.ScheduleConfig(), a.catalog, src, a.agg, a.st), nil
}

// engine wires the full cycle engine.
func (a *app) engine() (*engine.Engine, error) {
	sched, err := a.scheduler()
	if err != nil {
		return nil, err
	}
	return engine.New(a.cfg.Validator, a.catalog, a.st, a.ctrl, a.eval, sched, a.pri), nil
}

func (a *app) close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		a.closeFns[i]()
	}
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
