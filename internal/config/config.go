// Package config loads the installation's configuration: a YAML file with
// environment-variable overrides on the deployment-sensitive fields. The
// loaded Config builds the per-package configs so the domain packages never
// see YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"hearth/internal/device"
	"hearth/internal/evaluate"
	"hearth/internal/forecast"
	"hearth/internal/param"
	"hearth/internal/prioritize"
	"hearth/internal/reason"
	"hearth/internal/schedule"
	"hearth/internal/store"
	"hearth/internal/telemetry"
	"hearth/internal/validate"
)

// Duration wraps time.Duration so YAML and environment values can be written
// as "48h" or "15m".
type Duration time.Duration

// D returns the wrapped duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText implements encoding.TextUnmarshaler, used by the env overlay.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Parameter is one tunable parameter's configuration entry.
type Parameter struct {
	param.Definition `yaml:",inline"`
	MinInterval      Duration `yaml:"min_interval"`
}

// Log configures the global logger.
type Log struct {
	Level  string `yaml:"level" env:"HEARTH_LOG_LEVEL"`
	Format string `yaml:"format" env:"HEARTH_LOG_FORMAT"`
}

// HTTP configures the read-only API server.
type HTTP struct {
	Listen string `yaml:"listen" env:"HEARTH_HTTP_LISTEN"`
}

// Device selects and configures the appliance adapter.
type Device struct {
	// Kind is "mock" or "mqtt".
	Kind        string   `yaml:"kind" env:"HEARTH_DEVICE_KIND"`
	BrokerURL   string   `yaml:"broker_url" env:"HEARTH_MQTT_BROKER_URL"`
	ClientID    string   `yaml:"client_id"`
	TopicPrefix string   `yaml:"topic_prefix"`
	Timeout     Duration `yaml:"timeout"`
}

// Forecast configures the price and weather upstreams.
type Forecast struct {
	PriceURL   string   `yaml:"price_url" env:"HEARTH_PRICE_URL"`
	WeatherURL string   `yaml:"weather_url" env:"HEARTH_WEATHER_URL"`
	MaxAge     Duration `yaml:"max_age"`
	Timeout    Duration `yaml:"timeout"`
}

// Reasoning configures the optional reasoning collaborator. An empty BaseURL
// disables the HTTP provider; the deterministic rule provider always runs.
type Reasoning struct {
	BaseURL string   `yaml:"base_url" env:"HEARTH_REASONING_BASE_URL"`
	APIKey  string   `yaml:"api_key" env:"HEARTH_REASONING_API_KEY"`
	Model   string   `yaml:"model" env:"HEARTH_REASONING_MODEL"`
	Timeout Duration `yaml:"timeout"`
}

// Evaluator holds the A/B evaluation windows and weights.
type Evaluator struct {
	BeforeWindow       Duration         `yaml:"before_window"`
	AfterWindow        Duration         `yaml:"after_window"`
	SettleOffset       Duration         `yaml:"settle_offset"`
	MinSamples         int              `yaml:"min_samples"`
	WeatherDivergenceC float64          `yaml:"weather_divergence_c"`
	DeltaTOptimalLow   float64          `yaml:"delta_t_optimal_low"`
	DeltaTOptimalHigh  float64          `yaml:"delta_t_optimal_high"`
	Weights            evaluate.Weights `yaml:"weights"`
}

// Scheduler holds the predictive scheduler's tunables.
type Scheduler struct {
	TargetParameter string   `yaml:"target_parameter"`
	ThermalLag      Duration `yaml:"thermal_lag"`
	MaxForecastAge  Duration `yaml:"max_forecast_age"`
	HoursAhead      int      `yaml:"hours_ahead"`
	StepUnit        float64  `yaml:"step_unit"`
	TrendWindowH    int      `yaml:"trend_window_h"`
	TrendThresholdC float64  `yaml:"trend_threshold_c"`
	ShortHorizon    Duration `yaml:"short_horizon"`
	HotWaterGating  bool     `yaml:"hot_water_gating"`
}

// Prioritizer holds the backlog scoring tunables.
type Prioritizer struct {
	Weights           prioritize.Weights `yaml:"weights"`
	GainNorm          float64            `yaml:"gain_norm"`
	RepeatWindow      Duration           `yaml:"repeat_window"`
	LowScoreThreshold float64            `yaml:"low_score_threshold"`
	RepeatPenalty     float64            `yaml:"repeat_penalty"`
}

// Config is the full installation configuration.
type Config struct {
	DBPath string `yaml:"db_path" env:"HEARTH_DB_PATH"`

	Log         Log             `yaml:"log"`
	HTTP        HTTP            `yaml:"http"`
	Device      Device          `yaml:"device"`
	Forecast    Forecast        `yaml:"forecast"`
	Reasoning   Reasoning       `yaml:"reasoning"`
	Validator   validate.Config `yaml:"validator"`
	Evaluator   Evaluator       `yaml:"evaluator"`
	Scheduler   Scheduler       `yaml:"scheduler"`
	Prioritizer Prioritizer     `yaml:"prioritizer"`

	SampleInterval Duration    `yaml:"sample_interval"`
	Parameters     []Parameter `yaml:"parameters"`
}

// Default returns the stock configuration for a typical installation.
func Default() Config {
	ecfg := evaluate.DefaultConfig()
	scfg := schedule.DefaultConfig()
	pcfg := prioritize.DefaultConfig()
	return Config{
		DBPath: store.DefaultDBPath,
		Log:    Log{Level: "info", Format: "text"},
		HTTP:   HTTP{Listen: ":8080"},
		Device: Device{
			Kind:        "mock",
			BrokerURL:   "tcp://localhost:1883",
			ClientID:    "hearth",
			TopicPrefix: "heatpump",
			Timeout:     Duration(10 * time.Second),
		},
		Forecast: Forecast{
			MaxAge:  Duration(2 * time.Hour),
			Timeout: Duration(15 * time.Second),
		},
		Reasoning: Reasoning{
			Model:   "gpt-4o-mini",
			Timeout: Duration(30 * time.Second),
		},
		Validator: validate.DefaultConfig(),
		Evaluator: Evaluator{
			BeforeWindow:       Duration(ecfg.BeforeWindow),
			AfterWindow:        Duration(ecfg.AfterWindow),
			SettleOffset:       Duration(ecfg.SettleOffset),
			MinSamples:         ecfg.MinSamples,
			WeatherDivergenceC: ecfg.WeatherDivergenceC,
			DeltaTOptimalLow:   ecfg.DeltaTOptimalLow,
			DeltaTOptimalHigh:  ecfg.DeltaTOptimalHigh,
			Weights:            ecfg.Weights,
		},
		Scheduler: Scheduler{
			TargetParameter: scfg.TargetParameter,
			ThermalLag:      Duration(scfg.ThermalLag),
			MaxForecastAge:  Duration(scfg.MaxForecastAge),
			HoursAhead:      scfg.HoursAhead,
			StepUnit:        scfg.StepUnit,
			TrendWindowH:    scfg.TrendWindowH,
			TrendThresholdC: scfg.TrendThresholdC,
			ShortHorizon:    Duration(scfg.ShortHorizon),
		},
		Prioritizer: Prioritizer{
			Weights:           pcfg.Weights,
			GainNorm:          pcfg.GainNorm,
			RepeatWindow:      Duration(pcfg.RepeatWindow),
			LowScoreThreshold: pcfg.LowScoreThreshold,
			RepeatPenalty:     pcfg.RepeatPenalty,
		},
		SampleInterval: Duration(5 * time.Minute),
		Parameters:     DefaultParameters(),
	}
}

// DefaultParameters returns the stock parameter catalog for a typical
// residential heat pump. Deployments override this list in config.
func DefaultParameters() []Parameter {
	return []Parameter{
		{
			Definition: param.Definition{
				ID: param.HeatingCurveOffset, Name: "Heating curve offset", Unit: "C",
				Min: -5, Max: 5, MaxStep: 2,
				AffectsComfort: true, ComfortGain: 0.5,
			},
			// Scheduler-driven: no A/B cooldown.
			MinInterval: 0,
		},
		{
			Definition: param.Definition{
				ID: param.CurveSlope, Name: "Heating curve slope", Unit: "", // dimensionless
				Min: 0.2, Max: 1.2, MaxStep: 0.1,
				AffectsComfort: true, ComfortGain: 2.0,
			},
			MinInterval: Duration(96 * time.Hour),
		},
		{
			Definition: param.Definition{
				ID: param.CompressorThreshold, Name: "Compressor start threshold", Unit: "degree-minutes",
				Min: -120, Max: -30, MaxStep: 20,
			},
			MinInterval: Duration(96 * time.Hour),
		},
		{
			Definition: param.Definition{
				ID: param.VentilationBoost, Name: "Ventilation boost", Unit: "%",
				Min: 0, Max: 100, MaxStep: 25,
			},
			MinInterval: Duration(24 * time.Hour),
		},
	}
}

// Load reads the YAML file at path (optional; empty path uses defaults) and
// applies environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if len(c.Parameters) == 0 {
		return fmt.Errorf("config: at least one parameter must be defined")
	}
	if _, err := c.Catalog(); err != nil {
		return err
	}
	switch c.Device.Kind {
	case "mock", "mqtt":
	default:
		return fmt.Errorf("config: device kind must be mock or mqtt, got %q", c.Device.Kind)
	}
	found := false
	for _, p := range c.Parameters {
		if p.ID == c.Scheduler.TargetParameter {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("config: scheduler target %q is not a defined parameter", c.Scheduler.TargetParameter)
	}
	return nil
}

// Catalog builds the parameter catalog from the configured definitions.
func (c *Config) Catalog() (*param.Catalog, error) {
	defs := make([]param.Definition, 0, len(c.Parameters))
	for _, p := range c.Parameters {
		d := p.Definition
		d.MinInterval = p.MinInterval.D()
		defs = append(defs, d)
	}
	return param.NewCatalog(defs)
}

// EvaluateConfig builds the evaluator configuration.
func (c *Config) EvaluateConfig() evaluate.Config {
	return evaluate.Config{
		BeforeWindow:       c.Evaluator.BeforeWindow.D(),
		AfterWindow:        c.Evaluator.AfterWindow.D(),
		SettleOffset:       c.Evaluator.SettleOffset.D(),
		MinSamples:         c.Evaluator.MinSamples,
		WeatherDivergenceC: c.Evaluator.WeatherDivergenceC,
		DeltaTOptimalLow:   c.Evaluator.DeltaTOptimalLow,
		DeltaTOptimalHigh:  c.Evaluator.DeltaTOptimalHigh,
		Weights:            c.Evaluator.Weights,
	}
}

// ScheduleConfig builds the scheduler configuration.
func (c *Config) ScheduleConfig() schedule.Config {
	return schedule.Config{
		TargetParameter: c.Scheduler.TargetParameter,
		ThermalLag:      c.Scheduler.ThermalLag.D(),
		MaxForecastAge:  c.Scheduler.MaxForecastAge.D(),
		HoursAhead:      c.Scheduler.HoursAhead,
		StepUnit:        c.Scheduler.StepUnit,
		TrendWindowH:    c.Scheduler.TrendWindowH,
		TrendThresholdC: c.Scheduler.TrendThresholdC,
		ShortHorizon:    c.Scheduler.ShortHorizon.D(),
		HotWaterGating:  c.Scheduler.HotWaterGating,
	}
}

// PrioritizeConfig builds the prioritizer configuration.
func (c *Config) PrioritizeConfig() prioritize.Config {
	return prioritize.Config{
		Weights:           c.Prioritizer.Weights,
		GainNorm:          c.Prioritizer.GainNorm,
		RepeatWindow:      c.Prioritizer.RepeatWindow.D(),
		LowScoreThreshold: c.Prioritizer.LowScoreThreshold,
		RepeatPenalty:     c.Prioritizer.RepeatPenalty,
	}
}

// ForecastConfig builds the forecast source configuration.
func (c *Config) ForecastConfig() forecast.Config {
	return forecast.Config{
		PriceURL:   c.Forecast.PriceURL,
		WeatherURL: c.Forecast.WeatherURL,
		MaxAge:     c.Forecast.MaxAge.D(),
		Timeout:    c.Forecast.Timeout.D(),
	}
}

// MQTTConfig builds the MQTT device adapter configuration.
func (c *Config) MQTTConfig() device.MQTTConfig {
	return device.MQTTConfig{
		BrokerURL:   c.Device.BrokerURL,
		ClientID:    c.Device.ClientID,
		TopicPrefix: c.Device.TopicPrefix,
		Timeout:     c.Device.Timeout.D(),
	}
}

// ReasonChain builds the reasoning fallback chain: the HTTP provider when
// configured, always terminated by the deterministic rule provider.
func (c *Config) ReasonChain(catalog *param.Catalog) (*reason.Chain, error) {
	var providers []reason.Provider
	if c.Reasoning.BaseURL != "" {
		hp, err := reason.NewHTTPProvider("reasoning-service",
			c.Reasoning.BaseURL, c.Reasoning.Model, c.Reasoning.APIKey,
			reason.WithTimeout(c.Reasoning.Timeout.D()))
		if err != nil {
			return nil, fmt.Errorf("config: reasoning provider: %w", err)
		}
		providers = append(providers, hp)
	}
	providers = append(providers, reason.RuleProvider{})
	return reason.NewChain(catalog, providers...), nil
}

// Aggregator builds the telemetry aggregator over st.
func (c *Config) Aggregator(st store.Store) *telemetry.Aggregator {
	return telemetry.New(st, c.SampleInterval.D())
}
