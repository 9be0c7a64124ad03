// Package forecast provides the HTTP adapters for the price and weather
// forecast collaborators. Both upstreams stamp their payloads with an issue
// time; anything older than the configured maximum is reported as stale so
// the scheduler holds instead of guessing.
package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"hearth/internal/schedule"
)

// Config configures the combined HTTP forecast source.
type Config struct {
	PriceURL   string        `yaml:"price_url"`
	WeatherURL string        `yaml:"weather_url"`
	MaxAge     time.Duration `yaml:"-"`
	Timeout    time.Duration `yaml:"-"`
}

// HTTPSource fetches price and weather forecasts and combines them.
type HTTPSource struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
}

// Option configures an HTTPSource during construction.
type Option func(*HTTPSource)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *HTTPSource) { s.httpClient = c }
}

// WithClock overrides the staleness clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *HTTPSource) { s.now = now }
}

// NewHTTPSource creates the combined source.
func NewHTTPSource(cfg Config, opts ...Option) (*HTTPSource, error) {
	if cfg.PriceURL == "" || cfg.WeatherURL == "" {
		return nil, fmt.Errorf("forecast: price and weather URLs are required")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 2 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	s := &HTTPSource{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// pricePayload is the price upstream's response shape.
type pricePayload struct {
	IssuedAt time.Time `json:"issued_at"`
	Hours    []struct {
		HourOffset int    `json:"hour_offset"`
		Level      string `json:"level"`
	} `json:"hours"`
}

// weatherPayload is the weather upstream's response shape.
type weatherPayload struct {
	IssuedAt time.Time `json:"issued_at"`
	Hours    []struct {
		HourOffset int     `json:"hour_offset"`
		TempC      float64 `json:"temp_c"`
	} `json:"hours"`
}

// Forecast fetches both upstreams concurrently and merges them. Either one
// being stale makes the whole forecast stale: the scheduler needs both
// halves of the decision matrix.
func (s *HTTPSource) Forecast(ctx context.Context, hoursAhead int) (*schedule.Forecast, error) {
	var price pricePayload
	var weather weatherPayload

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.getJSON(gctx, fmt.Sprintf("%s?hours=%d", s.cfg.PriceURL, hoursAhead), &price)
	})
	g.Go(func() error {
		return s.getJSON(gctx, fmt.Sprintf("%s?hours=%d", s.cfg.WeatherURL, hoursAhead), &weather)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := s.now()
	issued := price.IssuedAt
	if weather.IssuedAt.Before(issued) {
		issued = weather.IssuedAt
	}
	if issued.IsZero() || now.Sub(issued) > s.cfg.MaxAge {
		return nil, fmt.Errorf("%w: issued %s", schedule.ErrStale, issued)
	}

	fc := &schedule.Forecast{IssuedAt: issued}
	for _, h := range price.Hours {
		fc.Price = append(fc.Price, schedule.PricePoint{
			HourOffset: h.HourOffset,
			Level:      schedule.PriceLevel(strings.ToLower(h.Level)),
		})
	}
	for _, h := range weather.Hours {
		fc.Outdoor = append(fc.Outdoor, schedule.TempPoint{HourOffset: h.HourOffset, TempC: h.TempC})
	}
	return fc, nil
}

func (s *HTTPSource) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

var _ schedule.Source = (*HTTPSource)(nil)
