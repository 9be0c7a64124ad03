package forecast

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hearth/internal/schedule"
)

func upstreams(t *testing.T, priceIssued, weatherIssued time.Time) (priceURL, weatherURL string) {
	t.Helper()
	price := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("hours"); got != "12" {
			t.Errorf("hours = %q, want 12", got)
		}
		fmt.Fprintf(w, `{"issued_at":%q,"hours":[
			{"hour_offset":0,"level":"CHEAP"},
			{"hour_offset":1,"level":"normal"},
			{"hour_offset":2,"level":"expensive"}]}`,
			priceIssued.Format(time.RFC3339))
	}))
	t.Cleanup(price.Close)
	weather := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"issued_at":%q,"hours":[
			{"hour_offset":0,"temp_c":5.0},
			{"hour_offset":1,"temp_c":4.0}]}`,
			weatherIssued.Format(time.RFC3339))
	}))
	t.Cleanup(weather.Close)
	return price.URL, weather.URL
}

func TestForecastMergesUpstreams(t *testing.T) {
	now := time.Now().UTC()
	priceURL, weatherURL := upstreams(t, now.Add(-30*time.Minute), now.Add(-20*time.Minute))

	src, err := NewHTTPSource(Config{PriceURL: priceURL, WeatherURL: weatherURL})
	if err != nil {
		t.Fatal(err)
	}
	fc, err := src.Forecast(context.Background(), 12)
	if err != nil {
		t.Fatal(err)
	}

	if len(fc.Price) != 3 || len(fc.Outdoor) != 2 {
		t.Fatalf("forecast = %d price, %d outdoor points", len(fc.Price), len(fc.Outdoor))
	}
	// Levels are normalized to lower case.
	if fc.Price[0].Level != schedule.PriceCheap {
		t.Errorf("level = %q, want cheap", fc.Price[0].Level)
	}
	// The combined issue time is the older of the two.
	want := now.Add(-30 * time.Minute).Truncate(time.Second)
	if !fc.IssuedAt.Equal(want) {
		t.Errorf("issued = %v, want %v", fc.IssuedAt, want)
	}
}

func TestForecastStale(t *testing.T) {
	now := time.Now().UTC()
	// Weather is fresh but price is 3h old; the whole forecast is stale.
	priceURL, weatherURL := upstreams(t, now.Add(-3*time.Hour), now.Add(-10*time.Minute))

	src, err := NewHTTPSource(Config{PriceURL: priceURL, WeatherURL: weatherURL, MaxAge: 2 * time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.Forecast(context.Background(), 12); !errors.Is(err, schedule.ErrStale) {
		t.Fatalf("err = %v, want ErrStale", err)
	}
}

func TestForecastUpstreamError(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	t.Cleanup(bad.Close)
	_, weatherURL := upstreams(t, time.Now().UTC(), time.Now().UTC())

	src, err := NewHTTPSource(Config{PriceURL: bad.URL, WeatherURL: weatherURL})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.Forecast(context.Background(), 12); err == nil {
		t.Fatal("Forecast succeeded with a failing upstream")
	}
}

func TestForecastRequiresURLs(t *testing.T) {
	if _, err := NewHTTPSource(Config{PriceURL: "http://example.com"}); err == nil {
		t.Fatal("NewHTTPSource accepted a missing weather URL")
	}
}
