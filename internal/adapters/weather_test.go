package adapters

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memorystore "worksafety/internal/infra/blob/memory"
	"worksafety/pkg/domain"
)

func mustDate(t *testing.T, s string) domain.Date {
	t.Helper()
	d, err := domain.ParseDate(s)
	require.NoError(t, err)
	return d
}

func TestOpenMeteoForecast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/forecast", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "2024-01-02", q.Get("start_date"))
		assert.Equal(t, "UTC", q.Get("timezone"))
		assert.Contains(t, q.Get("daily"), "wind_speed_10m_max")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"daily":{"time":["2024-01-02"],"temperature_2m_max":[3.5],"temperature_2m_min":[-2],
			"precipitation_sum":[null],"wind_speed_10m_max":[48.2],"snowfall_sum":[1.4]}}`))
	}))
	defer srv.Close()

	client := NewOpenMeteo(OpenMeteoConfig{BaseURL: srv.URL, RatePerSecond: 100})
	f, err := client.Forecast(context.Background(), 40.71, -74.0, mustDate(t, "2024-01-02"))
	require.NoError(t, err)
	assert.Equal(t, 3.5, f.TempMaxC)
	assert.Equal(t, -2.0, f.TempMinC)
	assert.Equal(t, 0.0, f.PrecipitationMM)
	wind, ok := f.Field(domain.WeatherWindMax)
	require.True(t, ok)
	assert.Equal(t, 48.2, wind)
	_, ok = f.Field("humidity")
	assert.False(t, ok)
}

func TestOpenMeteoErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Query().Get("start_date"), "2030") {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":true,"reason":"out of range"}`))
			return
		}
		_, _ = w.Write([]byte(`{"daily":{"time":[]}}`))
	}))
	defer srv.Close()
	client := NewOpenMeteo(OpenMeteoConfig{BaseURL: srv.URL, RatePerSecond: 100})

	_, err := client.Forecast(context.Background(), 0, 0, mustDate(t, "2030-01-01"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")

	_, err = client.Forecast(context.Background(), 0, 0, mustDate(t, "2024-01-01"))
	require.Error(t, err)
}

func TestOpenMeteoHonoursContext(t *testing.T) {
	client := NewOpenMeteo(OpenMeteoConfig{BaseURL: "http://127.0.0.1:1", RatePerSecond: 0.001})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	// the first token is available; the second wait exceeds the deadline
	_, _ = client.Forecast(ctx, 0, 0, mustDate(t, "2024-01-01"))
	_, err := client.Forecast(ctx, 0, 0, mustDate(t, "2024-01-01"))
	require.Error(t, err)
}

func TestSetCachesWeatherPerRoundedPoint(t *testing.T) {
	weather := NewStaticWeather()
	day := mustDate(t, "2024-01-01")
	weather.Set(Forecast{Date: day, WindSpeedMaxKmh: 55})
	set := &Set{Cache: NewCache(CacheOptions{}), Weather: weather}
	ctx := context.Background()

	f, stale, err := set.Forecast(ctx, "t1", 40.7101, -74.0049, day)
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, 55.0, f.WindSpeedMaxKmh)
	_, _, err = set.Forecast(ctx, "t1", 40.7149, -74.0001, day)
	require.NoError(t, err)
	assert.Equal(t, 1, weather.Calls())
	assert.Equal(t, "40.71,-74.00/2024-01-01", WeatherKey(40.7101, -74.0049, day))
}

func TestSetWeatherStaleAfterUpstreamFailure(t *testing.T) {
	clk := newClock()
	weather := NewStaticWeather()
	day := mustDate(t, "2024-01-01")
	weather.Set(Forecast{Date: day, TempMaxC: 30})
	set := &Set{Cache: NewCache(CacheOptions{Now: clk.Now}), Weather: weather}
	ctx := context.Background()
	_, _, err := set.Forecast(ctx, "t1", 1, 1, day)
	require.NoError(t, err)

	clk.Advance(61 * time.Minute)
	weather.Fail(errors.New("503"))
	f, stale, err := set.Forecast(ctx, "t1", 1, 1, day)
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Equal(t, 30.0, f.TempMaxC)
}

func TestBlobGeography(t *testing.T) {
	store := memorystore.New()
	ctx := context.Background()
	geo := BlobGeography{Store: store}

	features, err := geo.Features(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, features)

	doc := "features:\n  - kind: power_line\n    name: north span\n    latitude: 40.7\n    longitude: -74.0\n"
	_, err = store.Put(ctx, GeographyKey("t1"), strings.NewReader(doc), "application/yaml")
	require.NoError(t, err)
	features, err = geo.Features(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, features, 1)
	assert.Equal(t, "power_line", features[0].Kind)

	_, err = store.Put(ctx, GeographyKey("t2"), strings.NewReader(`{"features":[{"latitude":1}]}`), "application/json")
	require.NoError(t, err)
	_, err = geo.Features(ctx, "t2")
	require.Error(t, err)
}

func TestDistanceMeters(t *testing.T) {
	assert.InDelta(t, 0, DistanceMeters(10, 10, 10, 10), 1e-9)
	// one degree of latitude is about 111.2 km
	assert.InDelta(t, 111195, DistanceMeters(0, 0, 1, 0), 5)
	d := DistanceMeters(40.7128, -74.0060, 34.0522, -118.2437)
	assert.True(t, math.Abs(d-3935746) < 5000, "NYC to LA got %f", d)
}
