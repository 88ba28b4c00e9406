package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"worksafety/pkg/domain"
)

// Forecast is the daily weather summary predicates read.
type Forecast struct {
	Date            domain.Date `json:"date"`
	TempMaxC        float64     `json:"temperature_max_c"`
	TempMinC        float64     `json:"temperature_min_c"`
	PrecipitationMM float64     `json:"precipitation_mm"`
	WindSpeedMaxKmh float64     `json:"wind_speed_max_kmh"`
	SnowfallCM      float64     `json:"snowfall_cm"`
}

// Field returns the value of a predicate weather field.
func (f Forecast) Field(name string) (float64, bool) {
	switch name {
	case domain.WeatherTempMax:
		return f.TempMaxC, true
	case domain.WeatherTempMin:
		return f.TempMinC, true
	case domain.WeatherPrecipitation:
		return f.PrecipitationMM, true
	case domain.WeatherWindMax:
		return f.WindSpeedMaxKmh, true
	case domain.WeatherSnowfall:
		return f.SnowfallCM, true
	}
	return 0, false
}

// WeatherSource fetches the forecast of one day at a point.
type WeatherSource interface {
	Forecast(ctx context.Context, lat, lon float64, date domain.Date) (Forecast, error)
}

// OpenMeteoConfig configures the Open-Meteo compatible client.
type OpenMeteoConfig struct {
	BaseURL       string
	RatePerSecond float64
	Timeout       time.Duration
	HTTPClient    *http.Client
}

// OpenMeteo queries an Open-Meteo compatible /v1/forecast endpoint.
type OpenMeteo struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// DefaultOpenMeteoURL is the public API host.
const DefaultOpenMeteoURL = "https://api.open-meteo.com"

// NewOpenMeteo builds a rate-limited client. A non-positive rate means 5
// requests per second.
func NewOpenMeteo(cfg OpenMeteoConfig) *OpenMeteo {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultOpenMeteoURL
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 5
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &OpenMeteo{baseURL: base, client: client, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

type openMeteoDaily struct {
	Time          []string   `json:"time"`
	TempMax       []*float64 `json:"temperature_2m_max"`
	TempMin       []*float64 `json:"temperature_2m_min"`
	Precipitation []*float64 `json:"precipitation_sum"`
	WindMax       []*float64 `json:"wind_speed_10m_max"`
	Snowfall      []*float64 `json:"snowfall_sum"`
}

type openMeteoResponse struct {
	Daily  openMeteoDaily `json:"daily"`
	Error  bool           `json:"error"`
	Reason string         `json:"reason"`
}

func at(values []*float64, i int) float64 {
	if i < len(values) && values[i] != nil {
		return *values[i]
	}
	return 0
}

// Forecast requests the daily aggregates of date in UTC.
func (o *OpenMeteo) Forecast(ctx context.Context, lat, lon float64, date domain.Date) (Forecast, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return Forecast{}, err
	}
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', 4, 64))
	q.Set("daily", "temperature_2m_max,temperature_2m_min,precipitation_sum,wind_speed_10m_max,snowfall_sum")
	q.Set("timezone", "UTC")
	q.Set("start_date", date.String())
	q.Set("end_date", date.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/v1/forecast?"+q.Encode(), nil)
	if err != nil {
		return Forecast{}, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return Forecast{}, fmt.Errorf("open-meteo request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Forecast{}, fmt.Errorf("open-meteo read: %w", err)
	}
	var parsed openMeteoResponse
	if resp.StatusCode != http.StatusOK {
		_ = json.Unmarshal(body, &parsed)
		return Forecast{}, fmt.Errorf("open-meteo status %d: %s", resp.StatusCode, parsed.Reason)
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Forecast{}, fmt.Errorf("open-meteo decode: %w", err)
	}
	for i, day := range parsed.Daily.Time {
		if day != date.String() {
			continue
		}
		return Forecast{
			Date:            date,
			TempMaxC:        at(parsed.Daily.TempMax, i),
			TempMinC:        at(parsed.Daily.TempMin, i),
			PrecipitationMM: at(parsed.Daily.Precipitation, i),
			WindSpeedMaxKmh: at(parsed.Daily.WindMax, i),
			SnowfallCM:      at(parsed.Daily.Snowfall, i),
		}, nil
	}
	return Forecast{}, fmt.Errorf("open-meteo: no forecast for %s", date)
}

// StaticWeather serves forecasts set in memory, for tests and offline runs.
type StaticWeather struct {
	mu        sync.RWMutex
	forecasts map[domain.Date]Forecast
	err       error
	calls     int
}

// NewStaticWeather returns an empty static source.
func NewStaticWeather() *StaticWeather {
	return &StaticWeather{forecasts: make(map[domain.Date]Forecast)}
}

// Set stores the forecast of f.Date for every location.
func (s *StaticWeather) Set(f Forecast) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forecasts[f.Date] = f
}

// Fail makes subsequent calls return err; nil restores normal answers.
func (s *StaticWeather) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls reports how many forecasts were requested.
func (s *StaticWeather) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}

// Forecast returns the stored forecast; unknown dates read as calm weather.
func (s *StaticWeather) Forecast(_ context.Context, _, _ float64, date domain.Date) (Forecast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return Forecast{}, s.err
	}
	if f, ok := s.forecasts[date]; ok {
		return f, nil
	}
	return Forecast{Date: date}, nil
}
