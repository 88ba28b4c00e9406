package adapters

import (
	"context"
	"encoding/json"
	"fmt"

	"worksafety/pkg/domain"
)

// Set bundles the three upstreams behind the shared cache. Nil sources
// answer with empty data.
type Set struct {
	Cache     *Cache
	Weather   WeatherSource
	Incidents IncidentSource
	Geography GeographySource
}

// WeatherKey rounds coordinates to two decimals (about 1 km) so nearby
// locations share forecasts.
func WeatherKey(lat, lon float64, date domain.Date) string {
	return fmt.Sprintf("%.2f,%.2f/%s", lat, lon, date)
}

// Forecast returns the weather at a point for date and whether it was stale.
func (s *Set) Forecast(ctx context.Context, tenantID string, lat, lon float64, date domain.Date) (Forecast, bool, error) {
	if s.Weather == nil {
		return Forecast{Date: date}, false, nil
	}
	v, err := s.Cache.Get(ctx, SourceWeather, tenantID, WeatherKey(lat, lon, date), func(ctx context.Context) ([]byte, error) {
		f, err := s.Weather.Forecast(ctx, lat, lon, date)
		if err != nil {
			return nil, err
		}
		return json.Marshal(f)
	})
	if err != nil {
		return Forecast{}, false, err
	}
	var f Forecast
	if err := json.Unmarshal(v.Data, &f); err != nil {
		return Forecast{}, false, fmt.Errorf("decode forecast: %w", err)
	}
	return f, v.Stale, nil
}

// IncidentHistory returns the tenant's incidents.
func (s *Set) IncidentHistory(ctx context.Context, tenantID string) ([]domain.Incident, bool, error) {
	if s.Incidents == nil {
		return nil, false, nil
	}
	v, err := s.Cache.Get(ctx, SourceIncidents, tenantID, "all", func(ctx context.Context) ([]byte, error) {
		list, err := s.Incidents.Incidents(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(list)
	})
	if err != nil {
		return nil, false, err
	}
	var list []domain.Incident
	if err := json.Unmarshal(v.Data, &list); err != nil {
		return nil, false, fmt.Errorf("decode incidents: %w", err)
	}
	return list, v.Stale, nil
}

// Features returns the tenant's geography features.
func (s *Set) Features(ctx context.Context, tenantID string) ([]Feature, bool, error) {
	if s.Geography == nil {
		return nil, false, nil
	}
	v, err := s.Cache.Get(ctx, SourceGeography, tenantID, "features", func(ctx context.Context) ([]byte, error) {
		list, err := s.Geography.Features(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(list)
	})
	if err != nil {
		return nil, false, err
	}
	var list []Feature
	if err := json.Unmarshal(v.Data, &list); err != nil {
		return nil, false, fmt.Errorf("decode features: %w", err)
	}
	return list, v.Stale, nil
}

// IncidentsChanged drops the cached incident history of a tenant.
func (s *Set) IncidentsChanged(ctx context.Context, tenantID string) error {
	return s.Cache.Invalidate(ctx, SourceIncidents, tenantID)
}

// GeographyChanged drops the cached features of a tenant.
func (s *Set) GeographyChanged(ctx context.Context, tenantID string) error {
	return s.Cache.Invalidate(ctx, SourceGeography, tenantID)
}
