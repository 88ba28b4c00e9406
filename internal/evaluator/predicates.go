package evaluator

import (
	"context"
	"fmt"
	"math"
	"time"

	"worksafety/internal/adapters"
	"worksafety/pkg/domain"
)

// env holds the inputs of one location and date. Adapter reads are lazy and
// shared by every predicate of the sweep.
type env struct {
	ctx      context.Context
	set      *adapters.Set
	tenantID string
	loc      domain.Location
	date     domain.Date

	forecast  *adapters.Forecast
	incidents []domain.Incident
	loadedInc bool
	features  []adapters.Feature
	loadedGeo bool
	stale     bool

	incidentsNear int
	featuresNear  int
	usedAttrs     bool
}

func (v *env) observed() observed {
	var o observed
	o.Forecast = v.forecast
	if v.loadedInc {
		n := v.incidentsNear
		o.Incidents = &n
	}
	if v.loadedGeo {
		n := v.featuresNear
		o.Features = &n
	}
	if v.usedAttrs {
		o.Attributes = v.loc.Attributes
	}
	return o
}

func (v *env) weather() (adapters.Forecast, error) {
	if v.forecast != nil {
		return *v.forecast, nil
	}
	f, stale, err := v.set.Forecast(v.ctx, v.tenantID, v.loc.Latitude, v.loc.Longitude, v.date)
	if err != nil {
		return adapters.Forecast{}, err
	}
	v.stale = v.stale || stale
	v.forecast = &f
	return f, nil
}

func (v *env) history() ([]domain.Incident, error) {
	if v.loadedInc {
		return v.incidents, nil
	}
	list, stale, err := v.set.IncidentHistory(v.ctx, v.tenantID)
	if err != nil {
		return nil, err
	}
	v.stale = v.stale || stale
	v.incidents, v.loadedInc = list, true
	return list, nil
}

func (v *env) geography() ([]adapters.Feature, error) {
	if v.loadedGeo {
		return v.features, nil
	}
	list, stale, err := v.set.Features(v.ctx, v.tenantID)
	if err != nil {
		return nil, err
	}
	v.stale = v.stale || stale
	v.features, v.loadedGeo = list, true
	return list, nil
}

// eval returns whether p holds and the leaves that fired.
func (v *env) eval(p domain.Predicate) (bool, []domain.Firing, error) {
	switch p.Op {
	case domain.OpAll:
		var fired []domain.Firing
		for _, term := range p.Terms {
			ok, f, err := v.eval(term)
			if err != nil || !ok {
				return false, nil, err
			}
			fired = append(fired, f...)
		}
		return len(p.Terms) > 0, fired, nil
	case domain.OpAny:
		var (
			fired   []domain.Firing
			matched bool
		)
		for _, term := range p.Terms {
			ok, f, err := v.eval(term)
			if err != nil {
				return false, nil, err
			}
			if ok {
				matched = true
				fired = append(fired, f...)
			}
		}
		return matched, fired, nil
	case domain.OpNot:
		if len(p.Terms) != 1 {
			return false, nil, domain.DefinitionError{Reason: "not requires exactly one term"}
		}
		ok, _, err := v.eval(p.Terms[0])
		if err != nil || ok {
			return false, nil, err
		}
		return true, []domain.Firing{{Op: domain.OpNot, Detail: "negated term did not hold"}}, nil
	case domain.OpWeather:
		return v.evalWeather(p)
	case domain.OpIncidents:
		return v.evalIncidents(p)
	case domain.OpProximity:
		return v.evalProximity(p)
	case domain.OpAttribute:
		v.usedAttrs = true
		got, ok := v.loc.Attributes[p.Key]
		if !ok || (p.Equals != "" && got != p.Equals) || (p.Equals == "" && got == "") {
			return false, nil, nil
		}
		return true, []domain.Firing{{Op: domain.OpAttribute, Detail: fmt.Sprintf("%s=%s", p.Key, got)}}, nil
	}
	return false, nil, domain.DefinitionError{Reason: fmt.Sprintf("unknown predicate op %q", p.Op)}
}

func (v *env) evalWeather(p domain.Predicate) (bool, []domain.Firing, error) {
	f, err := v.weather()
	if err != nil {
		return false, nil, err
	}
	got, ok := f.Field(p.Field)
	if !ok {
		return false, nil, domain.DefinitionError{Reason: fmt.Sprintf("unknown weather field %q", p.Field)}
	}
	if !p.Cmp.Apply(got, p.Value) {
		return false, nil, nil
	}
	return true, []domain.Firing{{
		Op:       domain.OpWeather,
		Detail:   fmt.Sprintf("%s %s %g", p.Field, p.Cmp, p.Value),
		Observed: got,
	}}, nil
}

// evalIncidents counts incidents within the radius that occurred in the
// window_days days up to and including the evaluated date.
func (v *env) evalIncidents(p domain.Predicate) (bool, []domain.Firing, error) {
	list, err := v.history()
	if err != nil {
		return false, nil, err
	}
	end := v.date.Time().Add(24 * time.Hour)
	start := end.Add(-time.Duration(p.WindowDays) * 24 * time.Hour)
	count := 0
	for _, inc := range list {
		if inc.OccurredAt.Before(start) || !inc.OccurredAt.Before(end) {
			continue
		}
		if inc.Severity < p.MinSeverity {
			continue
		}
		if adapters.DistanceMeters(v.loc.Latitude, v.loc.Longitude, inc.Latitude, inc.Longitude) > p.RadiusMeters {
			continue
		}
		count++
	}
	if count > v.incidentsNear {
		v.incidentsNear = count
	}
	if count < p.MinCount {
		return false, nil, nil
	}
	return true, []domain.Firing{{
		Op:       domain.OpIncidents,
		Detail:   fmt.Sprintf("%d incidents within %gm over %d days", count, p.RadiusMeters, p.WindowDays),
		Observed: float64(count),
	}}, nil
}

func (v *env) evalProximity(p domain.Predicate) (bool, []domain.Firing, error) {
	list, err := v.geography()
	if err != nil {
		return false, nil, err
	}
	nearest := math.Inf(1)
	var name string
	count := 0
	for _, f := range list {
		if f.Kind != p.Feature {
			continue
		}
		d := adapters.DistanceMeters(v.loc.Latitude, v.loc.Longitude, f.Latitude, f.Longitude)
		if d <= p.RadiusMeters {
			count++
		}
		if d < nearest {
			nearest, name = d, f.Name
		}
	}
	if count > v.featuresNear {
		v.featuresNear = count
	}
	if count == 0 {
		return false, nil, nil
	}
	return true, []domain.Firing{{
		Op:       domain.OpProximity,
		Detail:   fmt.Sprintf("%s %q within %gm", p.Feature, name, p.RadiusMeters),
		Observed: math.Round(nearest),
	}}, nil
}
