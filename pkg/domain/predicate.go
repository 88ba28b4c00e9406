package domain

import "fmt"

// PredicateOp tags the variant of a site-condition predicate.
type PredicateOp string

// Predicate variants.
const (
	OpAll       PredicateOp = "all"
	OpAny       PredicateOp = "any"
	OpNot       PredicateOp = "not"
	OpWeather   PredicateOp = "weather"
	OpIncidents PredicateOp = "incidents"
	OpProximity PredicateOp = "proximity"
	OpAttribute PredicateOp = "attribute"
)

// Comparator is a numeric comparison used by weather predicates.
type Comparator string

// Supported comparators.
const (
	CmpGT  Comparator = "gt"
	CmpGTE Comparator = "gte"
	CmpLT  Comparator = "lt"
	CmpLTE Comparator = "lte"
	CmpEQ  Comparator = "eq"
)

// Apply compares observed against threshold.
func (c Comparator) Apply(observed, threshold float64) bool {
	switch c {
	case CmpGT:
		return observed > threshold
	case CmpGTE:
		return observed >= threshold
	case CmpLT:
		return observed < threshold
	case CmpLTE:
		return observed <= threshold
	case CmpEQ:
		return observed == threshold
	}
	return false
}

// Weather fields available to predicates.
const (
	WeatherTempMax       = "temperature_max_c"
	WeatherTempMin       = "temperature_min_c"
	WeatherPrecipitation = "precipitation_mm"
	WeatherWindMax       = "wind_speed_max_kmh"
	WeatherSnowfall      = "snowfall_cm"
)

// Predicate is a declarative applicability rule. Only the fields of the
// tagged variant are meaningful.
type Predicate struct {
	Op    PredicateOp `json:"op" yaml:"op"`
	Terms []Predicate `json:"terms,omitempty" yaml:"terms,omitempty"`

	// weather
	Field string     `json:"field,omitempty" yaml:"field,omitempty"`
	Cmp   Comparator `json:"cmp,omitempty" yaml:"cmp,omitempty"`
	Value float64    `json:"value,omitempty" yaml:"value,omitempty"`

	// incidents and proximity
	RadiusMeters float64 `json:"radius_m,omitempty" yaml:"radius_m,omitempty"`
	WindowDays   int     `json:"window_days,omitempty" yaml:"window_days,omitempty"`
	MinCount     int     `json:"min_count,omitempty" yaml:"min_count,omitempty"`
	MinSeverity  int     `json:"min_severity,omitempty" yaml:"min_severity,omitempty"`
	Feature      string  `json:"feature,omitempty" yaml:"feature,omitempty"`

	// attribute
	Key    string `json:"key,omitempty" yaml:"key,omitempty"`
	Equals string `json:"equals,omitempty" yaml:"equals,omitempty"`
}

// Validate checks variant-specific required fields recursively.
func (p Predicate) Validate() error {
	switch p.Op {
	case OpAll, OpAny:
		if len(p.Terms) == 0 {
			return fmt.Errorf("predicate %s requires terms", p.Op)
		}
	case OpNot:
		if len(p.Terms) != 1 {
			return fmt.Errorf("predicate not requires exactly one term")
		}
	case OpWeather:
		switch p.Field {
		case WeatherTempMax, WeatherTempMin, WeatherPrecipitation, WeatherWindMax, WeatherSnowfall:
		default:
			return fmt.Errorf("predicate weather: unknown field %q", p.Field)
		}
		switch p.Cmp {
		case CmpGT, CmpGTE, CmpLT, CmpLTE, CmpEQ:
		default:
			return fmt.Errorf("predicate weather: unknown comparator %q", p.Cmp)
		}
	case OpIncidents:
		if p.RadiusMeters <= 0 || p.WindowDays <= 0 || p.MinCount <= 0 {
			return fmt.Errorf("predicate incidents requires radius_m, window_days and min_count")
		}
	case OpProximity:
		if p.Feature == "" || p.RadiusMeters <= 0 {
			return fmt.Errorf("predicate proximity requires feature and radius_m")
		}
	case OpAttribute:
		if p.Key == "" {
			return fmt.Errorf("predicate attribute requires key")
		}
	default:
		return fmt.Errorf("unknown predicate op %q", p.Op)
	}
	for _, term := range p.Terms {
		if err := term.Validate(); err != nil {
			return err
		}
	}
	return nil
}
