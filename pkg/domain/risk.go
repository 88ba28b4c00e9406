package domain

import (
	"fmt"
	"sort"
	"strings"
)

// SubjectKind names the entity a metric or trigger is about.
type SubjectKind string

// Risk subjects and the activity grouping used for fan-out.
const (
	SubjectTask     SubjectKind = "task"
	SubjectLocation SubjectKind = "location"
	SubjectProject  SubjectKind = "project"
	// SubjectActivity is never a metric subject; changes to an activity fan out
	// to its tasks and ancestors.
	SubjectActivity SubjectKind = "activity"
)

// ParseSubjectKind validates a subject kind string.
func ParseSubjectKind(s string) (SubjectKind, error) {
	switch k := SubjectKind(strings.ToLower(strings.TrimSpace(s))); k {
	case SubjectTask, SubjectLocation, SubjectProject, SubjectActivity:
		return k, nil
	}
	return "", fmt.Errorf("unknown subject kind %q", s)
}

// MetricKind is the symbolic name of a metric definition.
type MetricKind string

// Built-in metric kinds.
const (
	KindSiteConditionSweep MetricKind = "SiteConditionSweep"
	KindTaskSpecificRisk   MetricKind = "TaskSpecificRiskScore"
	KindTotalLocationRisk  MetricKind = "TotalLocationRiskScore"
	KindTotalProjectRisk   MetricKind = "TotalProjectRiskScore"
)

// Level is the banded classification returned to readers.
type Level string

// Read levels. Only LOW, MEDIUM and HIGH may appear in bands.
const (
	LevelLow           Level = "LOW"
	LevelMedium        Level = "MEDIUM"
	LevelHigh          Level = "HIGH"
	LevelRecalculating Level = "RECALCULATING"
	LevelUnknown       Level = "UNKNOWN"
)

func (l Level) rank() int {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	}
	return 0
}

// Banded reports whether the level can be produced by a band.
func (l Level) Banded() bool { return l.rank() > 0 }

// Band maps scores at or above Min to Level.
type Band struct {
	Min   float64 `json:"min" yaml:"min" mapstructure:"min"`
	Level Level   `json:"level" yaml:"level" mapstructure:"level"`
}

// Bands is an ordered list of thresholds.
type Bands []Band

// DefaultBands is <100 LOW, <250 MEDIUM, >=250 HIGH.
func DefaultBands() Bands {
	return Bands{
		{Min: 0, Level: LevelLow},
		{Min: 100, Level: LevelMedium},
		{Min: 250, Level: LevelHigh},
	}
}

// Validate checks levels, ordering and monotonicity.
func (b Bands) Validate() error {
	if len(b) == 0 {
		return DefinitionError{Reason: "bands: at least one band required"}
	}
	for i, band := range b {
		if !band.Level.Banded() {
			return DefinitionError{Reason: fmt.Sprintf("bands: invalid level %q", band.Level)}
		}
		if i == 0 {
			continue
		}
		prev := b[i-1]
		if band.Min < prev.Min {
			return DefinitionError{Reason: fmt.Sprintf("bands: threshold %v below previous %v", band.Min, prev.Min)}
		}
		if band.Level.rank() < prev.Level.rank() {
			return DefinitionError{Reason: fmt.Sprintf("bands: level %s after %s", band.Level, prev.Level)}
		}
	}
	return nil
}

// Classify returns the level of score. The highest band whose threshold is
// reached wins; among equal thresholds the lower level wins. Scores below the
// first threshold take the first band's level.
func (b Bands) Classify(score float64) Level {
	if len(b) == 0 {
		return DefaultBands().Classify(score)
	}
	sorted := make(Bands, len(b))
	copy(sorted, b)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Min != sorted[j].Min {
			return sorted[i].Min < sorted[j].Min
		}
		return sorted[i].Level.rank() < sorted[j].Level.rank()
	})
	level := sorted[0].Level
	var matched *Band
	for i := range sorted {
		band := sorted[i]
		if score < band.Min {
			break
		}
		if matched != nil && matched.Min == band.Min {
			continue
		}
		matched = &sorted[i]
		level = band.Level
	}
	return level
}

// Or returns b when non-empty, otherwise fallback.
func (b Bands) Or(fallback Bands) Bands {
	if len(b) > 0 {
		return b
	}
	return fallback
}
