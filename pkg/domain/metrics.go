package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// MetricKey identifies one stored metric value. A zero Date marks a
// point-in-time metric.
type MetricKey struct {
	TenantID  string     `json:"tenant_id"`
	Kind      MetricKind `json:"kind"`
	SubjectID string     `json:"subject_id"`
	Date      Date       `json:"date"`
}

func (k MetricKey) String() string {
	if k.Date.IsZero() {
		return fmt.Sprintf("%s/%s/%s", k.TenantID, k.Kind, k.SubjectID)
	}
	return fmt.Sprintf("%s/%s/%s/%s", k.TenantID, k.Kind, k.SubjectID, k.Date)
}

// MetricValue is one row of the metric store.
type MetricValue struct {
	Key   MetricKey `json:"key"`
	Value float64   `json:"value"`
	// Empty marks a computed key without contributing members; reads map it to UNKNOWN.
	Empty        bool      `json:"empty,omitempty"`
	InputsHash   string    `json:"inputs_hash,omitempty"`
	CalculatedAt time.Time `json:"calculated_at"`
}

// Newer reports whether v supersedes other under latest-calculated_at-wins.
func (v MetricValue) Newer(other MetricValue) bool {
	return v.CalculatedAt.After(other.CalculatedAt)
}

// SiteConditionSource distinguishes evaluated instances from user-added ones.
type SiteConditionSource string

// Site condition sources.
const (
	SourceEvaluated SiteConditionSource = "evaluated"
	SourceManual    SiteConditionSource = "manual"
)

// SiteConditionKey identifies a site-condition instance.
type SiteConditionKey struct {
	TenantID   string `json:"tenant_id"`
	LocationID string `json:"location_id"`
	LibraryID  string `json:"library_id"`
	Date       Date   `json:"date"`
}

// SiteConditionInstance is the evaluator's output for one definition at a
// location and date.
type SiteConditionInstance struct {
	Key          SiteConditionKey    `json:"key"`
	Applicable   bool                `json:"applicable"`
	Evidence     Evidence            `json:"evidence"`
	CalculatedAt time.Time           `json:"calculated_at"`
	Source       SiteConditionSource `json:"source"`
}

// Evidence records which inputs and thresholds fired. It is debugging data;
// metrics read only the applicable flag.
type Evidence struct {
	Fired  []Firing        `json:"fired,omitempty"`
	Stale  bool            `json:"stale,omitempty"`
	Inputs json.RawMessage `json:"inputs,omitempty"`
}

// Firing describes one predicate leaf that evaluated true.
type Firing struct {
	Op       PredicateOp `json:"op"`
	Detail   string      `json:"detail"`
	Observed float64     `json:"observed"`
}
