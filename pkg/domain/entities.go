// Package domain defines the persistent entities, value types, and rule
// evaluation primitives shared by the risk model.
package domain

import (
	"time"
)

// EntityType identifies the type of record stored in the domain store.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityTenant identifies a tenant record.
	EntityTenant EntityType = "tenant"
	// EntityProject identifies a project record.
	EntityProject EntityType = "project"
	// EntityLocation identifies a project location record.
	EntityLocation EntityType = "location"
	// EntityActivity identifies an activity grouping tasks at a location.
	EntityActivity EntityType = "activity"
	// EntityTask identifies a task record.
	EntityTask EntityType = "task"
	// EntityIncident identifies a geocoded historical incident.
	EntityIncident EntityType = "incident"
	// EntityManualSiteCondition identifies a user-added site condition.
	EntityManualSiteCondition EntityType = "manual_site_condition"

	// Library catalog entries and the tenant visibility join table.
	EntityLibraryTask          EntityType = "library_task"
	EntityLibraryHazard        EntityType = "library_hazard"
	EntityLibraryControl       EntityType = "library_control"
	EntityLibraryActivityType  EntityType = "library_activity_type"
	EntityLibrarySiteCondition EntityType = "library_site_condition"
	EntityTenantLibraryLink    EntityType = "tenant_library_link"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Owned carries the tenant scope and archive marker of risk subjects.
type Owned struct {
	TenantID   string     `json:"tenant_id"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// Archived reports whether the record carries an archive timestamp.
func (o Owned) Archived() bool { return o.ArchivedAt != nil }

// Tenant is the isolation unit. Bands override the global defaults when set.
type Tenant struct {
	Base
	Name  string `json:"name"`
	Bands Bands  `json:"bands,omitempty"`
}

// Project composes locations and activities over a date range.
type Project struct {
	Base
	Owned
	Name        string   `json:"name"`
	StartDate   Date     `json:"start_date"`
	EndDate     Date     `json:"end_date"`
	LocationIDs []string `json:"location_ids"`
}

// Window returns the project's active date range.
func (p Project) Window() Window { return Window{Start: p.StartDate, End: p.EndDate} }

// Location is a geographic point belonging to a project.
type Location struct {
	Base
	Owned
	ProjectID  string            `json:"project_id"`
	Name       string            `json:"name"`
	Latitude   float64           `json:"latitude"`
	Longitude  float64           `json:"longitude"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Activity groups tasks performed at a location.
type Activity struct {
	Base
	Owned
	LocationID            string `json:"location_id"`
	Name                  string `json:"name"`
	LibraryActivityTypeID string `json:"library_activity_type_id,omitempty"`
	StartDate             Date   `json:"start_date"`
	EndDate               Date   `json:"end_date"`
}

// Window returns the activity's date range.
func (a Activity) Window() Window { return Window{Start: a.StartDate, End: a.EndDate} }

// TaskHazard records whether a library hazard applies to a task.
type TaskHazard struct {
	LibraryHazardID string `json:"library_hazard_id"`
	Applicable      bool   `json:"applicable"`
}

// Task is the finest-grained risk subject.
type Task struct {
	Base
	Owned
	LocationID    string       `json:"location_id"`
	ActivityID    *string      `json:"activity_id,omitempty"`
	LibraryTaskID string       `json:"library_task_id"`
	StartDate     Date         `json:"start_date"`
	EndDate       Date         `json:"end_date"`
	Hazards       []TaskHazard `json:"hazards"`
}

// Window returns the task's active date range.
func (t Task) Window() Window { return Window{Start: t.StartDate, End: t.EndDate} }

// Incident is a geocoded historical safety incident.
type Incident struct {
	Base
	TenantID    string    `json:"tenant_id"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	OccurredAt  time.Time `json:"occurred_at"`
	Severity    int       `json:"severity"`
	Description string    `json:"description,omitempty"`
}

// ManualSiteCondition is a user-added site condition at a location. The
// evaluator never overwrites these.
type ManualSiteCondition struct {
	Base
	Owned
	LocationID             string `json:"location_id"`
	LibrarySiteConditionID string `json:"library_site_condition_id"`
}

// LibraryTask is a catalog entry providing the base score of a task.
type LibraryTask struct {
	ID        string  `json:"id" yaml:"id"`
	Name      string  `json:"name" yaml:"name"`
	BaseScore float64 `json:"base_score" yaml:"base_score"`
}

// LibraryHazard is a catalog hazard type with its score multiplier.
type LibraryHazard struct {
	ID         string  `json:"id" yaml:"id"`
	Name       string  `json:"name" yaml:"name"`
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
}

// LibraryControl is a catalog control type.
type LibraryControl struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// LibraryActivityType is a catalog activity type.
type LibraryActivityType struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// LibrarySiteCondition is a site-condition definition. A nil Predicate marks a
// definition that can only be added manually.
type LibrarySiteCondition struct {
	ID               string     `json:"id" yaml:"id"`
	Handle           string     `json:"handle" yaml:"handle"`
	Name             string     `json:"name" yaml:"name"`
	TaskModifier     float64    `json:"task_modifier" yaml:"task_modifier"`
	LocationAdditive float64    `json:"location_additive" yaml:"location_additive"`
	Predicate        *Predicate `json:"predicate,omitempty" yaml:"predicate,omitempty"`
}

// Automatic reports whether the evaluator should compute this definition.
func (l LibrarySiteCondition) Automatic() bool { return l.Predicate != nil }

// EffectiveTaskModifier treats an unset modifier as neutral.
func (l LibrarySiteCondition) EffectiveTaskModifier() float64 {
	if l.TaskModifier == 0 {
		return 1
	}
	return l.TaskModifier
}

// TenantLibraryLink grants a tenant visibility of a library entry.
type TenantLibraryLink struct {
	TenantID  string     `json:"tenant_id"`
	Kind      EntityType `json:"kind"`
	LibraryID string     `json:"library_id"`
}

// Key returns the join-table identity of the link.
func (l TenantLibraryLink) Key() string {
	return l.TenantID + "/" + string(l.Kind) + "/" + l.LibraryID
}

// Change describes a mutation applied within a transaction.
type Change struct {
	Entity   EntityType `json:"entity"`
	Action   Action     `json:"action"`
	EntityID string     `json:"entity_id"`
	TenantID string     `json:"tenant_id,omitempty"`
	Before   any        `json:"before,omitempty"`
	After    any        `json:"after,omitempty"`
}

// Action represents a CRUD operation.
type Action string

// Change actions enumerate supported operations captured in transactions.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	// ActionArchive indicates an entity received an archive timestamp.
	ActionArchive Action = "archive"
	ActionDelete  Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rules: " + v.Message
		}
	}
	return "transaction blocked by rules"
}
