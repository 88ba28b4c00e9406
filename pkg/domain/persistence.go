package domain

import (
	"context"
	"time"
)

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	Changes() []Change
	Now() time.Time

	CreateTenant(Tenant) (Tenant, error)
	UpdateTenant(id string, mutator func(*Tenant) error) (Tenant, error)

	CreateProject(Project) (Project, error)
	UpdateProject(id string, mutator func(*Project) error) (Project, error)
	ArchiveProject(id string) error
	CreateLocation(Location) (Location, error)
	UpdateLocation(id string, mutator func(*Location) error) (Location, error)
	ArchiveLocation(id string) error
	CreateActivity(Activity) (Activity, error)
	UpdateActivity(id string, mutator func(*Activity) error) (Activity, error)
	ArchiveActivity(id string) error
	CreateTask(Task) (Task, error)
	UpdateTask(id string, mutator func(*Task) error) (Task, error)
	ArchiveTask(id string) error

	CreateIncident(Incident) (Incident, error)
	DeleteIncident(id string) error
	CreateManualSiteCondition(ManualSiteCondition) (ManualSiteCondition, error)
	ArchiveManualSiteCondition(id string) error

	PutLibraryTask(LibraryTask) error
	PutLibraryHazard(LibraryHazard) error
	PutLibraryControl(LibraryControl) error
	PutLibraryActivityType(LibraryActivityType) error
	PutLibrarySiteCondition(LibrarySiteCondition) error
	LinkLibrary(TenantLibraryLink) error
}

// TransactionView provides read-only access to snapshot data for rules and
// calculators. List methods include archived records; callers filter.
type TransactionView interface {
	FindTenant(id string) (Tenant, bool)
	ListTenants() []Tenant
	FindProject(id string) (Project, bool)
	ListProjects(tenantID string) []Project
	FindLocation(id string) (Location, bool)
	ListLocations(projectID string) []Location
	FindActivity(id string) (Activity, bool)
	ListActivities(locationID string) []Activity
	FindTask(id string) (Task, bool)
	ListTasks(locationID string) []Task
	ListIncidents(tenantID string) []Incident
	ListManualSiteConditions(locationID string) []ManualSiteCondition

	FindLibraryTask(id string) (LibraryTask, bool)
	FindLibraryHazard(id string) (LibraryHazard, bool)
	FindLibrarySiteCondition(id string) (LibrarySiteCondition, bool)
	ListLibrarySiteConditions(tenantID string) []LibrarySiteCondition
	LibraryVisible(tenantID string, kind EntityType, id string) bool
}

// PersistentStore is a minimal abstraction over durable domain backends.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
}

// MetricStore holds computed scores. Upsert keeps the row with the latest
// CalculatedAt and reports whether the write was applied.
type MetricStore interface {
	Upsert(ctx context.Context, v MetricValue) (bool, error)
	Get(ctx context.Context, key MetricKey) (MetricValue, bool, error)
	Range(ctx context.Context, tenantID string, kind MetricKind, subjectID string, from, to Date) ([]MetricValue, error)
	ListSubject(ctx context.Context, tenantID, subjectID string, date Date) ([]MetricValue, error)
}

// SiteConditionStore holds evaluator output with the same latest-wins contract.
type SiteConditionStore interface {
	Put(ctx context.Context, inst SiteConditionInstance) (bool, error)
	Get(ctx context.Context, key SiteConditionKey) (SiteConditionInstance, bool, error)
	ListLocation(ctx context.Context, tenantID, locationID string, date Date) ([]SiteConditionInstance, error)
}

// TriggerLog is the durable, tenant-partitioned trigger log.
type TriggerLog interface {
	// Save upserts triggers by ID atomically.
	Save(ctx context.Context, triggers ...Trigger) error
	// Open returns PENDING and RUNNING triggers ordered by enqueue time.
	Open(ctx context.Context) ([]Trigger, error)
	Failed(ctx context.Context, tenantID string) ([]Trigger, error)
	// Latest returns the most recently updated trigger for key.
	Latest(ctx context.Context, key MetricKey) (Trigger, bool, error)
	// Prune deletes DONE triggers last updated before the cutoff.
	Prune(ctx context.Context, before time.Time) (int, error)
}
