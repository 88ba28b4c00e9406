// Package memory provides in-memory implementations of the domain store, the
// metric store, the site-condition store and the trigger log. They back tests
// and ephemeral environments, and the domain store doubles as the transactional
// core of the snapshotting sqlite and postgres backends.
package memory

import (
	"context"
	"sync"
	"time"

	"worksafety/pkg/domain"

	"github.com/google/uuid"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Tenant aliases domain.Tenant for in-memory persistence operations.
	Tenant = domain.Tenant
	// Project aliases domain.Project.
	Project = domain.Project
	// Location aliases domain.Location.
	Location = domain.Location
	// Activity aliases domain.Activity.
	Activity = domain.Activity
	// Task aliases domain.Task.
	Task = domain.Task
	// Incident aliases domain.Incident.
	Incident = domain.Incident
	// ManualSiteCondition aliases domain.ManualSiteCondition.
	ManualSiteCondition = domain.ManualSiteCondition
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	tenants              map[string]Tenant
	projects             map[string]Project
	locations            map[string]Location
	activities           map[string]Activity
	tasks                map[string]Task
	incidents            map[string]Incident
	manualConditions     map[string]ManualSiteCondition
	libraryTasks         map[string]domain.LibraryTask
	libraryHazards       map[string]domain.LibraryHazard
	libraryControls      map[string]domain.LibraryControl
	libraryActivityTypes map[string]domain.LibraryActivityType
	librarySiteConds     map[string]domain.LibrarySiteCondition
	libraryLinks         map[string]domain.TenantLibraryLink
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Tenants              map[string]Tenant                      `json:"tenants"`
	Projects             map[string]Project                     `json:"projects"`
	Locations            map[string]Location                    `json:"locations"`
	Activities           map[string]Activity                    `json:"activities"`
	Tasks                map[string]Task                        `json:"tasks"`
	Incidents            map[string]Incident                    `json:"incidents"`
	ManualConditions     map[string]ManualSiteCondition         `json:"manual_site_conditions"`
	LibraryTasks         map[string]domain.LibraryTask          `json:"library_tasks"`
	LibraryHazards       map[string]domain.LibraryHazard        `json:"library_hazards"`
	LibraryControls      map[string]domain.LibraryControl       `json:"library_controls"`
	LibraryActivityTypes map[string]domain.LibraryActivityType  `json:"library_activity_types"`
	LibrarySiteConds     map[string]domain.LibrarySiteCondition `json:"library_site_conditions"`
	LibraryLinks         map[string]domain.TenantLibraryLink    `json:"tenant_library_links"`
}

func newMemoryState() memoryState {
	return memoryState{
		tenants:              make(map[string]Tenant),
		projects:             make(map[string]Project),
		locations:            make(map[string]Location),
		activities:           make(map[string]Activity),
		tasks:                make(map[string]Task),
		incidents:            make(map[string]Incident),
		manualConditions:     make(map[string]ManualSiteCondition),
		libraryTasks:         make(map[string]domain.LibraryTask),
		libraryHazards:       make(map[string]domain.LibraryHazard),
		libraryControls:      make(map[string]domain.LibraryControl),
		libraryActivityTypes: make(map[string]domain.LibraryActivityType),
		librarySiteConds:     make(map[string]domain.LibrarySiteCondition),
		libraryLinks:         make(map[string]domain.TenantLibraryLink),
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.tenants {
		cloned.tenants[k] = cloneTenant(v)
	}
	for k, v := range s.projects {
		cloned.projects[k] = cloneProject(v)
	}
	for k, v := range s.locations {
		cloned.locations[k] = cloneLocation(v)
	}
	for k, v := range s.activities {
		cloned.activities[k] = cloneActivity(v)
	}
	for k, v := range s.tasks {
		cloned.tasks[k] = cloneTask(v)
	}
	for k, v := range s.incidents {
		cloned.incidents[k] = v
	}
	for k, v := range s.manualConditions {
		cloned.manualConditions[k] = cloneManual(v)
	}
	for k, v := range s.libraryTasks {
		cloned.libraryTasks[k] = v
	}
	for k, v := range s.libraryHazards {
		cloned.libraryHazards[k] = v
	}
	for k, v := range s.libraryControls {
		cloned.libraryControls[k] = v
	}
	for k, v := range s.libraryActivityTypes {
		cloned.libraryActivityTypes[k] = v
	}
	for k, v := range s.librarySiteConds {
		cloned.librarySiteConds[k] = v
	}
	for k, v := range s.libraryLinks {
		cloned.libraryLinks[k] = v
	}
	return cloned
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	c := state.clone()
	return Snapshot{
		Tenants:              c.tenants,
		Projects:             c.projects,
		Locations:            c.locations,
		Activities:           c.activities,
		Tasks:                c.tasks,
		Incidents:            c.incidents,
		ManualConditions:     c.manualConditions,
		LibraryTasks:         c.libraryTasks,
		LibraryHazards:       c.libraryHazards,
		LibraryControls:      c.libraryControls,
		LibraryActivityTypes: c.libraryActivityTypes,
		LibrarySiteConds:     c.librarySiteConds,
		LibraryLinks:         c.libraryLinks,
	}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := memoryState{
		tenants:              s.Tenants,
		projects:             s.Projects,
		locations:            s.Locations,
		activities:           s.Activities,
		tasks:                s.Tasks,
		incidents:            s.Incidents,
		manualConditions:     s.ManualConditions,
		libraryTasks:         s.LibraryTasks,
		libraryHazards:       s.LibraryHazards,
		libraryControls:      s.LibraryControls,
		libraryActivityTypes: s.LibraryActivityTypes,
		librarySiteConds:     s.LibrarySiteConds,
		libraryLinks:         s.LibraryLinks,
	}
	return state.normalize().clone()
}

// normalize replaces nil buckets so snapshots written by older builds load cleanly.
func (s memoryState) normalize() memoryState {
	fresh := newMemoryState()
	if s.tenants == nil {
		s.tenants = fresh.tenants
	}
	if s.projects == nil {
		s.projects = fresh.projects
	}
	if s.locations == nil {
		s.locations = fresh.locations
	}
	if s.activities == nil {
		s.activities = fresh.activities
	}
	if s.tasks == nil {
		s.tasks = fresh.tasks
	}
	if s.incidents == nil {
		s.incidents = fresh.incidents
	}
	if s.manualConditions == nil {
		s.manualConditions = fresh.manualConditions
	}
	if s.libraryTasks == nil {
		s.libraryTasks = fresh.libraryTasks
	}
	if s.libraryHazards == nil {
		s.libraryHazards = fresh.libraryHazards
	}
	if s.libraryControls == nil {
		s.libraryControls = fresh.libraryControls
	}
	if s.libraryActivityTypes == nil {
		s.libraryActivityTypes = fresh.libraryActivityTypes
	}
	if s.librarySiteConds == nil {
		s.librarySiteConds = fresh.librarySiteConds
	}
	if s.libraryLinks == nil {
		s.libraryLinks = fresh.libraryLinks
	}
	return s
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func cloneTenant(t Tenant) Tenant {
	cp := t
	cp.Bands = append(domain.Bands(nil), t.Bands...)
	return cp
}

func cloneProject(p Project) Project {
	cp := p
	cp.ArchivedAt = cloneTime(p.ArchivedAt)
	cp.LocationIDs = append([]string(nil), p.LocationIDs...)
	return cp
}

func cloneLocation(l Location) Location {
	cp := l
	cp.ArchivedAt = cloneTime(l.ArchivedAt)
	if l.Attributes != nil {
		cp.Attributes = make(map[string]string, len(l.Attributes))
		for k, v := range l.Attributes {
			cp.Attributes[k] = v
		}
	}
	return cp
}

func cloneActivity(a Activity) Activity {
	cp := a
	cp.ArchivedAt = cloneTime(a.ArchivedAt)
	return cp
}

func cloneTask(t Task) Task {
	cp := t
	cp.ArchivedAt = cloneTime(t.ArchivedAt)
	cp.Hazards = append([]domain.TaskHazard(nil), t.Hazards...)
	if t.ActivityID != nil {
		id := *t.ActivityID
		cp.ActivityID = &id
	}
	return cp
}

func cloneManual(m ManualSiteCondition) ManualSiteCondition {
	cp := m
	cp.ArchivedAt = cloneTime(m.ArchivedAt)
	return cp
}

func projectLocationIDs(state *memoryState, projectID string) []string {
	var ids []string
	for id, loc := range state.locations {
		if loc.ProjectID == projectID {
			ids = append(ids, id)
		}
	}
	sortStrings(ids)
	return ids
}

func decorateProject(state *memoryState, project Project) Project {
	cp := cloneProject(project)
	cp.LocationIDs = projectLocationIDs(state, project.ID)
	return cp
}

// Store provides an in-memory transactional store.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc replaces the time provider; tests use it to pin timestamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// RunInTransaction clones the state, applies fn, evaluates the rules over the
// recorded changes, and commits only when nothing blocks.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state. The view
// stays valid after fn returns.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()

	view := newTransactionView(&snapshot)
	return fn(view)
}
