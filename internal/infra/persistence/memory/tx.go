package memory

import (
	"fmt"
	"time"

	"worksafety/pkg/domain"
)

// transaction represents a mutation set applied to the store state.
type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

// helper to record and append change entries.
func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// Changes returns the changes recorded so far.
func (tx *transaction) Changes() []Change {
	return append([]Change(nil), tx.changes...)
}

// Now returns the transaction timestamp.
func (tx *transaction) Now() time.Time { return tx.now }

func (tx *transaction) archiveStamp() *time.Time {
	ts := tx.now
	return &ts
}

// CreateTenant stores a new tenant.
func (tx *transaction) CreateTenant(t Tenant) (Tenant, error) {
	if t.ID == "" {
		t.ID = tx.store.newID()
	}
	if _, exists := tx.state.tenants[t.ID]; exists {
		return Tenant{}, domain.ConflictError{Entity: domain.EntityTenant, Key: t.ID}
	}
	t.CreatedAt = tx.now
	t.UpdatedAt = tx.now
	tx.state.tenants[t.ID] = cloneTenant(t)
	tx.recordChange(Change{Entity: domain.EntityTenant, Action: domain.ActionCreate, EntityID: t.ID, TenantID: t.ID, After: cloneTenant(t)})
	return cloneTenant(t), nil
}

// UpdateTenant mutates a tenant using the provided mutator function.
func (tx *transaction) UpdateTenant(id string, mutator func(*Tenant) error) (Tenant, error) {
	current, ok := tx.state.tenants[id]
	if !ok {
		return Tenant{}, domain.ErrNotFound{Entity: domain.EntityTenant, ID: id}
	}
	before := cloneTenant(current)
	if err := mutator(&current); err != nil {
		return Tenant{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.tenants[id] = cloneTenant(current)
	tx.recordChange(Change{Entity: domain.EntityTenant, Action: domain.ActionUpdate, EntityID: id, TenantID: id, Before: before, After: cloneTenant(current)})
	return cloneTenant(current), nil
}

// CreateProject stores a new project.
func (tx *transaction) CreateProject(p Project) (Project, error) {
	if p.ID == "" {
		p.ID = tx.store.newID()
	}
	if _, exists := tx.state.projects[p.ID]; exists {
		return Project{}, domain.ConflictError{Entity: domain.EntityProject, Key: p.ID}
	}
	if _, ok := tx.state.tenants[p.TenantID]; !ok {
		return Project{}, domain.ErrNotFound{Entity: domain.EntityTenant, ID: p.TenantID}
	}
	p.CreatedAt = tx.now
	p.UpdatedAt = tx.now
	p.LocationIDs = nil
	tx.state.projects[p.ID] = cloneProject(p)
	tx.recordChange(Change{Entity: domain.EntityProject, Action: domain.ActionCreate, EntityID: p.ID, TenantID: p.TenantID, After: cloneProject(p)})
	return decorateProject(&tx.state, p), nil
}

// UpdateProject mutates a project. Tenant and archive markers are preserved.
func (tx *transaction) UpdateProject(id string, mutator func(*Project) error) (Project, error) {
	current, ok := tx.state.projects[id]
	if !ok {
		return Project{}, domain.ErrNotFound{Entity: domain.EntityProject, ID: id}
	}
	before := cloneProject(current)
	if err := mutator(&current); err != nil {
		return Project{}, err
	}
	current.ID = id
	current.Owned = before.Owned
	current.UpdatedAt = tx.now
	current.LocationIDs = nil
	tx.state.projects[id] = cloneProject(current)
	tx.recordChange(Change{Entity: domain.EntityProject, Action: domain.ActionUpdate, EntityID: id, TenantID: current.TenantID, Before: before, After: cloneProject(current)})
	return decorateProject(&tx.state, current), nil
}

// ArchiveProject archives the project and cascades to its locations.
func (tx *transaction) ArchiveProject(id string) error {
	current, ok := tx.state.projects[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityProject, ID: id}
	}
	if current.Archived() {
		return nil
	}
	before := cloneProject(current)
	current.ArchivedAt = tx.archiveStamp()
	current.UpdatedAt = tx.now
	tx.state.projects[id] = current
	tx.recordChange(Change{Entity: domain.EntityProject, Action: domain.ActionArchive, EntityID: id, TenantID: current.TenantID, Before: before, After: cloneProject(current)})
	for _, locID := range projectLocationIDs(&tx.state, id) {
		if err := tx.ArchiveLocation(locID); err != nil {
			return err
		}
	}
	return nil
}

// CreateLocation stores a new location under an existing project.
func (tx *transaction) CreateLocation(l Location) (Location, error) {
	if l.ID == "" {
		l.ID = tx.store.newID()
	}
	if _, exists := tx.state.locations[l.ID]; exists {
		return Location{}, domain.ConflictError{Entity: domain.EntityLocation, Key: l.ID}
	}
	project, ok := tx.state.projects[l.ProjectID]
	if !ok {
		return Location{}, domain.ErrNotFound{Entity: domain.EntityProject, ID: l.ProjectID}
	}
	if l.TenantID == "" {
		l.TenantID = project.TenantID
	}
	l.ArchivedAt = nil
	l.CreatedAt = tx.now
	l.UpdatedAt = tx.now
	tx.state.locations[l.ID] = cloneLocation(l)
	tx.recordChange(Change{Entity: domain.EntityLocation, Action: domain.ActionCreate, EntityID: l.ID, TenantID: l.TenantID, After: cloneLocation(l)})
	return cloneLocation(l), nil
}

// UpdateLocation mutates a location. Tenant and archive markers are preserved.
func (tx *transaction) UpdateLocation(id string, mutator func(*Location) error) (Location, error) {
	current, ok := tx.state.locations[id]
	if !ok {
		return Location{}, domain.ErrNotFound{Entity: domain.EntityLocation, ID: id}
	}
	before := cloneLocation(current)
	if err := mutator(&current); err != nil {
		return Location{}, err
	}
	current.ID = id
	current.Owned = before.Owned
	current.UpdatedAt = tx.now
	tx.state.locations[id] = cloneLocation(current)
	tx.recordChange(Change{Entity: domain.EntityLocation, Action: domain.ActionUpdate, EntityID: id, TenantID: current.TenantID, Before: before, After: cloneLocation(current)})
	return cloneLocation(current), nil
}

// ArchiveLocation archives the location with its activities, tasks and manual site conditions.
func (tx *transaction) ArchiveLocation(id string) error {
	current, ok := tx.state.locations[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityLocation, ID: id}
	}
	if current.Archived() {
		return nil
	}
	before := cloneLocation(current)
	current.ArchivedAt = tx.archiveStamp()
	current.UpdatedAt = tx.now
	tx.state.locations[id] = current
	tx.recordChange(Change{Entity: domain.EntityLocation, Action: domain.ActionArchive, EntityID: id, TenantID: current.TenantID, Before: before, After: cloneLocation(current)})
	for actID, act := range tx.state.activities {
		if act.LocationID == id {
			if err := tx.ArchiveActivity(actID); err != nil {
				return err
			}
		}
	}
	for taskID, task := range tx.state.tasks {
		if task.LocationID == id {
			if err := tx.ArchiveTask(taskID); err != nil {
				return err
			}
		}
	}
	for mID, m := range tx.state.manualConditions {
		if m.LocationID == id {
			if err := tx.ArchiveManualSiteCondition(mID); err != nil {
				return err
			}
		}
	}
	return nil
}

// CreateActivity stores a new activity at an existing location.
func (tx *transaction) CreateActivity(a Activity) (Activity, error) {
	if a.ID == "" {
		a.ID = tx.store.newID()
	}
	if _, exists := tx.state.activities[a.ID]; exists {
		return Activity{}, domain.ConflictError{Entity: domain.EntityActivity, Key: a.ID}
	}
	loc, ok := tx.state.locations[a.LocationID]
	if !ok {
		return Activity{}, domain.ErrNotFound{Entity: domain.EntityLocation, ID: a.LocationID}
	}
	if a.TenantID == "" {
		a.TenantID = loc.TenantID
	}
	a.ArchivedAt = nil
	a.CreatedAt = tx.now
	a.UpdatedAt = tx.now
	tx.state.activities[a.ID] = cloneActivity(a)
	tx.recordChange(Change{Entity: domain.EntityActivity, Action: domain.ActionCreate, EntityID: a.ID, TenantID: a.TenantID, After: cloneActivity(a)})
	return cloneActivity(a), nil
}

// UpdateActivity mutates an activity.
func (tx *transaction) UpdateActivity(id string, mutator func(*Activity) error) (Activity, error) {
	current, ok := tx.state.activities[id]
	if !ok {
		return Activity{}, domain.ErrNotFound{Entity: domain.EntityActivity, ID: id}
	}
	before := cloneActivity(current)
	if err := mutator(&current); err != nil {
		return Activity{}, err
	}
	current.ID = id
	current.Owned = before.Owned
	current.UpdatedAt = tx.now
	tx.state.activities[id] = cloneActivity(current)
	tx.recordChange(Change{Entity: domain.EntityActivity, Action: domain.ActionUpdate, EntityID: id, TenantID: current.TenantID, Before: before, After: cloneActivity(current)})
	return cloneActivity(current), nil
}

// ArchiveActivity archives the activity and the tasks grouped under it.
func (tx *transaction) ArchiveActivity(id string) error {
	current, ok := tx.state.activities[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityActivity, ID: id}
	}
	if current.Archived() {
		return nil
	}
	before := cloneActivity(current)
	current.ArchivedAt = tx.archiveStamp()
	current.UpdatedAt = tx.now
	tx.state.activities[id] = current
	tx.recordChange(Change{Entity: domain.EntityActivity, Action: domain.ActionArchive, EntityID: id, TenantID: current.TenantID, Before: before, After: cloneActivity(current)})
	for taskID, task := range tx.state.tasks {
		if task.ActivityID != nil && *task.ActivityID == id {
			if err := tx.ArchiveTask(taskID); err != nil {
				return err
			}
		}
	}
	return nil
}

// CreateTask stores a new task at an existing location.
func (tx *transaction) CreateTask(t Task) (Task, error) {
	if t.ID == "" {
		t.ID = tx.store.newID()
	}
	if _, exists := tx.state.tasks[t.ID]; exists {
		return Task{}, domain.ConflictError{Entity: domain.EntityTask, Key: t.ID}
	}
	loc, ok := tx.state.locations[t.LocationID]
	if !ok {
		return Task{}, domain.ErrNotFound{Entity: domain.EntityLocation, ID: t.LocationID}
	}
	if t.ActivityID != nil {
		if _, ok := tx.state.activities[*t.ActivityID]; !ok {
			return Task{}, domain.ErrNotFound{Entity: domain.EntityActivity, ID: *t.ActivityID}
		}
	}
	if t.TenantID == "" {
		t.TenantID = loc.TenantID
	}
	t.ArchivedAt = nil
	t.CreatedAt = tx.now
	t.UpdatedAt = tx.now
	tx.state.tasks[t.ID] = cloneTask(t)
	tx.recordChange(Change{Entity: domain.EntityTask, Action: domain.ActionCreate, EntityID: t.ID, TenantID: t.TenantID, After: cloneTask(t)})
	return cloneTask(t), nil
}

// UpdateTask mutates a task.
func (tx *transaction) UpdateTask(id string, mutator func(*Task) error) (Task, error) {
	current, ok := tx.state.tasks[id]
	if !ok {
		return Task{}, domain.ErrNotFound{Entity: domain.EntityTask, ID: id}
	}
	before := cloneTask(current)
	if err := mutator(&current); err != nil {
		return Task{}, err
	}
	current.ID = id
	current.Owned = before.Owned
	current.UpdatedAt = tx.now
	tx.state.tasks[id] = cloneTask(current)
	tx.recordChange(Change{Entity: domain.EntityTask, Action: domain.ActionUpdate, EntityID: id, TenantID: current.TenantID, Before: before, After: cloneTask(current)})
	return cloneTask(current), nil
}

// ArchiveTask archives a task.
func (tx *transaction) ArchiveTask(id string) error {
	current, ok := tx.state.tasks[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityTask, ID: id}
	}
	if current.Archived() {
		return nil
	}
	before := cloneTask(current)
	current.ArchivedAt = tx.archiveStamp()
	current.UpdatedAt = tx.now
	tx.state.tasks[id] = current
	tx.recordChange(Change{Entity: domain.EntityTask, Action: domain.ActionArchive, EntityID: id, TenantID: current.TenantID, Before: before, After: cloneTask(current)})
	return nil
}

// CreateIncident stores a geocoded incident.
func (tx *transaction) CreateIncident(inc Incident) (Incident, error) {
	if inc.ID == "" {
		inc.ID = tx.store.newID()
	}
	if _, exists := tx.state.incidents[inc.ID]; exists {
		return Incident{}, domain.ConflictError{Entity: domain.EntityIncident, Key: inc.ID}
	}
	if inc.TenantID == "" {
		return Incident{}, fmt.Errorf("incident tenant required")
	}
	inc.CreatedAt = tx.now
	inc.UpdatedAt = tx.now
	tx.state.incidents[inc.ID] = inc
	tx.recordChange(Change{Entity: domain.EntityIncident, Action: domain.ActionCreate, EntityID: inc.ID, TenantID: inc.TenantID, After: inc})
	return inc, nil
}

// DeleteIncident removes an incident.
func (tx *transaction) DeleteIncident(id string) error {
	current, ok := tx.state.incidents[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityIncident, ID: id}
	}
	delete(tx.state.incidents, id)
	tx.recordChange(Change{Entity: domain.EntityIncident, Action: domain.ActionDelete, EntityID: id, TenantID: current.TenantID, Before: current})
	return nil
}

// CreateManualSiteCondition stores a user-added site condition. At most one
// non-archived instance may exist per (location, library definition).
func (tx *transaction) CreateManualSiteCondition(m ManualSiteCondition) (ManualSiteCondition, error) {
	if m.ID == "" {
		m.ID = tx.store.newID()
	}
	if _, exists := tx.state.manualConditions[m.ID]; exists {
		return ManualSiteCondition{}, domain.ConflictError{Entity: domain.EntityManualSiteCondition, Key: m.ID}
	}
	loc, ok := tx.state.locations[m.LocationID]
	if !ok {
		return ManualSiteCondition{}, domain.ErrNotFound{Entity: domain.EntityLocation, ID: m.LocationID}
	}
	if _, ok := tx.state.librarySiteConds[m.LibrarySiteConditionID]; !ok {
		return ManualSiteCondition{}, domain.ErrNotFound{Entity: domain.EntityLibrarySiteCondition, ID: m.LibrarySiteConditionID}
	}
	for _, existing := range tx.state.manualConditions {
		if existing.LocationID == m.LocationID && existing.LibrarySiteConditionID == m.LibrarySiteConditionID && !existing.Archived() {
			return ManualSiteCondition{}, domain.ConflictError{
				Entity: domain.EntityManualSiteCondition,
				Key:    m.LocationID + "/" + m.LibrarySiteConditionID,
			}
		}
	}
	if m.TenantID == "" {
		m.TenantID = loc.TenantID
	}
	m.ArchivedAt = nil
	m.CreatedAt = tx.now
	m.UpdatedAt = tx.now
	tx.state.manualConditions[m.ID] = cloneManual(m)
	tx.recordChange(Change{Entity: domain.EntityManualSiteCondition, Action: domain.ActionCreate, EntityID: m.ID, TenantID: m.TenantID, After: cloneManual(m)})
	return cloneManual(m), nil
}

// ArchiveManualSiteCondition archives a manual site condition.
func (tx *transaction) ArchiveManualSiteCondition(id string) error {
	current, ok := tx.state.manualConditions[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityManualSiteCondition, ID: id}
	}
	if current.Archived() {
		return nil
	}
	before := cloneManual(current)
	current.ArchivedAt = tx.archiveStamp()
	current.UpdatedAt = tx.now
	tx.state.manualConditions[id] = current
	tx.recordChange(Change{Entity: domain.EntityManualSiteCondition, Action: domain.ActionArchive, EntityID: id, TenantID: current.TenantID, Before: before, After: cloneManual(current)})
	return nil
}

func libraryAction(exists bool) domain.Action {
	if exists {
		return domain.ActionUpdate
	}
	return domain.ActionCreate
}

// PutLibraryTask upserts a library task by its immutable key.
func (tx *transaction) PutLibraryTask(t domain.LibraryTask) error {
	if t.ID == "" {
		return fmt.Errorf("library task id required")
	}
	before, exists := tx.state.libraryTasks[t.ID]
	tx.state.libraryTasks[t.ID] = t
	tx.recordChange(Change{Entity: domain.EntityLibraryTask, Action: libraryAction(exists), EntityID: t.ID, Before: before, After: t})
	return nil
}

// PutLibraryHazard upserts a library hazard.
func (tx *transaction) PutLibraryHazard(h domain.LibraryHazard) error {
	if h.ID == "" {
		return fmt.Errorf("library hazard id required")
	}
	before, exists := tx.state.libraryHazards[h.ID]
	tx.state.libraryHazards[h.ID] = h
	tx.recordChange(Change{Entity: domain.EntityLibraryHazard, Action: libraryAction(exists), EntityID: h.ID, Before: before, After: h})
	return nil
}

// PutLibraryControl upserts a library control type.
func (tx *transaction) PutLibraryControl(c domain.LibraryControl) error {
	if c.ID == "" {
		return fmt.Errorf("library control id required")
	}
	before, exists := tx.state.libraryControls[c.ID]
	tx.state.libraryControls[c.ID] = c
	tx.recordChange(Change{Entity: domain.EntityLibraryControl, Action: libraryAction(exists), EntityID: c.ID, Before: before, After: c})
	return nil
}

// PutLibraryActivityType upserts a library activity type.
func (tx *transaction) PutLibraryActivityType(a domain.LibraryActivityType) error {
	if a.ID == "" {
		return fmt.Errorf("library activity type id required")
	}
	before, exists := tx.state.libraryActivityTypes[a.ID]
	tx.state.libraryActivityTypes[a.ID] = a
	tx.recordChange(Change{Entity: domain.EntityLibraryActivityType, Action: libraryAction(exists), EntityID: a.ID, Before: before, After: a})
	return nil
}

// PutLibrarySiteCondition upserts a site-condition definition.
func (tx *transaction) PutLibrarySiteCondition(c domain.LibrarySiteCondition) error {
	if c.ID == "" {
		return fmt.Errorf("library site condition id required")
	}
	if c.Predicate != nil {
		if err := c.Predicate.Validate(); err != nil {
			return fmt.Errorf("library site condition %s: %w", c.ID, err)
		}
	}
	before, exists := tx.state.librarySiteConds[c.ID]
	tx.state.librarySiteConds[c.ID] = c
	tx.recordChange(Change{Entity: domain.EntityLibrarySiteCondition, Action: libraryAction(exists), EntityID: c.ID, Before: before, After: c})
	return nil
}

// LinkLibrary grants a tenant visibility of a library entry. Linking twice is a no-op.
func (tx *transaction) LinkLibrary(link domain.TenantLibraryLink) error {
	if _, ok := tx.state.tenants[link.TenantID]; !ok {
		return domain.ErrNotFound{Entity: domain.EntityTenant, ID: link.TenantID}
	}
	if _, exists := tx.state.libraryLinks[link.Key()]; exists {
		return nil
	}
	tx.state.libraryLinks[link.Key()] = link
	tx.recordChange(Change{Entity: domain.EntityTenantLibraryLink, Action: domain.ActionCreate, EntityID: link.Key(), TenantID: link.TenantID, After: link})
	return nil
}
