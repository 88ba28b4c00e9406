package memory

import (
	"sort"

	"worksafety/pkg/domain"
)

// transactionView exposes a read-only snapshot of the transactional state.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func sortStrings(values []string) { sort.Strings(values) }

func (v transactionView) FindTenant(id string) (Tenant, bool) {
	t, ok := v.state.tenants[id]
	if !ok {
		return Tenant{}, false
	}
	return cloneTenant(t), true
}

func (v transactionView) ListTenants() []Tenant {
	out := make([]Tenant, 0, len(v.state.tenants))
	for _, t := range v.state.tenants {
		out = append(out, cloneTenant(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) FindProject(id string) (Project, bool) {
	p, ok := v.state.projects[id]
	if !ok {
		return Project{}, false
	}
	return decorateProject(v.state, p), true
}

// ListProjects returns the tenant's projects ordered by ID.
func (v transactionView) ListProjects(tenantID string) []Project {
	var out []Project
	for _, p := range v.state.projects {
		if p.TenantID == tenantID {
			out = append(out, decorateProject(v.state, p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) FindLocation(id string) (Location, bool) {
	l, ok := v.state.locations[id]
	if !ok {
		return Location{}, false
	}
	return cloneLocation(l), true
}

func (v transactionView) ListLocations(projectID string) []Location {
	var out []Location
	for _, l := range v.state.locations {
		if l.ProjectID == projectID {
			out = append(out, cloneLocation(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) FindActivity(id string) (Activity, bool) {
	a, ok := v.state.activities[id]
	if !ok {
		return Activity{}, false
	}
	return cloneActivity(a), true
}

func (v transactionView) ListActivities(locationID string) []Activity {
	var out []Activity
	for _, a := range v.state.activities {
		if a.LocationID == locationID {
			out = append(out, cloneActivity(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) FindTask(id string) (Task, bool) {
	t, ok := v.state.tasks[id]
	if !ok {
		return Task{}, false
	}
	return cloneTask(t), true
}

func (v transactionView) ListTasks(locationID string) []Task {
	var out []Task
	for _, t := range v.state.tasks {
		if t.LocationID == locationID {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) ListIncidents(tenantID string) []Incident {
	var out []Incident
	for _, inc := range v.state.incidents {
		if inc.TenantID == tenantID {
			out = append(out, inc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (v transactionView) ListManualSiteConditions(locationID string) []ManualSiteCondition {
	var out []ManualSiteCondition
	for _, m := range v.state.manualConditions {
		if m.LocationID == locationID {
			out = append(out, cloneManual(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) FindLibraryTask(id string) (domain.LibraryTask, bool) {
	t, ok := v.state.libraryTasks[id]
	return t, ok
}

func (v transactionView) FindLibraryHazard(id string) (domain.LibraryHazard, bool) {
	h, ok := v.state.libraryHazards[id]
	return h, ok
}

func (v transactionView) FindLibrarySiteCondition(id string) (domain.LibrarySiteCondition, bool) {
	c, ok := v.state.librarySiteConds[id]
	return c, ok
}

// ListLibrarySiteConditions returns the definitions visible to the tenant.
func (v transactionView) ListLibrarySiteConditions(tenantID string) []domain.LibrarySiteCondition {
	var out []domain.LibrarySiteCondition
	for id, def := range v.state.librarySiteConds {
		if v.LibraryVisible(tenantID, domain.EntityLibrarySiteCondition, id) {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) LibraryVisible(tenantID string, kind domain.EntityType, id string) bool {
	link := domain.TenantLibraryLink{TenantID: tenantID, Kind: kind, LibraryID: id}
	_, ok := v.state.libraryLinks[link.Key()]
	return ok
}
