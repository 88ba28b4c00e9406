package registry

import (
	"sort"

	"worksafety/pkg/domain"
)

// Resolver maps a subject to related subjects within one tenant.
type Resolver string

// Subject resolvers.
const (
	ResolveSelf                Resolver = "self"
	ResolveTaskLocation        Resolver = "task_location"
	ResolveTaskProject         Resolver = "task_project"
	ResolveActiveLocationTasks Resolver = "active_location_tasks"
	ResolveLocationTasks       Resolver = "location_tasks"
	ResolveLocationProject     Resolver = "location_project"
	ResolveProjectLocations    Resolver = "project_locations"
	ResolveProjectTasks        Resolver = "project_tasks"
	ResolveActivityTasks       Resolver = "activity_tasks"
	ResolveActivityLocation    Resolver = "activity_location"
	ResolveActivityProject     Resolver = "activity_project"
)

type resolverEdge struct {
	from, to domain.SubjectKind
	inverse  Resolver
}

// resolverTable lists each resolver's subject kinds and inverse; ResolveSelf
// has no fixed kinds.
var resolverTable = map[Resolver]resolverEdge{
	ResolveSelf:                {inverse: ResolveSelf},
	ResolveTaskLocation:        {domain.SubjectTask, domain.SubjectLocation, ResolveLocationTasks},
	ResolveTaskProject:         {domain.SubjectTask, domain.SubjectProject, ResolveProjectTasks},
	ResolveActiveLocationTasks: {domain.SubjectLocation, domain.SubjectTask, ResolveTaskLocation},
	ResolveLocationTasks:       {domain.SubjectLocation, domain.SubjectTask, ResolveTaskLocation},
	ResolveLocationProject:     {domain.SubjectLocation, domain.SubjectProject, ResolveProjectLocations},
	ResolveProjectLocations:    {domain.SubjectProject, domain.SubjectLocation, ResolveLocationProject},
	ResolveProjectTasks:        {domain.SubjectProject, domain.SubjectTask, ResolveTaskProject},
	ResolveActivityTasks:       {domain.SubjectActivity, domain.SubjectTask, ""},
	ResolveActivityLocation:    {domain.SubjectActivity, domain.SubjectLocation, ""},
	ResolveActivityProject:     {domain.SubjectActivity, domain.SubjectProject, ""},
}

func (r Resolver) signature() (from, to domain.SubjectKind, ok bool) {
	sig, ok := resolverTable[r]
	return sig.from, sig.to, ok
}

// Inverse returns the resolver walking the edge the other way.
func (r Resolver) Inverse() (Resolver, bool) {
	sig, ok := resolverTable[r]
	if !ok || sig.inverse == "" {
		return "", false
	}
	return sig.inverse, true
}

// Resolve returns the related subject IDs of id, sorted. Archived subjects
// are included except by ResolveActiveLocationTasks, which also requires the
// task window to contain date.
func (r Resolver) Resolve(view domain.TransactionView, tenantID, id string, date domain.Date) []string {
	var out []string
	switch r {
	case ResolveSelf:
		out = []string{id}
	case ResolveTaskLocation:
		if t, ok := view.FindTask(id); ok && t.TenantID == tenantID {
			out = []string{t.LocationID}
		}
	case ResolveTaskProject:
		if t, ok := view.FindTask(id); ok && t.TenantID == tenantID {
			if l, ok := view.FindLocation(t.LocationID); ok {
				out = []string{l.ProjectID}
			}
		}
	case ResolveActiveLocationTasks:
		for _, t := range view.ListTasks(id) {
			if t.TenantID != tenantID || t.Archived() {
				continue
			}
			if !date.IsZero() && !t.Window().Contains(date) {
				continue
			}
			out = append(out, t.ID)
		}
	case ResolveLocationTasks:
		for _, t := range view.ListTasks(id) {
			if t.TenantID == tenantID {
				out = append(out, t.ID)
			}
		}
	case ResolveLocationProject:
		if l, ok := view.FindLocation(id); ok && l.TenantID == tenantID {
			out = []string{l.ProjectID}
		}
	case ResolveProjectLocations:
		for _, l := range view.ListLocations(id) {
			if l.TenantID == tenantID {
				out = append(out, l.ID)
			}
		}
	case ResolveProjectTasks:
		for _, l := range view.ListLocations(id) {
			if l.TenantID != tenantID {
				continue
			}
			for _, t := range view.ListTasks(l.ID) {
				out = append(out, t.ID)
			}
		}
	case ResolveActivityTasks:
		if a, ok := view.FindActivity(id); ok && a.TenantID == tenantID {
			for _, t := range view.ListTasks(a.LocationID) {
				if t.ActivityID != nil && *t.ActivityID == id {
					out = append(out, t.ID)
				}
			}
		}
	case ResolveActivityLocation:
		if a, ok := view.FindActivity(id); ok && a.TenantID == tenantID {
			out = []string{a.LocationID}
		}
	case ResolveActivityProject:
		if a, ok := view.FindActivity(id); ok && a.TenantID == tenantID {
			if l, ok := view.FindLocation(a.LocationID); ok {
				out = []string{l.ProjectID}
			}
		}
	}
	sort.Strings(out)
	return out
}

// Subject is a resolved risk subject.
type Subject struct {
	Kind     domain.SubjectKind
	ID       string
	TenantID string
	Archived bool
	// Window is the active window; locations inherit their project's.
	Window domain.Window
}

// Lookup resolves a subject of the tenant. Subjects of other tenants are
// reported missing.
func Lookup(view domain.TransactionView, tenantID string, kind domain.SubjectKind, id string) (Subject, bool) {
	s := Subject{Kind: kind, ID: id}
	switch kind {
	case domain.SubjectTask:
		t, ok := view.FindTask(id)
		if !ok {
			return Subject{}, false
		}
		s.TenantID, s.Archived, s.Window = t.TenantID, t.Archived(), t.Window()
	case domain.SubjectLocation:
		l, ok := view.FindLocation(id)
		if !ok {
			return Subject{}, false
		}
		p, ok := view.FindProject(l.ProjectID)
		if !ok {
			return Subject{}, false
		}
		s.TenantID, s.Archived, s.Window = l.TenantID, l.Archived(), p.Window()
	case domain.SubjectProject:
		p, ok := view.FindProject(id)
		if !ok {
			return Subject{}, false
		}
		s.TenantID, s.Archived, s.Window = p.TenantID, p.Archived(), p.Window()
	case domain.SubjectActivity:
		a, ok := view.FindActivity(id)
		if !ok {
			return Subject{}, false
		}
		s.TenantID, s.Archived, s.Window = a.TenantID, a.Archived(), a.Window()
	default:
		return Subject{}, false
	}
	if s.TenantID != tenantID {
		return Subject{}, false
	}
	return s, true
}

// Live reports whether the subject exists in the tenant, is not archived and
// is active at date. A zero date only requires the subject to be unarchived.
func Live(view domain.TransactionView, tenantID string, kind domain.SubjectKind, id string, date domain.Date) bool {
	s, ok := Lookup(view, tenantID, kind, id)
	if !ok || s.Archived {
		return false
	}
	return date.IsZero() || s.Window.Contains(date)
}
