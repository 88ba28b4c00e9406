package core

import (
	"context"
	"fmt"

	"worksafety/pkg/domain"
)

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewSubjectWindowRule())
	engine.Register(NewParentStateRule())
	engine.Register(NewLibraryVisibilityRule())
	return engine
}

// touched collects the live tasks and activities affected by changes,
// expanding project and location changes to their children.
func touched(view domain.TransactionView, changes []domain.Change) (tasks map[string]domain.Task, activities map[string]domain.Activity) {
	tasks = map[string]domain.Task{}
	activities = map[string]domain.Activity{}
	addLocation := func(locID string) {
		for _, t := range view.ListTasks(locID) {
			if !t.Archived() {
				tasks[t.ID] = t
			}
		}
		for _, a := range view.ListActivities(locID) {
			if !a.Archived() {
				activities[a.ID] = a
			}
		}
	}
	for _, c := range changes {
		if c.Action == domain.ActionArchive || c.Action == domain.ActionDelete {
			continue
		}
		switch c.Entity {
		case domain.EntityTask:
			if t, ok := view.FindTask(c.EntityID); ok && !t.Archived() {
				tasks[t.ID] = t
			}
		case domain.EntityActivity:
			if a, ok := view.FindActivity(c.EntityID); ok && !a.Archived() {
				activities[a.ID] = a
			}
		case domain.EntityLocation:
			addLocation(c.EntityID)
		case domain.EntityProject:
			for _, l := range view.ListLocations(c.EntityID) {
				addLocation(l.ID)
			}
		}
	}
	return tasks, activities
}

func projectOf(view domain.TransactionView, locationID string) (domain.Location, domain.Project, bool) {
	loc, ok := view.FindLocation(locationID)
	if !ok {
		return domain.Location{}, domain.Project{}, false
	}
	p, ok := view.FindProject(loc.ProjectID)
	return loc, p, ok
}

// NewSubjectWindowRule blocks inverted windows and task or activity windows
// reaching outside their project.
func NewSubjectWindowRule() domain.Rule { return subjectWindowRule{} }

type subjectWindowRule struct{}

func (subjectWindowRule) Name() string { return "subject_window" }

func (r subjectWindowRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	block := func(entity domain.EntityType, id, msg string) {
		res.Violations = append(res.Violations, domain.Violation{
			Rule: r.Name(), Severity: domain.SeverityBlock, Message: msg, Entity: entity, EntityID: id,
		})
	}
	for _, c := range changes {
		if c.Entity != domain.EntityProject || c.Action == domain.ActionArchive {
			continue
		}
		if p, ok := view.FindProject(c.EntityID); ok && !p.Window().Valid() {
			block(domain.EntityProject, p.ID, fmt.Sprintf("project %s ends before it starts", p.ID))
		}
	}
	tasks, activities := touched(view, changes)
	for _, t := range tasks {
		if !t.Window().Valid() {
			block(domain.EntityTask, t.ID, fmt.Sprintf("task %s ends before it starts", t.ID))
			continue
		}
		if _, p, ok := projectOf(view, t.LocationID); ok && !t.Window().Within(p.Window()) {
			block(domain.EntityTask, t.ID, fmt.Sprintf("task %s window %s..%s outside project %s", t.ID, t.StartDate, t.EndDate, p.ID))
		}
	}
	for _, a := range activities {
		if !a.Window().Valid() {
			block(domain.EntityActivity, a.ID, fmt.Sprintf("activity %s ends before it starts", a.ID))
			continue
		}
		if _, p, ok := projectOf(view, a.LocationID); ok && !a.Window().Within(p.Window()) {
			block(domain.EntityActivity, a.ID, fmt.Sprintf("activity %s window %s..%s outside project %s", a.ID, a.StartDate, a.EndDate, p.ID))
		}
	}
	return res, nil
}

// NewParentStateRule blocks live children of archived parents and tasks
// whose activity sits at another location.
func NewParentStateRule() domain.Rule { return parentStateRule{} }

type parentStateRule struct{}

func (parentStateRule) Name() string { return "parent_state" }

func (r parentStateRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	block := func(entity domain.EntityType, id, msg string) {
		res.Violations = append(res.Violations, domain.Violation{
			Rule: r.Name(), Severity: domain.SeverityBlock, Message: msg, Entity: entity, EntityID: id,
		})
	}
	for _, c := range changes {
		if c.Action != domain.ActionCreate && c.Action != domain.ActionUpdate {
			continue
		}
		switch c.Entity {
		case domain.EntityLocation:
			l, ok := view.FindLocation(c.EntityID)
			if !ok || l.Archived() {
				continue
			}
			if p, ok := view.FindProject(l.ProjectID); ok && p.Archived() {
				block(domain.EntityLocation, l.ID, fmt.Sprintf("location %s belongs to archived project %s", l.ID, p.ID))
			}
		case domain.EntityActivity:
			a, ok := view.FindActivity(c.EntityID)
			if !ok || a.Archived() {
				continue
			}
			if l, ok := view.FindLocation(a.LocationID); ok && l.Archived() {
				block(domain.EntityActivity, a.ID, fmt.Sprintf("activity %s belongs to archived location %s", a.ID, l.ID))
			}
		case domain.EntityTask:
			t, ok := view.FindTask(c.EntityID)
			if !ok || t.Archived() {
				continue
			}
			if l, ok := view.FindLocation(t.LocationID); ok && l.Archived() {
				block(domain.EntityTask, t.ID, fmt.Sprintf("task %s belongs to archived location %s", t.ID, l.ID))
			}
			if t.ActivityID == nil {
				continue
			}
			a, ok := view.FindActivity(*t.ActivityID)
			switch {
			case !ok:
				block(domain.EntityTask, t.ID, fmt.Sprintf("task %s references missing activity %s", t.ID, *t.ActivityID))
			case a.LocationID != t.LocationID:
				block(domain.EntityTask, t.ID, fmt.Sprintf("task %s and activity %s are at different locations", t.ID, a.ID))
			case a.Archived():
				block(domain.EntityTask, t.ID, fmt.Sprintf("task %s belongs to archived activity %s", t.ID, a.ID))
			}
		case domain.EntityManualSiteCondition:
			for _, m := range manualConditions(view, c) {
				if l, ok := view.FindLocation(m.LocationID); ok && l.Archived() {
					block(domain.EntityManualSiteCondition, m.ID, fmt.Sprintf("site condition %s added to archived location %s", m.ID, l.ID))
				}
			}
		}
	}
	return res, nil
}

func manualConditions(view domain.TransactionView, c domain.Change) []domain.ManualSiteCondition {
	m, ok := c.After.(domain.ManualSiteCondition)
	if !ok || m.Archived() {
		return nil
	}
	if current, ok := findManual(view, m.LocationID, m.ID); ok {
		return []domain.ManualSiteCondition{current}
	}
	return nil
}

func findManual(view domain.TransactionView, locationID, id string) (domain.ManualSiteCondition, bool) {
	for _, m := range view.ListManualSiteConditions(locationID) {
		if m.ID == id {
			return m, true
		}
	}
	return domain.ManualSiteCondition{}, false
}

// NewLibraryVisibilityRule warns when a subject references library entries
// its tenant cannot see; such tasks score empty.
func NewLibraryVisibilityRule() domain.Rule { return libraryVisibilityRule{} }

type libraryVisibilityRule struct{}

func (libraryVisibilityRule) Name() string { return "library_visibility" }

func (r libraryVisibilityRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	warn := func(entity domain.EntityType, id, msg string) {
		res.Violations = append(res.Violations, domain.Violation{
			Rule: r.Name(), Severity: domain.SeverityWarn, Message: msg, Entity: entity, EntityID: id,
		})
	}
	for _, c := range changes {
		if c.Action != domain.ActionCreate && c.Action != domain.ActionUpdate {
			continue
		}
		switch c.Entity {
		case domain.EntityTask:
			t, ok := view.FindTask(c.EntityID)
			if !ok {
				continue
			}
			if t.LibraryTaskID == "" || !view.LibraryVisible(t.TenantID, domain.EntityLibraryTask, t.LibraryTaskID) {
				warn(domain.EntityTask, t.ID, fmt.Sprintf("task %s library task %q not visible to tenant %s", t.ID, t.LibraryTaskID, t.TenantID))
			}
			for _, h := range t.Hazards {
				if !view.LibraryVisible(t.TenantID, domain.EntityLibraryHazard, h.LibraryHazardID) {
					warn(domain.EntityTask, t.ID, fmt.Sprintf("task %s hazard %q not visible to tenant %s", t.ID, h.LibraryHazardID, t.TenantID))
				}
			}
		case domain.EntityActivity:
			a, ok := view.FindActivity(c.EntityID)
			if !ok || a.LibraryActivityTypeID == "" {
				continue
			}
			if !view.LibraryVisible(a.TenantID, domain.EntityLibraryActivityType, a.LibraryActivityTypeID) {
				warn(domain.EntityActivity, a.ID, fmt.Sprintf("activity %s type %q not visible to tenant %s", a.ID, a.LibraryActivityTypeID, a.TenantID))
			}
		case domain.EntityManualSiteCondition:
			for _, m := range manualConditions(view, c) {
				if !view.LibraryVisible(m.TenantID, domain.EntityLibrarySiteCondition, m.LibrarySiteConditionID) {
					warn(domain.EntityManualSiteCondition, m.ID, fmt.Sprintf("site condition %q not visible to tenant %s", m.LibrarySiteConditionID, m.TenantID))
				}
			}
		}
	}
	return res, nil
}
