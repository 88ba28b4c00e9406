// Package core exposes the transactional domain service and wires the risk
// pipeline into an App. Every domain write publishes its trigger fan-out in
// the same transaction, so a failed publish rolls the write back.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"worksafety/internal/adapters"
	"worksafety/internal/library"
	"worksafety/internal/observability"
	"worksafety/pkg/domain"
)

// Publisher plans and enqueues trigger fan-outs. *bus.Bus satisfies it.
type Publisher interface {
	Plan(view domain.TransactionView, tenantID string, kind domain.SubjectKind, id, cause string, occurredAt time.Time) []domain.Trigger
	PublishBulk(ctx context.Context, triggers []domain.Trigger) error
}

// ServiceOptions configures a Service. Store and Bus are required.
type ServiceOptions struct {
	Store    domain.PersistentStore
	Engine   *domain.RulesEngine
	Bus      Publisher
	Adapters *adapters.Set
	Logger   *slog.Logger
}

// Service exposes higher-level transactional CRUD operations for the risk
// subjects.
type Service struct {
	store    domain.PersistentStore
	engine   *domain.RulesEngine
	bus      Publisher
	adapters *adapters.Set
	logger   *slog.Logger
}

// NewService constructs a service backed by the supplied store.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil || opts.Bus == nil {
		return nil, errors.New("core: store and bus are required")
	}
	return &Service{
		store:    opts.Store,
		engine:   opts.Engine,
		bus:      opts.Bus,
		adapters: opts.Adapters,
		logger:   observability.OrDefault(opts.Logger).With("component", "core"),
	}, nil
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore { return s.store }

type subjectRef struct {
	tenantID string
	kind     domain.SubjectKind
	id       string
}

var pastTense = map[domain.Action]string{
	domain.ActionCreate:  "created",
	domain.ActionUpdate:  "updated",
	domain.ActionArchive: "archived",
	domain.ActionDelete:  "deleted",
}

func cause(entity domain.EntityType, action domain.Action) string {
	return string(entity) + "_" + pastTense[action]
}

// mutate runs fn, evaluates the rules over its changes and, unless they
// block, publishes the fan-out of every returned subject before commit. The
// returned result is the rules' verdict.
func (s *Service) mutate(ctx context.Context, why string, fn func(tx domain.Transaction) ([]subjectRef, error)) (domain.Result, error) {
	var verdict domain.Result
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		refs, err := fn(tx)
		if err != nil {
			return err
		}
		view := tx.Snapshot()
		if s.engine != nil {
			res, err := s.engine.Evaluate(ctx, view, tx.Changes())
			if err != nil {
				return err
			}
			verdict = res
			if res.HasBlocking() {
				return domain.RuleViolationError{Result: res}
			}
		}
		var triggers []domain.Trigger
		for _, ref := range refs {
			triggers = append(triggers, s.bus.Plan(view, ref.tenantID, ref.kind, ref.id, why, tx.Now())...)
		}
		if len(triggers) == 0 {
			return nil
		}
		if err := s.bus.PublishBulk(ctx, triggers); err != nil {
			return fmt.Errorf("publish %s: %w", why, err)
		}
		s.logger.Debug("published fan-out", "cause", why, "subjects", len(refs), "triggers", len(triggers))
		return nil
	})
	if s.engine == nil {
		return res, err
	}
	var violation domain.RuleViolationError
	if err == nil || errors.As(err, &violation) {
		res.Merge(verdict)
	}
	return res, err
}

// CreateTenant persists a tenant. Tenants have no risk of their own.
func (s *Service) CreateTenant(ctx context.Context, tenant domain.Tenant) (domain.Tenant, domain.Result, error) {
	if len(tenant.Bands) > 0 {
		if err := tenant.Bands.Validate(); err != nil {
			return domain.Tenant{}, domain.Result{}, err
		}
	}
	var created domain.Tenant
	res, err := s.mutate(ctx, "tenant_created", func(tx domain.Transaction) ([]subjectRef, error) {
		var err error
		created, err = tx.CreateTenant(tenant)
		return nil, err
	})
	return created, res, err
}

// CreateProject persists a new project.
func (s *Service) CreateProject(ctx context.Context, project domain.Project) (domain.Project, domain.Result, error) {
	var created domain.Project
	res, err := s.mutate(ctx, cause(domain.EntityProject, domain.ActionCreate), func(tx domain.Transaction) ([]subjectRef, error) {
		if _, ok := tx.Snapshot().FindTenant(project.TenantID); !ok {
			return nil, domain.ErrNotFound{Entity: domain.EntityTenant, ID: project.TenantID}
		}
		var err error
		created, err = tx.CreateProject(project)
		return []subjectRef{{created.TenantID, domain.SubjectProject, created.ID}}, err
	})
	return created, res, err
}

// UpdateProject mutates a project using the provided mutator.
func (s *Service) UpdateProject(ctx context.Context, id string, mutator func(*domain.Project) error) (domain.Project, domain.Result, error) {
	var updated domain.Project
	res, err := s.mutate(ctx, cause(domain.EntityProject, domain.ActionUpdate), func(tx domain.Transaction) ([]subjectRef, error) {
		var err error
		updated, err = tx.UpdateProject(id, mutator)
		return []subjectRef{{updated.TenantID, domain.SubjectProject, updated.ID}}, err
	})
	return updated, res, err
}

// ArchiveProject archives a project and its locations, activities and tasks.
func (s *Service) ArchiveProject(ctx context.Context, id string) (domain.Result, error) {
	return s.mutate(ctx, cause(domain.EntityProject, domain.ActionArchive), func(tx domain.Transaction) ([]subjectRef, error) {
		if err := tx.ArchiveProject(id); err != nil {
			return nil, err
		}
		p, _ := tx.Snapshot().FindProject(id)
		return []subjectRef{{p.TenantID, domain.SubjectProject, id}}, nil
	})
}

// CreateLocation persists a location under an existing project.
func (s *Service) CreateLocation(ctx context.Context, location domain.Location) (domain.Location, domain.Result, error) {
	var created domain.Location
	res, err := s.mutate(ctx, cause(domain.EntityLocation, domain.ActionCreate), func(tx domain.Transaction) ([]subjectRef, error) {
		var err error
		created, err = tx.CreateLocation(location)
		return []subjectRef{{created.TenantID, domain.SubjectLocation, created.ID}}, err
	})
	return created, res, err
}

// UpdateLocation mutates a location. Coordinates and attributes feed the
// evaluator, so the whole location fan-out is republished.
func (s *Service) UpdateLocation(ctx context.Context, id string, mutator func(*domain.Location) error) (domain.Location, domain.Result, error) {
	var updated domain.Location
	res, err := s.mutate(ctx, cause(domain.EntityLocation, domain.ActionUpdate), func(tx domain.Transaction) ([]subjectRef, error) {
		before, _ := tx.Snapshot().FindLocation(id)
		var err error
		updated, err = tx.UpdateLocation(id, mutator)
		if err != nil {
			return nil, err
		}
		refs := []subjectRef{{updated.TenantID, domain.SubjectLocation, updated.ID}}
		if before.ProjectID != "" && before.ProjectID != updated.ProjectID {
			refs = append(refs, subjectRef{before.TenantID, domain.SubjectProject, before.ProjectID})
		}
		return refs, nil
	})
	return updated, res, err
}

// ArchiveLocation archives a location and its activities and tasks.
func (s *Service) ArchiveLocation(ctx context.Context, id string) (domain.Result, error) {
	return s.mutate(ctx, cause(domain.EntityLocation, domain.ActionArchive), func(tx domain.Transaction) ([]subjectRef, error) {
		if err := tx.ArchiveLocation(id); err != nil {
			return nil, err
		}
		l, _ := tx.Snapshot().FindLocation(id)
		return []subjectRef{{l.TenantID, domain.SubjectLocation, id}}, nil
	})
}

// CreateActivity persists an activity at an existing location.
func (s *Service) CreateActivity(ctx context.Context, activity domain.Activity) (domain.Activity, domain.Result, error) {
	var created domain.Activity
	res, err := s.mutate(ctx, cause(domain.EntityActivity, domain.ActionCreate), func(tx domain.Transaction) ([]subjectRef, error) {
		var err error
		created, err = tx.CreateActivity(activity)
		return []subjectRef{{created.TenantID, domain.SubjectActivity, created.ID}}, err
	})
	return created, res, err
}

// UpdateActivity mutates an activity.
func (s *Service) UpdateActivity(ctx context.Context, id string, mutator func(*domain.Activity) error) (domain.Activity, domain.Result, error) {
	var updated domain.Activity
	res, err := s.mutate(ctx, cause(domain.EntityActivity, domain.ActionUpdate), func(tx domain.Transaction) ([]subjectRef, error) {
		var err error
		updated, err = tx.UpdateActivity(id, mutator)
		return []subjectRef{{updated.TenantID, domain.SubjectActivity, updated.ID}}, err
	})
	return updated, res, err
}

// ArchiveActivity archives an activity and its tasks.
func (s *Service) ArchiveActivity(ctx context.Context, id string) (domain.Result, error) {
	return s.mutate(ctx, cause(domain.EntityActivity, domain.ActionArchive), func(tx domain.Transaction) ([]subjectRef, error) {
		if err := tx.ArchiveActivity(id); err != nil {
			return nil, err
		}
		a, _ := tx.Snapshot().FindActivity(id)
		return []subjectRef{{a.TenantID, domain.SubjectActivity, id}}, nil
	})
}

// CreateTask persists a task at an existing location.
func (s *Service) CreateTask(ctx context.Context, task domain.Task) (domain.Task, domain.Result, error) {
	var created domain.Task
	res, err := s.mutate(ctx, cause(domain.EntityTask, domain.ActionCreate), func(tx domain.Transaction) ([]subjectRef, error) {
		var err error
		created, err = tx.CreateTask(task)
		return []subjectRef{{created.TenantID, domain.SubjectTask, created.ID}}, err
	})
	return created, res, err
}

// UpdateTask mutates a task. Moving a task republishes its old location too.
func (s *Service) UpdateTask(ctx context.Context, id string, mutator func(*domain.Task) error) (domain.Task, domain.Result, error) {
	var updated domain.Task
	res, err := s.mutate(ctx, cause(domain.EntityTask, domain.ActionUpdate), func(tx domain.Transaction) ([]subjectRef, error) {
		before, _ := tx.Snapshot().FindTask(id)
		var err error
		updated, err = tx.UpdateTask(id, mutator)
		if err != nil {
			return nil, err
		}
		refs := []subjectRef{{updated.TenantID, domain.SubjectTask, updated.ID}}
		if before.LocationID != "" && before.LocationID != updated.LocationID {
			refs = append(refs, subjectRef{before.TenantID, domain.SubjectLocation, before.LocationID})
		}
		return refs, nil
	})
	return updated, res, err
}

// ArchiveTask archives a task.
func (s *Service) ArchiveTask(ctx context.Context, id string) (domain.Result, error) {
	return s.mutate(ctx, cause(domain.EntityTask, domain.ActionArchive), func(tx domain.Transaction) ([]subjectRef, error) {
		if err := tx.ArchiveTask(id); err != nil {
			return nil, err
		}
		t, _ := tx.Snapshot().FindTask(id)
		return []subjectRef{{t.TenantID, domain.SubjectTask, id}}, nil
	})
}

// AddManualSiteCondition records a user-added condition at a location. A
// second live condition for the same definition fails with a ConflictError.
func (s *Service) AddManualSiteCondition(ctx context.Context, m domain.ManualSiteCondition) (domain.ManualSiteCondition, domain.Result, error) {
	var created domain.ManualSiteCondition
	res, err := s.mutate(ctx, cause(domain.EntityManualSiteCondition, domain.ActionCreate), func(tx domain.Transaction) ([]subjectRef, error) {
		var err error
		created, err = tx.CreateManualSiteCondition(m)
		return []subjectRef{{created.TenantID, domain.SubjectLocation, created.LocationID}}, err
	})
	return created, res, err
}

// ArchiveManualSiteCondition retires a manual condition of a location.
func (s *Service) ArchiveManualSiteCondition(ctx context.Context, locationID, id string) (domain.Result, error) {
	return s.mutate(ctx, cause(domain.EntityManualSiteCondition, domain.ActionArchive), func(tx domain.Transaction) ([]subjectRef, error) {
		m, ok := findManual(tx.Snapshot(), locationID, id)
		if !ok {
			return nil, domain.ErrNotFound{Entity: domain.EntityManualSiteCondition, ID: id}
		}
		if err := tx.ArchiveManualSiteCondition(id); err != nil {
			return nil, err
		}
		return []subjectRef{{m.TenantID, domain.SubjectLocation, locationID}}, nil
	})
}

// RecordIncident stores an incident and re-evaluates the tenant's locations.
func (s *Service) RecordIncident(ctx context.Context, incident domain.Incident) (domain.Incident, domain.Result, error) {
	var created domain.Incident
	res, err := s.mutate(ctx, cause(domain.EntityIncident, domain.ActionCreate), func(tx domain.Transaction) ([]subjectRef, error) {
		if _, ok := tx.Snapshot().FindTenant(incident.TenantID); !ok {
			return nil, domain.ErrNotFound{Entity: domain.EntityTenant, ID: incident.TenantID}
		}
		var err error
		if created, err = tx.CreateIncident(incident); err != nil {
			return nil, err
		}
		return s.incidentsChanged(ctx, tx.Snapshot(), created.TenantID)
	})
	return created, res, err
}

// DeleteIncident removes an incident of the tenant.
func (s *Service) DeleteIncident(ctx context.Context, tenantID, id string) (domain.Result, error) {
	return s.mutate(ctx, cause(domain.EntityIncident, domain.ActionDelete), func(tx domain.Transaction) ([]subjectRef, error) {
		found := false
		for _, inc := range tx.Snapshot().ListIncidents(tenantID) {
			found = found || inc.ID == id
		}
		if !found {
			return nil, domain.ErrNotFound{Entity: domain.EntityIncident, ID: id}
		}
		if err := tx.DeleteIncident(id); err != nil {
			return nil, err
		}
		return s.incidentsChanged(ctx, tx.Snapshot(), tenantID)
	})
}

// incidentsChanged drops the cached history before the triggers go out, so
// the evaluator reads the committed incidents.
func (s *Service) incidentsChanged(ctx context.Context, view domain.TransactionView, tenantID string) ([]subjectRef, error) {
	if s.adapters != nil && s.adapters.Cache != nil {
		if err := s.adapters.IncidentsChanged(ctx, tenantID); err != nil {
			return nil, fmt.Errorf("invalidate incidents: %w", err)
		}
	}
	return liveLocations(view, tenantID), nil
}

func liveLocations(view domain.TransactionView, tenantID string) []subjectRef {
	var refs []subjectRef
	for _, p := range view.ListProjects(tenantID) {
		if p.Archived() {
			continue
		}
		for _, l := range view.ListLocations(p.ID) {
			if !l.Archived() {
				refs = append(refs, subjectRef{tenantID, domain.SubjectLocation, l.ID})
			}
		}
	}
	return refs
}

// ImportLibrary writes a catalog and republishes every live project of the
// linked tenants in the same transaction.
func (s *Service) ImportLibrary(ctx context.Context, catalog library.Catalog, tenants ...string) (library.Summary, domain.Result, error) {
	var summary library.Summary
	res, err := s.mutate(ctx, "library_imported", func(tx domain.Transaction) ([]subjectRef, error) {
		var err error
		if summary, err = library.Apply(tx, catalog, tenants...); err != nil {
			return nil, err
		}
		var refs []subjectRef
		view := tx.Snapshot()
		for _, tenant := range summary.Tenants {
			for _, p := range view.ListProjects(tenant) {
				if !p.Archived() {
					refs = append(refs, subjectRef{tenant, domain.SubjectProject, p.ID})
				}
			}
		}
		return refs, nil
	})
	return summary, res, err
}

// RefreshSource drops the tenant's cached data for source and re-evaluates
// its live locations with cause "<source>_refreshed".
func (s *Service) RefreshSource(ctx context.Context, tenantID string, source adapters.Source) (int, error) {
	if s.adapters != nil && s.adapters.Cache != nil {
		if err := s.adapters.Cache.Invalidate(ctx, source, tenantID); err != nil {
			return 0, fmt.Errorf("invalidate %s: %w", source, err)
		}
	}
	why := string(source) + "_refreshed"
	var triggers []domain.Trigger
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		if _, ok := view.FindTenant(tenantID); !ok {
			return domain.ErrNotFound{Entity: domain.EntityTenant, ID: tenantID}
		}
		for _, ref := range liveLocations(view, tenantID) {
			triggers = append(triggers, s.bus.Plan(view, tenantID, ref.kind, ref.id, why, time.Time{})...)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := s.bus.PublishBulk(ctx, triggers); err != nil {
		return 0, err
	}
	return len(triggers), nil
}
