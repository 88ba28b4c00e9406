package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"worksafety/pkg/domain"
)

func seedProject(t *testing.T, store *Store) (Tenant, Project, Location) {
	t.Helper()
	var (
		tenant  Tenant
		project Project
		loc     Location
	)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		if tenant, err = tx.CreateTenant(Tenant{Name: "Acme"}); err != nil {
			return err
		}
		if project, err = tx.CreateProject(Project{Owned: domain.Owned{TenantID: tenant.ID}, Name: "Substation", StartDate: domain.MustDate("2024-01-01"), EndDate: domain.MustDate("2024-01-28")}); err != nil {
			return err
		}
		loc, err = tx.CreateLocation(Location{ProjectID: project.ID, Name: "Yard", Latitude: 40.7, Longitude: -74})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return tenant, project, loc
}

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore(nil)
	tenant, project, loc := seedProject(t, store)
	if loc.TenantID != tenant.ID {
		t.Fatalf("location should inherit tenant, got %q", loc.TenantID)
	}
	err := store.View(context.Background(), func(v domain.TransactionView) error {
		p, ok := v.FindProject(project.ID)
		if !ok {
			t.Fatalf("expected project")
		}
		if len(p.LocationIDs) != 1 || p.LocationIDs[0] != loc.ID {
			t.Fatalf("expected decorated location ids, got %v", p.LocationIDs)
		}
		if len(v.ListProjects(tenant.ID)) != 1 || len(v.ListProjects("other")) != 0 {
			t.Fatalf("project listing should be tenant scoped")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	snapshot := store.ExportState()
	store.ImportState(Snapshot{})
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		if len(v.ListTenants()) != 0 {
			t.Fatalf("expected cleared state")
		}
		return nil
	})
	store.ImportState(snapshot)
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		if _, ok := v.FindLocation(loc.ID); !ok {
			t.Fatalf("expected restored state")
		}
		return nil
	})
	if store.RulesEngine() == nil || store.NowFunc() == nil {
		t.Fatalf("expected engine and clock")
	}
}

func TestStoreRollsBackOnError(t *testing.T) {
	store := NewStore(nil)
	_, project, _ := seedProject(t, store)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.UpdateProject(project.ID, func(p *Project) error { p.Name = "Renamed"; return nil }); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatalf("expected abort error")
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		p, _ := v.FindProject(project.ID)
		if p.Name != "Substation" {
			t.Fatalf("expected rollback, got %q", p.Name)
		}
		return nil
	})
}

func TestStoreRuleViolation(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	store.RulesEngine().Register(blockingRule{})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateTenant(Tenant{Name: "Fail"})
		return e
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
}

func TestArchiveCascades(t *testing.T) {
	store := NewStore(nil)
	pinned := time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return pinned })
	_, project, loc := seedProject(t, store)
	var task Task
	var manual ManualSiteCondition
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if err := tx.PutLibrarySiteCondition(domain.LibrarySiteCondition{ID: "sc-ice", Name: "Ice"}); err != nil {
			return err
		}
		act, err := tx.CreateActivity(Activity{LocationID: loc.ID, Name: "Trenching", StartDate: project.StartDate, EndDate: project.EndDate})
		if err != nil {
			return err
		}
		if task, err = tx.CreateTask(Task{LocationID: loc.ID, ActivityID: &act.ID, LibraryTaskID: "lt", StartDate: project.StartDate, EndDate: project.StartDate}); err != nil {
			return err
		}
		manual, err = tx.CreateManualSiteCondition(ManualSiteCondition{LocationID: loc.ID, LibrarySiteConditionID: "sc-ice"})
		return err
	})
	if err != nil {
		t.Fatalf("seed children: %v", err)
	}
	var changes []Change
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if err := tx.ArchiveProject(project.ID); err != nil {
			return err
		}
		changes = tx.Changes()
		return nil
	})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if len(changes) != 5 {
		t.Fatalf("expected project, location, activity, task and manual archives; got %d changes", len(changes))
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		l, _ := v.FindLocation(loc.ID)
		tk, _ := v.FindTask(task.ID)
		mc := v.ListManualSiteConditions(loc.ID)
		if !l.Archived() || !tk.Archived() || len(mc) != 1 || mc[0].ID != manual.ID || !mc[0].Archived() {
			t.Fatalf("cascade incomplete: loc=%v task=%v manual=%+v", l.Archived(), tk.Archived(), mc)
		}
		if !tk.ArchivedAt.Equal(pinned) {
			t.Fatalf("archive stamp should use transaction time")
		}
		return nil
	})
}

func TestManualSiteConditionUniqueness(t *testing.T) {
	store := NewStore(nil)
	_, _, loc := seedProject(t, store)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.PutLibrarySiteCondition(domain.LibrarySiteCondition{ID: "sc-flood", Name: "Flooding"})
	})
	if err != nil {
		t.Fatalf("library: %v", err)
	}

	const writers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
				_, err := tx.CreateManualSiteCondition(ManualSiteCondition{LocationID: loc.ID, LibrarySiteConditionID: "sc-flood"})
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if succeeded != 1 || conflicts != writers-1 {
		t.Fatalf("expected exactly one success, got %d successes and %d conflicts", succeeded, conflicts)
	}

	// Archiving frees the slot for a new manual instance.
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		for _, m := range tx.Snapshot().ListManualSiteConditions(loc.ID) {
			if err := tx.ArchiveManualSiteCondition(m.ID); err != nil {
				return err
			}
		}
		_, err := tx.CreateManualSiteCondition(ManualSiteCondition{LocationID: loc.ID, LibrarySiteConditionID: "sc-flood"})
		return err
	})
	if err != nil {
		t.Fatalf("re-create after archive: %v", err)
	}
}

func TestLibraryVisibility(t *testing.T) {
	store := NewStore(nil)
	tenant, _, _ := seedProject(t, store)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if err := tx.PutLibrarySiteCondition(domain.LibrarySiteCondition{ID: "visible"}); err != nil {
			return err
		}
		if err := tx.PutLibrarySiteCondition(domain.LibrarySiteCondition{ID: "hidden"}); err != nil {
			return err
		}
		if err := tx.LinkLibrary(domain.TenantLibraryLink{TenantID: tenant.ID, Kind: domain.EntityLibrarySiteCondition, LibraryID: "visible"}); err != nil {
			return err
		}
		return tx.LinkLibrary(domain.TenantLibraryLink{TenantID: tenant.ID, Kind: domain.EntityLibrarySiteCondition, LibraryID: "visible"})
	})
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		defs := v.ListLibrarySiteConditions(tenant.ID)
		if len(defs) != 1 || defs[0].ID != "visible" {
			t.Fatalf("expected only linked definition, got %+v", defs)
		}
		return nil
	})
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.PutLibrarySiteCondition(domain.LibrarySiteCondition{ID: "bad", Predicate: &domain.Predicate{Op: "regex"}})
	})
	if err == nil {
		t.Fatalf("expected predicate validation error")
	}
}

func TestCreateRequiresParents(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateLocation(Location{ProjectID: "missing"})
		return err
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateProject(Project{Owned: domain.Owned{TenantID: "ghost"}})
		return err
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected missing tenant, got %v", err)
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(context.Context, domain.TransactionView, []domain.Change) (domain.Result, error) {
	return domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock}}}, nil
}
