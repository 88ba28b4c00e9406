package sqlstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"worksafety/internal/infra/persistence/memory"
	"worksafety/pkg/domain"

	_ "modernc.org/sqlite"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "metrics.db"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)
	if err := Migrate(context.Background(), db, SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y IN (?, ?)`
	if got := SQLite.Rebind(q); got != q {
		t.Fatalf("sqlite should keep placeholders, got %s", got)
	}
	if got := Postgres.Rebind(q); got != `SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)` {
		t.Fatalf("unexpected postgres rebind %s", got)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openSQLite(t)
	if err := Migrate(context.Background(), db, SQLite); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	version, err := MigrationVersion(context.Background(), db, SQLite)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected schema version 1, got %d", version)
	}
}

func TestMetricStoreUpsertGuard(t *testing.T) {
	ctx := context.Background()
	store := NewMetricStore(openSQLite(t), SQLite)
	key := domain.MetricKey{TenantID: "t1", Kind: domain.KindTaskSpecificRisk, SubjectID: "task", Date: domain.MustDate("2024-01-10")}
	base := time.Date(2024, 1, 10, 9, 0, 0, 123456789, time.UTC)

	applied, err := store.Upsert(ctx, domain.MetricValue{Key: key, Value: 130, InputsHash: "abc", CalculatedAt: base})
	if err != nil || !applied {
		t.Fatalf("first upsert applied=%v err=%v", applied, err)
	}
	applied, err = store.Upsert(ctx, domain.MetricValue{Key: key, Value: 1, CalculatedAt: base.Add(-time.Second)})
	if err != nil || applied {
		t.Fatalf("older upsert must be ignored, applied=%v err=%v", applied, err)
	}
	applied, err = store.Upsert(ctx, domain.MetricValue{Key: key, Value: 260, Empty: false, CalculatedAt: base.Add(time.Second)})
	if err != nil || !applied {
		t.Fatalf("newer upsert applied=%v err=%v", applied, err)
	}
	got, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Value != 260 || !got.CalculatedAt.Equal(base.Add(time.Second)) || got.Key != key {
		t.Fatalf("unexpected row %+v", got)
	}
	if _, ok, _ := store.Get(ctx, domain.MetricKey{TenantID: "t1", Kind: domain.KindTaskSpecificRisk, SubjectID: "missing"}); ok {
		t.Fatalf("expected miss")
	}
}

func TestMetricStoreRangeOrdersByDay(t *testing.T) {
	ctx := context.Background()
	store := NewMetricStore(openSQLite(t), SQLite)
	now := time.Now().UTC()
	for i, day := range []string{"2024-01-12", "2024-01-10", "2024-01-11", "2024-02-01"} {
		key := domain.MetricKey{TenantID: "t1", Kind: domain.KindTotalLocationRisk, SubjectID: "loc", Date: domain.MustDate(day)}
		if _, err := store.Upsert(ctx, domain.MetricValue{Key: key, Value: float64(i), CalculatedAt: now}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	values, err := store.Range(ctx, "t1", domain.KindTotalLocationRisk, "loc", domain.MustDate("2024-01-10"), domain.MustDate("2024-01-31"))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(values) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(values))
	}
	for i := 1; i < len(values); i++ {
		if !values[i-1].Key.Date.Before(values[i].Key.Date) {
			t.Fatalf("range not ascending: %v", values)
		}
	}
	listed, err := store.ListSubject(ctx, "t1", "loc", domain.MustDate("2024-02-01"))
	if err != nil || len(listed) != 1 {
		t.Fatalf("list subject: %v %v", listed, err)
	}
}

func TestSiteConditionStoreRoundTripsEvidence(t *testing.T) {
	ctx := context.Background()
	store := NewSiteConditionStore(openSQLite(t), SQLite)
	key := domain.SiteConditionKey{TenantID: "t1", LocationID: "loc", LibraryID: "sc-heat", Date: domain.MustDate("2024-07-01")}
	inst := domain.SiteConditionInstance{
		Key:        key,
		Applicable: true,
		Source:     domain.SourceEvaluated,
		Evidence: domain.Evidence{
			Fired: []domain.Firing{{Op: domain.OpWeather, Detail: "temperature_max_c gt 35", Observed: 38.5}},
		},
		CalculatedAt: time.Now().UTC(),
	}
	if ok, err := store.Put(ctx, inst); err != nil || !ok {
		t.Fatalf("put: ok=%v err=%v", ok, err)
	}
	stale := inst
	stale.Applicable = false
	stale.CalculatedAt = inst.CalculatedAt.Add(-time.Hour)
	if ok, _ := store.Put(ctx, stale); ok {
		t.Fatalf("older instance must be ignored")
	}
	got, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("get: %v", err)
	}
	if !got.Applicable || len(got.Evidence.Fired) != 1 || got.Evidence.Fired[0].Observed != 38.5 {
		t.Fatalf("unexpected instance %+v", got)
	}
	list, err := store.ListLocation(ctx, "t1", "loc", key.Date)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %v", list, err)
	}
}

func TestTriggerLogPersistsLifecycle(t *testing.T) {
	ctx := context.Background()
	log := NewTriggerLog(openSQLite(t), SQLite)
	key := domain.MetricKey{TenantID: "t1", Kind: domain.KindTotalProjectRisk, SubjectID: "p1", Date: domain.MustDate("2024-01-10")}
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	trig := domain.Trigger{ID: "trg-1", Key: key, Causes: []string{"project:p1"}, AsOf: now, EnqueuedAt: now, UpdatedAt: now, Status: domain.TriggerPending}
	if err := log.Save(ctx, trig); err != nil {
		t.Fatalf("save: %v", err)
	}
	open, err := log.Open(ctx)
	if err != nil || len(open) != 1 || open[0].Causes[0] != "project:p1" {
		t.Fatalf("open: %+v %v", open, err)
	}

	trig.Status = domain.TriggerFailed
	trig.Attempts = 5
	trig.LastError = "deadline exceeded"
	trig.UpdatedAt = now.Add(time.Minute)
	trig.NextAttemptAt = now.Add(5 * time.Minute)
	if err := log.Save(ctx, trig); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	failed, err := log.Failed(ctx, "t1")
	if err != nil || len(failed) != 1 {
		t.Fatalf("failed: %+v %v", failed, err)
	}
	if failed[0].Attempts != 5 || !failed[0].NextAttemptAt.Equal(trig.NextAttemptAt) {
		t.Fatalf("unexpected failed row %+v", failed[0])
	}
	latest, ok, err := log.Latest(ctx, key)
	if err != nil || !ok || latest.Status != domain.TriggerFailed {
		t.Fatalf("latest: %+v %v %v", latest, ok, err)
	}

	trig.Status = domain.TriggerDone
	if err := log.Save(ctx, trig); err != nil {
		t.Fatalf("save done: %v", err)
	}
	removed, err := log.Prune(ctx, now.Add(time.Hour))
	if err != nil || removed != 1 {
		t.Fatalf("prune removed=%d err=%v", removed, err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	mem := memory.NewStore(nil)
	_, err := mem.RunInTransaction(ctx, func(tx domain.Transaction) error {
		tenant, err := tx.CreateTenant(domain.Tenant{Name: "Acme"})
		if err != nil {
			return err
		}
		_, err = tx.CreateProject(domain.Project{Owned: domain.Owned{TenantID: tenant.ID}, Name: "North", StartDate: domain.MustDate("2024-01-01"), EndDate: domain.MustDate("2024-03-01")})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := SaveSnapshot(ctx, db, SQLite, mem.ExportState()); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	snapshot, err := LoadSnapshot(ctx, db)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if len(snapshot.Tenants) != 1 || len(snapshot.Projects) != 1 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	for _, p := range snapshot.Projects {
		if p.StartDate != domain.MustDate("2024-01-01") {
			t.Fatalf("dates not preserved: %+v", p)
		}
	}
}
