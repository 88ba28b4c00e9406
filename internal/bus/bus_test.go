package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"worksafety/internal/infra/persistence/memory"
	"worksafety/internal/observability"
	"worksafety/internal/registry"
	"worksafety/pkg/domain"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	bus      *Bus
	log      *memory.TriggerLog
	clock    *clock
	metrics  *observability.Metrics
	store    *memory.Store
	tenant   string
	location string
}

func newEnv(t *testing.T, capacity int) env {
	t.Helper()
	store := memory.NewStore(nil)
	var tenantID, locID string
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		tenant, err := tx.CreateTenant(domain.Tenant{Name: "Acme"})
		if err != nil {
			return err
		}
		project, err := tx.CreateProject(domain.Project{Owned: domain.Owned{TenantID: tenant.ID}, StartDate: domain.MustDate("2024-01-01"), EndDate: domain.MustDate("2024-01-03")})
		if err != nil {
			return err
		}
		loc, err := tx.CreateLocation(domain.Location{ProjectID: project.ID})
		if err != nil {
			return err
		}
		tenantID, locID = tenant.ID, loc.ID
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	reg, err := registry.Default(registry.ReducerSum)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	c := &clock{now: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)}
	log := memory.NewTriggerLog()
	metrics := observability.NewMetrics(nil)
	b, err := New(Options{Registry: reg, Store: store, Log: log, Capacity: capacity, Now: c.Now, Metrics: metrics})
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	return env{bus: b, log: log, clock: c, metrics: metrics, store: store, tenant: tenantID, location: locID}
}

func (e env) key(kind domain.MetricKind, date string) domain.MetricKey {
	return domain.MetricKey{TenantID: e.tenant, Kind: kind, SubjectID: e.location, Date: domain.MustDate(date)}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without registry, store and log")
	}
}

func TestPublishFansOutAndCoalesces(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	n, err := e.bus.Publish(ctx, e.tenant, domain.SubjectLocation, e.location, "location_created", time.Time{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	// sweep, location total and project total for each of the three project days
	if n != 9 || e.bus.Depth(e.tenant) != 9 {
		t.Fatalf("expected 9 triggers, got n=%d depth=%d", n, e.bus.Depth(e.tenant))
	}
	later := e.clock.Now().Add(time.Minute)
	if _, err := e.bus.Publish(ctx, e.tenant, domain.SubjectLocation, e.location, "weather_refreshed", later); err != nil {
		t.Fatalf("republish: %v", err)
	}
	if e.bus.Depth(e.tenant) != 9 {
		t.Fatalf("coalescing should keep depth, got %d", e.bus.Depth(e.tenant))
	}
	if got := testutil.ToFloat64(e.metrics.TriggersPublished.WithLabelValues("coalesced")); got != 9 {
		t.Fatalf("expected 9 coalesced, got %v", got)
	}
	first, ok, err := e.bus.TryPull(ctx, e.tenant)
	if err != nil || !ok {
		t.Fatalf("try pull: ok=%v err=%v", ok, err)
	}
	if first.Key != e.key(domain.KindSiteConditionSweep, "2024-01-01") {
		t.Fatalf("coalesced trigger should keep its position, got %s", first.Key)
	}
	if len(first.Causes) != 2 || first.Causes[1] != "weather_refreshed" {
		t.Fatalf("expected merged causes, got %v", first.Causes)
	}
	if !first.AsOf.Equal(later) {
		t.Fatalf("as_of should advance to the later occurrence, got %v", first.AsOf)
	}
	if first.Status != domain.TriggerRunning {
		t.Fatalf("expected running, got %s", first.Status)
	}
	if !e.bus.IsPending(first.Key) {
		t.Fatalf("running key should count as pending")
	}
}

func TestPublishUnknownSubject(t *testing.T) {
	e := newEnv(t, 0)
	_, err := e.bus.Publish(context.Background(), e.tenant, domain.SubjectTask, "missing", "task_updated", time.Time{})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = e.bus.Publish(context.Background(), "other-tenant", domain.SubjectLocation, e.location, "x", time.Time{})
	if !domain.IsNotFound(err) {
		t.Fatalf("cross-tenant publish should be not found, got %v", err)
	}
}

func TestPublishBulkRejectsWhenFull(t *testing.T) {
	e := newEnv(t, 5)
	_, err := e.bus.Publish(context.Background(), e.tenant, domain.SubjectLocation, e.location, "location_created", time.Time{})
	var full domain.QueueFullError
	if !errors.As(err, &full) {
		t.Fatalf("expected queue full, got %v", err)
	}
	if full.RetryAfter != DefaultRetryAfter || full.TenantID != e.tenant {
		t.Fatalf("unexpected hint: %+v", full)
	}
	if e.bus.Depth(e.tenant) != 0 || e.log.Len() != 0 {
		t.Fatalf("rejected batch must not be applied")
	}
	if got := testutil.ToFloat64(e.metrics.TriggersPublished.WithLabelValues("rejected")); got != 9 {
		t.Fatalf("expected 9 rejected, got %v", got)
	}
}

func TestRetryHonoursNextAttempt(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	key := e.key(domain.KindTotalLocationRisk, "2024-01-02")
	if err := e.bus.PublishKeys(ctx, []domain.MetricKey{key}, "recompute", time.Time{}); err != nil {
		t.Fatalf("publish keys: %v", err)
	}
	trigger, ok, _ := e.bus.TryPull(ctx, e.tenant)
	if !ok {
		t.Fatalf("expected trigger")
	}
	if err := e.bus.Retry(ctx, trigger, errors.New("adapter timeout"), time.Second); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, ok, _ := e.bus.TryPull(ctx, e.tenant); ok {
		t.Fatalf("retry should wait for next_attempt_at")
	}
	e.clock.Advance(time.Second)
	again, ok, _ := e.bus.TryPull(ctx, e.tenant)
	if !ok || again.Attempts != 1 || again.LastError != "adapter timeout" {
		t.Fatalf("expected retried trigger, got ok=%v %+v", ok, again)
	}
	if err := e.bus.Complete(ctx, again); err != nil {
		t.Fatalf("complete: %v", err)
	}
	status, ok, err := e.bus.Status(ctx, key)
	if err != nil || !ok || status != domain.TriggerDone {
		t.Fatalf("expected DONE, got %s ok=%v err=%v", status, ok, err)
	}
	if e.bus.IsPending(key) || e.bus.Depth(e.tenant) != 0 {
		t.Fatalf("completed key should not be pending")
	}
}

func TestPublishWhileRunningQueuesFollowUp(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	key := e.key(domain.KindSiteConditionSweep, "2024-01-01")
	_ = e.bus.PublishKeys(ctx, []domain.MetricKey{key}, "a", time.Time{})
	running, _, _ := e.bus.TryPull(ctx, e.tenant)
	_ = e.bus.PublishKeys(ctx, []domain.MetricKey{key}, "b", time.Time{})
	if e.bus.Depth(e.tenant) != 2 {
		t.Fatalf("expected running plus follow-up, got %d", e.bus.Depth(e.tenant))
	}
	if _, ok, _ := e.bus.TryPull(ctx, e.tenant); ok {
		t.Fatalf("follow-up must wait for the running trigger")
	}
	if err := e.bus.Complete(ctx, running); err != nil {
		t.Fatalf("complete: %v", err)
	}
	next, ok, _ := e.bus.TryPull(ctx, e.tenant)
	if !ok || next.ID == running.ID || next.Causes[0] != "b" {
		t.Fatalf("expected follow-up trigger, got %+v", next)
	}
}

func TestRetryFoldsIntoFollowUp(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	key := e.key(domain.KindSiteConditionSweep, "2024-01-01")
	_ = e.bus.PublishKeys(ctx, []domain.MetricKey{key}, "a", time.Time{})
	running, _, _ := e.bus.TryPull(ctx, e.tenant)
	_ = e.bus.PublishKeys(ctx, []domain.MetricKey{key}, "b", time.Time{})
	if err := e.bus.Retry(ctx, running, errors.New("boom"), time.Hour); err != nil {
		t.Fatalf("retry: %v", err)
	}
	next, ok, _ := e.bus.TryPull(ctx, e.tenant)
	if !ok || len(next.Causes) != 2 {
		t.Fatalf("retry should merge into the follow-up, got ok=%v %+v", ok, next)
	}
}

func TestReleaseRequeuesAtFront(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	first := e.key(domain.KindSiteConditionSweep, "2024-01-01")
	second := e.key(domain.KindSiteConditionSweep, "2024-01-02")
	_ = e.bus.PublishKeys(ctx, []domain.MetricKey{first, second}, "a", time.Time{})
	running, _, _ := e.bus.TryPull(ctx, e.tenant)
	if running.Key != first {
		t.Fatalf("expected %s first, got %s", first, running.Key)
	}
	if err := e.bus.Release(ctx, running); err != nil {
		t.Fatalf("release: %v", err)
	}
	if status, _, _ := e.bus.Status(ctx, first); status != domain.TriggerPending {
		t.Fatalf("released trigger status %s", status)
	}
	again, ok, _ := e.bus.TryPull(ctx, e.tenant)
	if !ok || again.ID != running.ID || again.Attempts != 0 {
		t.Fatalf("expected the released trigger back first, got %+v", again)
	}
	// releasing a trigger that is no longer running is a no-op
	if err := e.bus.Complete(ctx, again); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := e.bus.Release(ctx, again); err != nil || e.bus.Depth(e.tenant) != 1 {
		t.Fatalf("release after complete: depth=%d err=%v", e.bus.Depth(e.tenant), err)
	}
}

func TestFailAndReplay(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	key := e.key(domain.KindTotalLocationRisk, "2024-01-01")
	_ = e.bus.PublishKeys(ctx, []domain.MetricKey{key}, "a", time.Time{})
	trigger, _, _ := e.bus.TryPull(ctx, e.tenant)
	if err := e.bus.Fail(ctx, trigger, errors.New("unknown kind")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	status, _, _ := e.bus.Status(ctx, key)
	if status != domain.TriggerFailed {
		t.Fatalf("expected FAILED, got %s", status)
	}
	failed, _ := e.log.Failed(ctx, e.tenant)
	if len(failed) != 1 || failed[0].LastError != "unknown kind" {
		t.Fatalf("expected failed row with payload, got %+v", failed)
	}
	if err := e.bus.Replay(ctx, trigger); err == nil {
		t.Fatalf("replay requires a FAILED trigger")
	}
	if err := e.bus.Replay(ctx, failed[0]); err != nil {
		t.Fatalf("replay: %v", err)
	}
	replayed, ok, _ := e.bus.TryPull(ctx, e.tenant)
	if !ok || replayed.Replays != 1 || replayed.Attempts != 0 {
		t.Fatalf("unexpected replayed trigger %+v", replayed)
	}
	if failed, _ := e.log.Failed(ctx, e.tenant); len(failed) != 0 {
		t.Fatalf("replayed row should leave FAILED")
	}
}

func TestRecoverResetsRunning(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	if _, err := e.bus.Publish(ctx, e.tenant, domain.SubjectLocation, e.location, "a", time.Time{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	running, _, _ := e.bus.TryPull(ctx, e.tenant)

	reg, _ := registry.Default(registry.ReducerSum)
	restarted, err := New(Options{Registry: reg, Store: e.store, Log: e.log, Now: e.clock.Now})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var notified []string
	restarted.Subscribe(func(tenant string) { notified = append(notified, tenant) })
	tenants, err := restarted.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(tenants) != 1 || len(notified) != 1 || restarted.Depth(e.tenant) != 9 {
		t.Fatalf("expected 9 recovered triggers, got tenants=%v depth=%d", tenants, restarted.Depth(e.tenant))
	}
	first, ok, _ := restarted.TryPull(ctx, e.tenant)
	if !ok || first.ID != running.ID {
		t.Fatalf("running trigger should come back first, got %+v", first)
	}
}

func TestPullBlocksUntilPublish(t *testing.T) {
	e := newEnv(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got := make(chan domain.Trigger, 1)
	go func() {
		trigger, err := e.bus.Pull(ctx, e.tenant)
		if err == nil {
			got <- trigger
		}
		close(got)
	}()
	key := e.key(domain.KindSiteConditionSweep, "2024-01-03")
	if err := e.bus.PublishKeys(ctx, []domain.MetricKey{key}, "sweep", time.Time{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	trigger, ok := <-got
	if !ok || trigger.Key != key {
		t.Fatalf("pull should return the published trigger, got %+v", trigger)
	}

	closed := make(chan error, 1)
	go func() {
		_, err := e.bus.Pull(context.Background(), e.tenant)
		closed <- err
	}()
	e.bus.Close()
	if err := <-closed; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
