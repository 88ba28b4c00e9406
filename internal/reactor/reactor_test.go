package reactor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"worksafety/internal/bus"
	"worksafety/internal/evaluator"
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

// stubEvaluator marks the "wind" condition applicable on the configured
// dates and can be told to fail or block.
type stubEvaluator struct {
	mu         sync.Mutex
	conditions *memory.SiteConditionStore
	now        func() time.Time
	applicable map[domain.Date]bool
	err        error
	block      bool
	calls      int
}

func (s *stubEvaluator) set(date domain.Date, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applicable[date] = on
}

func (s *stubEvaluator) Evaluate(ctx context.Context, tenantID, locationID string, date domain.Date) (evaluator.Outcome, error) {
	s.mu.Lock()
	s.calls++
	err, block, on := s.err, s.block, s.applicable[date]
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return evaluator.Outcome{}, ctx.Err()
	}
	if err != nil {
		return evaluator.Outcome{}, err
	}
	key := domain.SiteConditionKey{TenantID: tenantID, LocationID: locationID, LibraryID: "wind", Date: date}
	prev, _, _ := s.conditions.Get(ctx, key)
	stamp := s.now()
	if !stamp.After(prev.CalculatedAt) {
		stamp = prev.CalculatedAt.Add(time.Nanosecond)
	}
	_, _ = s.conditions.Put(ctx, domain.SiteConditionInstance{Key: key, Applicable: on, CalculatedAt: stamp, Source: domain.SourceEvaluated})
	out := evaluator.Outcome{Changed: prev.Applicable != on}
	if on {
		out.Applicable = 1
	}
	return out, nil
}

// flakyLog fails saves touching triggers of one metric kind.
type flakyLog struct {
	*memory.TriggerLog
	mu   sync.Mutex
	kind domain.MetricKind
}

func (l *flakyLog) failOn(kind domain.MetricKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kind = kind
}

func (l *flakyLog) Save(ctx context.Context, triggers ...domain.Trigger) error {
	l.mu.Lock()
	kind := l.kind
	l.mu.Unlock()
	for _, t := range triggers {
		if kind != "" && t.Key.Kind == kind {
			return errors.New("trigger log unavailable")
		}
	}
	return l.TriggerLog.Save(ctx, triggers...)
}

type env struct {
	t          *testing.T
	store      *memory.Store
	values     *memory.MetricStore
	conditions *memory.SiteConditionStore
	log        *memory.TriggerLog
	flaky      *flakyLog
	bus        *bus.Bus
	reactor    *Manager
	eval       *stubEvaluator
	clock      *clock
	telemetry  *observability.Metrics

	tenant, project, location, task string
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	e := &env{
		t:          t,
		store:      memory.NewStore(nil),
		values:     memory.NewMetricStore(),
		conditions: memory.NewSiteConditionStore(),
		log:        memory.NewTriggerLog(),
		clock:      &clock{now: time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)},
		telemetry:  observability.NewMetrics(nil),
	}
	e.store.SetNowFunc(e.clock.Now)
	_, err := e.store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		tenant, err := tx.CreateTenant(domain.Tenant{Name: "Acme"})
		if err != nil {
			return err
		}
		project, err := tx.CreateProject(domain.Project{Owned: domain.Owned{TenantID: tenant.ID}, StartDate: domain.MustDate("2024-01-10"), EndDate: domain.MustDate("2024-01-12")})
		if err != nil {
			return err
		}
		loc, err := tx.CreateLocation(domain.Location{ProjectID: project.ID})
		if err != nil {
			return err
		}
		if err := tx.PutLibraryTask(domain.LibraryTask{ID: "lt-dig", Name: "Excavation", BaseScore: 50}); err != nil {
			return err
		}
		if err := tx.PutLibraryHazard(domain.LibraryHazard{ID: "hz-cavein", Multiplier: 2}); err != nil {
			return err
		}
		if err := tx.PutLibrarySiteCondition(domain.LibrarySiteCondition{ID: "wind", TaskModifier: 1.5, LocationAdditive: 10}); err != nil {
			return err
		}
		if err := tx.LinkLibrary(domain.TenantLibraryLink{TenantID: tenant.ID, Kind: domain.EntityLibraryTask, LibraryID: "lt-dig"}); err != nil {
			return err
		}
		task, err := tx.CreateTask(domain.Task{LocationID: loc.ID, LibraryTaskID: "lt-dig", StartDate: domain.MustDate("2024-01-10"), EndDate: domain.MustDate("2024-01-10")})
		if err != nil {
			return err
		}
		e.tenant, e.project, e.location, e.task = tenant.ID, project.ID, loc.ID, task.ID
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	reg, err := registry.Default(registry.ReducerSum)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	e.flaky = &flakyLog{TriggerLog: e.log}
	e.bus, err = bus.New(bus.Options{Registry: reg, Store: e.store, Log: e.flaky, Now: e.clock.Now, Metrics: e.telemetry})
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	e.eval = &stubEvaluator{conditions: e.conditions, now: e.clock.Now, applicable: map[domain.Date]bool{}}
	opts.Bus, opts.Registry, opts.Store = e.bus, reg, e.store
	opts.Metrics, opts.Conditions, opts.Evaluator = e.values, e.conditions, e.eval
	opts.Now, opts.Telemetry = e.clock.Now, e.telemetry
	e.reactor, err = New(opts)
	if err != nil {
		t.Fatalf("reactor: %v", err)
	}
	return e
}

func (e *env) key(kind domain.MetricKind, subject, date string) domain.MetricKey {
	return domain.MetricKey{TenantID: e.tenant, Kind: kind, SubjectID: subject, Date: domain.MustDate(date)}
}

func (e *env) publish(kind domain.SubjectKind, id, cause string) {
	e.t.Helper()
	if _, err := e.bus.Publish(context.Background(), e.tenant, kind, id, cause, time.Time{}); err != nil {
		e.t.Fatalf("publish: %v", err)
	}
}

func (e *env) drain() {
	e.t.Helper()
	if err := e.reactor.Drain(context.Background(), e.tenant); err != nil {
		e.t.Fatalf("drain: %v", err)
	}
}

func (e *env) value(key domain.MetricKey) domain.MetricValue {
	e.t.Helper()
	v, ok, err := e.values.Get(context.Background(), key)
	if err != nil || !ok {
		e.t.Fatalf("value %s: ok=%v err=%v", key, ok, err)
	}
	return v
}

func (e *env) invocations(kind domain.MetricKind) float64 {
	return testutil.ToFloat64(e.telemetry.CalculatorInvoked.WithLabelValues(string(kind)))
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without collaborators")
	}
}

func TestDrainComputesTheWholeDAG(t *testing.T) {
	e := newEnv(t, Options{})
	e.publish(domain.SubjectTask, e.task, "task_created")
	e.drain()

	if v := e.value(e.key(domain.KindTaskSpecificRisk, e.task, "2024-01-10")); v.Value != 50 || v.Empty {
		t.Fatalf("task score: %+v", v)
	}
	if v := e.value(e.key(domain.KindTotalLocationRisk, e.location, "2024-01-10")); v.Value != 50 {
		t.Fatalf("location score: %+v", v)
	}
	if v := e.value(e.key(domain.KindTotalProjectRisk, e.project, "2024-01-10")); v.Value != 50 {
		t.Fatalf("project score: %+v", v)
	}
	// the task is inactive on the 11th, so the location has no members
	if v := e.value(e.key(domain.KindTotalLocationRisk, e.location, "2024-01-11")); !v.Empty {
		t.Fatalf("expected empty location score on the 11th: %+v", v)
	}
	if v := e.value(e.key(domain.KindTotalProjectRisk, e.project, "2024-01-11")); !v.Empty {
		t.Fatalf("expected empty project score on the 11th: %+v", v)
	}
	if e.bus.Depth(e.tenant) != 0 {
		t.Fatalf("queue should be empty, depth %d", e.bus.Depth(e.tenant))
	}
	status, ok, err := e.bus.Status(context.Background(), e.key(domain.KindTaskSpecificRisk, e.task, "2024-01-10"))
	if err != nil || !ok || status != domain.TriggerDone {
		t.Fatalf("expected DONE, got %s %v %v", status, ok, err)
	}
}

func TestUnchangedInputsSkipCalculator(t *testing.T) {
	e := newEnv(t, Options{})
	e.publish(domain.SubjectTask, e.task, "task_created")
	e.drain()
	key := e.key(domain.KindTaskSpecificRisk, e.task, "2024-01-10")
	first := e.value(key)
	before := e.invocations(domain.KindTaskSpecificRisk)

	for i := 0; i < 3; i++ {
		e.publish(domain.SubjectTask, e.task, "form_submitted")
	}
	e.clock.Advance(time.Minute)
	e.drain()
	if got := e.invocations(domain.KindTaskSpecificRisk); got != before {
		t.Fatalf("calculator re-ran: %v -> %v", before, got)
	}
	again := e.value(key)
	if !again.CalculatedAt.After(first.CalculatedAt) || again.Value != first.Value {
		t.Fatalf("expected re-stamp with same value: %+v then %+v", first, again)
	}
}

func TestHazardAndSiteConditionModifiers(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	if _, err := e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.UpdateTask(e.task, func(task *domain.Task) error {
			task.Hazards = []domain.TaskHazard{{LibraryHazardID: "hz-cavein", Applicable: true}}
			return nil
		})
		return err
	}); err != nil {
		t.Fatalf("update task: %v", err)
	}
	e.publish(domain.SubjectTask, e.task, "task_updated")
	e.drain()
	if v := e.value(e.key(domain.KindTaskSpecificRisk, e.task, "2024-01-10")); v.Value != 100 {
		t.Fatalf("hazard multiplier not applied: %+v", v)
	}

	e.eval.set(domain.MustDate("2024-01-10"), true)
	e.clock.Advance(time.Minute)
	e.publish(domain.SubjectLocation, e.location, "weather_refreshed")
	e.drain()
	if v := e.value(e.key(domain.KindSiteConditionSweep, e.location, "2024-01-10")); v.Value != 1 {
		t.Fatalf("sweep count: %+v", v)
	}
	if v := e.value(e.key(domain.KindTaskSpecificRisk, e.task, "2024-01-10")); v.Value != 150 {
		t.Fatalf("site condition modifier not applied: %+v", v)
	}
	// 150 from the task plus the location additive term
	if v := e.value(e.key(domain.KindTotalLocationRisk, e.location, "2024-01-10")); v.Value != 160 {
		t.Fatalf("location total: %+v", v)
	}
	if v := e.value(e.key(domain.KindTotalProjectRisk, e.project, "2024-01-10")); v.Value != 160 {
		t.Fatalf("project total: %+v", v)
	}
}

func TestManualConditionCounts(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	if _, err := e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateManualSiteCondition(domain.ManualSiteCondition{LocationID: e.location, LibrarySiteConditionID: "wind"})
		return err
	}); err != nil {
		t.Fatalf("manual condition: %v", err)
	}
	e.publish(domain.SubjectLocation, e.location, "manual_site_condition_added")
	e.drain()
	if v := e.value(e.key(domain.KindTaskSpecificRisk, e.task, "2024-01-10")); v.Value != 75 {
		t.Fatalf("manual modifier not applied: %+v", v)
	}
	// additive applies on days without active tasks
	if v := e.value(e.key(domain.KindTotalLocationRisk, e.location, "2024-01-11")); v.Value != 10 || v.Empty {
		t.Fatalf("location additive on the 11th: %+v", v)
	}
}

func TestTransientErrorsRetryThenFail(t *testing.T) {
	e := newEnv(t, Options{MaxAttempts: 2, BackoffBase: time.Second, BackoffMax: time.Minute})
	e.eval.err = domain.Transient(errors.New("weather timeout"))
	e.publish(domain.SubjectLocation, e.location, "location_created")
	e.drain()

	key := e.key(domain.KindSiteConditionSweep, e.location, "2024-01-10")
	trig, ok, err := e.log.Latest(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("latest: %v %v", ok, err)
	}
	if trig.Status != domain.TriggerPending || trig.Attempts != 1 || trig.LastError == "" {
		t.Fatalf("expected deferred retry, got %+v", trig)
	}
	if !trig.NextAttemptAt.Equal(e.clock.Now().Add(time.Second)) {
		t.Fatalf("backoff: next attempt %v", trig.NextAttemptAt)
	}

	e.clock.Advance(time.Second)
	e.drain()
	status, _, _ := e.bus.Status(context.Background(), key)
	if status != domain.TriggerFailed {
		t.Fatalf("expected FAILED after max attempts, got %s", status)
	}
	if got := testutil.ToFloat64(e.telemetry.ReactorProcessed.WithLabelValues(string(domain.KindSiteConditionSweep), "failed")); got == 0 {
		t.Fatalf("failed outcome not counted")
	}
}

func TestDeadlineIsTransient(t *testing.T) {
	e := newEnv(t, Options{Deadline: 20 * time.Millisecond})
	e.eval.block = true
	e.publish(domain.SubjectLocation, e.location, "location_created")
	e.drain()
	trig, ok, _ := e.log.Latest(context.Background(), e.key(domain.KindSiteConditionSweep, e.location, "2024-01-10"))
	if !ok || trig.Status != domain.TriggerPending || trig.Attempts != 1 {
		t.Fatalf("expected retry after deadline, got %+v", trig)
	}
}

func TestUnknownKindFails(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	key := domain.MetricKey{TenantID: e.tenant, Kind: "Unknown", SubjectID: e.task, Date: domain.MustDate("2024-01-10")}
	if err := e.bus.PublishKeys(ctx, []domain.MetricKey{key}, "test", time.Time{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	e.drain()
	status, _, _ := e.bus.Status(ctx, key)
	if status != domain.TriggerFailed {
		t.Fatalf("expected FAILED, got %s", status)
	}
}

func TestArchivedSubjectIsNoop(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	if _, err := e.store.RunInTransaction(ctx, func(tx domain.Transaction) error { return tx.ArchiveTask(e.task) }); err != nil {
		t.Fatalf("archive: %v", err)
	}
	key := e.key(domain.KindTaskSpecificRisk, e.task, "2024-01-10")
	if err := e.bus.PublishKeys(ctx, []domain.MetricKey{key}, "test", time.Time{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	e.drain()
	if _, ok, _ := e.values.Get(ctx, key); ok {
		t.Fatalf("archived task should not be computed")
	}
	status, _, _ := e.bus.Status(ctx, key)
	if status != domain.TriggerDone {
		t.Fatalf("expected DONE no-op, got %s", status)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	e := newEnv(t, Options{BackoffBase: time.Second, BackoffMax: 5 * time.Second})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for attempts, d := range want {
		if got := e.reactor.backoff(attempts); got != d {
			t.Fatalf("backoff(%d) = %s, want %s", attempts, got, d)
		}
	}
}

func TestWorkersProcessInBackground(t *testing.T) {
	e := newEnv(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.reactor.Start(ctx)
	e.publish(domain.SubjectTask, e.task, "task_created")

	key := e.key(domain.KindTotalProjectRisk, e.project, "2024-01-10")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if v, ok, _ := e.values.Get(ctx, key); ok && v.Value == 50 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("background worker did not compute %s", key)
		}
		time.Sleep(5 * time.Millisecond)
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := e.reactor.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func (e *env) publishKey(key domain.MetricKey, cause string) {
	e.t.Helper()
	if err := e.bus.PublishKeys(context.Background(), []domain.MetricKey{key}, cause, time.Time{}); err != nil {
		e.t.Fatalf("publish %s: %v", key, err)
	}
}

func TestFailedDownstreamEmissionIsRetried(t *testing.T) {
	e := newEnv(t, Options{BackoffBase: time.Second, BackoffMax: time.Minute})
	ctx := context.Background()
	e.publish(domain.SubjectTask, e.task, "task_created")
	e.drain()

	if _, err := e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.UpdateTask(e.task, func(task *domain.Task) error {
			task.Hazards = []domain.TaskHazard{{LibraryHazardID: "hz-cavein", Applicable: true}}
			return nil
		})
		return err
	}); err != nil {
		t.Fatalf("update task: %v", err)
	}
	taskKey := e.key(domain.KindTaskSpecificRisk, e.task, "2024-01-10")
	locationKey := e.key(domain.KindTotalLocationRisk, e.location, "2024-01-10")

	e.flaky.failOn(domain.KindTotalLocationRisk)
	e.clock.Advance(time.Minute)
	e.publishKey(taskKey, "task_updated")
	e.drain()
	trig, ok, err := e.log.Latest(ctx, taskKey)
	if err != nil || !ok || trig.Status != domain.TriggerPending || trig.Attempts != 1 {
		t.Fatalf("expected the task trigger to be retried, got %+v %v", trig, err)
	}
	if v := e.value(locationKey); v.Value != 50 {
		t.Fatalf("location moved without its trigger: %+v", v)
	}

	e.flaky.failOn("")
	e.clock.Advance(time.Second)
	e.drain()
	if v := e.value(taskKey); v.Value != 100 {
		t.Fatalf("task score: %+v", v)
	}
	if v := e.value(locationKey); v.Value != 100 {
		t.Fatalf("location did not roll up after the retry: %+v", v)
	}
	if v := e.value(e.key(domain.KindTotalProjectRisk, e.project, "2024-01-10")); v.Value != 100 {
		t.Fatalf("project did not roll up after the retry: %+v", v)
	}
	if status, _, _ := e.bus.Status(ctx, taskKey); status != domain.TriggerDone {
		t.Fatalf("expected DONE, got %s", status)
	}
}

func TestFailedSweepEmissionIsRetried(t *testing.T) {
	e := newEnv(t, Options{BackoffBase: time.Second, BackoffMax: time.Minute})
	ctx := context.Background()
	e.publish(domain.SubjectTask, e.task, "task_created")
	e.drain()

	sweepKey := e.key(domain.KindSiteConditionSweep, e.location, "2024-01-10")
	e.eval.set(domain.MustDate("2024-01-10"), true)
	e.flaky.failOn(domain.KindTotalLocationRisk)
	e.clock.Advance(time.Minute)
	e.publishKey(sweepKey, "weather_refreshed")
	e.drain()
	if trig, _, _ := e.log.Latest(ctx, sweepKey); trig.Status != domain.TriggerPending || trig.Attempts != 1 {
		t.Fatalf("expected the sweep to be retried, got %+v", trig)
	}

	// the retried sweep sees no applicability flip but must still propagate
	e.flaky.failOn("")
	e.clock.Advance(time.Second)
	e.drain()
	if v := e.value(sweepKey); v.Value != 1 {
		t.Fatalf("sweep count: %+v", v)
	}
	if v := e.value(e.key(domain.KindTaskSpecificRisk, e.task, "2024-01-10")); v.Value != 75 {
		t.Fatalf("task did not pick up the condition: %+v", v)
	}
	if v := e.value(e.key(domain.KindTotalLocationRisk, e.location, "2024-01-10")); v.Value != 85 {
		t.Fatalf("location did not pick up the condition: %+v", v)
	}
}

func TestCancelledDrainReleasesTrigger(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	key := e.key(domain.KindSiteConditionSweep, e.location, "2024-01-10")
	e.eval.block = true
	e.publishKey(key, "location_created")

	drainCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := e.reactor.Drain(drainCtx, e.tenant); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline from drain, got %v", err)
	}
	if status, _, _ := e.bus.Status(ctx, key); status != domain.TriggerPending {
		t.Fatalf("interrupted trigger should be queued again, got %s", status)
	}
	if trig, ok, _ := e.log.Latest(ctx, key); !ok || trig.Status != domain.TriggerPending || trig.Attempts != 0 {
		t.Fatalf("interrupted trigger should not spend an attempt: %+v", trig)
	}

	e.eval.mu.Lock()
	e.eval.block = false
	e.eval.mu.Unlock()
	e.drain()
	if status, _, _ := e.bus.Status(ctx, key); status != domain.TriggerDone {
		t.Fatalf("expected DONE after the next drain, got %s", status)
	}
	if v := e.value(key); v.Value != 0 {
		t.Fatalf("sweep count: %+v", v)
	}
}
