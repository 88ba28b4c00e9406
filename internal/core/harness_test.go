package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"worksafety/internal/adapters"
	"worksafety/internal/blob"
	"worksafety/internal/core"
	"worksafety/internal/library"
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

type harness struct {
	t       *testing.T
	ctx     context.Context
	app     *core.App
	clock   *clock
	weather *adapters.StaticWeather
	tenant  string
}

func newHarness(t *testing.T, today string, pipeline core.PipelineConfig) *harness {
	t.Helper()
	return newHarnessWithRules(t, today, pipeline, nil)
}

func newHarnessWithRules(t *testing.T, today string, pipeline core.PipelineConfig, rules *domain.RulesEngine) *harness {
	t.Helper()
	start, err := time.Parse("2006-01-02", today)
	if err != nil {
		t.Fatalf("parse today: %v", err)
	}
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		clock:   &clock{now: start.Add(8 * time.Hour)},
		weather: adapters.NewStaticWeather(),
	}
	h.app, err = core.NewApp(h.ctx, core.AppOptions{
		Storage:       core.StorageConfig{Driver: "memory"},
		Blob:          blob.Config{Driver: "memory"},
		Pipeline:      pipeline,
		WeatherSource: h.weather,
		Rules:         rules,
		Now:           h.clock.Now,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = h.app.Close() })

	tenant, _, err := h.app.Service.CreateTenant(h.ctx, domain.Tenant{Name: "Acme"})
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	h.tenant = tenant.ID
	return h
}

func ptr(v float64) *float64 { return &v }

// importLibrary seeds task bases and the high wind condition.
func (h *harness) importLibrary(bases map[string]float64) {
	h.t.Helper()
	catalog := library.Catalog{
		SiteConditions: []library.SiteConditionEntry{{
			ID:           "wind",
			Handle:       "high_wind",
			Name:         "High wind",
			TaskModifier: ptr(2),
			Predicate:    &domain.Predicate{Op: domain.OpWeather, Field: domain.WeatherWindMax, Cmp: domain.CmpGT, Value: 50},
		}, {
			ID:     "crane",
			Handle: "crane_nearby",
			Name:   "Crane nearby",
		}},
	}
	for id, base := range bases {
		catalog.Tasks = append(catalog.Tasks, library.TaskEntry{ID: id, Name: id, BaseScore: base})
	}
	if _, _, err := h.app.Service.ImportLibrary(h.ctx, catalog, h.tenant); err != nil {
		h.t.Fatalf("import library: %v", err)
	}
}

func (h *harness) project(start, end string) string {
	h.t.Helper()
	p, _, err := h.app.Service.CreateProject(h.ctx, domain.Project{
		Owned:     domain.Owned{TenantID: h.tenant},
		Name:      "Tower",
		StartDate: domain.MustDate(start),
		EndDate:   domain.MustDate(end),
	})
	if err != nil {
		h.t.Fatalf("create project: %v", err)
	}
	return p.ID
}

func (h *harness) location(projectID string) string {
	h.t.Helper()
	l, _, err := h.app.Service.CreateLocation(h.ctx, domain.Location{ProjectID: projectID, Name: "North yard", Latitude: 40.7128, Longitude: -74.006})
	if err != nil {
		h.t.Fatalf("create location: %v", err)
	}
	return l.ID
}

func (h *harness) task(locationID, libraryTaskID, start, end string) string {
	h.t.Helper()
	task, _, err := h.app.Service.CreateTask(h.ctx, domain.Task{
		LocationID:    locationID,
		LibraryTaskID: libraryTaskID,
		StartDate:     domain.MustDate(start),
		EndDate:       domain.MustDate(end),
	})
	if err != nil {
		h.t.Fatalf("create task: %v", err)
	}
	return task.ID
}

func (h *harness) drain() {
	h.t.Helper()
	if err := h.app.Reactor.Drain(h.ctx, h.tenant); err != nil {
		h.t.Fatalf("drain: %v", err)
	}
}

func (h *harness) level(kind domain.SubjectKind, id, date string) domain.Level {
	h.t.Helper()
	return h.app.Reads.RiskLevel(h.ctx, h.tenant, kind, id, domain.MustDate(date)).Level
}

func (h *harness) value(kind domain.MetricKind, id, date string) (domain.MetricValue, bool) {
	h.t.Helper()
	v, ok, err := h.app.Storage.Metrics.Get(h.ctx, domain.MetricKey{TenantID: h.tenant, Kind: kind, SubjectID: id, Date: domain.MustDate(date)})
	if err != nil {
		h.t.Fatalf("get value: %v", err)
	}
	return v, ok
}

func (h *harness) invocations(kind domain.MetricKind) float64 {
	return testutil.ToFloat64(h.app.Metrics.CalculatorInvoked.WithLabelValues(string(kind)))
}
