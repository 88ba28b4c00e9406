package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"worksafety/internal/adapters"
	"worksafety/internal/blob"
	"worksafety/internal/core"
	"worksafety/internal/library"
	"worksafety/pkg/domain"
)

type fixture struct {
	app      *core.App
	srv      *httptest.Server
	tenant   string
	project  string
	location string
	task     string
}

func newFixture(t *testing.T, pipeline core.PipelineConfig) *fixture {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
	reg := prometheus.NewRegistry()
	app, err := core.NewApp(ctx, core.AppOptions{
		Storage:       core.StorageConfig{Driver: "memory"},
		Blob:          blob.Config{Driver: "memory"},
		Pipeline:      pipeline,
		WeatherSource: adapters.NewStaticWeather(),
		Now:           func() time.Time { return now },
		Registerer:    reg,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })

	f := &fixture{app: app}
	tenant, _, err := app.Service.CreateTenant(ctx, domain.Tenant{Name: "Acme"})
	if err != nil {
		t.Fatalf("tenant: %v", err)
	}
	f.tenant = tenant.ID
	catalog := library.Catalog{Tasks: []library.TaskEntry{{ID: "survey", Name: "Survey", BaseScore: 120}}}
	if _, _, err := app.Service.ImportLibrary(ctx, catalog, f.tenant); err != nil {
		t.Fatalf("library: %v", err)
	}
	project, _, err := app.Service.CreateProject(ctx, domain.Project{
		Owned:     domain.Owned{TenantID: f.tenant},
		StartDate: domain.MustDate("2024-01-01"),
		EndDate:   domain.MustDate("2024-01-31"),
	})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	f.project = project.ID
	if err := app.Reactor.Drain(ctx, f.tenant); err != nil {
		t.Fatalf("drain: %v", err)
	}
	loc, _, err := app.Service.CreateLocation(ctx, domain.Location{ProjectID: f.project, Name: "Yard"})
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	f.location = loc.ID
	if err := app.Reactor.Drain(ctx, f.tenant); err != nil {
		t.Fatalf("drain: %v", err)
	}
	task, _, err := app.Service.CreateTask(ctx, domain.Task{LocationID: f.location, LibraryTaskID: "survey", StartDate: domain.MustDate("2024-01-10"), EndDate: domain.MustDate("2024-01-10")})
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	f.task = task.ID

	handler, err := New(Config{Bus: app.Bus, Reads: app.Reads, Gatherer: reg})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	f.srv = httptest.NewServer(handler)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	if err := f.app.Reactor.Drain(context.Background(), f.tenant); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestRiskReadLifecycle(t *testing.T) {
	f := newFixture(t, core.PipelineConfig{})
	path := "/v1/tenants/" + f.tenant + "/risk/task/" + f.task + "?date=2024-01-10"

	resp, body := f.do(t, http.MethodGet, path, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var got RiskResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Level != string(domain.LevelRecalculating) {
		t.Fatalf("expected RECALCULATING before drain, got %+v", got)
	}

	f.drain(t)
	_, body = f.do(t, http.MethodGet, path, nil)
	got = RiskResponse{}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Level != string(domain.LevelMedium) || got.Score == nil || *got.Score != 120 || got.CalculatedAt == nil {
		t.Fatalf("expected MEDIUM 120, got %s", body)
	}

	_, body = f.do(t, http.MethodGet, "/v1/tenants/"+f.tenant+"/risk/crane/"+f.task, nil)
	if !strings.Contains(string(body), string(domain.LevelUnknown)) {
		t.Fatalf("unknown kind should read UNKNOWN: %s", body)
	}
	resp, _ = f.do(t, http.MethodGet, "/v1/tenants/"+f.tenant+"/risk/task/"+f.task+"?date=10-01-2024", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad date status: %d", resp.StatusCode)
	}
}

func TestPublishTrigger(t *testing.T) {
	f := newFixture(t, core.PipelineConfig{})
	resp, body := f.do(t, http.MethodPost, "/v1/tenants/"+f.tenant+"/triggers", PublishRequest{
		SubjectKind: "location", SubjectID: f.location, Cause: "weather_refreshed",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var out PublishResponse
	if err := json.Unmarshal(body, &out); err != nil || out.Triggers == 0 {
		t.Fatalf("expected triggers, got %s (%v)", body, err)
	}

	resp, _ = f.do(t, http.MethodPost, "/v1/tenants/"+f.tenant+"/triggers", PublishRequest{
		SubjectKind: "task", SubjectID: "missing", Cause: "manual",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown subject status: %d", resp.StatusCode)
	}
}

func TestPublishQueueFull(t *testing.T) {
	// The fixture leaves 29 task keys pending; a rebuild adds 14 sweep keys.
	f := newFixture(t, core.PipelineConfig{QueueCapacity: 42})
	resp, body := f.do(t, http.MethodPost, "/v1/tenants/"+f.tenant+"/admin/rebuild", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
}

func TestSiteConditionsRoute(t *testing.T) {
	f := newFixture(t, core.PipelineConfig{})
	resp, body := f.do(t, http.MethodGet, "/v1/tenants/"+f.tenant+"/locations/"+f.location+"/site-conditions?date=2024-01-10", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	resp, _ = f.do(t, http.MethodGet, "/v1/tenants/"+f.tenant+"/locations/missing/site-conditions", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing location status: %d", resp.StatusCode)
	}
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t, core.PipelineConfig{})
	f.drain(t)

	resp, body := f.do(t, http.MethodPut, "/v1/tenants/"+f.tenant+"/admin/bands", BandsBody{Bands: []BandDTO{
		{Min: 0, Level: "LOW"}, {Min: 500, Level: "HIGH"},
	}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put bands %d: %s", resp.StatusCode, body)
	}
	_, body = f.do(t, http.MethodGet, "/v1/tenants/"+f.tenant+"/risk/task/"+f.task+"?date=2024-01-10", nil)
	if !strings.Contains(string(body), `"LOW"`) {
		t.Fatalf("tenant bands not applied: %s", body)
	}
	resp, _ = f.do(t, http.MethodPut, "/v1/tenants/"+f.tenant+"/admin/bands", BandsBody{Bands: []BandDTO{
		{Min: 100, Level: "HIGH"}, {Min: 0, Level: "LOW"},
	}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid bands status: %d", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodPost, "/v1/tenants/"+f.tenant+"/admin/recompute", SubjectRequest{SubjectKind: "task", SubjectID: f.task})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("recompute %d: %s", resp.StatusCode, body)
	}
	resp, _ = f.do(t, http.MethodPost, "/v1/tenants/unknown/admin/rebuild", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("rebuild unknown tenant: %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, core.PipelineConfig{})
	resp, _ := f.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
	resp, body := f.do(t, http.MethodGet, "/metrics", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "worksafety_") {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
}
