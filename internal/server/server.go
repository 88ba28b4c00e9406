// Package server exposes the publish, read, site-condition and admin
// contracts over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"worksafety/internal/bus"
	"worksafety/internal/observability"
	"worksafety/internal/readapi"
	"worksafety/pkg/domain"
)

// BasePath prefixes every API route.
const BasePath = "/v1"

// Config for the HTTP API handler. Bus and Reads are required.
type Config struct {
	Bus      *bus.Bus
	Reads    *readapi.Service
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"queue_full"`
	Message string         `json:"message" example:"trigger queue full"`
	Details map[string]any `json:"details,omitempty"`
}

// apiError is the error envelope of every route.
type apiError struct {
	status  int
	headers http.Header
	Body    apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int          { return e.status }
func (e *apiError) Error() string           { return e.Body.Message }
func (e *apiError) GetHeaders() http.Header { return e.headers }

func newAPIError(status int, code, message string, details map[string]any) *apiError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

// New returns the HTTP handler.
func New(cfg Config) (http.Handler, error) {
	if cfg.Bus == nil || cfg.Reads == nil {
		return nil, errors.New("server: bus and reads are required")
	}
	logger := observability.OrDefault(cfg.Logger).With("component", "http")
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "tenants": len(cfg.Bus.Tenants())})
	})
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	hcfg := huma.DefaultConfig("Worksafety Risk API", "1.0.0")
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, BasePath)

	registerTriggers(group, cfg.Bus)
	registerReads(group, cfg.Reads)
	registerAdmin(group, cfg.Reads)
	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
				"duration", time.Since(start), "request_id", middleware.GetReqID(r.Context()))
		})
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var full domain.QueueFullError
	if errors.As(err, &full) {
		e := newAPIError(http.StatusTooManyRequests, "queue_full", err.Error(), map[string]any{"tenant": full.TenantID})
		seconds := int(math.Ceil(full.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		e.headers = http.Header{"Retry-After": []string{strconv.Itoa(seconds)}}
		return e
	}
	var violation domain.RuleViolationError
	if errors.As(err, &violation) {
		return newAPIError(http.StatusUnprocessableEntity, "rule_violation", err.Error(), map[string]any{"violations": violation.Result.Violations})
	}
	switch {
	case domain.IsNotFound(err):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case domain.IsDefinition(err):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusTooManyRequests:
		return "queue_full"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func parseDate(s string) (domain.Date, huma.StatusError) {
	if s == "" {
		return domain.Date{}, nil
	}
	d, err := domain.ParseDate(s)
	if err != nil {
		return domain.Date{}, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid date %q", s), nil)
	}
	return d, nil
}

func parseKind(s string) (domain.SubjectKind, huma.StatusError) {
	k, err := domain.ParseSubjectKind(s)
	if err != nil {
		return "", newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	return k, nil
}

type tenantPath struct {
	Tenant string `path:"tenant"`
}

func registerTriggers(api huma.API, b *bus.Bus) {
	huma.Register(api, huma.Operation{
		OperationID:   "publish-trigger",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant}/triggers",
		Summary:       "Publish a subject change",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		tenantPath
		Body PublishRequest `json:"body"`
	}) (*struct {
		Body PublishResponse `json:"body"`
	}, error) {
		kind, perr := parseKind(input.Body.SubjectKind)
		if perr != nil {
			return nil, perr
		}
		var occurred time.Time
		if input.Body.OccurredAt != nil {
			occurred = *input.Body.OccurredAt
		}
		n, err := b.Publish(ctx, input.Tenant, kind, input.Body.SubjectID, input.Body.Cause, occurred)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PublishResponse `json:"body"`
		}{Body: PublishResponse{Triggers: n}}, nil
	})
}

func registerReads(api huma.API, reads *readapi.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "risk-level",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant}/risk/{subject_kind}/{subject_id}",
		Summary:     "Risk level of a subject on a date",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		tenantPath
		SubjectKind string `path:"subject_kind"`
		SubjectID   string `path:"subject_id"`
		Date        string `query:"date" doc:"YYYY-MM-DD; defaults to today"`
	}) (*struct {
		Body RiskResponse `json:"body"`
	}, error) {
		date, perr := parseDate(input.Date)
		if perr != nil {
			return nil, perr
		}
		reading := readapi.Reading{Level: domain.LevelUnknown}
		if kind, err := domain.ParseSubjectKind(input.SubjectKind); err == nil {
			reading = reads.RiskLevel(ctx, input.Tenant, kind, input.SubjectID, date)
		}
		return &struct {
			Body RiskResponse `json:"body"`
		}{Body: riskResponse(reading)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "site-conditions",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant}/locations/{location_id}/site-conditions",
		Summary:     "Site conditions of a location on a date",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		tenantPath
		LocationID string `path:"location_id"`
		Date       string `query:"date" doc:"YYYY-MM-DD; defaults to today"`
	}) (*struct {
		Body []SiteConditionResponse `json:"body"`
	}, error) {
		date, perr := parseDate(input.Date)
		if perr != nil {
			return nil, perr
		}
		views, err := reads.SiteConditions(ctx, input.Tenant, input.LocationID, date)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SiteConditionResponse `json:"body"`
		}{Body: siteConditionResponses(views)}, nil
	})
}

func registerAdmin(api huma.API, reads *readapi.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "admin-recompute",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant}/admin/recompute",
		Summary:       "Republish the fan-out of one subject",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		tenantPath
		Body SubjectRequest `json:"body"`
	}) (*struct {
		Body PublishResponse `json:"body"`
	}, error) {
		kind, perr := parseKind(input.Body.SubjectKind)
		if perr != nil {
			return nil, perr
		}
		n, err := reads.Recompute(ctx, input.Tenant, kind, input.Body.SubjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PublishResponse `json:"body"`
		}{Body: PublishResponse{Triggers: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "admin-rebuild",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant}/admin/rebuild",
		Summary:       "Republish every live project of the tenant",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *tenantPath) (*struct {
		Body PublishResponse `json:"body"`
	}, error) {
		n, err := reads.Rebuild(ctx, input.Tenant)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PublishResponse `json:"body"`
		}{Body: PublishResponse{Triggers: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-get-bands",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant}/admin/bands",
		Summary:     "Effective bands of the tenant",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *tenantPath) (*struct {
		Body BandsBody `json:"body"`
	}, error) {
		bands, err := reads.Bands(ctx, input.Tenant)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BandsBody `json:"body"`
		}{Body: bandsBody(bands)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-put-bands",
		Method:      http.MethodPut,
		Path:        "/tenants/{tenant}/admin/bands",
		Summary:     "Replace the bands of the tenant",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		tenantPath
		Body BandsBody `json:"body"`
	}) (*struct {
		Body BandsBody `json:"body"`
	}, error) {
		bands := input.Body.domain()
		if err := reads.UpdateBands(ctx, input.Tenant, bands); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BandsBody `json:"body"`
		}{Body: bandsBody(bands)}, nil
	})
}

// Run serves handler on addr until ctx ends, then shuts down gracefully.
func Run(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	logger = observability.OrDefault(logger).With("component", "http")
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
