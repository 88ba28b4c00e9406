package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"worksafety/internal/adapters"
	"worksafety/internal/blob"
	"worksafety/internal/bus"
	"worksafety/internal/evaluator"
	"worksafety/internal/infra/cache/badger"
	"worksafety/internal/observability"
	"worksafety/internal/reactor"
	"worksafety/internal/readapi"
	"worksafety/internal/registry"
	"worksafety/internal/scheduler"
	"worksafety/pkg/domain"
)

// CacheConfig selects the durable adapter cache tier.
type CacheConfig struct {
	Driver string `mapstructure:"driver" validate:"omitempty,oneof=memory badger"`
	Path   string `mapstructure:"path"`
}

// PipelineConfig tunes the bus, reactor, read API and scheduler. Zero values
// take each component's default.
type PipelineConfig struct {
	HorizonDays        int
	QueueCapacity      int
	CalculatorDeadline time.Duration
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	Epsilon            float64
	ProjectReducer     string
	FreshnessWindow    time.Duration
	StaleAfter         time.Duration
	EvaluatorSchedule  string
	ReplayBackoffBase  time.Duration
	ReplayBackoffMax   time.Duration
	TriggerRetention   time.Duration
	AdapterTTL         map[adapters.Source]time.Duration
}

// AppOptions configures NewApp.
type AppOptions struct {
	Storage  StorageConfig
	Blob     blob.Config
	Cache    CacheConfig
	Weather  adapters.OpenMeteoConfig
	Pipeline PipelineConfig
	// Bands returns the global default bands; nil means domain.DefaultBands.
	Bands func() domain.Bands
	// Rules are enforced on every service write; nil means
	// NewDefaultRulesEngine.
	Rules *domain.RulesEngine

	// WeatherSource replaces the Open-Meteo client, mainly for tests.
	WeatherSource adapters.WeatherSource
	Now           func() time.Time
	Logger        *slog.Logger
	Registerer    prometheus.Registerer
}

// App is the assembled risk pipeline.
type App struct {
	Storage   *Storage
	Blob      blob.Store
	Registry  *registry.Registry
	Bus       *bus.Bus
	Adapters  *adapters.Set
	Evaluator *evaluator.Evaluator
	Reactor   *reactor.Manager
	Reads     *readapi.Service
	Scheduler *scheduler.Scheduler
	Service   *Service
	Metrics   *observability.Metrics
	Logger    *slog.Logger

	closers []func() error
}

// NewApp opens storage and builds every component. Nothing runs until Start.
func NewApp(ctx context.Context, opts AppOptions) (*App, error) {
	logger := observability.OrDefault(opts.Logger)
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &App{Logger: logger, Metrics: observability.NewMetrics(opts.Registerer)}
	fail := func(err error) (*App, error) {
		_ = a.Close()
		return nil, err
	}

	reducer, err := registry.ParseReducer(opts.Pipeline.ProjectReducer)
	if err != nil {
		return nil, err
	}
	if a.Registry, err = registry.Default(reducer); err != nil {
		return nil, err
	}
	engine := opts.Rules
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	// The service evaluates the rules before it publishes; storage runs none.
	if a.Storage, err = OpenStorage(ctx, opts.Storage, nil); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.closers = append(a.closers, a.Storage.Close)
	if m, ok := a.Storage.Memory(); ok {
		m.SetNowFunc(opts.Now)
	}

	if a.Blob, err = blob.Open(ctx, opts.Blob); err != nil {
		return fail(fmt.Errorf("open blob store: %w", err))
	}

	cacheOpts := adapters.CacheOptions{TTL: opts.Pipeline.AdapterTTL, Now: opts.Now, Logger: logger, Metrics: a.Metrics}
	if opts.Cache.Driver == "badger" {
		tier, err := badger.Open(badger.Config{Path: opts.Cache.Path, Logger: logger, GCInterval: 10 * time.Minute})
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, tier.Close)
		cacheOpts.Durable = tier
	}
	weather := opts.WeatherSource
	if weather == nil {
		weather = adapters.NewOpenMeteo(opts.Weather)
	}
	a.Adapters = &adapters.Set{
		Cache:     adapters.NewCache(cacheOpts),
		Weather:   weather,
		Incidents: adapters.StoreIncidents{Store: a.Storage.Domain},
		Geography: adapters.BlobGeography{Store: a.Blob},
	}

	if a.Bus, err = bus.New(bus.Options{
		Registry:    a.Registry,
		Store:       a.Storage.Domain,
		Log:         a.Storage.Triggers,
		Capacity:    opts.Pipeline.QueueCapacity,
		HorizonDays: opts.Pipeline.HorizonDays,
		Now:         opts.Now,
		Logger:      logger,
		Metrics:     a.Metrics,
	}); err != nil {
		return fail(err)
	}
	if a.Evaluator, err = evaluator.New(evaluator.Options{
		Store:     a.Storage.Domain,
		Instances: a.Storage.Conditions,
		Adapters:  a.Adapters,
		Now:       opts.Now,
		Logger:    logger,
		Metrics:   a.Metrics,
	}); err != nil {
		return fail(err)
	}
	if a.Reactor, err = reactor.New(reactor.Options{
		Bus:         a.Bus,
		Registry:    a.Registry,
		Store:       a.Storage.Domain,
		Metrics:     a.Storage.Metrics,
		Conditions:  a.Storage.Conditions,
		Evaluator:   a.Evaluator,
		Deadline:    opts.Pipeline.CalculatorDeadline,
		MaxAttempts: opts.Pipeline.MaxAttempts,
		BackoffBase: opts.Pipeline.BackoffBase,
		BackoffMax:  opts.Pipeline.BackoffMax,
		Epsilon:     opts.Pipeline.Epsilon,
		Now:         opts.Now,
		Logger:      logger,
		Telemetry:   a.Metrics,
	}); err != nil {
		return fail(err)
	}
	if a.Reads, err = readapi.New(readapi.Options{
		Store:           a.Storage.Domain,
		Registry:        a.Registry,
		Bus:             a.Bus,
		Values:          a.Storage.Metrics,
		Conditions:      a.Storage.Conditions,
		Bands:           opts.Bands,
		FreshnessWindow: opts.Pipeline.FreshnessWindow,
		Now:             opts.Now,
		Logger:          logger,
	}); err != nil {
		return fail(err)
	}
	if a.Scheduler, err = scheduler.New(scheduler.Options{
		Bus:        a.Bus,
		Registry:   a.Registry,
		Store:      a.Storage.Domain,
		Values:     a.Storage.Metrics,
		Schedule:   opts.Pipeline.EvaluatorSchedule,
		StaleAfter: opts.Pipeline.StaleAfter,
		ReplayBase: opts.Pipeline.ReplayBackoffBase,
		ReplayMax:  opts.Pipeline.ReplayBackoffMax,
		Retention:  opts.Pipeline.TriggerRetention,
		Now:        opts.Now,
		Logger:     logger,
		Metrics:    a.Metrics,
	}); err != nil {
		return fail(err)
	}
	if a.Service, err = NewService(ServiceOptions{
		Store:    a.Storage.Domain,
		Engine:   engine,
		Bus:      a.Bus,
		Adapters: a.Adapters,
		Logger:   logger,
	}); err != nil {
		return fail(err)
	}
	return a, nil
}

// Start recovers the trigger log, then runs the reactor workers and,
// when schedule is true, the scheduler.
func (a *App) Start(ctx context.Context, schedule bool) error {
	tenants, err := a.Bus.Recover(ctx)
	if err != nil {
		return err
	}
	if len(tenants) > 0 {
		a.Logger.Info("recovered open triggers", "tenants", len(tenants))
	}
	a.Reactor.Start(ctx)
	if schedule {
		return a.Scheduler.Start(ctx)
	}
	return nil
}

// Stop drains the reactor and stops the scheduler within ctx.
func (a *App) Stop(ctx context.Context) error {
	return errors.Join(a.Scheduler.Stop(ctx), a.Reactor.Stop(ctx))
}

// Close releases storage and caches. It is safe after a failed NewApp.
func (a *App) Close() error {
	if a.Bus != nil {
		a.Bus.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
