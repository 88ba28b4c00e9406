// Package reactor turns bus triggers into stored metric values. Each tenant
// has a single logical writer: a worker goroutine pulling from the tenant's
// partition, serialized with synchronous drains through a per-tenant lock.
package reactor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"worksafety/internal/bus"
	"worksafety/internal/evaluator"
	"worksafety/internal/observability"
	"worksafety/internal/registry"
	"worksafety/pkg/domain"
)

// Defaults.
const (
	DefaultDeadline    = 30 * time.Second
	DefaultMaxAttempts = 5
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 5 * time.Minute
)

// Viewer opens domain snapshots.
type Viewer interface {
	View(ctx context.Context, fn func(domain.TransactionView) error) error
}

// SweepEvaluator computes the site conditions of a location and date.
type SweepEvaluator interface {
	Evaluate(ctx context.Context, tenantID, locationID string, date domain.Date) (evaluator.Outcome, error)
}

// Options configures a Manager. Bus, Registry, Store and Metrics are
// required; without an Evaluator sweeps count zero conditions.
type Options struct {
	Bus        *bus.Bus
	Registry   *registry.Registry
	Store      Viewer
	Metrics    domain.MetricStore
	Conditions domain.SiteConditionStore
	Evaluator  SweepEvaluator

	Deadline    time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Epsilon     float64

	Now       func() time.Time
	Logger    *slog.Logger
	Telemetry *observability.Metrics
}

// Manager runs the per-tenant workers.
type Manager struct {
	bus        *bus.Bus
	reg        *registry.Registry
	store      Viewer
	values     domain.MetricStore
	conditions domain.SiteConditionStore
	evaluator  SweepEvaluator

	deadline    time.Duration
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	epsilon     float64

	stamps    *domain.Stamper
	logger    *slog.Logger
	telemetry *observability.Metrics

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	workers map[string]bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates options and applies defaults.
func New(opts Options) (*Manager, error) {
	if opts.Bus == nil || opts.Registry == nil || opts.Store == nil || opts.Metrics == nil {
		return nil, errors.New("reactor: bus, registry, store and metric store are required")
	}
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultBackoffMax
	}
	if opts.Now == nil {
		opts.Now = opts.Bus.Now
	}
	return &Manager{
		bus:         opts.Bus,
		reg:         opts.Registry,
		store:       opts.Store,
		values:      opts.Metrics,
		conditions:  opts.Conditions,
		evaluator:   opts.Evaluator,
		deadline:    opts.Deadline,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
		epsilon:     opts.Epsilon,
		stamps:      domain.NewStamper(opts.Now),
		logger:      observability.OrDefault(opts.Logger).With("component", "reactor"),
		telemetry:   opts.Telemetry.Or(),
		locks:       make(map[string]*sync.Mutex),
		workers:     make(map[string]bool),
	}, nil
}

// Start subscribes to the bus and launches a worker for every tenant that
// already has queued triggers. Later tenants get a worker on their first
// enqueue.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()
	m.bus.Subscribe(m.ensureWorker)
	for _, tenant := range m.bus.Tenants() {
		m.ensureWorker(tenant)
	}
}

func (m *Manager) ensureWorker(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil || m.ctx.Err() != nil || m.workers[tenantID] {
		return
	}
	m.workers[tenantID] = true
	m.wg.Add(1)
	go m.loop(m.ctx, tenantID)
}

func (m *Manager) tenantLock(tenantID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[tenantID] = l
	}
	return l
}

func (m *Manager) loop(ctx context.Context, tenantID string) {
	defer m.wg.Done()
	lock := m.tenantLock(tenantID)
	for {
		t, err := m.bus.Pull(ctx, tenantID)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) || ctx.Err() != nil {
				return
			}
			m.logger.Warn("pull failed", "tenant", tenantID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.backoffBase):
			}
			continue
		}
		lock.Lock()
		m.handle(ctx, t)
		lock.Unlock()
	}
}

// Drain processes the tenant's ready triggers synchronously until none
// remains. Triggers published while draining are processed too; retries
// deferred into the future are left queued.
func (m *Manager) Drain(ctx context.Context, tenantID string) error {
	lock := m.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, ok, err := m.bus.TryPull(ctx, tenantID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		m.handle(ctx, t)
	}
}

// DrainAll drains every tenant known to the bus.
func (m *Manager) DrainAll(ctx context.Context) error {
	for _, tenant := range m.bus.Tenants() {
		if err := m.Drain(ctx, tenant); err != nil {
			return err
		}
	}
	return nil
}

// Stop drains the ready triggers of every tenant until ctx ends, then
// cancels the workers and waits for them. Work interrupted by the
// cancellation is released back to the queue.
func (m *Manager) Stop(ctx context.Context) error {
	drainErr := m.DrainAll(ctx)
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.deadline):
		return errors.New("reactor: workers did not stop")
	}
	if drainErr != nil && !errors.Is(drainErr, context.Canceled) && !errors.Is(drainErr, context.DeadlineExceeded) {
		return drainErr
	}
	return nil
}
