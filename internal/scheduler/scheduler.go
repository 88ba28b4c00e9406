// Package scheduler runs the periodic sweep: it republishes missing or stale
// keys inside the horizon, replays FAILED triggers with capped backoff and
// prunes the trigger log.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"worksafety/internal/bus"
	"worksafety/internal/observability"
	"worksafety/internal/registry"
	"worksafety/pkg/domain"
)

// Defaults applied by New.
const (
	DefaultSchedule   = "@hourly"
	DefaultStaleAfter = 24 * time.Hour
	DefaultReplayBase = 5 * time.Minute
	DefaultReplayMax  = 6 * time.Hour
	DefaultRetention  = 72 * time.Hour
	CauseSweep        = "scheduled_sweep"
	maxReplayExponent = 30
)

// Options configures a Scheduler. Bus, Registry, Store and Values are required.
type Options struct {
	Bus        *bus.Bus
	Registry   *registry.Registry
	Store      domain.PersistentStore
	Values     domain.MetricStore
	Schedule   string
	StaleAfter time.Duration
	ReplayBase time.Duration
	ReplayMax  time.Duration
	Retention  time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

// Summary reports one sweep.
type Summary struct {
	Tenants   int
	Published int
	Replayed  int
	Pruned    int
}

// Scheduler drives Tick from a cron schedule.
type Scheduler struct {
	opts    Options
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc

	// running serializes ticks; an overlapping cron firing is skipped.
	running sync.Mutex
}

// New validates options and the schedule expression.
func New(opts Options) (*Scheduler, error) {
	if opts.Bus == nil || opts.Registry == nil || opts.Store == nil || opts.Values == nil {
		return nil, errors.New("scheduler: bus, registry, store and metric store are required")
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(opts.Schedule); err != nil {
		return nil, domain.DefinitionError{Reason: fmt.Sprintf("evaluator_schedule %q: %v", opts.Schedule, err)}
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.ReplayBase <= 0 {
		opts.ReplayBase = DefaultReplayBase
	}
	if opts.ReplayMax <= 0 {
		opts.ReplayMax = DefaultReplayMax
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = opts.Bus.Now
	}
	return &Scheduler{
		opts:    opts,
		logger:  observability.OrDefault(opts.Logger).With("component", "scheduler"),
		metrics: opts.Metrics.Or(),
	}, nil
}

// Start registers the cron job. Ticks run with a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.opts.Schedule, func() {
		if !s.running.TryLock() {
			s.logger.Warn("previous sweep still running, skipping")
			return
		}
		defer s.running.Unlock()
		if _, err := s.tick(runCtx); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	s.cron, s.cancel = c, cancel
	s.logger.Info("scheduler started", "schedule", s.opts.Schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	done := c.Stop()
	cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs one sweep immediately.
func (s *Scheduler) Tick(ctx context.Context) (Summary, error) {
	s.running.Lock()
	defer s.running.Unlock()
	return s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) (Summary, error) {
	var (
		summary Summary
		tenants []string
	)
	if err := s.opts.Store.View(ctx, func(view domain.TransactionView) error {
		for _, t := range view.ListTenants() {
			tenants = append(tenants, t.ID)
		}
		return nil
	}); err != nil {
		return summary, fmt.Errorf("list tenants: %w", err)
	}
	summary.Tenants = len(tenants)
	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		n, err := s.sweep(ctx, tenant)
		summary.Published += n
		if err != nil {
			s.logger.Warn("tenant sweep failed", "tenant", tenant, "error", err)
		}
		r, err := s.replay(ctx, tenant)
		summary.Replayed += r
		if err != nil {
			s.logger.Warn("tenant replay failed", "tenant", tenant, "error", err)
		}
	}
	pruned, err := s.opts.Bus.Log().Prune(ctx, s.opts.Now().Add(-s.opts.Retention))
	if err != nil {
		s.logger.Warn("trigger log prune failed", "error", err)
	}
	summary.Pruned = pruned

	s.metrics.SchedulerPublished.Add(float64(summary.Published))
	s.metrics.SchedulerReplayed.Add(float64(summary.Replayed))
	s.metrics.SchedulerPruned.Add(float64(summary.Pruned))
	s.metrics.SchedulerHeartbeat.Set(float64(s.opts.Now().Unix()))
	s.logger.Info("sweep complete",
		"tenants", summary.Tenants,
		"published", summary.Published,
		"replayed", summary.Replayed,
		"pruned", summary.Pruned,
	)
	return summary, nil
}

// sweep publishes live keys of the tenant's active projects that have no
// value or a value older than StaleAfter. Queued keys are skipped, and so
// are FAILED keys, which are left to replay.
func (s *Scheduler) sweep(ctx context.Context, tenantID string) (int, error) {
	horizon := s.opts.Bus.Horizon()
	var candidates []domain.MetricKey
	if err := s.opts.Store.View(ctx, func(view domain.TransactionView) error {
		for _, p := range view.ListProjects(tenantID) {
			if p.Archived() {
				continue
			}
			for _, key := range s.opts.Registry.FanOutKeys(view, tenantID, domain.SubjectProject, p.ID, horizon) {
				def, ok := s.opts.Registry.Definition(key.Kind)
				if !ok || !registry.Live(view, tenantID, def.Subject, key.SubjectID, key.Date) {
					continue
				}
				candidates = append(candidates, key)
			}
		}
		return nil
	}); err != nil {
		return 0, err
	}

	cutoff := s.opts.Now().Add(-s.opts.StaleAfter)
	var due []domain.MetricKey
	for _, key := range candidates {
		status, known, err := s.opts.Bus.Status(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("status %s: %w", key, err)
		}
		if known && status != domain.TriggerDone {
			continue
		}
		v, ok, err := s.opts.Values.Get(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", key, err)
		}
		if !ok || v.CalculatedAt.Before(cutoff) {
			due = append(due, key)
		}
	}
	if len(due) == 0 {
		return 0, nil
	}
	if err := s.opts.Bus.PublishKeys(ctx, due, CauseSweep, time.Time{}); err != nil {
		return 0, err
	}
	return len(due), nil
}

// replay requeues FAILED triggers whose backoff has elapsed. Rows superseded
// by a later trigger for the same key are left alone.
func (s *Scheduler) replay(ctx context.Context, tenantID string) (int, error) {
	failed, err := s.opts.Bus.Log().Failed(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	now := s.opts.Now()
	replayed := 0
	for _, t := range failed {
		if now.Before(t.UpdatedAt.Add(s.Backoff(t.Replays))) {
			continue
		}
		latest, ok, err := s.opts.Bus.Log().Latest(ctx, t.Key)
		if err != nil {
			return replayed, err
		}
		if ok && latest.ID != t.ID {
			continue
		}
		if err := s.opts.Bus.Replay(ctx, t); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}

// Backoff is min(ReplayBase * 2^replays, ReplayMax).
func (s *Scheduler) Backoff(replays int) time.Duration {
	if replays > maxReplayExponent {
		return s.opts.ReplayMax
	}
	d := s.opts.ReplayBase << uint(replays)
	if d <= 0 || d > s.opts.ReplayMax {
		return s.opts.ReplayMax
	}
	return d
}
