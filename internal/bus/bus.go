// Package bus implements the coalescing, durable, tenant-partitioned trigger
// queue feeding the risk reactor.
//
// Every state change of a trigger is written to a domain.TriggerLog before
// it becomes visible in memory. A key has at most one PENDING trigger; a
// publish for a pending key folds its cause into the queued trigger and
// keeps its queue position. A key being processed may additionally hold one
// PENDING trigger published while it ran.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"worksafety/internal/observability"
	"worksafety/internal/registry"
	"worksafety/pkg/domain"
)

// Defaults applied by New.
const (
	DefaultCapacity    = 10000
	DefaultHorizonDays = 14
	DefaultRetryAfter  = 5 * time.Second
)

// ErrClosed is returned by Pull after Close.
var ErrClosed = errors.New("bus closed")

// Viewer exposes domain snapshots used to derive fan-out.
type Viewer interface {
	View(ctx context.Context, fn func(domain.TransactionView) error) error
}

// Options configures a Bus.
type Options struct {
	Registry    *registry.Registry
	Store       Viewer
	Log         domain.TriggerLog
	Capacity    int
	HorizonDays int
	RetryAfter  time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

type partition struct {
	fifo    []domain.MetricKey
	pending map[domain.MetricKey]*domain.Trigger
	running map[domain.MetricKey]*domain.Trigger
	signal  chan struct{}
}

func newPartition() *partition {
	return &partition{
		pending: make(map[domain.MetricKey]*domain.Trigger),
		running: make(map[domain.MetricKey]*domain.Trigger),
		signal:  make(chan struct{}, 1),
	}
}

func (p *partition) wake() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *partition) depth() int { return len(p.pending) + len(p.running) }

// Bus is the trigger queue.
type Bus struct {
	reg        *registry.Registry
	store      Viewer
	log        domain.TriggerLog
	capacity   int
	horizon    int
	retryAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *observability.Metrics

	stampMu   sync.Mutex
	lastStamp time.Time

	mu          sync.Mutex
	parts       map[string]*partition
	subscribers []func(tenantID string)
	closed      bool
	done        chan struct{}
}

// New builds a bus. Registry, Store and Log are required.
func New(opts Options) (*Bus, error) {
	if opts.Registry == nil || opts.Store == nil || opts.Log == nil {
		return nil, fmt.Errorf("bus: registry, store and log are required")
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.HorizonDays <= 0 {
		opts.HorizonDays = DefaultHorizonDays
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = DefaultRetryAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bus{
		reg:        opts.Registry,
		store:      opts.Store,
		log:        opts.Log,
		capacity:   opts.Capacity,
		horizon:    opts.HorizonDays,
		retryAfter: opts.RetryAfter,
		now:        func() time.Time { return opts.Now().UTC() },
		logger:     observability.OrDefault(opts.Logger).With("component", "bus"),
		metrics:    opts.Metrics.Or(),
		parts:      make(map[string]*partition),
		done:       make(chan struct{}),
	}, nil
}

// Now returns the bus clock in UTC.
func (b *Bus) Now() time.Time { return b.now() }

// HorizonDays is the number of days, starting today, triggers are derived for.
func (b *Bus) HorizonDays() int { return b.horizon }

// Horizon returns [today, today+horizon) by the bus clock.
func (b *Bus) Horizon() domain.Window {
	return domain.Horizon(domain.DateOf(b.now()), b.horizon)
}

// Subscribe registers fn to be called with the tenant of every enqueue.
func (b *Bus) Subscribe(fn func(tenantID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// Plan derives the triggers for a change to (kind, id) without enqueuing them.
func (b *Bus) Plan(view domain.TransactionView, tenantID string, kind domain.SubjectKind, id, cause string, occurredAt time.Time) []domain.Trigger {
	keys := b.reg.FanOutKeys(view, tenantID, kind, id, b.Horizon())
	return b.Triggers(keys, cause, occurredAt)
}

// Triggers wraps keys into fresh PENDING triggers.
func (b *Bus) Triggers(keys []domain.MetricKey, cause string, asOf time.Time) []domain.Trigger {
	now := b.now()
	if asOf.IsZero() {
		asOf = now
	}
	out := make([]domain.Trigger, 0, len(keys))
	for _, key := range keys {
		t := domain.Trigger{
			ID:         uuid.NewString(),
			Key:        key,
			AsOf:       asOf.UTC(),
			EnqueuedAt: b.stamp(now),
			UpdatedAt:  now,
			Status:     domain.TriggerPending,
		}
		t.AddCause(cause)
		out = append(out, t)
	}
	return out
}

// stamp returns a strictly increasing enqueue time so the log replays in
// FIFO order.
func (b *Bus) stamp(now time.Time) time.Time {
	b.stampMu.Lock()
	defer b.stampMu.Unlock()
	if !now.After(b.lastStamp) {
		now = b.lastStamp.Add(time.Nanosecond)
	}
	b.lastStamp = now
	return now
}

// Publish enqueues the fan-out of a change to a subject. The subject must
// exist in the tenant.
func (b *Bus) Publish(ctx context.Context, tenantID string, kind domain.SubjectKind, id, cause string, occurredAt time.Time) (int, error) {
	var triggers []domain.Trigger
	err := b.store.View(ctx, func(view domain.TransactionView) error {
		if _, ok := registry.Lookup(view, tenantID, kind, id); !ok {
			return domain.ErrNotFound{Entity: domain.EntityType(kind), ID: id}
		}
		triggers = b.Plan(view, tenantID, kind, id, cause, occurredAt)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := b.PublishBulk(ctx, triggers); err != nil {
		return 0, err
	}
	return len(triggers), nil
}

// PublishKeys enqueues triggers for explicit keys.
func (b *Bus) PublishKeys(ctx context.Context, keys []domain.MetricKey, cause string, asOf time.Time) error {
	return b.PublishBulk(ctx, b.Triggers(keys, cause, asOf))
}

// PublishBulk persists and enqueues triggers as one batch. Either every
// trigger is accepted or none is: a full partition returns a
// domain.QueueFullError and a log failure a transient error.
func (b *Bus) PublishBulk(ctx context.Context, triggers []domain.Trigger) error {
	if len(triggers) == 0 {
		return nil
	}
	b.mu.Lock()
	type change struct {
		part     *partition
		trigger  domain.Trigger
		coalesce bool
	}
	var (
		changes  []change
		staged   = map[domain.MetricKey]int{}
		newCount = map[string]int{}
	)
	for _, t := range triggers {
		p := b.partitionLocked(t.Key.TenantID)
		if i, ok := staged[t.Key]; ok {
			changes[i].trigger.Merge(t)
			continue
		}
		if existing, ok := p.pending[t.Key]; ok {
			merged := existing.Clone()
			merged.Merge(t)
			merged.UpdatedAt = b.now()
			staged[t.Key] = len(changes)
			changes = append(changes, change{part: p, trigger: merged, coalesce: true})
			continue
		}
		t = t.Clone()
		t.Status = domain.TriggerPending
		staged[t.Key] = len(changes)
		changes = append(changes, change{part: p, trigger: t})
		newCount[t.Key.TenantID]++
	}
	for tenant, n := range newCount {
		if b.parts[tenant].depth()+n > b.capacity {
			b.mu.Unlock()
			b.metrics.TriggersPublished.WithLabelValues("rejected").Add(float64(len(triggers)))
			b.logger.Warn("trigger queue full", "tenant", tenant, "depth", b.Depth(tenant), "capacity", b.capacity)
			return domain.QueueFullError{TenantID: tenant, RetryAfter: b.retryAfter}
		}
	}
	rows := make([]domain.Trigger, 0, len(changes))
	for _, c := range changes {
		rows = append(rows, c.trigger)
	}
	if err := b.log.Save(ctx, rows...); err != nil {
		b.mu.Unlock()
		return domain.Transient(fmt.Errorf("save triggers: %w", err))
	}
	notify := map[string]*partition{}
	var enqueued, coalesced int
	for _, c := range changes {
		t := c.trigger
		if c.coalesce {
			*c.part.pending[t.Key] = t
			coalesced++
		} else {
			c.part.pending[t.Key] = &t
			c.part.fifo = append(c.part.fifo, t.Key)
			enqueued++
		}
		notify[t.Key.TenantID] = c.part
	}
	subscribers := append([]func(string){}, b.subscribers...)
	for tenant, p := range notify {
		b.metrics.QueueDepth.WithLabelValues(tenant).Set(float64(p.depth()))
		p.wake()
	}
	b.mu.Unlock()

	b.metrics.TriggersPublished.WithLabelValues("enqueued").Add(float64(enqueued))
	b.metrics.TriggersPublished.WithLabelValues("coalesced").Add(float64(coalesced))
	for tenant := range notify {
		for _, fn := range subscribers {
			fn(tenant)
		}
	}
	return nil
}

func (b *Bus) partitionLocked(tenantID string) *partition {
	p, ok := b.parts[tenantID]
	if !ok {
		p = newPartition()
		b.parts[tenantID] = p
	}
	return p
}

// TryPull claims the first ready trigger of the tenant. The second result is
// false when nothing is ready.
func (b *Bus) TryPull(ctx context.Context, tenantID string) (domain.Trigger, bool, error) {
	t, ok, _, err := b.claim(ctx, tenantID)
	return t, ok, err
}

// Pull blocks until a trigger of the tenant is ready, ctx ends or the bus
// closes.
func (b *Bus) Pull(ctx context.Context, tenantID string) (domain.Trigger, error) {
	for {
		t, ok, wait, err := b.claim(ctx, tenantID)
		if err != nil {
			return domain.Trigger{}, err
		}
		if ok {
			return t, nil
		}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return domain.Trigger{}, ErrClosed
		}
		signal := b.partitionLocked(tenantID).signal
		b.mu.Unlock()

		var (
			tm    *time.Timer
			timer <-chan time.Time
		)
		if wait > 0 {
			tm = time.NewTimer(wait)
			timer = tm.C
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-b.done:
			err = ErrClosed
		case <-signal:
		case <-timer:
		}
		if tm != nil {
			tm.Stop()
		}
		if err != nil {
			return domain.Trigger{}, err
		}
	}
}

// claim moves the first ready pending trigger to RUNNING. When nothing is
// ready, wait is the delay until the earliest deferred retry, or 0.
func (b *Bus) claim(ctx context.Context, tenantID string) (domain.Trigger, bool, time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.parts[tenantID]
	if !ok {
		return domain.Trigger{}, false, 0, nil
	}
	now := b.now()
	var wait time.Duration
	for i, key := range p.fifo {
		t := p.pending[key]
		if _, busy := p.running[key]; busy {
			continue
		}
		if t.NextAttemptAt.After(now) {
			if d := t.NextAttemptAt.Sub(now); wait == 0 || d < wait {
				wait = d
			}
			continue
		}
		claimed := t.Clone()
		claimed.Status = domain.TriggerRunning
		claimed.UpdatedAt = now
		if err := b.log.Save(ctx, claimed); err != nil {
			return domain.Trigger{}, false, 0, domain.Transient(fmt.Errorf("claim trigger: %w", err))
		}
		p.fifo = append(p.fifo[:i:i], p.fifo[i+1:]...)
		delete(p.pending, key)
		p.running[key] = &claimed
		return claimed.Clone(), true, 0, nil
	}
	return domain.Trigger{}, false, wait, nil
}

// Complete marks a running trigger DONE.
func (b *Bus) Complete(ctx context.Context, t domain.Trigger) error {
	return b.finish(ctx, t, domain.TriggerDone, nil)
}

// Fail marks a running trigger FAILED with the error payload.
func (b *Bus) Fail(ctx context.Context, t domain.Trigger, cause error) error {
	return b.finish(ctx, t, domain.TriggerFailed, cause)
}

func (b *Bus) finish(ctx context.Context, t domain.Trigger, status domain.TriggerStatus, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.partitionLocked(t.Key.TenantID)
	row := t.Clone()
	if running, ok := p.running[t.Key]; ok && running.ID == t.ID {
		row = running.Clone()
	}
	row.Status = status
	row.UpdatedAt = b.now()
	if cause != nil {
		row.LastError = cause.Error()
	}
	if err := b.log.Save(ctx, row); err != nil {
		return domain.Transient(fmt.Errorf("finish trigger: %w", err))
	}
	if running, ok := p.running[t.Key]; ok && running.ID == t.ID {
		delete(p.running, t.Key)
	}
	b.metrics.QueueDepth.WithLabelValues(t.Key.TenantID).Set(float64(p.depth()))
	if len(p.fifo) > 0 {
		p.wake()
	}
	return nil
}

// Retry returns a running trigger to the queue after delay with its attempt
// count incremented. A trigger published for the key while it ran absorbs
// the retry instead.
func (b *Bus) Retry(ctx context.Context, t domain.Trigger, cause error, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.partitionLocked(t.Key.TenantID)
	now := b.now()
	row := t.Clone()
	if running, ok := p.running[t.Key]; ok && running.ID == t.ID {
		row = running.Clone()
	}
	row.Attempts++
	row.UpdatedAt = now
	if cause != nil {
		row.LastError = cause.Error()
	}
	if existing, ok := p.pending[t.Key]; ok {
		merged := existing.Clone()
		merged.Merge(row)
		merged.UpdatedAt = now
		row.Status = domain.TriggerDone
		if err := b.log.Save(ctx, row, merged); err != nil {
			return domain.Transient(fmt.Errorf("retry trigger: %w", err))
		}
		*existing = merged
	} else {
		row.Status = domain.TriggerPending
		row.NextAttemptAt = now.Add(delay)
		if err := b.log.Save(ctx, row); err != nil {
			return domain.Transient(fmt.Errorf("retry trigger: %w", err))
		}
		p.pending[t.Key] = &row
		p.fifo = append(p.fifo, t.Key)
	}
	delete(p.running, t.Key)
	p.wake()
	return nil
}

// Release hands a running trigger back to the front of the queue without
// spending an attempt. It is used for work interrupted by cancellation. The
// in-memory queue is updated even when the log write fails; Recover resets
// the RUNNING row in that case.
func (b *Bus) Release(ctx context.Context, t domain.Trigger) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.partitionLocked(t.Key.TenantID)
	running, ok := p.running[t.Key]
	if !ok || running.ID != t.ID {
		return nil
	}
	now := b.now()
	row := running.Clone()
	row.UpdatedAt = now
	delete(p.running, t.Key)
	var err error
	if existing, ok := p.pending[t.Key]; ok {
		merged := existing.Clone()
		merged.Merge(row)
		merged.UpdatedAt = now
		row.Status = domain.TriggerDone
		err = b.log.Save(ctx, row, merged)
		*existing = merged
	} else {
		row.Status = domain.TriggerPending
		err = b.log.Save(ctx, row)
		p.pending[t.Key] = &row
		p.fifo = append([]domain.MetricKey{t.Key}, p.fifo...)
	}
	p.wake()
	if err != nil {
		return domain.Transient(fmt.Errorf("release trigger: %w", err))
	}
	return nil
}

// Replay requeues a FAILED trigger with a fresh attempt budget.
func (b *Bus) Replay(ctx context.Context, t domain.Trigger) error {
	if t.Status != domain.TriggerFailed {
		return fmt.Errorf("replay trigger %s: status %s", t.ID, t.Status)
	}
	b.mu.Lock()
	p := b.partitionLocked(t.Key.TenantID)
	now := b.now()
	row := t.Clone()
	row.Replays++
	row.Attempts = 0
	row.UpdatedAt = now
	row.NextAttemptAt = time.Time{}
	row.AddCause("replay")
	if existing, ok := p.pending[t.Key]; ok {
		merged := existing.Clone()
		merged.Merge(row)
		merged.UpdatedAt = now
		row.Status = domain.TriggerDone
		if err := b.log.Save(ctx, row, merged); err != nil {
			b.mu.Unlock()
			return domain.Transient(fmt.Errorf("replay trigger: %w", err))
		}
		*existing = merged
		b.mu.Unlock()
		return nil
	}
	row.Status = domain.TriggerPending
	row.EnqueuedAt = now
	if err := b.log.Save(ctx, row); err != nil {
		b.mu.Unlock()
		return domain.Transient(fmt.Errorf("replay trigger: %w", err))
	}
	p.pending[t.Key] = &row
	p.fifo = append(p.fifo, t.Key)
	b.metrics.QueueDepth.WithLabelValues(t.Key.TenantID).Set(float64(p.depth()))
	p.wake()
	subscribers := append([]func(string){}, b.subscribers...)
	b.mu.Unlock()
	for _, fn := range subscribers {
		fn(t.Key.TenantID)
	}
	return nil
}

// Recover reloads PENDING and RUNNING triggers from the log. RUNNING rows are
// reset to PENDING. It returns the tenants with queued work.
func (b *Bus) Recover(ctx context.Context) ([]string, error) {
	open, err := b.log.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover triggers: %w", err)
	}
	b.mu.Lock()
	var (
		rows    []domain.Trigger
		tenants []string
		seen    = map[string]bool{}
	)
	for _, t := range open {
		p := b.partitionLocked(t.Key.TenantID)
		t = t.Clone()
		if existing, ok := p.pending[t.Key]; ok {
			existing.Merge(t)
			t.Status = domain.TriggerDone
			t.UpdatedAt = b.now()
			rows = append(rows, t, existing.Clone())
			continue
		}
		if t.Status == domain.TriggerRunning {
			t.Status = domain.TriggerPending
			t.UpdatedAt = b.now()
			rows = append(rows, t)
		}
		p.pending[t.Key] = &t
		p.fifo = append(p.fifo, t.Key)
		if !seen[t.Key.TenantID] {
			seen[t.Key.TenantID] = true
			tenants = append(tenants, t.Key.TenantID)
		}
	}
	if len(rows) > 0 {
		if err := b.log.Save(ctx, rows...); err != nil {
			b.mu.Unlock()
			return nil, fmt.Errorf("recover triggers: %w", err)
		}
	}
	for _, tenant := range tenants {
		p := b.parts[tenant]
		b.metrics.QueueDepth.WithLabelValues(tenant).Set(float64(p.depth()))
		p.wake()
	}
	subscribers := append([]func(string){}, b.subscribers...)
	b.mu.Unlock()
	if len(open) > 0 {
		b.logger.Info("recovered triggers", "count", len(open), "tenants", len(tenants))
	}
	for _, tenant := range tenants {
		for _, fn := range subscribers {
			fn(tenant)
		}
	}
	return tenants, nil
}

// IsPending reports whether key has a PENDING or RUNNING trigger.
func (b *Bus) IsPending(key domain.MetricKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.parts[key.TenantID]
	if !ok {
		return false
	}
	_, pending := p.pending[key]
	_, running := p.running[key]
	return pending || running
}

// Status returns the current status of key: in-memory state first, then the
// latest logged trigger.
func (b *Bus) Status(ctx context.Context, key domain.MetricKey) (domain.TriggerStatus, bool, error) {
	b.mu.Lock()
	if p, ok := b.parts[key.TenantID]; ok {
		if _, ok := p.running[key]; ok {
			b.mu.Unlock()
			return domain.TriggerRunning, true, nil
		}
		if _, ok := p.pending[key]; ok {
			b.mu.Unlock()
			return domain.TriggerPending, true, nil
		}
	}
	b.mu.Unlock()
	t, ok, err := b.log.Latest(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}
	return t.Status, true, nil
}

// Depth reports pending plus running triggers of the tenant.
func (b *Bus) Depth(tenantID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.parts[tenantID]; ok {
		return p.depth()
	}
	return 0
}

// Tenants lists partitions with queued or running work.
func (b *Bus) Tenants() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for tenant, p := range b.parts {
		if p.depth() > 0 {
			out = append(out, tenant)
		}
	}
	return out
}

// Log exposes the durable trigger log.
func (b *Bus) Log() domain.TriggerLog { return b.log }

// Close wakes blocked pullers with ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}
