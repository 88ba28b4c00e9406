package reactor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"worksafety/internal/observability"
	"worksafety/internal/registry"
	"worksafety/pkg/domain"
)

// Outcomes recorded per processed trigger.
const (
	outcomeDone   = "done"
	outcomeNoop   = "noop"
	outcomeRetry  = "retry"
	outcomeFailed = "failed"
)

// run is the state of one pulled trigger: the snapshot it reads, the keys
// already computed and the keys on the current depth-first path.
type run struct {
	m          *Manager
	trigger    domain.Trigger
	view       domain.TransactionView
	done       map[domain.MetricKey]bool
	inProgress map[domain.MetricKey]bool
}

func (m *Manager) handle(parent context.Context, t domain.Trigger) {
	start := time.Now()
	kind := string(t.Key.Kind)
	ctx, span := observability.StartSpan(parent, "reactor.process",
		attribute.String("tenant", t.Key.TenantID),
		attribute.String("kind", kind),
		attribute.String("subject", t.Key.SubjectID),
		attribute.String("date", t.Key.Date.String()),
		attribute.Int("attempts", t.Attempts))
	defer span.End()

	outcome, err := m.process(ctx, t)
	m.telemetry.ReactorDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if parent.Err() != nil {
		// interrupted: the trigger goes back to the queue for the next pull
		if err := m.bus.Release(context.WithoutCancel(parent), t); err != nil {
			m.logger.Warn("release interrupted trigger", "key", t.Key.String(), "error", err)
		}
		return
	}

	log := m.logger.With("tenant", t.Key.TenantID, "key", t.Key.String(), "trigger", t.ID)
	var finishErr error
	switch {
	case err == nil:
		finishErr = m.bus.Complete(parent, t)
	case domain.IsDefinition(err):
		outcome = outcomeFailed
		log.Error("definition error; trigger failed", "error", err)
		finishErr = m.bus.Fail(parent, t, err)
	case t.Attempts+1 >= m.maxAttempts:
		outcome = outcomeFailed
		log.Error("trigger failed after retries", "attempts", t.Attempts+1, "error", err)
		finishErr = m.bus.Fail(parent, t, err)
	default:
		outcome = outcomeRetry
		delay := m.backoff(t.Attempts)
		log.Warn("calculation failed; retrying", "attempts", t.Attempts+1, "delay", delay, "error", err)
		finishErr = m.bus.Retry(parent, t, err, delay)
	}
	if finishErr != nil {
		log.Error("finish trigger", "error", finishErr)
	}
	m.telemetry.ReactorProcessed.WithLabelValues(kind, outcome).Inc()
}

// backoff is base * 2^attempts capped at the maximum.
func (m *Manager) backoff(attempts int) time.Duration {
	d := m.backoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= m.backoffMax {
			return m.backoffMax
		}
	}
	if d > m.backoffMax {
		return m.backoffMax
	}
	return d
}

func (m *Manager) process(parent context.Context, t domain.Trigger) (string, error) {
	ctx, cancel := context.WithTimeout(parent, m.deadline)
	defer cancel()

	def, ok := m.reg.Definition(t.Key.Kind)
	if !ok {
		return outcomeFailed, domain.DefinitionError{Reason: fmt.Sprintf("unknown metric kind %q", t.Key.Kind)}
	}
	r := &run{
		m:          m,
		trigger:    t,
		done:       map[domain.MetricKey]bool{},
		inProgress: map[domain.MetricKey]bool{},
	}
	if err := m.store.View(ctx, func(view domain.TransactionView) error {
		r.view = view
		return nil
	}); err != nil {
		return outcomeRetry, domain.Transient(fmt.Errorf("snapshot: %w", err))
	}
	if !registry.Live(r.view, t.Key.TenantID, def.Subject, t.Key.SubjectID, t.Key.Date) {
		m.logger.Debug("subject not live; skipping", "key", t.Key.String())
		return outcomeNoop, nil
	}
	if err := r.process(ctx, t.Key); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
			err = domain.Transient(fmt.Errorf("calculator deadline %s exceeded: %w", m.deadline, err))
		}
		return outcomeRetry, err
	}
	return outcomeDone, nil
}

// process computes key after bringing its prerequisites up to date.
func (r *run) process(ctx context.Context, key domain.MetricKey) error {
	if r.done[key] {
		return nil
	}
	def, ok := r.m.reg.Definition(key.Kind)
	if !ok {
		return domain.DefinitionError{Reason: fmt.Sprintf("unknown metric kind %q", key.Kind)}
	}
	if !registry.Live(r.view, key.TenantID, def.Subject, key.SubjectID, key.Date) {
		r.done[key] = true
		return nil
	}
	r.inProgress[key] = true
	defer delete(r.inProgress, key)

	upstream := map[domain.MetricKind][]domain.MetricValue{}
	for _, pre := range r.m.reg.Prerequisites(r.view, key) {
		if r.inProgress[pre] {
			return domain.DefinitionError{Reason: fmt.Sprintf("cycle through %s", pre)}
		}
		stored, found, err := r.m.values.Get(ctx, pre)
		if err != nil {
			return domain.Transient(fmt.Errorf("read %s: %w", pre, err))
		}
		if !r.done[pre] && (!found || stored.CalculatedAt.Before(r.trigger.AsOf)) {
			if err := r.process(ctx, pre); err != nil {
				return err
			}
			if stored, found, err = r.m.values.Get(ctx, pre); err != nil {
				return domain.Transient(fmt.Errorf("read %s: %w", pre, err))
			}
		}
		if found {
			upstream[pre.Kind] = append(upstream[pre.Kind], stored)
		}
	}

	prev, hasPrev, err := r.m.values.Get(ctx, key)
	if err != nil {
		return domain.Transient(fmt.Errorf("read %s: %w", key, err))
	}

	var (
		next    domain.MetricValue
		changed bool
	)
	next.Key = key
	if def.Calculator == registry.CalcEvaluator {
		if r.m.evaluator != nil {
			outcome, err := r.m.evaluator.Evaluate(ctx, key.TenantID, key.SubjectID, key.Date)
			if err != nil {
				return err
			}
			next.Value = float64(outcome.Applicable)
			next.InputsHash = outcome.Fingerprint
			changed = outcome.Changed
		}
		r.m.telemetry.CalculatorInvoked.WithLabelValues(string(key.Kind)).Inc()
		changed = changed || !hasPrev || prev.InputsHash != next.InputsHash
	} else {
		in, err := r.gather(ctx, def, key, upstream)
		if err != nil {
			return err
		}
		next.InputsHash = in.Fingerprint()
		if hasPrev && prev.InputsHash == next.InputsHash {
			next.Value, next.Empty = prev.Value, prev.Empty
		} else {
			out, err := registry.Calculate(def, in)
			if err != nil {
				return err
			}
			r.m.telemetry.CalculatorInvoked.WithLabelValues(string(key.Kind)).Inc()
			next.Value, next.Empty = out.Value, out.Empty
		}
		changed = !hasPrev || prev.Empty != next.Empty || math.Abs(prev.Value-next.Value) > r.m.epsilon
	}

	// Dependents are queued before the value is written: if queueing fails
	// the stored value still differs and the retry emits again.
	if changed {
		if err := r.emit(ctx, key); err != nil {
			return err
		}
	}
	next.CalculatedAt = r.m.stamps.Stamp()
	if _, err := r.m.values.Upsert(ctx, next); err != nil {
		return domain.Transient(fmt.Errorf("upsert %s: %w", key, err))
	}
	r.done[key] = true
	return nil
}

func (r *run) emit(ctx context.Context, key domain.MetricKey) error {
	var downstream []domain.MetricKey
	for _, dep := range r.m.reg.Dependents(r.view, key) {
		if !r.done[dep] && !r.inProgress[dep] {
			downstream = append(downstream, dep)
		}
	}
	if len(downstream) == 0 {
		return nil
	}
	if err := r.m.bus.PublishKeys(ctx, downstream, "upstream:"+string(key.Kind), time.Time{}); err != nil {
		return fmt.Errorf("emit downstream of %s: %w", key, err)
	}
	return nil
}
