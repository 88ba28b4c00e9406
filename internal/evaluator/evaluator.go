// Package evaluator materializes site-condition applicability per location
// and date. Each tenant-visible library definition with a predicate is
// evaluated against adapter inputs and written as an instance; manual
// conditions are left untouched.
package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"worksafety/internal/adapters"
	"worksafety/internal/observability"
	"worksafety/pkg/domain"
)

// Options configures an Evaluator.
type Options struct {
	Store     adapters.Viewer
	Instances domain.SiteConditionStore
	Adapters  *adapters.Set
	Now       func() time.Time
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// Outcome summarizes one sweep of a location and date.
type Outcome struct {
	// Applicable counts evaluated definitions that apply.
	Applicable int
	// Changed is true when any definition's applicability flipped.
	Changed bool
	// Fingerprint identifies the set of applicable definitions; empty when
	// none apply.
	Fingerprint string
}

func fingerprint(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	h := fnv.New64a()
	for _, id := range ids {
		_, _ = h.Write([]byte(id))
		_, _ = h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// Evaluator evaluates library predicates.
type Evaluator struct {
	store     adapters.Viewer
	instances domain.SiteConditionStore
	adapters  *adapters.Set
	stamps    *domain.Stamper
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// New validates the collaborators.
func New(opts Options) (*Evaluator, error) {
	if opts.Store == nil || opts.Instances == nil {
		return nil, errors.New("evaluator: store and instance store required")
	}
	if opts.Adapters == nil {
		opts.Adapters = &adapters.Set{Cache: adapters.NewCache(adapters.CacheOptions{Now: opts.Now})}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Evaluator{
		store:     opts.Store,
		instances: opts.Instances,
		adapters:  opts.Adapters,
		stamps:    domain.NewStamper(opts.Now),
		logger:    observability.OrDefault(opts.Logger).With("component", "evaluator"),
		metrics:   opts.Metrics.Or(),
	}, nil
}

type observed struct {
	Forecast   *adapters.Forecast `json:"forecast,omitempty"`
	Incidents  *int               `json:"incidents,omitempty"`
	Features   *int               `json:"features,omitempty"`
	Attributes map[string]string  `json:"attributes,omitempty"`
}

// Evaluate sweeps every automatic definition visible to the tenant at the
// location for date. A location that is missing or belongs to another tenant
// yields a zero outcome. Adapter failures abort the sweep with a transient
// error; no instance is written in that case.
func (e *Evaluator) Evaluate(ctx context.Context, tenantID, locationID string, date domain.Date) (Outcome, error) {
	ctx, span := observability.StartSpan(ctx, "evaluator.evaluate",
		attribute.String("tenant", tenantID),
		attribute.String("location", locationID),
		attribute.String("date", date.String()))
	defer span.End()

	var (
		loc   domain.Location
		found bool
		defs  []domain.LibrarySiteCondition
	)
	err := e.store.View(ctx, func(view domain.TransactionView) error {
		loc, found = view.FindLocation(locationID)
		if !found || loc.TenantID != tenantID {
			found = false
			return nil
		}
		for _, def := range view.ListLibrarySiteConditions(tenantID) {
			if def.Automatic() {
				defs = append(defs, def)
			}
		}
		return nil
	})
	if err != nil {
		e.metrics.EvaluatorRuns.WithLabelValues("error").Inc()
		return Outcome{}, err
	}
	if !found {
		e.metrics.EvaluatorRuns.WithLabelValues("skipped").Inc()
		return Outcome{}, nil
	}

	env := &env{ctx: ctx, set: e.adapters, tenantID: tenantID, loc: loc, date: date}
	type result struct {
		def      domain.LibrarySiteCondition
		applies  bool
		evidence domain.Evidence
	}
	results := make([]result, 0, len(defs))
	for _, def := range defs {
		applies, fired, err := env.eval(*def.Predicate)
		if err != nil {
			span.RecordError(err)
			e.metrics.EvaluatorRuns.WithLabelValues("error").Inc()
			return Outcome{}, err
		}
		if !applies {
			fired = nil
		}
		results = append(results, result{def: def, applies: applies, evidence: domain.Evidence{Fired: fired}})
	}
	inputs, err := json.Marshal(env.observed())
	if err != nil {
		return Outcome{}, err
	}

	previous, err := e.instances.ListLocation(ctx, tenantID, locationID, date)
	if err != nil {
		return Outcome{}, domain.Transient(fmt.Errorf("list instances: %w", err))
	}
	before := make(map[string]bool, len(previous))
	for _, inst := range previous {
		if inst.Source == domain.SourceEvaluated {
			before[inst.Key.LibraryID] = inst.Applicable
		}
	}

	var (
		out     Outcome
		applied []string
	)
	now := e.stamps.Stamp()
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		seen[r.def.ID] = true
		r.evidence.Stale = env.stale
		r.evidence.Inputs = inputs
		inst := domain.SiteConditionInstance{
			Key:          domain.SiteConditionKey{TenantID: tenantID, LocationID: locationID, LibraryID: r.def.ID, Date: date},
			Applicable:   r.applies,
			Evidence:     r.evidence,
			CalculatedAt: now,
			Source:       domain.SourceEvaluated,
		}
		if _, err := e.instances.Put(ctx, inst); err != nil {
			return Outcome{}, domain.Transient(fmt.Errorf("write instance %s: %w", r.def.ID, err))
		}
		if r.applies {
			out.Applicable++
			applied = append(applied, r.def.ID)
		}
		if before[r.def.ID] != r.applies {
			out.Changed = true
		}
	}
	// Definitions no longer visible, or whose predicate was removed, stop applying.
	for _, inst := range previous {
		if inst.Source != domain.SourceEvaluated || seen[inst.Key.LibraryID] || !inst.Applicable {
			continue
		}
		inst.Applicable = false
		inst.Evidence = domain.Evidence{Inputs: inputs}
		inst.CalculatedAt = now
		if _, err := e.instances.Put(ctx, inst); err != nil {
			return Outcome{}, domain.Transient(fmt.Errorf("retire instance %s: %w", inst.Key.LibraryID, err))
		}
		out.Changed = true
	}
	out.Fingerprint = fingerprint(applied)

	outcome := "unchanged"
	if out.Changed {
		outcome = "changed"
	}
	e.metrics.EvaluatorRuns.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.Int("applicable", out.Applicable), attribute.Bool("changed", out.Changed))
	e.logger.Debug("site conditions evaluated",
		"tenant", tenantID, "location", locationID, "date", date.String(),
		"definitions", len(defs), "applicable", out.Applicable, "changed", out.Changed, "stale", env.stale)
	return out, nil
}
