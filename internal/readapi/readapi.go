// Package readapi answers risk-level and site-condition reads and carries
// the admin operations. Reads never fail: internal errors and missing data
// surface as RECALCULATING or UNKNOWN.
package readapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"worksafety/internal/bus"
	"worksafety/internal/observability"
	"worksafety/internal/registry"
	"worksafety/pkg/domain"
)

// DefaultFreshnessWindow is how long a value of a FAILED key keeps being served.
const DefaultFreshnessWindow = time.Hour

// RiskKinds maps each risk subject to the metric its level is read from.
var RiskKinds = map[domain.SubjectKind]domain.MetricKind{
	domain.SubjectTask:     domain.KindTaskSpecificRisk,
	domain.SubjectLocation: domain.KindTotalLocationRisk,
	domain.SubjectProject:  domain.KindTotalProjectRisk,
}

// Options configures a Service. Store, Registry, Bus and Values are required.
type Options struct {
	Store      domain.PersistentStore
	Registry   *registry.Registry
	Bus        *bus.Bus
	Values     domain.MetricStore
	Conditions domain.SiteConditionStore
	// Bands returns the global default bands; it is consulted on every read
	// so configuration reloads apply immediately.
	Bands           func() domain.Bands
	FreshnessWindow time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

// Service is the read and admin surface.
type Service struct {
	store      domain.PersistentStore
	reg        *registry.Registry
	bus        *bus.Bus
	values     domain.MetricStore
	conditions domain.SiteConditionStore
	bands      func() domain.Bands
	freshness  time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// New validates options.
func New(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Registry == nil || opts.Bus == nil || opts.Values == nil {
		return nil, errors.New("readapi: store, registry, bus and metric store are required")
	}
	if opts.Bands == nil {
		opts.Bands = domain.DefaultBands
	}
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = DefaultFreshnessWindow
	}
	if opts.Now == nil {
		opts.Now = opts.Bus.Now
	}
	return &Service{
		store:      opts.Store,
		reg:        opts.Registry,
		bus:        opts.Bus,
		values:     opts.Values,
		conditions: opts.Conditions,
		bands:      opts.Bands,
		freshness:  opts.FreshnessWindow,
		now:        opts.Now,
		logger:     observability.OrDefault(opts.Logger).With("component", "readapi"),
	}, nil
}

// Reading is a risk-level answer. Score and CalculatedAt are set only for
// banded levels.
type Reading struct {
	Level        domain.Level `json:"level"`
	Score        *float64     `json:"score,omitempty"`
	CalculatedAt *time.Time   `json:"calculated_at,omitempty"`
}

func level(l domain.Level) Reading { return Reading{Level: l} }

// Today is the current UTC date by the injected clock.
func (s *Service) Today() domain.Date { return domain.DateOf(s.now()) }

// RiskLevel classifies the subject at date; a zero date means today.
func (s *Service) RiskLevel(ctx context.Context, tenantID string, kind domain.SubjectKind, subjectID string, date domain.Date) Reading {
	metric, ok := RiskKinds[kind]
	if !ok {
		return level(domain.LevelUnknown)
	}
	today := s.Today()
	if date.IsZero() {
		date = today
	}
	var (
		subject registry.Subject
		found   bool
		tenant  domain.Tenant
	)
	if err := s.store.View(ctx, func(view domain.TransactionView) error {
		subject, found = registry.Lookup(view, tenantID, kind, subjectID)
		tenant, _ = view.FindTenant(tenantID)
		return nil
	}); err != nil {
		s.logger.Warn("risk read snapshot failed", "tenant", tenantID, "subject", subjectID, "error", err)
		return level(domain.LevelRecalculating)
	}
	if !found {
		return level(domain.LevelUnknown)
	}
	key := domain.MetricKey{TenantID: tenantID, Kind: metric, SubjectID: subjectID, Date: s.reg.KeyDate(metric, date)}
	if subject.Archived {
		if s.bus.IsPending(key) {
			return level(domain.LevelRecalculating)
		}
		return level(domain.LevelUnknown)
	}
	if !subject.Window.Contains(date) {
		return level(domain.LevelUnknown)
	}

	value, hasValue, err := s.values.Get(ctx, key)
	if err != nil {
		s.logger.Warn("risk read failed", "key", key.String(), "error", err)
		return level(domain.LevelRecalculating)
	}
	status, _, err := s.bus.Status(ctx, key)
	if err != nil {
		s.logger.Warn("trigger status read failed", "key", key.String(), "error", err)
	}
	if status == domain.TriggerFailed && hasValue && s.recomputedSince(ctx, key, value) {
		status = domain.TriggerDone
	}
	if status == domain.TriggerFailed {
		if !hasValue || s.now().Sub(value.CalculatedAt) > s.freshness {
			return level(domain.LevelRecalculating)
		}
	}
	if hasValue {
		if value.Empty {
			return level(domain.LevelUnknown)
		}
		score := value.Value
		at := value.CalculatedAt
		return Reading{
			Level:        tenant.Bands.Or(s.bands()).Classify(score),
			Score:        &score,
			CalculatedAt: &at,
		}
	}
	if domain.Horizon(today, s.bus.HorizonDays()).Contains(date) {
		return level(domain.LevelRecalculating)
	}
	return level(domain.LevelUnknown)
}

// recomputedSince reports whether value was written after the key's failed
// trigger, e.g. as a prerequisite of another trigger.
func (s *Service) recomputedSince(ctx context.Context, key domain.MetricKey, value domain.MetricValue) bool {
	failed, ok, err := s.bus.Log().Latest(ctx, key)
	if err != nil || !ok || failed.Status != domain.TriggerFailed {
		return false
	}
	return value.CalculatedAt.After(failed.UpdatedAt)
}

// DatedReading pairs a reading with its date.
type DatedReading struct {
	Date domain.Date `json:"date"`
	Reading
}

// RiskTimeline reads every date of [from, to].
func (s *Service) RiskTimeline(ctx context.Context, tenantID string, kind domain.SubjectKind, subjectID string, from, to domain.Date) []DatedReading {
	var out []DatedReading
	for _, d := range (domain.Window{Start: from, End: to}).Days() {
		out = append(out, DatedReading{Date: d, Reading: s.RiskLevel(ctx, tenantID, kind, subjectID, d)})
	}
	return out
}

// SiteConditionView is one condition of a location on a date.
type SiteConditionView struct {
	LibraryID    string                     `json:"library_id"`
	Handle       string                     `json:"handle,omitempty"`
	Name         string                     `json:"name,omitempty"`
	Applicable   bool                       `json:"applicable"`
	Source       domain.SiteConditionSource `json:"source"`
	Evidence     *domain.Evidence           `json:"evidence,omitempty"`
	CalculatedAt *time.Time                 `json:"calculated_at,omitempty"`
}

// SiteConditions lists the evaluated instances and the non-archived manual
// conditions of a location. A zero date means today.
func (s *Service) SiteConditions(ctx context.Context, tenantID, locationID string, date domain.Date) ([]SiteConditionView, error) {
	if date.IsZero() {
		date = s.Today()
	}
	var instances []domain.SiteConditionInstance
	if s.conditions != nil {
		var err error
		if instances, err = s.conditions.ListLocation(ctx, tenantID, locationID, date); err != nil {
			return nil, fmt.Errorf("list site conditions: %w", err)
		}
	}
	var out []SiteConditionView
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		loc, ok := view.FindLocation(locationID)
		if !ok || loc.TenantID != tenantID {
			return domain.ErrNotFound{Entity: domain.EntityLocation, ID: locationID}
		}
		for _, inst := range instances {
			def, _ := view.FindLibrarySiteCondition(inst.Key.LibraryID)
			evidence := inst.Evidence
			at := inst.CalculatedAt
			out = append(out, SiteConditionView{
				LibraryID:    inst.Key.LibraryID,
				Handle:       def.Handle,
				Name:         def.Name,
				Applicable:   inst.Applicable,
				Source:       domain.SourceEvaluated,
				Evidence:     &evidence,
				CalculatedAt: &at,
			})
		}
		for _, m := range view.ListManualSiteConditions(locationID) {
			if m.Archived() {
				continue
			}
			def, _ := view.FindLibrarySiteCondition(m.LibrarySiteConditionID)
			at := m.CreatedAt
			out = append(out, SiteConditionView{
				LibraryID:    m.LibrarySiteConditionID,
				Handle:       def.Handle,
				Name:         def.Name,
				Applicable:   true,
				Source:       domain.SourceManual,
				CalculatedAt: &at,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LibraryID != out[j].LibraryID {
			return out[i].LibraryID < out[j].LibraryID
		}
		return out[i].Source < out[j].Source
	})
	return out, nil
}
