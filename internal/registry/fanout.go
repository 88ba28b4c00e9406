package registry

import (
	"worksafety/pkg/domain"
)

// FanOutRule retriggers Kind for every subject reached through Resolver when
// a subject of the rule's key kind changes.
type FanOutRule struct {
	Kind     domain.MetricKind
	Resolver Resolver
}

// DefaultFanOut is the change fan-out of the built-in catalogue.
func DefaultFanOut() map[domain.SubjectKind][]FanOutRule {
	return map[domain.SubjectKind][]FanOutRule{
		domain.SubjectProject: {
			{Kind: domain.KindTotalProjectRisk, Resolver: ResolveSelf},
			{Kind: domain.KindSiteConditionSweep, Resolver: ResolveProjectLocations},
			{Kind: domain.KindTotalLocationRisk, Resolver: ResolveProjectLocations},
			{Kind: domain.KindTaskSpecificRisk, Resolver: ResolveProjectTasks},
		},
		domain.SubjectLocation: {
			{Kind: domain.KindSiteConditionSweep, Resolver: ResolveSelf},
			{Kind: domain.KindTotalLocationRisk, Resolver: ResolveSelf},
			{Kind: domain.KindTaskSpecificRisk, Resolver: ResolveLocationTasks},
			{Kind: domain.KindTotalProjectRisk, Resolver: ResolveLocationProject},
		},
		domain.SubjectActivity: {
			{Kind: domain.KindTaskSpecificRisk, Resolver: ResolveActivityTasks},
			{Kind: domain.KindTotalLocationRisk, Resolver: ResolveActivityLocation},
			{Kind: domain.KindTotalProjectRisk, Resolver: ResolveActivityProject},
		},
		domain.SubjectTask: {
			{Kind: domain.KindTaskSpecificRisk, Resolver: ResolveSelf},
			{Kind: domain.KindTotalLocationRisk, Resolver: ResolveTaskLocation},
			{Kind: domain.KindTotalProjectRisk, Resolver: ResolveTaskProject},
		},
	}
}

// Target is one (kind, subject) retriggered by a change, with the dates the
// key should be computed for.
type Target struct {
	Kind      domain.MetricKind
	Subject   domain.SubjectKind
	SubjectID string
	Dates     []domain.Date
}

// Keys expands the target into metric keys.
func (t Target) Keys(tenantID string) []domain.MetricKey {
	keys := make([]domain.MetricKey, 0, len(t.Dates))
	for _, d := range t.Dates {
		keys = append(keys, domain.MetricKey{TenantID: tenantID, Kind: t.Kind, SubjectID: t.SubjectID, Date: d})
	}
	return keys
}

// FanOut derives every metric key affected by a change to (kind, id). Each
// target gets the dates of horizon that fall inside its own active window;
// point-in-time kinds get one zero date. Archived targets are included so
// their pending triggers drive reads to RECALCULATING then UNKNOWN.
func (r *Registry) FanOut(view domain.TransactionView, tenantID string, kind domain.SubjectKind, id string, horizon domain.Window) []Target {
	var out []Target
	seen := map[string]bool{}
	for _, rule := range r.fanout[kind] {
		def := r.defs[rule.Kind]
		for _, sid := range rule.Resolver.Resolve(view, tenantID, id, domain.Date{}) {
			mark := string(rule.Kind) + "/" + sid
			if seen[mark] {
				continue
			}
			seen[mark] = true
			subject, ok := Lookup(view, tenantID, def.Subject, sid)
			if !ok {
				continue
			}
			target := Target{Kind: rule.Kind, Subject: def.Subject, SubjectID: sid}
			if def.Horizon == HorizonPointInTime {
				target.Dates = []domain.Date{{}}
			} else if w, ok := subject.Window.Intersect(horizon); ok && subject.Window.Valid() {
				target.Dates = w.Days()
			}
			if len(target.Dates) > 0 {
				out = append(out, target)
			}
		}
	}
	return out
}

// FanOutKeys flattens FanOut into keys.
func (r *Registry) FanOutKeys(view domain.TransactionView, tenantID string, kind domain.SubjectKind, id string, horizon domain.Window) []domain.MetricKey {
	var keys []domain.MetricKey
	for _, t := range r.FanOut(view, tenantID, kind, id, horizon) {
		keys = append(keys, t.Keys(tenantID)...)
	}
	return keys
}
