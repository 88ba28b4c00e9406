// Package registry holds the static catalogue of metric definitions. Each
// definition declares its subject kind, its inputs as explicit DAG edges and
// the calculator variant that computes it. The registry answers which keys a
// metric depends on, which keys depend on it and which metrics a subject
// change fans out to.
package registry

import (
	"fmt"
	"sort"

	"worksafety/pkg/domain"
)

// Horizon distinguishes dated metrics from point-in-time ones.
type Horizon string

// Metric horizons.
const (
	HorizonDaily       Horizon = "daily"
	HorizonPointInTime Horizon = "point_in_time"
)

// Source names a raw (non-metric) input gathered by the reactor.
type Source string

// Raw input sources.
const (
	SourceTaskProfile    Source = "task_profile"
	SourceSiteConditions Source = "site_conditions"
)

// Input is one declared input of a definition: either a dependency on another
// metric kind reached through a resolver, or a raw source.
type Input struct {
	Kind     domain.MetricKind `json:"kind,omitempty"`
	Resolver Resolver          `json:"resolver,omitempty"`
	Source   Source            `json:"source,omitempty"`
}

// IsDependency reports whether the input is a metric edge.
func (in Input) IsDependency() bool { return in.Kind != "" }

// CalculatorKind tags the calculator variant of a definition.
type CalculatorKind string

// Calculator variants.
const (
	CalcEvaluator     CalculatorKind = "evaluator"
	CalcTaskSpecific  CalculatorKind = "task_specific"
	CalcTotalLocation CalculatorKind = "total_location"
	CalcTotalProject  CalculatorKind = "total_project"
)

// Definition is one registry entry.
type Definition struct {
	Kind       domain.MetricKind  `json:"kind"`
	Subject    domain.SubjectKind `json:"subject_kind"`
	Horizon    Horizon            `json:"horizon"`
	Inputs     []Input            `json:"inputs"`
	Calculator CalculatorKind     `json:"calculator"`
	Reducer    Reducer            `json:"reducer,omitempty"`
	Bands      domain.Bands       `json:"bands,omitempty"`
}

// Dependencies returns the metric-edge inputs in declaration order.
func (d Definition) Dependencies() []Input {
	var out []Input
	for _, in := range d.Inputs {
		if in.IsDependency() {
			out = append(out, in)
		}
	}
	return out
}

// Uses reports whether the definition reads the raw source.
func (d Definition) Uses(src Source) bool {
	for _, in := range d.Inputs {
		if in.Source == src {
			return true
		}
	}
	return false
}

// dependent is a reverse edge: Kind reads the upstream metric through Resolver.
type dependent struct {
	Kind     domain.MetricKind
	Resolver Resolver
}

// Registry is an immutable, validated set of definitions.
type Registry struct {
	defs       map[domain.MetricKind]Definition
	order      []domain.MetricKind
	dependents map[domain.MetricKind][]dependent
	fanout     map[domain.SubjectKind][]FanOutRule
}

func metricSubject(k domain.SubjectKind) bool {
	switch k {
	case domain.SubjectTask, domain.SubjectLocation, domain.SubjectProject:
		return true
	}
	return false
}

func knownCalculator(c CalculatorKind) bool {
	switch c {
	case CalcEvaluator, CalcTaskSpecific, CalcTotalLocation, CalcTotalProject:
		return true
	}
	return false
}

// New validates defs and builds a registry. Invalid input yields a
// domain.DefinitionError.
func New(defs []Definition, fanout map[domain.SubjectKind][]FanOutRule) (*Registry, error) {
	r := &Registry{
		defs:       make(map[domain.MetricKind]Definition, len(defs)),
		dependents: make(map[domain.MetricKind][]dependent),
		fanout:     fanout,
	}
	for _, def := range defs {
		if def.Kind == "" {
			return nil, domain.DefinitionError{Reason: "definition without kind"}
		}
		if _, dup := r.defs[def.Kind]; dup {
			return nil, domain.DefinitionError{Reason: fmt.Sprintf("duplicate definition %s", def.Kind)}
		}
		if !metricSubject(def.Subject) {
			return nil, domain.DefinitionError{Reason: fmt.Sprintf("%s: invalid subject kind %q", def.Kind, def.Subject)}
		}
		if !knownCalculator(def.Calculator) {
			return nil, domain.DefinitionError{Reason: fmt.Sprintf("%s: missing calculator", def.Kind)}
		}
		if def.Horizon == "" {
			def.Horizon = HorizonDaily
		}
		if def.Reducer == "" {
			def.Reducer = ReducerSum
		}
		if !def.Reducer.valid() {
			return nil, domain.DefinitionError{Reason: fmt.Sprintf("%s: unknown reducer %q", def.Kind, def.Reducer)}
		}
		if len(def.Bands) > 0 {
			if err := def.Bands.Validate(); err != nil {
				return nil, err
			}
		}
		r.defs[def.Kind] = def
	}
	for _, def := range defs {
		for _, in := range def.Inputs {
			if err := r.checkInput(def, in); err != nil {
				return nil, err
			}
			if in.IsDependency() {
				r.dependents[in.Kind] = append(r.dependents[in.Kind], dependent{Kind: def.Kind, Resolver: in.Resolver})
			}
		}
	}
	order, err := r.topoSort()
	if err != nil {
		return nil, err
	}
	r.order = order
	for subject, rules := range fanout {
		for _, rule := range rules {
			target, ok := r.defs[rule.Kind]
			if !ok {
				return nil, domain.DefinitionError{Reason: fmt.Sprintf("fan-out %s: unknown kind %s", subject, rule.Kind)}
			}
			from, to, ok := rule.Resolver.signature()
			if rule.Resolver == ResolveSelf {
				from, to = subject, subject
			}
			if !ok || from != subject || to != target.Subject {
				return nil, domain.DefinitionError{Reason: fmt.Sprintf("fan-out %s: resolver %s does not reach %s", subject, rule.Resolver, target.Subject)}
			}
		}
	}
	return r, nil
}

func (r *Registry) checkInput(def Definition, in Input) error {
	if !in.IsDependency() {
		switch in.Source {
		case SourceTaskProfile, SourceSiteConditions:
			return nil
		}
		return domain.DefinitionError{Reason: fmt.Sprintf("%s: input without kind or known source", def.Kind)}
	}
	upstream, ok := r.defs[in.Kind]
	if !ok {
		return domain.DefinitionError{Reason: fmt.Sprintf("%s: unknown dependency %s", def.Kind, in.Kind)}
	}
	from, to, ok := in.Resolver.signature()
	if !ok {
		return domain.DefinitionError{Reason: fmt.Sprintf("%s: unknown resolver %q", def.Kind, in.Resolver)}
	}
	if in.Resolver == ResolveSelf {
		from, to = def.Subject, def.Subject
	}
	if from != def.Subject || to != upstream.Subject {
		return domain.DefinitionError{Reason: fmt.Sprintf("%s: resolver %s maps %s to %s, dependency %s is about %s", def.Kind, in.Resolver, from, to, in.Kind, upstream.Subject)}
	}
	if _, ok := in.Resolver.Inverse(); !ok {
		return domain.DefinitionError{Reason: fmt.Sprintf("%s: resolver %s has no inverse", def.Kind, in.Resolver)}
	}
	return nil
}

// topoSort orders kinds so every dependency precedes its dependents.
func (r *Registry) topoSort() ([]domain.MetricKind, error) {
	indegree := make(map[domain.MetricKind]int, len(r.defs))
	for kind, def := range r.defs {
		indegree[kind] = len(def.Dependencies())
	}
	var ready []domain.MetricKind
	for kind, n := range indegree {
		if n == 0 {
			ready = append(ready, kind)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	var order []domain.MetricKind
	for len(ready) > 0 {
		kind := ready[0]
		ready = ready[1:]
		order = append(order, kind)
		var next []domain.MetricKind
		for _, dep := range r.dependents[kind] {
			indegree[dep.Kind]--
			if indegree[dep.Kind] == 0 {
				next = append(next, dep.Kind)
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		ready = append(ready, next...)
	}
	if len(order) != len(r.defs) {
		var stuck []string
		for kind, n := range indegree {
			if n > 0 {
				stuck = append(stuck, string(kind))
			}
		}
		sort.Strings(stuck)
		return nil, domain.DefinitionError{Reason: fmt.Sprintf("dependency cycle among %v", stuck)}
	}
	return order, nil
}

// Definition looks up a kind.
func (r *Registry) Definition(kind domain.MetricKind) (Definition, bool) {
	def, ok := r.defs[kind]
	return def, ok
}

// Kinds returns every kind in topological order.
func (r *Registry) Kinds() []domain.MetricKind {
	return append([]domain.MetricKind(nil), r.order...)
}

// KindsFor returns the kinds whose subject is kind, in topological order.
func (r *Registry) KindsFor(kind domain.SubjectKind) []domain.MetricKind {
	var out []domain.MetricKind
	for _, k := range r.order {
		if r.defs[k].Subject == kind {
			out = append(out, k)
		}
	}
	return out
}

// Reachable returns every kind reachable downstream from kind, including kind.
func (r *Registry) Reachable(kind domain.MetricKind) []domain.MetricKind {
	seen := map[domain.MetricKind]bool{kind: true}
	queue := []domain.MetricKind{kind}
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		for _, dep := range r.dependents[k] {
			if !seen[dep.Kind] {
				seen[dep.Kind] = true
				queue = append(queue, dep.Kind)
			}
		}
	}
	var out []domain.MetricKind
	for _, k := range r.order {
		if seen[k] {
			out = append(out, k)
		}
	}
	return out
}

// KeyDate normalises date for the kind's horizon.
func (r *Registry) KeyDate(kind domain.MetricKind, date domain.Date) domain.Date {
	if def, ok := r.defs[kind]; ok && def.Horizon == HorizonPointInTime {
		return domain.Date{}
	}
	return date
}

// Prerequisites returns the distinct upstream keys of key whose subjects are
// live at the key's date.
func (r *Registry) Prerequisites(view domain.TransactionView, key domain.MetricKey) []domain.MetricKey {
	def, ok := r.defs[key.Kind]
	if !ok {
		return nil
	}
	seen := map[domain.MetricKey]bool{}
	var out []domain.MetricKey
	for _, in := range def.Dependencies() {
		upstream := r.defs[in.Kind]
		for _, id := range in.Resolver.Resolve(view, key.TenantID, key.SubjectID, key.Date) {
			date := r.KeyDate(in.Kind, key.Date)
			if !Live(view, key.TenantID, upstream.Subject, id, date) {
				continue
			}
			k := domain.MetricKey{TenantID: key.TenantID, Kind: in.Kind, SubjectID: id, Date: date}
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

// Dependents returns the distinct downstream keys of key whose subjects are
// live at the key's date.
func (r *Registry) Dependents(view domain.TransactionView, key domain.MetricKey) []domain.MetricKey {
	seen := map[domain.MetricKey]bool{}
	var out []domain.MetricKey
	for _, dep := range r.dependents[key.Kind] {
		inverse, ok := dep.Resolver.Inverse()
		if !ok {
			continue
		}
		def := r.defs[dep.Kind]
		date := r.KeyDate(dep.Kind, key.Date)
		for _, id := range inverse.Resolve(view, key.TenantID, key.SubjectID, key.Date) {
			if !Live(view, key.TenantID, def.Subject, id, date) {
				continue
			}
			k := domain.MetricKey{TenantID: key.TenantID, Kind: dep.Kind, SubjectID: id, Date: date}
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return r.rank(out[i].Kind) < r.rank(out[j].Kind) })
	return out
}

func (r *Registry) rank(kind domain.MetricKind) int {
	for i, k := range r.order {
		if k == kind {
			return i
		}
	}
	return len(r.order)
}
