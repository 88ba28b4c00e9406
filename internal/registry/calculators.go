package registry

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"

	"worksafety/pkg/domain"
)

// Reducer folds location scores into a project score.
type Reducer string

// Project reducers.
const (
	ReducerSum Reducer = "sum"
	ReducerMax Reducer = "max"
)

func (r Reducer) valid() bool { return r == ReducerSum || r == ReducerMax }

// ParseReducer validates a configured reducer name.
func ParseReducer(s string) (Reducer, error) {
	r := Reducer(s)
	if s == "" {
		return ReducerSum, nil
	}
	if !r.valid() {
		return "", domain.DefinitionError{Reason: fmt.Sprintf("unknown reducer %q", s)}
	}
	return r, nil
}

// Reduce applies the reducer; an empty slice yields 0.
func (r Reducer) Reduce(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	switch r {
	case ReducerMax:
		out := values[0]
		for _, v := range values[1:] {
			if v > out {
				out = v
			}
		}
		return out
	default:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum
	}
}

// TaskProfile is the library-derived risk profile of a task.
type TaskProfile struct {
	LibraryTaskID     string    `json:"library_task_id"`
	BaseScore         float64   `json:"base_score"`
	HazardMultipliers []float64 `json:"hazard_multipliers"`
}

// Condition is one applicable site condition as seen by calculators.
type Condition struct {
	LibraryID        string  `json:"library_id"`
	TaskModifier     float64 `json:"task_modifier"`
	LocationAdditive float64 `json:"location_additive"`
}

// Inputs carries everything a calculator reads. Upstream holds the stored
// values of the prerequisite keys grouped by kind.
type Inputs struct {
	Key            domain.MetricKey                           `json:"key"`
	Upstream       map[domain.MetricKind][]domain.MetricValue `json:"-"`
	TaskProfile    *TaskProfile                               `json:"task_profile,omitempty"`
	SiteConditions []Condition                                `json:"site_conditions,omitempty"`
}

// Fingerprint hashes the resolved inputs. Upstream values contribute only
// their key, value and empty marker, so re-stamped prerequisites do not
// change it.
func (in Inputs) Fingerprint() string {
	h := fnv.New64a()
	write := func(parts ...string) {
		for _, p := range parts {
			_, _ = h.Write([]byte(p))
			_, _ = h.Write([]byte{0})
		}
	}
	write(in.Key.String())
	kinds := make([]string, 0, len(in.Upstream))
	for k := range in.Upstream {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		values := append([]domain.MetricValue(nil), in.Upstream[domain.MetricKind(k)]...)
		sort.Slice(values, func(i, j int) bool { return values[i].Key.SubjectID < values[j].Key.SubjectID })
		for _, v := range values {
			write(v.Key.String(), strconv.FormatFloat(v.Value, 'g', -1, 64), strconv.FormatBool(v.Empty))
		}
	}
	if in.TaskProfile != nil {
		raw, _ := json.Marshal(in.TaskProfile)
		write("profile", string(raw))
	}
	conds := append([]Condition(nil), in.SiteConditions...)
	sort.Slice(conds, func(i, j int) bool { return conds[i].LibraryID < conds[j].LibraryID })
	for _, c := range conds {
		write("cond", c.LibraryID, strconv.FormatFloat(c.TaskModifier, 'g', -1, 64), strconv.FormatFloat(c.LocationAdditive, 'g', -1, 64))
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// Output is a calculator result.
type Output struct {
	Value float64
	Empty bool
}

// Calculate runs the pure calculator of def. The evaluator variant is not a
// pure calculator and is rejected here.
func Calculate(def Definition, in Inputs) (Output, error) {
	switch def.Calculator {
	case CalcTaskSpecific:
		return taskSpecific(in), nil
	case CalcTotalLocation:
		return totalLocation(in), nil
	case CalcTotalProject:
		return totalProject(def.Reducer, in), nil
	case CalcEvaluator:
		return Output{}, domain.DefinitionError{Reason: fmt.Sprintf("%s: evaluator runs outside Calculate", def.Kind)}
	}
	return Output{}, domain.DefinitionError{Reason: fmt.Sprintf("%s: missing calculator", def.Kind)}
}

// taskSpecific is base x hazard multipliers x site-condition task modifiers.
func taskSpecific(in Inputs) Output {
	if in.TaskProfile == nil {
		return Output{Empty: true}
	}
	score := in.TaskProfile.BaseScore
	for _, m := range in.TaskProfile.HazardMultipliers {
		score *= m
	}
	for _, c := range in.SiteConditions {
		score *= c.TaskModifier
	}
	return Output{Value: score}
}

// totalLocation sums active task scores and location additive terms.
func totalLocation(in Inputs) Output {
	var (
		sum     float64
		members int
	)
	for _, v := range in.Upstream[domain.KindTaskSpecificRisk] {
		if v.Empty {
			continue
		}
		sum += v.Value
		members++
	}
	for _, c := range in.SiteConditions {
		if c.LocationAdditive != 0 {
			sum += c.LocationAdditive
			members++
		}
	}
	if members == 0 {
		return Output{Empty: true}
	}
	return Output{Value: sum}
}

func totalProject(reducer Reducer, in Inputs) Output {
	var values []float64
	for _, v := range in.Upstream[domain.KindTotalLocationRisk] {
		if !v.Empty {
			values = append(values, v.Value)
		}
	}
	if len(values) == 0 {
		return Output{Empty: true}
	}
	return Output{Value: reducer.Reduce(values)}
}
