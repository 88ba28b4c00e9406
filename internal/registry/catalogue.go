package registry

import "worksafety/pkg/domain"

// DefaultDefinitions is the built-in metric catalogue.
func DefaultDefinitions(reducer Reducer) []Definition {
	return []Definition{
		{
			Kind:       domain.KindSiteConditionSweep,
			Subject:    domain.SubjectLocation,
			Horizon:    HorizonDaily,
			Calculator: CalcEvaluator,
		},
		{
			Kind:    domain.KindTaskSpecificRisk,
			Subject: domain.SubjectTask,
			Horizon: HorizonDaily,
			Inputs: []Input{
				{Kind: domain.KindSiteConditionSweep, Resolver: ResolveTaskLocation},
				{Source: SourceTaskProfile},
				{Source: SourceSiteConditions},
			},
			Calculator: CalcTaskSpecific,
		},
		{
			Kind:    domain.KindTotalLocationRisk,
			Subject: domain.SubjectLocation,
			Horizon: HorizonDaily,
			Inputs: []Input{
				{Kind: domain.KindTaskSpecificRisk, Resolver: ResolveActiveLocationTasks},
				{Kind: domain.KindSiteConditionSweep, Resolver: ResolveSelf},
				{Source: SourceSiteConditions},
			},
			Calculator: CalcTotalLocation,
		},
		{
			Kind:    domain.KindTotalProjectRisk,
			Subject: domain.SubjectProject,
			Horizon: HorizonDaily,
			Inputs: []Input{
				{Kind: domain.KindTotalLocationRisk, Resolver: ResolveProjectLocations},
			},
			Calculator: CalcTotalProject,
			Reducer:    reducer,
		},
	}
}

// Default builds the validated built-in registry.
func Default(reducer Reducer) (*Registry, error) {
	return New(DefaultDefinitions(reducer), DefaultFanOut())
}
