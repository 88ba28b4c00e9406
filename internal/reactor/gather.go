package reactor

import (
	"context"
	"fmt"
	"sort"

	"worksafety/internal/registry"
	"worksafety/pkg/domain"
)

// gather resolves the raw inputs a definition declares.
func (r *run) gather(ctx context.Context, def registry.Definition, key domain.MetricKey, upstream map[domain.MetricKind][]domain.MetricValue) (registry.Inputs, error) {
	in := registry.Inputs{Key: key, Upstream: upstream}
	if def.Uses(registry.SourceTaskProfile) {
		in.TaskProfile = r.taskProfile(key)
	}
	if def.Uses(registry.SourceSiteConditions) {
		locationID := key.SubjectID
		if def.Subject == domain.SubjectTask {
			task, ok := r.view.FindTask(key.SubjectID)
			if !ok {
				return in, nil
			}
			locationID = task.LocationID
		}
		conds, err := r.siteConditions(ctx, key.TenantID, locationID, key.Date)
		if err != nil {
			return registry.Inputs{}, err
		}
		in.SiteConditions = conds
	}
	return in, nil
}

// taskProfile reads the library entry of the task. Tasks whose library task
// is missing or not linked to the tenant have no profile and score empty.
func (r *run) taskProfile(key domain.MetricKey) *registry.TaskProfile {
	task, ok := r.view.FindTask(key.SubjectID)
	if !ok || task.LibraryTaskID == "" {
		return nil
	}
	lib, ok := r.view.FindLibraryTask(task.LibraryTaskID)
	if !ok || !r.view.LibraryVisible(key.TenantID, domain.EntityLibraryTask, lib.ID) {
		return nil
	}
	profile := &registry.TaskProfile{LibraryTaskID: lib.ID, BaseScore: lib.BaseScore}
	for _, h := range task.Hazards {
		if !h.Applicable {
			continue
		}
		hazard, ok := r.view.FindLibraryHazard(h.LibraryHazardID)
		if !ok {
			continue
		}
		m := hazard.Multiplier
		if m == 0 {
			m = 1
		}
		profile.HazardMultipliers = append(profile.HazardMultipliers, m)
	}
	return profile
}

// siteConditions is the union of applicable evaluated instances and
// non-archived manual conditions at the location.
func (r *run) siteConditions(ctx context.Context, tenantID, locationID string, date domain.Date) ([]registry.Condition, error) {
	ids := map[string]bool{}
	if r.m.conditions != nil {
		instances, err := r.m.conditions.ListLocation(ctx, tenantID, locationID, date)
		if err != nil {
			return nil, domain.Transient(fmt.Errorf("list site conditions: %w", err))
		}
		for _, inst := range instances {
			if inst.Applicable {
				ids[inst.Key.LibraryID] = true
			}
		}
	}
	for _, manual := range r.view.ListManualSiteConditions(locationID) {
		if manual.TenantID == tenantID && !manual.Archived() {
			ids[manual.LibrarySiteConditionID] = true
		}
	}
	out := make([]registry.Condition, 0, len(ids))
	for id := range ids {
		def, ok := r.view.FindLibrarySiteCondition(id)
		if !ok {
			continue
		}
		out = append(out, registry.Condition{
			LibraryID:        def.ID,
			TaskModifier:     def.EffectiveTaskModifier(),
			LocationAdditive: def.LocationAdditive,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LibraryID < out[j].LibraryID })
	return out, nil
}
