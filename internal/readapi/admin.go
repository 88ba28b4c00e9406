package readapi

import (
	"context"
	"time"

	"worksafety/pkg/domain"
)

// Admin trigger causes.
const (
	CauseRecompute = "admin_recompute"
	CauseRebuild   = "admin_rebuild"
)

// Recompute publishes the full fan-out of one subject.
func (s *Service) Recompute(ctx context.Context, tenantID string, kind domain.SubjectKind, subjectID string) (int, error) {
	return s.bus.Publish(ctx, tenantID, kind, subjectID, CauseRecompute, time.Time{})
}

// Rebuild publishes the fan-out of every non-archived project of the tenant.
func (s *Service) Rebuild(ctx context.Context, tenantID string) (int, error) {
	var projects []domain.Project
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		if _, ok := view.FindTenant(tenantID); !ok {
			return domain.ErrNotFound{Entity: domain.EntityTenant, ID: tenantID}
		}
		for _, p := range view.ListProjects(tenantID) {
			if !p.Archived() {
				projects = append(projects, p)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, p := range projects {
		n, err := s.bus.Publish(ctx, tenantID, domain.SubjectProject, p.ID, CauseRebuild, time.Time{})
		total += n
		if err != nil {
			return total, err
		}
	}
	s.logger.Info("rebuild published", "tenant", tenantID, "projects", len(projects), "triggers", total)
	return total, nil
}

// UpdateBands validates and stores the tenant's bands. Levels are derived at
// read time, so no recomputation is needed.
func (s *Service) UpdateBands(ctx context.Context, tenantID string, bands domain.Bands) error {
	if err := bands.Validate(); err != nil {
		return err
	}
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.UpdateTenant(tenantID, func(t *domain.Tenant) error {
			t.Bands = append(domain.Bands(nil), bands...)
			return nil
		})
		return err
	})
	return err
}

// Bands returns the bands in force for the tenant.
func (s *Service) Bands(ctx context.Context, tenantID string) (domain.Bands, error) {
	var out domain.Bands
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		t, ok := view.FindTenant(tenantID)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityTenant, ID: tenantID}
		}
		out = t.Bands.Or(s.bands())
		return nil
	})
	return out, err
}
