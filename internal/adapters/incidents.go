package adapters

import (
	"context"
	"sort"

	"worksafety/pkg/domain"
)

// Viewer opens read-only domain snapshots.
type Viewer interface {
	View(ctx context.Context, fn func(domain.TransactionView) error) error
}

// IncidentSource lists a tenant's incident history.
type IncidentSource interface {
	Incidents(ctx context.Context, tenantID string) ([]domain.Incident, error)
}

// StoreIncidents reads incidents from the domain store.
type StoreIncidents struct {
	Store Viewer
}

// Incidents returns the tenant's incidents ordered by occurrence.
func (s StoreIncidents) Incidents(ctx context.Context, tenantID string) ([]domain.Incident, error) {
	var out []domain.Incident
	err := s.Store.View(ctx, func(view domain.TransactionView) error {
		out = view.ListIncidents(tenantID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}
