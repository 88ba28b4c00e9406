package library

import (
	"context"
	"fmt"
	"sort"

	"worksafety/pkg/domain"
)

// Summary counts what an import wrote.
type Summary struct {
	Tasks          int      `json:"tasks"`
	Hazards        int      `json:"hazards"`
	Controls       int      `json:"controls"`
	ActivityTypes  int      `json:"activity_types"`
	SiteConditions int      `json:"site_conditions"`
	Links          int      `json:"links"`
	Tenants        []string `json:"tenants"`
}

// Import upserts every catalog entry and links it to the catalog's tenants
// plus extra, all in one transaction. The returned tenants are the ones whose
// scores may have changed.
func Import(ctx context.Context, store domain.PersistentStore, c Catalog, extra ...string) (Summary, error) {
	var s Summary
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		s, err = Apply(tx, c, extra...)
		return err
	})
	if err != nil {
		return Summary{}, fmt.Errorf("import catalog: %w", err)
	}
	return s, nil
}

// Apply writes the catalog inside an existing transaction.
func Apply(tx domain.Transaction, c Catalog, extra ...string) (Summary, error) {
	if err := c.Validate(); err != nil {
		return Summary{}, err
	}
	tenants := dedupe(append(append([]string(nil), c.Tenants...), extra...))
	s := Summary{Tenants: tenants}
	link := func(kind domain.EntityType, id string) error {
		for _, tenant := range tenants {
			if err := tx.LinkLibrary(domain.TenantLibraryLink{TenantID: tenant, Kind: kind, LibraryID: id}); err != nil {
				return err
			}
			s.Links++
		}
		return nil
	}
	for _, t := range c.Tasks {
		if err := tx.PutLibraryTask(domain.LibraryTask{ID: t.ID, Name: t.Name, BaseScore: t.BaseScore}); err != nil {
			return Summary{}, err
		}
		if err := link(domain.EntityLibraryTask, t.ID); err != nil {
			return Summary{}, err
		}
		s.Tasks++
	}
	for _, h := range c.Hazards {
		if err := tx.PutLibraryHazard(domain.LibraryHazard{ID: h.ID, Name: h.Name, Multiplier: h.Multiplier}); err != nil {
			return Summary{}, err
		}
		if err := link(domain.EntityLibraryHazard, h.ID); err != nil {
			return Summary{}, err
		}
		s.Hazards++
	}
	for _, e := range c.Controls {
		if err := tx.PutLibraryControl(domain.LibraryControl{ID: e.ID, Name: e.Name}); err != nil {
			return Summary{}, err
		}
		if err := link(domain.EntityLibraryControl, e.ID); err != nil {
			return Summary{}, err
		}
		s.Controls++
	}
	for _, e := range c.ActivityTypes {
		if err := tx.PutLibraryActivityType(domain.LibraryActivityType{ID: e.ID, Name: e.Name}); err != nil {
			return Summary{}, err
		}
		if err := link(domain.EntityLibraryActivityType, e.ID); err != nil {
			return Summary{}, err
		}
		s.ActivityTypes++
	}
	for _, sc := range c.SiteConditions {
		if err := tx.PutLibrarySiteCondition(sc.definition()); err != nil {
			return Summary{}, err
		}
		if err := link(domain.EntityLibrarySiteCondition, sc.ID); err != nil {
			return Summary{}, err
		}
		s.SiteConditions++
	}
	return s, nil
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
