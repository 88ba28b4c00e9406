package adapters

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"worksafety/internal/blob/core"
)

// Feature is a named geographic point such as a power line crossing or a
// school.
type Feature struct {
	Kind      string  `json:"kind" yaml:"kind"`
	Name      string  `json:"name,omitempty" yaml:"name,omitempty"`
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// GeographySource lists the features known for a tenant.
type GeographySource interface {
	Features(ctx context.Context, tenantID string) ([]Feature, error)
}

type geographyDocument struct {
	Features []Feature `yaml:"features"`
}

// BlobGeography reads geography/<tenant>.yaml documents from a blob store.
// A tenant without a document has no features.
type BlobGeography struct {
	Store core.Store
}

// GeographyKey is the blob key of a tenant's feature document.
func GeographyKey(tenantID string) string { return "geography/" + tenantID + ".yaml" }

func (g BlobGeography) Features(ctx context.Context, tenantID string) ([]Feature, error) {
	raw, err := core.ReadAll(ctx, g.Store, GeographyKey(tenantID))
	if errors.Is(err, core.ErrNotFound) {
		return []Feature{}, nil
	}
	if err != nil {
		return nil, err
	}
	// YAML is a superset of JSON, so JSON documents decode here too.
	var doc geographyDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("geography %s: %w", tenantID, err)
	}
	for i, f := range doc.Features {
		if f.Kind == "" {
			return nil, fmt.Errorf("geography %s: feature %d has no kind", tenantID, i)
		}
	}
	if doc.Features == nil {
		doc.Features = []Feature{}
	}
	return doc.Features, nil
}
