// Package library imports YAML library catalogs into the domain store and
// links their entries to tenants.
package library

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"worksafety/internal/blob/core"
	"worksafety/pkg/domain"
)

// Catalog is the document layout of a library catalog.
type Catalog struct {
	Tenants        []string             `yaml:"tenants,omitempty"`
	Tasks          []TaskEntry          `yaml:"tasks" validate:"dive"`
	Hazards        []HazardEntry        `yaml:"hazards" validate:"dive"`
	Controls       []NamedEntry         `yaml:"controls" validate:"dive"`
	ActivityTypes  []NamedEntry         `yaml:"activity_types" validate:"dive"`
	SiteConditions []SiteConditionEntry `yaml:"site_conditions" validate:"dive"`
}

// TaskEntry is a library task.
type TaskEntry struct {
	ID        string  `yaml:"id" validate:"required"`
	Name      string  `yaml:"name" validate:"required"`
	BaseScore float64 `yaml:"base_score" validate:"gte=0"`
}

// HazardEntry is a library hazard. A zero multiplier is neutral.
type HazardEntry struct {
	ID         string  `yaml:"id" validate:"required"`
	Name       string  `yaml:"name" validate:"required"`
	Multiplier float64 `yaml:"multiplier" validate:"gte=0"`
}

// NamedEntry covers controls and activity types.
type NamedEntry struct {
	ID   string `yaml:"id" validate:"required"`
	Name string `yaml:"name" validate:"required"`
}

// SiteConditionEntry is a site-condition definition. A missing predicate
// makes it manual-only.
type SiteConditionEntry struct {
	ID               string            `yaml:"id" validate:"required"`
	Handle           string            `yaml:"handle" validate:"required"`
	Name             string            `yaml:"name" validate:"required"`
	TaskModifier     *float64          `yaml:"task_modifier,omitempty" validate:"omitempty,gte=0"`
	LocationAdditive float64           `yaml:"location_additive"`
	Predicate        *domain.Predicate `yaml:"predicate,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse decodes and validates a catalog document. Unknown fields are rejected.
func Parse(r io.Reader) (Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return Catalog{}, nil
		}
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// LoadFile parses the catalog at path.
func LoadFile(path string) (Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return Catalog{}, err
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// LoadBlob parses the catalog stored under key.
func LoadBlob(ctx context.Context, store core.Store, key string) (Catalog, error) {
	raw, err := core.ReadAll(ctx, store, key)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog %s: %w", key, err)
	}
	return Parse(bytes.NewReader(raw))
}

// Validate checks field constraints, duplicate IDs and predicates.
func (c Catalog) Validate() error {
	if err := validate.Struct(c); err != nil {
		return domain.DefinitionError{Reason: fmt.Sprintf("catalog: %v", err)}
	}
	seen := map[domain.EntityType]map[string]bool{}
	dup := func(kind domain.EntityType, id string) error {
		if seen[kind] == nil {
			seen[kind] = map[string]bool{}
		}
		if seen[kind][id] {
			return domain.DefinitionError{Reason: fmt.Sprintf("catalog: duplicate %s %q", kind, id)}
		}
		seen[kind][id] = true
		return nil
	}
	for _, t := range c.Tasks {
		if err := dup(domain.EntityLibraryTask, t.ID); err != nil {
			return err
		}
	}
	for _, h := range c.Hazards {
		if err := dup(domain.EntityLibraryHazard, h.ID); err != nil {
			return err
		}
	}
	for _, e := range c.Controls {
		if err := dup(domain.EntityLibraryControl, e.ID); err != nil {
			return err
		}
	}
	for _, e := range c.ActivityTypes {
		if err := dup(domain.EntityLibraryActivityType, e.ID); err != nil {
			return err
		}
	}
	for _, s := range c.SiteConditions {
		if err := dup(domain.EntityLibrarySiteCondition, s.ID); err != nil {
			return err
		}
		if s.Predicate != nil {
			if err := s.Predicate.Validate(); err != nil {
				return domain.DefinitionError{Reason: fmt.Sprintf("catalog: site condition %s: %v", s.ID, err)}
			}
		}
	}
	return nil
}

func (s SiteConditionEntry) definition() domain.LibrarySiteCondition {
	modifier := 1.0
	if s.TaskModifier != nil {
		modifier = *s.TaskModifier
	}
	return domain.LibrarySiteCondition{
		ID:               s.ID,
		Handle:           s.Handle,
		Name:             s.Name,
		TaskModifier:     modifier,
		LocationAdditive: s.LocationAdditive,
		Predicate:        s.Predicate,
	}
}
