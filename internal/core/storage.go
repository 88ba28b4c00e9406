package core

import (
	"context"
	"fmt"

	"worksafety/internal/infra/persistence/memory"
	"worksafety/internal/infra/persistence/postgres"
	"worksafety/internal/infra/persistence/sqlite"
	"worksafety/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageConfig selects the backend. An empty driver means sqlite.
type StorageConfig struct {
	Driver      string `mapstructure:"driver" validate:"omitempty,oneof=memory sqlite postgres"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// Storage bundles the domain store with the value stores and trigger log of
// the same backend.
type Storage struct {
	Driver     StorageDriver
	Domain     domain.PersistentStore
	Metrics    domain.MetricStore
	Conditions domain.SiteConditionStore
	Triggers   domain.TriggerLog
	close      func() error
}

// Close releases the backend.
func (s *Storage) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Memory exposes the in-memory domain store when the driver is memory.
func (s *Storage) Memory() (*memory.Store, bool) {
	m, ok := s.Domain.(*memory.Store)
	return m, ok
}

// OpenStorage constructs the configured backend with engine installed. A nil
// engine commits without evaluating any rules.
func OpenStorage(ctx context.Context, cfg StorageConfig, engine *domain.RulesEngine) (*Storage, error) {
	driver := StorageDriver(cfg.Driver)
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return &Storage{
			Driver:     driver,
			Domain:     memory.NewStore(engine),
			Metrics:    memory.NewMetricStore(),
			Conditions: memory.NewSiteConditionStore(),
			Triggers:   memory.NewTriggerLog(),
		}, nil
	case StorageSQLite:
		s, err := sqlite.NewStore(cfg.SQLitePath, engine)
		if err != nil {
			return nil, err
		}
		return &Storage{Driver: driver, Domain: s, Metrics: s.Metrics(), Conditions: s.SiteConditions(), Triggers: s.Triggers(), close: s.Close}, nil
	case StoragePostgres:
		s, err := postgres.NewStore(ctx, cfg.PostgresDSN, engine)
		if err != nil {
			return nil, err
		}
		return &Storage{Driver: driver, Domain: s, Metrics: s.Metrics(), Conditions: s.SiteConditions(), Triggers: s.Triggers(), close: s.Close}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}
