package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"worksafety/internal/infra/persistence/memory"
	"worksafety/pkg/domain"
)

var _ domain.PersistentStore = (*DomainStore)(nil)

// DomainStore runs transactions on an in-memory store and snapshots the
// committed state into the state table. It also hands out the table-backed
// metric store, site-condition store and trigger log sharing the same pool.
type DomainStore struct {
	*memory.Store
	db *sql.DB
	d  Dialect
	mu sync.Mutex

	metrics    *MetricStore
	conditions *SiteConditionStore
	triggers   *TriggerLog
}

// Open migrates db and hydrates the domain state from the last snapshot.
func Open(ctx context.Context, db *sql.DB, d Dialect, engine *domain.RulesEngine) (*DomainStore, error) {
	if err := Migrate(ctx, db, d); err != nil {
		return nil, err
	}
	snapshot, err := LoadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore(engine)
	mem.ImportState(snapshot)
	return &DomainStore{
		Store:      mem,
		db:         db,
		d:          d,
		metrics:    NewMetricStore(db, d),
		conditions: NewSiteConditionStore(db, d),
		triggers:   NewTriggerLog(db, d),
	}, nil
}

// RunInTransaction commits fn in memory, then snapshots to the database.
func (s *DomainStore) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if err := s.persist(ctx); err != nil {
		return res, err
	}
	return res, nil
}

func (s *DomainStore) persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := SaveSnapshot(ctx, s.db, s.d, s.ExportState()); err != nil {
		return fmt.Errorf("persist %s snapshot: %w", s.d.Name, err)
	}
	return nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *DomainStore) DB() *sql.DB { return s.db }

// Dialect reports the SQL dialect in use.
func (s *DomainStore) Dialect() Dialect { return s.d }

func (s *DomainStore) Metrics() domain.MetricStore { return s.metrics }

func (s *DomainStore) SiteConditions() domain.SiteConditionStore { return s.conditions }

func (s *DomainStore) Triggers() domain.TriggerLog { return s.triggers }

// Close releases the connection pool.
func (s *DomainStore) Close() error { return s.db.Close() }
