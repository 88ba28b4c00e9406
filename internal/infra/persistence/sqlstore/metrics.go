package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"worksafety/pkg/domain"
)

var (
	_ domain.MetricStore        = (*MetricStore)(nil)
	_ domain.SiteConditionStore = (*SiteConditionStore)(nil)
)

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func parseDay(s string) (domain.Date, error) {
	d, err := domain.ParseDate(s)
	if err != nil {
		return domain.Date{}, fmt.Errorf("decode day: %w", err)
	}
	return d, nil
}

// affected reports whether the statement touched a row.
func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MetricStore persists metric values in the metric_value table.
type MetricStore struct {
	db *sql.DB
	d  Dialect
}

// NewMetricStore wraps a migrated database.
func NewMetricStore(db *sql.DB, d Dialect) *MetricStore {
	return &MetricStore{db: db, d: d}
}

const upsertMetric = `INSERT INTO metric_value (tenant_id, kind, subject_id, day, value, empty, inputs_hash, calculated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (tenant_id, kind, subject_id, day) DO UPDATE SET
	value = excluded.value,
	empty = excluded.empty,
	inputs_hash = excluded.inputs_hash,
	calculated_at = excluded.calculated_at
WHERE excluded.calculated_at > metric_value.calculated_at`

// Upsert writes v when no row with a later or equal calculated_at exists.
func (s *MetricStore) Upsert(ctx context.Context, v domain.MetricValue) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.d.Rebind(upsertMetric),
		v.Key.TenantID, string(v.Key.Kind), v.Key.SubjectID, v.Key.Date.String(),
		v.Value, v.Empty, v.InputsHash, nanos(v.CalculatedAt))
	if err != nil {
		return false, domain.Transient(fmt.Errorf("upsert metric %s: %w", v.Key, err))
	}
	return affected(res)
}

const selectMetric = `SELECT tenant_id, kind, subject_id, day, value, empty, inputs_hash, calculated_at FROM metric_value`

func (s *MetricStore) Get(ctx context.Context, key domain.MetricKey) (domain.MetricValue, bool, error) {
	row := s.db.QueryRowContext(ctx, s.d.Rebind(selectMetric+` WHERE tenant_id = ? AND kind = ? AND subject_id = ? AND day = ?`),
		key.TenantID, string(key.Kind), key.SubjectID, key.Date.String())
	v, err := scanMetric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MetricValue{}, false, nil
	}
	if err != nil {
		return domain.MetricValue{}, false, err
	}
	return v, true, nil
}

func (s *MetricStore) Range(ctx context.Context, tenantID string, kind domain.MetricKind, subjectID string, from, to domain.Date) ([]domain.MetricValue, error) {
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(selectMetric+` WHERE tenant_id = ? AND kind = ? AND subject_id = ? AND day >= ? AND day <= ? ORDER BY day`),
		tenantID, string(kind), subjectID, from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("range metrics: %w", err)
	}
	return collectMetrics(rows)
}

func (s *MetricStore) ListSubject(ctx context.Context, tenantID, subjectID string, date domain.Date) ([]domain.MetricValue, error) {
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(selectMetric+` WHERE tenant_id = ? AND subject_id = ? AND day = ? ORDER BY kind`),
		tenantID, subjectID, date.String())
	if err != nil {
		return nil, fmt.Errorf("list subject metrics: %w", err)
	}
	return collectMetrics(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMetric(row scanner) (domain.MetricValue, error) {
	var (
		v          domain.MetricValue
		kind, day  string
		calculated int64
	)
	if err := row.Scan(&v.Key.TenantID, &kind, &v.Key.SubjectID, &day, &v.Value, &v.Empty, &v.InputsHash, &calculated); err != nil {
		return domain.MetricValue{}, err
	}
	date, err := parseDay(day)
	if err != nil {
		return domain.MetricValue{}, err
	}
	v.Key.Kind = domain.MetricKind(kind)
	v.Key.Date = date
	v.CalculatedAt = fromNanos(calculated)
	return v, nil
}

func collectMetrics(rows *sql.Rows) ([]domain.MetricValue, error) {
	defer func() { _ = rows.Close() }()
	var out []domain.MetricValue
	for rows.Next() {
		v, err := scanMetric(rows)
		if err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SiteConditionStore persists evaluator output in site_condition_instance.
type SiteConditionStore struct {
	db *sql.DB
	d  Dialect
}

// NewSiteConditionStore wraps a migrated database.
func NewSiteConditionStore(db *sql.DB, d Dialect) *SiteConditionStore {
	return &SiteConditionStore{db: db, d: d}
}

const upsertInstance = `INSERT INTO site_condition_instance (tenant_id, location_id, library_id, day, applicable, source, evidence, calculated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (tenant_id, location_id, library_id, day) DO UPDATE SET
	applicable = excluded.applicable,
	source = excluded.source,
	evidence = excluded.evidence,
	calculated_at = excluded.calculated_at
WHERE excluded.calculated_at > site_condition_instance.calculated_at`

func (s *SiteConditionStore) Put(ctx context.Context, inst domain.SiteConditionInstance) (bool, error) {
	evidence, err := json.Marshal(inst.Evidence)
	if err != nil {
		return false, fmt.Errorf("encode evidence: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.d.Rebind(upsertInstance),
		inst.Key.TenantID, inst.Key.LocationID, inst.Key.LibraryID, inst.Key.Date.String(),
		inst.Applicable, string(inst.Source), evidence, nanos(inst.CalculatedAt))
	if err != nil {
		return false, domain.Transient(fmt.Errorf("put site condition %s/%s: %w", inst.Key.LocationID, inst.Key.LibraryID, err))
	}
	return affected(res)
}

const selectInstance = `SELECT tenant_id, location_id, library_id, day, applicable, source, evidence, calculated_at FROM site_condition_instance`

func (s *SiteConditionStore) Get(ctx context.Context, key domain.SiteConditionKey) (domain.SiteConditionInstance, bool, error) {
	row := s.db.QueryRowContext(ctx, s.d.Rebind(selectInstance+` WHERE tenant_id = ? AND location_id = ? AND library_id = ? AND day = ?`),
		key.TenantID, key.LocationID, key.LibraryID, key.Date.String())
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SiteConditionInstance{}, false, nil
	}
	if err != nil {
		return domain.SiteConditionInstance{}, false, err
	}
	return inst, true, nil
}

func (s *SiteConditionStore) ListLocation(ctx context.Context, tenantID, locationID string, date domain.Date) ([]domain.SiteConditionInstance, error) {
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(selectInstance+` WHERE tenant_id = ? AND location_id = ? AND day = ? ORDER BY library_id`),
		tenantID, locationID, date.String())
	if err != nil {
		return nil, fmt.Errorf("list site conditions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.SiteConditionInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan site condition: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstance(row scanner) (domain.SiteConditionInstance, error) {
	var (
		inst       domain.SiteConditionInstance
		day, src   string
		evidence   []byte
		calculated int64
	)
	if err := row.Scan(&inst.Key.TenantID, &inst.Key.LocationID, &inst.Key.LibraryID, &day, &inst.Applicable, &src, &evidence, &calculated); err != nil {
		return domain.SiteConditionInstance{}, err
	}
	date, err := parseDay(day)
	if err != nil {
		return domain.SiteConditionInstance{}, err
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &inst.Evidence); err != nil {
			return domain.SiteConditionInstance{}, fmt.Errorf("decode evidence: %w", err)
		}
	}
	inst.Key.Date = date
	inst.Source = domain.SiteConditionSource(src)
	inst.CalculatedAt = fromNanos(calculated)
	return inst, nil
}
