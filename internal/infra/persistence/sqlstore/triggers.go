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

var _ domain.TriggerLog = (*TriggerLog)(nil)

// TriggerLog persists triggers in trigger_log.
type TriggerLog struct {
	db *sql.DB
	d  Dialect
}

// NewTriggerLog wraps a migrated database.
func NewTriggerLog(db *sql.DB, d Dialect) *TriggerLog {
	return &TriggerLog{db: db, d: d}
}

const upsertTrigger = `INSERT INTO trigger_log (id, tenant_id, kind, subject_id, day, status, causes, as_of, enqueued_at, updated_at, attempts, replays, next_attempt_at, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	status = excluded.status,
	causes = excluded.causes,
	as_of = excluded.as_of,
	updated_at = excluded.updated_at,
	attempts = excluded.attempts,
	replays = excluded.replays,
	next_attempt_at = excluded.next_attempt_at,
	last_error = excluded.last_error`

// Save upserts every trigger in one transaction.
func (l *TriggerLog) Save(ctx context.Context, triggers ...domain.Trigger) error {
	if len(triggers) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transient(fmt.Errorf("begin trigger tx: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	stmt := l.d.Rebind(upsertTrigger)
	for _, t := range triggers {
		causes, err := json.Marshal(t.Causes)
		if err != nil {
			return fmt.Errorf("encode causes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, stmt,
			t.ID, t.Key.TenantID, string(t.Key.Kind), t.Key.SubjectID, t.Key.Date.String(),
			string(t.Status), string(causes), nanos(t.AsOf), nanos(t.EnqueuedAt), nanos(t.UpdatedAt),
			t.Attempts, t.Replays, nanos(t.NextAttemptAt), t.LastError); err != nil {
			return domain.Transient(fmt.Errorf("save trigger %s: %w", t.ID, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Transient(fmt.Errorf("commit triggers: %w", err))
	}
	committed = true
	return nil
}

const selectTrigger = `SELECT id, tenant_id, kind, subject_id, day, status, causes, as_of, enqueued_at, updated_at, attempts, replays, next_attempt_at, last_error FROM trigger_log`

func (l *TriggerLog) Open(ctx context.Context) ([]domain.Trigger, error) {
	return l.query(ctx, selectTrigger+` WHERE status IN (?, ?) ORDER BY enqueued_at, id`,
		string(domain.TriggerPending), string(domain.TriggerRunning))
}

func (l *TriggerLog) Failed(ctx context.Context, tenantID string) ([]domain.Trigger, error) {
	return l.query(ctx, selectTrigger+` WHERE status = ? AND tenant_id = ? ORDER BY enqueued_at, id`,
		string(domain.TriggerFailed), tenantID)
}

func (l *TriggerLog) Latest(ctx context.Context, key domain.MetricKey) (domain.Trigger, bool, error) {
	out, err := l.query(ctx, selectTrigger+` WHERE tenant_id = ? AND kind = ? AND subject_id = ? AND day = ? ORDER BY updated_at DESC LIMIT 1`,
		key.TenantID, string(key.Kind), key.SubjectID, key.Date.String())
	if err != nil || len(out) == 0 {
		return domain.Trigger{}, false, err
	}
	return out[0], true, nil
}

func (l *TriggerLog) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := l.db.ExecContext(ctx, l.d.Rebind(`DELETE FROM trigger_log WHERE status = ? AND updated_at < ?`),
		string(domain.TriggerDone), nanos(before))
	if err != nil {
		return 0, fmt.Errorf("prune triggers: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (l *TriggerLog) query(ctx context.Context, query string, args ...any) ([]domain.Trigger, error) {
	rows, err := l.db.QueryContext(ctx, l.d.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate triggers: %w", err)
	}
	return out, nil
}

func scanTrigger(row scanner) (domain.Trigger, error) {
	var (
		t                               domain.Trigger
		kind, day, status, causes       string
		asOf, enqueued, updated, nextAt int64
	)
	if err := row.Scan(&t.ID, &t.Key.TenantID, &kind, &t.Key.SubjectID, &day, &status, &causes,
		&asOf, &enqueued, &updated, &t.Attempts, &t.Replays, &nextAt, &t.LastError); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Trigger{}, err
		}
		return domain.Trigger{}, fmt.Errorf("scan trigger: %w", err)
	}
	date, err := parseDay(day)
	if err != nil {
		return domain.Trigger{}, err
	}
	if err := json.Unmarshal([]byte(causes), &t.Causes); err != nil {
		return domain.Trigger{}, fmt.Errorf("decode causes: %w", err)
	}
	t.Key.Kind = domain.MetricKind(kind)
	t.Key.Date = date
	t.Status = domain.TriggerStatus(status)
	t.AsOf = fromNanos(asOf)
	t.EnqueuedAt = fromNanos(enqueued)
	t.UpdatedAt = fromNanos(updated)
	t.NextAttemptAt = fromNanos(nextAt)
	return t, nil
}
