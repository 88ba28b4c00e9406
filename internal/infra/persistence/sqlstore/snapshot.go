package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"worksafety/internal/infra/persistence/memory"
)

// bucketTargets maps state buckets onto the snapshot fields they hold.
func bucketTargets(s *memory.Snapshot) map[string]any {
	return map[string]any{
		"tenants":                 &s.Tenants,
		"projects":                &s.Projects,
		"locations":               &s.Locations,
		"activities":              &s.Activities,
		"tasks":                   &s.Tasks,
		"incidents":               &s.Incidents,
		"manual_site_conditions":  &s.ManualConditions,
		"library_tasks":           &s.LibraryTasks,
		"library_hazards":         &s.LibraryHazards,
		"library_controls":        &s.LibraryControls,
		"library_activity_types":  &s.LibraryActivityTypes,
		"library_site_conditions": &s.LibrarySiteConds,
		"tenant_library_links":    &s.LibraryLinks,
	}
}

// Buckets lists the snapshot buckets in write order.
var Buckets = []string{
	"tenants",
	"projects",
	"locations",
	"activities",
	"tasks",
	"incidents",
	"manual_site_conditions",
	"library_tasks",
	"library_hazards",
	"library_controls",
	"library_activity_types",
	"library_site_conditions",
	"tenant_library_links",
}

// LoadSnapshot reads the domain snapshot from the state table.
func LoadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	targets := bucketTargets(&snapshot)
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan state: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		if target, ok := targets[bucket]; ok {
			if err := json.Unmarshal(payload, target); err != nil {
				return memory.Snapshot{}, fmt.Errorf("decode %s: %w", bucket, err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate state: %w", err)
	}
	return snapshot, nil
}

// SaveSnapshot writes every bucket in one transaction.
func SaveSnapshot(ctx context.Context, db *sql.DB, d Dialect, snapshot memory.Snapshot) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	targets := bucketTargets(&snapshot)
	upsert := d.Rebind(`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`)
	for _, bucket := range Buckets {
		data, err := json.Marshal(targets[bucket])
		if err != nil {
			return fmt.Errorf("encode %s: %w", bucket, err)
		}
		if _, err := tx.ExecContext(ctx, upsert, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}
