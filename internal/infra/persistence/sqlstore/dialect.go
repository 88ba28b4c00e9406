// Package sqlstore implements the metric store, the site-condition store, the
// trigger log and the domain snapshot table on database/sql. The same code
// serves sqlite and postgres; a Dialect rewrites placeholders and selects the
// embedded goose migrations.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// Dialect captures the differences between the supported SQL engines.
type Dialect struct {
	Name  string
	goose goose.Dialect
	dir   string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
}

var (
	// SQLite targets modernc.org/sqlite.
	SQLite = Dialect{Name: "sqlite", goose: goose.DialectSQLite3, dir: "migrations/sqlite"}
	// Postgres targets pgx through database/sql.
	Postgres = Dialect{Name: "postgres", goose: goose.DialectPostgres, dir: "migrations/postgres", numbered: true}
)

// Rebind rewrites ? placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Migrate applies every pending embedded migration for the dialect.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	fsys, err := fs.Sub(migrations, d.dir)
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(d.goose, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrate %s: %w", d.Name, err)
	}
	return nil
}

// MigrationVersion reports the applied schema version.
func MigrationVersion(ctx context.Context, db *sql.DB, d Dialect) (int64, error) {
	fsys, err := fs.Sub(migrations, d.dir)
	if err != nil {
		return 0, err
	}
	provider, err := goose.NewProvider(d.goose, db, fsys)
	if err != nil {
		return 0, err
	}
	return provider.GetDBVersion(ctx)
}
