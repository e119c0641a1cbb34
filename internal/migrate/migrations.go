// Package migrate applies the embedded schema for each supported dialect.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"proposalflow/internal/db"
)

//go:embed sql/sqlite/*.sql sql/postgres/*.sql
var migrationsFS embed.FS

// advisoryKey serializes concurrent postgres migrators.
const advisoryKey = 727350114

type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Plan returns the migrations shipped for dialect in version order.
func Plan(dialect db.Dialect) ([]Migration, error) {
	return parse(migrationsFS, path.Join("sql", string(dialect)))
}

// parse reads NNNN_name.sql files from dir. Versions must be unique.
func parse(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("no migrations in %s: %w", dir, err)
	}
	var out []Migration
	seen := map[int]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		v, err := strconv.Atoi(prefix)
		if !ok || err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid migration filename %s", e.Name())
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, e.Name(), v)
		}
		seen[v] = e.Name()
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, Migration{Version: v, Name: e.Name(), SQL: string(data)})
	}
	slices.SortFunc(out, func(a, b Migration) int { return a.Version - b.Version })
	return out, nil
}

// Migrate applies pending migrations and returns the resulting schema version.
func Migrate(conn *sql.DB, dialect db.Dialect) (int, error) {
	return Apply(context.Background(), conn, dialect)
}

// Apply runs each pending migration in its own transaction and records it in
// schema_migrations.
func Apply(ctx context.Context, conn *sql.DB, dialect db.Dialect) (int, error) {
	plan, err := Plan(dialect)
	if err != nil {
		return 0, err
	}
	if err := ensureLedger(ctx, conn); err != nil {
		return 0, err
	}
	current := 0
	for _, m := range plan {
		if _, err := applyOne(ctx, conn, dialect, m); err != nil {
			return current, fmt.Errorf("migration %s: %w", m.Name, err)
		}
		current = m.Version
	}
	return current, nil
}

// Pending lists migrations not yet recorded as applied.
func Pending(ctx context.Context, conn *sql.DB, dialect db.Dialect) ([]Migration, error) {
	plan, err := Plan(dialect)
	if err != nil {
		return nil, err
	}
	if err := ensureLedger(ctx, conn); err != nil {
		return nil, err
	}
	done, err := appliedVersions(ctx, conn)
	if err != nil {
		return nil, err
	}
	var out []Migration
	for _, m := range plan {
		if !done[m.Version] {
			out = append(out, m)
		}
	}
	return out, nil
}

func ensureLedger(ctx context.Context, conn *sql.DB) error {
	_, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

func appliedVersions(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}) (map[int]bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()
	out := map[int]bool{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func applyOne(ctx context.Context, conn *sql.DB, dialect db.Dialect, m Migration) (bool, error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if dialect == db.Postgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey); err != nil {
			return false, fmt.Errorf("advisory lock: %w", err)
		}
	}
	var exists int
	err = tx.QueryRowContext(ctx, dialect.Rebind(`SELECT COUNT(*) FROM schema_migrations WHERE version=?`), m.Version).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists > 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, dialect.Rebind(`INSERT INTO schema_migrations(version,name,applied_at) VALUES (?,?,?)`),
		m.Version, m.Name, db.FormatTime(time.Now())); err != nil {
		return false, fmt.Errorf("record version: %w", err)
	}
	return true, tx.Commit()
}
