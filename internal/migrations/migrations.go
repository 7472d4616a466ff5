package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const migrationTable = "querymesh_schema_migrations"

// migrationLockKey serializes querymesh-migrate runs against one catalog.
const migrationLockKey int64 = 0x71756572796d6573

var migrationNamePattern = regexp.MustCompile(`^([0-9]+)_(.+)\.(up|down)\.sql$`)

type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

// NewRunnerFS reads migrations from an sql/ directory inside fsys.
func NewRunnerFS(fsys fs.FS) *Runner {
	return &Runner{fsys: fsys}
}

type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

// VersionStatus describes one catalog migration and when it was applied.
type VersionStatus struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
}

type appliedMigration struct {
	Version   int64
	AppliedAt time.Time
}

// conn is satisfied by *sql.DB and *sql.Conn.
type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Up applies pending migrations in version order. steps <= 0 applies all of
// them. It fails when the catalog has a version this binary does not ship.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	runCount := 0
	err := r.withLock(ctx, db, func(c conn, known []migration, applied []appliedMigration) error {
		lookup := byVersion(known)
		done := make(map[int64]bool, len(applied))
		for _, item := range applied {
			if _, ok := lookup[item.Version]; !ok {
				return fmt.Errorf("catalog has migration %d which this build does not know; upgrade querymesh-migrate", item.Version)
			}
			done[item.Version] = true
		}
		for _, item := range known {
			if done[item.Version] {
				continue
			}
			if steps > 0 && runCount >= steps {
				break
			}
			if err := runScript(ctx, c, item, item.UpSQL, true); err != nil {
				return err
			}
			runCount++
		}
		return nil
	})
	return runCount, err
}

// Down rolls back the newest applied migrations. steps <= 0 rolls back one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	runCount := 0
	err := r.withLock(ctx, db, func(c conn, known []migration, applied []appliedMigration) error {
		lookup := byVersion(known)
		for i := len(applied) - 1; i >= 0 && runCount < steps; i-- {
			version := applied[i].Version
			item, ok := lookup[version]
			if !ok {
				return fmt.Errorf("applied migration %d is missing from source", version)
			}
			if err := runScript(ctx, c, item, item.DownSQL, false); err != nil {
				return err
			}
			runCount++
		}
		return nil
	})
	return runCount, err
}

func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]VersionStatus, error) {
	known, err := loadMigrations(r.fsys)
	if err != nil {
		return nil, err
	}
	if err := ensureMigrationTable(ctx, db); err != nil {
		return nil, err
	}
	applied, err := listApplied(ctx, db)
	if err != nil {
		return nil, err
	}
	appliedAt := make(map[int64]time.Time, len(applied))
	for _, item := range applied {
		appliedAt[item.Version] = item.AppliedAt
	}

	statuses := make([]VersionStatus, 0, len(known))
	for _, item := range known {
		at, ok := appliedAt[item.Version]
		statuses = append(statuses, VersionStatus{Version: item.Version, Name: item.Name, Applied: ok, AppliedAt: at})
	}
	return statuses, nil
}

// withLock runs fn on one pooled connection holding the catalog's advisory
// lock, so two migrate jobs started by one deploy cannot both apply a version.
func (r *Runner) withLock(ctx context.Context, db *sql.DB, fn func(conn, []migration, []appliedMigration) error) error {
	known, err := loadMigrations(r.fsys)
	if err != nil {
		return err
	}
	c, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer func() { _ = c.Close() }()

	if _, err := c.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = c.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if err := ensureMigrationTable(ctx, c); err != nil {
		return err
	}
	applied, err := listApplied(ctx, c)
	if err != nil {
		return err
	}
	return fn(c, known, applied)
}

func byVersion(items []migration) map[int64]migration {
	out := make(map[int64]migration, len(items))
	for _, item := range items {
		out[item.Version] = item
	}
	return out
}

func ensureMigrationTable(ctx context.Context, c conn) error {
	query := `
CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := c.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}

// runScript executes one direction of a migration and records it in the
// same transaction.
func runScript(ctx context.Context, c conn, item migration, script string, up bool) error {
	verb := "rollback"
	if up {
		verb = "apply"
	}
	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s %d: %w", verb, item.Version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("%s migration %d (%s): %w", verb, item.Version, item.Name, err)
	}
	if up {
		_, err = tx.ExecContext(ctx, `INSERT INTO `+migrationTable+` (version, name) VALUES ($1, $2)`, item.Version, item.Name)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM `+migrationTable+` WHERE version = $1`, item.Version)
	}
	if err != nil {
		return fmt.Errorf("record %s %d: %w", verb, item.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s %d: %w", verb, item.Version, err)
	}
	return nil
}

// listApplied returns applied versions in ascending order.
func listApplied(ctx context.Context, c conn) ([]appliedMigration, error) {
	rows, err := c.QueryContext(ctx, `SELECT version, applied_at FROM `+migrationTable+` ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var applied []appliedMigration
	for rows.Next() {
		var item appliedMigration
		if err := rows.Scan(&item.Version, &item.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan applied version: %w", err)
		}
		applied = append(applied, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied versions: %w", err)
	}
	return applied, nil
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	items := map[int64]migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		base := path.Base(entry.Name())
		matches := migrationNamePattern.FindStringSubmatch(base)
		if matches == nil {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version for %q: %w", base, err)
		}
		script, err := fs.ReadFile(fsys, path.Join("sql", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}

		item := items[version]
		if item.Name != "" && item.Name != matches[2] {
			return nil, fmt.Errorf("migration %d has mismatched names %q and %q", version, item.Name, matches[2])
		}
		item.Version = version
		item.Name = matches[2]
		if matches[3] == "up" {
			item.UpSQL = string(script)
		} else {
			item.DownSQL = string(script)
		}
		items[version] = item
	}

	migrations := make([]migration, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.UpSQL) == "" {
			return nil, fmt.Errorf("migration %d missing up SQL", item.Version)
		}
		if strings.TrimSpace(item.DownSQL) == "" {
			return nil, fmt.Errorf("migration %d missing down SQL", item.Version)
		}
		migrations = append(migrations, item)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}
