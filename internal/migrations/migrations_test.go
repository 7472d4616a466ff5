package migrations

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestLoadMigrationsSortsAndPairsUpDown(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/000002_two.up.sql":   {Data: []byte("SELECT 2;")},
		"sql/000002_two.down.sql": {Data: []byte("SELECT -2;")},
		"sql/000001_one.up.sql":   {Data: []byte("SELECT 1;")},
		"sql/000001_one.down.sql": {Data: []byte("SELECT -1;")},
	}

	items, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d", len(items))
	}
	if items[0].Version != 1 || items[1].Version != 2 {
		t.Fatalf("unexpected migration order: %+v", items)
	}
}

func TestLoadMigrationsErrorsWhenDownMissing(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/000001_one.up.sql": {Data: []byte("SELECT 1;")},
	}
	_, err := loadMigrations(fsys)
	if err == nil {
		t.Fatal("expected error for missing down migration")
	}
	if !strings.Contains(err.Error(), "missing down SQL") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func testRunner() *Runner {
	return NewRunnerFS(fstest.MapFS{
		"sql/000001_one.up.sql":   {Data: []byte("SELECT 1;")},
		"sql/000001_one.down.sql": {Data: []byte("SELECT -1;")},
		"sql/000002_two.up.sql":   {Data: []byte("SELECT 2;")},
		"sql/000002_two.down.sql": {Data: []byte("SELECT -2;")},
	})
}

func expectLocked(mock sqlmock.Sqlmock, applied *sqlmock.Rows) {
	mock.ExpectExec(`SELECT pg_advisory_lock`).WithArgs(migrationLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS querymesh_schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version, applied_at FROM querymesh_schema_migrations ORDER BY version ASC`).WillReturnRows(applied)
}

func TestLoadMigrationsKeepsNames(t *testing.T) {
	items, err := loadMigrations(testRunner().fsys)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if items[0].Name != "one" || items[1].Name != "two" {
		t.Fatalf("names = %q, %q", items[0].Name, items[1].Name)
	}
}

func TestLoadMigrationsRejectsMismatchedNames(t *testing.T) {
	_, err := loadMigrations(fstest.MapFS{
		"sql/000001_one.up.sql":   {Data: []byte("SELECT 1;")},
		"sql/000001_uno.down.sql": {Data: []byte("SELECT -1;")},
	})
	if err == nil || !strings.Contains(err.Error(), "mismatched names") {
		t.Fatalf("err = %v", err)
	}
}

func TestStatusReportsAppliedAndPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	appliedAt := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS querymesh_schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version, applied_at FROM querymesh_schema_migrations ORDER BY version ASC`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "applied_at"}).AddRow(int64(1), appliedAt))

	statuses, err := testRunner().Status(context.Background(), db)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(statuses) != 2 || !statuses[0].Applied || statuses[1].Applied {
		t.Fatalf("statuses = %+v", statuses)
	}
	if statuses[0].Name != "one" || !statuses[0].AppliedAt.Equal(appliedAt) {
		t.Fatalf("statuses[0] = %+v", statuses[0])
	}
	if !statuses[1].AppliedAt.IsZero() {
		t.Fatalf("pending migration has applied_at %v", statuses[1].AppliedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestUpAppliesOnlyPendingMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	expectLocked(mock, sqlmock.NewRows([]string{"version", "applied_at"}).AddRow(int64(1), time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT 2;`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO querymesh_schema_migrations`).WithArgs(int64(2), "two").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`SELECT pg_advisory_unlock`).WithArgs(migrationLockKey).WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err := testRunner().Up(context.Background(), db, 0)
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestUpRefusesCatalogAheadOfBuild(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	expectLocked(mock, sqlmock.NewRows([]string{"version", "applied_at"}).
		AddRow(int64(1), time.Now()).
		AddRow(int64(7), time.Now()))
	mock.ExpectExec(`SELECT pg_advisory_unlock`).WithArgs(migrationLockKey).WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err := testRunner().Up(context.Background(), db, 0)
	if err == nil || !strings.Contains(err.Error(), "migration 7") {
		t.Fatalf("Up() err = %v", err)
	}
	if applied != 0 {
		t.Fatalf("applied = %d", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestDownRollsBackNewestFirst(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	expectLocked(mock, sqlmock.NewRows([]string{"version", "applied_at"}).
		AddRow(int64(1), time.Now()).
		AddRow(int64(2), time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT -2;`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM querymesh_schema_migrations`).WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`SELECT pg_advisory_unlock`).WithArgs(migrationLockKey).WillReturnResult(sqlmock.NewResult(0, 0))

	rolledBack, err := testRunner().Down(context.Background(), db, 0)
	if err != nil {
		t.Fatalf("Down() error = %v", err)
	}
	if rolledBack != 1 {
		t.Fatalf("rolledBack = %d", rolledBack)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
