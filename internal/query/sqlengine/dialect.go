package sqlengine

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "modernc.org/sqlite"

	"github.com/querymesh/querymesh/internal/query"
)

// dialect captures what differs between the relational engines: how to
// reach them and how to read their catalog.
type dialect interface {
	sourceType() query.SourceType
	driverName() string
	dsn(conn query.Connection) (string, error)
	// columnsSQL returns table_name, column_name, data_type, nullable, primary_key
	// ordered by table then column position.
	columnsSQL() string
	size(ctx context.Context, db *sql.DB, conn query.Connection) int64
}

type postgresDialect struct{}

func (postgresDialect) sourceType() query.SourceType { return query.SourcePostgreSQL }
func (postgresDialect) driverName() string           { return "pgx" }

func (postgresDialect) dsn(conn query.Connection) (string, error) {
	if uri := strings.TrimSpace(conn.URI); uri != "" {
		return uri, nil
	}
	if strings.TrimSpace(conn.Host) == "" {
		return "", fmt.Errorf("postgresql source requires uri or host")
	}
	port := conn.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(conn.Host, strconv.Itoa(port)),
		Path:   "/" + conn.Database,
	}
	if conn.Username != "" {
		u.User = url.UserPassword(conn.Username, conn.Password)
	}
	sslMode := "disable"
	if conn.SSL {
		sslMode = "require"
	}
	u.RawQuery = url.Values{"sslmode": []string{sslMode}}.Encode()
	return u.String(), nil
}

func (postgresDialect) columnsSQL() string {
	return `SELECT c.table_name, c.column_name, c.data_type,
	c.is_nullable = 'YES' AS nullable,
	EXISTS (
		SELECT 1
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
			AND tc.table_name = kcu.table_name
		WHERE tc.constraint_type = 'PRIMARY KEY'
			AND tc.table_schema = c.table_schema
			AND tc.table_name = c.table_name
			AND kcu.column_name = c.column_name
	) AS primary_key
FROM information_schema.columns c
JOIN information_schema.tables t
	ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = 'public' AND t.table_type = 'BASE TABLE'
ORDER BY c.table_name, c.ordinal_position`
}

func (postgresDialect) size(ctx context.Context, db *sql.DB, _ query.Connection) int64 {
	var size int64
	if err := db.QueryRowContext(ctx, `SELECT pg_database_size(current_database())`).Scan(&size); err != nil {
		return -1
	}
	return size
}

type duckDBDialect struct{}

func (duckDBDialect) sourceType() query.SourceType { return query.SourceDuckDB }
func (duckDBDialect) driverName() string           { return "duckdb" }

func (duckDBDialect) dsn(conn query.Connection) (string, error) {
	return memoryPath(filePath(conn), ""), nil
}

func (duckDBDialect) columnsSQL() string {
	return `SELECT c.table_name, c.column_name, c.data_type,
	c.is_nullable = 'YES' AS nullable,
	EXISTS (
		SELECT 1
		FROM duckdb_constraints() k
		WHERE k.schema_name = c.table_schema
			AND k.table_name = c.table_name
			AND k.constraint_type = 'PRIMARY KEY'
			AND list_contains(k.constraint_column_names, c.column_name)
	) AS primary_key
FROM information_schema.columns c
WHERE c.table_schema = 'main'
ORDER BY c.table_name, c.ordinal_position`
}

func (duckDBDialect) size(_ context.Context, _ *sql.DB, conn query.Connection) int64 {
	return fileSize(filePath(conn))
}

type sqliteDialect struct{}

func (sqliteDialect) sourceType() query.SourceType { return query.SourceSQLite }
func (sqliteDialect) driverName() string           { return "sqlite" }

func (sqliteDialect) dsn(conn query.Connection) (string, error) {
	return memoryPath(filePath(conn), ":memory:"), nil
}

func (sqliteDialect) columnsSQL() string {
	return `SELECT m.name, p.name, p.type, p."notnull" = 0, p.pk > 0
FROM sqlite_master m
JOIN pragma_table_info(m.name) p
WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite_%'
ORDER BY m.name, p.cid`
}

func (sqliteDialect) size(_ context.Context, _ *sql.DB, conn query.Connection) int64 {
	return fileSize(filePath(conn))
}

func filePath(conn query.Connection) string {
	if path := strings.TrimSpace(conn.Path); path != "" {
		return path
	}
	return strings.TrimSpace(conn.URI)
}

func memoryPath(path, memory string) string {
	if path == "" || path == ":memory:" {
		return memory
	}
	return path
}

func fileSize(path string) int64 {
	if path == "" || path == ":memory:" {
		return -1
	}
	info, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return info.Size()
}
