// Package sqlengine runs relational statements against PostgreSQL, DuckDB
// and SQLite sources through database/sql.
package sqlengine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/querymesh/querymesh/internal/directive"
	"github.com/querymesh/querymesh/internal/query"
	"github.com/querymesh/querymesh/internal/schema"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultMaxRows        = 10000
)

type Options struct {
	ConnectTimeout time.Duration
	// MaxRows caps how many rows are scanned from one statement.
	MaxRows int
	Logger  *slog.Logger
	// Open overrides sql.Open, mostly for tests.
	Open func(driverName, dsn string) (*sql.DB, error)
}

type Engine struct {
	dialect        dialect
	connectTimeout time.Duration
	maxRows        int
	logger         *slog.Logger
	open           func(driverName, dsn string) (*sql.DB, error)
}

func NewPostgres(opts Options) *Engine { return newEngine(postgresDialect{}, opts) }
func NewDuckDB(opts Options) *Engine   { return newEngine(duckDBDialect{}, opts) }
func NewSQLite(opts Options) *Engine   { return newEngine(sqliteDialect{}, opts) }

// New returns the engine for a relational source type.
func New(sourceType query.SourceType, opts Options) (*Engine, error) {
	switch sourceType {
	case query.SourcePostgreSQL:
		return NewPostgres(opts), nil
	case query.SourceDuckDB:
		return NewDuckDB(opts), nil
	case query.SourceSQLite:
		return NewSQLite(opts), nil
	default:
		return nil, fmt.Errorf("%w: %q is not a relational source", query.ErrUnsupportedBackend, sourceType)
	}
}

func newEngine(d dialect, opts Options) *Engine {
	e := &Engine{
		dialect:        d,
		connectTimeout: opts.ConnectTimeout,
		maxRows:        opts.MaxRows,
		logger:         opts.Logger,
		open:           opts.Open,
	}
	if e.connectTimeout <= 0 {
		e.connectTimeout = DefaultConnectTimeout
	}
	if e.maxRows <= 0 {
		e.maxRows = DefaultMaxRows
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	if e.open == nil {
		e.open = sql.Open
	}
	return e
}

func (e *Engine) SourceType() query.SourceType {
	return e.dialect.sourceType()
}

func (e *Engine) connect(ctx context.Context, conn query.Connection) (*sql.DB, error) {
	dsn, err := e.dialect.dsn(conn)
	if err != nil {
		return nil, err
	}
	db, err := e.open(e.dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", e.dialect.sourceType(), err)
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, e.connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", e.dialect.sourceType(), err)
	}
	return db, nil
}

func (e *Engine) Ping(ctx context.Context, conn query.Connection) error {
	db, err := e.connect(ctx, conn)
	if err != nil {
		return err
	}
	return db.Close()
}

// Inspect reads table and column metadata from the engine catalog. Native
// type names are kept as the column type.
func (e *Engine) Inspect(ctx context.Context, conn query.Connection) (query.Inspection, error) {
	db, err := e.connect(ctx, conn)
	if err != nil {
		return query.Inspection{}, err
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, e.dialect.columnsSQL())
	if err != nil {
		return query.Inspection{}, fmt.Errorf("query %s catalog: %w", e.dialect.sourceType(), err)
	}
	defer func() { _ = rows.Close() }()

	descriptor := schema.Descriptor{Tables: []schema.Table{}}
	index := map[string]int{}
	for rows.Next() {
		var (
			tableName  string
			column     schema.Column
			dataType   string
			nullable   bool
			primaryKey bool
		)
		if err := rows.Scan(&tableName, &column.Name, &dataType, &nullable, &primaryKey); err != nil {
			return query.Inspection{}, fmt.Errorf("scan catalog row: %w", err)
		}
		column.Type = schema.ColumnType(strings.ToLower(dataType))
		column.Nullable = nullable
		column.PrimaryKey = primaryKey
		column.Path = column.Name

		pos, ok := index[tableName]
		if !ok {
			pos = len(descriptor.Tables)
			index[tableName] = pos
			descriptor.Tables = append(descriptor.Tables, schema.Table{Name: tableName, Columns: []schema.Column{}})
		}
		descriptor.Tables[pos].Columns = append(descriptor.Tables[pos].Columns, column)
	}
	if err := rows.Err(); err != nil {
		return query.Inspection{}, fmt.Errorf("iterate catalog rows: %w", err)
	}

	return query.Inspection{
		Schema: descriptor,
		Stats:  query.NewStats(len(descriptor.Tables), e.dialect.size(ctx, db, conn)),
	}, nil
}

// Execute runs the statement as given and scans at most MaxRows rows.
func (e *Engine) Execute(ctx context.Context, conn query.Connection, d directive.Directive) (query.Result, error) {
	statement := strings.TrimSpace(d.Statement)
	if statement == "" {
		return query.Result{}, fmt.Errorf("%w: statement is empty", directive.ErrNotExecutable)
	}

	start := time.Now()
	db, err := e.connect(ctx, conn)
	if err != nil {
		return query.Result{}, err
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, statement)
	if err != nil {
		return query.Result{}, fmt.Errorf("execute statement: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, fmt.Errorf("query columns: %w", err)
	}

	result := query.Result{Columns: columns, Rows: make([][]any, 0)}
	for rows.Next() {
		if len(result.Rows) >= e.maxRows {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, fmt.Errorf("scan row: %w", err)
		}
		result.Rows = append(result.Rows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, fmt.Errorf("iterate rows: %w", err)
	}
	if result.Truncated {
		e.logger.WarnContext(ctx, "result truncated",
			slog.String("source_type", string(e.dialect.sourceType())),
			slog.Int("max_rows", e.maxRows),
		)
	}
	result.Duration = time.Since(start)
	return result, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}
