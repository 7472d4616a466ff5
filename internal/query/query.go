// Package query executes parsed directives against a data source and inspects
// sources for their schema. Engines are registered per source type on a
// Dispatcher.
package query

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/querymesh/querymesh/internal/directive"
	"github.com/querymesh/querymesh/internal/schema"
)

type SourceType string

const (
	SourceMongoDB    SourceType = "mongodb"
	SourcePostgreSQL SourceType = "postgresql"
	SourceDuckDB     SourceType = "duckdb"
	SourceSQLite     SourceType = "sqlite"
)

var (
	ErrExecutionFailed    = errors.New("failed to execute query")
	ErrConnectionFailed   = errors.New("failed to connect to data source")
	ErrUnsupportedBackend = schema.ErrUnsupportedBackend
)

func ParseSourceType(raw string) (SourceType, bool) {
	t := SourceType(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case "postgres":
		return SourcePostgreSQL, true
	case SourceMongoDB, SourcePostgreSQL, SourceDuckDB, SourceSQLite:
		return t, true
	default:
		return t, false
	}
}

// Backend reports the directive family a source type accepts.
func (t SourceType) Backend() schema.BackendKind {
	switch t {
	case SourceMongoDB:
		return schema.BackendDocument
	case SourcePostgreSQL, SourceDuckDB, SourceSQLite:
		return schema.BackendRelational
	default:
		return schema.BackendKind("")
	}
}

// Dialect is the engine name used when asking for relational statements.
func (t SourceType) Dialect() string {
	switch t {
	case SourcePostgreSQL:
		return "PostgreSQL"
	case SourceDuckDB:
		return "DuckDB"
	case SourceSQLite:
		return "SQLite"
	case SourceMongoDB:
		return "MongoDB"
	default:
		return ""
	}
}

// Connection describes how to reach a source. URI wins over the discrete
// fields when both are set; Path is used by the file-backed engines.
type Connection struct {
	Type     SourceType `json:"type"`
	URI      string     `json:"uri,omitempty"`
	Host     string     `json:"host,omitempty"`
	Port     int        `json:"port,omitempty"`
	Username string     `json:"username,omitempty"`
	Password string     `json:"password,omitempty"`
	Database string     `json:"database,omitempty"`
	SSL      bool       `json:"ssl,omitempty"`
	Path     string     `json:"path,omitempty"`
}

type Stats struct {
	TableCount int    `json:"table_count"`
	SizeBytes  int64  `json:"size_bytes"`
	Size       string `json:"size"`
}

// NewStats formats sizeBytes for display; a negative size means the engine
// could not report one.
func NewStats(tableCount int, sizeBytes int64) Stats {
	stats := Stats{TableCount: tableCount, SizeBytes: sizeBytes, Size: "Unknown"}
	if sizeBytes >= 0 {
		stats.Size = humanize.Bytes(uint64(sizeBytes))
	} else {
		stats.SizeBytes = 0
	}
	return stats
}

// Inspection is the outcome of reading a source's schema. Degraded is set
// when the source could not be sampled; Schema is then empty.
type Inspection struct {
	Schema   schema.Descriptor
	Stats    Stats
	Degraded bool
	Warning  string
}

type Result struct {
	Columns   []string
	Rows      [][]any
	Duration  time.Duration
	Truncated bool
}

// Records returns the rows keyed by column name. Each record has every
// column; a nil cell is kept as an explicit null.
func (r Result) Records() []map[string]any {
	records := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		record := make(map[string]any, len(r.Columns))
		for i, column := range r.Columns {
			if i < len(row) {
				record[column] = row[i]
			}
		}
		records = append(records, record)
	}
	return records
}

type Engine interface {
	Ping(ctx context.Context, conn Connection) error
	Inspect(ctx context.Context, conn Connection) (Inspection, error)
	Execute(ctx context.Context, conn Connection, d directive.Directive) (Result, error)
}
