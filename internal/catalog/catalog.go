// Package catalog defines the persisted data sources and query records.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/querymesh/querymesh/internal/query"
	"github.com/querymesh/querymesh/internal/schema"
)

var ErrNotFound = errors.New("catalog: not found")

type Repository interface {
	HealthCheck(ctx context.Context) error

	CreateSource(ctx context.Context, in CreateSourceInput) (Source, error)
	GetSource(ctx context.Context, ownerID, sourceID string) (Source, error)
	ListSources(ctx context.Context, ownerID string) ([]Source, error)
	DeleteSource(ctx context.Context, ownerID, sourceID string) (bool, error)
	UpdateSourceSchema(ctx context.Context, in UpdateSourceSchemaInput) (Source, error)
	ListStaleSources(ctx context.Context, connectedBefore time.Time, limit int) ([]Source, error)

	CreateQuery(ctx context.Context, in CreateQueryInput) (Query, error)
	GetQuery(ctx context.Context, ownerID, queryID string) (Query, error)
	ListQueries(ctx context.Context, filter QueryFilter) (QueryPage, error)
	UpdateQuery(ctx context.Context, q Query) (Query, error)
	DeleteQuery(ctx context.Context, ownerID, queryID string) (bool, error)
}

type Source struct {
	SourceID        string            `json:"id"`
	OwnerID         string            `json:"owner_id"`
	Name            string            `json:"name"`
	Type            query.SourceType  `json:"type"`
	Connection      query.Connection  `json:"-"`
	Schema          schema.Descriptor `json:"schema"`
	Stats           query.Stats       `json:"stats"`
	SchemaDegraded  bool              `json:"schema_degraded"`
	LastConnectedAt *time.Time        `json:"last_connected_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

type CreateSourceInput struct {
	OwnerID        string
	Name           string
	Type           query.SourceType
	Connection     query.Connection
	Schema         schema.Descriptor
	Stats          query.Stats
	SchemaDegraded bool
	ConnectedAt    time.Time
}

type UpdateSourceSchemaInput struct {
	SourceID       string
	Schema         schema.Descriptor
	Stats          query.Stats
	SchemaDegraded bool
	// ConnectedAt is left unchanged in the store when zero.
	ConnectedAt time.Time
}

// QueryResult is the stored outcome of the last successful execution.
type QueryResult struct {
	Columns    []string `json:"columns"`
	Rows       [][]any  `json:"rows"`
	Truncated  bool     `json:"truncated,omitempty"`
	DurationMs int64    `json:"duration_ms"`
}

func (r QueryResult) Records() []map[string]any {
	return query.Result{Columns: r.Columns, Rows: r.Rows}.Records()
}

func NewQueryResult(result query.Result) *QueryResult {
	return &QueryResult{
		Columns:    result.Columns,
		Rows:       result.Rows,
		Truncated:  result.Truncated,
		DurationMs: result.Duration.Milliseconds(),
	}
}

type Query struct {
	QueryID         string       `json:"id"`
	OwnerID         string       `json:"owner_id"`
	SourceID        string       `json:"source_id"`
	Title           string       `json:"title"`
	NaturalLanguage string       `json:"natural_language"`
	Instruction     string       `json:"instruction,omitempty"`
	Directive       string       `json:"directive"`
	Status          query.Status `json:"status"`
	ErrorMessage    string       `json:"error,omitempty"`
	Result          *QueryResult `json:"result,omitempty"`
	ExportPath      string       `json:"export_path,omitempty"`
	ExecutedAt      *time.Time   `json:"executed_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// RowCount is the number of stored result rows.
func (q Query) RowCount() int {
	if q.Result == nil {
		return 0
	}
	return len(q.Result.Rows)
}

type CreateQueryInput struct {
	OwnerID         string
	SourceID        string
	Title           string
	NaturalLanguage string
}

type QueryFilter struct {
	OwnerID  string
	SourceID string
	Limit    int
	Offset   int
}

type QueryPage struct {
	Queries []Query `json:"queries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}
