package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/querymesh/querymesh/internal/catalog"
	"github.com/querymesh/querymesh/internal/query"
	"github.com/querymesh/querymesh/internal/schema"
)

type rowScanner interface {
	Scan(dest ...any) error
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping catalog db: %w", err)
	}
	return nil
}

const sourceColumns = `source_id, owner_id, name, source_type, connection_json, schema_json, stats_json, schema_degraded, last_connected_at, created_at, updated_at`

func (r *Repository) CreateSource(ctx context.Context, in catalog.CreateSourceInput) (catalog.Source, error) {
	connectionJSON, err := json.Marshal(in.Connection)
	if err != nil {
		return catalog.Source{}, fmt.Errorf("encode source connection: %w", err)
	}
	schemaJSON, statsJSON, err := encodeSchema(in.Schema, in.Stats)
	if err != nil {
		return catalog.Source{}, err
	}
	connectedAt := in.ConnectedAt
	if connectedAt.IsZero() {
		connectedAt = time.Now().UTC()
	}

	stmt := `
INSERT INTO data_source (source_id, owner_id, name, source_type, connection_json, schema_json, stats_json, schema_degraded, last_connected_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb, $8, $9)
RETURNING ` + sourceColumns

	source, err := scanSource(r.db.QueryRowContext(ctx, stmt,
		uuid.NewString(),
		in.OwnerID,
		in.Name,
		string(in.Type),
		string(connectionJSON),
		string(schemaJSON),
		string(statsJSON),
		in.SchemaDegraded,
		connectedAt,
	))
	if err != nil {
		return catalog.Source{}, fmt.Errorf("create source: %w", err)
	}
	return source, nil
}

func (r *Repository) GetSource(ctx context.Context, ownerID, sourceID string) (catalog.Source, error) {
	if _, err := uuid.Parse(sourceID); err != nil {
		return catalog.Source{}, catalog.ErrNotFound
	}
	stmt := `
SELECT ` + sourceColumns + `
FROM data_source
WHERE source_id = $1 AND owner_id = $2`

	source, err := scanSource(r.db.QueryRowContext(ctx, stmt, sourceID, ownerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Source{}, catalog.ErrNotFound
		}
		return catalog.Source{}, fmt.Errorf("get source: %w", err)
	}
	return source, nil
}

func (r *Repository) ListSources(ctx context.Context, ownerID string) ([]catalog.Source, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+sourceColumns+`
FROM data_source
WHERE owner_id = $1
ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return collectSources(rows)
}

func (r *Repository) ListStaleSources(ctx context.Context, connectedBefore time.Time, limit int) ([]catalog.Source, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+sourceColumns+`
FROM data_source
WHERE last_connected_at IS NULL OR last_connected_at < $1
ORDER BY last_connected_at ASC NULLS FIRST
LIMIT $2`, connectedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale sources: %w", err)
	}
	return collectSources(rows)
}

func (r *Repository) DeleteSource(ctx context.Context, ownerID, sourceID string) (bool, error) {
	if _, err := uuid.Parse(sourceID); err != nil {
		return false, nil
	}
	result, err := r.db.ExecContext(ctx, `
DELETE FROM data_source
WHERE source_id = $1 AND owner_id = $2`, sourceID, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete source: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete source rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *Repository) UpdateSourceSchema(ctx context.Context, in catalog.UpdateSourceSchemaInput) (catalog.Source, error) {
	schemaJSON, statsJSON, err := encodeSchema(in.Schema, in.Stats)
	if err != nil {
		return catalog.Source{}, err
	}
	// A zero ConnectedAt keeps the stored timestamp.
	var connectedAt any
	if !in.ConnectedAt.IsZero() {
		connectedAt = in.ConnectedAt
	}

	stmt := `
UPDATE data_source
SET schema_json = $2::jsonb,
    stats_json = $3::jsonb,
    schema_degraded = $4,
    last_connected_at = COALESCE($5::timestamptz, last_connected_at),
    updated_at = NOW()
WHERE source_id = $1
RETURNING ` + sourceColumns

	source, err := scanSource(r.db.QueryRowContext(ctx, stmt, in.SourceID, string(schemaJSON), string(statsJSON), in.SchemaDegraded, connectedAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Source{}, catalog.ErrNotFound
		}
		return catalog.Source{}, fmt.Errorf("update source schema: %w", err)
	}
	return source, nil
}

const queryColumns = `query_id, owner_id, source_id, title, natural_language, instruction, directive, status, error_message, result_json, export_path, executed_at, created_at, updated_at`

func (r *Repository) CreateQuery(ctx context.Context, in catalog.CreateQueryInput) (catalog.Query, error) {
	stmt := `
INSERT INTO query_run (query_id, owner_id, source_id, title, natural_language, status)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + queryColumns

	created, err := scanQuery(r.db.QueryRowContext(ctx, stmt,
		uuid.NewString(),
		in.OwnerID,
		in.SourceID,
		in.Title,
		in.NaturalLanguage,
		string(query.StatusPending),
	))
	if err != nil {
		return catalog.Query{}, fmt.Errorf("create query: %w", err)
	}
	return created, nil
}

func (r *Repository) GetQuery(ctx context.Context, ownerID, queryID string) (catalog.Query, error) {
	if _, err := uuid.Parse(queryID); err != nil {
		return catalog.Query{}, catalog.ErrNotFound
	}
	q, err := scanQuery(r.db.QueryRowContext(ctx, `
SELECT `+queryColumns+`
FROM query_run
WHERE query_id = $1 AND owner_id = $2`, queryID, ownerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Query{}, catalog.ErrNotFound
		}
		return catalog.Query{}, fmt.Errorf("get query: %w", err)
	}
	return q, nil
}

// ListQueries pages newest-first over an owner's queries, optionally
// restricted to one source.
func (r *Repository) ListQueries(ctx context.Context, filter catalog.QueryFilter) (catalog.QueryPage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	var sourceID any
	if filter.SourceID != "" {
		if _, err := uuid.Parse(filter.SourceID); err != nil {
			return catalog.QueryPage{Queries: []catalog.Query{}, Limit: limit, Offset: offset}, nil
		}
		sourceID = filter.SourceID
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM query_run
WHERE owner_id = $1 AND ($2::uuid IS NULL OR source_id = $2::uuid)`, filter.OwnerID, sourceID).Scan(&total); err != nil {
		return catalog.QueryPage{}, fmt.Errorf("count queries: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT `+queryColumns+`
FROM query_run
WHERE owner_id = $1 AND ($2::uuid IS NULL OR source_id = $2::uuid)
ORDER BY created_at DESC
LIMIT $3 OFFSET $4`, filter.OwnerID, sourceID, limit, offset)
	if err != nil {
		return catalog.QueryPage{}, fmt.Errorf("list queries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	queries := make([]catalog.Query, 0)
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return catalog.QueryPage{}, fmt.Errorf("scan query row: %w", err)
		}
		queries = append(queries, q)
	}
	if err := rows.Err(); err != nil {
		return catalog.QueryPage{}, fmt.Errorf("iterate query rows: %w", err)
	}
	return catalog.QueryPage{Queries: queries, Total: total, Limit: limit, Offset: offset}, nil
}

// UpdateQuery writes every mutable field of q.
func (r *Repository) UpdateQuery(ctx context.Context, q catalog.Query) (catalog.Query, error) {
	var resultJSON any
	rowCount := 0
	var durationMs int64
	if q.Result != nil {
		encoded, err := json.Marshal(q.Result)
		if err != nil {
			return catalog.Query{}, fmt.Errorf("encode query result: %w", err)
		}
		resultJSON = string(encoded)
		rowCount = len(q.Result.Rows)
		durationMs = q.Result.DurationMs
	}

	updated, err := scanQuery(r.db.QueryRowContext(ctx, `
UPDATE query_run
SET title = $3,
    instruction = $4,
    directive = $5,
    status = $6,
    error_message = $7,
    result_json = $8::jsonb,
    row_count = $9,
    duration_ms = $10,
    export_path = $11,
    executed_at = $12,
    updated_at = NOW()
WHERE query_id = $1 AND owner_id = $2
RETURNING `+queryColumns,
		q.QueryID,
		q.OwnerID,
		q.Title,
		q.Instruction,
		q.Directive,
		string(q.Status),
		q.ErrorMessage,
		resultJSON,
		rowCount,
		durationMs,
		q.ExportPath,
		q.ExecutedAt,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Query{}, catalog.ErrNotFound
		}
		return catalog.Query{}, fmt.Errorf("update query: %w", err)
	}
	return updated, nil
}

func (r *Repository) DeleteQuery(ctx context.Context, ownerID, queryID string) (bool, error) {
	if _, err := uuid.Parse(queryID); err != nil {
		return false, nil
	}
	result, err := r.db.ExecContext(ctx, `
DELETE FROM query_run
WHERE query_id = $1 AND owner_id = $2`, queryID, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete query: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete query rows affected: %w", err)
	}
	return rows > 0, nil
}

func encodeSchema(descriptor schema.Descriptor, stats query.Stats) ([]byte, []byte, error) {
	if descriptor.Tables == nil {
		descriptor.Tables = []schema.Table{}
	}
	schemaJSON, err := json.Marshal(descriptor)
	if err != nil {
		return nil, nil, fmt.Errorf("encode source schema: %w", err)
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return nil, nil, fmt.Errorf("encode source stats: %w", err)
	}
	return schemaJSON, statsJSON, nil
}

func scanSource(row rowScanner) (catalog.Source, error) {
	var (
		source         catalog.Source
		sourceType     string
		connectionJSON []byte
		schemaJSON     []byte
		statsJSON      []byte
	)
	if err := row.Scan(
		&source.SourceID,
		&source.OwnerID,
		&source.Name,
		&sourceType,
		&connectionJSON,
		&schemaJSON,
		&statsJSON,
		&source.SchemaDegraded,
		&source.LastConnectedAt,
		&source.CreatedAt,
		&source.UpdatedAt,
	); err != nil {
		return catalog.Source{}, err
	}
	source.Type = query.SourceType(sourceType)
	if err := decodeJSON(connectionJSON, &source.Connection); err != nil {
		return catalog.Source{}, fmt.Errorf("decode source connection: %w", err)
	}
	if err := decodeJSON(schemaJSON, &source.Schema); err != nil {
		return catalog.Source{}, fmt.Errorf("decode source schema: %w", err)
	}
	if err := decodeJSON(statsJSON, &source.Stats); err != nil {
		return catalog.Source{}, fmt.Errorf("decode source stats: %w", err)
	}
	if source.Schema.Tables == nil {
		source.Schema.Tables = []schema.Table{}
	}
	source.Connection.Type = source.Type
	return source, nil
}

func collectSources(rows *sql.Rows) ([]catalog.Source, error) {
	defer func() { _ = rows.Close() }()

	sources := make([]catalog.Source, 0)
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source rows: %w", err)
	}
	return sources, nil
}

func scanQuery(row rowScanner) (catalog.Query, error) {
	var (
		q          catalog.Query
		status     string
		resultJSON []byte
	)
	if err := row.Scan(
		&q.QueryID,
		&q.OwnerID,
		&q.SourceID,
		&q.Title,
		&q.NaturalLanguage,
		&q.Instruction,
		&q.Directive,
		&status,
		&q.ErrorMessage,
		&resultJSON,
		&q.ExportPath,
		&q.ExecutedAt,
		&q.CreatedAt,
		&q.UpdatedAt,
	); err != nil {
		return catalog.Query{}, err
	}
	q.Status = query.Status(status)
	if len(resultJSON) > 0 {
		var result catalog.QueryResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return catalog.Query{}, fmt.Errorf("decode query result: %w", err)
		}
		q.Result = &result
	}
	return q, nil
}

func decodeJSON(raw []byte, target any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}
