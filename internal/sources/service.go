// Package sources manages registered data sources: connection checks,
// schema inspection on create and refresh, and the queries asked of them.
package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/querymesh/querymesh/internal/catalog"
	"github.com/querymesh/querymesh/internal/query"
	"github.com/querymesh/querymesh/internal/query/mongo"
)

var ErrInvalidSource = errors.New("invalid data source")

type Catalog interface {
	CreateSource(ctx context.Context, in catalog.CreateSourceInput) (catalog.Source, error)
	GetSource(ctx context.Context, ownerID, sourceID string) (catalog.Source, error)
	ListSources(ctx context.Context, ownerID string) ([]catalog.Source, error)
	DeleteSource(ctx context.Context, ownerID, sourceID string) (bool, error)
	UpdateSourceSchema(ctx context.Context, in catalog.UpdateSourceSchemaInput) (catalog.Source, error)
	ListQueries(ctx context.Context, filter catalog.QueryFilter) (catalog.QueryPage, error)
}

// Inspector is satisfied by *query.Dispatcher.
type Inspector interface {
	Ping(ctx context.Context, conn query.Connection) error
	Inspect(ctx context.Context, conn query.Connection) (query.Inspection, error)
}

type Service struct {
	Catalog   Catalog
	Inspector Inspector
	Logger    *slog.Logger
	Clock     func() time.Time
}

type CreateInput struct {
	OwnerID    string
	Name       string
	Connection query.Connection
}

var discardLogger = slog.New(slog.DiscardHandler)

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return discardLogger
	}
	return s.Logger
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock()
}

// Create tests the connection, inspects the source and stores it together with
// its schema and stats.
func (s *Service) Create(ctx context.Context, in CreateInput) (catalog.Source, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return catalog.Source{}, fmt.Errorf("%w: name is required", ErrInvalidSource)
	}
	conn, err := normalizeConnection(in.Connection)
	if err != nil {
		return catalog.Source{}, err
	}

	if err := s.Inspector.Ping(ctx, conn); err != nil {
		return catalog.Source{}, err
	}
	inspection, err := s.Inspector.Inspect(ctx, conn)
	if err != nil {
		return catalog.Source{}, fmt.Errorf("inspect source: %w", err)
	}

	source, err := s.Catalog.CreateSource(ctx, catalog.CreateSourceInput{
		OwnerID:        in.OwnerID,
		Name:           name,
		Type:           conn.Type,
		Connection:     conn,
		Schema:         inspection.Schema,
		Stats:          inspection.Stats,
		SchemaDegraded: inspection.Degraded,
		ConnectedAt:    s.now().UTC(),
	})
	if err != nil {
		return catalog.Source{}, err
	}
	s.logger().InfoContext(ctx, "data source created",
		slog.String("source_id", source.SourceID),
		slog.String("source_type", string(source.Type)),
		slog.Int("tables", len(source.Schema.Tables)),
	)
	return source, nil
}

func (s *Service) List(ctx context.Context, ownerID string) ([]catalog.Source, error) {
	return s.Catalog.ListSources(ctx, ownerID)
}

func (s *Service) Get(ctx context.Context, ownerID, sourceID string) (catalog.Source, error) {
	return s.Catalog.GetSource(ctx, ownerID, sourceID)
}

func (s *Service) Delete(ctx context.Context, ownerID, sourceID string) error {
	deleted, err := s.Catalog.DeleteSource(ctx, ownerID, sourceID)
	if err != nil {
		return err
	}
	if !deleted {
		return catalog.ErrNotFound
	}
	return nil
}

// Test checks that a connection can be established without storing anything.
func (s *Service) Test(ctx context.Context, conn query.Connection) error {
	conn, err := normalizeConnection(conn)
	if err != nil {
		return err
	}
	return s.Inspector.Ping(ctx, conn)
}

func (s *Service) Refresh(ctx context.Context, ownerID, sourceID string) (catalog.Source, error) {
	source, err := s.Catalog.GetSource(ctx, ownerID, sourceID)
	if err != nil {
		return catalog.Source{}, err
	}
	return s.RefreshSource(ctx, source)
}

// RefreshSource replaces the stored schema and stats with a fresh inspection.
// A degraded inspection never overwrites a schema that still has tables.
func (s *Service) RefreshSource(ctx context.Context, source catalog.Source) (catalog.Source, error) {
	inspection, err := s.Inspector.Inspect(ctx, source.Connection)
	if err != nil {
		return source, fmt.Errorf("inspect source %s: %w", source.SourceID, err)
	}
	if inspection.Degraded && !source.Schema.Empty() {
		return source, fmt.Errorf("%w: %s", query.ErrConnectionFailed, inspection.Warning)
	}

	in := catalog.UpdateSourceSchemaInput{
		SourceID:       source.SourceID,
		Schema:         inspection.Schema,
		Stats:          inspection.Stats,
		SchemaDegraded: inspection.Degraded,
	}
	// Degraded sources keep their old timestamp so the refresher retries them.
	if !inspection.Degraded {
		in.ConnectedAt = s.now().UTC()
	}
	updated, err := s.Catalog.UpdateSourceSchema(ctx, in)
	if err != nil {
		return source, err
	}
	s.logger().InfoContext(ctx, "data source schema refreshed",
		slog.String("source_id", source.SourceID),
		slog.Int("tables", len(updated.Schema.Tables)),
		slog.Bool("degraded", updated.SchemaDegraded),
	)
	return updated, nil
}

// Queries lists the queries asked of one source, newest first.
func (s *Service) Queries(ctx context.Context, ownerID, sourceID string, limit, offset int) (catalog.QueryPage, error) {
	if _, err := s.Catalog.GetSource(ctx, ownerID, sourceID); err != nil {
		return catalog.QueryPage{}, err
	}
	return s.Catalog.ListQueries(ctx, catalog.QueryFilter{
		OwnerID:  ownerID,
		SourceID: sourceID,
		Limit:    limit,
		Offset:   offset,
	})
}

func normalizeConnection(conn query.Connection) (query.Connection, error) {
	sourceType, ok := query.ParseSourceType(string(conn.Type))
	if !ok {
		return query.Connection{}, fmt.Errorf("%w: %q", query.ErrUnsupportedBackend, conn.Type)
	}
	conn.Type = sourceType

	switch sourceType {
	case query.SourceMongoDB:
		if conn.URI == "" && conn.Host == "" {
			return query.Connection{}, fmt.Errorf("%w: uri or host is required", ErrInvalidSource)
		}
		name, err := mongo.DatabaseName(conn)
		if err != nil {
			return query.Connection{}, fmt.Errorf("%w: %w", ErrInvalidSource, err)
		}
		conn.Database = name
	case query.SourcePostgreSQL:
		if conn.URI == "" && conn.Host == "" {
			return query.Connection{}, fmt.Errorf("%w: uri or host is required", ErrInvalidSource)
		}
	}
	return conn, nil
}
