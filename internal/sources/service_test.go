package sources

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querymesh/querymesh/internal/catalog"
	"github.com/querymesh/querymesh/internal/query"
	"github.com/querymesh/querymesh/internal/schema"
)

type fakeCatalog struct {
	mu      sync.Mutex
	sources map[string]catalog.Source
	created []catalog.CreateSourceInput
	updated []catalog.UpdateSourceSchemaInput
	filter  catalog.QueryFilter
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{sources: map[string]catalog.Source{}}
}

func (f *fakeCatalog) CreateSource(_ context.Context, in catalog.CreateSourceInput) (catalog.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, in)
	connectedAt := in.ConnectedAt
	source := catalog.Source{
		SourceID:        "src-1",
		OwnerID:         in.OwnerID,
		Name:            in.Name,
		Type:            in.Type,
		Connection:      in.Connection,
		Schema:          in.Schema,
		Stats:           in.Stats,
		SchemaDegraded:  in.SchemaDegraded,
		LastConnectedAt: &connectedAt,
	}
	f.sources[source.SourceID] = source
	return source, nil
}

func (f *fakeCatalog) GetSource(_ context.Context, ownerID, sourceID string) (catalog.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	source, ok := f.sources[sourceID]
	if !ok || source.OwnerID != ownerID {
		return catalog.Source{}, catalog.ErrNotFound
	}
	return source, nil
}

func (f *fakeCatalog) ListSources(_ context.Context, ownerID string) ([]catalog.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []catalog.Source{}
	for _, source := range f.sources {
		if source.OwnerID == ownerID {
			out = append(out, source)
		}
	}
	return out, nil
}

func (f *fakeCatalog) DeleteSource(_ context.Context, ownerID, sourceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	source, ok := f.sources[sourceID]
	if !ok || source.OwnerID != ownerID {
		return false, nil
	}
	delete(f.sources, sourceID)
	return true, nil
}

func (f *fakeCatalog) UpdateSourceSchema(_ context.Context, in catalog.UpdateSourceSchemaInput) (catalog.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, in)
	source := f.sources[in.SourceID]
	source.Schema = in.Schema
	source.Stats = in.Stats
	source.SchemaDegraded = in.SchemaDegraded
	if !in.ConnectedAt.IsZero() {
		connectedAt := in.ConnectedAt
		source.LastConnectedAt = &connectedAt
	}
	f.sources[in.SourceID] = source
	return source, nil
}

func (f *fakeCatalog) ListQueries(_ context.Context, filter catalog.QueryFilter) (catalog.QueryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	return catalog.QueryPage{Limit: filter.Limit, Offset: filter.Offset}, nil
}

type fakeInspector struct {
	mu         sync.Mutex
	pingErr    error
	inspection query.Inspection
	inspectErr error
	pinged     []query.Connection
}

func (f *fakeInspector) Ping(_ context.Context, conn query.Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinged = append(f.pinged, conn)
	return f.pingErr
}

func (f *fakeInspector) Inspect(context.Context, query.Connection) (query.Inspection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inspection, f.inspectErr
}

var usersSchema = schema.Descriptor{Tables: []schema.Table{{
	Name:    "users",
	Columns: []schema.Column{{Name: "_id", Type: "ObjectID", PrimaryKey: true}},
}}}

func fixedClock() time.Time {
	return time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
}

func TestCreateDerivesDatabaseAndStoresInspection(t *testing.T) {
	cat := newFakeCatalog()
	inspector := &fakeInspector{inspection: query.Inspection{Schema: usersSchema, Stats: query.NewStats(1, 2048)}}
	svc := &Service{Catalog: cat, Inspector: inspector, Clock: fixedClock}

	source, err := svc.Create(context.Background(), CreateInput{
		OwnerID:    "owner-1",
		Name:       " shop ",
		Connection: query.Connection{Type: "MongoDB", URI: "mongodb://db.local:27017/shop?authSource=admin"},
	})
	require.NoError(t, err)

	assert.Equal(t, "shop", source.Name)
	assert.Equal(t, query.SourceMongoDB, source.Type)
	assert.Equal(t, "shop", source.Connection.Database)
	assert.Equal(t, usersSchema, source.Schema)
	require.NotNil(t, source.LastConnectedAt)
	assert.Equal(t, fixedClock(), *source.LastConnectedAt)
	require.Len(t, inspector.pinged, 1)
}

func TestCreateStopsWhenConnectionFails(t *testing.T) {
	cat := newFakeCatalog()
	inspector := &fakeInspector{pingErr: query.ErrConnectionFailed}
	svc := &Service{Catalog: cat, Inspector: inspector}

	_, err := svc.Create(context.Background(), CreateInput{
		OwnerID:    "owner-1",
		Name:       "warehouse",
		Connection: query.Connection{Type: query.SourcePostgreSQL, Host: "pg.local", Database: "dw"},
	})
	require.ErrorIs(t, err, query.ErrConnectionFailed)
	assert.Empty(t, cat.created)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	svc := &Service{Catalog: newFakeCatalog(), Inspector: &fakeInspector{}}
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{OwnerID: "o", Connection: query.Connection{Type: query.SourceSQLite}})
	require.ErrorIs(t, err, ErrInvalidSource)

	_, err = svc.Create(ctx, CreateInput{OwnerID: "o", Name: "x", Connection: query.Connection{Type: "oracle"}})
	require.ErrorIs(t, err, query.ErrUnsupportedBackend)

	_, err = svc.Create(ctx, CreateInput{OwnerID: "o", Name: "x", Connection: query.Connection{Type: query.SourceMongoDB, URI: "mongodb://db.local:27017"}})
	require.ErrorIs(t, err, ErrInvalidSource)
}

func TestRefreshKeepsSchemaWhenInspectionDegrades(t *testing.T) {
	cat := newFakeCatalog()
	cat.sources["src-1"] = catalog.Source{SourceID: "src-1", OwnerID: "owner-1", Type: query.SourceMongoDB, Schema: usersSchema}
	inspector := &fakeInspector{inspection: query.Inspection{Stats: query.NewStats(0, -1), Degraded: true, Warning: "server selection timeout"}}
	svc := &Service{Catalog: cat, Inspector: inspector}

	source, err := svc.Refresh(context.Background(), "owner-1", "src-1")
	require.ErrorIs(t, err, query.ErrConnectionFailed)
	assert.Equal(t, usersSchema, source.Schema)
	assert.Empty(t, cat.updated)
}

func TestRefreshOfEmptyDegradedSourceKeepsLastConnected(t *testing.T) {
	cat := newFakeCatalog()
	previous := fixedClock().Add(-48 * time.Hour)
	cat.sources["src-1"] = catalog.Source{SourceID: "src-1", OwnerID: "owner-1", Type: query.SourceMongoDB, LastConnectedAt: &previous}
	inspector := &fakeInspector{inspection: query.Inspection{Stats: query.NewStats(0, -1), Degraded: true, Warning: "auth failed"}}
	svc := &Service{Catalog: cat, Inspector: inspector, Clock: fixedClock}

	source, err := svc.Refresh(context.Background(), "owner-1", "src-1")
	require.NoError(t, err)
	require.Len(t, cat.updated, 1)
	assert.True(t, cat.updated[0].ConnectedAt.IsZero())
	assert.True(t, source.SchemaDegraded)
	require.NotNil(t, source.LastConnectedAt)
	assert.Equal(t, previous, *source.LastConnectedAt)
}

func TestServiceIsSafeForConcurrentRequests(t *testing.T) {
	cat := newFakeCatalog()
	cat.sources["src-1"] = catalog.Source{SourceID: "src-1", OwnerID: "owner-1", Type: query.SourceSQLite, Schema: usersSchema}
	inspector := &fakeInspector{inspection: query.Inspection{Schema: usersSchema, Stats: query.NewStats(1, 1024)}}
	svc := &Service{Catalog: cat, Inspector: inspector}
	ctx := context.Background()

	const workers = 8
	errs := make(chan error, workers*2)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Refresh(ctx, "owner-1", "src-1"); err != nil {
				errs <- err
			}
			if _, err := svc.List(ctx, "owner-1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent request failed: %v", err)
	}

	assert.Len(t, cat.updated, workers)
	assert.Nil(t, svc.Clock)
	assert.Nil(t, svc.Logger)
}

func TestRefreshReplacesSchemaWholesale(t *testing.T) {
	cat := newFakeCatalog()
	cat.sources["src-1"] = catalog.Source{SourceID: "src-1", OwnerID: "owner-1", Type: query.SourceSQLite, Schema: usersSchema}
	next := schema.Descriptor{Tables: []schema.Table{{Name: "orders", Columns: []schema.Column{{Name: "id", Type: "integer", PrimaryKey: true}}}}}
	inspector := &fakeInspector{inspection: query.Inspection{Schema: next, Stats: query.NewStats(1, 8192)}}
	svc := &Service{Catalog: cat, Inspector: inspector, Clock: fixedClock}

	source, err := svc.Refresh(context.Background(), "owner-1", "src-1")
	require.NoError(t, err)
	assert.Equal(t, next, source.Schema)
	require.Len(t, cat.updated, 1)
	assert.Equal(t, fixedClock(), cat.updated[0].ConnectedAt)
}

func TestRefreshUnknownSource(t *testing.T) {
	svc := &Service{Catalog: newFakeCatalog(), Inspector: &fakeInspector{}}
	_, err := svc.Refresh(context.Background(), "owner-1", "missing")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestDeleteMissingSourceIsNotFound(t *testing.T) {
	svc := &Service{Catalog: newFakeCatalog(), Inspector: &fakeInspector{}}
	err := svc.Delete(context.Background(), "owner-1", "missing")
	require.True(t, errors.Is(err, catalog.ErrNotFound))
}

func TestQueriesChecksOwnershipAndFiltersBySource(t *testing.T) {
	cat := newFakeCatalog()
	cat.sources["src-1"] = catalog.Source{SourceID: "src-1", OwnerID: "owner-1"}
	svc := &Service{Catalog: cat, Inspector: &fakeInspector{}}

	_, err := svc.Queries(context.Background(), "owner-2", "src-1", 10, 0)
	require.ErrorIs(t, err, catalog.ErrNotFound)

	page, err := svc.Queries(context.Background(), "owner-1", "src-1", 5, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Limit)
	assert.Equal(t, catalog.QueryFilter{OwnerID: "owner-1", SourceID: "src-1", Limit: 5, Offset: 10}, cat.filter)
}

func TestTestNormalizesType(t *testing.T) {
	inspector := &fakeInspector{}
	svc := &Service{Catalog: newFakeCatalog(), Inspector: inspector}

	require.NoError(t, svc.Test(context.Background(), query.Connection{Type: "postgres", Host: "pg.local"}))
	require.Len(t, inspector.pinged, 1)
	assert.Equal(t, query.SourcePostgreSQL, inspector.pinged[0].Type)
}
