package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querymesh/querymesh/internal/directive"
	"github.com/querymesh/querymesh/internal/schema"
)

type fakeEngine struct {
	pingErr    error
	inspection Inspection
	result     Result
	execErr    error
	executed   []directive.Directive
}

func (f *fakeEngine) Ping(context.Context, Connection) error { return f.pingErr }

func (f *fakeEngine) Inspect(context.Context, Connection) (Inspection, error) {
	return f.inspection, nil
}

func (f *fakeEngine) Execute(_ context.Context, _ Connection, d directive.Directive) (Result, error) {
	f.executed = append(f.executed, d)
	return f.result, f.execErr
}

func TestDispatcherExecuteRoutesParsedDirective(t *testing.T) {
	engine := &fakeEngine{result: Result{Columns: []string{"name"}, Rows: [][]any{{"ada"}}}}
	d := NewDispatcher(nil)
	d.Register(SourceMongoDB, engine)

	got, err := d.Execute(context.Background(), Connection{Type: SourceMongoDB},
		"// Collection: users\n// Operation: find\n{\"age\": {\"$gt\": 30}}")
	require.NoError(t, err)
	require.Len(t, engine.executed, 1)
	assert.Equal(t, "users", engine.executed[0].Collection)
	assert.Equal(t, directive.OperationFind, engine.executed[0].Operation)
	assert.JSONEq(t, `{"age":{"$gt":30}}`, string(engine.executed[0].Payload))
	assert.Equal(t, []map[string]any{{"name": "ada"}}, got.Records())
}

func TestDispatcherExecuteFailures(t *testing.T) {
	tests := []struct {
		name   string
		conn   Connection
		source string
		engine *fakeEngine
		is     error
	}{
		{
			name:   "unregistered source type",
			conn:   Connection{Type: SourceType("cassandra")},
			source: "SELECT 1",
			is:     ErrUnsupportedBackend,
		},
		{
			name:   "malformed document directive",
			conn:   Connection{Type: SourceMongoDB},
			source: "// Collection: users\n// Operation: find\n{not json",
			engine: &fakeEngine{},
			is:     directive.ErrDirectiveMalformed,
		},
		{
			name:   "missing collection metadata",
			conn:   Connection{Type: SourceMongoDB},
			source: "// Operation: find\n{}",
			engine: &fakeEngine{},
			is:     directive.ErrNotExecutable,
		},
		{
			name:   "engine rejection",
			conn:   Connection{Type: SourcePostgreSQL},
			source: "SELECT * FROM missing",
			engine: &fakeEngine{execErr: errors.New(`relation "missing" does not exist`)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(nil)
			if tt.engine != nil {
				d.Register(tt.conn.Type, tt.engine)
			}
			_, err := d.Execute(context.Background(), tt.conn, tt.source)
			require.ErrorIs(t, err, ErrExecutionFailed)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
			if tt.engine != nil && tt.is != nil {
				assert.Empty(t, tt.engine.executed)
			}
		})
	}
}

func TestDispatcherPingWrapsConnectionFailure(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register(SourceSQLite, &fakeEngine{pingErr: errors.New("no such file")})
	err := d.Ping(context.Background(), Connection{Type: SourceSQLite})
	require.ErrorIs(t, err, ErrConnectionFailed)
	assert.Contains(t, err.Error(), "no such file")
}

func TestDispatcherInspectPassesDegradedThrough(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register(SourceMongoDB, &fakeEngine{inspection: Inspection{Degraded: true, Warning: "timeout"}})
	got, err := d.Inspect(context.Background(), Connection{Type: SourceMongoDB})
	require.NoError(t, err)
	assert.True(t, got.Degraded)
	assert.True(t, got.Schema.Empty())
}

func TestSourceTypes(t *testing.T) {
	st, ok := ParseSourceType(" Postgres ")
	require.True(t, ok)
	assert.Equal(t, SourcePostgreSQL, st)
	assert.Equal(t, schema.BackendRelational, st.Backend())
	assert.Equal(t, "PostgreSQL", st.Dialect())

	assert.Equal(t, schema.BackendDocument, SourceMongoDB.Backend())
	assert.Equal(t, "DuckDB", SourceDuckDB.Dialect())

	_, ok = ParseSourceType("oracle")
	assert.False(t, ok)
	assert.False(t, SourceType("oracle").Backend().Valid())
}

func TestNewStats(t *testing.T) {
	assert.Equal(t, Stats{TableCount: 2, SizeBytes: 2048, Size: "2.0 kB"}, NewStats(2, 2048))
	assert.Equal(t, Stats{TableCount: 0, Size: "Unknown"}, NewStats(0, -1))
}

func TestTransition(t *testing.T) {
	require.NoError(t, Transition(StatusPending, StatusRunning))
	require.NoError(t, Transition(StatusRunning, StatusCompleted))
	require.NoError(t, Transition(StatusRunning, StatusFailed))
	require.NoError(t, Transition(StatusFailed, StatusPending))
	require.NoError(t, Transition(StatusCompleted, StatusPending))

	assert.ErrorIs(t, Transition(StatusCompleted, StatusRunning), ErrInvalidTransition)
	assert.ErrorIs(t, Transition(StatusPending, StatusCompleted), ErrInvalidTransition)
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusRunning.Terminal())
}
