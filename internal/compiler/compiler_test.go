package compiler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querymesh/querymesh/internal/schema"
)

type call struct {
	system string
	user   string
}

type scriptedCompleter struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   []call
}

func (s *scriptedCompleter) Complete(_ context.Context, system, user string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.calls)
	s.calls = append(s.calls, call{system: system, user: user})
	var err error
	if idx < len(s.errs) {
		err = s.errs[idx]
	}
	if err != nil {
		return "", err
	}
	if idx < len(s.replies) {
		return s.replies[idx], nil
	}
	return "", nil
}

func twoCollections() schema.Descriptor {
	return schema.Descriptor{Tables: []schema.Table{
		{Name: "users", Columns: []schema.Column{
			{Name: "_id", Type: schema.TypeString, PrimaryKey: true},
			{Name: "age", Type: schema.TypeNumber, Nullable: true},
		}},
		{Name: "orders", Columns: []schema.Column{
			{Name: "_id", Type: schema.TypeString, PrimaryKey: true},
			{Name: "total", Type: schema.TypeNumber, Nullable: true},
		}},
	}}
}

func TestCompileDocumentFocusesMatchedCollection(t *testing.T) {
	stub := &scriptedCompleter{replies: []string{
		"users",
		"// Collection: users\n// Operation: find\n{\"age\": {\"$gt\": 30}}",
	}}
	c := New(stub, Options{})

	got, err := c.Compile(context.Background(), Request{
		Backend: schema.BackendDocument,
		Schema:  twoCollections(),
		Text:    "users older than 30",
	})
	require.NoError(t, err)
	require.Len(t, stub.calls, 2)

	assert.Equal(t, "users", got.MatchedTable)
	assert.False(t, got.Fallback)
	assert.Equal(t, "// Collection: users\n// Operation: find\n{\"age\":{\"$gt\":30}}", got.Source)

	assert.Contains(t, stub.calls[0].user, "- users\n- orders\n")
	assert.Contains(t, stub.calls[1].user, "Table/Collection: users")
	assert.NotContains(t, stub.calls[1].user, "Table/Collection: orders")
	assert.True(t, strings.HasSuffix(stub.calls[1].user, "MongoDB Query:"))
	assert.Contains(t, stub.calls[1].system, "$limit: 100")
	assert.Equal(t, got.Prompt.System+"\n\n"+got.Prompt.User, got.Instruction())
}

func TestCompileFallsBackToFullSchemaOnUnknownMatch(t *testing.T) {
	stub := &scriptedCompleter{replies: []string{"customers", "SELECT * FROM users LIMIT 100"}}
	c := New(stub, Options{})

	got, err := c.Compile(context.Background(), Request{
		Backend: schema.BackendRelational,
		Dialect: "DuckDB",
		Schema:  twoCollections(),
		Text:    "all users",
	})
	require.NoError(t, err)
	assert.True(t, got.Fallback)
	assert.Empty(t, got.MatchedTable)
	assert.Contains(t, stub.calls[1].user, "Table/Collection: users")
	assert.Contains(t, stub.calls[1].user, "Table/Collection: orders")
	assert.Contains(t, stub.calls[1].system, "DuckDB")
	assert.Equal(t, "SELECT * FROM users LIMIT 100", got.Source)
}

func TestCompileFallsBackWhenMatchCallFails(t *testing.T) {
	stub := &scriptedCompleter{
		replies: []string{"", "SELECT 1"},
		errs:    []error{errors.New("provider down"), nil},
	}
	got, err := New(stub, Options{}).Compile(context.Background(), Request{
		Backend: schema.BackendRelational,
		Schema:  twoCollections(),
		Text:    "anything",
	})
	require.NoError(t, err)
	assert.True(t, got.Fallback)
	assert.Len(t, stub.calls, 2)
}

func TestCompileSkipsMatchingForSingleTable(t *testing.T) {
	stub := &scriptedCompleter{replies: []string{"```sql\nSELECT COUNT(*) FROM orders\n```"}}
	d := schema.Descriptor{Tables: twoCollections().Tables[1:]}

	got, err := New(stub, Options{}).Compile(context.Background(), Request{
		Backend: schema.BackendRelational,
		Schema:  d,
		Text:    "how many orders",
	})
	require.NoError(t, err)
	require.Len(t, stub.calls, 1)
	assert.Equal(t, "SELECT COUNT(*) FROM orders", got.Source)
	assert.Empty(t, got.MatchedTable)
	assert.False(t, got.Fallback)
	assert.Contains(t, stub.calls[0].system, "PostgreSQL")
	assert.True(t, strings.HasSuffix(stub.calls[0].user, "SQL Query:"))
}

func TestCompileRejectsUnsupportedBackendWithoutCalls(t *testing.T) {
	stub := &scriptedCompleter{}
	_, err := New(stub, Options{}).Compile(context.Background(), Request{
		Backend: schema.BackendKind("graph"),
		Schema:  twoCollections(),
		Text:    "anything",
	})
	require.ErrorIs(t, err, ErrUnsupportedBackend)
	assert.Empty(t, stub.calls)
}

func TestCompileRejectsEmptyText(t *testing.T) {
	stub := &scriptedCompleter{}
	_, err := New(stub, Options{}).Compile(context.Background(), Request{Backend: schema.BackendDocument, Text: "  "})
	require.ErrorIs(t, err, ErrEmptyRequest)
	assert.Empty(t, stub.calls)
}

func TestCompileGenerationFailure(t *testing.T) {
	stub := &scriptedCompleter{errs: []error{errors.New("boom")}}
	_, err := New(stub, Options{}).Compile(context.Background(), Request{
		Backend: schema.BackendRelational,
		Schema:  schema.Descriptor{Tables: twoCollections().Tables[:1]},
		Text:    "x",
	})
	require.ErrorIs(t, err, ErrGenerationFailed)
}

func TestCompileKeepsRawDocumentTextWhenNotJSON(t *testing.T) {
	raw := "// Collection: users\n// Operation: find\n{age > 30}"
	stub := &scriptedCompleter{replies: []string{raw}}
	got, err := New(stub, Options{}).Compile(context.Background(), Request{
		Backend: schema.BackendDocument,
		Schema:  schema.Descriptor{Tables: twoCollections().Tables[:1]},
		Text:    "older users",
	})
	require.NoError(t, err)
	assert.Equal(t, raw, got.Source)
}

func TestMatchTableNormalizesAnswerAndCaches(t *testing.T) {
	stub := &scriptedCompleter{replies: []string{"`Orders`."}}
	c := New(stub, Options{MatchCacheSize: 8, MatchCacheTTL: time.Minute})

	table, ok := c.MatchTable(context.Background(), twoCollections(), "order totals")
	require.True(t, ok)
	assert.Equal(t, "orders", table.Name)

	table, ok = c.MatchTable(context.Background(), twoCollections(), "order totals")
	require.True(t, ok)
	assert.Equal(t, "orders", table.Name)
	assert.Len(t, stub.calls, 1)
}

func TestTitle(t *testing.T) {
	clock := func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	stub := &scriptedCompleter{replies: []string{"\"Users Over Thirty\""}}
	assert.Equal(t, "Users Over Thirty", New(stub, Options{Clock: clock}).Title(context.Background(), "users older than 30"))

	long := strings.Repeat("a", 80)
	stub = &scriptedCompleter{replies: []string{long}}
	assert.Equal(t, strings.Repeat("a", 50), New(stub, Options{Clock: clock}).Title(context.Background(), "x"))

	stub = &scriptedCompleter{errs: []error{errors.New("down")}}
	assert.Equal(t, "Query 2026-03-04T05:06:07Z", New(stub, Options{Clock: clock}).Title(context.Background(), "x"))
}
