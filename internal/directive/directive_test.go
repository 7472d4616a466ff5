package directive

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querymesh/querymesh/internal/schema"
)

func TestParseDocumentFind(t *testing.T) {
	d, err := ParseDocument("// Collection: users\n// Operation: find\n{\"age\": {\"$gt\": 30}}")
	require.NoError(t, err)

	assert.Equal(t, "users", d.Collection)
	assert.Equal(t, OperationFind, d.Operation)
	assert.JSONEq(t, `{"age":{"$gt":30}}`, string(d.Payload))
	assert.Equal(t, `{"age":{"$gt":30}}`, string(d.Payload))
	assert.NoError(t, d.Validate())
}

func TestParseDocumentAggregateAcrossLinesAndFences(t *testing.T) {
	text := "```json\n" +
		"// Collection: orders\n" +
		"// Operation: aggregate\n" +
		"[\n" +
		"  {\"$group\": {\"_id\": \"$status\", \"n\": {\"$sum\": 1}}},\n" +
		"  {\"$limit\": 100}\n" +
		"]\n" +
		"```"

	d, err := ParseDocument(text)
	require.NoError(t, err)
	assert.Equal(t, "orders", d.Collection)
	assert.Equal(t, OperationAggregate, d.Operation)
	assert.Equal(t, `[{"$group":{"_id":"$status","n":{"$sum":1}}},{"$limit":100}]`, string(d.Payload))
	assert.NoError(t, d.Validate())
	assert.Equal(t, text, d.Raw)
}

func TestParseDocumentPreservesKeyOrder(t *testing.T) {
	d, err := ParseDocument("// Collection: c\n// Operation: find\n{\"z\":1, \"a\":2, \"m\":3}")
	require.NoError(t, err)
	assert.Equal(t, `{"z":1,"a":2,"m":3}`, string(d.Payload))
}

func TestParseDocumentRetriesAfterCollapsingWhitespace(t *testing.T) {
	d, err := ParseDocument("// Collection: c\n// Operation: find\n{\"name\": \"a\tb\"}")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"a b"}`, string(d.Payload))
}

func TestParseDocumentMalformedKeepsRawText(t *testing.T) {
	text := "// Collection: users\n// Operation: find\n{age: > 30}"
	d, err := ParseDocument(text)

	require.ErrorIs(t, err, ErrDirectiveMalformed)
	assert.Equal(t, text, d.Raw)
	assert.Equal(t, "users", d.Collection)
	assert.Empty(t, d.Payload)
}

func TestParseDocumentEmptyPayload(t *testing.T) {
	_, err := ParseDocument("// Collection: users\n// Operation: find\n")
	assert.ErrorIs(t, err, ErrDirectiveMalformed)
}

func TestValidateRequiresMetadataAndShape(t *testing.T) {
	cases := map[string]string{
		"missing collection": "// Operation: find\n{}",
		"missing operation":  "// Collection: c\n{}",
		"find with array":    "// Collection: c\n// Operation: find\n[]",
		"aggregate with obj": "// Collection: c\n// Operation: aggregate\n{}",
		"unknown operation":  "// Collection: c\n// Operation: delete\n{}",
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			d, err := ParseDocument(text)
			require.NoError(t, err)
			assert.ErrorIs(t, d.Validate(), ErrNotExecutable)
		})
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	inputs := []Directive{
		{Backend: schema.BackendDocument, Collection: "users", Operation: OperationFind, Payload: json.RawMessage(`{"age":{"$gt":30}}`)},
		{Backend: schema.BackendDocument, Collection: "orders", Operation: OperationAggregate, Payload: json.RawMessage(`[{"$match":{"status":"paid"}},{"$limit":100}]`)},
	}
	for _, in := range inputs {
		text := in.String()
		out, err := ParseDocument(text)
		require.NoError(t, err)
		assert.Equal(t, in.Collection, out.Collection)
		assert.Equal(t, in.Operation, out.Operation)
		assert.Equal(t, string(in.Payload), string(out.Payload))
		assert.Equal(t, text, out.String())
	}
}

func TestStringRendersWireFormat(t *testing.T) {
	d := Directive{Backend: schema.BackendDocument, Collection: "users", Operation: OperationFind, Payload: json.RawMessage(`{}`)}
	assert.Equal(t, "// Collection: users\n// Operation: find\n{}", d.String())
}

func TestParseRelationalStripsFence(t *testing.T) {
	d, err := ParseRelational("```sql\nSELECT COUNT(*) FROM users;\n```")
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(*) FROM users;", d.Statement)
	assert.NoError(t, d.Validate())
	assert.Equal(t, d.Statement, d.String())

	plain, err := ParseRelational("  SELECT 1  ")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", plain.Statement)

	_, err = ParseRelational("```\n```")
	assert.ErrorIs(t, err, ErrDirectiveMalformed)
}

func TestParseRejectsUnknownBackend(t *testing.T) {
	_, err := Parse(schema.BackendKind("graph"), "MATCH (n) RETURN n")
	assert.ErrorIs(t, err, schema.ErrUnsupportedBackend)
}
