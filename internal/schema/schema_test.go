package schema

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferDocumentMarksIdentityField(t *testing.T) {
	columns := InferDocument(Document{
		{Name: "_id", Value: "65f0c0ffee"},
		{Name: "name", Value: "Ada"},
	}, InferOptions{})

	require.Len(t, columns, 2)
	assert.Equal(t, Column{Name: "_id", Type: "ObjectID", PrimaryKey: true, Path: "_id"}, columns[0])
	assert.Equal(t, Column{Name: "name", Type: TypeString, Nullable: true, Path: "name"}, columns[1])
}

func TestInferDocumentClassifiesScalars(t *testing.T) {
	columns := InferDocument(Document{
		{Name: "s", Value: "x"},
		{Name: "i", Value: int32(4)},
		{Name: "f", Value: 1.5},
		{Name: "b", Value: true},
		{Name: "d", Value: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
		{Name: "n", Value: nil},
		{Name: "weird", Value: struct{}{}},
	}, InferOptions{})

	got := map[string]ColumnType{}
	for _, column := range columns {
		got[column.Name] = column.Type
	}
	assert.Equal(t, map[string]ColumnType{
		"s": TypeString, "i": TypeNumber, "f": TypeNumber, "b": TypeBoolean,
		"d": TypeDate, "n": TypeNull, "weird": TypeUnknown,
	}, got)
}

func TestInferDocumentRecursesIntoObjectsAndFirstArrayElement(t *testing.T) {
	columns := InferDocument(Document{
		{Name: "address", Value: Document{
			{Name: "city", Value: "Oslo"},
			{Name: "geo", Value: map[string]any{"lat": 59.9, "lng": 10.7}},
		}},
		{Name: "items", Value: []any{
			map[string]any{"sku": "a-1", "qty": 2},
			map[string]any{"other": true},
		}},
		{Name: "tags", Value: []any{"a", "b"}},
	}, InferOptions{})

	want := []Column{
		{Name: "address", Type: TypeObject, Nullable: true, Path: "address", Nested: []Column{
			{Name: "city", Type: TypeString, Nullable: true, Path: "address.city"},
			{Name: "geo", Type: TypeObject, Nullable: true, Path: "address.geo", Nested: []Column{
				{Name: "lat", Type: TypeNumber, Nullable: true, Path: "address.geo.lat"},
				{Name: "lng", Type: TypeNumber, Nullable: true, Path: "address.geo.lng"},
			}},
		}},
		{Name: "items", Type: TypeArray, Nullable: true, Path: "items", Nested: []Column{
			{Name: "qty", Type: TypeNumber, Nullable: true, Path: "items.qty"},
			{Name: "sku", Type: TypeString, Nullable: true, Path: "items.sku"},
		}},
		{Name: "tags", Type: TypeArray, Nullable: true, Path: "tags"},
	}
	if diff := cmp.Diff(want, columns); diff != "" {
		t.Fatalf("InferDocument() mismatch (-want +got):\n%s", diff)
	}
}

func TestInferDocumentStopsAtMaxDepth(t *testing.T) {
	doc := Document{{Name: "leaf", Value: "x"}}
	for i := 0; i < 10; i++ {
		doc = Document{{Name: "level", Value: doc}}
	}

	columns := InferDocument(doc, InferOptions{MaxDepth: 3})

	depth := 0
	current := columns
	for len(current) > 0 {
		depth++
		current = current[0].Nested
	}
	assert.Equal(t, 3, depth)
}

func TestInferDocumentUsesClassifierFirst(t *testing.T) {
	type objectID [12]byte
	columns := InferDocument(Document{{Name: "owner", Value: objectID{}}}, InferOptions{
		Classify: func(value any) (ColumnType, bool) {
			if _, ok := value.(objectID); ok {
				return "ObjectID", true
			}
			return "", false
		},
	})
	require.Len(t, columns, 1)
	assert.Equal(t, ColumnType("ObjectID"), columns[0].Type)
	assert.True(t, columns[0].Nullable)
	assert.False(t, columns[0].PrimaryKey)
}

func TestMergeUpgradesNullToTypedSample(t *testing.T) {
	first := InferDocument(Document{{Name: "email", Value: nil}}, InferOptions{})
	second := InferDocument(Document{{Name: "email", Value: "a@b.c"}}, InferOptions{})

	merged := Merge(first, second)

	require.Len(t, merged, 1)
	assert.Equal(t, TypeString, merged[0].Type)
	assert.True(t, merged[0].Nullable)

	reverse := Merge(second, first)
	assert.Equal(t, merged, reverse)
}

func TestMergeAppendsNewNames(t *testing.T) {
	merged := Merge(
		[]Column{{Name: "a", Type: TypeString}},
		[]Column{{Name: "b", Type: TypeNumber}, {Name: "a", Type: TypeString}},
	)
	names := make([]string, 0, len(merged))
	for _, column := range merged {
		names = append(names, column.Name)
	}
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestMergeConflictingTypesCollapseToUnknown(t *testing.T) {
	merged := Merge(
		[]Column{{Name: "v", Type: TypeObject, Nested: []Column{{Name: "x", Type: TypeString}}}},
		[]Column{{Name: "v", Type: TypeNumber}},
	)
	require.Len(t, merged, 1)
	assert.Equal(t, TypeUnknown, merged[0].Type)
	assert.Empty(t, merged[0].Nested)

	again := Merge(merged, []Column{{Name: "v", Type: TypeString}})
	assert.Equal(t, TypeUnknown, again[0].Type)
}

func TestMergeArrayAdoptsShapeWhenOnlyOneSideHasIt(t *testing.T) {
	shaped := []Column{{Name: "items", Type: TypeArray, Nested: []Column{{Name: "sku", Type: TypeString}}}}
	bare := []Column{{Name: "items", Type: TypeArray}}

	assert.Equal(t, shaped, Merge(bare, shaped))
	assert.Equal(t, shaped, Merge(shaped, bare))
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	existing := []Column{{Name: "o", Type: TypeObject, Nested: []Column{{Name: "a", Type: TypeString}}}}
	incoming := []Column{{Name: "o", Type: TypeObject, Nested: []Column{{Name: "b", Type: TypeString}}}}

	_ = Merge(existing, incoming)

	assert.Len(t, existing[0].Nested, 1)
	assert.Len(t, incoming[0].Nested, 1)
}

func TestMergeIsPermutationInvariant(t *testing.T) {
	docs := []Document{
		{{Name: "_id", Value: "1"}, {Name: "email", Value: nil}, {Name: "profile", Value: Document{{Name: "age", Value: 31}}}},
		{{Name: "_id", Value: "2"}, {Name: "email", Value: "x@y.z"}, {Name: "orders", Value: []any{}}},
		{{Name: "_id", Value: "3"}, {Name: "profile", Value: Document{{Name: "city", Value: "Rome"}}}, {Name: "orders", Value: []any{map[string]any{"total": 9.5}}}},
		{{Name: "_id", Value: "4"}, {Name: "score", Value: 3}, {Name: "profile", Value: nil}},
		{{Name: "_id", Value: "5"}, {Name: "score", Value: "high"}},
	}

	want := normalize(InferTable("users", docs, InferOptions{}).Columns)
	for _, perm := range permutations(len(docs)) {
		sample := make([]Document, len(perm))
		for i, idx := range perm {
			sample[i] = docs[idx]
		}
		got := normalize(InferTable("users", sample, InferOptions{}).Columns)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("permutation %v produced a different column set (-want +got):\n%s", perm, diff)
		}
	}

	byName := map[string]Column{}
	for _, column := range want {
		byName[column.Name] = column
	}
	assert.Equal(t, TypeString, byName["email"].Type)
	assert.Equal(t, TypeUnknown, byName["score"].Type)
	assert.Equal(t, TypeObject, byName["profile"].Type)
	assert.Len(t, byName["profile"].Nested, 2)
	assert.Len(t, byName["orders"].Nested, 1)
	assert.True(t, byName["_id"].PrimaryKey)
	assert.False(t, byName["_id"].Nullable)
}

func TestInferTableWithNoDocuments(t *testing.T) {
	table := InferTable("empty", nil, InferOptions{})
	assert.Equal(t, "empty", table.Name)
	assert.NotNil(t, table.Columns)
	assert.Empty(t, table.Columns)
}

func TestDescribeRendersAnnotationsAndNesting(t *testing.T) {
	d := Descriptor{Tables: []Table{
		{Name: "users", Columns: []Column{
			{Name: "_id", Type: "ObjectID", PrimaryKey: true},
			{Name: "address", Type: TypeObject, Nullable: true, Nested: []Column{
				{Name: "city", Type: TypeString, Nullable: true},
			}},
		}},
		{Name: "orders", Columns: []Column{{Name: "id", Type: "integer", PrimaryKey: true}}},
	}}

	want := "Table/Collection: users\n" +
		"Columns/Fields:\n" +
		"- _id (ObjectID) (PRIMARY KEY)\n" +
		"- address (object) (NULLABLE)\n" +
		"  - city (string) (NULLABLE)\n" +
		"\n" +
		"Table/Collection: orders\n" +
		"Columns/Fields:\n" +
		"- id (integer) (PRIMARY KEY)\n" +
		"\n"
	assert.Equal(t, want, Describe(d))
	assert.Equal(t, Describe(d), Describe(d))

	orders, ok := d.Table("orders")
	require.True(t, ok)
	assert.Equal(t, "Table/Collection: orders\nColumns/Fields:\n- id (integer) (PRIMARY KEY)\n\n", DescribeTable(orders))
	assert.Equal(t, "- users\n- orders\n", TableNames(d))
}

func TestDescribeEmptyDescriptor(t *testing.T) {
	assert.Equal(t, "", Describe(Descriptor{}))
	assert.True(t, Descriptor{}.Empty())
}

func TestValidateRejectsDuplicatesAndMisplacedNesting(t *testing.T) {
	dup := Descriptor{Tables: []Table{{Name: "a"}, {Name: "a"}}}
	assert.True(t, errors.Is(dup.Validate(), ErrInvalidDescriptor))

	misplaced := Descriptor{Tables: []Table{{Name: "a", Columns: []Column{
		{Name: "x", Type: TypeString, Nested: []Column{{Name: "y", Type: TypeString}}},
	}}}}
	assert.ErrorIs(t, misplaced.Validate(), ErrInvalidDescriptor)

	ok := Descriptor{Tables: []Table{{Name: "a"}, {Name: "b"}}}
	assert.NoError(t, ok.Validate())
	assert.Equal(t, []string{"a", "b"}, ok.Names())
}

func normalize(columns []Column) []Column {
	out := cloneColumns(columns)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	for i := range out {
		out[i].Nested = normalize(out[i].Nested)
	}
	return out
}

func permutations(n int) [][]int {
	var out [][]int
	var walk func(prefix []int, used []bool)
	walk = func(prefix []int, used []bool) {
		if len(prefix) == n {
			out = append(out, append([]int(nil), prefix...))
			return
		}
		for i := 0; i < n; i++ {
			if used[i] {
				continue
			}
			used[i] = true
			walk(append(prefix, i), used)
			used[i] = false
		}
	}
	walk(nil, make([]bool, n))
	return out
}
