package schema

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	DefaultIdentityField = "_id"
	DefaultIdentityType  = ColumnType("ObjectID")
	DefaultMaxDepth      = 32
)

// Field is one key/value pair of a sampled document. Documents keep their
// stored field order so inferred columns follow it.
type Field struct {
	Name  string
	Value any
}

type Document []Field

// Classifier lets a store adapter type its native values (object ids,
// decimals, binary) before the generic classification runs.
type Classifier func(value any) (ColumnType, bool)

type InferOptions struct {
	IdentityField string
	IdentityType  ColumnType
	MaxDepth      int
	Classify      Classifier
}

func (o InferOptions) withDefaults() InferOptions {
	if o.IdentityField == "" {
		o.IdentityField = DefaultIdentityField
	}
	if o.IdentityType == "" {
		o.IdentityType = DefaultIdentityType
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	return o
}

// InferDocument derives the columns of a single document.
func InferDocument(doc Document, opts InferOptions) []Column {
	opts = opts.withDefaults()
	return inferFields(doc, "", 0, opts)
}

// InferTable folds a sample of documents into one table in sampling order.
func InferTable(name string, docs []Document, opts InferOptions) Table {
	opts = opts.withDefaults()
	var columns []Column
	for i, doc := range docs {
		current := inferFields(doc, "", 0, opts)
		if i == 0 {
			columns = current
			continue
		}
		columns = mergeColumns(columns, current, 0, opts.MaxDepth)
	}
	if columns == nil {
		columns = []Column{}
	}
	return Table{Name: name, Columns: columns}
}

func inferFields(doc Document, parentPath string, depth int, opts InferOptions) []Column {
	columns := make([]Column, 0, len(doc))
	for _, field := range doc {
		path := field.Name
		if parentPath != "" {
			path = parentPath + "." + field.Name
		}
		if field.Name == opts.IdentityField {
			columns = append(columns, Column{
				Name:       field.Name,
				Type:       opts.IdentityType,
				Nullable:   false,
				PrimaryKey: true,
				Path:       path,
			})
			continue
		}

		column := Column{Name: field.Name, Nullable: true, Path: path}
		column.Type, column.Nested = classify(field.Value, path, depth, opts)
		columns = append(columns, column)
	}
	return columns
}

func classify(value any, path string, depth int, opts InferOptions) (ColumnType, []Column) {
	if opts.Classify != nil {
		if typ, ok := opts.Classify(value); ok {
			return typ, nil
		}
	}

	switch typed := value.(type) {
	case nil:
		return TypeNull, nil
	case string:
		return TypeString, nil
	case bool:
		return TypeBoolean, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return TypeNumber, nil
	case time.Time:
		return TypeDate, nil
	case Document:
		return TypeObject, nestedFields(typed, path, depth, opts)
	case map[string]any:
		return TypeObject, nestedFields(mapDocument(typed), path, depth, opts)
	case []any:
		return TypeArray, arrayShape(typed, path, depth, opts)
	default:
		return TypeUnknown, nil
	}
}

func nestedFields(doc Document, path string, depth int, opts InferOptions) []Column {
	if depth+1 >= opts.MaxDepth {
		return nil
	}
	nested := inferFields(doc, path, depth+1, opts)
	if len(nested) == 0 {
		return nil
	}
	return nested
}

// arrayShape samples the first element only; arrays are assumed homogeneous.
func arrayShape(values []any, path string, depth int, opts InferOptions) []Column {
	if len(values) == 0 {
		return nil
	}
	switch first := values[0].(type) {
	case Document:
		return nestedFields(first, path, depth, opts)
	case map[string]any:
		return nestedFields(mapDocument(first), path, depth, opts)
	default:
		return nil
	}
}

// mapDocument orders map keys so inference over decoded JSON is stable.
func mapDocument(values map[string]any) Document {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	doc := make(Document, 0, len(keys))
	for _, key := range keys {
		doc = append(doc, Field{Name: key, Value: values[key]})
	}
	return doc
}
