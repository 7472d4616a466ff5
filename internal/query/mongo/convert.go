package mongo

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/querymesh/querymesh/internal/schema"
)

// toDocument keeps stored field order so inferred columns follow it.
func toDocument(doc bson.D) schema.Document {
	out := make(schema.Document, 0, len(doc))
	for _, elem := range doc {
		out = append(out, schema.Field{Name: elem.Key, Value: inferenceValue(elem.Value)})
	}
	return out
}

func inferenceValue(value any) any {
	switch typed := value.(type) {
	case bson.D:
		return toDocument(typed)
	case bson.M:
		return map[string]any(typed)
	case bson.A:
		values := make([]any, len(typed))
		for i, v := range typed {
			values[i] = inferenceValue(v)
		}
		return values
	default:
		return value
	}
}

// classify types the driver's native values ahead of the generic rules.
func classify(value any) (schema.ColumnType, bool) {
	switch value.(type) {
	case primitive.ObjectID:
		return schema.DefaultIdentityType, true
	case primitive.DateTime, primitive.Timestamp:
		return schema.TypeDate, true
	case primitive.Decimal128:
		return schema.TypeNumber, true
	case primitive.Binary, primitive.Regex, primitive.Symbol, primitive.JavaScript:
		return schema.TypeString, true
	case primitive.Null, primitive.Undefined:
		return schema.TypeNull, true
	default:
		return "", false
	}
}

// resultValue turns driver types into plain values that encode cleanly as
// JSON and Parquet.
func resultValue(value any) any {
	switch typed := value.(type) {
	case bson.D:
		out := make(map[string]any, len(typed))
		for _, elem := range typed {
			out[elem.Key] = resultValue(elem.Value)
		}
		return out
	case bson.M:
		out := make(map[string]any, len(typed))
		for key, v := range typed {
			out[key] = resultValue(v)
		}
		return out
	case bson.A:
		out := make([]any, len(typed))
		for i, v := range typed {
			out[i] = resultValue(v)
		}
		return out
	case primitive.ObjectID:
		return typed.Hex()
	case primitive.DateTime:
		return typed.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(typed.T), 0).UTC()
	case primitive.Decimal128:
		return typed.String()
	case primitive.Binary:
		return typed.Data
	case primitive.Regex:
		return typed.String()
	case primitive.Symbol:
		return string(typed)
	case primitive.JavaScript:
		return string(typed)
	case primitive.Null, primitive.Undefined:
		return nil
	default:
		return value
	}
}

// toResult flattens documents into columns in first-seen order. Every row has
// a cell per column: a field missing from a document reads as nil, the same
// as an explicit BSON null.
func toResult(docs []bson.D) ([]string, [][]any) {
	columns := make([]string, 0)
	index := map[string]int{}
	for _, doc := range docs {
		for _, elem := range doc {
			if _, ok := index[elem.Key]; !ok {
				index[elem.Key] = len(columns)
				columns = append(columns, elem.Key)
			}
		}
	}

	rows := make([][]any, 0, len(docs))
	for _, doc := range docs {
		row := make([]any, len(columns))
		for _, elem := range doc {
			row[index[elem.Key]] = resultValue(elem.Value)
		}
		rows = append(rows, row)
	}
	return columns, rows
}
