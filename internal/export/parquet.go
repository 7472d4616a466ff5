package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"
)

type columnKind int

const (
	kindNull columnKind = iota
	kindInt
	kindFloat
	kindBool
	kindString
)

type EncodeResult struct {
	Data        []byte
	RecordCount int64
	Columns     []string
}

// EncodeParquet writes result rows as one optional leaf per column. A column
// whose non-null values share a numeric or boolean kind keeps that type;
// anything else is stored as text, nested values as JSON.
func EncodeParquet(columns []string, rows [][]any) (EncodeResult, error) {
	if len(columns) == 0 {
		return EncodeResult{}, fmt.Errorf("columns are required")
	}

	names := uniqueColumnNames(columns)
	kinds := make([]columnKind, len(names))
	for i := range names {
		kinds[i] = columnKindOf(rows, i)
	}

	group := parquet.Group{}
	for i, name := range names {
		group[name] = parquet.Optional(leafFor(kinds[i]))
	}
	schema := parquet.NewSchema("query_result", group)

	// Group fields are ordered by name; map each result column to its leaf.
	leaf := make([]int, len(names))
	for i, name := range names {
		column, ok := schema.Lookup(name)
		if !ok {
			return EncodeResult{}, fmt.Errorf("column %q missing from parquet schema", name)
		}
		leaf[i] = column.ColumnIndex
	}
	order := make([]int, len(names))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return leaf[order[a]] < leaf[order[b]] })

	encoded := make([]parquet.Row, 0, len(rows))
	for r, row := range rows {
		out := make(parquet.Row, 0, len(names))
		for _, i := range order {
			var raw any
			if i < len(row) {
				raw = row[i]
			}
			value, err := parquetValue(kinds[i], raw)
			if err != nil {
				return EncodeResult{}, fmt.Errorf("row %d column %q: %w", r, names[i], err)
			}
			out = append(out, value.Level(0, definitionLevel(raw), leaf[i]))
		}
		encoded = append(encoded, out)
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewWriter(buf, schema)
	if _, err := writer.WriteRows(encoded); err != nil {
		return EncodeResult{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return EncodeResult{}, fmt.Errorf("close parquet writer: %w", err)
	}

	return EncodeResult{
		Data:        buf.Bytes(),
		RecordCount: int64(len(encoded)),
		Columns:     names,
	}, nil
}

func uniqueColumnNames(columns []string) []string {
	seen := make(map[string]int, len(columns))
	names := make([]string, len(columns))
	for i, name := range columns {
		if name == "" {
			name = "column_" + strconv.Itoa(i+1)
		}
		base := name
		for seen[name] > 0 {
			seen[base]++
			name = base + "_" + strconv.Itoa(seen[base])
		}
		seen[name]++
		names[i] = name
	}
	return names
}

func columnKindOf(rows [][]any, i int) columnKind {
	kind := kindNull
	for _, row := range rows {
		if i >= len(row) || row[i] == nil {
			continue
		}
		next := kindOf(row[i])
		if kind == kindNull {
			kind = next
			continue
		}
		if kind != next {
			return kindString
		}
	}
	if kind == kindNull {
		return kindString
	}
	return kind
}

func kindOf(v any) columnKind {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return kindInt
	case float32, float64:
		return kindFloat
	case bool:
		return kindBool
	default:
		return kindString
	}
}

func leafFor(kind columnKind) parquet.Node {
	switch kind {
	case kindInt:
		return parquet.Int(64)
	case kindFloat:
		return parquet.Leaf(parquet.DoubleType)
	case kindBool:
		return parquet.Leaf(parquet.BooleanType)
	default:
		return parquet.String()
	}
}

func definitionLevel(v any) int {
	if v == nil {
		return 0
	}
	return 1
}

func parquetValue(kind columnKind, v any) (parquet.Value, error) {
	if v == nil {
		return parquet.NullValue(), nil
	}
	switch kind {
	case kindInt:
		n, err := toInt64(v)
		if err != nil {
			return parquet.Value{}, err
		}
		return parquet.Int64Value(n), nil
	case kindFloat:
		switch f := v.(type) {
		case float32:
			return parquet.DoubleValue(float64(f)), nil
		case float64:
			return parquet.DoubleValue(f), nil
		}
		return parquet.Value{}, fmt.Errorf("unexpected %T in float column", v)
	case kindBool:
		b, ok := v.(bool)
		if !ok {
			return parquet.Value{}, fmt.Errorf("unexpected %T in boolean column", v)
		}
		return parquet.BooleanValue(b), nil
	default:
		s, err := textValue(v)
		if err != nil {
			return parquet.Value{}, err
		}
		return parquet.ByteArrayValue([]byte(s)), nil
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected %T in integer column", v)
	}
}

func textValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return t.String(), nil
	case map[string]any, []any:
		raw, err := json.Marshal(t)
		if err != nil {
			return "", fmt.Errorf("encode nested value: %w", err)
		}
		return string(raw), nil
	default:
		return fmt.Sprint(t), nil
	}
}
