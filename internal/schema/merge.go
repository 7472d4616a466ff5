package schema

// Merge folds incoming into existing. Columns are keyed by name and new names
// are appended. "null" is the bottom type and is upgraded by any typed sample;
// two different concrete types collapse to "unknown", which absorbs further
// samples. The resulting column set does not depend on sample order.
func Merge(existing, incoming []Column) []Column {
	return mergeColumns(existing, incoming, 0, DefaultMaxDepth)
}

// MergeWithDepth is Merge with an explicit recursion bound.
func MergeWithDepth(existing, incoming []Column, maxDepth int) []Column {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return mergeColumns(existing, incoming, 0, maxDepth)
}

func mergeColumns(existing, incoming []Column, depth, maxDepth int) []Column {
	out := cloneColumns(existing)
	if out == nil {
		out = make([]Column, 0, len(incoming))
	}
	index := make(map[string]int, len(out))
	for i, column := range out {
		index[column.Name] = i
	}

	for _, column := range incoming {
		i, ok := index[column.Name]
		if !ok {
			out = append(out, cloneColumn(column))
			index[column.Name] = len(out) - 1
			continue
		}
		out[i] = mergeColumn(out[i], column, depth, maxDepth)
	}
	return out
}

func mergeColumn(a, b Column, depth, maxDepth int) Column {
	merged := Column{
		Name:       a.Name,
		Nullable:   a.Nullable || b.Nullable,
		PrimaryKey: a.PrimaryKey || b.PrimaryKey,
		Path:       a.Path,
	}
	if merged.Path == "" {
		merged.Path = b.Path
	}

	switch {
	case a.Type == b.Type:
		merged.Type = a.Type
		merged.Nested = mergeNested(a, b, depth, maxDepth)
	case a.Type == TypeNull:
		merged.Type = b.Type
		merged.Nested = cloneColumns(b.Nested)
	case b.Type == TypeNull:
		merged.Type = a.Type
		merged.Nested = cloneColumns(a.Nested)
	default:
		merged.Type = TypeUnknown
	}
	return merged
}

func mergeNested(a, b Column, depth, maxDepth int) []Column {
	if !a.Type.Structured() {
		return nil
	}
	switch {
	case len(a.Nested) == 0 && len(b.Nested) == 0:
		return nil
	case len(a.Nested) == 0:
		return cloneColumns(b.Nested)
	case len(b.Nested) == 0:
		return cloneColumns(a.Nested)
	}
	if depth+1 >= maxDepth {
		return cloneColumns(a.Nested)
	}
	return mergeColumns(a.Nested, b.Nested, depth+1, maxDepth)
}

func cloneColumn(column Column) Column {
	column.Nested = cloneColumns(column.Nested)
	return column
}
