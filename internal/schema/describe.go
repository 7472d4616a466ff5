package schema

import "strings"

// Describe renders every table in descriptor order. The output is a pure
// function of the descriptor.
func Describe(d Descriptor) string {
	var b strings.Builder
	for _, table := range d.Tables {
		writeTable(&b, table)
	}
	return b.String()
}

// DescribeTable renders a single table exactly as Describe would.
func DescribeTable(table Table) string {
	var b strings.Builder
	writeTable(&b, table)
	return b.String()
}

// TableNames renders the bullet list used when asking which table a request
// refers to.
func TableNames(d Descriptor) string {
	var b strings.Builder
	for _, table := range d.Tables {
		b.WriteString("- ")
		b.WriteString(table.Name)
		b.WriteByte('\n')
	}
	return b.String()
}

func writeTable(b *strings.Builder, table Table) {
	b.WriteString("Table/Collection: ")
	b.WriteString(table.Name)
	b.WriteString("\nColumns/Fields:\n")
	writeColumns(b, table.Columns, 0)
	b.WriteByte('\n')
}

func writeColumns(b *strings.Builder, columns []Column, level int) {
	indent := strings.Repeat("  ", level)
	for _, column := range columns {
		b.WriteString(indent)
		b.WriteString("- ")
		b.WriteString(column.Name)
		b.WriteString(" (")
		b.WriteString(string(column.Type))
		b.WriteByte(')')
		if column.PrimaryKey {
			b.WriteString(" (PRIMARY KEY)")
		}
		if column.Nullable {
			b.WriteString(" (NULLABLE)")
		}
		b.WriteByte('\n')
		if len(column.Nested) > 0 {
			writeColumns(b, column.Nested, level+1)
		}
	}
}
