// Package schema models the table/collection structure of a data source and
// renders it as the plain-text context handed to the completion provider.
package schema

import (
	"errors"
	"fmt"
)

// ColumnType is either one of the closed inference tags below or a native
// database type reported by a relational catalog (e.g. "integer").
type ColumnType string

const (
	TypeString  ColumnType = "string"
	TypeNumber  ColumnType = "number"
	TypeBoolean ColumnType = "boolean"
	TypeDate    ColumnType = "date"
	TypeNull    ColumnType = "null"
	TypeObject  ColumnType = "object"
	TypeArray   ColumnType = "array"
	TypeUnknown ColumnType = "unknown"
)

// Structured reports whether columns of this type may carry nested columns.
func (t ColumnType) Structured() bool {
	return t == TypeObject || t == TypeArray
}

type BackendKind string

const (
	BackendDocument   BackendKind = "document"
	BackendRelational BackendKind = "relational"
)

func (k BackendKind) Valid() bool {
	return k == BackendDocument || k == BackendRelational
}

type Column struct {
	Name       string     `json:"name"`
	Type       ColumnType `json:"type"`
	Nullable   bool       `json:"nullable"`
	PrimaryKey bool       `json:"primaryKey"`
	Nested     []Column   `json:"fields,omitempty"`
	Path       string     `json:"path,omitempty"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

type Descriptor struct {
	Tables []Table `json:"tables"`
}

var (
	ErrInvalidDescriptor  = errors.New("invalid schema descriptor")
	ErrUnsupportedBackend = errors.New("unsupported backend")
)

// Table looks a table up by exact name.
func (d Descriptor) Table(name string) (Table, bool) {
	for _, table := range d.Tables {
		if table.Name == name {
			return table, true
		}
	}
	return Table{}, false
}

func (d Descriptor) Names() []string {
	names := make([]string, 0, len(d.Tables))
	for _, table := range d.Tables {
		names = append(names, table.Name)
	}
	return names
}

func (d Descriptor) Empty() bool {
	return len(d.Tables) == 0
}

// Validate checks that table names are unique and that only object and array
// columns carry nested columns.
func (d Descriptor) Validate() error {
	seen := make(map[string]struct{}, len(d.Tables))
	for _, table := range d.Tables {
		if table.Name == "" {
			return fmt.Errorf("%w: empty table name", ErrInvalidDescriptor)
		}
		if _, dup := seen[table.Name]; dup {
			return fmt.Errorf("%w: duplicate table %q", ErrInvalidDescriptor, table.Name)
		}
		seen[table.Name] = struct{}{}
		if err := validateColumns(table.Name, table.Columns); err != nil {
			return err
		}
	}
	return nil
}

func validateColumns(table string, columns []Column) error {
	for _, column := range columns {
		if len(column.Nested) > 0 && !column.Type.Structured() {
			return fmt.Errorf("%w: %s.%s has nested columns but type %q", ErrInvalidDescriptor, table, column.Name, column.Type)
		}
		if err := validateColumns(table, column.Nested); err != nil {
			return err
		}
	}
	return nil
}

func cloneColumns(columns []Column) []Column {
	if columns == nil {
		return nil
	}
	out := make([]Column, len(columns))
	for i, column := range columns {
		out[i] = column
		out[i].Nested = cloneColumns(column.Nested)
	}
	return out
}
