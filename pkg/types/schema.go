package types

import "fmt"

// Schema defines the structure of a table's rows. A schema is immutable once
// a table is created; evolution produces a new schema with an incremented
// Version, and segments written under older versions are rewritten lazily by
// compaction.
type Schema struct {
	// Version tracks schema evolution for backward compatibility
	Version int `json:"version"`

	// Columns defines the columns in the schema, in physical order
	Columns []ColumnDef `json:"columns"`
}

// ColumnDef defines a single column in the schema.
type ColumnDef struct {
	// Name is the column name, unique within the schema
	Name string `json:"name"`

	// Type is the primitive type tag
	Type Type `json:"type"`

	// Nullable indicates whether the column can contain NULL values
	Nullable bool `json:"nullable"`

	// Key marks the column as part of the table key. Key columns drive
	// sort/z-order compaction and per-segment bloom filters.
	Key bool `json:"key,omitempty"`

	// Label is an optional human-readable label
	Label string `json:"label,omitempty"`

	// Description is an optional free-form description
	Description string `json:"description,omitempty"`

	// FormatHint is an optional display format hint (e.g. "percent", "iso8601")
	FormatHint string `json:"format_hint,omitempty"`
}

// Validate checks structural invariants: at least one column, valid types,
// unique names, and no nullable key columns.
func (s Schema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema has no columns")
	}

	seen := make(map[string]bool, len(s.Columns))
	for _, col := range s.Columns {
		if col.Name == "" {
			return fmt.Errorf("schema column has empty name")
		}
		if seen[col.Name] {
			return fmt.Errorf("duplicate column name %q", col.Name)
		}
		seen[col.Name] = true

		if !col.Type.Valid() {
			return fmt.Errorf("column %q has invalid type", col.Name)
		}
		if col.Key && col.Nullable {
			return fmt.Errorf("key column %q cannot be nullable", col.Name)
		}
	}
	return nil
}

// ColumnIndex returns the position of the named column, or -1 if absent.
func (s Schema) ColumnIndex(name string) int {
	for i, col := range s.Columns {
		if col.Name == name {
			return i
		}
	}
	return -1
}

// Column returns the definition of the named column.
func (s Schema) Column(name string) (ColumnDef, bool) {
	i := s.ColumnIndex(name)
	if i < 0 {
		return ColumnDef{}, false
	}
	return s.Columns[i], true
}

// KeyColumns returns the key column definitions in schema order.
func (s Schema) KeyColumns() []ColumnDef {
	var keys []ColumnDef
	for _, col := range s.Columns {
		if col.Key {
			keys = append(keys, col)
		}
	}
	return keys
}

// WithColumnAdded returns a new schema with the column appended and the
// version incremented. New columns must be nullable so that rows written
// under older versions can be reconciled with NULLs.
func (s Schema) WithColumnAdded(col ColumnDef) (Schema, error) {
	if s.ColumnIndex(col.Name) >= 0 {
		return Schema{}, fmt.Errorf("column %q already exists", col.Name)
	}
	if !col.Nullable {
		return Schema{}, fmt.Errorf("added column %q must be nullable", col.Name)
	}

	next := Schema{
		Version: s.Version + 1,
		Columns: append(append([]ColumnDef(nil), s.Columns...), col),
	}
	if err := next.Validate(); err != nil {
		return Schema{}, err
	}
	return next, nil
}

// WithColumnDropped returns a new schema without the named column and the
// version incremented. Key columns cannot be dropped.
func (s Schema) WithColumnDropped(name string) (Schema, error) {
	i := s.ColumnIndex(name)
	if i < 0 {
		return Schema{}, fmt.Errorf("column %q does not exist", name)
	}
	if s.Columns[i].Key {
		return Schema{}, fmt.Errorf("cannot drop key column %q", name)
	}

	cols := make([]ColumnDef, 0, len(s.Columns)-1)
	cols = append(cols, s.Columns[:i]...)
	cols = append(cols, s.Columns[i+1:]...)

	next := Schema{Version: s.Version + 1, Columns: cols}
	if err := next.Validate(); err != nil {
		return Schema{}, err
	}
	return next, nil
}

// ValidateRow checks a canonical row against the schema: arity, NULLs only in
// nullable columns, and canonical value types.
func (s Schema) ValidateRow(row Row) error {
	if len(row) != len(s.Columns) {
		return fmt.Errorf("row has %d values, schema has %d columns", len(row), len(s.Columns))
	}
	for i, col := range s.Columns {
		if row[i] == nil {
			if !col.Nullable {
				return fmt.Errorf("column %q is not nullable", col.Name)
			}
			continue
		}
		if _, err := Coerce(col.Type, row[i]); err != nil {
			return fmt.Errorf("column %q: %w", col.Name, err)
		}
	}
	return nil
}
