package column

import (
	"fmt"

	"github.com/velocitydb/velocity/pkg/types"
)

// Build converts rows into one column buffer per schema column. Rows must
// be in schema column order; values are coerced, so callers may pass either
// canonical or convertible representations.
func Build(schema types.Schema, rows []types.Row) ([]*Column, error) {
	cols := make([]*Column, len(schema.Columns))
	for i, def := range schema.Columns {
		cols[i] = New(def)
	}

	for n, row := range rows {
		if len(row) != len(schema.Columns) {
			return nil, fmt.Errorf("row %d has %d values, schema has %d columns",
				n, len(row), len(schema.Columns))
		}
		for i, v := range row {
			if err := cols[i].Append(v); err != nil {
				return nil, fmt.Errorf("row %d: %w", n, err)
			}
		}
	}
	return cols, nil
}
