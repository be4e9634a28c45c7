// Package column provides typed, append-oriented in-memory column buffers
// with per-value validity tracking and running min/max/null statistics.
// Columns are the unit the segment format serializes.
package column

import (
	"fmt"

	"github.com/velocitydb/velocity/pkg/types"
)

// Column is a typed append buffer plus a validity bitmap (1 bit per row,
// 1 = non-null). Values are stored in canonical form (see types.Coerce).
type Column struct {
	def    types.ColumnDef
	length int
	nulls  int

	validity []byte

	// One backing slice is populated, chosen by def.Type.
	ints   []int64 // TypeInt64, TypeTimestamp
	floats []float64
	bools  []bool
	blobs  [][]byte // TypeString, TypeBinary

	min interface{}
	max interface{}
}

// New creates an empty column buffer for the definition.
func New(def types.ColumnDef) *Column {
	return &Column{def: def}
}

// Def returns the column definition.
func (c *Column) Def() types.ColumnDef { return c.def }

// Len returns the number of rows appended.
func (c *Column) Len() int { return c.length }

// NullCount returns the number of NULL rows.
func (c *Column) NullCount() int { return c.nulls }

// Min returns the smallest non-null value appended, or nil for an all-null
// or empty column.
func (c *Column) Min() interface{} { return c.min }

// Max returns the largest non-null value appended, or nil for an all-null
// or empty column.
func (c *Column) Max() interface{} { return c.max }

// Append adds a value. nil appends a NULL; other values are coerced to the
// canonical representation for the column type.
func (c *Column) Append(v interface{}) error {
	if v == nil {
		return c.AppendNull()
	}

	cv, err := types.Coerce(c.def.Type, v)
	if err != nil {
		return fmt.Errorf("column %q: %w", c.def.Name, err)
	}

	switch c.def.Type {
	case types.TypeInt64, types.TypeTimestamp:
		c.ints = append(c.ints, cv.(int64))
	case types.TypeFloat64:
		c.floats = append(c.floats, cv.(float64))
	case types.TypeBool:
		c.bools = append(c.bools, cv.(bool))
	case types.TypeString:
		c.blobs = append(c.blobs, []byte(cv.(string)))
	case types.TypeBinary:
		b := cv.([]byte)
		c.blobs = append(c.blobs, append([]byte(nil), b...))
	default:
		return fmt.Errorf("column %q: invalid type", c.def.Name)
	}

	c.setValid(c.length)
	c.updateStats(cv)
	c.length++
	return nil
}

// AppendNull adds a NULL row.
func (c *Column) AppendNull() error {
	if !c.def.Nullable {
		return fmt.Errorf("column %q is not nullable", c.def.Name)
	}

	switch c.def.Type {
	case types.TypeInt64, types.TypeTimestamp:
		c.ints = append(c.ints, 0)
	case types.TypeFloat64:
		c.floats = append(c.floats, 0)
	case types.TypeBool:
		c.bools = append(c.bools, false)
	case types.TypeString, types.TypeBinary:
		c.blobs = append(c.blobs, nil)
	}

	c.growValidity(c.length)
	c.nulls++
	c.length++
	return nil
}

// IsNull reports whether row i is NULL.
func (c *Column) IsNull(i int) bool {
	return c.validity[i/8]&(1<<uint(i%8)) == 0
}

// Value returns the canonical value at row i, or nil if NULL. String columns
// return string, binary columns return a copy-safe []byte view.
func (c *Column) Value(i int) interface{} {
	if c.IsNull(i) {
		return nil
	}

	switch c.def.Type {
	case types.TypeInt64, types.TypeTimestamp:
		return c.ints[i]
	case types.TypeFloat64:
		return c.floats[i]
	case types.TypeBool:
		return c.bools[i]
	case types.TypeString:
		return string(c.blobs[i])
	case types.TypeBinary:
		return c.blobs[i]
	}
	return nil
}

func (c *Column) setValid(i int) {
	c.growValidity(i)
	c.validity[i/8] |= 1 << uint(i%8)
}

func (c *Column) growValidity(i int) {
	for len(c.validity) <= i/8 {
		c.validity = append(c.validity, 0)
	}
}

func (c *Column) updateStats(cv interface{}) {
	if c.min == nil || types.Compare(c.def.Type, cv, c.min) < 0 {
		c.min = cv
	}
	if c.max == nil || types.Compare(c.def.Type, cv, c.max) > 0 {
		c.max = cv
	}
}
