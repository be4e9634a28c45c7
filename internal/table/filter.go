package table

import (
	verrors "github.com/velocitydb/velocity/internal/errors"
	"github.com/velocitydb/velocity/internal/segment"
	"github.com/velocitydb/velocity/pkg/types"
)

// Filter constrains a scan to rows of one column. Equality filters can prune
// whole segments through the bloom sidecar; both forms prune through the
// per-column min/max stats before any segment file is opened.
type Filter struct {
	// Column names the filtered column.
	Column string

	// Equals keeps rows whose column equals this value. NULL never matches.
	Equals interface{}

	// Min and Max keep rows inside the inclusive range; either bound may be
	// nil for a half-open range. Ignored when Equals is set.
	Min interface{}
	Max interface{}
}

// boundFilter is a filter resolved against a schema: column index known,
// values coerced to the column's canonical representation.
type boundFilter struct {
	column string
	typ    types.Type
	equals interface{}
	min    interface{}
	max    interface{}
}

// bind resolves the filter against the schema, coercing its values.
func (f *Filter) bind(schema types.Schema) (*boundFilter, error) {
	def, ok := schema.Column(f.Column)
	if !ok {
		return nil, verrors.NewSchemaError(verrors.CodeRowMismatch,
			"filter column "+f.Column+" not in schema")
	}

	b := &boundFilter{column: f.Column, typ: def.Type}
	var err error
	if f.Equals != nil {
		if b.equals, err = types.Coerce(def.Type, f.Equals); err != nil {
			return nil, verrors.NewSchemaError(verrors.CodeRowMismatch, err.Error())
		}
		return b, nil
	}
	if f.Min != nil {
		if b.min, err = types.Coerce(def.Type, f.Min); err != nil {
			return nil, verrors.NewSchemaError(verrors.CodeRowMismatch, err.Error())
		}
	}
	if f.Max != nil {
		if b.max, err = types.Coerce(def.Type, f.Max); err != nil {
			return nil, verrors.NewSchemaError(verrors.CodeRowMismatch, err.Error())
		}
	}
	return b, nil
}

// matches reports whether a canonical value passes the filter. NULL never
// passes.
func (b *boundFilter) matches(v interface{}) bool {
	if v == nil {
		return false
	}
	if b.equals != nil {
		return types.Compare(b.typ, v, b.equals) == 0
	}
	if b.min != nil && types.Compare(b.typ, v, b.min) < 0 {
		return false
	}
	if b.max != nil && types.Compare(b.typ, v, b.max) > 0 {
		return false
	}
	return true
}

// pruneByStats reports whether the segment's header stats prove no row can
// match. A segment written before the column existed, or whose column is
// entirely NULL, has nil min/max and never matches a filter.
func (b *boundFilter) pruneByStats(seg *segment.Segment) bool {
	cm, ok := seg.ColumnStats(b.column)
	if !ok {
		return true // column added after this segment was written
	}
	if cm.Min == nil || cm.Max == nil {
		return true // no non-null values
	}
	if b.equals != nil {
		return types.Compare(b.typ, b.equals, cm.Min) < 0 ||
			types.Compare(b.typ, b.equals, cm.Max) > 0
	}
	if b.min != nil && types.Compare(b.typ, cm.Max, b.min) < 0 {
		return true
	}
	if b.max != nil && types.Compare(b.typ, cm.Min, b.max) > 0 {
		return true
	}
	return false
}

// pruneByBloom reports whether the segment's bloom sidecar excludes an
// equality filter's key. Only applies when the sidecar covers the filtered
// column; bloom misses are definitive, hits are not.
func (b *boundFilter) pruneByBloom(r *segment.Reader) (bool, error) {
	if b.equals == nil || r.Header().BloomColumn != b.column {
		return false, nil
	}
	filter, err := r.Bloom()
	if err != nil || filter == nil {
		return false, err
	}
	return !filter.ContainsValue(b.typ, b.equals), nil
}
