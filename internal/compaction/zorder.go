package compaction

import (
	"bytes"
	"fmt"
	"math"
	"sort"

	"github.com/velocitydb/velocity/pkg/types"
)

// ZOrder clusters rows along a Z-order (Morton) curve over several numeric
// columns, so range predicates on any of the interleaved dimensions prune
// well on the output segments. Only int64, timestamp, and float64 columns
// can be interleaved.
type ZOrder struct {
	// Columns names the dimensions to interleave. Empty means the schema's
	// key columns.
	Columns []string
}

// NewZOrder creates a Z-order strategy over the given columns.
func NewZOrder(columns []string) ZOrder {
	return ZOrder{Columns: columns}
}

func (z ZOrder) Name() string { return "zorder" }

func (z ZOrder) Arrange(schema types.Schema, rows []types.Row) error {
	names := z.Columns
	if len(names) == 0 {
		for _, def := range schema.KeyColumns() {
			names = append(names, def.Name)
		}
	}
	if len(names) == 0 {
		return fmt.Errorf("compaction: zorder needs at least one column")
	}

	type dim struct {
		idx int
		typ types.Type
	}
	dims := make([]dim, 0, len(names))
	for _, name := range names {
		idx := schema.ColumnIndex(name)
		if idx < 0 {
			return fmt.Errorf("compaction: zorder column %q not in schema", name)
		}
		typ := schema.Columns[idx].Type
		switch typ {
		case types.TypeInt64, types.TypeTimestamp, types.TypeFloat64:
		default:
			return fmt.Errorf("compaction: zorder column %q has non-numeric type %s", name, typ)
		}
		dims = append(dims, dim{idx: idx, typ: typ})
	}

	// Precompute each row's interleaved key, then sort by it.
	zkeys := make([][]byte, len(rows))
	ordinates := make([]uint64, len(dims))
	for i, row := range rows {
		for d, dm := range dims {
			ordinates[d] = orderedBits(dm.typ, row[dm.idx])
		}
		zkeys[i] = interleave(ordinates)
	}

	order := make([]int, len(rows))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return bytes.Compare(zkeys[order[a]], zkeys[order[b]]) < 0
	})

	out := make([]types.Row, len(rows))
	for i, idx := range order {
		out[i] = rows[idx]
	}
	copy(rows, out)
	return nil
}

// orderedBits maps a value to a uint64 whose unsigned order matches the
// value's natural order. NULLs sort first.
func orderedBits(t types.Type, v interface{}) uint64 {
	if v == nil {
		return 0
	}
	switch t {
	case types.TypeInt64, types.TypeTimestamp:
		return uint64(v.(int64)) ^ (1 << 63)
	case types.TypeFloat64:
		bits := math.Float64bits(v.(float64))
		if bits&(1<<63) != 0 {
			// Negative floats: flip all bits so more negative sorts lower.
			return ^bits
		}
		return bits ^ (1 << 63)
	}
	return 0
}

// interleave builds the Morton key: bit i of ordinate d lands at position
// i*len(ordinates)+d from the most significant end.
func interleave(ordinates []uint64) []byte {
	n := len(ordinates)
	out := make([]byte, n*8)
	for bit := 0; bit < 64; bit++ {
		for d, ord := range ordinates {
			if ord&(1<<uint(63-bit)) == 0 {
				continue
			}
			pos := bit*n + d
			out[pos/8] |= 1 << uint(7-pos%8)
		}
	}
	return out
}
