package column

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/velocitydb/velocity/pkg/types"
)

// TestProperty_BlockRoundTrip validates decode(encode(column)) == column for
// arbitrary value/null sequences, across every column type.
func TestProperty_BlockRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 150
	properties := gopter.NewProperties(parameters)

	equal := func(a, b *Column) bool {
		if a.Len() != b.Len() || a.NullCount() != b.NullCount() {
			return false
		}
		for i := 0; i < a.Len(); i++ {
			if a.IsNull(i) != b.IsNull(i) {
				return false
			}
			if a.IsNull(i) {
				continue
			}
			if types.Compare(a.Def().Type, a.Value(i), b.Value(i)) != 0 {
				return false
			}
		}
		return true
	}

	properties.Property("int64 blocks with nulls", prop.ForAll(
		func(values []int64, nullEvery int) bool {
			def := types.ColumnDef{Name: "v", Type: types.TypeInt64, Nullable: true}
			c := New(def)
			for i, v := range values {
				if nullEvery > 0 && i%nullEvery == 0 {
					if err := c.AppendNull(); err != nil {
						return false
					}
					continue
				}
				if err := c.Append(v); err != nil {
					return false
				}
			}
			decoded, err := DecodeBlock(def, EncodeBlock(c))
			return err == nil && equal(c, decoded)
		},
		gen.SliceOf(gen.Int64()),
		gen.IntRange(0, 5),
	))

	properties.Property("string blocks with nulls", prop.ForAll(
		func(values []string, nullEvery int) bool {
			def := types.ColumnDef{Name: "v", Type: types.TypeString, Nullable: true}
			c := New(def)
			for i, v := range values {
				if nullEvery > 0 && i%nullEvery == 0 {
					if err := c.AppendNull(); err != nil {
						return false
					}
					continue
				}
				if err := c.Append(v); err != nil {
					return false
				}
			}
			decoded, err := DecodeBlock(def, EncodeBlock(c))
			return err == nil && equal(c, decoded)
		},
		gen.SliceOf(gen.AnyString()),
		gen.IntRange(0, 5),
	))

	properties.Property("float64 blocks survive exact bit patterns", prop.ForAll(
		func(values []float64) bool {
			def := types.ColumnDef{Name: "v", Type: types.TypeFloat64, Nullable: true}
			c := New(def)
			for _, v := range values {
				if err := c.Append(v); err != nil {
					return false
				}
			}
			decoded, err := DecodeBlock(def, EncodeBlock(c))
			return err == nil && equal(c, decoded)
		},
		gen.SliceOf(gen.Float64()),
	))

	properties.TestingRun(t)
}
