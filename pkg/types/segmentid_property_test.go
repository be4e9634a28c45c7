package types

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_SegmentIDTimeOrdering validates that ids generated at a later
// wall-clock time always sort after ids generated earlier, both in byte order
// and in Crockford Base32 string order.
func TestProperty_SegmentIDTimeOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("ids generated at later times are greater", prop.ForAll(
		func(t1Ms, t2Ms int64) bool {
			if t1Ms >= t2Ms {
				t1Ms, t2Ms = t2Ms, t1Ms+1
			}

			g := NewSegmentIDGenerator()
			id1, err := g.GenerateWithTime(time.UnixMilli(t1Ms))
			if err != nil {
				return false
			}
			id2, err := g.GenerateWithTime(time.UnixMilli(t2Ms))
			if err != nil {
				return false
			}

			return id1.Compare(id2) < 0 && id1.String() < id2.String()
		},
		gen.Int64Range(1000000000000, 2000000000000),
		gen.Int64Range(1000000000000, 2000000000000),
	))

	properties.Property("string round-trip preserves identity", prop.ForAll(
		func(tsMs int64) bool {
			g := NewSegmentIDGenerator()
			id, err := g.GenerateWithTime(time.UnixMilli(tsMs))
			if err != nil {
				return false
			}
			parsed, err := ParseSegmentID(id.String())
			if err != nil {
				return false
			}
			return parsed == id
		},
		gen.Int64Range(0, 2000000000000),
	))

	properties.TestingRun(t)
}
