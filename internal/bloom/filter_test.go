package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/velocitydb/velocity/pkg/types"
)

func TestFilter_NoFalseNegatives(t *testing.T) {
	f := NewWithEstimates(1000, 0.01)

	for i := 0; i < 1000; i++ {
		f.Add([]byte(fmt.Sprintf("key-%d", i)))
	}

	for i := 0; i < 1000; i++ {
		assert.True(t, f.Contains([]byte(fmt.Sprintf("key-%d", i))),
			"added key must always be found")
	}
	assert.Equal(t, uint64(1000), f.Count())
}

func TestFilter_FalsePositiveRateBounded(t *testing.T) {
	f := NewWithEstimates(10000, 0.01)
	for i := 0; i < 10000; i++ {
		f.Add([]byte(fmt.Sprintf("present-%d", i)))
	}

	falsePositives := 0
	probes := 10000
	for i := 0; i < probes; i++ {
		if f.Contains([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}

	// Allow generous slack over the 1% target
	assert.Less(t, float64(falsePositives)/float64(probes), 0.05)
	assert.Less(t, f.FalsePositiveRate(), 0.05)
}

func TestOptimalParameters(t *testing.T) {
	bits, hashes := OptimalParameters(1000, 0.01)
	assert.Greater(t, bits, 1000)
	assert.GreaterOrEqual(t, hashes, 1)

	// Degenerate inputs fall back to sane defaults
	bits, hashes = OptimalParameters(0, 2.0)
	assert.GreaterOrEqual(t, bits, 64)
	assert.GreaterOrEqual(t, hashes, 1)
}

func TestFilter_SerializeRoundTrip(t *testing.T) {
	f := NewWithEstimates(500, 0.01)
	for i := 0; i < 500; i++ {
		f.Add([]byte(fmt.Sprintf("k%d", i)))
	}

	restored, err := Deserialize(f.Serialize())
	assert.NoError(t, err)
	assert.Equal(t, f.Count(), restored.Count())

	for i := 0; i < 500; i++ {
		assert.True(t, restored.Contains([]byte(fmt.Sprintf("k%d", i))))
	}
}

func TestDeserialize_Invalid(t *testing.T) {
	_, err := Deserialize([]byte{1, 2, 3})
	assert.Error(t, err)

	// Valid header but truncated bit array
	f := New(1024, 7)
	data := f.Serialize()
	_, err = Deserialize(data[:30])
	assert.Error(t, err)
}

func TestValueKey_Stability(t *testing.T) {
	// Same canonical value, same key bytes
	assert.Equal(t,
		ValueKey(types.TypeInt64, int64(42)),
		ValueKey(types.TypeInt64, int64(42)))

	// Different values, different key bytes
	assert.NotEqual(t,
		ValueKey(types.TypeInt64, int64(42)),
		ValueKey(types.TypeInt64, int64(43)))

	assert.Equal(t, []byte("abc"), ValueKey(types.TypeString, "abc"))
	assert.Equal(t, []byte{1}, ValueKey(types.TypeBool, true))
}

func TestFilter_ValueRoundTrip(t *testing.T) {
	f := NewWithEstimates(100, 0.01)
	f.AddValue(types.TypeInt64, int64(7))
	f.AddValue(types.TypeString, "alice")

	assert.True(t, f.ContainsValue(types.TypeInt64, int64(7)))
	assert.True(t, f.ContainsValue(types.TypeString, "alice"))
}
