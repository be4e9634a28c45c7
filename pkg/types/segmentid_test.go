package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSegmentID_RoundTrip(t *testing.T) {
	gen := NewSegmentIDGenerator()

	id, err := gen.Generate()
	assert.NoError(t, err)

	s := id.String()
	assert.Len(t, s, 26)

	parsed, err := ParseSegmentID(s)
	assert.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestSegmentID_TimestampExtraction(t *testing.T) {
	gen := NewSegmentIDGenerator()
	ts := time.UnixMilli(1700000000000)

	id, err := gen.GenerateWithTime(ts)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1700000000000), id.Timestamp())
	assert.Equal(t, ts.UnixMilli(), id.Time().UnixMilli())
}

func TestSegmentID_MonotonicWithinMillisecond(t *testing.T) {
	gen := NewSegmentIDGenerator()
	ts := time.UnixMilli(1700000000000)

	var prev SegmentID
	for i := 0; i < 1000; i++ {
		id, err := gen.GenerateWithTime(ts)
		assert.NoError(t, err)
		if i > 0 {
			assert.Equal(t, -1, prev.Compare(id), "ids within one millisecond must be strictly increasing")
		}
		prev = id
	}
}

func TestParseSegmentID_Invalid(t *testing.T) {
	_, err := ParseSegmentID("too-short")
	assert.ErrorIs(t, err, ErrInvalidSegmentIDLength)

	_, err = ParseSegmentID("0123456789012345678901234U") // U is not in the alphabet
	assert.ErrorIs(t, err, ErrInvalidSegmentIDCharacter)

	// First character only carries 3 bits, so anything above 7 overflows.
	_, err = ParseSegmentID("Z0000000000000000000000000")
	assert.ErrorIs(t, err, ErrInvalidSegmentIDCharacter)
}

func TestSegmentID_IsZero(t *testing.T) {
	var zero SegmentID
	assert.True(t, zero.IsZero())

	gen := NewSegmentIDGenerator()
	id, err := gen.Generate()
	assert.NoError(t, err)
	assert.False(t, id.IsZero())
}
