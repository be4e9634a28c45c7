package codec

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestByID(t *testing.T) {
	for _, c := range All() {
		got, err := ByID(c.ID())
		assert.NoError(t, err)
		assert.Equal(t, c.Name(), got.Name())
	}

	_, err := ByID(200)
	assert.Error(t, err)
}

func TestByName(t *testing.T) {
	for _, name := range []string{"raw", "snappy", "zstd"} {
		c, err := ByName(name)
		assert.NoError(t, err)
		assert.Equal(t, name, c.Name())
	}

	_, err := ByName("lz77")
	assert.Error(t, err)
}

func TestRoundTrip_EmptyBlock(t *testing.T) {
	for _, c := range All() {
		enc, err := c.Encode(nil, nil)
		assert.NoError(t, err, c.Name())

		dec, err := c.Decode(nil, enc)
		assert.NoError(t, err, c.Name())
		assert.Empty(t, dec, c.Name())
	}
}

func TestRoundTrip_KnownBlocks(t *testing.T) {
	blocks := [][]byte{
		[]byte("hello"),
		bytes.Repeat([]byte{0}, 4096),
		bytes.Repeat([]byte("abcdefgh"), 1000),
		{0xFF},
	}

	for _, c := range All() {
		for _, block := range blocks {
			enc, err := c.Encode(nil, block)
			assert.NoError(t, err)

			dec, err := c.Decode(nil, enc)
			assert.NoError(t, err)
			assert.Equal(t, block, dec, "codec %s must round-trip bit-for-bit", c.Name())
		}
	}
}

func TestDecode_Garbage(t *testing.T) {
	garbage := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02}

	for _, name := range []string{"snappy", "zstd"} {
		c, err := ByName(name)
		assert.NoError(t, err)
		_, err = c.Decode(nil, garbage)
		assert.Error(t, err, name)
	}
}

// TestProperty_CodecRoundTrip validates decode(encode(b)) == b for every
// codec over arbitrary byte blocks.
func TestProperty_CodecRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	for _, c := range All() {
		c := c
		properties.Property("round-trip "+c.Name(), prop.ForAll(
			func(data []byte) bool {
				enc, err := c.Encode(nil, data)
				if err != nil {
					return false
				}
				dec, err := c.Decode(nil, enc)
				if err != nil {
					return false
				}
				return bytes.Equal(data, dec)
			},
			gen.SliceOf(gen.UInt8()),
		))
	}

	properties.TestingRun(t)
}

func TestPolicy_Compress(t *testing.T) {
	p := DefaultPolicy()

	// Tiny blocks stay raw
	id, enc, err := p.Compress([]byte("tiny"), false)
	assert.NoError(t, err)
	assert.Equal(t, Raw, id)
	assert.Equal(t, []byte("tiny"), enc)

	// Highly repetitive blocks compress on the hot path with snappy
	repetitive := bytes.Repeat([]byte("velocity"), 1024)
	id, enc, err = p.Compress(repetitive, false)
	assert.NoError(t, err)
	assert.Equal(t, Snappy, id)
	assert.Less(t, len(enc), len(repetitive))

	// Compaction output prefers the high-ratio codec
	id, _, err = p.Compress(repetitive, true)
	assert.NoError(t, err)
	assert.Equal(t, Zstd, id)

	// Chosen codec must decode back to the input
	c, err := ByID(id)
	assert.NoError(t, err)
	id2, enc2, err := p.Compress(repetitive, true)
	assert.NoError(t, err)
	assert.Equal(t, id, id2)
	dec, err := c.Decode(nil, enc2)
	assert.NoError(t, err)
	assert.Equal(t, repetitive, dec)
}

func TestPolicy_IncompressibleFallsBackToRaw(t *testing.T) {
	p := DefaultPolicy()

	// Pseudo-random bytes do not meet the savings threshold.
	data := make([]byte, 8192)
	state := uint64(0x9E3779B97F4A7C15)
	for i := range data {
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		data[i] = byte(state)
	}

	id, enc, err := p.Compress(data, false)
	assert.NoError(t, err)
	assert.Equal(t, Raw, id)
	assert.Equal(t, data, enc)
}
