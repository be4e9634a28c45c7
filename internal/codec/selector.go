package codec

// Policy controls per-block codec selection. The defaults bias the fast
// codec for active-segment flushes and the high-ratio codec for compaction
// output, falling back to raw when compression does not earn its keep.
type Policy struct {
	// MinBlockSize is the uncompressed size below which blocks stay raw.
	MinBlockSize int

	// MinSavings is the fraction of bytes a trial compression must save
	// for the compressed form to be kept (0.125 = one byte in eight).
	MinSavings float64

	// Hot is the codec for blocks written on the flush path.
	Hot ID

	// Cold is the codec for write-once/read-many blocks produced by compaction.
	Cold ID
}

// DefaultPolicy returns the documented default selection policy: snappy for
// hot flushes, zstd for compaction output, raw below 512 bytes or when the
// trial saves less than 12.5%.
func DefaultPolicy() Policy {
	return Policy{
		MinBlockSize: 512,
		MinSavings:   0.125,
		Hot:          Snappy,
		Cold:         Zstd,
	}
}

// Compress selects a codec for the block and returns the chosen id with the
// encoded bytes. cold selects the high-ratio codec; the trial-compressed
// output is reused, never thrown away and recomputed.
func (p Policy) Compress(block []byte, cold bool) (ID, []byte, error) {
	if len(block) < p.MinBlockSize {
		out, _ := rawCodec{}.Encode(nil, block)
		return Raw, out, nil
	}

	id := p.Hot
	if cold {
		id = p.Cold
	}
	c, err := ByID(id)
	if err != nil {
		return Raw, nil, err
	}

	encoded, err := c.Encode(nil, block)
	if err != nil {
		return Raw, nil, err
	}

	// Keep the compressed form only if it actually saves space.
	if float64(len(encoded)) > float64(len(block))*(1-p.MinSavings) {
		out, _ := rawCodec{}.Encode(nil, block)
		return Raw, out, nil
	}
	return id, encoded, nil
}
