package codec

// rawCodec is the passthrough codec for blocks where compression would not
// pay for its decode cost: very small blocks or near-incompressible data.
type rawCodec struct{}

func (rawCodec) ID() ID       { return Raw }
func (rawCodec) Name() string { return "raw" }

func (rawCodec) Encode(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

func (rawCodec) Decode(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}
