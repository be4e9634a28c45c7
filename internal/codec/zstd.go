package codec

import (
	"github.com/klauspost/compress/zstd"

	verrors "github.com/velocitydb/velocity/internal/errors"
)

// Shared stateless zstd instances; EncodeAll/DecodeAll on a nil-reader
// encoder/decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		panic(err)
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
}

// zstdCodec is the high-ratio codec for write-once/read-many segments
// produced by compaction.
type zstdCodec struct{}

func (zstdCodec) ID() ID       { return Zstd }
func (zstdCodec) Name() string { return "zstd" }

func (zstdCodec) Encode(dst, src []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(src, dst), nil
}

func (zstdCodec) Decode(dst, src []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(src, dst)
	if err != nil {
		return nil, verrors.Wrap(verrors.ErrCategoryCorruption, verrors.CodeChecksumMismatch,
			"zstd block decode", err)
	}
	return out, nil
}
