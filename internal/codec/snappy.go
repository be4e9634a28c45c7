package codec

import (
	"github.com/golang/snappy"

	verrors "github.com/velocitydb/velocity/internal/errors"
)

// snappyCodec is the fast general-purpose codec used for hot-path flushes of
// the active segment.
type snappyCodec struct{}

func (snappyCodec) ID() ID       { return Snappy }
func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Encode(dst, src []byte) ([]byte, error) {
	return append(dst, snappy.Encode(nil, src)...), nil
}

func (snappyCodec) Decode(dst, src []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, verrors.Wrap(verrors.ErrCategoryCorruption, verrors.CodeChecksumMismatch,
			"snappy block decode", err)
	}
	return append(dst, out...), nil
}
