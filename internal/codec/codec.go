// Package codec compresses and decompresses column byte blocks.
//
// Codec ids are a persistence boundary: they are written into segment
// headers, and a segment written with one codec must decode with the same
// codec forever. New codecs get new ids; existing ids are never reassigned.
package codec

import (
	"fmt"
)

// ID identifies a codec in segment headers.
type ID uint8

// Supported codec ids. The zero value is the raw passthrough so that an
// uninitialized header entry fails loudly at checksum time, not silently
// with the wrong decompressor.
const (
	Raw    ID = 0
	Snappy ID = 1
	Zstd   ID = 2
)

// Codec encodes and decodes byte blocks. Implementations must be safe for
// concurrent use and must reconstruct input bit-for-bit.
type Codec interface {
	// ID returns the stable identifier persisted in segment headers.
	ID() ID

	// Name returns the human-readable codec name.
	Name() string

	// Encode compresses src, appending to dst (may be nil).
	Encode(dst, src []byte) ([]byte, error)

	// Decode decompresses src, appending to dst (may be nil).
	Decode(dst, src []byte) ([]byte, error)
}

// ByID returns the codec registered under id.
func ByID(id ID) (Codec, error) {
	switch id {
	case Raw:
		return rawCodec{}, nil
	case Snappy:
		return snappyCodec{}, nil
	case Zstd:
		return zstdCodec{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec id %d", id)
	}
}

// ByName returns the codec with the given name.
func ByName(name string) (Codec, error) {
	switch name {
	case "raw":
		return rawCodec{}, nil
	case "snappy":
		return snappyCodec{}, nil
	case "zstd":
		return zstdCodec{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

// All returns every registered codec, for exhaustive round-trip tests.
func All() []Codec {
	return []Codec{rawCodec{}, snappyCodec{}, zstdCodec{}}
}
