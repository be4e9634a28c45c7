package types

import (
	"bytes"
	"crypto/rand"
	"errors"
	"sync"
	"time"
)

// SegmentID is a 128-bit time-ordered identifier (ULID layout: 48-bit
// millisecond timestamp + 80-bit random). Lexicographic order of segment ids
// matches creation order, so directory listings and manifest scans come back
// in flush order for free.
type SegmentID [16]byte

var (
	// ErrInvalidSegmentIDLength is returned when a segment id string has the wrong length.
	ErrInvalidSegmentIDLength = errors.New("invalid segment id length")

	// ErrInvalidSegmentIDCharacter is returned when a segment id string contains invalid characters.
	ErrInvalidSegmentIDCharacter = errors.New("invalid segment id character")
)

// Crockford's Base32 alphabet (excludes I, L, O, U to avoid confusion)
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// SegmentIDGenerator generates time-ordered segment ids that are monotonic
// within a single millisecond.
type SegmentIDGenerator struct {
	mu            sync.Mutex
	lastTimestamp uint64
	lastRandom    [10]byte
}

// NewSegmentIDGenerator creates a new generator.
func NewSegmentIDGenerator() *SegmentIDGenerator {
	return &SegmentIDGenerator{}
}

// Generate creates a new id with the current timestamp.
func (g *SegmentIDGenerator) Generate() (SegmentID, error) {
	return g.GenerateWithTime(time.Now())
}

// GenerateWithTime creates a new id with the specified timestamp. Ids
// generated within the same millisecond increment the random component so
// that ordering stays strict.
func (g *SegmentIDGenerator) GenerateWithTime(t time.Time) (SegmentID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := uint64(t.UnixMilli())

	var id SegmentID
	id[0] = byte(timestamp >> 40)
	id[1] = byte(timestamp >> 32)
	id[2] = byte(timestamp >> 24)
	id[3] = byte(timestamp >> 16)
	id[4] = byte(timestamp >> 8)
	id[5] = byte(timestamp)

	if timestamp == g.lastTimestamp {
		// Same millisecond: bump the random tail as a big-endian integer
		for i := 9; i >= 0; i-- {
			g.lastRandom[i]++
			if g.lastRandom[i] != 0 {
				break
			}
		}
	} else {
		if _, err := rand.Read(g.lastRandom[:]); err != nil {
			return SegmentID{}, err
		}
		g.lastTimestamp = timestamp
	}
	copy(id[6:], g.lastRandom[:])

	return id, nil
}

// Bytes returns the id as a byte slice.
func (id SegmentID) Bytes() []byte {
	return id[:]
}

// Timestamp returns the embedded creation time as Unix milliseconds.
func (id SegmentID) Timestamp() uint64 {
	return uint64(id[0])<<40 | uint64(id[1])<<32 | uint64(id[2])<<24 |
		uint64(id[3])<<16 | uint64(id[4])<<8 | uint64(id[5])
}

// Time returns the embedded creation time.
func (id SegmentID) Time() time.Time {
	return time.UnixMilli(int64(id.Timestamp()))
}

// Compare orders two ids lexicographically.
func (id SegmentID) Compare(other SegmentID) int {
	return bytes.Compare(id[:], other[:])
}

// IsZero reports whether the id is the all-zero value.
func (id SegmentID) IsZero() bool {
	return id == SegmentID{}
}

// String returns the id as a 26-character Crockford Base32 string.
func (id SegmentID) String() string {
	var buf [26]byte

	// Treat the 128 bits as a stream, consuming 5 bits per output character.
	// The first character only carries the top 2 bits (26*5 = 130 > 128).
	var acc uint64
	bits := 0
	in := 0
	for out := 0; out < 26; out++ {
		need := 5
		if out == 0 {
			need = 3 // pad the leading character to align 130 -> 128 bits
		}
		for bits < need && in < 16 {
			acc = acc<<8 | uint64(id[in])
			bits += 8
			in++
		}
		shift := bits - need
		buf[out] = crockfordBase32[(acc>>uint(shift))&((1<<uint(need))-1)]
		bits = shift
		acc &= (1 << uint(shift)) - 1
	}

	return string(buf[:])
}

// ParseSegmentID parses a 26-character Crockford Base32 string.
func ParseSegmentID(s string) (SegmentID, error) {
	if len(s) != 26 {
		return SegmentID{}, ErrInvalidSegmentIDLength
	}

	var id SegmentID
	var acc uint64
	bits := 0
	out := 0
	for i := 0; i < 26; i++ {
		v := decodeBase32(s[i])
		if v == 0xFF {
			return SegmentID{}, ErrInvalidSegmentIDCharacter
		}
		width := 5
		if i == 0 {
			if v > 7 {
				return SegmentID{}, ErrInvalidSegmentIDCharacter
			}
			width = 3
		}
		acc = acc<<uint(width) | uint64(v)
		bits += width
		for bits >= 8 {
			id[out] = byte(acc >> uint(bits-8))
			bits -= 8
			acc &= (1 << uint(bits)) - 1
			out++
		}
	}

	return id, nil
}

// decodeBase32 decodes a single Crockford Base32 character, folding case and
// the confusable letters. Returns 0xFF for invalid characters.
func decodeBase32(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'H':
		return c - 'A' + 10
	case c >= 'J' && c <= 'K':
		return c - 'J' + 18
	case c >= 'M' && c <= 'N':
		return c - 'M' + 20
	case c >= 'P' && c <= 'T':
		return c - 'P' + 22
	case c >= 'V' && c <= 'Z':
		return c - 'V' + 27
	case c >= 'a' && c <= 'h':
		return c - 'a' + 10
	case c >= 'j' && c <= 'k':
		return c - 'j' + 18
	case c >= 'm' && c <= 'n':
		return c - 'm' + 20
	case c >= 'p' && c <= 't':
		return c - 'p' + 22
	case c >= 'v' && c <= 'z':
		return c - 'v' + 27
	default:
		return 0xFF
	}
}
