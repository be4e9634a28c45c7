// Package bloom provides the per-segment key bloom filters used for scan
// pruning. A filter is built over a segment's key column at write time,
// stored as a sidecar block in the segment file, and consulted by equality
// scans so segments that definitely lack a key are never opened.
package bloom

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/velocitydb/velocity/pkg/types"
)

// Filter is a bloom filter with murmur3 double hashing. It guarantees no
// false negatives: if a key was added, Contains always returns true.
type Filter struct {
	mu        sync.RWMutex
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// New creates a filter with the specified number of bits and hash functions.
func New(numBits, numHashes int) *Filter {
	if numBits <= 0 {
		numBits = 1024
	}
	if numHashes <= 0 {
		numHashes = 7
	}

	numWords := (numBits + 63) / 64
	return &Filter{
		bits:      make([]uint64, numWords),
		numBits:   uint64(numWords * 64),
		numHashes: uint64(numHashes),
	}
}

// NewWithEstimates creates a filter sized for the expected number of keys
// and target false positive rate.
func NewWithEstimates(expectedItems int, targetFPR float64) *Filter {
	numBits, numHashes := OptimalParameters(expectedItems, targetFPR)
	return New(numBits, numHashes)
}

// OptimalParameters calculates the optimal bits and hash function count:
// m = -n*ln(p)/ln(2)^2, k = (m/n)*ln(2).
func OptimalParameters(expectedItems int, targetFPR float64) (numBits, numHashes int) {
	if expectedItems <= 0 {
		expectedItems = 1000
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	n := float64(expectedItems)
	m := -n * math.Log(targetFPR) / (math.Ln2 * math.Ln2)
	numBits = int(math.Ceil(m))
	numHashes = int(math.Ceil((m / n) * math.Ln2))

	if numBits < 64 {
		numBits = 64
	}
	if numHashes < 1 {
		numHashes = 1
	}
	return numBits, numHashes
}

// Add adds a key to the filter.
func (f *Filter) Add(key []byte) {
	h1, h2 := hash128(key)

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// Contains tests whether a key might be in the filter. A false return means
// the key is definitely absent.
func (f *Filter) Contains(key []byte) bool {
	h1, h2 := hash128(key)

	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// AddValue adds a canonical column value, normalized to a stable byte key.
func (f *Filter) AddValue(t types.Type, v interface{}) {
	f.Add(ValueKey(t, v))
}

// ContainsValue tests a canonical column value.
func (f *Filter) ContainsValue(t types.Type, v interface{}) bool {
	return f.Contains(ValueKey(t, v))
}

// ValueKey normalizes a canonical value to the byte representation hashed
// into filters. The encoding is stable across processes: the same value
// always hashes the same way regardless of who wrote the segment.
func ValueKey(t types.Type, v interface{}) []byte {
	switch t {
	case types.TypeInt64, types.TypeTimestamp:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.(int64)))
		return b[:]
	case types.TypeFloat64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.(float64)))
		return b[:]
	case types.TypeBool:
		if v.(bool) {
			return []byte{1}
		}
		return []byte{0}
	case types.TypeString:
		return []byte(v.(string))
	case types.TypeBinary:
		return v.([]byte)
	}
	return nil
}

// Count returns the number of keys added.
func (f *Filter) Count() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// FalsePositiveRate estimates the current false positive rate from the fill
// ratio: (1 - e^(-k*n/m))^k.
func (f *Filter) FalsePositiveRate() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.count == 0 {
		return 0
	}
	k := float64(f.numHashes)
	n := float64(f.count)
	m := float64(f.numBits)
	return math.Pow(1-math.Exp(-k*n/m), k)
}

// Serialize encodes the filter for the segment sidecar:
// numBits u64 | numHashes u64 | count u64 | bit words (little-endian).
func (f *Filter) Serialize() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()

	buf := make([]byte, 24+len(f.bits)*8)
	binary.LittleEndian.PutUint64(buf[0:8], f.numBits)
	binary.LittleEndian.PutUint64(buf[8:16], f.numHashes)
	binary.LittleEndian.PutUint64(buf[16:24], f.count)
	for i, word := range f.bits {
		binary.LittleEndian.PutUint64(buf[24+i*8:], word)
	}
	return buf
}

// Deserialize reconstructs a filter from its sidecar encoding.
func Deserialize(data []byte) (*Filter, error) {
	if len(data) < 24 {
		return nil, errors.New("bloom: serialized data too short")
	}

	numBits := binary.LittleEndian.Uint64(data[0:8])
	numHashes := binary.LittleEndian.Uint64(data[8:16])
	count := binary.LittleEndian.Uint64(data[16:24])

	if numBits == 0 || numHashes == 0 {
		return nil, errors.New("bloom: invalid filter parameters")
	}

	numWords := (numBits + 63) / 64
	if len(data) < int(24+numWords*8) {
		return nil, fmt.Errorf("bloom: expected %d bytes, got %d", 24+numWords*8, len(data))
	}

	bits := make([]uint64, numWords)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(data[24+i*8:])
	}

	return &Filter{
		bits:      bits,
		numBits:   numBits,
		numHashes: numHashes,
		count:     count,
	}, nil
}

func hash128(key []byte) (uint64, uint64) {
	h := murmur3.New128()
	h.Write(key)
	return h.Sum128()
}
