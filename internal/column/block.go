package column

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/velocitydb/velocity/pkg/types"
)

// Block wire layout (uncompressed, before the codec layer):
//
//	[row count u32]
//	[validity bitmap ceil(n/8) bytes, bit i of byte i/8, LSB first]
//	[data]
//
// Fixed-width data is n little-endian values (NULL slots written as zero).
// Variable-width data is n+1 u32 offsets followed by the concatenated bytes.

// EncodeBlock serializes the column into the block wire layout.
func EncodeBlock(c *Column) []byte {
	n := c.length
	bitmapLen := (n + 7) / 8

	buf := make([]byte, 0, 4+bitmapLen+n*8)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(n))
	buf = append(buf, c.validity[:bitmapLen]...)

	switch c.def.Type {
	case types.TypeInt64, types.TypeTimestamp:
		for _, v := range c.ints {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
		}
	case types.TypeFloat64:
		for _, v := range c.floats {
			buf = binary.LittleEndian.AppendUint64(buf, floatBits(v))
		}
	case types.TypeBool:
		for _, v := range c.bools {
			if v {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		}
	case types.TypeString, types.TypeBinary:
		off := uint32(0)
		buf = binary.LittleEndian.AppendUint32(buf, off)
		for _, b := range c.blobs {
			off += uint32(len(b))
			buf = binary.LittleEndian.AppendUint32(buf, off)
		}
		for _, b := range c.blobs {
			buf = append(buf, b...)
		}
	}

	return buf
}

// DecodeBlock reconstructs a column from the block wire layout. The result
// is bit-for-bit equivalent to the encoded column, including its validity
// bitmap; min/max/null statistics are rebuilt from the values.
func DecodeBlock(def types.ColumnDef, data []byte) (*Column, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("column %q: block too short", def.Name)
	}
	n := int(binary.LittleEndian.Uint32(data))
	data = data[4:]

	bitmapLen := (n + 7) / 8
	if len(data) < bitmapLen {
		return nil, fmt.Errorf("column %q: truncated validity bitmap", def.Name)
	}
	bitmap := data[:bitmapLen]
	data = data[bitmapLen:]

	// Rebuild through Append/AppendNull so stats come back for free. The
	// nullable check is bypassed deliberately: the writer enforced it.
	c := &Column{def: def}
	c.def.Nullable = true
	defer func() { c.def = def }()

	valid := func(i int) bool { return bitmap[i/8]&(1<<uint(i%8)) != 0 }

	switch def.Type {
	case types.TypeInt64, types.TypeTimestamp:
		if len(data) < n*8 {
			return nil, fmt.Errorf("column %q: truncated int64 data", def.Name)
		}
		for i := 0; i < n; i++ {
			if !valid(i) {
				c.AppendNull()
				continue
			}
			v := int64(binary.LittleEndian.Uint64(data[i*8:]))
			if err := c.Append(v); err != nil {
				return nil, err
			}
		}
	case types.TypeFloat64:
		if len(data) < n*8 {
			return nil, fmt.Errorf("column %q: truncated float64 data", def.Name)
		}
		for i := 0; i < n; i++ {
			if !valid(i) {
				c.AppendNull()
				continue
			}
			v := floatFromBits(binary.LittleEndian.Uint64(data[i*8:]))
			if err := c.Append(v); err != nil {
				return nil, err
			}
		}
	case types.TypeBool:
		if len(data) < n {
			return nil, fmt.Errorf("column %q: truncated bool data", def.Name)
		}
		for i := 0; i < n; i++ {
			if !valid(i) {
				c.AppendNull()
				continue
			}
			if err := c.Append(data[i] != 0); err != nil {
				return nil, err
			}
		}
	case types.TypeString, types.TypeBinary:
		if len(data) < (n+1)*4 {
			return nil, fmt.Errorf("column %q: truncated offsets", def.Name)
		}
		offsets := make([]uint32, n+1)
		for i := range offsets {
			offsets[i] = binary.LittleEndian.Uint32(data[i*4:])
		}
		payload := data[(n+1)*4:]
		if int(offsets[n]) > len(payload) {
			return nil, fmt.Errorf("column %q: offsets exceed payload", def.Name)
		}
		for i := 0; i < n; i++ {
			if !valid(i) {
				c.AppendNull()
				continue
			}
			if offsets[i] > offsets[i+1] {
				return nil, fmt.Errorf("column %q: offsets not monotonic", def.Name)
			}
			b := payload[offsets[i]:offsets[i+1]]
			var err error
			if def.Type == types.TypeString {
				err = c.Append(string(b))
			} else {
				err = c.Append(append([]byte(nil), b...))
			}
			if err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("column %q: invalid type tag", def.Name)
	}

	return c, nil
}

func floatBits(f float64) uint64 {
	return math.Float64bits(f)
}

func floatFromBits(bits uint64) float64 {
	return math.Float64frombits(bits)
}
