// Package segment implements the immutable columnar segment file: a
// self-describing unit of storage holding one compressed block per schema
// column, per-column statistics, an optional key bloom filter sidecar, and a
// checksum trailer.
//
// File layout:
//
//	magic [8]byte "VELOSEG1"
//	header length u32 (little-endian)
//	header (JSON)
//	body: column blocks concatenated in schema order, then the bloom sidecar
//	trailer: crc32 (IEEE, little-endian) over magic+headerLen+header+body
//
// Once a segment's bytes are written and registered, they are never mutated
// in place. The only mutable overlay is its tombstone set, which lives
// outside the file.
package segment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/velocitydb/velocity/internal/codec"
	"github.com/velocitydb/velocity/pkg/types"
)

var magic = []byte("VELOSEG1")

// ColumnMeta is the per-column header entry.
type ColumnMeta struct {
	Name            string   `json:"name"`
	Type            types.Type `json:"type"`
	Codec           codec.ID `json:"codec"`
	Offset          uint32   `json:"offset"`
	CompressedLen   uint32   `json:"compressed_len"`
	UncompressedLen uint32   `json:"uncompressed_len"`
	NullCount       int      `json:"null_count"`

	// Min/Max hold the canonical min/max of the column's non-null values,
	// JSON-encoded via encodeStat/decodeStat to survive the trip without
	// losing int64 precision. nil for all-null or empty columns.
	Min interface{} `json:"min"`
	Max interface{} `json:"max"`
}

// Header is the self-describing segment file header.
type Header struct {
	SegmentID     string       `json:"segment_id"`
	SchemaVersion int          `json:"schema_version"`
	RowCount      int          `json:"row_count"`
	CreatedSeq    uint64       `json:"created_seq"`
	Columns       []ColumnMeta `json:"columns"`

	// BloomColumn names the key column the bloom sidecar covers; empty when
	// the segment carries no filter.
	BloomColumn string `json:"bloom_column,omitempty"`
	BloomOffset uint32 `json:"bloom_offset,omitempty"`
	BloomLen    uint32 `json:"bloom_len,omitempty"`
}

// encodeStat converts a canonical stat value to a JSON-safe representation.
func encodeStat(t types.Type, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch t {
	case types.TypeInt64, types.TypeTimestamp:
		// Serialized as a string to dodge float64 precision loss in JSON.
		return fmt.Sprintf("%d", v.(int64))
	case types.TypeBinary:
		return base64.StdEncoding.EncodeToString(v.([]byte))
	default:
		return v
	}
}

// decodeStat reverses encodeStat back to the canonical value.
func decodeStat(t types.Type, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	switch t {
	case types.TypeInt64, types.TypeTimestamp:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("segment: int64 stat is %T, want string", raw)
		}
		var v int64
		if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
			return nil, fmt.Errorf("segment: bad int64 stat %q: %w", s, err)
		}
		return v, nil
	case types.TypeFloat64:
		f, ok := raw.(float64)
		if !ok {
			return nil, fmt.Errorf("segment: float64 stat is %T", raw)
		}
		return f, nil
	case types.TypeBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("segment: bool stat is %T", raw)
		}
		return b, nil
	case types.TypeString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("segment: string stat is %T", raw)
		}
		return s, nil
	case types.TypeBinary:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("segment: binary stat is %T", raw)
		}
		return base64.StdEncoding.DecodeString(s)
	}
	return nil, fmt.Errorf("segment: invalid stat type tag")
}

// encodeColumns returns a copy of cols with stats in JSON-safe form.
func encodeColumns(cols []ColumnMeta) []ColumnMeta {
	out := make([]ColumnMeta, len(cols))
	for i, cm := range cols {
		cm.Min = encodeStat(cm.Type, cm.Min)
		cm.Max = encodeStat(cm.Type, cm.Max)
		out[i] = cm
	}
	return out
}

// decodeColumns restores canonical stat values in place.
func decodeColumns(cols []ColumnMeta) error {
	for i := range cols {
		cm := &cols[i]
		min, err := decodeStat(cm.Type, cm.Min)
		if err != nil {
			return err
		}
		max, err := decodeStat(cm.Type, cm.Max)
		if err != nil {
			return err
		}
		cm.Min, cm.Max = min, max
	}
	return nil
}

// MarshalColumnStats serializes column metadata for catalog persistence.
func MarshalColumnStats(cols []ColumnMeta) ([]byte, error) {
	return json.Marshal(encodeColumns(cols))
}

// UnmarshalColumnStats reverses MarshalColumnStats.
func UnmarshalColumnStats(data []byte) ([]ColumnMeta, error) {
	var cols []ColumnMeta
	if err := json.Unmarshal(data, &cols); err != nil {
		return nil, fmt.Errorf("segment: column stats decode: %w", err)
	}
	if err := decodeColumns(cols); err != nil {
		return nil, err
	}
	return cols, nil
}

// marshalHeader encodes the header, converting stats to JSON-safe form.
// In-memory headers always carry canonical stat values.
func marshalHeader(h *Header) ([]byte, error) {
	cp := *h
	cp.Columns = encodeColumns(h.Columns)
	return json.Marshal(&cp)
}

// unmarshalHeader decodes the header and restores canonical stat values.
func unmarshalHeader(data []byte) (*Header, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("segment: header decode: %w", err)
	}
	if err := decodeColumns(h.Columns); err != nil {
		return nil, err
	}
	return &h, nil
}
