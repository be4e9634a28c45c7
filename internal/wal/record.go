package wal

import (
	"bytes"
	"encoding/json"

	"github.com/velocitydb/velocity/internal/codec"
	verrors "github.com/velocitydb/velocity/internal/errors"
	"github.com/velocitydb/velocity/pkg/types"
)

// Op identifies the mutation a record carries.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Deletion addresses tombstoned rows inside one segment.
type Deletion struct {
	SegmentID string   `json:"segment_id"`
	Rows      []uint32 `json:"rows"`
}

// Record is one committed mutation. Seq is the commit sequence number,
// assigned by the log at append time; it doubles as the MVCC visibility
// marker. An update record carries both its tombstones and its replacement
// rows so the mutation replays atomically.
type Record struct {
	Seq           uint64      `json:"seq"`
	Op            Op          `json:"op"`
	SchemaVersion int         `json:"schema_version"`
	Rows          []types.Row `json:"rows,omitempty"`
	Deletes       []Deletion  `json:"deletes,omitempty"`
}

// recordCodec compresses record payloads on the wire. Mutation batches are
// mostly repeated JSON structure, which zstd collapses well.
var recordCodec codec.Codec

func init() {
	c, err := codec.ByID(codec.Zstd)
	if err != nil {
		panic(err)
	}
	recordCodec = c
}

// marshalRecord serializes and compresses a record payload.
func marshalRecord(rec *Record) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, verrors.NewInternalError("wal record encode", err)
	}
	return recordCodec.Encode(nil, raw)
}

// unmarshalRecord decompresses and deserializes a record payload.
func unmarshalRecord(payload []byte) (*Record, error) {
	raw, err := recordCodec.Decode(nil, payload)
	if err != nil {
		return nil, verrors.Wrap(verrors.ErrCategoryCorruption, verrors.CodeChecksumMismatch,
			"wal record decompress", err)
	}
	// Row values are interface{}; without UseNumber every integer would come
	// back a float64 and lose precision past 2^53. Replay restores canonical
	// Go types against the schema.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, verrors.Wrap(verrors.ErrCategoryCorruption, verrors.CodeChecksumMismatch,
			"wal record decode", err)
	}
	return &rec, nil
}
