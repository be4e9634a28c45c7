package segment

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/velocitydb/velocity/internal/bloom"
	"github.com/velocitydb/velocity/internal/codec"
	"github.com/velocitydb/velocity/internal/column"
	verrors "github.com/velocitydb/velocity/internal/errors"
	"github.com/velocitydb/velocity/pkg/types"
)

// WriteOptions controls segment construction.
type WriteOptions struct {
	// ID is the segment id; assigned by the file manager.
	ID types.SegmentID

	// SchemaVersion is the schema version the columns conform to.
	SchemaVersion int

	// CreatedSeq is the commit sequence number of the flush or compaction
	// that produced the segment.
	CreatedSeq uint64

	// Policy selects codecs per block; the zero value falls back to the
	// default policy.
	Policy codec.Policy

	// Cold marks write-once/read-many output (compaction), biasing the
	// high-ratio codec.
	Cold bool

	// BloomColumn names the key column to build the bloom sidecar over.
	// Empty disables the sidecar.
	BloomColumn string

	// BloomFPR is the target false positive rate (default 0.01).
	BloomFPR float64
}

// WriteFile serializes the columns into a segment file at path, fsyncing
// before return. All columns must have equal length. The file is complete
// and self-describing when WriteFile returns nil; on error the partial file
// is removed so a crashed flush never leaves a torn segment behind.
func WriteFile(path string, cols []*column.Column, opts WriteOptions) (*Header, error) {
	if opts.Policy.Hot == opts.Policy.Cold && opts.Policy.MinBlockSize == 0 {
		opts.Policy = codec.DefaultPolicy()
	}
	if opts.BloomFPR <= 0 || opts.BloomFPR >= 1 {
		opts.BloomFPR = 0.01
	}

	rowCount := 0
	if len(cols) > 0 {
		rowCount = cols[0].Len()
	}
	for _, c := range cols {
		if c.Len() != rowCount {
			return nil, verrors.NewConsistencyError(verrors.CodeSegmentMissing,
				"segment columns have unequal lengths")
		}
	}

	header := &Header{
		SegmentID:     opts.ID.String(),
		SchemaVersion: opts.SchemaVersion,
		RowCount:      rowCount,
		CreatedSeq:    opts.CreatedSeq,
	}

	// Encode and compress each column block.
	var body []byte
	for _, c := range cols {
		block := column.EncodeBlock(c)
		id, encoded, err := opts.Policy.Compress(block, opts.Cold)
		if err != nil {
			return nil, err
		}

		def := c.Def()
		header.Columns = append(header.Columns, ColumnMeta{
			Name:            def.Name,
			Type:            def.Type,
			Codec:           id,
			Offset:          uint32(len(body)),
			CompressedLen:   uint32(len(encoded)),
			UncompressedLen: uint32(len(block)),
			NullCount:       c.NullCount(),
			Min:             c.Min(),
			Max:             c.Max(),
		})
		body = append(body, encoded...)
	}

	// Bloom sidecar over the key column, if requested.
	if opts.BloomColumn != "" {
		for _, c := range cols {
			def := c.Def()
			if def.Name != opts.BloomColumn {
				continue
			}
			filter := bloom.NewWithEstimates(rowCount, opts.BloomFPR)
			for i := 0; i < c.Len(); i++ {
				if v := c.Value(i); v != nil {
					filter.AddValue(def.Type, v)
				}
			}
			sidecar := filter.Serialize()
			header.BloomColumn = def.Name
			header.BloomOffset = uint32(len(body))
			header.BloomLen = uint32(len(sidecar))
			body = append(body, sidecar...)
		}
	}

	headerBytes, err := marshalHeader(header)
	if err != nil {
		return nil, verrors.NewInternalError("segment header encode", err)
	}

	buf := make([]byte, 0, len(magic)+4+len(headerBytes)+len(body)+4)
	buf = append(buf, magic...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(headerBytes)))
	buf = append(buf, headerBytes...)
	buf = append(buf, body...)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))

	if err := writeAndSync(path, buf); err != nil {
		os.Remove(path)
		return nil, err
	}

	return header, nil
}

// writeAndSync writes data to path and fsyncs before closing.
func writeAndSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return verrors.NewCapacityError("create segment file", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return verrors.NewCapacityError("write segment file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return verrors.NewDurabilityError(verrors.CodeSyncFailed, "fsync segment file", err)
	}
	return f.Close()
}
