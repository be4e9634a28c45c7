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

// Reader provides access to one segment file. The whole file is read and
// checksum-verified at open; column blocks decode lazily per call.
type Reader struct {
	header *Header
	body   []byte
}

// Open reads and verifies a segment file. Corruption (bad magic, short
// file, checksum mismatch) is reported as a CorruptionError so scans can
// report which segment is unreadable instead of failing the whole table.
func Open(path string) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, verrors.NewStorageError(verrors.CodeDownloadFailed, "read segment file", err)
	}
	return openBytes(data)
}

func openBytes(data []byte) (*Reader, error) {
	if len(data) < len(magic)+4+4 {
		return nil, verrors.NewCorruptionError(verrors.CodeTruncatedRecord, "segment file too short")
	}

	for i, b := range magic {
		if data[i] != b {
			return nil, verrors.NewCorruptionError(verrors.CodeBadMagic, "segment magic mismatch")
		}
	}

	// Verify the trailer before trusting anything else in the file.
	stored := binary.LittleEndian.Uint32(data[len(data)-4:])
	if computed := crc32.ChecksumIEEE(data[:len(data)-4]); computed != stored {
		return nil, verrors.NewCorruptionError(verrors.CodeChecksumMismatch, "segment checksum mismatch")
	}

	headerLen := binary.LittleEndian.Uint32(data[len(magic):])
	headerStart := len(magic) + 4
	if headerStart+int(headerLen) > len(data)-4 {
		return nil, verrors.NewCorruptionError(verrors.CodeTruncatedRecord, "segment header exceeds file")
	}

	header, err := unmarshalHeader(data[headerStart : headerStart+int(headerLen)])
	if err != nil {
		return nil, verrors.Wrap(verrors.ErrCategoryCorruption, verrors.CodeChecksumMismatch,
			"segment header", err)
	}

	return &Reader{
		header: header,
		body:   data[headerStart+int(headerLen) : len(data)-4],
	}, nil
}

// Header returns the parsed segment header.
func (r *Reader) Header() *Header { return r.header }

// RowCount returns the number of rows in the segment.
func (r *Reader) RowCount() int { return r.header.RowCount }

// ColumnMeta returns the header entry for the named column.
func (r *Reader) ColumnMeta(name string) (ColumnMeta, bool) {
	for _, cm := range r.header.Columns {
		if cm.Name == name {
			return cm, true
		}
	}
	return ColumnMeta{}, false
}

// ReadColumn decompresses and decodes the named column block.
func (r *Reader) ReadColumn(name string) (*column.Column, error) {
	cm, ok := r.ColumnMeta(name)
	if !ok {
		return nil, verrors.NewSchemaError(verrors.CodeRowMismatch,
			"segment has no column "+name)
	}

	if int(cm.Offset)+int(cm.CompressedLen) > len(r.body) {
		return nil, verrors.NewCorruptionError(verrors.CodeTruncatedRecord,
			"column block exceeds segment body")
	}
	encoded := r.body[cm.Offset : cm.Offset+cm.CompressedLen]

	c, err := codec.ByID(cm.Codec)
	if err != nil {
		return nil, verrors.Wrap(verrors.ErrCategoryCorruption, verrors.CodeChecksumMismatch,
			"column codec", err)
	}
	block, err := c.Decode(nil, encoded)
	if err != nil {
		return nil, err
	}
	if len(block) != int(cm.UncompressedLen) {
		return nil, verrors.NewCorruptionError(verrors.CodeChecksumMismatch,
			"column block length mismatch after decode")
	}

	def := types.ColumnDef{Name: cm.Name, Type: cm.Type, Nullable: true}
	col, err := column.DecodeBlock(def, block)
	if err != nil {
		return nil, verrors.Wrap(verrors.ErrCategoryCorruption, verrors.CodeChecksumMismatch,
			"column block decode", err)
	}
	return col, nil
}

// ReadColumns decodes the named columns in order. An empty projection reads
// every column in schema order.
func (r *Reader) ReadColumns(projection []string) ([]*column.Column, error) {
	if len(projection) == 0 {
		projection = make([]string, 0, len(r.header.Columns))
		for _, cm := range r.header.Columns {
			projection = append(projection, cm.Name)
		}
	}

	cols := make([]*column.Column, 0, len(projection))
	for _, name := range projection {
		col, err := r.ReadColumn(name)
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// Bloom returns the key bloom filter sidecar, or nil if the segment carries
// none.
func (r *Reader) Bloom() (*bloom.Filter, error) {
	if r.header.BloomColumn == "" || r.header.BloomLen == 0 {
		return nil, nil
	}
	if int(r.header.BloomOffset)+int(r.header.BloomLen) > len(r.body) {
		return nil, verrors.NewCorruptionError(verrors.CodeTruncatedRecord,
			"bloom sidecar exceeds segment body")
	}
	return bloom.Deserialize(r.body[r.header.BloomOffset : r.header.BloomOffset+r.header.BloomLen])
}
