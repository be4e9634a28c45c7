package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	verrors "github.com/velocitydb/velocity/internal/errors"
)

// Replay streams every durable record with sequence greater than fromSeq to
// fn, in commit order. Open has already truncated any torn trailing record,
// so replay treats all remaining frames as load-bearing: a checksum failure
// or a break in the sequence numbering is corruption, not a tail to skip.
//
// Replay is meant to run at startup, before the first Append.
func (l *Log) Replay(fromSeq uint64, fn func(*Record) error) error {
	l.mu.Lock()
	files, err := l.listFiles()
	l.mu.Unlock()
	if err != nil {
		return err
	}

	// Sequences must advance by exactly one across file boundaries too, but
	// truncated prefixes are fine: the first replayed record may sit
	// anywhere above fromSeq as long as everything after it is contiguous.
	var prevSeq uint64

	for _, path := range files {
		if err := replayFile(path, func(rec *Record) error {
			if prevSeq != 0 {
				switch {
				case rec.Seq == prevSeq:
					return verrors.NewConsistencyError(verrors.CodeDuplicateSequence,
						fmt.Sprintf("wal sequence %d appears twice", rec.Seq))
				case rec.Seq != prevSeq+1:
					return verrors.NewConsistencyError(verrors.CodeSequenceGap,
						fmt.Sprintf("wal sequence jumps from %d to %d", prevSeq, rec.Seq))
				}
			}
			prevSeq = rec.Seq

			if rec.Seq <= fromSeq {
				return nil
			}
			return fn(rec)
		}); err != nil {
			return err
		}
	}
	return nil
}

// replayFile decodes every frame in one file and passes the records to fn.
func replayFile(path string, fn func(*Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return verrors.NewStorageError(verrors.CodeDownloadFailed, "open wal file", err)
	}
	defer f.Close()

	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(f, header); err != nil {
			if err == io.EOF {
				return nil
			}
			return verrors.NewCorruptionError(verrors.CodeTruncatedRecord,
				"torn wal frame in "+filepath.Base(path))
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		sum := binary.LittleEndian.Uint32(header[4:8])

		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err != nil {
			return verrors.NewCorruptionError(verrors.CodeTruncatedRecord,
				"torn wal payload in "+filepath.Base(path))
		}
		if crc32.ChecksumIEEE(payload) != sum {
			return verrors.NewCorruptionError(verrors.CodeChecksumMismatch,
				"wal checksum mismatch in "+filepath.Base(path))
		}

		rec, err := unmarshalRecord(payload)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
