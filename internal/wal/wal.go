// Package wal implements the write-ahead log. Every mutation is framed,
// checksummed, and fsynced here before it is acknowledged; the log's
// sequence numbers double as the engine's commit sequence, so replay order
// is commit order by construction.
//
// Frame layout, repeated to end of file:
//
//	payload length u32 (little-endian)
//	crc32 u32 (IEEE, over the payload)
//	payload (zstd-compressed JSON record)
//
// Files are named wal_%016x.log and rotate at a size threshold; the numeric
// suffix makes lexicographic order equal replay order.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	verrors "github.com/velocitydb/velocity/internal/errors"
)

const frameHeaderSize = 8

// Log is the write-ahead log. Safe for concurrent use; appends are
// serialized under one mutex so sequence assignment and file order agree.
type Log struct {
	mu sync.Mutex

	dir         string
	maxFileSize int64

	file    *os.File
	fileNum uint64
	offset  int64

	lastSeq uint64
}

// Open opens the log in dir, creating it if needed, and positions itself
// after the last complete record. A torn trailing record from a crashed
// append is truncated away here, before any new append can land after it.
//
// resumeSeq is the caller's persisted commit watermark, a floor for the
// next assigned sequence. It matters when a checkpoint truncated every
// record: the surviving files then say nothing about the sequences already
// handed out, and without the floor a reopen would re-issue them.
func Open(dir string, maxFileSize int64, resumeSeq uint64) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, verrors.NewCapacityError("create wal directory", err)
	}

	l := &Log{dir: dir, maxFileSize: maxFileSize}

	files, err := l.listFiles()
	if err != nil {
		return nil, err
	}

	if len(files) > 0 {
		last := files[len(files)-1]
		l.fileNum = fileNum(last)

		tail, err := scanFile(last, true)
		if err != nil {
			return nil, err
		}
		if tail.truncateAt >= 0 {
			if err := os.Truncate(last, tail.truncateAt); err != nil {
				return nil, verrors.NewDurabilityError(verrors.CodeSyncFailed,
					"truncate torn wal record", err)
			}
		}
		l.lastSeq = tail.lastSeq
		if l.lastSeq == 0 && len(files) > 1 {
			// Last file held nothing but the torn record; fall back to the
			// previous file for the resume sequence.
			prev, err := scanFile(files[len(files)-2], false)
			if err != nil {
				return nil, err
			}
			l.lastSeq = prev.lastSeq
		}
	}
	if l.lastSeq < resumeSeq {
		l.lastSeq = resumeSeq
	}

	if err := l.openFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) filePath(num uint64) string {
	return filepath.Join(l.dir, fmt.Sprintf("wal_%016x.log", num))
}

func fileNum(path string) uint64 {
	var n uint64
	fmt.Sscanf(filepath.Base(path), "wal_%016x.log", &n)
	return n
}

// listFiles returns the log's files in replay order.
func (l *Log) listFiles() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, verrors.NewStorageError(verrors.CodeDownloadFailed, "read wal directory", err)
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || len(name) != 24 || name[:4] != "wal_" {
			continue
		}
		files = append(files, filepath.Join(l.dir, name))
	}
	sort.Strings(files)
	return files, nil
}

func (l *Log) openFile() error {
	f, err := os.OpenFile(l.filePath(l.fileNum), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return verrors.NewCapacityError("open wal file", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return verrors.NewCapacityError("stat wal file", err)
	}
	l.file = f
	l.offset = stat.Size()
	return nil
}

// Append assigns the record the next commit sequence, writes it, and fsyncs
// before returning. The returned sequence must not be exposed to readers
// until Append returns nil; on error the commit is not durable and must not
// be acknowledged.
func (l *Log) Append(rec *Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.Seq = l.lastSeq + 1

	payload, err := marshalRecord(rec)
	if err != nil {
		return 0, err
	}

	frame := make([]byte, 0, frameHeaderSize+len(payload))
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(payload)))
	frame = binary.LittleEndian.AppendUint32(frame, crc32.ChecksumIEEE(payload))
	frame = append(frame, payload...)

	if _, err := l.file.Write(frame); err != nil {
		return 0, verrors.NewDurabilityError(verrors.CodeAppendFailed, "wal append", err)
	}
	if err := l.file.Sync(); err != nil {
		return 0, verrors.NewDurabilityError(verrors.CodeSyncFailed, "wal fsync", err)
	}

	l.lastSeq = rec.Seq
	l.offset += int64(len(frame))

	if l.offset >= l.maxFileSize {
		if err := l.rotate(); err != nil {
			return 0, err
		}
	}
	return rec.Seq, nil
}

// rotate closes the active file and starts the next one. The appended
// record is already durable, so a rotation failure only affects later
// appends.
func (l *Log) rotate() error {
	if err := l.file.Close(); err != nil {
		return verrors.NewDurabilityError(verrors.CodeSyncFailed, "close wal file", err)
	}
	l.fileNum++
	return l.openFile()
}

// LastSeq returns the sequence of the last durable record.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Truncate drops whole log files whose records are all at or below upToSeq,
// after a checkpoint has made those records redundant. The active file is
// never removed.
func (l *Log) Truncate(upToSeq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	files, err := l.listFiles()
	if err != nil {
		return err
	}

	for _, path := range files {
		if fileNum(path) == l.fileNum {
			continue
		}
		res, err := scanFile(path, false)
		if err != nil {
			return err
		}
		if res.lastSeq > upToSeq {
			continue
		}
		if err := os.Remove(path); err != nil {
			return verrors.NewStorageError(verrors.CodeDeleteFailed, "remove wal file", err)
		}
	}
	return nil
}

// Close fsyncs and closes the active file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return verrors.NewDurabilityError(verrors.CodeSyncFailed, "wal fsync on close", err)
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// scanResult summarizes one pass over a log file.
type scanResult struct {
	lastSeq uint64

	// truncateAt is the offset of a torn trailing record, or -1 if the file
	// ends on a frame boundary.
	truncateAt int64
}

// scanFile walks a file's frames. With tolerateTail set, a short or
// checksum-failing record at the very end is reported via truncateAt
// instead of an error; anything wrong before the tail is corruption.
func scanFile(path string, tolerateTail bool) (scanResult, error) {
	res := scanResult{truncateAt: -1}

	f, err := os.Open(path)
	if err != nil {
		return res, verrors.NewStorageError(verrors.CodeDownloadFailed, "open wal file", err)
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return res, verrors.NewStorageError(verrors.CodeDownloadFailed, "seek wal file", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return res, verrors.NewStorageError(verrors.CodeDownloadFailed, "seek wal file", err)
	}

	var offset int64
	header := make([]byte, frameHeaderSize)
	for offset < size {
		bad := func(msg string) (scanResult, error) {
			if tolerateTail {
				res.truncateAt = offset
				return res, nil
			}
			return res, verrors.NewCorruptionError(verrors.CodeTruncatedRecord,
				fmt.Sprintf("%s at offset %d in %s", msg, offset, filepath.Base(path)))
		}

		if size-offset < frameHeaderSize {
			return bad("torn wal frame header")
		}
		if _, err := io.ReadFull(f, header); err != nil {
			return res, verrors.NewStorageError(verrors.CodeDownloadFailed, "read wal frame", err)
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		sum := binary.LittleEndian.Uint32(header[4:8])

		if size-offset-frameHeaderSize < int64(length) {
			return bad("torn wal payload")
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err != nil {
			return res, verrors.NewStorageError(verrors.CodeDownloadFailed, "read wal payload", err)
		}
		if crc32.ChecksumIEEE(payload) != sum {
			if tolerateTail && offset+frameHeaderSize+int64(length) == size {
				// Torn trailing write: the frame reached disk but the
				// payload bytes did not all make it.
				res.truncateAt = offset
				return res, nil
			}
			return res, verrors.NewCorruptionError(verrors.CodeChecksumMismatch,
				fmt.Sprintf("wal checksum mismatch at offset %d in %s", offset, filepath.Base(path)))
		}

		rec, err := unmarshalRecord(payload)
		if err != nil {
			return res, err
		}
		res.lastSeq = rec.Seq
		offset += frameHeaderSize + int64(length)
	}
	return res, nil
}
