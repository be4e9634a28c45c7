package table

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"

	verrors "github.com/velocitydb/velocity/internal/errors"
	"github.com/velocitydb/velocity/internal/manifest"
	"github.com/velocitydb/velocity/internal/segment"
	"github.com/velocitydb/velocity/internal/wal"
	"github.com/velocitydb/velocity/pkg/types"
)

// recover rebuilds the in-memory state: the live segment set and persisted
// tombstones from the catalog, then the memtable and post-checkpoint
// tombstones from the WAL suffix. Records at or below the checkpoint are
// already captured in segments and are not re-applied.
func (t *Table) recover(ctx context.Context) error {
	recs, err := t.catalog.ListActive(ctx)
	if err != nil {
		return err
	}
	segments := make([]*segment.Segment, 0, len(recs))
	byID := make(map[types.SegmentID]*segment.Segment, len(recs))
	for _, rec := range recs {
		seg, err := t.segmentFromRecord(rec)
		if err != nil {
			return err
		}
		segments = append(segments, seg)
		byID[seg.ID] = seg
	}

	if err := t.loadTombstones(ctx, byID); err != nil {
		return err
	}

	checkpointSeq, commitSeq, err := t.catalog.Watermarks(ctx)
	if err != nil {
		return err
	}

	// commitSeq floors the WAL's resume sequence: a checkpoint may have
	// truncated every file, and sequences must never be re-issued.
	t.wal, err = wal.Open(t.cfg.WAL.Dir, int64(t.cfg.WAL.MaxFileSizeMB)*1024*1024, commitSeq)
	if err != nil {
		return err
	}

	memRows, replayed, err := t.replayWAL(checkpointSeq, byID)
	if err != nil {
		return err
	}

	// The commit sequence survives full WAL truncation through the
	// checkpoint's persisted watermark.
	seq := commitSeq
	if replayed > seq {
		seq = replayed
	}
	if last := t.wal.LastSeq(); last > seq {
		seq = last
	}

	t.memRows = memRows
	t.versions.Bootstrap(segments, memRows, seq)
	if replayed > checkpointSeq {
		log.Printf("table: replayed wal records (%d..%d], %d memtable rows",
			checkpointSeq, replayed, len(memRows))
	}
	return nil
}

func (t *Table) segmentFromRecord(rec *manifest.SegmentRecord) (*segment.Segment, error) {
	id, err := types.ParseSegmentID(rec.SegmentID)
	if err != nil {
		return nil, verrors.NewConsistencyError(verrors.CodeSegmentMissing,
			"catalog holds invalid segment id "+rec.SegmentID)
	}
	return &segment.Segment{
		ID:            id,
		ObjectPath:    rec.ObjectPath,
		RowCount:      int(rec.RowCount),
		SizeBytes:     rec.SizeBytes,
		SchemaVersion: rec.SchemaVersion,
		CreatedSeq:    rec.CreatedSeq,
		Columns:       rec.Columns,
		Tombstones:    t.tombstones.Set(id),
	}, nil
}

// loadTombstones installs the checkpointed bitmaps and verifies every marked
// offset addresses a real row.
func (t *Table) loadTombstones(ctx context.Context, byID map[types.SegmentID]*segment.Segment) error {
	bitmaps, err := t.catalog.LoadTombstones(ctx)
	if err != nil {
		return err
	}
	for idStr, data := range bitmaps {
		id, err := types.ParseSegmentID(idStr)
		if err != nil {
			return verrors.NewConsistencyError(verrors.CodeDanglingTombstone,
				"tombstone bitmap for invalid segment id "+idStr)
		}
		seg, ok := byID[id]
		if !ok {
			return verrors.NewConsistencyError(verrors.CodeDanglingTombstone,
				"tombstone bitmap for unknown segment "+idStr)
		}
		if err := t.tombstones.Load(id, data); err != nil {
			return verrors.Wrap(verrors.ErrCategoryCorruption, verrors.CodeChecksumMismatch,
				"tombstone bitmap for segment "+idStr, err)
		}
		if max, ok := t.tombstones.Set(id).Max(); ok && int(max) >= seg.RowCount {
			return verrors.NewConsistencyError(verrors.CodeDanglingTombstone,
				fmt.Sprintf("segment %s tombstone offset %d exceeds %d rows", idStr, max, seg.RowCount))
		}
	}
	return nil
}

// replayWAL applies every record above fromSeq and returns the rebuilt
// memtable plus the last replayed sequence (fromSeq if none).
func (t *Table) replayWAL(fromSeq uint64, byID map[types.SegmentID]*segment.Segment) ([]types.Row, uint64, error) {
	var memRows []types.Row
	last := fromSeq

	err := t.wal.Replay(fromSeq, func(rec *wal.Record) error {
		last = rec.Seq
		switch rec.Op {
		case wal.OpInsert:
			rows, err := t.decodeRows(rec)
			if err != nil {
				return err
			}
			memRows = append(memRows, rows...)
			return nil
		case wal.OpDelete:
			var err error
			memRows, err = t.replayDeletes(rec.Deletes, memRows, byID)
			return err
		case wal.OpUpdate:
			var err error
			memRows, err = t.replayDeletes(rec.Deletes, memRows, byID)
			if err != nil {
				return err
			}
			rows, err := t.decodeRows(rec)
			if err != nil {
				return err
			}
			memRows = append(memRows, rows...)
			return nil
		default:
			return verrors.NewConsistencyError(verrors.CodeSequenceGap,
				fmt.Sprintf("wal record %d has unknown op %q", rec.Seq, rec.Op))
		}
	})
	if err != nil {
		return nil, 0, err
	}
	return memRows, last, nil
}

// replayDeletes re-applies one record's deletions. A deletion against a
// segment no longer in the live set targets a source that compaction has
// since swapped out; its rows were accounted for at swap time, so it is
// skipped. An offset beyond a live segment's rows is a storage bug.
func (t *Table) replayDeletes(deletes []wal.Deletion, memRows []types.Row,
	byID map[types.SegmentID]*segment.Segment) ([]types.Row, error) {

	for _, d := range deletes {
		if d.SegmentID == "" {
			for _, off := range d.Rows {
				if int(off) >= len(memRows) {
					return nil, verrors.NewConsistencyError(verrors.CodeDanglingTombstone,
						fmt.Sprintf("memtable deletion offset %d exceeds %d rows", off, len(memRows)))
				}
			}
			memRows = removeRows(memRows, d.Rows)
			continue
		}

		id, err := types.ParseSegmentID(d.SegmentID)
		if err != nil {
			return nil, verrors.NewConsistencyError(verrors.CodeDanglingTombstone,
				"wal deletion for invalid segment id "+d.SegmentID)
		}
		seg, ok := byID[id]
		if !ok {
			log.Printf("table: replay skips deletion in compacted segment %s", d.SegmentID)
			continue
		}
		for _, off := range d.Rows {
			if int(off) >= seg.RowCount {
				return nil, verrors.NewConsistencyError(verrors.CodeDanglingTombstone,
					fmt.Sprintf("segment %s deletion offset %d exceeds %d rows", d.SegmentID, off, seg.RowCount))
			}
			t.tombstones.MarkDeleted(id, off)
		}
	}
	return memRows, nil
}

// decodeRows restores canonical Go types on replayed rows. JSON hands back
// json.Number for numerics and base64 text for binary; every record above
// the checkpoint carries the current schema version (a schema change forces
// a checkpoint first), so the live schema governs the decode.
func (t *Table) decodeRows(rec *wal.Record) ([]types.Row, error) {
	out := make([]types.Row, len(rec.Rows))
	for n, row := range rec.Rows {
		decoded := make(types.Row, len(row))
		for i, v := range row {
			if v == nil || i >= len(t.schema.Columns) {
				continue
			}
			cv, err := decodeValue(t.schema.Columns[i].Type, v)
			if err != nil {
				return nil, verrors.Wrap(verrors.ErrCategoryCorruption, verrors.CodeChecksumMismatch,
					fmt.Sprintf("wal record %d row value %s", rec.Seq, t.schema.Columns[i].Name), err)
			}
			decoded[i] = cv
		}
		out[n] = decoded
	}
	return out, nil
}

func decodeValue(typ types.Type, v interface{}) (interface{}, error) {
	switch typ {
	case types.TypeInt64, types.TypeTimestamp:
		if n, ok := v.(json.Number); ok {
			return n.Int64()
		}
	case types.TypeFloat64:
		if n, ok := v.(json.Number); ok {
			return n.Float64()
		}
	case types.TypeBinary:
		if s, ok := v.(string); ok {
			return base64.StdEncoding.DecodeString(s)
		}
	}
	return types.Coerce(typ, v)
}

// removeRows returns a copy of rows without the given offsets. The input
// slice is shared with open snapshots and never mutated.
func removeRows(rows []types.Row, offsets []uint32) []types.Row {
	drop := make(map[uint32]struct{}, len(offsets))
	for _, off := range offsets {
		drop[off] = struct{}{}
	}
	out := make([]types.Row, 0, len(rows)-len(drop))
	for i, row := range rows {
		if _, gone := drop[uint32(i)]; !gone {
			out = append(out, row)
		}
	}
	return out
}
