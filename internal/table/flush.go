package table

import (
	"context"
	"log"
	"time"

	"github.com/velocitydb/velocity/internal/column"
	"github.com/velocitydb/velocity/internal/manifest"
	"github.com/velocitydb/velocity/internal/metrics"
	"github.com/velocitydb/velocity/internal/segment"
)

// Flush converts the memtable into an immutable segment and checkpoints the
// WAL. With an empty memtable it still checkpoints, persisting any tombstone
// changes since the last one.
func (t *Table) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errClosed
	}
	if len(t.memRows) == 0 {
		return t.checkpointLocked(ctx)
	}
	return t.flushLocked(ctx)
}

// flushLocked builds and publishes one segment from the current memtable,
// then commits the registration and the WAL checkpoint as one catalog
// transaction before installing the segment in the live set. The single
// transaction is what keeps flush crash-safe: were the segment registered
// first and checkpointed after, a crash between the two would replay the
// flushed records into the memtable on top of the segment's rows. The
// object upload itself stays outside the transaction; a crash before the
// commit leaves an orphan the sweep reclaims at next open.
func (t *Table) flushLocked(ctx context.Context) error {
	if len(t.memRows) == 0 {
		return nil
	}
	start := time.Now()

	cols, err := column.Build(t.schema, t.memRows)
	if err != nil {
		return err
	}

	id, err := t.files.NextID()
	if err != nil {
		return err
	}

	bloomColumn := ""
	if keys := t.schema.KeyColumns(); len(keys) > 0 {
		bloomColumn = keys[0].Name
	}

	header, err := segment.WriteFile(t.files.ScratchPath(id), cols, segment.WriteOptions{
		ID:            id,
		SchemaVersion: t.schema.Version,
		CreatedSeq:    t.versions.Seq(),
		BloomColumn:   bloomColumn,
	})
	if err != nil {
		return err
	}

	objectPath, size, err := t.files.Publish(ctx, id)
	if err != nil {
		t.files.Discard(id)
		return err
	}

	checkpointSeq := t.wal.LastSeq()
	bitmaps, err := t.serializedTombstones()
	if err != nil {
		return err
	}

	if err := t.catalog.CommitFlush(ctx, &manifest.SegmentRecord{
		SegmentID:     id.String(),
		ObjectPath:    objectPath,
		RowCount:      int64(header.RowCount),
		SizeBytes:     size,
		SchemaVersion: header.SchemaVersion,
		CreatedSeq:    header.CreatedSeq,
		Columns:       header.Columns,
	}, checkpointSeq, t.versions.Seq(), bitmaps); err != nil {
		return err
	}

	seg, err := segment.FromHeader(header, objectPath, size, t.tombstones.Set(id))
	if err != nil {
		return err
	}
	t.versions.InstallFlush(seg, nil, t.versions.Seq())
	t.memRows = nil

	if err := t.wal.Truncate(checkpointSeq); err != nil {
		// Redundant files only; the next checkpoint retries.
		log.Printf("table: wal truncate: %v", err)
	}

	metrics.FlushesTotal.Inc()
	metrics.CheckpointsTotal.Inc()
	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	metrics.SegmentsLive.Set(float64(len(t.versions.Segments())))
	log.Printf("table: flushed %d rows into segment %s (%d bytes)", header.RowCount, id, size)
	return nil
}

// checkpointLocked persists the WAL watermark, the commit sequence, and
// every tombstone bitmap, then drops fully superseded WAL files. Only valid
// with an empty memtable: every record at or below the watermark must be
// captured by segments plus the bitmaps written here.
func (t *Table) checkpointLocked(ctx context.Context) error {
	if len(t.memRows) != 0 {
		return nil
	}

	seq := t.wal.LastSeq()
	bitmaps, err := t.serializedTombstones()
	if err != nil {
		return err
	}

	if err := t.catalog.Checkpoint(ctx, seq, t.versions.Seq(), bitmaps); err != nil {
		return err
	}
	if err := t.wal.Truncate(seq); err != nil {
		// Redundant files only; the next checkpoint retries.
		log.Printf("table: wal truncate: %v", err)
	}
	metrics.CheckpointsTotal.Inc()
	return nil
}

func (t *Table) serializedTombstones() (map[string][]byte, error) {
	bitmaps, err := t.tombstones.Serialize()
	if err != nil {
		return nil, err
	}
	byID := make(map[string][]byte, len(bitmaps))
	for id, data := range bitmaps {
		byID[id.String()] = data
	}
	return byID, nil
}

// Checkpoint flushes the memtable and checkpoints the WAL on demand.
func (t *Table) Checkpoint(ctx context.Context) error {
	return t.Flush(ctx)
}
