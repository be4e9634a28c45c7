package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocitydb/velocity/internal/codec"
	"github.com/velocitydb/velocity/internal/segment"
	"github.com/velocitydb/velocity/pkg/types"
)

func newTestCatalog(t *testing.T) *SQLiteCatalog {
	t.Helper()
	c, err := NewCatalog(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testRecord(id string, seq uint64, size int64) *SegmentRecord {
	return &SegmentRecord{
		SegmentID:     id,
		ObjectPath:    "segments/" + id + ".seg",
		RowCount:      100,
		SizeBytes:     size,
		SchemaVersion: 1,
		CreatedSeq:    seq,
		Columns: []segment.ColumnMeta{
			{Name: "id", Type: types.TypeInt64, Codec: codec.Snappy,
				Min: int64(1), Max: int64(100)},
			{Name: "name", Type: types.TypeString, Codec: codec.Zstd,
				Min: "alpha", Max: "zulu", NullCount: 3},
		},
	}
}

func TestCatalog_RegisterAndList(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.RegisterSegment(ctx, testRecord("seg-b", 2, 1024)))
	require.NoError(t, c.RegisterSegment(ctx, testRecord("seg-a", 1, 2048)))

	active, err := c.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "seg-a", active[0].SegmentID)
	assert.Equal(t, "seg-b", active[1].SegmentID)

	// Column stats round-trip with canonical types intact.
	rec, err := c.GetSegment(ctx, "seg-a")
	require.NoError(t, err)
	require.Len(t, rec.Columns, 2)
	assert.Equal(t, int64(1), rec.Columns[0].Min)
	assert.Equal(t, int64(100), rec.Columns[0].Max)
	assert.Equal(t, "zulu", rec.Columns[1].Max)
	assert.Equal(t, 3, rec.Columns[1].NullCount)
}

func TestCatalog_DuplicateSegmentRejected(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.RegisterSegment(ctx, testRecord("seg-a", 1, 1024)))
	assert.Error(t, c.RegisterSegment(ctx, testRecord("seg-a", 2, 1024)))
}

func TestCatalog_MarkCompacted(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.RegisterSegment(ctx, testRecord("seg-a", 1, 512)))
	require.NoError(t, c.RegisterSegment(ctx, testRecord("seg-b", 2, 512)))
	require.NoError(t, c.RegisterSegment(ctx, testRecord("seg-c", 3, 4096)))

	require.NoError(t, c.Checkpoint(ctx, 3, 3, map[string][]byte{"seg-a": {0x01}}))

	require.NoError(t, c.MarkCompacted(ctx, []string{"seg-a", "seg-b"}, testRecord("seg-d", 3, 900)))

	active, err := c.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "seg-c", active[0].SegmentID)
	assert.Equal(t, "seg-d", active[1].SegmentID)

	superseded, err := c.ListSuperseded(ctx)
	require.NoError(t, err)
	require.Len(t, superseded, 2)
	for _, rec := range superseded {
		require.NotNil(t, rec.CompactedInto)
		assert.Equal(t, "seg-d", *rec.CompactedInto)
	}

	// Source tombstones are dropped with the swap.
	bitmaps, err := c.LoadTombstones(ctx)
	require.NoError(t, err)
	assert.Empty(t, bitmaps)
}

func TestCatalog_MarkCompactedMissingSourceFails(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.RegisterSegment(ctx, testRecord("seg-a", 1, 512)))

	err := c.MarkCompacted(ctx, []string{"seg-a", "seg-ghost"}, testRecord("seg-d", 2, 900))
	assert.Error(t, err)

	// The transaction rolled back: target absent, source still active.
	active, err := c.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "seg-a", active[0].SegmentID)
}

func TestCatalog_DeleteSegment(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.RegisterSegment(ctx, testRecord("seg-a", 1, 512)))
	require.NoError(t, c.RegisterSegment(ctx, testRecord("seg-b", 2, 512)))
	require.NoError(t, c.MarkCompacted(ctx, []string{"seg-a"}, testRecord("seg-c", 2, 400)))

	// seg-a's row references seg-c via compacted_into, so it can go.
	require.NoError(t, c.DeleteSegment(ctx, "seg-a"))

	_, err := c.GetSegment(ctx, "seg-a")
	assert.Error(t, err)

	superseded, err := c.ListSuperseded(ctx)
	require.NoError(t, err)
	assert.Empty(t, superseded)
}

func TestCatalog_CompactionCandidates(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	for i, size := range []int64{4096, 100, 900, 1 << 20} {
		id := fmt.Sprintf("seg-%d", i)
		require.NoError(t, c.RegisterSegment(ctx, testRecord(id, uint64(i+1), size)))
	}

	candidates, err := c.CompactionCandidates(ctx, 1000, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, int64(100), candidates[0].SizeBytes)
	assert.Equal(t, int64(900), candidates[1].SizeBytes)
}

func TestCatalog_CheckpointRoundTrip(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	checkpointSeq, commitSeq, err := c.Watermarks(ctx)
	require.NoError(t, err)
	assert.Zero(t, checkpointSeq)
	assert.Zero(t, commitSeq)

	require.NoError(t, c.RegisterSegment(ctx, testRecord("seg-a", 1, 512)))
	require.NoError(t, c.RegisterSegment(ctx, testRecord("seg-b", 2, 512)))

	bitmaps := map[string][]byte{
		"seg-a": {0x3a, 0x30, 0x00, 0x00},
		"seg-b": {0x01},
	}
	require.NoError(t, c.Checkpoint(ctx, 17, 21, bitmaps))

	checkpointSeq, commitSeq, err = c.Watermarks(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(17), checkpointSeq)
	assert.Equal(t, uint64(21), commitSeq)

	loaded, err := c.LoadTombstones(ctx)
	require.NoError(t, err)
	assert.Equal(t, bitmaps, loaded)

	// A later checkpoint replaces the bitmap set wholesale.
	require.NoError(t, c.Checkpoint(ctx, 30, 34, map[string][]byte{"seg-b": {0x02}}))

	loaded, err = c.LoadTombstones(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"seg-b": {0x02}}, loaded)
}

func TestCatalog_CommitFlushIsAtomic(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.RegisterSegment(ctx, testRecord("seg-a", 1, 512)))

	bitmaps := map[string][]byte{"seg-a": {0x01}}
	require.NoError(t, c.CommitFlush(ctx, testRecord("seg-b", 5, 512), 5, 5, bitmaps))

	active, err := c.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	checkpointSeq, commitSeq, err := c.Watermarks(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), checkpointSeq)
	assert.Equal(t, uint64(5), commitSeq)

	loaded, err := c.LoadTombstones(ctx)
	require.NoError(t, err)
	assert.Equal(t, bitmaps, loaded)

	// A failed registration must not advance the watermark: recovery would
	// then skip records nothing else captures.
	err = c.CommitFlush(ctx, testRecord("seg-b", 9, 512), 9, 9, nil)
	require.Error(t, err)

	checkpointSeq, commitSeq, err = c.Watermarks(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), checkpointSeq)
	assert.Equal(t, uint64(5), commitSeq)

	loaded, err = c.LoadTombstones(ctx)
	require.NoError(t, err)
	assert.Equal(t, bitmaps, loaded)
}

func TestCatalog_SchemaVersions(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	version, raw, err := c.LatestSchema(ctx)
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.Nil(t, raw)

	schema := types.Schema{Version: 1, Columns: []types.ColumnDef{
		{Name: "id", Type: types.TypeInt64, Key: true},
	}}
	encoded, err := json.Marshal(schema)
	require.NoError(t, err)

	require.NoError(t, c.PutSchema(ctx, 1, encoded))
	assert.Error(t, c.PutSchema(ctx, 1, encoded), "versions are immutable")

	v2 := schema
	v2.Version = 2
	v2.Columns = append(v2.Columns, types.ColumnDef{Name: "note", Type: types.TypeString, Nullable: true})
	encoded2, err := json.Marshal(v2)
	require.NoError(t, err)
	require.NoError(t, c.PutSchema(ctx, 2, encoded2))

	version, raw, err = c.LatestSchema(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	var decoded types.Schema
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Len(t, decoded.Columns, 2)

	raw1, err := c.GetSchema(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, encoded, raw1)
}

func TestCatalog_CompactionIntents(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	intents, err := c.ListCompactionIntents(ctx)
	require.NoError(t, err)
	assert.Empty(t, intents)

	intent := &CompactionIntent{
		TargetSegmentID:  "seg-t",
		SourceSegmentIDs: []string{"seg-a", "seg-b"},
		TargetObjectPath: "segments/seg-t.seg",
	}
	require.NoError(t, c.PutCompactionIntent(ctx, intent))

	intents, err = c.ListCompactionIntents(ctx)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, "seg-t", intents[0].TargetSegmentID)
	assert.Equal(t, []string{"seg-a", "seg-b"}, intents[0].SourceSegmentIDs)

	require.NoError(t, c.DeleteCompactionIntent(ctx, "seg-t"))
	intents, err = c.ListCompactionIntents(ctx)
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestCatalog_Stats(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.ActiveSegments)

	require.NoError(t, c.RegisterSegment(ctx, testRecord("seg-a", 1, 512)))
	require.NoError(t, c.RegisterSegment(ctx, testRecord("seg-b", 2, 1024)))

	stats, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ActiveSegments)
	assert.Equal(t, int64(200), stats.TotalRows)
	assert.Equal(t, int64(1536), stats.TotalBytes)
}
