package segment

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocitydb/velocity/internal/column"
	verrors "github.com/velocitydb/velocity/internal/errors"
	"github.com/velocitydb/velocity/internal/storage"
	"github.com/velocitydb/velocity/internal/tombstone"
	"github.com/velocitydb/velocity/pkg/types"
)

func testColumns(t *testing.T) []*column.Column {
	t.Helper()

	id := column.New(types.ColumnDef{Name: "id", Type: types.TypeInt64, Key: true})
	name := column.New(types.ColumnDef{Name: "name", Type: types.TypeString, Nullable: true})
	score := column.New(types.ColumnDef{Name: "score", Type: types.TypeFloat64, Nullable: true})
	active := column.New(types.ColumnDef{Name: "active", Type: types.TypeBool})
	raw := column.New(types.ColumnDef{Name: "raw", Type: types.TypeBinary, Nullable: true})
	seen := column.New(types.ColumnDef{Name: "seen", Type: types.TypeTimestamp})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := []struct {
		id     int64
		name   interface{}
		score  interface{}
		active bool
		raw    interface{}
	}{
		{1, "alpha", 0.5, true, []byte{0x01}},
		{2, nil, 2.25, false, nil},
		{3, "gamma", nil, true, []byte{0xff, 0x00}},
		{4, "delta", -1.75, false, []byte{}},
	}
	for i, r := range rows {
		require.NoError(t, id.Append(r.id))
		require.NoError(t, name.Append(r.name))
		require.NoError(t, score.Append(r.score))
		require.NoError(t, active.Append(r.active))
		require.NoError(t, raw.Append(r.raw))
		require.NoError(t, seen.Append(base.Add(time.Duration(i)*time.Minute)))
	}
	return []*column.Column{id, name, score, active, raw, seen}
}

func writeTestSegment(t *testing.T, dir string, opts WriteOptions) (string, *Header) {
	t.Helper()

	if opts.ID.IsZero() {
		gen := types.NewSegmentIDGenerator()
		id, err := gen.Generate()
		require.NoError(t, err)
		opts.ID = id
	}
	path := filepath.Join(dir, opts.ID.String()+".seg")
	header, err := WriteFile(path, testColumns(t), opts)
	require.NoError(t, err)
	return path, header
}

func TestWriteReadRoundTrip(t *testing.T) {
	path, header := writeTestSegment(t, t.TempDir(), WriteOptions{
		SchemaVersion: 3,
		CreatedSeq:    42,
		BloomColumn:   "id",
	})

	r, err := Open(path)
	require.NoError(t, err)

	assert.Equal(t, 4, r.RowCount())
	assert.Equal(t, 3, r.Header().SchemaVersion)
	assert.Equal(t, uint64(42), r.Header().CreatedSeq)
	assert.Equal(t, header.SegmentID, r.Header().SegmentID)

	cols, err := r.ReadColumns(nil)
	require.NoError(t, err)
	require.Len(t, cols, 6)

	id, name, score, active, raw := cols[0], cols[1], cols[2], cols[3], cols[4]

	assert.Equal(t, int64(1), id.Value(0))
	assert.Equal(t, int64(4), id.Value(3))

	assert.Equal(t, "alpha", name.Value(0))
	assert.Nil(t, name.Value(1))
	assert.True(t, name.IsNull(1))

	assert.Nil(t, score.Value(2))
	assert.Equal(t, -1.75, score.Value(3))

	assert.Equal(t, true, active.Value(0))
	assert.Equal(t, false, active.Value(1))

	assert.Equal(t, []byte{0xff, 0x00}, raw.Value(2))
	assert.Nil(t, raw.Value(1))
	// Empty binary is a present value, not a NULL.
	assert.False(t, raw.IsNull(3))
	assert.Equal(t, []byte{}, raw.Value(3))
}

func TestWriteFile_StatsInHeader(t *testing.T) {
	path, _ := writeTestSegment(t, t.TempDir(), WriteOptions{})

	r, err := Open(path)
	require.NoError(t, err)

	cm, ok := r.ColumnMeta("id")
	require.True(t, ok)
	assert.Equal(t, int64(1), cm.Min)
	assert.Equal(t, int64(4), cm.Max)
	assert.Equal(t, 0, cm.NullCount)

	cm, ok = r.ColumnMeta("score")
	require.True(t, ok)
	assert.Equal(t, -1.75, cm.Min)
	assert.Equal(t, 2.25, cm.Max)
	assert.Equal(t, 1, cm.NullCount)

	cm, ok = r.ColumnMeta("name")
	require.True(t, ok)
	assert.Equal(t, "alpha", cm.Min)
	assert.Equal(t, "gamma", cm.Max)
}

func TestWriteFile_UnequalColumnLengths(t *testing.T) {
	a := column.New(types.ColumnDef{Name: "a", Type: types.TypeInt64})
	b := column.New(types.ColumnDef{Name: "b", Type: types.TypeInt64})
	require.NoError(t, a.Append(int64(1)))

	_, err := WriteFile(filepath.Join(t.TempDir(), "x.seg"), []*column.Column{a, b}, WriteOptions{})
	assert.Error(t, err)
	assert.Equal(t, verrors.ErrCategoryConsistency, verrors.GetCategory(err))
}

func TestOpen_DetectsCorruption(t *testing.T) {
	path, _ := writeTestSegment(t, t.TempDir(), WriteOptions{})

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Flip a byte in the middle of the body.
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Open(path)
	assert.Error(t, err)
	assert.Equal(t, verrors.CodeChecksumMismatch, verrors.GetCode(err))
}

func TestOpen_BadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.seg")
	require.NoError(t, os.WriteFile(path, []byte("NOTASEGMENT_AT_ALL"), 0644))

	_, err := Open(path)
	assert.Error(t, err)
	assert.Equal(t, verrors.CodeBadMagic, verrors.GetCode(err))
}

func TestOpen_Truncated(t *testing.T) {
	path, _ := writeTestSegment(t, t.TempDir(), WriteOptions{})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-10], 0644))

	_, err = Open(path)
	assert.Error(t, err)
	assert.Equal(t, verrors.ErrCategoryCorruption, verrors.GetCategory(err))
}

func TestReader_BloomSidecar(t *testing.T) {
	path, _ := writeTestSegment(t, t.TempDir(), WriteOptions{BloomColumn: "id"})

	r, err := Open(path)
	require.NoError(t, err)

	filter, err := r.Bloom()
	require.NoError(t, err)
	require.NotNil(t, filter)

	for _, key := range []int64{1, 2, 3, 4} {
		assert.True(t, filter.ContainsValue(types.TypeInt64, key), "key %d should be present", key)
	}
	// Absent keys may false-positive individually, but not all of them.
	misses := 0
	for key := int64(1000); key < 1100; key++ {
		if !filter.ContainsValue(types.TypeInt64, key) {
			misses++
		}
	}
	assert.Greater(t, misses, 90)
}

func TestReader_NoBloomWhenDisabled(t *testing.T) {
	path, _ := writeTestSegment(t, t.TempDir(), WriteOptions{})

	r, err := Open(path)
	require.NoError(t, err)

	filter, err := r.Bloom()
	require.NoError(t, err)
	assert.Nil(t, filter)
}

func TestReader_Projection(t *testing.T) {
	path, _ := writeTestSegment(t, t.TempDir(), WriteOptions{})

	r, err := Open(path)
	require.NoError(t, err)

	cols, err := r.ReadColumns([]string{"score", "id"})
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, "score", cols[0].Def().Name)
	assert.Equal(t, "id", cols[1].Def().Name)

	_, err = r.ReadColumn("nope")
	assert.Error(t, err)
}

func TestSegment_RefCounting(t *testing.T) {
	path, header := writeTestSegment(t, t.TempDir(), WriteOptions{})

	stat, err := os.Stat(path)
	require.NoError(t, err)

	ts := tombstone.NewSet()
	seg, err := FromHeader(header, "segments/x.seg", stat.Size(), ts)
	require.NoError(t, err)

	seg.Retain()
	seg.Retain()
	assert.Equal(t, int32(2), seg.Refs())
	assert.Equal(t, int32(1), seg.Release())
	assert.Equal(t, int32(0), seg.Release())

	assert.Equal(t, 4, seg.LiveRows())
	ts.Mark(1)
	ts.Mark(3)
	assert.Equal(t, 2, seg.LiveRows())
	assert.Equal(t, 0.5, seg.TombstoneRatio())
}

func TestFileManager_PublishOpenDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewLocal(filepath.Join(dir, "objects"))
	require.NoError(t, err)

	fm, err := NewFileManager(filepath.Join(dir, "scratch"), filepath.Join(dir, "cache"), store)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := fm.NextID()
	require.NoError(t, err)

	header, err := WriteFile(fm.ScratchPath(id), testColumns(t), WriteOptions{ID: id})
	require.NoError(t, err)

	objectPath, size, err := fm.Publish(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "segments/"+id.String()+".seg", objectPath)
	assert.Greater(t, size, int64(0))

	// Scratch copy is gone once published.
	_, err = os.Stat(fm.ScratchPath(id))
	assert.True(t, os.IsNotExist(err))

	seg, err := FromHeader(header, objectPath, size, nil)
	require.NoError(t, err)

	// First open downloads into the cache, second is served from it.
	for i := 0; i < 2; i++ {
		r, err := fm.Open(ctx, seg)
		require.NoError(t, err)
		assert.Equal(t, 4, r.RowCount())
	}

	published, err := fm.ListPublished(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{objectPath}, published)

	require.NoError(t, fm.Delete(ctx, seg))
	_, err = fm.Open(ctx, seg)
	assert.Error(t, err)

	published, err = fm.ListPublished(ctx)
	require.NoError(t, err)
	assert.Empty(t, published)
}

func TestFileManager_IDsAreOrdered(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewLocal(filepath.Join(dir, "objects"))
	require.NoError(t, err)

	fm, err := NewFileManager(filepath.Join(dir, "scratch"), filepath.Join(dir, "cache"), store)
	require.NoError(t, err)

	prev, err := fm.NextID()
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		next, err := fm.NextID()
		require.NoError(t, err)
		assert.Negative(t, prev.Compare(next))
		prev = next
	}
}
