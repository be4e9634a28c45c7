package integration

import (
	"context"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocitydb/velocity/pkg/engine"
	"github.com/velocitydb/velocity/pkg/types"
)

// seedSegments writes count segments of size rows each, with shuffled ids,
// then deletes every id divisible by 5.
func seedSegments(t *testing.T, tbl *engine.Table, count, size int) {
	t.Helper()
	ctx := context.Background()

	ids := make([]int64, count*size)
	for i := range ids {
		ids[i] = int64(i)
	}
	rng := rand.New(rand.NewSource(42))
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	for s := 0; s < count; s++ {
		rows := make([]types.Row, 0, size)
		for _, id := range ids[s*size : (s+1)*size] {
			rows = append(rows, types.Row{id, "k", float64(id)})
		}
		_, err := tbl.Insert(ctx, rows)
		require.NoError(t, err)
		require.NoError(t, tbl.Flush(ctx))
	}

	_, _, err := tbl.Delete(ctx, func(row types.Row) (bool, error) {
		return row[0].(int64)%5 == 0, nil
	})
	require.NoError(t, err)
}

func liveIDs(count, size int) map[int64]bool {
	ids := make(map[int64]bool)
	for i := int64(0); i < int64(count*size); i++ {
		if i%5 != 0 {
			ids[i] = true
		}
	}
	return ids
}

func TestBinpackCompactionPreservesVisibleRows(t *testing.T) {
	ctx := context.Background()
	tbl, err := engine.Open(ctx, newConfig(t), eventSchema())
	require.NoError(t, err)
	defer tbl.Close(ctx)

	seedSegments(t, tbl, 4, 50)
	require.NoError(t, tbl.Compact(ctx, "binpack"))

	assert.Equal(t, liveIDs(4, 50), collectIDs(t, tbl))

	stats, err := tbl.Stats(ctx)
	require.NoError(t, err)
	assert.Less(t, stats.SegmentCount, 4)
	assert.Zero(t, stats.TombstonedRows)
}

func TestSortmergeCompactionOrdersByKey(t *testing.T) {
	ctx := context.Background()
	tbl, err := engine.Open(ctx, newConfig(t), eventSchema())
	require.NoError(t, err)
	defer tbl.Close(ctx)

	seedSegments(t, tbl, 3, 40)
	require.NoError(t, tbl.Compact(ctx, "sortmerge"))

	assert.Equal(t, liveIDs(3, 40), collectIDs(t, tbl))

	// The merged segment is key-ordered, so a full scan comes back sorted.
	var scanned []int64
	for _, row := range collect(t, tbl, engine.ScanOptions{Projection: []string{"id"}}) {
		scanned = append(scanned, row[0].(int64))
	}
	assert.True(t, sort.SliceIsSorted(scanned, func(i, j int) bool {
		return scanned[i] < scanned[j]
	}))
}

func TestZorderCompactionPreservesVisibleRows(t *testing.T) {
	ctx := context.Background()
	cfg := newConfig(t)
	schema := types.Schema{Columns: []types.ColumnDef{
		{Name: "x", Type: types.TypeInt64, Key: true},
		{Name: "y", Type: types.TypeInt64, Key: true},
		{Name: "payload", Type: types.TypeString, Nullable: true},
	}}
	tbl, err := engine.Open(ctx, cfg, schema)
	require.NoError(t, err)
	defer tbl.Close(ctx)

	type point struct{ x, y int64 }
	want := make(map[point]bool)
	for s := 0; s < 2; s++ {
		rows := make([]types.Row, 0, 64)
		for i := 0; i < 64; i++ {
			p := point{int64(s*64+i) % 16, int64(s*64+i) / 16}
			want[p] = true
			rows = append(rows, types.Row{p.x, p.y, "v"})
		}
		_, err := tbl.Insert(ctx, rows)
		require.NoError(t, err)
		require.NoError(t, tbl.Flush(ctx))
	}

	require.NoError(t, tbl.Compact(ctx, "zorder"))

	got := make(map[point]bool)
	for _, row := range collect(t, tbl, engine.ScanOptions{Projection: []string{"x", "y"}}) {
		got[point{row[0].(int64), row[1].(int64)}] = true
	}
	assert.Equal(t, want, got)
}

func TestCompactionIsNoOpWithoutCandidates(t *testing.T) {
	ctx := context.Background()
	tbl, err := engine.Open(ctx, newConfig(t), eventSchema())
	require.NoError(t, err)
	defer tbl.Close(ctx)

	_, err = tbl.Insert(ctx, []types.Row{{1, "a", 0.1}})
	require.NoError(t, err)
	require.NoError(t, tbl.Flush(ctx))

	require.NoError(t, tbl.Compact(ctx, ""))

	stats, err := tbl.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SegmentCount)
}
