package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocitydb/velocity/pkg/types"
)

func TestOpenAndReopen(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Flush.Interval = 0
	cfg.Compaction.CheckInterval = 0

	schema := types.Schema{Columns: []types.ColumnDef{
		{Name: "id", Type: types.TypeInt64, Key: true},
		{Name: "name", Type: types.TypeString, Nullable: true},
	}}

	tbl, err := Open(ctx, cfg, schema)
	require.NoError(t, err)
	_, err = tbl.Insert(ctx, []types.Row{{1, "a"}, {2, "b"}})
	require.NoError(t, err)
	require.NoError(t, tbl.Close(ctx))

	// A second Open refuses the initialized directory.
	_, err = Open(ctx, cfg, schema)
	require.Error(t, err)

	tbl, err = OpenExisting(ctx, cfg)
	require.NoError(t, err)
	defer tbl.Close(ctx)

	snap := tbl.Begin()
	defer snap.Close()
	sc, err := tbl.Scan(ctx, snap, ScanOptions{})
	require.NoError(t, err)
	var rows []types.Row
	for {
		batch, err := sc.Next(ctx)
		require.NoError(t, err)
		if batch == nil {
			break
		}
		rows = append(rows, batch...)
	}
	assert.Len(t, rows, 2)
}

func TestOpenExistingRequiresStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	_, err := OpenExisting(context.Background(), cfg)
	assert.Error(t, err)
}
