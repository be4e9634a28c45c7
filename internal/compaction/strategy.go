package compaction

import (
	"fmt"
	"sort"

	"github.com/velocitydb/velocity/pkg/types"
)

// Strategy decides the row order of a compaction target. The merger hands
// it every surviving row; the arrangement it leaves behind is what gets
// written, so key-clustered strategies directly improve min/max pruning on
// the output.
type Strategy interface {
	// Name identifies the strategy in logs and configuration.
	Name() string

	// Arrange reorders rows in place. Rows are in schema column order with
	// canonical values.
	Arrange(schema types.Schema, rows []types.Row) error
}

// ByName returns the strategy registered under name. The zorder strategy
// interleaves the schema's key columns; use NewZOrder directly to choose
// other columns.
func ByName(name string) (Strategy, error) {
	switch name {
	case "binpack", "":
		return BinPack{}, nil
	case "sortmerge":
		return SortMerge{}, nil
	case "zorder":
		return NewZOrder(nil), nil
	default:
		return nil, fmt.Errorf("compaction: unknown strategy %q", name)
	}
}

// BinPack concatenates sources in segment order without reordering. The
// cheapest strategy: it only reduces segment count and drops dead rows.
type BinPack struct{}

func (BinPack) Name() string { return "binpack" }

func (BinPack) Arrange(types.Schema, []types.Row) error { return nil }

// SortMerge orders rows by the schema's key columns, producing targets
// whose key min/max ranges are tight and disjoint from future output.
type SortMerge struct{}

func (SortMerge) Name() string { return "sortmerge" }

func (SortMerge) Arrange(schema types.Schema, rows []types.Row) error {
	keys := schema.KeyColumns()
	if len(keys) == 0 {
		return fmt.Errorf("compaction: sortmerge needs at least one key column")
	}

	type keyCol struct {
		idx int
		typ types.Type
	}
	cols := make([]keyCol, 0, len(keys))
	for _, def := range keys {
		cols = append(cols, keyCol{idx: schema.ColumnIndex(def.Name), typ: def.Type})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		for _, kc := range cols {
			if c := types.Compare(kc.typ, rows[i][kc.idx], rows[j][kc.idx]); c != 0 {
				return c < 0
			}
		}
		return false
	})
	return nil
}
