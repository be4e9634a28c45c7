package compaction

import (
	"context"
	"fmt"

	"github.com/velocitydb/velocity/internal/codec"
	"github.com/velocitydb/velocity/internal/column"
	verrors "github.com/velocitydb/velocity/internal/errors"
	"github.com/velocitydb/velocity/internal/segment"
	"github.com/velocitydb/velocity/internal/tombstone"
	"github.com/velocitydb/velocity/pkg/types"
)

// Result describes a merged target waiting to be published and swapped in.
type Result struct {
	TargetID  types.SegmentID
	Header    *segment.Header
	SourceIDs []string
	LiveRows  int

	// sourceCards records each source's tombstone cardinality at merge
	// start, to detect deletes that raced the merge.
	sourceCards map[types.SegmentID]int
}

// Merger rewrites a group of segments into one target file in the scratch
// directory. It never touches the sources.
type Merger struct {
	files  *segment.FileManager
	policy codec.Policy
}

// NewMerger creates a merger writing through the file manager.
func NewMerger(files *segment.FileManager, policy codec.Policy) *Merger {
	return &Merger{files: files, policy: policy}
}

// Merge reads the live rows of every source, arranges them with the
// strategy, and writes the target into the scratch directory. The returned
// result's target is durable locally but not yet published or registered.
//
// Sources may predate the schema: columns the schema added since are filled
// with NULLs, columns it dropped are left behind. The target is always
// written at the current schema version, which is how old segments converge
// to the latest schema over time.
func (m *Merger) Merge(ctx context.Context, schema types.Schema, group *Group, strategy Strategy) (*Result, error) {
	res := &Result{sourceCards: make(map[types.SegmentID]int, len(group.Segments))}

	var rows []types.Row
	for _, src := range group.Segments {
		if err := ctx.Err(); err != nil {
			return nil, verrors.NewCompactionError(verrors.CodeCancelled, "merge cancelled", err)
		}

		view := src.Tombstones.View()
		res.sourceCards[src.ID] = view.Cardinality()
		res.SourceIDs = append(res.SourceIDs, src.ID.String())

		srcRows, err := m.readLiveRows(ctx, schema, src, view)
		if err != nil {
			return nil, verrors.NewCompactionError(verrors.CodeSourceMissing,
				"read source "+src.ID.String(), err)
		}
		rows = append(rows, srcRows...)
	}

	if err := strategy.Arrange(schema, rows); err != nil {
		return nil, err
	}

	cols, err := column.Build(schema, rows)
	if err != nil {
		return nil, verrors.NewCompactionError(verrors.CodeValidationFailed, "rebuild columns", err)
	}

	targetID, err := m.files.NextID()
	if err != nil {
		return nil, err
	}

	// The target carries no new data, so its visibility sequence is the
	// newest source's.
	var maxSeq uint64
	for _, src := range group.Segments {
		if src.CreatedSeq > maxSeq {
			maxSeq = src.CreatedSeq
		}
	}

	bloomColumn := ""
	if keys := schema.KeyColumns(); len(keys) > 0 {
		bloomColumn = keys[0].Name
	}

	header, err := segment.WriteFile(m.files.ScratchPath(targetID), cols, segment.WriteOptions{
		ID:            targetID,
		SchemaVersion: schema.Version,
		CreatedSeq:    maxSeq,
		Policy:        m.policy,
		Cold:          true,
		BloomColumn:   bloomColumn,
	})
	if err != nil {
		return nil, err
	}

	res.TargetID = targetID
	res.Header = header
	res.LiveRows = len(rows)
	return res, nil
}

// readLiveRows materializes a source's non-tombstoned rows in the current
// schema's column order.
func (m *Merger) readLiveRows(ctx context.Context, schema types.Schema, src *segment.Segment, view *tombstone.View) ([]types.Row, error) {
	r, err := m.files.Open(ctx, src)
	if err != nil {
		return nil, err
	}

	cols := make([]*column.Column, len(schema.Columns))
	for i, def := range schema.Columns {
		if _, ok := r.ColumnMeta(def.Name); !ok {
			continue // added after this segment was written; reads as NULL
		}
		c, err := r.ReadColumn(def.Name)
		if err != nil {
			return nil, err
		}
		cols[i] = c
	}

	rows := make([]types.Row, 0, r.RowCount()-view.Cardinality())
	for off := 0; off < r.RowCount(); off++ {
		if view.Contains(uint32(off)) {
			continue
		}
		row := make(types.Row, len(schema.Columns))
		for i, c := range cols {
			if c != nil {
				row[i] = c.Value(off)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// RacedDeletes reports whether any source accumulated tombstones after the
// merge captured its view. A raced delete would resurrect in the target, so
// the run must abort and retry.
func (r *Result) RacedDeletes(group *Group) bool {
	for _, src := range group.Segments {
		if src.Tombstones.Cardinality() != r.sourceCards[src.ID] {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer for run logging.
func (r *Result) String() string {
	return fmt.Sprintf("target=%s sources=%d rows=%d", r.TargetID, len(r.SourceIDs), r.LiveRows)
}
