package table

import (
	"context"

	"github.com/velocitydb/velocity/internal/column"
	verrors "github.com/velocitydb/velocity/internal/errors"
	"github.com/velocitydb/velocity/internal/metrics"
	"github.com/velocitydb/velocity/internal/mvcc"
	"github.com/velocitydb/velocity/internal/segment"
	"github.com/velocitydb/velocity/pkg/types"
)

// DefaultBatchSize is the scanner's batch size when none is configured.
const DefaultBatchSize = 1024

// ScanOptions shapes a scan.
type ScanOptions struct {
	// Projection names the returned columns, in order. Empty returns every
	// schema column.
	Projection []string

	// Filter restricts rows and drives segment pruning. Nil scans all rows.
	Filter *Filter

	// Offset skips that many matching rows before the first returned one.
	Offset int

	// Limit caps the returned rows; 0 is unlimited.
	Limit int

	// BatchSize is the row count per Next batch (default DefaultBatchSize).
	BatchSize int
}

// Scanner streams a snapshot's rows in batches: segments in creation order,
// then the memtable. It holds no locks between calls; the snapshot pins
// everything it reads. The snapshot must stay open for the scanner's
// lifetime.
type Scanner struct {
	table  *Table
	snap   *mvcc.Snapshot
	schema types.Schema
	opts   ScanOptions

	projIdx []int // schema indexes of the projection
	needed  map[int]bool
	filter  *boundFilter
	fltIdx  int // schema index of the filter column, -1 without filter

	segIdx  int
	cur     *segmentCursor
	memOff  int
	skipped int
	emitted int
	done    bool
}

type segmentCursor struct {
	seg  *segment.Segment
	cols []*column.Column // schema order; nil columns read as NULL
	off  int
	rows int
}

// Scan opens a scanner over the snapshot. The schema in effect at call time
// governs projection and filtering; older segments are reconciled with NULLs
// for columns they predate.
func (t *Table) Scan(ctx context.Context, snap *mvcc.Snapshot, opts ScanOptions) (*Scanner, error) {
	schema := t.Schema()
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	s := &Scanner{
		table:  t,
		snap:   snap,
		schema: schema,
		opts:   opts,
		needed: make(map[int]bool),
		fltIdx: -1,
	}

	projection := opts.Projection
	if len(projection) == 0 {
		projection = make([]string, 0, len(schema.Columns))
		for _, def := range schema.Columns {
			projection = append(projection, def.Name)
		}
	}
	for _, name := range projection {
		idx := schema.ColumnIndex(name)
		if idx < 0 {
			return nil, verrors.NewSchemaError(verrors.CodeRowMismatch,
				"projection column "+name+" not in schema")
		}
		s.projIdx = append(s.projIdx, idx)
		s.needed[idx] = true
	}

	if opts.Filter != nil {
		bf, err := opts.Filter.bind(schema)
		if err != nil {
			return nil, err
		}
		s.filter = bf
		s.fltIdx = schema.ColumnIndex(bf.column)
		s.needed[s.fltIdx] = true
	}

	metrics.ScansTotal.Inc()
	return s, nil
}

// Next returns the next batch of projected rows, or (nil, nil) once the
// scan is exhausted.
func (s *Scanner) Next(ctx context.Context) ([]types.Row, error) {
	if s.done {
		return nil, nil
	}

	batch := make([]types.Row, 0, s.opts.BatchSize)
	for len(batch) < s.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if s.cur == nil && s.segIdx < len(s.snap.Segments) {
			if err := s.openNextSegment(ctx); err != nil {
				return nil, err
			}
			continue
		}

		var row types.Row
		var live bool
		switch {
		case s.cur != nil:
			row, live = s.nextSegmentRow()
		case s.memOff < len(s.snap.MemRows):
			row = s.snap.MemRows[s.memOff]
			s.memOff++
			live = true
		default:
			s.done = true
		}
		if s.done {
			break
		}
		if !live {
			continue
		}

		if s.filter != nil && !s.filter.matches(rowValue(row, s.fltIdx)) {
			continue
		}
		if s.skipped < s.opts.Offset {
			s.skipped++
			continue
		}

		batch = append(batch, s.project(row))
		s.emitted++
		if s.opts.Limit > 0 && s.emitted >= s.opts.Limit {
			s.done = true
			break
		}
	}

	metrics.ScanRowsReturned.Add(float64(len(batch)))
	if len(batch) == 0 {
		return nil, nil
	}
	return batch, nil
}

// openNextSegment advances to the next segment the filter cannot prune.
func (s *Scanner) openNextSegment(ctx context.Context) error {
	for s.segIdx < len(s.snap.Segments) {
		seg := s.snap.Segments[s.segIdx]
		s.segIdx++

		if s.filter != nil && s.filter.pruneByStats(seg) {
			metrics.SegmentsPruned.WithLabelValues("stats").Inc()
			continue
		}

		r, err := s.table.files.Open(ctx, seg)
		if err != nil {
			return err
		}
		if s.filter != nil {
			pruned, err := s.filter.pruneByBloom(r)
			if err != nil {
				return err
			}
			if pruned {
				metrics.SegmentsPruned.WithLabelValues("bloom").Inc()
				continue
			}
		}

		cols, err := readSchemaColumns(r, s.schema, s.needed)
		if err != nil {
			return err
		}
		s.cur = &segmentCursor{seg: seg, cols: cols, rows: r.RowCount()}
		return nil
	}
	return nil
}

// nextSegmentRow yields the current segment's next non-tombstoned row, or
// (nil, false) when the segment is exhausted or the row is deleted in this
// snapshot's view.
func (s *Scanner) nextSegmentRow() (types.Row, bool) {
	cur := s.cur
	for cur.off < cur.rows {
		off := cur.off
		cur.off++
		if s.snap.Deleted(cur.seg.ID, uint32(off)) {
			continue
		}
		return materializeRow(cur.cols, off), true
	}
	s.cur = nil
	return nil, false
}

func (s *Scanner) project(row types.Row) types.Row {
	out := make(types.Row, len(s.projIdx))
	for j, idx := range s.projIdx {
		out[j] = rowValue(row, idx)
	}
	return out
}

// rowValue reads a row value defensively: memtable rows captured before a
// column was added are shorter than the current schema and read as NULL.
func rowValue(row types.Row, idx int) interface{} {
	if idx < len(row) {
		return row[idx]
	}
	return nil
}

// readSchemaColumns decodes a reader's column blocks in schema order.
// Columns the segment predates come back nil and read as NULL; a non-nil
// needed set limits decoding to those schema indexes.
func readSchemaColumns(r *segment.Reader, schema types.Schema, needed map[int]bool) ([]*column.Column, error) {
	cols := make([]*column.Column, len(schema.Columns))
	for i, def := range schema.Columns {
		if needed != nil && !needed[i] {
			continue
		}
		if _, ok := r.ColumnMeta(def.Name); !ok {
			continue
		}
		c, err := r.ReadColumn(def.Name)
		if err != nil {
			return nil, err
		}
		cols[i] = c
	}
	return cols, nil
}

// materializeRow assembles one row from decoded columns; nil columns
// contribute NULL.
func materializeRow(cols []*column.Column, off int) types.Row {
	row := make(types.Row, len(cols))
	for i, c := range cols {
		if c != nil {
			row[i] = c.Value(off)
		}
	}
	return row
}
