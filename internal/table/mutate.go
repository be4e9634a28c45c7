package table

import (
	"context"
	"log"
	"time"

	verrors "github.com/velocitydb/velocity/internal/errors"
	"github.com/velocitydb/velocity/internal/metrics"
	"github.com/velocitydb/velocity/internal/wal"
	"github.com/velocitydb/velocity/pkg/types"
)

// Predicate selects rows for Update and Delete. It receives rows in schema
// column order with canonical values; NULLs are nil.
type Predicate func(types.Row) (bool, error)

// Insert appends rows and returns the commit sequence. Rows are validated
// and coerced against the schema before the WAL append; on any error no row
// is visible. The commit is durable when Insert returns.
func (t *Table) Insert(ctx context.Context, rows []types.Row) (uint64, error) {
	if len(rows) == 0 {
		return 0, verrors.NewSchemaError(verrors.CodeEmptyBatch, "insert batch is empty")
	}

	start := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, errClosed
	}

	canonical, err := canonicalRows(t.schema, rows)
	if err != nil {
		return 0, err
	}

	seq, err := t.append(&wal.Record{
		Op:            wal.OpInsert,
		SchemaVersion: t.schema.Version,
		Rows:          canonical,
	})
	if err != nil {
		return 0, err
	}

	t.memRows = append(t.memRows, canonical...)
	t.versions.Advance(seq, t.memRows)

	metrics.CommitsTotal.WithLabelValues("insert").Inc()
	metrics.RowsIngested.Add(float64(len(canonical)))
	metrics.CommitDuration.Observe(time.Since(start).Seconds())

	if len(t.memRows) >= t.cfg.Flush.MaxRows {
		// The insert is already committed; a failed flush retries on the
		// next trigger.
		if err := t.flushLocked(ctx); err != nil {
			log.Printf("table: size-triggered flush: %v", err)
		}
	}
	return seq, nil
}

// Delete tombstones every row matching the predicate and returns the commit
// sequence and the number of rows deleted. Deleting a segment row is one
// tombstone insertion; no segment bytes are rewritten.
func (t *Table) Delete(ctx context.Context, pred Predicate) (uint64, int, error) {
	start := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, 0, errClosed
	}

	ms, err := t.matchLocked(ctx, pred)
	if err != nil {
		return 0, 0, err
	}
	if len(ms.rows) == 0 {
		return t.versions.Seq(), 0, nil
	}

	seq, err := t.append(&wal.Record{
		Op:            wal.OpDelete,
		SchemaVersion: t.schema.Version,
		Deletes:       ms.deletions(),
	})
	if err != nil {
		return 0, 0, err
	}

	t.applyMatchLocked(ms, nil)
	t.versions.Advance(seq, t.memRows)

	metrics.CommitsTotal.WithLabelValues("delete").Inc()
	metrics.CommitDuration.Observe(time.Since(start).Seconds())
	t.updateTombstoneGauge()
	return seq, len(ms.rows), nil
}

// Update rewrites every matching row with the set values: the old row is
// tombstoned (or dropped from the memtable) and a replacement row is
// inserted, atomically under one commit sequence.
func (t *Table) Update(ctx context.Context, pred Predicate, set map[string]interface{}) (uint64, int, error) {
	start := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, 0, errClosed
	}

	assign, err := bindAssignments(t.schema, set)
	if err != nil {
		return 0, 0, err
	}

	ms, err := t.matchLocked(ctx, pred)
	if err != nil {
		return 0, 0, err
	}
	if len(ms.rows) == 0 {
		return t.versions.Seq(), 0, nil
	}

	replacements := make([]types.Row, len(ms.rows))
	for i, row := range ms.rows {
		next := append(types.Row(nil), row...)
		for idx, v := range assign {
			next[idx] = v
		}
		replacements[i] = next
	}

	seq, err := t.append(&wal.Record{
		Op:            wal.OpUpdate,
		SchemaVersion: t.schema.Version,
		Rows:          replacements,
		Deletes:       ms.deletions(),
	})
	if err != nil {
		return 0, 0, err
	}

	t.applyMatchLocked(ms, replacements)
	t.versions.Advance(seq, t.memRows)

	metrics.CommitsTotal.WithLabelValues("update").Inc()
	metrics.CommitDuration.Observe(time.Since(start).Seconds())
	t.updateTombstoneGauge()
	return seq, len(ms.rows), nil
}

// append writes one record to the WAL, timing the durable append.
func (t *Table) append(rec *wal.Record) (uint64, error) {
	start := time.Now()
	seq, err := t.wal.Append(rec)
	if err != nil {
		return 0, err
	}
	metrics.WALAppendDuration.Observe(time.Since(start).Seconds())
	return seq, nil
}

// matchSet is the outcome of a predicate scan under the commit gate.
type matchSet struct {
	// segments holds matched offsets per segment, in live-list order.
	segments []wal.Deletion

	// memOffsets are matched memtable offsets, ascending.
	memOffsets []uint32

	// rows are the matched rows in scan order, full schema arity.
	rows []types.Row
}

// deletions returns the WAL deletion list, memtable last.
func (m *matchSet) deletions() []wal.Deletion {
	out := append([]wal.Deletion(nil), m.segments...)
	if len(m.memOffsets) > 0 {
		out = append(out, wal.Deletion{Rows: m.memOffsets})
	}
	return out
}

// matchLocked evaluates the predicate over every live row: segments in the
// current live list (tombstone-filtered) and the memtable. Runs under the
// commit gate so the matched offsets cannot go stale before they are
// applied.
func (t *Table) matchLocked(ctx context.Context, pred Predicate) (*matchSet, error) {
	ms := &matchSet{}

	for _, seg := range t.versions.Segments() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := t.files.Open(ctx, seg)
		if err != nil {
			return nil, err
		}
		cols, err := readSchemaColumns(r, t.schema, nil)
		if err != nil {
			return nil, err
		}

		var offsets []uint32
		for off := 0; off < r.RowCount(); off++ {
			if seg.Tombstones.Contains(uint32(off)) {
				continue
			}
			row := materializeRow(cols, off)
			ok, err := pred(row)
			if err != nil {
				return nil, err
			}
			if ok {
				offsets = append(offsets, uint32(off))
				ms.rows = append(ms.rows, row)
			}
		}
		if len(offsets) > 0 {
			ms.segments = append(ms.segments, wal.Deletion{SegmentID: seg.ID.String(), Rows: offsets})
		}
	}

	for i, row := range t.memRows {
		ok, err := pred(row)
		if err != nil {
			return nil, err
		}
		if ok {
			ms.memOffsets = append(ms.memOffsets, uint32(i))
			ms.rows = append(ms.rows, row)
		}
	}
	return ms, nil
}

// applyMatchLocked applies a committed match: tombstones for segment rows, a
// copy-on-write rebuild for memtable rows, and the appended replacements.
func (t *Table) applyMatchLocked(ms *matchSet, replacements []types.Row) {
	for _, d := range ms.segments {
		id, err := types.ParseSegmentID(d.SegmentID)
		if err != nil {
			continue // unreachable: ids come from live segment handles
		}
		for _, off := range d.Rows {
			t.tombstones.MarkDeleted(id, off)
		}
	}
	if len(ms.memOffsets) > 0 {
		t.memRows = removeRows(t.memRows, ms.memOffsets)
	}
	if len(replacements) > 0 {
		t.memRows = append(t.memRows, replacements...)
	}
}

// canonicalRows validates a batch against the schema and returns canonical
// copies. Rejection happens before any WAL append, so a bad batch has no
// partial effect.
func canonicalRows(schema types.Schema, rows []types.Row) ([]types.Row, error) {
	out := make([]types.Row, len(rows))
	for n, row := range rows {
		if len(row) != len(schema.Columns) {
			return nil, verrors.NewSchemaError(verrors.CodeRowMismatch,
				"row has wrong number of values for schema")
		}
		canonical := make(types.Row, len(row))
		for i, def := range schema.Columns {
			if row[i] == nil {
				if !def.Nullable {
					return nil, verrors.NewSchemaError(verrors.CodeRowMismatch,
						"column "+def.Name+" is not nullable")
				}
				continue
			}
			cv, err := types.Coerce(def.Type, row[i])
			if err != nil {
				return nil, verrors.NewSchemaError(verrors.CodeRowMismatch, err.Error())
			}
			canonical[i] = cv
		}
		out[n] = canonical
	}
	return out, nil
}

// bindAssignments validates an update's set values against the schema and
// returns them coerced, keyed by column index.
func bindAssignments(schema types.Schema, set map[string]interface{}) (map[int]interface{}, error) {
	if len(set) == 0 {
		return nil, verrors.NewSchemaError(verrors.CodeEmptyBatch, "update sets no columns")
	}

	assign := make(map[int]interface{}, len(set))
	for name, v := range set {
		def, ok := schema.Column(name)
		if !ok {
			return nil, verrors.NewSchemaError(verrors.CodeRowMismatch,
				"update targets unknown column "+name)
		}
		if v == nil {
			if !def.Nullable {
				return nil, verrors.NewSchemaError(verrors.CodeRowMismatch,
					"column "+name+" is not nullable")
			}
			assign[schema.ColumnIndex(name)] = nil
			continue
		}
		cv, err := types.Coerce(def.Type, v)
		if err != nil {
			return nil, verrors.NewSchemaError(verrors.CodeRowMismatch, err.Error())
		}
		assign[schema.ColumnIndex(name)] = cv
	}
	return assign, nil
}

func (t *Table) updateTombstoneGauge() {
	var total int
	for _, seg := range t.versions.Segments() {
		total += seg.RowCount - seg.LiveRows()
	}
	metrics.TombstonedRows.Set(float64(total))
}
