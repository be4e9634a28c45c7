package segment

import (
	"sync/atomic"

	"github.com/velocitydb/velocity/internal/tombstone"
	"github.com/velocitydb/velocity/pkg/types"
)

// Segment is the in-memory handle for one immutable on-disk segment. The
// bytes behind it never change; the tombstone set is the only mutable
// overlay. Handles are shared between the table's live list and open
// snapshots, coordinated by the reference count.
type Segment struct {
	ID            types.SegmentID
	ObjectPath    string
	RowCount      int
	SizeBytes     int64
	SchemaVersion int
	CreatedSeq    uint64

	// Columns carries the per-column header stats for pruning without
	// opening the file.
	Columns []ColumnMeta

	// Tombstones is the segment's delete overlay, shared with the table's
	// tombstone manager.
	Tombstones *tombstone.Set

	refs atomic.Int32
}

// FromHeader builds a handle from a freshly written segment header.
func FromHeader(h *Header, objectPath string, sizeBytes int64, ts *tombstone.Set) (*Segment, error) {
	id, err := types.ParseSegmentID(h.SegmentID)
	if err != nil {
		return nil, err
	}
	return &Segment{
		ID:            id,
		ObjectPath:    objectPath,
		RowCount:      h.RowCount,
		SizeBytes:     sizeBytes,
		SchemaVersion: h.SchemaVersion,
		CreatedSeq:    h.CreatedSeq,
		Columns:       h.Columns,
		Tombstones:    ts,
	}, nil
}

// Retain increments the reference count (one per open snapshot plus one for
// the table's live list).
func (s *Segment) Retain() {
	s.refs.Add(1)
}

// Release decrements the reference count and returns the remaining count.
// At zero the segment is eligible for physical reclamation if superseded.
func (s *Segment) Release() int32 {
	return s.refs.Add(-1)
}

// Refs returns the current reference count.
func (s *Segment) Refs() int32 {
	return s.refs.Load()
}

// ColumnStats returns the header stats entry for the named column.
func (s *Segment) ColumnStats(name string) (ColumnMeta, bool) {
	for _, cm := range s.Columns {
		if cm.Name == name {
			return cm, true
		}
	}
	return ColumnMeta{}, false
}

// LiveRows returns the row count minus tombstoned rows.
func (s *Segment) LiveRows() int {
	if s.Tombstones == nil {
		return s.RowCount
	}
	return s.RowCount - s.Tombstones.Cardinality()
}

// TombstoneRatio returns the fraction of rows tombstoned, 0 for empty
// segments.
func (s *Segment) TombstoneRatio() float64 {
	if s.RowCount == 0 || s.Tombstones == nil {
		return 0
	}
	return float64(s.Tombstones.Cardinality()) / float64(s.RowCount)
}
