// Package mvcc provides snapshot isolation over the table's segment set.
// A snapshot is an immutable view: the list of segments visible at a commit
// sequence, a frozen tombstone view per segment, and the memtable rows
// committed before the snapshot began. Writers never block readers; state
// changes swap in a new version while open snapshots keep the old one.
package mvcc

import (
	"sync"

	"github.com/velocitydb/velocity/internal/segment"
	"github.com/velocitydb/velocity/internal/tombstone"
	"github.com/velocitydb/velocity/pkg/types"
)

// ReclaimFunc is invoked when a retired segment's reference count reaches
// zero, meaning no snapshot can reach it anymore. Called without the
// manager lock held.
type ReclaimFunc func(*segment.Segment)

// Snapshot is a consistent read view. It stays valid until Close; segments
// it references cannot be physically reclaimed while it is open.
type Snapshot struct {
	// Seq is the commit sequence this snapshot observes. Rows committed at
	// or below Seq are visible; later commits are not.
	Seq uint64

	// Segments are the visible segments, in creation order.
	Segments []*segment.Segment

	// Tombstones holds one frozen view per segment, captured at Begin.
	// Rows marked deleted after Begin stay visible to this snapshot.
	Tombstones map[types.SegmentID]*tombstone.View

	// MemRows are the committed memtable rows not yet flushed when the
	// snapshot began. The slice is an immutable prefix of the table's
	// append-only buffer.
	MemRows []types.Row

	mgr    *Manager
	closed bool
}

// Deleted reports whether a row of a visible segment is deleted in this
// snapshot's view.
func (s *Snapshot) Deleted(segmentID types.SegmentID, row uint32) bool {
	return s.Tombstones[segmentID].Contains(row)
}

// Close releases the snapshot's segment references. Idempotent.
func (s *Snapshot) Close() {
	if s == nil || s.closed {
		return
	}
	s.closed = true
	s.mgr.release(s)
}

// Manager tracks the current table version and open snapshots' references.
type Manager struct {
	mu sync.Mutex

	seq      uint64
	segments []*segment.Segment
	memRows  []types.Row

	// retired holds superseded segments waiting for their last snapshot
	// reference to drop.
	retired map[types.SegmentID]*segment.Segment

	reclaim ReclaimFunc
}

// NewManager creates a manager. reclaim may be nil.
func NewManager(reclaim ReclaimFunc) *Manager {
	if reclaim == nil {
		reclaim = func(*segment.Segment) {}
	}
	return &Manager{
		retired: make(map[types.SegmentID]*segment.Segment),
		reclaim: reclaim,
	}
}

// Bootstrap installs the recovered state. Each segment gets the live-list
// reference it keeps until retirement.
func (m *Manager) Bootstrap(segments []*segment.Segment, memRows []types.Row, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, seg := range segments {
		seg.Retain()
	}
	m.segments = segments
	m.memRows = memRows
	m.seq = seq
}

// Begin opens a snapshot of the current version.
func (m *Manager) Begin() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &Snapshot{
		Seq:        m.seq,
		Segments:   make([]*segment.Segment, len(m.segments)),
		Tombstones: make(map[types.SegmentID]*tombstone.View, len(m.segments)),
		MemRows:    m.memRows,
		mgr:        m,
	}
	copy(snap.Segments, m.segments)
	for _, seg := range snap.Segments {
		seg.Retain()
		if seg.Tombstones != nil {
			snap.Tombstones[seg.ID] = seg.Tombstones.View()
		}
	}
	return snap
}

// Seq returns the current commit sequence.
func (m *Manager) Seq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// Segments returns the current live segment list.
func (m *Manager) Segments() []*segment.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*segment.Segment, len(m.segments))
	copy(out, m.segments)
	return out
}

// Advance publishes a new commit: the sequence moves forward and the
// committed memtable prefix becomes visible to subsequent snapshots.
// Tombstone-only commits pass the unchanged buffer.
func (m *Manager) Advance(seq uint64, memRows []types.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq = seq
	m.memRows = memRows
}

// InstallFlush atomically replaces the flushed memtable prefix with its
// segment. Open snapshots keep reading the rows from their captured buffer;
// new snapshots read them from the segment.
func (m *Manager) InstallFlush(seg *segment.Segment, remaining []types.Row, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg.Retain()
	m.segments = append(m.segments, seg)
	m.memRows = remaining
	m.seq = seq
}

// SwapCompacted atomically replaces source segments with the compaction
// target. Sources drop their live-list reference and become reclaimable
// once the last snapshot holding them closes.
func (m *Manager) SwapCompacted(sourceIDs map[types.SegmentID]bool, target *segment.Segment) {
	var reclaimable []*segment.Segment

	m.mu.Lock()
	kept := m.segments[:0:0]
	for _, seg := range m.segments {
		if !sourceIDs[seg.ID] {
			kept = append(kept, seg)
			continue
		}
		if seg.Release() == 0 {
			reclaimable = append(reclaimable, seg)
		} else {
			m.retired[seg.ID] = seg
		}
	}
	target.Retain()
	m.segments = append(kept, target)
	m.mu.Unlock()

	for _, seg := range reclaimable {
		m.reclaim(seg)
	}
}

// release drops a closed snapshot's references and reclaims any retired
// segment that reached zero.
func (m *Manager) release(snap *Snapshot) {
	var reclaimable []*segment.Segment

	m.mu.Lock()
	for _, seg := range snap.Segments {
		if seg.Release() == 0 {
			if _, ok := m.retired[seg.ID]; ok {
				delete(m.retired, seg.ID)
				reclaimable = append(reclaimable, seg)
			}
		}
	}
	m.mu.Unlock()

	for _, seg := range reclaimable {
		m.reclaim(seg)
	}
}

// Close releases the live list. Any still-open snapshot keeps its segments
// alive; retired segments with no references are reclaimed.
func (m *Manager) Close() {
	var reclaimable []*segment.Segment

	m.mu.Lock()
	for _, seg := range m.segments {
		seg.Release()
	}
	m.segments = nil
	for id, seg := range m.retired {
		if seg.Refs() == 0 {
			delete(m.retired, id)
			reclaimable = append(reclaimable, seg)
		}
	}
	m.mu.Unlock()

	for _, seg := range reclaimable {
		m.reclaim(seg)
	}
}
