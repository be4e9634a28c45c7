// Package tombstone tracks logically deleted row offsets per segment.
// Tombstone sets are the only mutable overlay on immutable segments: offsets
// are only ever added, never removed. Compaction clears tombstones by
// producing brand-new segments that omit the dead rows.
package tombstone

import (
	"bytes"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/velocitydb/velocity/pkg/types"
)

// Set is the monotonically growing set of deleted row offsets for one
// segment instance. Safe for concurrent use.
type Set struct {
	mu sync.RWMutex
	bm *roaring.Bitmap

	// frozen caches the last snapshot view; invalidated on Mark so that
	// snapshot acquisition stays cheap when nothing changed.
	frozen *View
}

// NewSet creates an empty tombstone set.
func NewSet() *Set {
	return &Set{bm: roaring.New()}
}

// Mark records offset as deleted. Returns false if it was already marked.
func (s *Set) Mark(offset uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := s.bm.CheckedAdd(offset)
	if added {
		s.frozen = nil
	}
	return added
}

// MarkRange records [start, end) as deleted.
func (s *Set) MarkRange(start, end uint32) {
	if start >= end {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bm.AddRange(uint64(start), uint64(end))
	s.frozen = nil
}

// Contains reports whether offset is marked deleted.
func (s *Set) Contains(offset uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bm.Contains(offset)
}

// Max returns the highest marked offset, or false if the set is empty.
func (s *Set) Max() (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bm.IsEmpty() {
		return 0, false
	}
	return s.bm.Maximum(), true
}

// Cardinality returns the number of deleted offsets.
func (s *Set) Cardinality() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.bm.GetCardinality())
}

// View returns an immutable point-in-time view. Views taken between marks
// share one frozen clone.
func (s *Set) View() *View {
	s.mu.RLock()
	if v := s.frozen; v != nil {
		s.mu.RUnlock()
		return v
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen == nil {
		s.frozen = &View{bm: s.bm.Clone()}
	}
	return s.frozen
}

// Serialize returns the portable roaring encoding of the set.
func (s *Set) Serialize() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var buf bytes.Buffer
	if _, err := s.bm.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DeserializeSet reconstructs a set from its portable encoding.
func DeserializeSet(data []byte) (*Set, error) {
	bm := roaring.New()
	if err := bm.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &Set{bm: bm}, nil
}

// View is an immutable tombstone view pinned by a snapshot. The zero-row
// view is shared.
type View struct {
	bm *roaring.Bitmap
}

var emptyView = &View{bm: roaring.New()}

// EmptyView returns the shared view containing no tombstones.
func EmptyView() *View { return emptyView }

// Contains reports whether offset was deleted at view time.
func (v *View) Contains(offset uint32) bool {
	if v == nil {
		return false
	}
	return v.bm.Contains(offset)
}

// Cardinality returns the number of deleted offsets at view time.
func (v *View) Cardinality() int {
	if v == nil {
		return 0
	}
	return int(v.bm.GetCardinality())
}

// Manager tracks tombstone sets for all live segments of a table.
type Manager struct {
	mu   sync.RWMutex
	sets map[types.SegmentID]*Set
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{sets: make(map[types.SegmentID]*Set)}
}

// Set returns the tombstone set for the segment, creating it on first use.
func (m *Manager) Set(seg types.SegmentID) *Set {
	m.mu.RLock()
	s, ok := m.sets[seg]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sets[seg]; ok {
		return s
	}
	s = NewSet()
	m.sets[seg] = s
	return s
}

// MarkDeleted records a deleted row offset. Returns false if the offset was
// already tombstoned.
func (m *Manager) MarkDeleted(seg types.SegmentID, offset uint32) bool {
	return m.Set(seg).Mark(offset)
}

// IsDeleted reports whether the row offset is tombstoned.
func (m *Manager) IsDeleted(seg types.SegmentID, offset uint32) bool {
	m.mu.RLock()
	s, ok := m.sets[seg]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return s.Contains(offset)
}

// DeletedCount returns the number of tombstoned rows in the segment.
func (m *Manager) DeletedCount(seg types.SegmentID) int {
	m.mu.RLock()
	s, ok := m.sets[seg]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return s.Cardinality()
}

// LiveRowCount returns totalRows minus the tombstoned rows.
func (m *Manager) LiveRowCount(seg types.SegmentID, totalRows int) int {
	return totalRows - m.DeletedCount(seg)
}

// Views returns point-in-time views for all segments with tombstones,
// for inclusion in a snapshot.
func (m *Manager) Views() map[types.SegmentID]*View {
	m.mu.RLock()
	defer m.mu.RUnlock()

	views := make(map[types.SegmentID]*View, len(m.sets))
	for seg, s := range m.sets {
		views[seg] = s.View()
	}
	return views
}

// Load installs a deserialized set for a segment, replacing any existing
// one. Used during recovery from persisted checkpoint bitmaps.
func (m *Manager) Load(seg types.SegmentID, data []byte) error {
	s, err := DeserializeSet(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sets[seg] = s
	m.mu.Unlock()
	return nil
}

// Serialize returns the portable encodings of all non-empty sets, for
// checkpoint persistence.
func (m *Manager) Serialize() (map[types.SegmentID][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[types.SegmentID][]byte)
	for seg, s := range m.sets {
		if s.Cardinality() == 0 {
			continue
		}
		data, err := s.Serialize()
		if err != nil {
			return nil, err
		}
		out[seg] = data
	}
	return out, nil
}

// Drop removes the set for a segment superseded by compaction. The new
// segments produced by the compactor start with empty sets.
func (m *Manager) Drop(seg types.SegmentID) {
	m.mu.Lock()
	delete(m.sets, seg)
	m.mu.Unlock()
}
