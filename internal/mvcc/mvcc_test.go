package mvcc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocitydb/velocity/internal/segment"
	"github.com/velocitydb/velocity/internal/tombstone"
	"github.com/velocitydb/velocity/pkg/types"
)

var idGen = types.NewSegmentIDGenerator()

func newSegment(t *testing.T, rows int) *segment.Segment {
	t.Helper()
	id, err := idGen.Generate()
	require.NoError(t, err)
	return &segment.Segment{
		ID:         id,
		ObjectPath: "segments/" + id.String() + ".seg",
		RowCount:   rows,
		Tombstones: tombstone.NewSet(),
	}
}

func TestSnapshot_SeesBootstrapState(t *testing.T) {
	m := NewManager(nil)
	segA := newSegment(t, 10)
	mem := []types.Row{{int64(1)}, {int64(2)}}
	m.Bootstrap([]*segment.Segment{segA}, mem, 5)

	snap := m.Begin()
	defer snap.Close()

	assert.Equal(t, uint64(5), snap.Seq)
	require.Len(t, snap.Segments, 1)
	assert.Equal(t, segA.ID, snap.Segments[0].ID)
	assert.Len(t, snap.MemRows, 2)
}

func TestSnapshot_DoesNotSeeLaterCommits(t *testing.T) {
	m := NewManager(nil)
	m.Bootstrap(nil, nil, 1)

	buf := []types.Row{{int64(1)}}
	m.Advance(2, buf)

	snap := m.Begin()
	defer snap.Close()
	assert.Equal(t, uint64(2), snap.Seq)
	assert.Len(t, snap.MemRows, 1)

	// A later commit extends the buffer; the open snapshot keeps its prefix.
	buf = append(buf, types.Row{int64(2)})
	m.Advance(3, buf)

	assert.Len(t, snap.MemRows, 1)
	assert.Equal(t, int64(1), snap.MemRows[0][0])

	later := m.Begin()
	defer later.Close()
	assert.Len(t, later.MemRows, 2)
}

func TestSnapshot_TombstoneViewIsFrozen(t *testing.T) {
	m := NewManager(nil)
	segA := newSegment(t, 10)
	m.Bootstrap([]*segment.Segment{segA}, nil, 1)

	segA.Tombstones.Mark(3)

	snap := m.Begin()
	defer snap.Close()
	assert.True(t, snap.Deleted(segA.ID, 3))
	assert.False(t, snap.Deleted(segA.ID, 7))

	// A delete after Begin is invisible to the open snapshot.
	segA.Tombstones.Mark(7)
	assert.False(t, snap.Deleted(segA.ID, 7))

	later := m.Begin()
	defer later.Close()
	assert.True(t, later.Deleted(segA.ID, 7))
}

func TestInstallFlush_SwapsMemtableForSegment(t *testing.T) {
	m := NewManager(nil)
	m.Bootstrap(nil, []types.Row{{int64(1)}, {int64(2)}}, 2)

	before := m.Begin()
	defer before.Close()

	seg := newSegment(t, 2)
	m.InstallFlush(seg, nil, 2)

	// The old snapshot still reads the rows from its buffer and never sees
	// the flush segment; a new one reads them from the segment.
	assert.Len(t, before.MemRows, 2)
	assert.Empty(t, before.Segments)

	after := m.Begin()
	defer after.Close()
	assert.Empty(t, after.MemRows)
	require.Len(t, after.Segments, 1)
	assert.Equal(t, seg.ID, after.Segments[0].ID)
}

func TestSwapCompacted_DefersReclaimUntilSnapshotCloses(t *testing.T) {
	var reclaimed []types.SegmentID
	m := NewManager(func(seg *segment.Segment) {
		reclaimed = append(reclaimed, seg.ID)
	})

	segA := newSegment(t, 10)
	segB := newSegment(t, 10)
	m.Bootstrap([]*segment.Segment{segA, segB}, nil, 1)

	snap := m.Begin()

	target := newSegment(t, 18)
	m.SwapCompacted(map[types.SegmentID]bool{segA.ID: true, segB.ID: true}, target)

	// The open snapshot pins the sources.
	assert.Empty(t, reclaimed)
	require.Len(t, snap.Segments, 2)

	later := m.Begin()
	require.Len(t, later.Segments, 1)
	assert.Equal(t, target.ID, later.Segments[0].ID)
	later.Close()
	assert.Empty(t, reclaimed)

	snap.Close()
	assert.ElementsMatch(t, []types.SegmentID{segA.ID, segB.ID}, reclaimed)
}

func TestSwapCompacted_ReclaimsImmediatelyWithoutSnapshots(t *testing.T) {
	var reclaimed []types.SegmentID
	m := NewManager(func(seg *segment.Segment) {
		reclaimed = append(reclaimed, seg.ID)
	})

	segA := newSegment(t, 10)
	m.Bootstrap([]*segment.Segment{segA}, nil, 1)

	m.SwapCompacted(map[types.SegmentID]bool{segA.ID: true}, newSegment(t, 10))
	assert.Equal(t, []types.SegmentID{segA.ID}, reclaimed)
}

func TestSnapshot_CloseIsIdempotent(t *testing.T) {
	m := NewManager(nil)
	segA := newSegment(t, 10)
	m.Bootstrap([]*segment.Segment{segA}, nil, 1)

	snap := m.Begin()
	snap.Close()
	snap.Close()

	// Live-list reference intact after double close.
	assert.Equal(t, int32(1), segA.Refs())
}

func TestManager_ConcurrentSnapshots(t *testing.T) {
	m := NewManager(nil)
	segA := newSegment(t, 100)
	m.Bootstrap([]*segment.Segment{segA}, nil, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := m.Begin()
				_ = snap.Deleted(segA.ID, uint32(j%100))
				snap.Close()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), segA.Refs())
}

func TestManager_CloseReleasesLiveList(t *testing.T) {
	var reclaimed int
	m := NewManager(func(*segment.Segment) { reclaimed++ })

	segA := newSegment(t, 10)
	m.Bootstrap([]*segment.Segment{segA}, nil, 1)
	m.Close()

	assert.Equal(t, int32(0), segA.Refs())
	// Live segments are not retired, so Close does not reclaim them.
	assert.Zero(t, reclaimed)
}
