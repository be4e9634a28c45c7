// Package compaction provides the background compactor: it selects groups
// of segments worth rewriting, merges their live rows into one target under
// a configurable ordering strategy, and swaps the target in atomically.
// Failures are contained to the run; the sources stay untouched until the
// swap commits.
package compaction

import (
	"sort"

	"github.com/velocitydb/velocity/internal/mvcc"
	"github.com/velocitydb/velocity/internal/segment"
)

const (
	// DefaultMinSegmentSize is the size below which segments are merge
	// candidates (8MB).
	DefaultMinSegmentSize int64 = 8 * 1024 * 1024

	// DefaultTargetSegmentSize caps the combined source bytes of one merge
	// (128MB), so a run's target comes out near this size.
	DefaultTargetSegmentSize int64 = 128 * 1024 * 1024

	// DefaultTombstoneRatio is the dead-row fraction above which a segment
	// is rewritten regardless of size.
	DefaultTombstoneRatio = 0.3

	// DefaultMaxSourcesPerRun caps how many segments one run merges.
	DefaultMaxSourcesPerRun = 8

	// DefaultMaxLiveSegments is the live segment count above which the
	// finder compacts even well-sized segments, oldest first.
	DefaultMaxLiveSegments = 64
)

// Reason describes why segments were selected.
type Reason string

const (
	ReasonSmallSegments   Reason = "small_segments"
	ReasonTombstoneRatio  Reason = "tombstone_ratio"
	ReasonTooManySegments Reason = "too_many_segments"
)

// Group is one compaction unit: the sources a single run merges.
type Group struct {
	Segments []*segment.Segment
	Reason   Reason
}

// CandidateFinder selects segments for compaction from the live set.
type CandidateFinder struct {
	versions *mvcc.Manager

	minSegmentSize    int64
	targetSegmentSize int64
	tombstoneRatio    float64
	maxSourcesPerRun  int
	maxLiveSegments   int
}

// NewCandidateFinder creates a finder over the table's live segment set.
// Zero thresholds fall back to defaults.
func NewCandidateFinder(versions *mvcc.Manager, minSegmentSize, targetSegmentSize int64,
	tombstoneRatio float64, maxSourcesPerRun, maxLiveSegments int) *CandidateFinder {

	if minSegmentSize <= 0 {
		minSegmentSize = DefaultMinSegmentSize
	}
	if targetSegmentSize < minSegmentSize {
		targetSegmentSize = DefaultTargetSegmentSize
	}
	if tombstoneRatio <= 0 || tombstoneRatio > 1 {
		tombstoneRatio = DefaultTombstoneRatio
	}
	if maxSourcesPerRun < 2 {
		maxSourcesPerRun = DefaultMaxSourcesPerRun
	}
	if maxLiveSegments <= 0 {
		maxLiveSegments = DefaultMaxLiveSegments
	}
	return &CandidateFinder{
		versions:          versions,
		minSegmentSize:    minSegmentSize,
		targetSegmentSize: targetSegmentSize,
		tombstoneRatio:    tombstoneRatio,
		maxSourcesPerRun:  maxSourcesPerRun,
		maxLiveSegments:   maxLiveSegments,
	}
}

// FindCandidates returns the group the next run should merge, or nil when
// nothing qualifies. One group per cycle keeps a single run's failure
// domain small.
func (f *CandidateFinder) FindCandidates() *Group {
	live := f.versions.Segments()

	// Dead-heavy segments first: they waste the most scan work.
	var deadHeavy []*segment.Segment
	for _, seg := range live {
		if seg.TombstoneRatio() >= f.tombstoneRatio {
			deadHeavy = append(deadHeavy, seg)
		}
	}
	if len(deadHeavy) > 0 {
		// A single dead-heavy segment is still worth rewriting alone.
		return &Group{Segments: f.take(deadHeavy), Reason: ReasonTombstoneRatio}
	}

	var small []*segment.Segment
	for _, seg := range live {
		if seg.SizeBytes < f.minSegmentSize {
			small = append(small, seg)
		}
	}
	if len(small) >= 2 {
		// Smallest first: merging the tiniest segments together buys the
		// biggest drop in segment count per byte rewritten.
		sort.SliceStable(small, func(i, j int) bool {
			return small[i].SizeBytes < small[j].SizeBytes
		})
		if group := f.take(small); len(group) >= 2 {
			return &Group{Segments: group, Reason: ReasonSmallSegments}
		}
	}

	if len(live) > f.maxLiveSegments {
		// Merge the oldest segments; the live list is in creation order.
		return &Group{Segments: f.take(live), Reason: ReasonTooManySegments}
	}

	return nil
}

// take returns a prefix of segs capped by the per-run source count and the
// target segment size. The first segment is always taken so an oversized
// candidate cannot stall the finder.
func (f *CandidateFinder) take(segs []*segment.Segment) []*segment.Segment {
	var bytes int64
	n := 0
	for _, seg := range segs {
		if n == f.maxSourcesPerRun {
			break
		}
		if n > 0 && bytes+seg.SizeBytes > f.targetSegmentSize {
			break
		}
		bytes += seg.SizeBytes
		n++
	}
	return segs[:n]
}
