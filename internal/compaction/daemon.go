package compaction

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/velocitydb/velocity/internal/codec"
	"github.com/velocitydb/velocity/internal/manifest"
	"github.com/velocitydb/velocity/internal/metrics"
	"github.com/velocitydb/velocity/internal/mvcc"
	"github.com/velocitydb/velocity/internal/segment"
	"github.com/velocitydb/velocity/internal/tombstone"
	"github.com/velocitydb/velocity/pkg/types"
)

// Config holds compaction daemon settings.
type Config struct {
	// Strategy names the row ordering of targets: binpack, sortmerge, or
	// zorder.
	Strategy string

	// CheckInterval is how often the daemon looks for work.
	CheckInterval time.Duration

	// MinSegmentSize is the threshold below which segments are candidates.
	MinSegmentSize int64

	// TargetSegmentSize caps the combined bytes of one run's sources.
	TargetSegmentSize int64

	// TombstoneRatio is the dead-row fraction that forces a rewrite.
	TombstoneRatio float64

	// MaxSourcesPerRun caps the sources one run merges.
	MaxSourcesPerRun int

	// MaxLiveSegments triggers compaction on segment count alone.
	MaxLiveSegments int
}

// DefaultConfig returns the default daemon settings.
func DefaultConfig() Config {
	return Config{
		Strategy:          "binpack",
		CheckInterval:     time.Minute,
		MinSegmentSize:    DefaultMinSegmentSize,
		TargetSegmentSize: DefaultTargetSegmentSize,
		TombstoneRatio:    DefaultTombstoneRatio,
		MaxSourcesPerRun:  DefaultMaxSourcesPerRun,
		MaxLiveSegments:   DefaultMaxLiveSegments,
	}
}

// SchemaFunc returns the table's current schema.
type SchemaFunc func() types.Schema

// Daemon runs background compaction cycles. One run merges one group; a
// failed run discards its output and leaves the sources untouched, so a
// crash or validation failure costs only the wasted work.
type Daemon struct {
	config     Config
	catalog    manifest.Catalog
	files      *segment.FileManager
	versions   *mvcc.Manager
	tombstones *tombstone.Manager
	schema     SchemaFunc
	strategy   Strategy

	finder    *CandidateFinder
	merger    *Merger
	validator *Validator
	gc        *GarbageCollector

	// gate serializes the final visibility swap against the table's
	// mutation path, so deletes cannot land between the raced-delete check
	// and the swap.
	gate sync.Locker

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDaemon creates a compaction daemon. gate is the table's mutation lock.
func NewDaemon(config Config, catalog manifest.Catalog, files *segment.FileManager,
	versions *mvcc.Manager, tombstones *tombstone.Manager, schema SchemaFunc, gate sync.Locker) (*Daemon, error) {

	strategy, err := ByName(config.Strategy)
	if err != nil {
		return nil, err
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = time.Minute
	}

	return &Daemon{
		config:     config,
		catalog:    catalog,
		files:      files,
		versions:   versions,
		tombstones: tombstones,
		schema:     schema,
		strategy:   strategy,
		finder: NewCandidateFinder(versions, config.MinSegmentSize, config.TargetSegmentSize,
			config.TombstoneRatio, config.MaxSourcesPerRun, config.MaxLiveSegments),
		merger:    NewMerger(files, codec.DefaultPolicy()),
		validator: NewValidator(files),
		gc:        NewGarbageCollector(catalog, files.Store()),
		gate:      gate,
	}, nil
}

// Start begins the compaction loop until the context is cancelled or Stop
// is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("compaction: daemon already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop waits for the in-flight cycle to finish.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}
	d.cancel()
	<-d.done
	d.running = false
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.RunOnce(ctx); err != nil {
				log.Printf("compaction: cycle failed: %v", err)
			}
		}
	}
}

// RunOnce performs one compaction cycle: resolve leftover intents, then
// merge at most one candidate group.
func (d *Daemon) RunOnce(ctx context.Context) error {
	if err := d.gc.CollectIntents(ctx); err != nil {
		log.Printf("compaction: intent cleanup: %v", err)
	}

	group := d.finder.FindCandidates()
	if group == nil {
		return nil
	}
	return d.compactGroup(ctx, group)
}

// compactGroup merges one group and swaps the target in. Ordering matters:
// the intent is recorded before the object is published, the catalog swap
// commits before the in-memory swap, and the intent is cleared last.
func (d *Daemon) compactGroup(ctx context.Context, group *Group) error {
	start := time.Now()
	schema := d.schema()

	log.Printf("compaction: merging %d segments (%s, strategy=%s)",
		len(group.Segments), group.Reason, d.strategy.Name())

	res, err := d.merger.Merge(ctx, schema, group, d.strategy)
	if err != nil {
		metrics.CompactionRunsTotal.WithLabelValues("failure").Inc()
		return err
	}

	if err := d.validator.Validate(res, group); err != nil {
		d.files.Discard(res.TargetID)
		metrics.CompactionRunsTotal.WithLabelValues("aborted").Inc()
		return err
	}

	intent := &manifest.CompactionIntent{
		TargetSegmentID:  res.TargetID.String(),
		SourceSegmentIDs: res.SourceIDs,
		TargetObjectPath: segment.ObjectPath(res.TargetID),
	}
	if err := d.catalog.PutCompactionIntent(ctx, intent); err != nil {
		d.files.Discard(res.TargetID)
		metrics.CompactionRunsTotal.WithLabelValues("failure").Inc()
		return err
	}

	objectPath, size, err := d.files.Publish(ctx, res.TargetID)
	if err != nil {
		d.catalog.DeleteCompactionIntent(ctx, res.TargetID.String())
		d.files.Discard(res.TargetID)
		metrics.CompactionRunsTotal.WithLabelValues("failure").Inc()
		return err
	}

	target, err := segment.FromHeader(res.Header, objectPath, size, d.tombstones.Set(res.TargetID))
	if err != nil {
		metrics.CompactionRunsTotal.WithLabelValues("failure").Inc()
		return err
	}

	// From here the swap must be atomic with respect to mutations.
	d.gate.Lock()

	if res.RacedDeletes(group) {
		// A delete landed on a source after the merge; the target would
		// resurrect those rows. Abort and let the next cycle retry.
		d.gate.Unlock()
		d.files.Store().Delete(ctx, objectPath)
		d.catalog.DeleteCompactionIntent(ctx, res.TargetID.String())
		metrics.CompactionRunsTotal.WithLabelValues("aborted").Inc()
		return fmt.Errorf("compaction: deletes raced the merge, run aborted")
	}

	record := &manifest.SegmentRecord{
		SegmentID:     res.TargetID.String(),
		ObjectPath:    objectPath,
		RowCount:      int64(res.Header.RowCount),
		SizeBytes:     size,
		SchemaVersion: res.Header.SchemaVersion,
		CreatedSeq:    res.Header.CreatedSeq,
		Columns:       res.Header.Columns,
	}
	if err := d.catalog.MarkCompacted(ctx, res.SourceIDs, record); err != nil {
		d.gate.Unlock()
		metrics.CompactionRunsTotal.WithLabelValues("failure").Inc()
		return err
	}

	sourceIDs := make(map[types.SegmentID]bool, len(group.Segments))
	for _, src := range group.Segments {
		sourceIDs[src.ID] = true
	}
	d.versions.SwapCompacted(sourceIDs, target)
	for _, src := range group.Segments {
		d.tombstones.Drop(src.ID)
	}
	d.gate.Unlock()

	if err := d.catalog.DeleteCompactionIntent(ctx, res.TargetID.String()); err != nil {
		log.Printf("compaction: clear intent %s: %v", res.TargetID, err)
	}

	metrics.CompactionRunsTotal.WithLabelValues("success").Inc()
	metrics.CompactionDuration.Observe(time.Since(start).Seconds())
	log.Printf("compaction: completed %s in %v", res, time.Since(start))
	return nil
}
