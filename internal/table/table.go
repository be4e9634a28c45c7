// Package table implements the engine's table handle. It owns the
// single-writer commit path (WAL append, memtable apply, MVCC advance),
// snapshot reads over immutable segments, memtable flush, WAL
// checkpointing, schema evolution, and the background compaction daemon.
//
// Readers never block writers and vice versa: reads go through MVCC
// snapshots, and the only exclusive section is the commit path itself plus
// the instant of a flush install or compaction swap.
package table

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/velocitydb/velocity/internal/compaction"
	"github.com/velocitydb/velocity/internal/config"
	verrors "github.com/velocitydb/velocity/internal/errors"
	"github.com/velocitydb/velocity/internal/manifest"
	"github.com/velocitydb/velocity/internal/metrics"
	"github.com/velocitydb/velocity/internal/mvcc"
	"github.com/velocitydb/velocity/internal/segment"
	"github.com/velocitydb/velocity/internal/storage"
	"github.com/velocitydb/velocity/internal/tombstone"
	"github.com/velocitydb/velocity/internal/wal"
	"github.com/velocitydb/velocity/pkg/types"
)

var errClosed = verrors.New(verrors.ErrCategoryInternal, verrors.CodeUnexpected, "table is closed")

// Table is the handle for one open store. All mutations serialize on an
// internal commit mutex; reads run lock-free against snapshots.
type Table struct {
	cfg        *config.Config
	catalog    manifest.Catalog
	files      *segment.FileManager
	wal        *wal.Log
	versions   *mvcc.Manager
	tombstones *tombstone.Manager
	compactor  *compaction.Daemon

	// mu is the commit gate: it serializes mutations, flush installs, and
	// the compactor's swap (the daemon holds it as its gate).
	mu      sync.Mutex
	schema  types.Schema
	memRows []types.Row
	closed  bool

	flushCancel context.CancelFunc
	flushDone   chan struct{}
}

// Create initializes a fresh store in cfg.DataDir with the schema and
// returns its handle. Fails if the directory already holds a store.
func Create(ctx context.Context, cfg *config.Config, schema types.Schema) (*Table, error) {
	return open(ctx, cfg, &schema)
}

// Open opens an existing store in cfg.DataDir, replaying the WAL suffix
// above the last checkpoint. Fails if no store was created there.
func Open(ctx context.Context, cfg *config.Config) (*Table, error) {
	return open(ctx, cfg, nil)
}

func open(ctx context.Context, cfg *config.Config, newSchema *types.Schema) (*Table, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, verrors.NewCapacityError("create data directory", err)
	}

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	catalog, err := manifest.NewCatalog(cfg.ManifestPath())
	if err != nil {
		return nil, err
	}

	schema, err := resolveSchema(ctx, catalog, newSchema)
	if err != nil {
		catalog.Close()
		return nil, err
	}

	files, err := segment.NewFileManager(cfg.ScratchDir(), cfg.CacheDir(), store)
	if err != nil {
		catalog.Close()
		return nil, err
	}

	t := &Table{
		cfg:        cfg,
		catalog:    catalog,
		files:      files,
		tombstones: tombstone.NewManager(),
		schema:     schema,
	}
	t.versions = mvcc.NewManager(t.reclaimSegment)

	if err := t.recover(ctx); err != nil {
		if t.wal != nil {
			t.wal.Close()
		}
		catalog.Close()
		return nil, err
	}

	// Leftover compaction output and unregistered uploads from a crash are
	// reclaimed before any new segment is written.
	gc := compaction.NewGarbageCollector(catalog, store)
	if err := gc.CollectIntents(ctx); err != nil {
		log.Printf("table: intent cleanup: %v", err)
	}
	if n, err := gc.SweepOrphans(ctx); err != nil {
		log.Printf("table: orphan sweep: %v", err)
	} else if n > 0 {
		log.Printf("table: swept %d orphaned segments", n)
	}

	t.compactor, err = compaction.NewDaemon(t.compactionConfig(""), catalog, files,
		t.versions, t.tombstones, t.Schema, &t.mu)
	if err != nil {
		t.wal.Close()
		catalog.Close()
		return nil, err
	}
	if cfg.Compaction.CheckInterval > 0 {
		if err := t.compactor.Start(context.Background()); err != nil {
			t.wal.Close()
			catalog.Close()
			return nil, err
		}
	}

	if cfg.Flush.Interval > 0 {
		flushCtx, cancel := context.WithCancel(context.Background())
		t.flushCancel = cancel
		t.flushDone = make(chan struct{})
		go t.flushLoop(flushCtx)
	}

	storeID, err := catalog.StoreID(ctx)
	if err != nil {
		log.Printf("table: store id: %v", err)
	}
	log.Printf("table: opened store %s (%d segments, seq %d, schema v%d)",
		storeID, len(t.versions.Segments()), t.versions.Seq(), schema.Version)
	metrics.SegmentsLive.Set(float64(len(t.versions.Segments())))
	return t, nil
}

// resolveSchema loads the catalog's latest schema, or installs the supplied
// one into a fresh catalog.
func resolveSchema(ctx context.Context, catalog manifest.Catalog, newSchema *types.Schema) (types.Schema, error) {
	version, schemaJSON, err := catalog.LatestSchema(ctx)
	if err != nil {
		return types.Schema{}, err
	}

	if newSchema != nil {
		if version != 0 {
			return types.Schema{}, verrors.NewSchemaError(verrors.CodeInvalidSchema,
				"store already initialized; use Open")
		}
		schema := *newSchema
		if schema.Version == 0 {
			schema.Version = 1
		}
		if err := schema.Validate(); err != nil {
			return types.Schema{}, verrors.NewSchemaError(verrors.CodeInvalidSchema, err.Error())
		}
		raw, err := json.Marshal(schema)
		if err != nil {
			return types.Schema{}, verrors.NewInternalError("encode schema", err)
		}
		if err := catalog.PutSchema(ctx, schema.Version, raw); err != nil {
			return types.Schema{}, err
		}
		return schema, nil
	}

	if version == 0 {
		return types.Schema{}, verrors.NewSchemaError(verrors.CodeInvalidSchema,
			"no store in data directory; use Create")
	}
	var schema types.Schema
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return types.Schema{}, verrors.NewInternalError("decode schema", err)
	}
	return schema, nil
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.ObjectStorage, error) {
	if cfg.Storage.Type == "s3" {
		return storage.NewS3(ctx, cfg.Storage.S3.Bucket, storage.S3Config{
			Region:       cfg.Storage.S3.Region,
			Endpoint:     cfg.Storage.S3.Endpoint,
			UsePathStyle: cfg.Storage.S3.UsePathStyle,
		})
	}
	return storage.NewLocal(cfg.Storage.Path)
}

// Schema returns the current schema.
func (t *Table) Schema() types.Schema {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.schema
}

// Begin opens a read snapshot. The caller must Close it when done; segments
// it references are not reclaimed while it is open.
func (t *Table) Begin() *mvcc.Snapshot {
	return t.versions.Begin()
}

// Compact runs one compaction cycle synchronously. An empty strategy uses
// the configured one. No-op if no candidate group exists.
func (t *Table) Compact(ctx context.Context, strategy string) error {
	if strategy == "" || strategy == t.cfg.Compaction.Strategy {
		err := t.compactor.RunOnce(ctx)
		metrics.SegmentsLive.Set(float64(len(t.versions.Segments())))
		return err
	}

	d, err := compaction.NewDaemon(t.compactionConfig(strategy), t.catalog, t.files,
		t.versions, t.tombstones, t.Schema, &t.mu)
	if err != nil {
		return err
	}
	err = d.RunOnce(ctx)
	metrics.SegmentsLive.Set(float64(len(t.versions.Segments())))
	return err
}

func (t *Table) compactionConfig(strategy string) compaction.Config {
	c := t.cfg.Compaction
	if strategy == "" {
		strategy = c.Strategy
	}
	return compaction.Config{
		Strategy:          strategy,
		CheckInterval:     c.CheckInterval,
		MinSegmentSize:    int64(c.MinSegmentSizeMB) * 1024 * 1024,
		TargetSegmentSize: int64(c.TargetSegmentSizeMB) * 1024 * 1024,
		TombstoneRatio:    c.TombstoneRatio,
		MaxSourcesPerRun:  c.MaxSourcesPerRun,
		MaxLiveSegments:   c.MaxLiveSegments,
	}
}

// AddColumn evolves the schema by appending a nullable column. The memtable
// is flushed and checkpointed first so every WAL record above the checkpoint
// carries the new schema version; existing segments are reconciled on read
// and rewritten by compaction.
func (t *Table) AddColumn(ctx context.Context, col types.ColumnDef) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errClosed
	}

	next, err := t.schema.WithColumnAdded(col)
	if err != nil {
		return verrors.NewSchemaError(verrors.CodeInvalidSchema, err.Error())
	}
	return t.installSchemaLocked(ctx, next)
}

// DropColumn evolves the schema by removing a non-key column.
func (t *Table) DropColumn(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errClosed
	}

	next, err := t.schema.WithColumnDropped(name)
	if err != nil {
		return verrors.NewSchemaError(verrors.CodeInvalidSchema, err.Error())
	}
	return t.installSchemaLocked(ctx, next)
}

func (t *Table) installSchemaLocked(ctx context.Context, next types.Schema) error {
	// Flush and checkpoint first so every replayable WAL record was written
	// under the schema version the catalog calls latest.
	var err error
	if len(t.memRows) > 0 {
		err = t.flushLocked(ctx)
	} else {
		err = t.checkpointLocked(ctx)
	}
	if err != nil {
		return err
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return verrors.NewInternalError("encode schema", err)
	}
	if err := t.catalog.PutSchema(ctx, next.Version, raw); err != nil {
		return err
	}
	t.schema = next
	log.Printf("table: schema evolved to v%d (%d columns)", next.Version, len(next.Columns))
	return nil
}

// Stats summarizes the store's current state.
type Stats struct {
	SegmentCount   int
	LiveRows       int64
	TombstonedRows int64
	MemRows        int
	StorageBytes   int64
	SchemaVersion  int
	CommitSeq      uint64
	CheckpointSeq  uint64
}

// Stats returns a point-in-time summary of the store.
func (t *Table) Stats(ctx context.Context) (*Stats, error) {
	checkpointSeq, _, err := t.catalog.Watermarks(ctx)
	if err != nil {
		return nil, err
	}

	s := &Stats{CheckpointSeq: checkpointSeq, CommitSeq: t.versions.Seq()}
	for _, seg := range t.versions.Segments() {
		s.SegmentCount++
		s.LiveRows += int64(seg.LiveRows())
		s.TombstonedRows += int64(seg.RowCount - seg.LiveRows())
		s.StorageBytes += seg.SizeBytes
	}

	t.mu.Lock()
	s.MemRows = len(t.memRows)
	s.LiveRows += int64(len(t.memRows))
	s.SchemaVersion = t.schema.Version
	t.mu.Unlock()
	return s, nil
}

// Close flushes and checkpoints, stops the background loops, and releases
// every resource. Open snapshots keep their segments readable until closed.
func (t *Table) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.flushCancel != nil {
		t.flushCancel()
		<-t.flushDone
	}
	t.compactor.Stop()

	t.mu.Lock()
	var err error
	if len(t.memRows) > 0 {
		err = t.flushLocked(ctx)
	} else {
		err = t.checkpointLocked(ctx)
	}
	t.mu.Unlock()

	t.versions.Close()
	if werr := t.wal.Close(); err == nil {
		err = werr
	}
	if cerr := t.catalog.Close(); err == nil {
		err = cerr
	}
	return err
}

// flushLoop flushes a non-empty memtable on the configured interval.
func (t *Table) flushLoop(ctx context.Context) {
	defer close(t.flushDone)

	ticker := time.NewTicker(t.cfg.Flush.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			if !t.closed && len(t.memRows) > 0 {
				if err := t.flushLocked(ctx); err != nil {
					log.Printf("table: interval flush: %v", err)
				}
			}
			t.mu.Unlock()
		}
	}
}

// reclaimSegment physically deletes a superseded segment once the MVCC
// manager reports zero references.
func (t *Table) reclaimSegment(seg *segment.Segment) {
	ctx := context.Background()
	if err := t.files.Delete(ctx, seg); err != nil {
		log.Printf("table: reclaim segment %s: %v", seg.ID, err)
		return
	}
	if err := t.catalog.DeleteSegment(ctx, seg.ID.String()); err != nil {
		log.Printf("table: drop catalog row %s: %v", seg.ID, err)
		return
	}
	metrics.SegmentsReclaimed.Inc()
	log.Printf("table: reclaimed segment %s", seg.ID)
}
