package compaction

import (
	"context"
	"log"

	"github.com/velocitydb/velocity/internal/manifest"
	"github.com/velocitydb/velocity/internal/storage"
)

// GarbageCollector reclaims the debris a crash can leave behind: published
// compaction targets whose swap never committed, and storage objects no
// catalog row points at. Superseded segments themselves are reclaimed by
// the snapshot manager when their last reference drops, not here.
type GarbageCollector struct {
	catalog manifest.Catalog
	store   storage.ObjectStorage
}

// NewGarbageCollector creates a collector.
func NewGarbageCollector(catalog manifest.Catalog, store storage.ObjectStorage) *GarbageCollector {
	return &GarbageCollector{catalog: catalog, store: store}
}

// CollectIntents resolves compaction intents left by a crash. An intent
// whose target was never registered marks an orphan output: the object is
// deleted and the intent cleared. Registered targets just lose the intent.
func (g *GarbageCollector) CollectIntents(ctx context.Context) error {
	intents, err := g.catalog.ListCompactionIntents(ctx)
	if err != nil {
		return err
	}

	for _, intent := range intents {
		if _, err := g.catalog.GetSegment(ctx, intent.TargetSegmentID); err != nil {
			// Never registered: the swap did not commit.
			if err := g.store.Delete(ctx, intent.TargetObjectPath); err != nil {
				log.Printf("compaction: gc: delete orphan target %s: %v", intent.TargetSegmentID, err)
				continue
			}
			log.Printf("compaction: gc: removed orphan target %s", intent.TargetSegmentID)
		}
		if err := g.catalog.DeleteCompactionIntent(ctx, intent.TargetSegmentID); err != nil {
			log.Printf("compaction: gc: clear intent %s: %v", intent.TargetSegmentID, err)
		}
	}
	return nil
}

// SweepOrphans deletes stored segment objects that no catalog row (active
// or superseded) references. Only safe at startup, before flushes publish
// new objects concurrently.
func (g *GarbageCollector) SweepOrphans(ctx context.Context) (int, error) {
	known := make(map[string]bool)
	for _, list := range []func(context.Context) ([]*manifest.SegmentRecord, error){
		g.catalog.ListActive, g.catalog.ListSuperseded,
	} {
		recs, err := list(ctx)
		if err != nil {
			return 0, err
		}
		for _, rec := range recs {
			known[rec.ObjectPath] = true
		}
	}

	// In-flight intents still own their target objects.
	intents, err := g.catalog.ListCompactionIntents(ctx)
	if err != nil {
		return 0, err
	}
	for _, intent := range intents {
		known[intent.TargetObjectPath] = true
	}

	objects, err := g.store.List(ctx, "segments/")
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, obj := range objects {
		if known[obj] {
			continue
		}
		if err := g.store.Delete(ctx, obj); err != nil {
			log.Printf("compaction: gc: delete orphan object %s: %v", obj, err)
			continue
		}
		removed++
	}
	return removed, nil
}
