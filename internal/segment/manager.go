package segment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	verrors "github.com/velocitydb/velocity/internal/errors"
	"github.com/velocitydb/velocity/internal/storage"
	"github.com/velocitydb/velocity/pkg/types"
)

// FileManager maps logical segment ids to physical storage locations. New
// segments are built in a scratch directory, fsynced, then published to
// object storage before they are registered anywhere; reads go through a
// local read-through cache keyed by segment id (segment bytes are
// immutable, so a cached copy never goes stale).
type FileManager struct {
	scratchDir string
	cacheDir   string
	store      storage.ObjectStorage
	gen        *types.SegmentIDGenerator
}

// NewFileManager creates a file manager with the given scratch and cache
// directories.
func NewFileManager(scratchDir, cacheDir string, store storage.ObjectStorage) (*FileManager, error) {
	for _, dir := range []string{scratchDir, cacheDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, verrors.NewCapacityError("create segment directory", err)
		}
	}
	return &FileManager{
		scratchDir: scratchDir,
		cacheDir:   cacheDir,
		store:      store,
		gen:        types.NewSegmentIDGenerator(),
	}, nil
}

// Store returns the underlying object storage.
func (m *FileManager) Store() storage.ObjectStorage {
	return m.store
}

// Discard removes a scratch file that will never be published.
func (m *FileManager) Discard(id types.SegmentID) {
	os.Remove(m.ScratchPath(id))
}

// NextID allocates a fresh time-ordered segment id.
func (m *FileManager) NextID() (types.SegmentID, error) {
	return m.gen.Generate()
}

// ScratchPath returns the local build path for a segment under construction.
func (m *FileManager) ScratchPath(id types.SegmentID) string {
	return filepath.Join(m.scratchDir, id.String()+".seg")
}

// ObjectPath returns the storage path for a segment id.
func ObjectPath(id types.SegmentID) string {
	return fmt.Sprintf("segments/%s.seg", id.String())
}

// Publish uploads a fully written scratch file to object storage and
// removes the scratch copy. Returns the object path and size. The caller
// registers the segment in the manifest only after Publish returns.
func (m *FileManager) Publish(ctx context.Context, id types.SegmentID) (string, int64, error) {
	localPath := m.ScratchPath(id)

	stat, err := os.Stat(localPath)
	if err != nil {
		return "", 0, verrors.NewStorageError(verrors.CodeUploadFailed, "stat scratch segment", err)
	}

	objectPath := ObjectPath(id)
	if err := m.store.Upload(ctx, localPath, objectPath); err != nil {
		return "", 0, verrors.NewStorageError(verrors.CodeUploadFailed, "publish segment", err)
	}

	// Scratch copy is redundant once published; keep going if removal fails.
	os.Remove(localPath)

	return objectPath, stat.Size(), nil
}

// Open returns a verified reader for the segment, downloading into the
// cache on miss.
func (m *FileManager) Open(ctx context.Context, seg *Segment) (*Reader, error) {
	cachePath := filepath.Join(m.cacheDir, seg.ID.String()+".seg")

	if stat, err := os.Stat(cachePath); err != nil || stat.Size() != seg.SizeBytes {
		if err := m.store.Download(ctx, seg.ObjectPath, cachePath); err != nil {
			return nil, verrors.NewStorageError(verrors.CodeDownloadFailed,
				"fetch segment "+seg.ID.String(), err)
		}
	}

	return Open(cachePath)
}

// Delete physically reclaims a segment's storage and cache entry. Callers
// must only invoke this once the MVCC manager reports zero references.
func (m *FileManager) Delete(ctx context.Context, seg *Segment) error {
	if err := m.store.Delete(ctx, seg.ObjectPath); err != nil {
		return verrors.NewStorageError(verrors.CodeDeleteFailed,
			"delete segment "+seg.ID.String(), err)
	}
	os.Remove(filepath.Join(m.cacheDir, seg.ID.String()+".seg"))
	return nil
}

// ListPublished returns the object paths of all published segments, for
// orphan detection during recovery.
func (m *FileManager) ListPublished(ctx context.Context) ([]string, error) {
	return m.store.List(ctx, "segments/")
}
