// Package storage abstracts durable placement of segment files. The local
// filesystem backend is the default for an embedded engine; the S3 backend
// places segments in object storage for shared or archival deployments.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts segment placement. Implementations must be safe
// for concurrent use; segment objects are written once and never rewritten.
type ObjectStorage interface {
	// Upload copies the local file to objectPath.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies the object at objectPath to localPath.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes the object. Deleting a missing object is not an error;
	// reclamation must be idempotent across crashes.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether the object is present.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns all object paths under the given prefix, used to detect
	// orphaned segments left by a crash between write and registration.
	List(ctx context.Context, prefix string) ([]string, error)
}
