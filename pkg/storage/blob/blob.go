// Package blob provides the content-addressable object store holding
// uploaded archives and their extracted assets.
package blob

import (
	"context"
	"io"
	"path"
	"strings"
)

// Key layout. Archives live under the upload they arrived with, extracted
// assets under the content-addressed update they belong to.
const (
	uploadsPrefix = "uploads"
	updatesPrefix = "updates"
)

// Store is a flat key/value object store. Keys are slash-separated
// relative paths validated by ValidKey.
type Store interface {
	// Put writes the full content of r under key, creating or replacing
	// the object, and returns the number of bytes written.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// Get opens the object for reading. Returns errdefs.ErrNotFound when
	// the key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Stat returns the size of the object in bytes.
	Stat(ctx context.Context, key string) (int64, error)
	// Delete removes a single object. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every object whose key starts with prefix and
	// returns the number of objects removed and the bytes freed.
	DeletePrefix(ctx context.Context, prefix string) (int, int64, error)
	// List returns the keys of all objects under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ValidKey reports whether key is acceptable: relative, slash-separated
// and free of parent traversal. Served asset keys are checked with this
// before touching the store.
func ValidKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

// ArchiveKey returns the key of the original archive of an upload.
func ArchiveKey(uploadID, filename string) string {
	return path.Join(uploadsPrefix, uploadID, filename)
}

// ArchivePrefix returns the key prefix owning all archive objects of an upload.
func ArchivePrefix(uploadID string) string {
	return path.Join(uploadsPrefix, uploadID) + "/"
}

// AssetKey returns the key of an extracted asset of an update.
func AssetKey(updateID, relativePath string) string {
	return path.Join(updatesPrefix, updateID, relativePath)
}

// AssetPrefix returns the key prefix owning all extracted assets of an update.
func AssetPrefix(updateID string) string {
	return path.Join(updatesPrefix, updateID) + "/"
}
