// Package objectstore exposes a flat object store (S3, GCS) as a document
// provider. Directories are zero-length "name/" marker objects and listings
// use "/" as the delimiter.
package objectstore

import (
	"context"
	"io"
	"path"
	"strings"
	"time"
)

// Delimiter separates path elements in object keys.
const Delimiter = "/"

// Client is the object store surface the provider needs.
type Client interface {
	// Put stores the content of r under key, replacing any existing object.
	Put(ctx context.Context, key string, r io.Reader) error

	// Get opens the object stored under key. Missing objects report fs.ErrNotExist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object stored under key.
	Delete(ctx context.Context, key string) error

	// List returns the objects and common prefixes directly under prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Type returns the store identifier ("s3", "gcs").
	Type() string
}

// ObjectInfo describes one listed object or common prefix.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	IsPrefix     bool
}

// joinKey prepends prefix to key, keeping a trailing delimiter on key.
func joinKey(prefix, key string) string {
	prefix = strings.Trim(prefix, Delimiter)
	if prefix == "" {
		return key
	}
	full := path.Join(prefix, key)
	if key == "" || strings.HasSuffix(key, Delimiter) {
		full += Delimiter
	}
	return full
}

// trimKey removes prefix from a full key.
func trimKey(prefix, key string) string {
	prefix = strings.Trim(prefix, Delimiter)
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, prefix), Delimiter)
}

// parentKey returns the key of the directory containing key.
func parentKey(key string) string {
	trimmed := strings.TrimSuffix(key, Delimiter)
	i := strings.LastIndex(trimmed, Delimiter)
	if i < 0 {
		return ""
	}
	return trimmed[:i+1]
}
