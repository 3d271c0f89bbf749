// Package provider defines the document provider contract consumed by the
// backup hierarchy: a tree of directories and files addressed by opaque IDs
// whose listings may be eventually consistent.
package provider

import (
	"context"
	"io"
)

// Kind distinguishes files from directories.
type Kind int

const (
	// KindFile is a regular file node.
	KindFile Kind = iota
	// KindDirectory is a directory node.
	KindDirectory
)

func (k Kind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// Handle is an opaque reference to a node in the provider tree.
// Handles are capability tokens minted by a Provider; callers never
// construct them for nodes they did not obtain from the provider.
type Handle struct {
	ID   string
	Name string
	Kind Kind
}

// IsDir reports whether the handle refers to a directory.
func (h *Handle) IsDir() bool {
	return h != nil && h.Kind == KindDirectory
}

// Entry is one row of a directory listing as reported by the provider.
type Entry struct {
	ID    string
	Name  string
	IsDir bool
}

// Provider is the document provider collaborator.
type Provider interface {
	// Root returns the handle of the storage root.
	Root() *Handle

	// Query lists the children of dir. A nil listing with a nil error means
	// the provider had nothing to return.
	Query(ctx context.Context, dir *Handle) (*Listing, error)

	// CreateDirectory creates a directory named name under parent. A nil
	// handle with a nil error means the provider refused silently.
	CreateDirectory(ctx context.Context, parent *Handle, name string) (*Handle, error)

	// CreateFile creates an empty file. Some providers rename on collision,
	// so the returned handle's name may differ from name.
	CreateFile(ctx context.Context, parent *Handle, name, mimeType string) (*Handle, error)

	// Delete removes a node. Directories are removed recursively.
	Delete(ctx context.Context, h *Handle) error

	// OpenReader opens a file for reading.
	OpenReader(ctx context.Context, h *Handle) (io.ReadCloser, error)

	// OpenWriter opens a file for writing, truncating existing content.
	// Data is committed when the writer is closed.
	OpenWriter(ctx context.Context, h *Handle) (io.WriteCloser, error)

	// Type returns the provider type identifier ("memory", "local", "s3", "gcs").
	Type() string
}
