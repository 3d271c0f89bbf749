// Package docfs resolves directories and files by name on top of a document
// provider. Existence checks list the whole parent directory and scan it,
// because lazily-syncing providers report staleness per directory and only a
// listing can wait for the refresh.
package docfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/imedwei/docprovider-backup/internal/freshness"
	"github.com/imedwei/docprovider-backup/internal/metrics"
	"github.com/imedwei/docprovider-backup/internal/provider"
)

// DefaultListingTimeout bounds the wait for a fresh listing.
const DefaultListingTimeout = 15 * time.Second

const deleteConcurrency = 4

// Resolver implements find/create/delete on a provider.
type Resolver struct {
	provider provider.Provider
	timeout  time.Duration
	logger   *slog.Logger
}

// NewResolver creates a resolver. A non-positive timeout selects
// DefaultListingTimeout.
func NewResolver(p provider.Provider, timeout time.Duration, logger *slog.Logger) *Resolver {
	if timeout <= 0 {
		timeout = DefaultListingTimeout
	}
	return &Resolver{
		provider: p,
		timeout:  timeout,
		logger:   logger,
	}
}

// Provider returns the underlying provider.
func (r *Resolver) Provider() provider.Provider {
	return r.provider
}

// ListChildren returns the children of dir once the provider reports a
// fresh listing.
func (r *Resolver) ListChildren(ctx context.Context, dir *provider.Handle) ([]*provider.Handle, error) {
	query := func(ctx context.Context) (*provider.Listing, error) {
		return r.provider.Query(ctx, dir)
	}

	listing, err := freshness.Wait(ctx, query, r.timeout)
	if err != nil {
		if errors.Is(err, freshness.ErrTimeout) {
			return nil, &IOError{Op: "list", Name: dir.Name, Err: err}
		}
		return nil, fmt.Errorf("failed to list %q: %w", dir.Name, err)
	}
	defer listing.Close()

	if listing.Stale() {
		r.logger.Warn("Listing still stale after change notification", "dir", dir.Name)
	}
	return toHandles(listing.Entries), nil
}

// FindChild returns the first child of dir named exactly name, or nil.
// Listing failures, cancellation included, are logged and reported as not
// found.
func (r *Resolver) FindChild(ctx context.Context, dir *provider.Handle, name string) *provider.Handle {
	child, _ := r.LookupChild(ctx, dir, name)
	return child
}

// LookupChild is FindChild for callers that act on a miss. Listing failures
// are still reported as not found, but a cancelled or expired ctx is returned
// so the caller does not mutate the directory after giving up.
func (r *Resolver) LookupChild(ctx context.Context, dir *provider.Handle, name string) (*provider.Handle, error) {
	children, err := r.ListChildren(ctx, dir)
	if err != nil {
		if ctxErr := contextError(ctx, err); ctxErr != nil {
			return nil, ctxErr
		}
		r.logger.Warn("Failed to list directory", "dir", dir.Name, "name", name, "error", err)
		return nil, nil
	}
	for _, child := range children {
		if child.Name == name {
			return child, nil
		}
	}
	return nil, nil
}

// CreateOrGetDirectory returns the child directory name of dir, creating it
// if it does not exist.
func (r *Resolver) CreateOrGetDirectory(ctx context.Context, dir *provider.Handle, name string) (*provider.Handle, error) {
	h, _, err := r.EnsureDirectory(ctx, dir, name)
	return h, err
}

// EnsureDirectory is CreateOrGetDirectory that also reports whether the
// directory was created by this call.
func (r *Resolver) EnsureDirectory(ctx context.Context, dir *provider.Handle, name string) (*provider.Handle, bool, error) {
	existing, err := r.LookupChild(ctx, dir, name)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	created, err := r.provider.CreateDirectory(ctx, dir, name)
	if err == nil && created == nil {
		err = errNoResult
	}
	if err != nil {
		metrics.RecordNodeCreated("directory", false)
		return nil, false, &IOError{Op: "create directory", Name: name, Err: err}
	}

	metrics.RecordNodeCreated("directory", true)

	// A renamed directory means a sibling with this name escaped the lookup.
	if created.Name != name {
		return nil, false, &AssertionError{
			Msg: fmt.Sprintf("created directory %q in %q was named %q", name, dir.Name, created.Name),
		}
	}
	r.logger.Info("Created directory", "parent", dir.Name, "name", name)
	return created, true, nil
}

// CreateOrGetFile returns the child file name of dir, creating it with
// mimeType if it does not exist.
func (r *Resolver) CreateOrGetFile(ctx context.Context, dir *provider.Handle, name, mimeType string) (*provider.Handle, error) {
	existing, err := r.LookupChild(ctx, dir, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	created, err := r.provider.CreateFile(ctx, dir, name, mimeType)
	if err == nil && created == nil {
		err = errNoResult
	}
	if err != nil {
		metrics.RecordNodeCreated("file", false)
		return nil, &IOError{Op: "create file", Name: name, Err: err}
	}
	metrics.RecordNodeCreated("file", true)

	// A renamed file means a sibling with this name escaped the lookup.
	if created.Name != name {
		return nil, &AssertionError{
			Msg: fmt.Sprintf("created file %q in %q was named %q", name, dir.Name, created.Name),
		}
	}
	return created, nil
}

// DeleteContents deletes every child of dir without waiting for a fresh
// listing. Individual failures are logged and do not stop the others.
func (r *Resolver) DeleteContents(ctx context.Context, dir *provider.Handle) error {
	listing, err := r.provider.Query(ctx, dir)
	if err != nil {
		return fmt.Errorf("failed to list %q: %w", dir.Name, err)
	}
	if listing == nil {
		return fmt.Errorf("failed to list %q: %w", dir.Name, freshness.ErrProviderUnavailable)
	}
	if listing.Stale() {
		r.logger.Warn("Deleting contents from a stale listing, recent children may survive", "dir", dir.Name)
	}
	children := toHandles(listing.Entries)
	listing.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteConcurrency)
	for _, child := range children {
		g.Go(func() error {
			if err := r.provider.Delete(gctx, child); err != nil {
				r.logger.Error("Failed to delete", "dir", dir.Name, "name", child.Name, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// OpenInput opens h for reading.
func (r *Resolver) OpenInput(ctx context.Context, h *provider.Handle) (io.ReadCloser, error) {
	rc, err := r.provider.OpenReader(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q for reading: %w", h.Name, err)
	}
	return rc, nil
}

// OpenOutput opens h for writing, truncating existing content.
func (r *Resolver) OpenOutput(ctx context.Context, h *provider.Handle) (io.WriteCloser, error) {
	wc, err := r.provider.OpenWriter(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q for writing: %w", h.Name, err)
	}
	return wc, nil
}

// contextError returns the cancellation cause when err came from ctx ending.
func contextError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("failed to list directory: %w", ctxErr)
		}
	}
	return nil
}

func toHandles(entries []provider.Entry) []*provider.Handle {
	handles := make([]*provider.Handle, 0, len(entries))
	for _, e := range entries {
		kind := provider.KindFile
		if e.IsDir {
			kind = provider.KindDirectory
		}
		handles = append(handles, &provider.Handle{ID: e.ID, Name: e.Name, Kind: kind})
	}
	return handles
}
