// Package hierarchy maintains the backup directory layout on a document
// provider:
//
//	<storage root>/.BackupRoot/
//	  .nomedia
//	  <token>/
//	    full/
//	    kv/
//
// Directories are created lazily on first access and memoized until Reset.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/imedwei/docprovider-backup/internal/docfs"
	"github.com/imedwei/docprovider-backup/internal/metrics"
	"github.com/imedwei/docprovider-backup/internal/provider"
	"github.com/imedwei/docprovider-backup/internal/utils"
)

const (
	// RootDirName is the backup root directory under the storage root.
	RootDirName = ".BackupRoot"
	// NoMediaFile opts the backup root out of media scanning.
	NoMediaFile = ".nomedia"
	// FullDirName holds full-backup payloads of a set.
	FullDirName = "full"
	// KVDirName holds key-value backup payloads of a set.
	KVDirName = "kv"

	markerMimeType = "application/octet-stream"

	// flightListings is the number of listing waits a shared resolution is
	// budgeted for: an entry plus its ancestors, and the root marker.
	flightListings = 5
)

// ErrNotInitialized is returned, wrapped in a *docfs.IOError, when a
// directory of the active set could not be resolved.
var ErrNotInitialized = errors.New("backup directory not initialized")

// Location is the settings collaborator that knows where backups live.
type Location interface {
	// StorageRoot returns the provider and the configured storage root.
	// A nil provider or root means no location is configured.
	StorageRoot(ctx context.Context) (provider.Provider, *provider.Handle, error)

	// StorageChanged reports whether the storage location changed since the
	// last call, and clears the flag.
	StorageChanged(ctx context.Context) (bool, error)
}

// Cache owns the memoized handles of the backup hierarchy for one storage
// session. Reset is the only way to invalidate them.
type Cache struct {
	location Location
	timeout  time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	token       uint64
	gen         uint64
	resolver    *docfs.Resolver
	storageRoot *provider.Handle
	entries     map[entryName]*entry

	group singleflight.Group
}

// New creates a cache for the active backup-set token. A token of zero
// leaves the current set unresolvable until Reset.
func New(location Location, token uint64, timeout time.Duration, logger *slog.Logger) *Cache {
	return &Cache{
		location: location,
		timeout:  timeout,
		logger:   logger,
		token:    token,
		entries:  newEntries(),
	}
}

// Token returns the active backup-set token.
func (c *Cache) Token() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Reset drops every memoized handle and the cached provider, and makes token
// the active set. In-flight resolutions started before Reset are discarded.
func (c *Cache) Reset(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	c.token = token
	c.resolver = nil
	c.storageRoot = nil
	c.entries = newEntries()

	metrics.HierarchyResets.Inc()
	metrics.ActiveToken.Set(float64(token))
	c.logger.Info("Backup hierarchy reset", "token", token)
}

// Root returns the backup root directory, creating it and its marker file on
// first use. A nil handle with a nil error means it is unavailable.
func (c *Cache) Root(ctx context.Context) (*provider.Handle, error) {
	return c.get(ctx, entryRoot, func(ctx context.Context, gen uint64) (*provider.Handle, error) {
		r, storageRoot, err := c.storage(ctx, gen)
		if err != nil || storageRoot == nil {
			return nil, err
		}

		root, created, err := r.EnsureDirectory(ctx, storageRoot, RootDirName)
		if err != nil {
			return nil, err
		}
		if created {
			if _, err := r.CreateOrGetFile(ctx, root, NoMediaFile, markerMimeType); err != nil {
				if !docfs.IsIOFailure(err) {
					return nil, err
				}
				c.logger.Warn("Failed to create marker file", "name", NoMediaFile, "error", err)
			}
		}
		return root, nil
	})
}

// CurrentSet returns the directory of the active backup set.
func (c *Cache) CurrentSet(ctx context.Context) (*provider.Handle, error) {
	return c.get(ctx, entrySet, func(ctx context.Context, gen uint64) (*provider.Handle, error) {
		token := c.Token()
		if token == 0 {
			return nil, nil
		}
		return c.child(ctx, gen, c.Root, utils.FormatToken(token))
	})
}

// CurrentFull returns the full-backup directory of the active set.
func (c *Cache) CurrentFull(ctx context.Context) (*provider.Handle, error) {
	return c.get(ctx, entryFull, func(ctx context.Context, gen uint64) (*provider.Handle, error) {
		return c.child(ctx, gen, c.CurrentSet, FullDirName)
	})
}

// CurrentKV returns the key-value backup directory of the active set.
func (c *Cache) CurrentKV(ctx context.Context) (*provider.Handle, error) {
	return c.get(ctx, entryKV, func(ctx context.Context, gen uint64) (*provider.Handle, error) {
		return c.child(ctx, gen, c.CurrentSet, KVDirName)
	})
}

// SetDir returns the directory of the backup set token. For the active token
// this is CurrentSet; other sets are looked up without memoization and a nil
// handle means the set does not exist.
func (c *Cache) SetDir(ctx context.Context, token uint64) (*provider.Handle, error) {
	if token == c.Token() {
		return c.CurrentSet(ctx)
	}

	root, err := c.Root(ctx)
	if err != nil || root == nil {
		return nil, err
	}
	r, err := c.Files(ctx)
	if err != nil {
		return nil, err
	}
	return r.LookupChild(ctx, root, utils.FormatToken(token))
}

// FullDir returns the full-backup directory of the set token.
func (c *Cache) FullDir(ctx context.Context, token uint64) (*provider.Handle, error) {
	return c.subDir(ctx, token, FullDirName, c.CurrentFull)
}

// KVDir returns the key-value backup directory of the set token.
func (c *Cache) KVDir(ctx context.Context, token uint64) (*provider.Handle, error) {
	return c.subDir(ctx, token, KVDirName, c.CurrentKV)
}

// IsInitialized reports whether the active set's kv and full directories
// exist and are both empty, and the storage location has not changed. The
// storage-changed flag is consumed by every call.
func (c *Cache) IsInitialized(ctx context.Context) bool {
	changed, err := c.location.StorageChanged(ctx)
	if err != nil {
		c.logger.Warn("Failed to read storage changed flag", "error", err)
		return false
	}
	if changed {
		c.logger.Info("Storage location changed, backup set needs initialization")
		return false
	}

	for _, current := range []func(context.Context) (*provider.Handle, error){c.CurrentKV, c.CurrentFull} {
		dir, err := current(ctx)
		if err != nil || dir == nil {
			return false
		}
		if !c.isEmpty(ctx, dir) {
			return false
		}
	}
	return true
}

// RestoreSets returns the tokens of all backup sets under the root, newest
// first.
func (c *Cache) RestoreSets(ctx context.Context) ([]uint64, error) {
	root, err := c.Root(ctx)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, &docfs.IOError{Op: "resolve", Name: RootDirName, Err: ErrNotInitialized}
	}
	r, err := c.Files(ctx)
	if err != nil {
		return nil, err
	}

	children, err := r.ListChildren(ctx, root)
	if err != nil {
		return nil, err
	}

	var tokens []uint64
	for _, child := range children {
		if !child.IsDir() {
			continue
		}
		token, err := utils.ParseToken(child.Name)
		if err != nil {
			c.logger.Debug("Skipping non-set directory", "name", child.Name)
			continue
		}
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] > tokens[j] })
	return tokens, nil
}

// Files returns the resolver for the current storage location.
func (c *Cache) Files(ctx context.Context) (*docfs.Resolver, error) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	r, root, err := c.storage(ctx, gen)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, &docfs.IOError{Op: "open", Name: "storage root", Err: ErrNotInitialized}
	}
	return r, nil
}

// Status reports the state of every entry, for health checks.
func (c *Cache) Status() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := make(map[string]string, len(c.entries))
	for name, e := range c.entries {
		status[string(name)] = e.state.String()
	}
	return status
}

type resolveFunc func(ctx context.Context, gen uint64) (*provider.Handle, error)

// get returns the memoized entry or resolves it. Concurrent first accesses
// share one resolution. IOFailures are logged and reported as unavailable.
func (c *Cache) get(ctx context.Context, name entryName, resolve resolveFunc) (*provider.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	e := c.entries[name]
	if e.state == stateResolved {
		h := e.handle
		c.mu.Unlock()
		metrics.RecordResolution(string(name), "hit")
		return h, nil
	}
	gen := c.gen
	e.state = stateResolving
	c.mu.Unlock()

	v, err := c.do(ctx, fmt.Sprintf("%d/%s", gen, name), func(ctx context.Context) (any, error) {
		h, err := resolve(ctx, gen)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen == gen {
			e := c.entries[name]
			if err == nil && h != nil {
				e.state = stateResolved
				e.handle = h
			} else {
				e.state = stateFailed
			}
		}
		if h == nil {
			return nil, err
		}
		return h, err
	})

	if err != nil {
		if docfs.IsIOFailure(err) {
			c.logger.Warn("Failed to resolve backup directory", "entry", name, "error", err)
			metrics.RecordResolution(string(name), "unavailable")
			return nil, nil
		}
		return nil, err
	}
	if v == nil {
		metrics.RecordResolution(string(name), "unavailable")
		return nil, nil
	}
	metrics.RecordResolution(string(name), "resolved")
	return v.(*provider.Handle), nil
}

// child resolves name under the directory returned by parent.
func (c *Cache) child(ctx context.Context, gen uint64, parent func(context.Context) (*provider.Handle, error), name string) (*provider.Handle, error) {
	dir, err := parent(ctx)
	if err != nil || dir == nil {
		return nil, err
	}
	r, root, err := c.storage(ctx, gen)
	if err != nil || root == nil {
		return nil, err
	}
	return r.CreateOrGetDirectory(ctx, dir, name)
}

func (c *Cache) subDir(ctx context.Context, token uint64, name string, current func(context.Context) (*provider.Handle, error)) (*provider.Handle, error) {
	if token == c.Token() {
		dir, err := current(ctx)
		if err != nil {
			return nil, err
		}
		if dir == nil {
			return nil, &docfs.IOError{Op: "resolve", Name: name, Err: ErrNotInitialized}
		}
		return dir, nil
	}

	set, err := c.SetDir(ctx, token)
	if err != nil {
		return nil, err
	}
	if set == nil {
		return nil, &docfs.IOError{Op: "find", Name: utils.FormatToken(token), Err: fs.ErrNotExist}
	}
	r, err := c.Files(ctx)
	if err != nil {
		return nil, err
	}
	dir, err := r.LookupChild(ctx, set, name)
	if err != nil {
		return nil, err
	}
	if dir == nil {
		return nil, &docfs.IOError{Op: "find", Name: utils.FormatToken(token) + "/" + name, Err: fs.ErrNotExist}
	}
	return dir, nil
}

func (c *Cache) isEmpty(ctx context.Context, dir *provider.Handle) bool {
	r, err := c.Files(ctx)
	if err != nil {
		return false
	}
	children, err := r.ListChildren(ctx, dir)
	if err != nil {
		c.logger.Warn("Failed to list backup directory", "dir", dir.Name, "error", err)
		return false
	}
	return len(children) == 0
}

type storageRef struct {
	resolver *docfs.Resolver
	root     *provider.Handle
}

// storage returns the memoized resolver and storage root, opening the
// location on first use.
func (c *Cache) storage(ctx context.Context, gen uint64) (*docfs.Resolver, *provider.Handle, error) {
	c.mu.Lock()
	if c.gen == gen && c.resolver != nil {
		r, root := c.resolver, c.storageRoot
		c.mu.Unlock()
		return r, root, nil
	}
	c.mu.Unlock()

	v, err := c.do(ctx, fmt.Sprintf("%d/storage", gen), func(ctx context.Context) (any, error) {
		p, root, err := c.location.StorageRoot(ctx)
		if err != nil {
			return nil, &docfs.IOError{Op: "open", Name: "storage root", Err: err}
		}
		if p == nil || root == nil {
			c.logger.Warn("No storage location configured")
			return nil, nil
		}

		ref := &storageRef{resolver: docfs.NewResolver(p, c.timeout, c.logger), root: root}
		c.mu.Lock()
		if c.gen == gen {
			c.resolver = ref.resolver
			c.storageRoot = ref.root
		}
		c.mu.Unlock()
		return ref, nil
	})
	if err != nil || v == nil {
		return nil, nil, err
	}
	ref := v.(*storageRef)
	return ref.resolver, ref.root, nil
}

// do runs fn once for all concurrent callers of key. fn runs detached from
// the cancellation of whichever caller started it, bounded by its own
// deadline, and each caller stops waiting when its own ctx ends.
func (c *Cache) do(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := c.group.DoChan(key, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.flightTimeout())
		defer cancel()
		return fn(flightCtx)
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) flightTimeout() time.Duration {
	timeout := c.timeout
	if timeout <= 0 {
		timeout = docfs.DefaultListingTimeout
	}
	return flightListings * timeout
}
