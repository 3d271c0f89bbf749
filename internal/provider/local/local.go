// Package local exposes a directory on the local filesystem as a document
// provider. It is meant for folders kept in sync by an external client:
// while the client is still syncing a directory it leaves a pending marker
// file inside it, and listings of that directory are stale until the marker
// is removed.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/imedwei/docprovider-backup/internal/metrics"
	"github.com/imedwei/docprovider-backup/internal/provider"
)

// DefaultPendingMarker is the marker file name used when none is configured.
const DefaultPendingMarker = ".syncing"

const partialSuffix = ".partial"

// Provider implements provider.Provider on a local directory. Handle IDs
// are slash-separated paths relative to the root; the root ID is empty.
type Provider struct {
	root   string
	marker string
	logger *slog.Logger
}

// New creates a provider rooted at root, creating the directory if needed.
func New(root, pendingMarker string, logger *slog.Logger) (*Provider, error) {
	if pendingMarker == "" {
		pendingMarker = DefaultPendingMarker
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Provider{
		root:   root,
		marker: pendingMarker,
		logger: logger,
	}, nil
}

// Type implements provider.Provider.
func (p *Provider) Type() string {
	return "local"
}

// Root implements provider.Provider.
func (p *Provider) Root() *provider.Handle {
	return &provider.Handle{ID: "", Kind: provider.KindDirectory}
}

// Query implements provider.Provider.
func (p *Provider) Query(_ context.Context, dir *provider.Handle) (*provider.Listing, error) {
	abs := p.abs(dir.ID)
	items, err := os.ReadDir(abs)
	p.record("list", err)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	pending := false
	entries := make([]provider.Entry, 0, len(items))
	for _, item := range items {
		name := item.Name()
		if name == p.marker {
			pending = true
			continue
		}
		if strings.HasSuffix(name, partialSuffix) {
			continue
		}
		entries = append(entries, provider.Entry{
			ID:    path.Join(dir.ID, name),
			Name:  name,
			IsDir: item.IsDir(),
		})
	}

	if pending {
		return provider.NewListing(entries, provider.StaleUntil(p.watch(abs))), nil
	}
	return provider.NewListing(entries), nil
}

// CreateDirectory implements provider.Provider.
func (p *Provider) CreateDirectory(_ context.Context, parent *provider.Handle, name string) (*provider.Handle, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	id := path.Join(parent.ID, name)
	err := os.Mkdir(p.abs(id), 0o755)
	p.record("mkdir", err)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return &provider.Handle{ID: id, Name: name, Kind: provider.KindDirectory}, nil
}

// CreateFile implements provider.Provider.
func (p *Provider) CreateFile(_ context.Context, parent *provider.Handle, name, _ string) (*provider.Handle, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	id := path.Join(parent.ID, name)
	f, err := os.OpenFile(p.abs(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	p.record("create", err)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	return &provider.Handle{ID: id, Name: name, Kind: provider.KindFile}, nil
}

// Delete implements provider.Provider.
func (p *Provider) Delete(_ context.Context, h *provider.Handle) error {
	if h.ID == "" {
		return fmt.Errorf("cannot delete the storage root")
	}
	abs := p.abs(h.ID)
	if _, err := os.Lstat(abs); err != nil {
		p.record("delete", err)
		return fmt.Errorf("failed to delete: %w", err)
	}
	err := os.RemoveAll(abs)
	p.record("delete", err)
	if err != nil {
		return fmt.Errorf("failed to delete: %w", err)
	}
	return nil
}

// OpenReader implements provider.Provider.
func (p *Provider) OpenReader(_ context.Context, h *provider.Handle) (io.ReadCloser, error) {
	f, err := os.Open(p.abs(h.ID))
	p.record("get", err)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// OpenWriter implements provider.Provider. Content goes to a partial file
// next to the target and replaces it on Close.
func (p *Provider) OpenWriter(_ context.Context, h *provider.Handle) (io.WriteCloser, error) {
	target := p.abs(h.ID)
	if info, err := os.Stat(target); err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	} else if info.IsDir() {
		return nil, fmt.Errorf("%q is not a file", h.Name)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+"-*"+partialSuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return &writer{File: tmp, target: target, record: p.record}, nil
}

// watch notifies when the pending marker in dir is removed. Each call owns
// its own fsnotify watcher, released by the returned stop func.
func (p *Provider) watch(dir string) provider.WatchFunc {
	return func(onChange func()) func() {
		var once sync.Once
		fire := func() { once.Do(onChange) }

		w, err := fsnotify.NewWatcher()
		if err != nil {
			p.logger.Warn("Failed to create watcher", "path", dir, "error", err)
			return func() {}
		}
		if err := w.Add(dir); err != nil {
			p.logger.Warn("Failed to watch directory", "path", dir, "error", err)
			_ = w.Close()
			return func() {}
		}

		done := make(chan struct{})
		go func() {
			for {
				select {
				case event, ok := <-w.Events:
					if !ok {
						return
					}
					if filepath.Base(event.Name) == p.marker && event.Has(fsnotify.Remove|fsnotify.Rename) {
						fire()
					}
				case err, ok := <-w.Errors:
					if !ok {
						return
					}
					p.logger.Warn("Watcher error", "path", dir, "error", err)
				case <-done:
					return
				}
			}
		}()

		// The marker may have gone before the watch was registered
		if _, err := os.Stat(filepath.Join(dir, p.marker)); errors.Is(err, fs.ErrNotExist) {
			fire()
		}

		var stopOnce sync.Once
		return func() {
			stopOnce.Do(func() {
				close(done)
				_ = w.Close()
			})
		}
	}
}

func (p *Provider) abs(id string) string {
	return filepath.Join(p.root, filepath.FromSlash(id))
}

func (p *Provider) record(operation string, err error) {
	metrics.RecordStorageOperation(operation, "local", err == nil)
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid file name %q", name)
	}
	return nil
}

// writer renames its partial file over the target on Close.
type writer struct {
	*os.File
	target string
	record func(string, error)
	once   sync.Once
	err    error
}

func (w *writer) Close() error {
	w.once.Do(func() {
		w.err = w.commit()
		w.record("put", w.err)
	})
	return w.err
}

func (w *writer) commit() error {
	tmp := w.File.Name()
	if err := w.File.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, w.target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit file: %w", err)
	}
	return nil
}
