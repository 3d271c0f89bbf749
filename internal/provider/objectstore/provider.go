package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/imedwei/docprovider-backup/internal/metrics"
	"github.com/imedwei/docprovider-backup/internal/provider"
)

// Provider implements provider.Provider over an object store. Handle IDs
// are object keys relative to the store prefix; directory keys end with
// the delimiter and the root key is empty.
//
// Object store listings are eventually consistent after writes. A
// directory mutated within the settle delay lists as stale until it
// settles, and the settle fires the listing's change notification.
type Provider struct {
	client  Client
	settler *provider.Settler
	logger  *slog.Logger
}

// New creates a provider over client.
func New(client Client, settleDelay time.Duration, logger *slog.Logger) *Provider {
	return &Provider{
		client:  client,
		settler: provider.NewSettler(settleDelay),
		logger:  logger,
	}
}

// Type implements provider.Provider.
func (p *Provider) Type() string {
	return p.client.Type()
}

// Root implements provider.Provider.
func (p *Provider) Root() *provider.Handle {
	return &provider.Handle{ID: "", Kind: provider.KindDirectory}
}

// Close releases the underlying client.
func (p *Provider) Close() error {
	if c, ok := p.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Query implements provider.Provider.
func (p *Provider) Query(ctx context.Context, dir *provider.Handle) (*provider.Listing, error) {
	if !dir.IsDir() {
		return nil, fmt.Errorf("%q is not a directory", dir.Name)
	}

	objects, err := p.client.List(ctx, dir.ID)
	p.record("list", err)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(objects))
	entries := make([]provider.Entry, 0, len(objects))
	for _, obj := range objects {
		if obj.Key == dir.ID || seen[obj.Key] {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(obj.Key, dir.ID), Delimiter)
		if name == "" {
			continue
		}
		seen[obj.Key] = true
		entries = append(entries, provider.Entry{
			ID:    obj.Key,
			Name:  name,
			IsDir: obj.IsPrefix || strings.HasSuffix(obj.Key, Delimiter),
		})
	}

	if p.settler.Pending(dir.ID) {
		return provider.NewListing(entries, provider.StaleUntil(p.settler.Watch(dir.ID))), nil
	}
	return provider.NewListing(entries), nil
}

// CreateDirectory implements provider.Provider.
func (p *Provider) CreateDirectory(ctx context.Context, parent *provider.Handle, name string) (*provider.Handle, error) {
	return p.create(ctx, parent, name, provider.KindDirectory)
}

// CreateFile implements provider.Provider. Object stores overwrite on
// collision, so the returned name always matches name.
func (p *Provider) CreateFile(ctx context.Context, parent *provider.Handle, name, _ string) (*provider.Handle, error) {
	return p.create(ctx, parent, name, provider.KindFile)
}

// Delete implements provider.Provider.
func (p *Provider) Delete(ctx context.Context, h *provider.Handle) error {
	if h.ID == "" {
		return fmt.Errorf("cannot delete the storage root")
	}

	var err error
	if h.IsDir() {
		err = p.deleteTree(ctx, h.ID)
	} else {
		err = p.client.Delete(ctx, h.ID)
		p.record("delete", err)
	}
	if err != nil {
		return err
	}

	p.settler.Touch(parentKey(h.ID))
	p.logger.Debug("Deleted object", "key", h.ID, "kind", h.Kind)
	return nil
}

// OpenReader implements provider.Provider.
func (p *Provider) OpenReader(ctx context.Context, h *provider.Handle) (io.ReadCloser, error) {
	if h.IsDir() {
		return nil, fmt.Errorf("%q is not a file", h.Name)
	}
	r, err := p.client.Get(ctx, h.ID)
	p.record("get", err)
	return r, err
}

// OpenWriter implements provider.Provider. The object is uploaded while
// the caller writes and committed when the writer is closed.
func (p *Provider) OpenWriter(ctx context.Context, h *provider.Handle) (io.WriteCloser, error) {
	if h.IsDir() {
		return nil, fmt.Errorf("%q is not a file", h.Name)
	}

	pr, pw := io.Pipe()
	w := &writer{pw: pw, done: make(chan error, 1)}
	go func() {
		err := p.client.Put(ctx, h.ID, pr)
		p.record("put", err)
		// Unblock the writer if the upload stopped reading early
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w, nil
}

func (p *Provider) create(ctx context.Context, parent *provider.Handle, name string, kind provider.Kind) (*provider.Handle, error) {
	if !parent.IsDir() {
		return nil, fmt.Errorf("%q is not a directory", parent.Name)
	}
	if name == "" || name == "." || name == ".." || strings.Contains(name, Delimiter) {
		return nil, fmt.Errorf("invalid object name %q", name)
	}

	key := parent.ID + name
	if kind == provider.KindDirectory {
		key += Delimiter
	}

	err := p.client.Put(ctx, key, bytes.NewReader(nil))
	p.record("put", err)
	if err != nil {
		return nil, err
	}

	p.settler.Touch(parent.ID)
	p.logger.Debug("Created object", "key", key, "kind", kind)
	return &provider.Handle{ID: key, Name: name, Kind: kind}, nil
}

// deleteTree removes every object under prefix, then the prefix's own
// directory marker.
func (p *Provider) deleteTree(ctx context.Context, prefix string) error {
	objects, err := p.client.List(ctx, prefix)
	p.record("list", err)
	if err != nil {
		return err
	}

	for _, obj := range objects {
		if obj.Key == prefix {
			continue
		}
		if obj.IsPrefix {
			if err := p.deleteTree(ctx, obj.Key); err != nil {
				return err
			}
			continue
		}
		err := p.client.Delete(ctx, obj.Key)
		p.record("delete", err)
		if err != nil {
			return err
		}
	}

	// Directories implied by nested keys have no marker
	err = p.client.Delete(ctx, prefix)
	p.record("delete", err)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (p *Provider) record(operation string, err error) {
	metrics.RecordStorageOperation(operation, p.client.Type(), err == nil)
}

// writer streams into an in-flight upload.
type writer struct {
	pw   *io.PipeWriter
	done chan error
	once sync.Once
	err  error
}

func (w *writer) Write(b []byte) (int, error) {
	return w.pw.Write(b)
}

func (w *writer) Close() error {
	w.once.Do(func() {
		_ = w.pw.Close()
		w.err = <-w.done
	})
	return w.err
}
