// Package memory provides an in-process document provider. It can simulate
// eventually-consistent listings: a directory mutated within the settle
// delay lists as stale and empty until it settles.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/imedwei/docprovider-backup/internal/provider"
)

const rootID = "root"

// Options configures the in-memory provider.
type Options struct {
	// SettleDelay is how long a mutated directory lists as stale.
	// Zero disables simulated staleness.
	SettleDelay time.Duration

	// KeepNameOnCollision makes creation fail with fs.ErrExist instead of
	// renaming to "name (N)" when a sibling with the same name exists.
	KeepNameOnCollision bool
}

// Provider implements provider.Provider in memory.
type Provider struct {
	mu      sync.RWMutex
	nodes   map[string]*node
	settler *provider.Settler
	opts    Options
	refuse  map[string]bool

	queries      atomic.Int64
	openListings atomic.Int64
}

type node struct {
	id       string
	name     string
	kind     provider.Kind
	parent   string
	children []string
	data     []byte
}

// New creates an empty in-memory provider.
func New(opts Options) *Provider {
	p := &Provider{
		nodes:   make(map[string]*node),
		settler: provider.NewSettler(opts.SettleDelay),
		opts:    opts,
		refuse:  make(map[string]bool),
	}
	p.nodes[rootID] = &node{id: rootID, name: "", kind: provider.KindDirectory}
	return p
}

// Type implements provider.Provider.
func (p *Provider) Type() string {
	return "memory"
}

// Root implements provider.Provider.
func (p *Provider) Root() *provider.Handle {
	return &provider.Handle{ID: rootID, Kind: provider.KindDirectory}
}

// Query implements provider.Provider.
func (p *Provider) Query(_ context.Context, dir *provider.Handle) (*provider.Listing, error) {
	p.queries.Add(1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	n, err := p.dir(dir)
	if err != nil {
		return nil, err
	}

	p.openListings.Add(1)
	release := provider.OnRelease(func() { p.openListings.Add(-1) })

	if p.settler.Pending(n.id) {
		return provider.NewListing(nil, provider.StaleUntil(p.settler.Watch(n.id)), release), nil
	}

	entries := make([]provider.Entry, 0, len(n.children))
	for _, id := range n.children {
		c := p.nodes[id]
		entries = append(entries, provider.Entry{
			ID:    c.id,
			Name:  c.name,
			IsDir: c.kind == provider.KindDirectory,
		})
	}
	return provider.NewListing(entries, release), nil
}

// CreateDirectory implements provider.Provider.
func (p *Provider) CreateDirectory(_ context.Context, parent *provider.Handle, name string) (*provider.Handle, error) {
	return p.create(parent, name, provider.KindDirectory)
}

// CreateFile implements provider.Provider.
func (p *Provider) CreateFile(_ context.Context, parent *provider.Handle, name, _ string) (*provider.Handle, error) {
	return p.create(parent, name, provider.KindFile)
}

// Delete implements provider.Provider.
func (p *Provider) Delete(_ context.Context, h *provider.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.nodes[h.ID]
	if !ok || n.id == rootID {
		return fmt.Errorf("delete %q: %w", h.Name, fs.ErrNotExist)
	}

	parent := p.nodes[n.parent]
	for i, id := range parent.children {
		if id == n.id {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			break
		}
	}
	p.removeTree(n)
	p.settler.Touch(parent.id)
	return nil
}

// OpenReader implements provider.Provider.
func (p *Provider) OpenReader(_ context.Context, h *provider.Handle) (io.ReadCloser, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n, err := p.file(h)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(n.data))), nil
}

// OpenWriter implements provider.Provider.
func (p *Provider) OpenWriter(_ context.Context, h *provider.Handle) (io.WriteCloser, error) {
	p.mu.RLock()
	_, err := p.file(h)
	p.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return &writer{p: p, id: h.ID}, nil
}

// Hold keeps listings of dir stale until Settle is called.
func (p *Provider) Hold(dir *provider.Handle) {
	p.settler.Hold(dir.ID)
}

// Settle ends the stale window of dir and fires its change notification.
func (p *Provider) Settle(dir *provider.Handle) {
	p.settler.Settle(dir.ID)
}

// RefuseCreate makes creation of nodes with the given names return nothing.
func (p *Provider) RefuseCreate(names ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range names {
		p.refuse[n] = true
	}
}

// Queries returns the number of Query calls served.
func (p *Provider) Queries() int64 {
	return p.queries.Load()
}

// OpenListings returns the number of listings not yet closed.
func (p *Provider) OpenListings() int64 {
	return p.openListings.Load()
}

// Count returns the number of nodes named name anywhere in the tree.
func (p *Provider) Count(name string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	count := 0
	for _, n := range p.nodes {
		if n.id != rootID && n.name == name {
			count++
		}
	}
	return count
}

func (p *Provider) create(parent *provider.Handle, name string, kind provider.Kind) (*provider.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dir, err := p.dir(parent)
	if err != nil {
		return nil, err
	}
	if p.refuse[name] {
		return nil, nil
	}

	actual := name
	for i := 1; p.hasChild(dir, actual); i++ {
		if p.opts.KeepNameOnCollision {
			return nil, fmt.Errorf("create %q: %w", name, fs.ErrExist)
		}
		actual = fmt.Sprintf("%s (%d)", name, i)
	}

	n := &node{
		id:     uuid.NewString(),
		name:   actual,
		kind:   kind,
		parent: dir.id,
	}
	p.nodes[n.id] = n
	dir.children = append(dir.children, n.id)
	p.settler.Touch(dir.id)

	return &provider.Handle{ID: n.id, Name: n.name, Kind: kind}, nil
}

func (p *Provider) hasChild(dir *node, name string) bool {
	for _, id := range dir.children {
		if p.nodes[id].name == name {
			return true
		}
	}
	return false
}

func (p *Provider) removeTree(n *node) {
	for _, id := range n.children {
		p.removeTree(p.nodes[id])
	}
	delete(p.nodes, n.id)
}

func (p *Provider) dir(h *provider.Handle) (*node, error) {
	n, ok := p.nodes[h.ID]
	if !ok {
		return nil, fmt.Errorf("directory %q: %w", h.Name, fs.ErrNotExist)
	}
	if n.kind != provider.KindDirectory {
		return nil, fmt.Errorf("%q is not a directory", h.Name)
	}
	return n, nil
}

func (p *Provider) file(h *provider.Handle) (*node, error) {
	n, ok := p.nodes[h.ID]
	if !ok {
		return nil, fmt.Errorf("file %q: %w", h.Name, fs.ErrNotExist)
	}
	if n.kind != provider.KindFile {
		return nil, fmt.Errorf("%q is not a file", h.Name)
	}
	return n, nil
}

// writer buffers content and commits it on Close.
type writer struct {
	p      *Provider
	id     string
	buf    bytes.Buffer
	closed bool
}

func (w *writer) Write(b []byte) (int, error) {
	if w.closed {
		return 0, fs.ErrClosed
	}
	return w.buf.Write(b)
}

func (w *writer) Close() error {
	if w.closed {
		return fs.ErrClosed
	}
	w.closed = true

	w.p.mu.Lock()
	defer w.p.mu.Unlock()

	n, ok := w.p.nodes[w.id]
	if !ok {
		return fmt.Errorf("commit: %w", fs.ErrNotExist)
	}
	n.data = bytes.Clone(w.buf.Bytes())
	return nil
}
