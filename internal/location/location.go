package location

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/imedwei/docprovider-backup/internal/config"
	"github.com/imedwei/docprovider-backup/internal/provider"
)

// Flags persists the one-shot storage-changed flag.
type Flags interface {
	MarkStorageChanged(ctx context.Context) error
	GetAndResetStorageChanged(ctx context.Context) (bool, error)
}

// OpenFunc creates a provider for a configuration.
type OpenFunc func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (provider.Provider, error)

// Location tracks the configured storage location. The provider is opened
// on first use and kept until the location changes, so hierarchy resets do
// not reconnect.
type Location struct {
	flags  Flags
	open   OpenFunc
	logger *slog.Logger

	mu       sync.Mutex
	cfg      *config.Config
	provider provider.Provider
}

// New creates a location for cfg. A nil cfg means no location is configured.
func New(cfg *config.Config, flags Flags, logger *slog.Logger) *Location {
	return NewWithOpener(cfg, flags, NewProvider, logger)
}

// NewWithOpener creates a location that opens providers with open.
func NewWithOpener(cfg *config.Config, flags Flags, open OpenFunc, logger *slog.Logger) *Location {
	return &Location{
		flags:  flags,
		open:   open,
		logger: logger,
		cfg:    cfg,
	}
}

// StorageRoot returns the provider and its root directory.
func (l *Location) StorageRoot(ctx context.Context) (provider.Provider, *provider.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg == nil {
		return nil, nil, nil
	}
	if l.provider == nil {
		p, err := l.open(ctx, l.cfg, l.logger)
		if err != nil {
			return nil, nil, err
		}
		l.provider = p
		l.logger.Info("Storage location opened", "provider", p.Type(), "root", l.cfg.StorageRoot)
	}
	return l.provider, l.provider.Root(), nil
}

// StorageChanged reports and clears the storage-changed flag.
func (l *Location) StorageChanged(ctx context.Context) (bool, error) {
	return l.flags.GetAndResetStorageChanged(ctx)
}

// Change switches to a new storage location and marks the change so the
// next session starts a fresh backup set.
func (l *Location) Change(ctx context.Context, cfg *config.Config) error {
	l.mu.Lock()
	old := l.provider
	l.cfg = cfg
	l.provider = nil
	l.mu.Unlock()

	if c, ok := old.(io.Closer); ok {
		if err := c.Close(); err != nil {
			l.logger.Warn("Failed to close previous storage", "error", err)
		}
	}

	if err := l.flags.MarkStorageChanged(ctx); err != nil {
		return fmt.Errorf("failed to mark storage changed: %w", err)
	}
	return nil
}

// Close releases the open provider.
func (l *Location) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.provider.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
