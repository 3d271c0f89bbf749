package backup

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/imedwei/docprovider-backup/internal/config"
	"github.com/imedwei/docprovider-backup/internal/docfs"
	"github.com/imedwei/docprovider-backup/internal/hierarchy"
	"github.com/imedwei/docprovider-backup/internal/metrics"
	"github.com/imedwei/docprovider-backup/internal/provider"
	"github.com/imedwei/docprovider-backup/internal/utils"
)

const payloadMimeType = "application/octet-stream"

// Coordinator drives backup sessions against the hierarchy cache.
type Coordinator struct {
	cache     *hierarchy.Cache
	settings  Settings
	relocator Relocator
	logger    *slog.Logger
	now       func() time.Time
}

// NewCoordinator creates a new backup coordinator.
func NewCoordinator(cache *hierarchy.Cache, settings Settings, relocator Relocator, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cache:     cache,
		settings:  settings,
		relocator: relocator,
		logger:    logger,
		now:       time.Now,
	}
}

// StartSession selects the backup set for a new session. The persisted set
// is reused while it is initialized and unused; otherwise a new token is
// minted, persisted and its directories are created.
func (c *Coordinator) StartSession(ctx context.Context) (uint64, error) {
	token, err := c.settings.ActiveToken(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read active token: %w", err)
	}

	if token != 0 && c.cache.Token() != token {
		c.cache.Reset(token)
	}
	// IsInitialized also consumes the storage-changed flag, so it runs even
	// when there is no persisted set to reuse.
	if c.cache.IsInitialized(ctx) && token != 0 {
		c.logger.Info("Reusing backup set", "token", token)
		return token, nil
	}

	next := utils.NewToken(c.now())
	if next <= token {
		next = token + 1
	}
	if err := c.settings.SetActiveToken(ctx, next); err != nil {
		return 0, fmt.Errorf("failed to persist active token: %w", err)
	}
	c.cache.Reset(next)

	for _, resolve := range []struct {
		name string
		fn   func(context.Context) (*provider.Handle, error)
	}{
		{utils.FormatToken(next), c.cache.CurrentSet},
		{hierarchy.KVDirName, c.cache.CurrentKV},
		{hierarchy.FullDirName, c.cache.CurrentFull},
	} {
		dir, err := resolve.fn(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to initialize backup set: %w", err)
		}
		if dir == nil {
			return 0, &docfs.IOError{Op: "initialize", Name: resolve.name, Err: hierarchy.ErrNotInitialized}
		}
	}

	c.logger.Info("Started new backup set", "token", next, "previous", token)
	return next, nil
}

// WriteKV stores the key-value payload of pkg in the active set.
func (c *Coordinator) WriteKV(ctx context.Context, pkg string, r io.Reader) (int64, error) {
	return c.write(ctx, PayloadKV, c.cache.CurrentKV, pkg, r)
}

// WriteFull stores the full backup payload of pkg in the active set.
func (c *Coordinator) WriteFull(ctx context.Context, pkg string, r io.Reader) (int64, error) {
	return c.write(ctx, PayloadFull, c.cache.CurrentFull, pkg, r)
}

// OpenKV opens the key-value payload of pkg in the set token.
func (c *Coordinator) OpenKV(ctx context.Context, token uint64, pkg string) (io.ReadCloser, error) {
	return c.open(ctx, token, c.cache.KVDir, pkg)
}

// OpenFull opens the full backup payload of pkg in the set token.
func (c *Coordinator) OpenFull(ctx context.Context, token uint64, pkg string) (io.ReadCloser, error) {
	return c.open(ctx, token, c.cache.FullDir, pkg)
}

// ClearKV deletes every key-value payload of the active set.
func (c *Coordinator) ClearKV(ctx context.Context) error {
	return c.clear(ctx, PayloadKV, c.cache.CurrentKV)
}

// ClearFull deletes every full backup payload of the active set.
func (c *Coordinator) ClearFull(ctx context.Context) error {
	return c.clear(ctx, PayloadFull, c.cache.CurrentFull)
}

// RestoreSets returns the tokens of the available backup sets, newest first.
func (c *Coordinator) RestoreSets(ctx context.Context) ([]uint64, error) {
	tokens, err := c.cache.RestoreSets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list restore sets: %w", err)
	}
	return tokens, nil
}

// ChangeStorage moves backups to a new storage location. The next session
// starts a new set there.
func (c *Coordinator) ChangeStorage(ctx context.Context, cfg *config.Config) error {
	if err := c.relocator.Change(ctx, cfg); err != nil {
		return fmt.Errorf("failed to change storage: %w", err)
	}
	c.cache.Reset(c.cache.Token())

	name := "none"
	if cfg != nil {
		name = cfg.StorageProvider
	}
	c.logger.Info("Storage location changed", "provider", name)
	return nil
}

func (c *Coordinator) write(ctx context.Context, kind PayloadType, current func(context.Context) (*provider.Handle, error), pkg string, r io.Reader) (int64, error) {
	if err := validPackage(pkg); err != nil {
		return 0, err
	}
	startTime := time.Now()

	dir, err := current(ctx)
	if err != nil {
		return 0, err
	}
	if dir == nil {
		return 0, &docfs.IOError{Op: "write", Name: string(kind), Err: hierarchy.ErrNotInitialized}
	}
	files, err := c.cache.Files(ctx)
	if err != nil {
		return 0, err
	}

	h, err := files.CreateOrGetFile(ctx, dir, pkg, payloadMimeType)
	if err != nil {
		return 0, err
	}
	out, err := files.OpenOutput(ctx, h)
	if err != nil {
		return 0, err
	}

	progress := utils.NewProgressWriter(out, func(written int64, elapsed time.Duration) {
		c.logger.Debug("Payload write progress",
			"package", pkg,
			"type", kind,
			"written", utils.FormatBytes(written),
			"rate", utils.FormatRate(float64(written)/elapsed.Seconds()),
		)
	})

	buf := utils.DefaultBufferPool.Get()
	defer utils.DefaultBufferPool.Put(buf)

	if _, err := io.CopyBuffer(progress, r, buf); err != nil {
		if closeErr := out.Close(); closeErr != nil {
			c.logger.Warn("Failed to close payload", "package", pkg, "error", closeErr)
		}
		return progress.BytesWritten(), fmt.Errorf("failed to write %s payload %q: %w", kind, pkg, err)
	}
	if err := out.Close(); err != nil {
		return progress.BytesWritten(), fmt.Errorf("failed to commit %s payload %q: %w", kind, pkg, err)
	}

	written := progress.BytesWritten()
	duration := time.Since(startTime)
	metrics.PayloadBytes.WithLabelValues(string(kind)).Add(float64(written))
	metrics.PayloadDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())

	c.logger.Info("Payload written",
		"package", pkg,
		"type", kind,
		"bytes_written", written,
		"duration", duration,
	)
	return written, nil
}

func (c *Coordinator) open(ctx context.Context, token uint64, dirFor func(context.Context, uint64) (*provider.Handle, error), pkg string) (io.ReadCloser, error) {
	if err := validPackage(pkg); err != nil {
		return nil, err
	}

	dir, err := dirFor(ctx, token)
	if err != nil {
		return nil, err
	}
	files, err := c.cache.Files(ctx)
	if err != nil {
		return nil, err
	}

	h, err := files.LookupChild(ctx, dir, pkg)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, &docfs.IOError{Op: "open", Name: pkg, Err: fs.ErrNotExist}
	}
	return files.OpenInput(ctx, h)
}

func (c *Coordinator) clear(ctx context.Context, kind PayloadType, current func(context.Context) (*provider.Handle, error)) error {
	dir, err := current(ctx)
	if err != nil {
		return err
	}
	if dir == nil {
		return &docfs.IOError{Op: "clear", Name: string(kind), Err: hierarchy.ErrNotInitialized}
	}
	files, err := c.cache.Files(ctx)
	if err != nil {
		return err
	}

	if err := files.DeleteContents(ctx, dir); err != nil {
		return fmt.Errorf("failed to clear %s payloads: %w", kind, err)
	}
	c.logger.Info("Cleared payloads", "type", kind, "token", c.cache.Token())
	return nil
}

func validPackage(pkg string) error {
	if pkg == "" || pkg == "." || pkg == ".." || strings.ContainsAny(pkg, `/\`) {
		return fmt.Errorf("invalid package name %q", pkg)
	}
	return nil
}
