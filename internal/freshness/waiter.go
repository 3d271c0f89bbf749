// Package freshness waits for eventually-consistent directory listings to
// catch up with recent mutations.
package freshness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/imedwei/docprovider-backup/internal/metrics"
	"github.com/imedwei/docprovider-backup/internal/provider"
)

var (
	// ErrProviderUnavailable is returned when a query produced no listing.
	ErrProviderUnavailable = errors.New("document provider unavailable")

	// ErrTimeout is returned when a stale listing did not refresh in time.
	ErrTimeout = errors.New("timed out waiting for fresh listing")
)

// Query produces one listing of a directory.
type Query func(ctx context.Context) (*provider.Listing, error)

// Wait runs query and returns its listing if fresh. A stale listing is held
// until its change notification fires, then query runs exactly once more and
// that result is returned as is, even if it still reports stale. The stale
// listing is released on every exit path.
func Wait(ctx context.Context, query Query, timeout time.Duration) (*provider.Listing, error) {
	listing, err := run(ctx, query)
	if err != nil {
		metrics.RecordListingWait("unavailable")
		return nil, err
	}
	if !listing.Stale() {
		metrics.RecordListingWait("fresh")
		return listing, nil
	}
	defer listing.Close()

	changed := make(chan struct{})
	var once sync.Once
	stop := listing.Watch(func() {
		once.Do(func() { close(changed) })
	})
	defer stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-changed:
	case <-timer.C:
		metrics.RecordListingWait("timeout")
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		metrics.RecordListingWait("cancelled")
		return nil, ctx.Err()
	}

	refreshed, err := run(ctx, query)
	if err != nil {
		metrics.RecordListingWait("unavailable")
		return nil, err
	}
	metrics.RecordListingWait("refreshed")
	return refreshed, nil
}

func run(ctx context.Context, query Query) (*provider.Listing, error) {
	listing, err := query(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	if listing == nil {
		return nil, ErrProviderUnavailable
	}
	return listing, nil
}
