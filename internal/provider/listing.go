package provider

import "sync"

// WatchFunc registers onChange to be called once when the provider believes
// a stale listing has refreshed. The returned stop func unregisters it.
type WatchFunc func(onChange func()) (stop func())

// Listing is one directory's children at a point in time. A listing holds
// provider resources until Close is called.
type Listing struct {
	Entries []Entry

	stale   bool
	watch   WatchFunc
	release func()
	once    sync.Once
}

// ListingOption configures a Listing.
type ListingOption func(*Listing)

// StaleUntil marks the listing as still loading. watch is used to wait for
// the provider's refresh notification.
func StaleUntil(watch WatchFunc) ListingOption {
	return func(l *Listing) {
		l.stale = true
		l.watch = watch
	}
}

// OnRelease sets the function that frees the listing's provider resources.
func OnRelease(fn func()) ListingOption {
	return func(l *Listing) {
		l.release = fn
	}
}

// NewListing creates a listing over entries.
func NewListing(entries []Entry, opts ...ListingOption) *Listing {
	l := &Listing{Entries: entries}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Stale reports whether the provider flagged the listing as not yet
// reflecting recent mutations.
func (l *Listing) Stale() bool {
	return l.stale
}

// Watch registers onChange with the provider's change notification for this
// listing. Listings without a notification source never fire.
func (l *Listing) Watch(onChange func()) (stop func()) {
	if l.watch == nil {
		return func() {}
	}
	return l.watch(onChange)
}

// Close releases the listing. It is safe to call more than once; the
// underlying release runs exactly once.
func (l *Listing) Close() {
	l.once.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}
