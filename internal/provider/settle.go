package provider

import (
	"sync"
	"time"
)

// Settler tracks directories whose listings lag behind recent mutations.
// A touched directory stays pending for the settle delay; when it settles,
// every registered watcher is notified once.
type Settler struct {
	mu      sync.Mutex
	delay   time.Duration
	pending map[string]*pendingDir
}

type pendingDir struct {
	gen      uint64
	timer    *time.Timer
	watchers map[uint64]func()
	nextID   uint64
}

// NewSettler creates a Settler. A non-positive delay disables staleness
// for Touch; Hold still works.
func NewSettler(delay time.Duration) *Settler {
	return &Settler{
		delay:   delay,
		pending: make(map[string]*pendingDir),
	}
}

// Touch records a mutation of dirID, restarting its settle window.
func (s *Settler) Touch(dirID string) {
	if s.delay <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.get(dirID)
	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(s.delay, func() {
		s.settle(dirID, gen, true)
	})
}

// Hold marks dirID pending until Settle is called.
func (s *Settler) Hold(dirID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.get(dirID)
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.gen++
}

// Settle ends the pending window of dirID and notifies its watchers.
func (s *Settler) Settle(dirID string) {
	s.settle(dirID, 0, false)
}

// Pending reports whether listings of dirID are currently stale.
func (s *Settler) Pending(dirID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[dirID]
	return ok
}

// Watch returns the WatchFunc for stale listings of dirID. If the directory
// already settled when the watcher registers, onChange fires immediately.
func (s *Settler) Watch(dirID string) WatchFunc {
	return func(onChange func()) func() {
		s.mu.Lock()
		p, ok := s.pending[dirID]
		if !ok {
			s.mu.Unlock()
			onChange()
			return func() {}
		}
		id := p.nextID
		p.nextID++
		p.watchers[id] = onChange
		s.mu.Unlock()

		return func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if cur, ok := s.pending[dirID]; ok && cur == p {
				delete(p.watchers, id)
			}
		}
	}
}

func (s *Settler) get(dirID string) *pendingDir {
	p, ok := s.pending[dirID]
	if !ok {
		p = &pendingDir{watchers: make(map[uint64]func())}
		s.pending[dirID] = p
	}
	return p
}

func (s *Settler) settle(dirID string, gen uint64, checkGen bool) {
	s.mu.Lock()
	p, ok := s.pending[dirID]
	if !ok || (checkGen && p.gen != gen) {
		s.mu.Unlock()
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(s.pending, dirID)
	watchers := p.watchers
	s.mu.Unlock()

	for _, fn := range watchers {
		fn()
	}
}
