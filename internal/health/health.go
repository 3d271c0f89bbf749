// Package health provides health checks for the backup storage layer.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imedwei/docprovider-backup/internal/provider"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
)

// DefaultCheckTimeout bounds a single health check.
const DefaultCheckTimeout = 10 * time.Second

// Check represents a health check result.
type Check struct {
	Status    Status         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// CheckFunc performs one health check.
type CheckFunc func(context.Context) Check

// Checker runs registered health checks.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	timeout time.Duration
}

// NewChecker creates a new health checker. Each check runs with timeout;
// a non-positive timeout selects DefaultCheckTimeout.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &Checker{
		checks:  make(map[string]CheckFunc),
		timeout: timeout,
	}
}

// RegisterCheck registers a health check function.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// CheckHealth runs all registered health checks concurrently.
func (c *Checker) CheckHealth(ctx context.Context) map[string]Check {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	var mu sync.Mutex
	var wg sync.WaitGroup
	results := make(map[string]Check, len(checks))
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			result := check(checkCtx)
			mu.Lock()
			results[name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// Handler returns an HTTP handler for health checks.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := c.CheckHealth(r.Context())

		overallStatus := StatusHealthy
		for _, check := range results {
			if check.Status == StatusUnhealthy {
				overallStatus = StatusUnhealthy
				break
			}
		}

		response := struct {
			Status    Status           `json:"status"`
			Checks    map[string]Check `json:"checks"`
			Timestamp time.Time        `json:"timestamp"`
		}{
			Status:    overallStatus,
			Checks:    results,
			Timestamp: time.Now(),
		}

		w.Header().Set("Content-Type", "application/json")
		if overallStatus == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		// Headers are already sent, nothing useful to do on failure
		_ = json.NewEncoder(w).Encode(response)
	}
}

// Hierarchy is the part of the backup hierarchy cache the storage check uses.
type Hierarchy interface {
	Root(ctx context.Context) (*provider.Handle, error)
	Token() uint64
	Status() map[string]string
}

// StorageCheck reports whether the backup root resolves on the configured
// storage location.
func StorageCheck(h Hierarchy) CheckFunc {
	return func(ctx context.Context) Check {
		details := map[string]any{
			"token":   h.Token(),
			"entries": h.Status(),
		}

		root, err := h.Root(ctx)
		switch {
		case err != nil:
			details["error"] = err.Error()
		case root == nil:
			details["error"] = "backup root unavailable"
		default:
			return Check{Status: StatusHealthy, Timestamp: time.Now(), Details: details}
		}
		return Check{Status: StatusUnhealthy, Timestamp: time.Now(), Details: details}
	}
}

// Readiness tracks whether the first backup session has started.
type Readiness struct {
	ready atomic.Bool
}

// MarkReady marks the service ready.
func (r *Readiness) MarkReady() {
	r.ready.Store(true)
}

// Handler returns the readiness HTTP handler.
func (r *Readiness) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !r.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("starting\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	}
}

// LivenessHandler returns a simple liveness check handler.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive\n"))
	}
}
