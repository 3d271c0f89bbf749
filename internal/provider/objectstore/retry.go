package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"
)

// RetryConfig holds retry configuration for object store operations.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryingClient wraps a Client with retry logic. Put is not retried
// because its body is a stream that cannot be replayed.
type RetryingClient struct {
	client Client
	config RetryConfig
}

// NewRetryingClient creates a new client wrapper with retry logic.
func NewRetryingClient(client Client, config RetryConfig) *RetryingClient {
	return &RetryingClient{
		client: client,
		config: config,
	}
}

// Type implements Client.
func (r *RetryingClient) Type() string {
	return r.client.Type()
}

// Put implements Client.
func (r *RetryingClient) Put(ctx context.Context, key string, body io.Reader) error {
	return r.client.Put(ctx, key, body)
}

// Get implements Client with retry logic.
func (r *RetryingClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var result io.ReadCloser
	err := r.retry(ctx, func() error {
		var err error
		result, err = r.client.Get(ctx, key)
		return err
	})
	return result, err
}

// Delete implements Client with retry logic.
func (r *RetryingClient) Delete(ctx context.Context, key string) error {
	return r.retry(ctx, func() error {
		return r.client.Delete(ctx, key)
	})
}

// List implements Client with retry logic.
func (r *RetryingClient) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var result []ObjectInfo
	err := r.retry(ctx, func() error {
		var err error
		result, err = r.client.List(ctx, prefix)
		return err
	})
	return result, err
}

// Close closes the wrapped client if it holds connections.
func (r *RetryingClient) Close() error {
	if c, ok := r.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// retry executes a function with exponential backoff retry logic.
// Missing objects are not retried.
func (r *RetryingClient) retry(ctx context.Context, fn func() error) error {
	delay := r.config.InitialDelay

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return err
		}

		if attempt == r.config.MaxAttempts {
			return fmt.Errorf("operation failed after %d attempts: %w", r.config.MaxAttempts, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * r.config.Multiplier)
		if delay > r.config.MaxDelay {
			delay = r.config.MaxDelay
		}
	}

	return nil
}
