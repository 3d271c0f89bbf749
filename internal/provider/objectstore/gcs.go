package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSClient implements Client for Google Cloud Storage.
type GCSClient struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds GCS-specific configuration.
type GCSConfig struct {
	Bucket             string
	ProjectID          string
	ServiceAccountJSON string
	Prefix             string // Optional prefix for all keys
}

// NewGCSClient creates a new GCS client.
func NewGCSClient(ctx context.Context, cfg GCSConfig) (*GCSClient, error) {
	var opts []option.ClientOption
	if cfg.ServiceAccountJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.ServiceAccountJSON)))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSClient{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Type implements Client.
func (g *GCSClient) Type() string {
	return "gcs"
}

// Put implements Client.
func (g *GCSClient) Put(ctx context.Context, key string, r io.Reader) error {
	w := g.client.Bucket(g.bucket).Object(g.getFullKey(key)).NewWriter(ctx)

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to upload to GCS: %w", err)
	}

	// Close completes the upload
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize GCS upload: %w", err)
	}
	return nil
}

// Get implements Client.
func (g *GCSClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := g.client.Bucket(g.bucket).Object(g.getFullKey(key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("object %q: %w", key, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to read from GCS: %w", err)
	}
	return r, nil
}

// Delete implements Client.
func (g *GCSClient) Delete(ctx context.Context, key string) error {
	if err := g.client.Bucket(g.bucket).Object(g.getFullKey(key)).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

// List implements Client.
func (g *GCSClient) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo

	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{
		Prefix:    g.getFullKey(prefix),
		Delimiter: Delimiter,
	})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects: %w", err)
		}

		// Synthetic prefixes only carry the Prefix field
		if attrs.Prefix != "" {
			objects = append(objects, ObjectInfo{
				Key:      g.stripPrefix(attrs.Prefix),
				IsPrefix: true,
			})
			continue
		}
		objects = append(objects, ObjectInfo{
			Key:          g.stripPrefix(attrs.Name),
			Size:         attrs.Size,
			LastModified: attrs.Updated,
		})
	}

	return objects, nil
}

// Close closes the GCS client connection.
func (g *GCSClient) Close() error {
	return g.client.Close()
}

// getFullKey returns the full GCS object name with prefix.
func (g *GCSClient) getFullKey(key string) string {
	return joinKey(g.prefix, key)
}

// stripPrefix removes the storage prefix from a key.
func (g *GCSClient) stripPrefix(key string) string {
	return trimKey(g.prefix, key)
}

// ValidateServiceAccountJSON validates the service account JSON string.
func ValidateServiceAccountJSON(jsonStr string) error {
	var sa struct {
		Type string `json:"type"`
	}

	if err := json.Unmarshal([]byte(jsonStr), &sa); err != nil {
		return fmt.Errorf("invalid service account JSON: %w", err)
	}

	if sa.Type != "service_account" {
		return fmt.Errorf("invalid service account type: %s", sa.Type)
	}

	return nil
}
