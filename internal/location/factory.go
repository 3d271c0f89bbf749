// Package location resolves the configured storage location into a
// document provider.
package location

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/imedwei/docprovider-backup/internal/config"
	"github.com/imedwei/docprovider-backup/internal/provider"
	"github.com/imedwei/docprovider-backup/internal/provider/local"
	"github.com/imedwei/docprovider-backup/internal/provider/memory"
	"github.com/imedwei/docprovider-backup/internal/provider/objectstore"
)

// NewProvider creates a document provider based on configuration.
func NewProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (provider.Provider, error) {
	var client objectstore.Client
	var err error

	switch cfg.StorageProvider {
	case "memory":
		return memory.New(memory.Options{SettleDelay: cfg.SettleDelay}), nil

	case "local":
		p, err := local.New(cfg.StorageRoot, cfg.PendingMarker, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create local storage: %w", err)
		}
		return p, nil

	case "s3":
		client, err = objectstore.NewS3Client(ctx, objectstore.S3Config{
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			Endpoint:        cfg.S3Endpoint,
			Prefix:          cfg.StorageRoot,
			UsePathStyle:    cfg.S3Endpoint != "", // Use path style for custom endpoints
		})

	case "gcs":
		if err := objectstore.ValidateServiceAccountJSON(cfg.GoogleServiceAccountJSON); err != nil {
			return nil, fmt.Errorf("invalid GCS service account: %w", err)
		}
		client, err = objectstore.NewGCSClient(ctx, objectstore.GCSConfig{
			Bucket:             cfg.GCSBucket,
			ProjectID:          cfg.GoogleProjectID,
			ServiceAccountJSON: cfg.GoogleServiceAccountJSON,
			Prefix:             cfg.StorageRoot,
		})

	default:
		return nil, fmt.Errorf("unsupported storage provider: %s", cfg.StorageProvider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s storage: %w", cfg.StorageProvider, err)
	}

	// Wrap with retry logic
	retrying := objectstore.NewRetryingClient(client, objectstore.DefaultRetryConfig())
	return objectstore.New(retrying, cfg.SettleDelay, logger), nil
}
