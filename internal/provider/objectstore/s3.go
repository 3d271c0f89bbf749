package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client implements Client for AWS S3 and S3-compatible services.
type S3Client struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// S3Config holds S3-specific configuration.
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Bucket          string
	Endpoint        string // Optional custom endpoint
	Prefix          string // Optional prefix for all keys
	UsePathStyle    bool   // For S3-compatible services
}

// NewS3Client creates a new S3 client.
func NewS3Client(ctx context.Context, cfg S3Config) (*S3Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = cfg.UsePathStyle
		},
	}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)

	return &S3Client{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
	}, nil
}

// Type implements Client.
func (s *S3Client) Type() string {
	return "s3"
}

// Put implements Client. The uploader accepts non-seekable readers and
// switches to multipart for large bodies.
func (s *S3Client) Put(ctx context.Context, key string, r io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.getFullKey(key)),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

// Get implements Client.
func (s *S3Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.getFullKey(key)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("object %q: %w", key, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to read from S3: %w", err)
	}
	return resp.Body, nil
}

// Delete implements Client.
func (s *S3Client) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.getFullKey(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}
	return nil
}

// List implements Client.
func (s *S3Client) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(s.getFullKey(prefix)),
		Delimiter: aws.String(Delimiter),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list S3 objects: %w", err)
		}

		for _, cp := range page.CommonPrefixes {
			objects = append(objects, ObjectInfo{
				Key:      s.stripPrefix(aws.ToString(cp.Prefix)),
				IsPrefix: true,
			})
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          s.stripPrefix(aws.ToString(obj.Key)),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}

	return objects, nil
}

// getFullKey returns the full S3 key with prefix.
func (s *S3Client) getFullKey(key string) string {
	return joinKey(s.prefix, key)
}

// stripPrefix removes the storage prefix from a key.
func (s *S3Client) stripPrefix(key string) string {
	return trimKey(s.prefix, key)
}
