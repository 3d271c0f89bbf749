// Package config handles application configuration from environment
// variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// Storage location
	StorageProvider string `mapstructure:"storage_provider" validate:"required,oneof=memory local s3 gcs"`
	StorageRoot     string `mapstructure:"storage_root"` // directory for local, key prefix for s3/gcs

	// S3 configuration
	AWSAccessKeyID     string `mapstructure:"aws_access_key_id"`
	AWSSecretAccessKey string `mapstructure:"aws_secret_access_key"`
	S3Bucket           string `mapstructure:"s3_bucket"`
	S3Region           string `mapstructure:"s3_region"`
	S3Endpoint         string `mapstructure:"s3_endpoint"` // Optional custom endpoint

	// GCS configuration
	GCSBucket                string `mapstructure:"gcs_bucket"`
	GoogleProjectID          string `mapstructure:"google_project_id"`
	GoogleServiceAccountJSON string `mapstructure:"google_service_account_json"`

	// Listing behavior
	ListingTimeout time.Duration `mapstructure:"listing_timeout" validate:"gt=0"`
	SettleDelay    time.Duration `mapstructure:"settle_delay" validate:"gte=0"`
	PendingMarker  string        `mapstructure:"pending_marker"`

	// Session state
	SettingsDir string `mapstructure:"settings_dir"` // empty keeps settings in memory

	// Logging and metrics
	LogLevel    string `mapstructure:"log_level" validate:"oneof=DEBUG INFO WARN ERROR"`
	LogFormat   string `mapstructure:"log_format" validate:"oneof=text json"`
	MetricsPort int    `mapstructure:"metrics_port" validate:"gte=0,lte=65535"` // 0 disables the server
}

var validate = validator.New()

var defaults = map[string]any{
	"storage_provider": "local",
	"listing_timeout":  15 * time.Second,
	"settle_delay":     2 * time.Second,
	"pending_marker":   ".syncing",
	"log_level":        "INFO",
	"log_format":       "text",
	"metrics_port":     0,
}

var envKeys = []string{
	"storage_root",
	"aws_access_key_id",
	"aws_secret_access_key",
	"s3_bucket",
	"s3_region",
	"s3_endpoint",
	"gcs_bucket",
	"google_project_id",
	"google_service_account_json",
	"settings_dir",
}

// Load reads configuration from environment variables and, when configFile
// is non-empty, from that file. Environment variables take precedence.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", strings.ToUpper(key), err)
		}
	}
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.LogLevel = strings.ToUpper(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	switch c.StorageProvider {
	case "local":
		if c.StorageRoot == "" {
			return fmt.Errorf("STORAGE_ROOT is required for local storage")
		}
	case "s3":
		return c.validateS3()
	case "gcs":
		return c.validateGCS()
	}
	return nil
}

func (c *Config) validateS3() error {
	if c.AWSAccessKeyID == "" {
		return fmt.Errorf("AWS_ACCESS_KEY_ID is required for S3 storage")
	}
	if c.AWSSecretAccessKey == "" {
		return fmt.Errorf("AWS_SECRET_ACCESS_KEY is required for S3 storage")
	}
	if c.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required for S3 storage")
	}
	if c.S3Region == "" && c.S3Endpoint == "" {
		return fmt.Errorf("S3_REGION is required for S3 storage (unless S3_ENDPOINT is set)")
	}
	return nil
}

func (c *Config) validateGCS() error {
	if c.GCSBucket == "" {
		return fmt.Errorf("GCS_BUCKET is required for GCS storage")
	}
	if c.GoogleProjectID == "" {
		return fmt.Errorf("GOOGLE_PROJECT_ID is required for GCS storage")
	}
	if c.GoogleServiceAccountJSON == "" {
		return fmt.Errorf("GOOGLE_SERVICE_ACCOUNT_JSON is required for GCS storage")
	}
	return nil
}

// formatValidationError reports the first failed struct tag using the
// environment variable name of the field.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			envName(e.StructField()), e.Tag(), e.Value())
	}
	return fmt.Errorf("invalid configuration: %w", err)
}

var fieldEnv = map[string]string{
	"StorageProvider": "STORAGE_PROVIDER",
	"ListingTimeout":  "LISTING_TIMEOUT",
	"SettleDelay":     "SETTLE_DELAY",
	"LogLevel":        "LOG_LEVEL",
	"LogFormat":       "LOG_FORMAT",
	"MetricsPort":     "METRICS_PORT",
}

func envName(field string) string {
	if name, ok := fieldEnv[field]; ok {
		return name
	}
	return field
}
