// Package config holds the Kong CLI flag groups shared between the
// ingest-channel and serve subcommands (storage backend selection,
// catalog location, logging verbosity), grounded on the teacher repo's
// cmd/depot/main.go: the same S3Flags shape, the same fs/s3 storage-type
// switch, and the same verbose-flag-driven slog.JSONHandler setup.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ncmirror/ncmirror/internal/payload"
)

// Globals holds flags common to every subcommand.
type Globals struct {
	Verbose bool `help:"Enable debug logging" short:"v" env:"NCMIRROR_VERBOSE"`
}

// NewLogger builds the process-wide structured logger.
func (g Globals) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{}
	if g.Verbose {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// S3Flags configures the S3 payload storage backend.
type S3Flags struct {
	Bucket          string `help:"S3 bucket name (required when storage-type=s3)" env:"NCMIRROR_S3_BUCKET"`
	Region          string `help:"S3 region" default:"us-east-1" env:"NCMIRROR_S3_REGION"`
	Endpoint        string `help:"S3 endpoint URL (for MinIO/custom endpoints)" env:"NCMIRROR_S3_ENDPOINT"`
	AccessKeyID     string `help:"S3 access key ID (uses IAM role if not set)" env:"NCMIRROR_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `help:"S3 secret access key (uses IAM role if not set)" env:"NCMIRROR_S3_SECRET_ACCESS_KEY"`
	ForcePathStyle  bool   `help:"Use path-style S3 URLs (required for MinIO)" env:"NCMIRROR_S3_FORCE_PATH_STYLE"`
}

// StorageFlags selects and configures the payload.Storage backend.
type StorageFlags struct {
	StorageType string  `help:"Payload storage backend (fs or s3)" default:"fs" enum:"fs,s3" env:"NCMIRROR_STORAGE_TYPE"`
	StorePath   string  `help:"Path to the local nar payload directory (fs backend) and default catalog location" default:"" env:"NCMIRROR_STORE_PATH"`
	S3          S3Flags `embed:"" prefix:"s3-"`
}

// ResolvedStorePath returns StorePath, defaulting to ~/ncmirror-store and
// creating the directory on the fs backend.
func (f *StorageFlags) ResolvedStorePath() (string, error) {
	if f.StorePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("config: get user home directory: %w", err)
		}
		f.StorePath = filepath.Join(home, "ncmirror-store")
	}
	if f.StorageType == "fs" {
		if err := os.MkdirAll(f.StorePath, 0o755); err != nil {
			return "", fmt.Errorf("config: create store directory: %w", err)
		}
	}
	return f.StorePath, nil
}

// Build constructs the payload.Storage backend the flags describe.
func (f *StorageFlags) Build(ctx context.Context) (payload.Storage, error) {
	switch f.StorageType {
	case "s3":
		if f.S3.Bucket == "" {
			return nil, fmt.Errorf("config: --s3-bucket must be set when --storage-type=s3")
		}
		return payload.NewS3(ctx, payload.S3Config{
			Bucket:          f.S3.Bucket,
			Prefix:          "nar/",
			Region:          f.S3.Region,
			Endpoint:        f.S3.Endpoint,
			AccessKeyID:     f.S3.AccessKeyID,
			SecretAccessKey: f.S3.SecretAccessKey,
			ForcePathStyle:  f.S3.ForcePathStyle,
		})
	case "fs":
		storePath, err := f.ResolvedStorePath()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(storePath, 0o755); err != nil {
			return nil, fmt.Errorf("config: create store directory: %w", err)
		}
		return payload.NewFileSystem(storePath), nil
	default:
		return nil, fmt.Errorf("config: unknown storage type %q", f.StorageType)
	}
}

// ResolveCatalogPath returns catalogPath, defaulting to a file named
// catalog.db under storePath when catalogPath is empty.
func ResolveCatalogPath(catalogPath, storePath string) string {
	if catalogPath != "" {
		return catalogPath
	}
	return filepath.Join(storePath, "catalog.db")
}
