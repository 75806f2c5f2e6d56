// Package payload abstracts read access to nar payload bytes, so the HTTP
// server can serve from either a local nar directory or an S3-compatible
// object store without knowing which. Writing payloads is out of scope for
// this core (see SPEC_FULL.md); both implementations are grounded on the
// read paths of the teacher repo's storage package (storage/storage.go,
// storage/s3.go), trimmed to the read-only subset and generalized to
// support byte-range opens for Range request handling.
package payload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Storage is read-only access to nar payload bytes keyed by hash.
type Storage interface {
	// Stat reports the size of filename, and whether it exists.
	Stat(ctx context.Context, filename string) (size int64, exists bool, err error)
	// OpenRange opens filename for reading starting at byte offset start
	// (inclusive) through the end of the file.
	OpenRange(ctx context.Context, filename string, start int64) (io.ReadCloser, error)
}

// FileSystem implements Storage by reading files under a base directory.
type FileSystem struct {
	basePath string
}

// NewFileSystem returns a FileSystem storage backend rooted at basePath.
func NewFileSystem(basePath string) *FileSystem {
	return &FileSystem{basePath: basePath}
}

func (fs *FileSystem) Stat(ctx context.Context, filename string) (int64, bool, error) {
	info, err := os.Stat(filepath.Join(fs.basePath, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return info.Size(), true, nil
}

func (fs *FileSystem) OpenRange(ctx context.Context, filename string, start int64) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(fs.basePath, filename))
	if err != nil {
		return nil, err
	}
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek to %d: %w", start, err)
		}
	}
	return f, nil
}

// S3Config configures the S3 storage backend.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// S3 implements Storage against an S3-compatible object store.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ Storage = (*S3)(nil)

// NewS3 constructs an S3 storage backend from cfg.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("payload: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3) key(filename string) string {
	return filepath.Join(s.prefix, filename)
}

func (s *S3) Stat(ctx context.Context, filename string) (int64, bool, error) {
	output, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(filename)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if output.ContentLength == nil {
		return 0, true, nil
	}
	return *output.ContentLength, true, nil
}

func (s *S3) OpenRange(ctx context.Context, filename string, start int64) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(filename)),
	}
	if start > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", start))
	}

	output, err := s.client.GetObject(ctx, input)
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	return output.Body, nil
}
