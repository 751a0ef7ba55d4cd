// Package storage downloads payload artifacts from S3 compatible object
// storage.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/xam-io/kioskd/pkg/errors"
)

// Scheme prefixes remote artifact locators.
const Scheme = "s3://"

// Object names one object in a bucket.
type Object struct {
	Bucket string
	Key    string
}

func (o Object) String() string {
	return Scheme + o.Bucket + "/" + o.Key
}

// ParseLocator splits an s3://bucket/key locator. ok is false when the
// locator does not use the s3 scheme; err is set when it does but is
// malformed.
func ParseLocator(locator string) (obj Object, ok bool, err error) {
	if !strings.HasPrefix(locator, Scheme) {
		return Object{}, false, nil
	}
	rest := strings.TrimPrefix(locator, Scheme)
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || strings.Trim(key, "/") == "" {
		return Object{}, true, fmt.Errorf("malformed object locator %q: want s3://bucket/key", locator)
	}
	return Object{Bucket: bucket, Key: key}, true, nil
}

// Client provides S3 storage operations
type Client struct {
	s3Client *s3.Client
}

// NewClient creates an S3 client. With anonymous set, requests are unsigned
// (public buckets); otherwise the default AWS credential chain is used.
func NewClient(ctx context.Context, region, endpoint string, anonymous bool) (*Client, error) {
	slog.Info("s3_client_init", "region", region, "endpoint", endpoint, "anonymous", anonymous)

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if anonymous {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &Client{s3Client: s3Client}, nil
}

// DownloadResult contains download metadata
type DownloadResult struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// Download writes obj to localPath and computes its SHA256. The object is
// streamed into a temporary file next to localPath and renamed into place
// once complete, so localPath either does not exist or is whole.
func (c *Client) Download(ctx context.Context, obj Object, localPath string) (*DownloadResult, error) {
	slog.Info("s3_download_start", "object", obj.String(), "local_path", localPath)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(obj.Bucket),
		Key:    aws.String(obj.Key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "object", obj.String(), "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create cache dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
	if err != nil {
		slog.Error("local_file_creation_failed", "path", localPath, "error", err)
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), result.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		slog.Error("s3_download_failed", "object", obj.String(), "error", err)
		return nil, errors.Wrap(err, "failed to download file")
	}

	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return nil, errors.Wrap(err, "failed to move download into place")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	slog.Info("s3_download_complete",
		"object", obj.String(),
		"size_mb", size/1024/1024,
		"local_path", localPath,
		"sha256", checksum[:16]+"...",
	)

	return &DownloadResult{
		LocalPath: localPath,
		SHA256:    checksum,
		Size:      size,
	}, nil
}

// Exists checks if an object exists in S3
func (c *Client) Exists(ctx context.Context, obj Object) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(obj.Bucket),
		Key:    aws.String(obj.Key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		slog.Error("s3_head_object_failed", "object", obj.String(), "error", err)
		return false, errors.Wrap(err, "failed to check object existence")
	}
	return true, nil
}
