// Package objectstore serves content files from an S3-compatible bucket.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strings"

	"forge/api/internal/scope"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
	Region    string
	Transport http.RoundTripper
}

// Source maps content path p to object <prefix>/<p>.
type Source struct {
	client *minio.Client
	bucket string
	prefix string
}

func New(cfg Config) (*Source, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("objectstore: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
		Transport:    cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Source{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *Source) key(clean string) string {
	if s.prefix == "" {
		return clean
	}
	return s.prefix + "/" + clean
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Source) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// ReadContent fetches the object for path. Missing objects fail with
// fs.ErrNotExist and paths outside allowedRoots with scope.ErrOutOfScope.
func (s *Source) ReadContent(ctx context.Context, path string, allowedRoots []string) (string, error) {
	clean, ok := scope.CleanPath(path)
	if !ok || !scope.Within(clean, allowedRoots) {
		return "", fmt.Errorf("read %s: %w", path, scope.ErrOutOfScope)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, s.key(clean), minio.GetObjectOptions{})
	if err != nil {
		return "", s.mapError(clean, err)
	}
	defer obj.Close()

	raw, err := io.ReadAll(obj)
	if err != nil {
		return "", s.mapError(clean, err)
	}
	return string(raw), nil
}

// WriteContent uploads content for path.
func (s *Source) WriteContent(ctx context.Context, path, content string) error {
	clean, ok := scope.CleanPath(path)
	if !ok {
		return fmt.Errorf("write %s: %w", path, scope.ErrOutOfScope)
	}
	_, err := s.client.PutObject(ctx, s.bucket, s.key(clean), bytes.NewReader([]byte(content)), int64(len(content)), minio.PutObjectOptions{
		ContentType:          "text/markdown; charset=utf-8",
		DisableContentSha256: true,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", clean, err)
	}
	return nil
}

func (s *Source) mapError(clean string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("read %s from %s: %w", clean, s.bucket, fs.ErrNotExist)
	}
	return fmt.Errorf("read %s from %s: %w", clean, s.bucket, err)
}
