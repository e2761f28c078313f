package artifact

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioOpts func(c *minioConfig)

type minioConfig struct {
	endpoint        string
	bucket          string
	accessKey       string
	secretAccessKey string
	useSSL          bool
}

func newConfig(opts ...MinioOpts) *minioConfig {
	cfg := &minioConfig{useSSL: false}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

type minioInspector struct {
	cfg    *minioConfig
	client *minio.Client
}

// NewMinioInspector inspects products stored in an S3 compatible object store.
// Paths are either s3://bucket/prefix or keys of the configured bucket.
func NewMinioInspector(opts ...MinioOpts) (Inspector, error) {
	cfg := newConfig(opts...)

	minioClient, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretAccessKey, ""),
		Secure: cfg.useSSL,
	})
	if err != nil {
		return nil, err
	}

	return &minioInspector{cfg: cfg, client: minioClient}, nil
}

func (m *minioInspector) Exists(ctx context.Context, path string) (bool, error) {
	bucket, prefix, err := splitObjectPath(m.cfg.bucket, path)
	if err != nil {
		return false, err
	}

	if _, err := m.client.StatObject(ctx, bucket, prefix, minio.StatObjectOptions{}); err == nil {
		return true, nil
	} else if minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return false, err
	}

	// a product directory is a prefix, not an object
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: dirPrefix(prefix), MaxKeys: 1}) {
		if obj.Err != nil {
			return false, obj.Err
		}
		return true, nil
	}
	return false, nil
}

func (m *minioInspector) Validate(ctx context.Context, path string, layout Layout) error {
	bucket, prefix, err := splitObjectPath(m.cfg.bucket, path)
	if err != nil {
		return err
	}

	root := dirPrefix(prefix)
	var files []string
	for obj := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: root, Recursive: true}) {
		if obj.Err != nil {
			return obj.Err
		}
		files = append(files, strings.TrimPrefix(obj.Key, root))
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: %s", ErrMissing, path)
	}
	return checkLayout(path, files, layout)
}

// splitObjectPath returns the bucket and key of s3://bucket/key, or the default
// bucket and the path itself.
func splitObjectPath(defaultBucket, path string) (string, string, error) {
	if rest, ok := strings.CutPrefix(path, "s3://"); ok {
		bucket, key, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return "", "", fmt.Errorf("invalid object path %q", path)
		}
		return bucket, strings.TrimSuffix(key, "/"), nil
	}
	if defaultBucket == "" {
		return "", "", fmt.Errorf("no bucket configured for %q", path)
	}
	return defaultBucket, strings.Trim(path, "/"), nil
}

func dirPrefix(key string) string {
	if key == "" {
		return ""
	}
	return key + "/"
}

func WithEndpoint(endpoint string) MinioOpts {
	return func(c *minioConfig) {
		c.endpoint = endpoint
	}
}

func WithBucket(bucket string) MinioOpts {
	return func(c *minioConfig) {
		c.bucket = bucket
	}
}

func WithAccessKey(accessKey string) MinioOpts {
	return func(c *minioConfig) {
		c.accessKey = accessKey
	}
}

func WithSecretKey(secretKey string) MinioOpts {
	return func(c *minioConfig) {
		c.secretAccessKey = secretKey
	}
}

func WithSSL(useSSL bool) MinioOpts {
	return func(c *minioConfig) {
		c.useSSL = useSSL
	}
}
