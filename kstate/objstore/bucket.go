// Package objstore keeps workspace snapshots in an S3 compatible bucket.
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrNotFound = errors.New("objstore: object not found")

// Bucket stores objects under keys of one bucket.
type Bucket struct {
	client *minio.Client
	name   string
	log    *slog.Logger

	accessKey string
	secretKey string
	secure    bool
	region    string
}

// Option is a function that configures a Bucket
type Option func(*Bucket)

// WithCredentials sets static access keys
var WithCredentials = func(accessKey, secretKey string) Option {
	return func(b *Bucket) {
		b.accessKey, b.secretKey = accessKey, secretKey
	}
}

// WithSecure enables TLS
var WithSecure = func(secure bool) Option {
	return func(b *Bucket) {
		b.secure = secure
	}
}

// WithRegion sets the bucket region
var WithRegion = func(region string) Option {
	return func(b *Bucket) {
		b.region = region
	}
}

// WithLog sets the logger
var WithLog = func(log *slog.Logger) Option {
	return func(b *Bucket) {
		b.log = log
	}
}

// New connects to endpoint (host:port). Without credentials the standard
// AWS environment variables are used.
func New(endpoint, bucket string, opts ...Option) (*Bucket, error) {
	if bucket == "" {
		return nil, errors.New("objstore: bucket name is required")
	}
	b := &Bucket{name: bucket, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(b)
	}

	creds := credentials.NewEnvAWS()
	if b.accessKey != "" {
		creds = credentials.NewStaticV4(b.accessKey, b.secretKey, "")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: b.secure,
		Region: b.region,
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: %w", err)
	}
	b.client = client
	return b, nil
}

func (b *Bucket) Name() string {
	return b.name
}

// Ensure creates the bucket unless it exists.
func (b *Bucket) Ensure(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.name)
	if err != nil {
		return fmt.Errorf("objstore: check bucket %s: %w", b.name, err)
	}
	if exists {
		return nil
	}
	if err := b.client.MakeBucket(ctx, b.name, minio.MakeBucketOptions{Region: b.region}); err != nil {
		return fmt.Errorf("objstore: create bucket %s: %w", b.name, err)
	}
	b.log.Info("Created bucket", "bucket", b.name)
	return nil
}

func (b *Bucket) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.name, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("objstore: put %s: %w", key, err)
	}
	return nil
}

// Get returns ErrNotFound for missing keys.
func (b *Bucket) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.name, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, b.wrap(key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, b.wrap(key, err)
	}
	return data, nil
}

// PutDir uploads every file below dir to prefix/<relative path> and
// returns the number of files.
func (b *Bucket) PutDir(ctx context.Context, dir, prefix string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := ObjectKey(prefix, rel)
		if _, err := b.client.FPutObject(ctx, b.name, key, p, minio.PutObjectOptions{}); err != nil {
			return fmt.Errorf("objstore: upload %s: %w", key, err)
		}
		n++
		return nil
	})
	b.log.Debug("Uploaded directory", "dir", dir, "prefix", prefix, "files", n)
	return n, err
}

// GetDir downloads every object below prefix into dir and returns the
// number of files.
func (b *Bucket) GetDir(ctx context.Context, prefix, dir string) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prefix = strings.TrimSuffix(prefix, "/") + "/"
	n := 0
	for obj := range b.client.ListObjects(ctx, b.name, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return n, fmt.Errorf("objstore: list %s: %w", prefix, obj.Err)
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		target, err := localPath(dir, rel)
		if err != nil {
			return n, err
		}
		if err := b.client.FGetObject(ctx, b.name, obj.Key, target, minio.GetObjectOptions{}); err != nil {
			return n, fmt.Errorf("objstore: download %s: %w", obj.Key, err)
		}
		n++
	}
	b.log.Debug("Downloaded directory", "prefix", prefix, "dir", dir, "files", n)
	return n, nil
}

func (b *Bucket) wrap(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, b.name, key)
	}
	return fmt.Errorf("objstore: get %s: %w", key, err)
}

// ObjectKey joins a key prefix and a relative file path.
func ObjectKey(prefix, rel string) string {
	return path.Join(prefix, filepath.ToSlash(rel))
}

// localPath maps a relative object key below dir, refusing keys that would
// escape it.
func localPath(dir, rel string) (string, error) {
	if rel == "" || strings.HasSuffix(rel, "/") {
		return "", fmt.Errorf("objstore: not a file key %q", rel)
	}
	clean := filepath.FromSlash(path.Clean("/" + rel))[1:]
	if clean != filepath.FromSlash(rel) {
		return "", fmt.Errorf("objstore: unsafe key %q", rel)
	}
	target := filepath.Join(dir, clean)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	return target, nil
}
