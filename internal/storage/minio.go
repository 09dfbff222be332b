package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"attachkit/internal/attach"
)

// MinioConfig holds the connection details of a MinIO bucket.
type MinioConfig struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// MinioStorage stores files in a MinIO bucket through minio-go.
type MinioStorage struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ attach.Storage = (*MinioStorage)(nil)

// NewMinioStorage creates a MinIO client. It does not contact the server;
// call EnsureBucket for that.
func NewMinioStorage(cfg MinioConfig) (*MinioStorage, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("minio: endpoint and bucket are required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio new client: %w", err)
	}
	return &MinioStorage{
		client: mc,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// EnsureBucket creates the bucket if it does not already exist.
func (m *MinioStorage) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket: %w", err)
	}
	return nil
}

func (m *MinioStorage) key(id string) string {
	if m.prefix == "" {
		return id
	}
	return path.Join(m.prefix, id)
}

// Upload streams r into the bucket. size may be -1.
func (m *MinioStorage) Upload(ctx context.Context, id string, r io.Reader, size int64) error {
	if err := validateID(id); err != nil {
		return err
	}
	if _, err := m.client.PutObject(ctx, m.bucket, m.key(id), r, size, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("put object %q: %w", id, err)
	}
	return nil
}

// Open returns the object content. minio-go opens objects lazily, so the
// object is stat'ed first to report missing files up front.
func (m *MinioStorage) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, m.key(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, mapMinioError(id, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, mapMinioError(id, err)
	}
	return obj, nil
}

func (m *MinioStorage) Exists(ctx context.Context, id string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, m.key(id), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if err = mapMinioError(id, err); errors.Is(err, attach.ErrFileNotFound) {
		return false, nil
	}
	return false, err
}

func (m *MinioStorage) Delete(ctx context.Context, id string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, m.key(id), minio.RemoveObjectOptions{}); err != nil {
		if err = mapMinioError(id, err); !errors.Is(err, attach.ErrFileNotFound) {
			return fmt.Errorf("remove object %q: %w", id, err)
		}
	}
	return nil
}

func mapMinioError(id string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return notFound(id)
	}
	return err
}
