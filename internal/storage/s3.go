package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"attachkit/internal/attach"
)

// S3Config holds the connection details of an S3 or S3-compatible bucket.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // optional, for S3-compatible services
	AccessKeyID     string // optional; the default credential chain is used when empty
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Storage stores files as objects under an optional key prefix.
type S3Storage struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ attach.Storage = (*S3Storage)(nil)

// NewS3Storage creates an S3 client from the default AWS configuration,
// overridden by whatever cfg sets.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return newS3StorageWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3StorageWithClient(client *s3.Client, bucket, prefix string) *S3Storage {
	return &S3Storage{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
	}
}

func (s *S3Storage) key(id string) string {
	if s.prefix == "" {
		return id
	}
	return path.Join(s.prefix, id)
}

// Upload streams r to the bucket. The multipart uploader handles content of
// unknown size.
func (s *S3Storage) Upload(ctx context.Context, id string, r io.Reader, size int64) error {
	if err := validateID(id); err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
		Body:   r,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("s3: put %s: %w", id, mapS3Error(id, err))
	}
	return nil
}

func (s *S3Storage) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return nil, mapS3Error(id, err)
	}
	return resp.Body, nil
}

func (s *S3Storage) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err == nil {
		return true, nil
	}
	if err = mapS3Error(id, err); errors.Is(err, attach.ErrFileNotFound) {
		return false, nil
	}
	return false, err
}

// Delete removes the object. S3 reports success for missing keys.
func (s *S3Storage) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err = mapS3Error(id, err); err != nil && !errors.Is(err, attach.ErrFileNotFound) {
		return err
	}
	return nil
}

// mapS3Error translates the SDK's not-found variants into attach.ErrFileNotFound.
func mapS3Error(id string, err error) error {
	if err == nil {
		return nil
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return notFound(id)
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return notFound(id)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch strings.ToLower(apiErr.ErrorCode()) {
		case "nosuchkey", "notfound", "404":
			return notFound(id)
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return notFound(id)
	}

	return err
}
