package storage

import (
	"context"
	"fmt"

	"attachkit/internal/attach"
	"attachkit/internal/config"
	"attachkit/internal/encryption"
)

// NewStorageFromConfig creates a storage based on the storage config type.
// enc is only used, and then required, when cfg.Encrypted is set.
func NewStorageFromConfig(ctx context.Context, cfg config.StorageConfig, enc encryption.Encryptor) (attach.Storage, error) {
	var (
		s   attach.Storage
		err error
	)
	switch cfg.Type {
	case "memory":
		s = NewMemoryStorage()
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem storage requires root to be set")
		}
		s, err = NewFileSystemStorage(cfg.Root)
	case "s3":
		s, err = NewS3Storage(ctx, S3Config{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3UsePathStyle,
		})
	case "minio":
		s, err = NewMinioStorage(MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			Bucket:    cfg.MinioBucket,
			Prefix:    cfg.MinioPrefix,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if !cfg.Encrypted {
		return s, nil
	}
	if enc == nil {
		return nil, fmt.Errorf("%s storage is encrypted but no encryptor is configured", cfg.Type)
	}
	return NewEncryptedStorage(s, enc), nil
}
