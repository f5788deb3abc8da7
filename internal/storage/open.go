package storage

import (
	"context"
	"fmt"

	"github.com/inkwell-cms/apiserver/config"
)

// NewBackend constructs the backend selected by cfg.Storage.Backend.
func NewBackend(ctx context.Context, cfg config.Config) (ObjectStorage, error) {
	switch cfg.Storage.Backend {
	case "minio":
		return NewMinioClient(cfg.Minio)
	case "gcs":
		return NewGCSClient(ctx, cfg.GCS)
	case "s3":
		return NewS3Client(ctx, cfg.S3)
	case "local":
		return NewLocalClient(cfg.Local)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

// Open builds the configured backend and wraps it.
func Open(ctx context.Context, cfg config.Config) (*Storage, error) {
	backend, err := NewBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewStorage(backend, Options{
		RootPrefix:    cfg.Storage.RootPrefix,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
		OpTimeout:     cfg.Storage.OpTimeout,
		ListTimeout:   cfg.Storage.ListTimeout,
		CredentialTTL: cfg.Storage.CredentialTTL,
	}), nil
}
