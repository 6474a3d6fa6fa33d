package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/scribelabs/sessionnotes/config"
)

// Storage defines the interface for persisting uploaded session recordings.
type Storage interface {
	Save(ctx context.Context, key string, r io.Reader) error

	Open(ctx context.Context, key string) (io.ReadCloser, error)

	Delete(ctx context.Context, key string) error
}

// New creates the storage backend selected by the configuration.
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "local":
		return NewLocalStorage(cfg.Dir)
	case "gcs":
		return NewGCSStorage(ctx, cfg.Bucket, cfg.ObjectPrefix, cfg.CredentialsFile)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
