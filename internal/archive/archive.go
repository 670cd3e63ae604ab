// Package archive copies saved recordings to longer-term storage.
package archive

import (
	"context"
	"fmt"

	"github.com/goodtune/kspeaker/internal/config"
)

// Store receives finished recordings. Keys are slash-separated relative
// paths.
type Store interface {
	// Put copies the local file at path to key.
	Put(ctx context.Context, key, path string) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// New builds the configured archive store. It returns nil when archiving is
// disabled.
func New(cfg config.ArchiveConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Type {
	case "local":
		local, err := NewLocal(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return local, nil
	case "s3":
		return NewS3(NewS3Client(cfg.S3), cfg.S3.Bucket, cfg.S3.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported archive type: %q", cfg.Type)
	}
}
