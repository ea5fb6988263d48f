package adapter

import (
	"context"
	"time"

	"proposal-pipeline/internal/domain/model"
)

// BlobStore holds document templates and generated artifacts.
type BlobStore interface {
	// List returns objects under prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]model.TemplateRef, error)
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	// PresignGet returns a time-limited download URL for key.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}
