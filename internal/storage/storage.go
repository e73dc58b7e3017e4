// Package storage is the object-store collaborator boundary: a flat
// key/value blob service. Pipelines depend only on the Blob interface.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for keys that do not exist.
var ErrNotFound = errors.New("blob not found")

type Blob interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	// List returns every key under the prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	// SignedURL returns a time-limited URL an external service can
	// fetch the blob from.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}
