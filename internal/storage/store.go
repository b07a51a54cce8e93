// Package storage defines the durable client-side key-value store that
// holds the guest conversation key between runs. It plays the role the
// browser's localStorage plays for the web storefront.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("storage: key not found")

// KV is the durable storage contract.
// Implementations: file.Client (default), memory.Client, redis.Client.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
