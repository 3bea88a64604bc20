// Package kv defines the short-TTL key store used for charge expiration keys,
// idempotency records and read caches, with a Redis-backed implementation for
// deployments and an in-process implementation for tests and local runs.
package kv

import (
	"context"
	"time"
)

// Store is a minimal TTL key-value contract. Absence of a key is meaningful:
// the expiration oracle treats a missing key as "no longer payable".
type Store interface {
	// Set writes value under key with the given TTL. A non-positive TTL
	// stores the key without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Exists reports key presence without reading the value.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
