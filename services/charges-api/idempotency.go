package main

import (
	"context"
	"fmt"
	"time"

	"pixcharge/kv"
)

// IdempotencyStore gates side effects behind a client-supplied key. The cached
// value is the exact response body of the first successful execution, so a
// replay within the TTL returns byte-identical output.
//
// Commit is explicit: handlers only cache 2xx responses. Infrastructure
// failures and value mismatches leave the key unconsumed so a corrected retry
// can still run.
type IdempotencyStore struct {
	store kv.Store
	ttl   time.Duration
}

// NewIdempotencyStore binds the cache to a key store with a response TTL.
func NewIdempotencyStore(store kv.Store, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &IdempotencyStore{store: store, ttl: ttl}
}

// Begin looks up a prior response for key. replay=true means the operation
// already ran and cached is the response body to return verbatim.
func (i *IdempotencyStore) Begin(ctx context.Context, key string) (cached []byte, replay bool, err error) {
	val, ok, err := i.store.Get(ctx, idempotencyKey(key))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return []byte(val), true, nil
}

// Commit records the response body for key. Two concurrent fresh starts may
// both commit; the state machine's terminal absorption keeps the effect
// exactly-once regardless.
func (i *IdempotencyStore) Commit(ctx context.Context, key string, response []byte) error {
	return i.store.Set(ctx, idempotencyKey(key), string(response), i.ttl)
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("idempotency:%s", key)
}
