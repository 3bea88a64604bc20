package main

import (
	"context"
	"fmt"
	"time"

	"pixcharge/kv"
)

// ExpirationOracle answers "is this charge still payable?" from a short-TTL
// key store. The key is created atomically with the charge; once the TTL
// lapses the key disappears and the charge becomes observably expired on the
// next read or webhook. No background sweeper is involved.
type ExpirationOracle struct {
	store kv.Store
	ttl   time.Duration
}

// NewExpirationOracle binds the oracle to a key store and charge TTL.
func NewExpirationOracle(store kv.Store, ttl time.Duration) *ExpirationOracle {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &ExpirationOracle{store: store, ttl: ttl}
}

// TTL returns the payment window applied to new charges.
func (o *ExpirationOracle) TTL() time.Duration {
	return o.ttl
}

// Arm opens the payment window for a charge.
func (o *ExpirationOracle) Arm(ctx context.Context, externalID string) error {
	return o.store.Set(ctx, ttlKey(externalID), "PENDING", o.ttl)
}

// IsArmed reports whether the charge is still payable. Errors mean the oracle
// itself is unreachable and the caller must fail the request as retriable.
func (o *ExpirationOracle) IsArmed(ctx context.Context, externalID string) (bool, error) {
	return o.store.Exists(ctx, ttlKey(externalID))
}

// Disarm closes the window after a successful payment. Best effort: the
// charge row is already terminal by the time this runs.
func (o *ExpirationOracle) Disarm(ctx context.Context, externalID string) error {
	return o.store.Delete(ctx, ttlKey(externalID))
}

func ttlKey(externalID string) string {
	return fmt.Sprintf("charge:ttl:%s", externalID)
}
