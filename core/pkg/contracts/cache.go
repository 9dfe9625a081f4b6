package contracts

import (
	"context"
	"time"
)

// Cache is the cache backend contract required by the messaging core.
// It is intentionally small: the core only needs an atomic set-if-absent
// primitive (distributed locking) and key deletion (cache invalidation).
type Cache interface {
	// SetIfNotExists stores value under key only when the key is absent.
	// Returns true when the value was stored. A zero ttl means no expiry.
	SetIfNotExists(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteMany removes multiple keys in one round trip.
	DeleteMany(ctx context.Context, keys ...string) error

	// Connection
	Ping(ctx context.Context) error
	Close() error
}
