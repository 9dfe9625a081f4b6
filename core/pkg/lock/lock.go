// Package lock is the cluster-wide mutex used by the outbox publisher. It is
// a thin wrapper over the cache backend's set-if-not-exists primitive, not a
// general critical-section lock: a TTL can expire mid-work, so callers must
// tolerate losing the lock.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/madcok-co/relay/core/pkg/contracts"
)

// KeyPrefix namespaces event locks in the cache backend.
const KeyPrefix = "LockEventId-"

// DefaultTTL bounds how long a crashed holder can block other instances.
const DefaultTTL = 2 * time.Minute

// Locker acquires and releases per-event distributed locks.
type Locker struct {
	cache contracts.Cache
	ttl   time.Duration
}

// Option configures the Locker.
type Option func(*Locker)

// WithTTL overrides the lock expiry.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) { l.ttl = ttl }
}

// New creates a Locker over a cache backend.
func New(cache contracts.Cache, opts ...Option) *Locker {
	l := &Locker{cache: cache, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the cache key for an event id.
func Key(eventID string) string {
	return KeyPrefix + eventID
}

// Acquire takes the lock for an event id. It returns false, without error,
// when another holder already owns it.
func (l *Locker) Acquire(ctx context.Context, eventID string) (bool, error) {
	ok, err := l.cache.SetIfNotExists(ctx, Key(eventID), eventID, l.ttl)
	if err != nil {
		return false, fmt.Errorf("lock: acquire %s: %w", eventID, err)
	}
	return ok, nil
}

// Release drops the lock for an event id. Releasing a lock that is not held
// (or already expired) is not an error.
func (l *Locker) Release(ctx context.Context, eventID string) error {
	if err := l.cache.Delete(ctx, Key(eventID)); err != nil {
		return fmt.Errorf("lock: release %s: %w", eventID, err)
	}
	return nil
}
