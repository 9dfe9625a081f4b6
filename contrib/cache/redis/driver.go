// Package redis provides a Redis implementation of the relay Cache interface.
//
// Usage:
//
//	import (
//	    "github.com/madcok-co/relay/contrib/cache/redis"
//	    goredis "github.com/redis/go-redis/v9"
//	)
//
//	rdb := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	driver := redis.NewDriver(rdb)
package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/madcok-co/relay/core/pkg/contracts"
	"github.com/redis/go-redis/v9"
)

// Driver implements contracts.Cache using Redis
type Driver struct {
	client *redis.Client
	prefix string
}

// Option configures the Driver
type Option func(*Driver)

// WithPrefix sets a key prefix for all cache operations
func WithPrefix(prefix string) Option {
	return func(d *Driver) {
		d.prefix = prefix
	}
}

// NewDriver creates a new Redis cache driver
func NewDriver(client *redis.Client, opts ...Option) *Driver {
	d := &Driver{client: client}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Client returns the underlying Redis client
func (d *Driver) Client() *redis.Client {
	return d.client
}

func (d *Driver) key(k string) string {
	if d.prefix == "" {
		return k
	}
	return d.prefix + ":" + k
}

// SetIfNotExists stores value under key only when the key is absent (SETNX).
// Returns true when the value was stored.
func (d *Driver) SetIfNotExists(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return d.client.SetNX(ctx, d.key(key), data, ttl).Result()
}

// Delete removes a key from cache
func (d *Driver) Delete(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.key(key)).Err()
}

// DeleteMany removes multiple keys from cache
func (d *Driver) DeleteMany(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixedKeys := make([]string, len(keys))
	for i, k := range keys {
		prefixedKeys[i] = d.key(k)
	}
	return d.client.Del(ctx, prefixedKeys...).Err()
}

// Ping checks Redis connectivity
func (d *Driver) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (d *Driver) Close() error {
	return d.client.Close()
}

// Ensure Driver implements contracts.Cache
var _ contracts.Cache = (*Driver)(nil)
