// Package redis holds the Redis-backed helpers: leases for background jobs,
// idempotency records and the rate-limit counters' client.
package redis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

const unlockScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// TryLock takes a lease on key for owner. It is how replicas agree on who runs
// the expiry sweep.
func (c *Cache) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, "lock:"+key, owner, ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "lock %s", key)
	}
	return ok, nil
}

// Unlock drops the lease only if owner still holds it.
func (c *Cache) Unlock(ctx context.Context, key, owner string) error {
	err := c.client.Eval(ctx, unlockScript, []string{"lock:" + key}, owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrapf(err, "unlock %s", key)
	}
	return nil
}
