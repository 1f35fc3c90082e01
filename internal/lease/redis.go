// Package lease provides a short-lived per-user lock so only one sync runs
// for a user at a time, removing the checkpoint read-then-write race.
package lease

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "healthsync:lease:"

// RedisLease implements domain.Lease with SET NX and a TTL. A crashed holder
// simply lets the lease expire.
type RedisLease struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLease constructs a RedisLease.
func NewRedisLease(client *redis.Client, ttl time.Duration) *RedisLease {
	return &RedisLease{client: client, ttl: ttl}
}

// Acquire attempts to take the user's lease. Returns false when another
// holder already has it.
func (l *RedisLease) Acquire(ctx context.Context, userID string) (bool, error) {
	return l.client.SetNX(ctx, keyPrefix+userID, "1", l.ttl).Result()
}

// Release gives up the user's lease. Releasing an expired lease is a no-op.
func (l *RedisLease) Release(ctx context.Context, userID string) error {
	return l.client.Del(ctx, keyPrefix+userID).Err()
}
