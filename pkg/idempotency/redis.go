package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces guard entries in a shared Redis instance.
const keyPrefix = "webhook:event:"

// RedisGuard is a Guard backed by Redis, for deployments where webhook
// deliveries land on more than one instance. SET NX with expiry gives the
// atomic claim; expiry replaces any sweep.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGuard creates a guard on the given client.
// A non-positive ttl falls back to DefaultTTL.
func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisGuard{client: client, ttl: ttl}
}

func (g *RedisGuard) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, ErrInvalidEventID
	}
	n, err := g.client.Exists(ctx, keyPrefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (g *RedisGuard) MarkProcessing(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, ErrInvalidEventID
	}
	return g.client.SetNX(ctx, keyPrefix+eventID, time.Now().UTC().Format(time.RFC3339Nano), g.ttl).Result()
}

func (g *RedisGuard) Release(ctx context.Context, eventID string) error {
	if eventID == "" {
		return ErrInvalidEventID
	}
	return g.client.Del(ctx, keyPrefix+eventID).Err()
}
