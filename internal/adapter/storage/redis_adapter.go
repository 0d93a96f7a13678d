package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	availKeyPrefix = "stock:avail:"
	sweepLeaseKey  = "stock:sweep:leader"
)

// acquireLeaseScript takes the sweep lease when free and renews it when the
// caller already holds it, in one atomic step.
var acquireLeaseScript = redis.NewScript(`
local key = KEYS[1]
local holder = ARGV[1]
local ttl = tonumber(ARGV[2])

local current = redis.call('GET', key)
if not current then
	redis.call('SET', key, holder, 'PX', ttl)
	return 1
end
if current == holder then
	redis.call('PEXPIRE', key, ttl)
	return 1
end

return 0
`)

// releaseLeaseScript drops the lease only when the caller still owns it.
var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end

return 0
`)

// RedisAdapter holds the availability projection plus the sweeper's
// leadership lease. Neither is consulted when deciding a reservation; the
// projection exists for catalog reads and the lease only deduplicates
// sweeping effort across replicas.
type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) PublishAvailable(ctx context.Context, itemID string, available int) error {
	key := availKeyPrefix + itemID
	return r.client.Set(ctx, key, available, 0).Err()
}

func (r *RedisAdapter) Available(ctx context.Context, itemID string) (int, bool, error) {
	key := availKeyPrefix + itemID

	available, err := r.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	return available, true, nil
}

func (r *RedisAdapter) AcquireSweepLease(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	result, err := acquireLeaseScript.Run(ctx, r.client, []string{sweepLeaseKey}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}

	return result == 1, nil
}

func (r *RedisAdapter) ReleaseSweepLease(ctx context.Context, holder string) error {
	return releaseLeaseScript.Run(ctx, r.client, []string{sweepLeaseKey}, holder).Err()
}
