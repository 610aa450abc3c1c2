package redisq

import (
	"context"
	"jobq/internal/ports"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ ports.Locker = (*Client)(nil)

// KEYS: lock. ARGV: owner, ttl millis.
var acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
if not cur then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

func (c *Client) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, c.Rdb, []string{c.lockKey(key)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, unavailable("acquire lock", err)
	}
	return n == 1, nil
}

func (c *Client) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, c.Rdb, []string{c.lockKey(key)}, owner).Err(); err != nil {
		return unavailable("release lock", err)
	}
	return nil
}
