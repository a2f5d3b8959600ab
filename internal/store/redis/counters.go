package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithTTL increments KEYS[1] and arms its expiry on the first hit, in one
// round-trip.
var incrWithTTL = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`) //nolint:gochecknoglobals // compiled script

// Counters implements the guard layer's counter/flag store.
type Counters struct {
	client redis.UniversalClient
}

func (c *Counters) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrWithTTL.Run(ctx, c.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis.Counters.IncrWithTTL: %w", err)
	}
	return n, nil
}

func (c *Counters) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis.Counters.SetIfAbsent: %w", err)
	}
	return ok, nil
}

func (c *Counters) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis.Counters.Delete: %w", err)
	}
	return nil
}
