package scheduler

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisTenantCounter implements TenantCounter over Redis INCR/DECR,
// reconciled against the Job Store's non-terminal count at startup since
// the counter itself is not durable across a full Redis data loss.
type redisTenantCounter struct {
	rdb       *redis.Client
	keyPrefix string // e.g. "mediaforge:tenant:%s:active"
}

func NewRedisTenantCounter(rdb *redis.Client, keyPattern string) TenantCounter {
	return &redisTenantCounter{rdb: rdb, keyPrefix: keyPattern}
}

func (c *redisTenantCounter) key(tenantKey string) string {
	return fmt.Sprintf(c.keyPrefix, tenantKey)
}

// incrementCapScript atomically increments the counter only if it is
// below cap, returning 1 on success and 0 when the cap was already
// reached. A plain INCR-then-check-then-DECR would race between two
// concurrent submissions from the same tenant.
const incrementCapScript = `
local key = KEYS[1]
local cap = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', key) or '0')
if current >= cap then
  return 0
end
redis.call('INCR', key)
return 1
`

func (c *redisTenantCounter) Increment(ctx context.Context, tenantKey string, cap int) (bool, error) {
	res, err := c.rdb.Eval(ctx, incrementCapScript, []string{c.key(tenantKey)}, cap).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (c *redisTenantCounter) Decrement(ctx context.Context, tenantKey string) error {
	key := c.key(tenantKey)
	n, err := c.rdb.Decr(ctx, key).Result()
	if err != nil {
		return err
	}
	if n < 0 {
		// clamp: a decrement racing a Reconcile should never go negative
		return c.rdb.Set(ctx, key, 0, 0).Err()
	}
	return nil
}

func (c *redisTenantCounter) Reconcile(ctx context.Context, tenantKey string, nonTerminalCount int64) error {
	return c.rdb.Set(ctx, c.key(tenantKey), nonTerminalCount, 0).Err()
}
